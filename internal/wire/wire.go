// Package wire defines the JSON contract between the web backend and the
// validation engine: the REST payloads and the signed callback.
package wire

import (
	"encoding/json"
	"html"
	"strings"
	"time"

	"github.com/ashureev/validity/internal/domain"
)

// Engine REST paths.
const (
	PathValidate = "/api/v1/validate"
	PathStatus   = "/api/v1/status/{id}"
	PathResult   = "/api/v1/result/{id}"
	PathHealth   = "/api/v1/health"
)

// TotalAgents is the number of agents in one validation run.
const TotalAgents = 11

// EstimatedDurationMinutes is returned when a run is accepted.
const EstimatedDurationMinutes = 20

// ValidateRequest starts a validation run.
type ValidateRequest struct {
	Topic       string             `json:"topic"`
	UserContext domain.UserContext `json:"user_context"`
	WebhookURL  string             `json:"webhook_url,omitempty"`
}

// ValidateResponse acknowledges a started run.
type ValidateResponse struct {
	ExecutionID              string `json:"execution_id"`
	Status                   string `json:"status"`
	EstimatedDurationMinutes int    `json:"estimated_duration_minutes"`
}

// StatusResponse reports the progress of a run.
type StatusResponse struct {
	ExecutionID     string                 `json:"execution_id"`
	Status          domain.ExecutionStatus `json:"status"`
	CreatedAt       time.Time              `json:"created_at"`
	StartedAt       *time.Time             `json:"started_at"`
	CompletedAt     *time.Time             `json:"completed_at"`
	AgentsCompleted int                    `json:"agents_completed"`
	TotalAgents     int                    `json:"total_agents"`
	CurrentStage    string                 `json:"current_stage"`
	ErrorMessage    string                 `json:"error_message,omitempty"`
}

// ResultResponse carries the report of a completed run.
type ResultResponse struct {
	ExecutionID         string                 `json:"execution_id"`
	Status              domain.ExecutionStatus `json:"status"`
	FinalReport         json.RawMessage        `json:"final_report"`
	FinalReportMarkdown string                 `json:"final_report_markdown"`
	CreatedAt           time.Time              `json:"created_at"`
	CompletedAt         *time.Time             `json:"completed_at"`
}

// HealthResponse is returned by the engine health endpoint.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}

// ErrorResponse is the engine's error body. Detail is a string, or a list
// of field errors for 422 responses.
type ErrorResponse struct {
	Detail  any    `json:"detail,omitempty"`
	Message string `json:"message,omitempty"`
}

// Callback types.
const (
	CallbackFinalReport = domain.MessageTypeFinalReport
	CallbackError       = domain.MessageTypeError
)

// CallbackPayload is POSTed by the engine to the backend when a run ends.
type CallbackPayload struct {
	SessionID      json.Number            `json:"session_id"`
	Type           string                 `json:"type"`
	Content        string                 `json:"content"`
	Metadata       domain.Metadata        `json:"metadata,omitempty"`
	Report         string                 `json:"report,omitempty"`
	ReportHTML     string                 `json:"report_html,omitempty"`
	ReportSections []domain.ReportSection `json:"report_sections,omitempty"`
}

// ReportMarkdown returns the markdown report, falling back to the HTML one.
func (p *CallbackPayload) ReportMarkdown() string {
	if p.Report != "" {
		return p.Report
	}
	return p.ReportHTML
}

// ReportHTML renders report text as escaped HTML with line breaks kept.
func ReportHTML(text string) string {
	return strings.ReplaceAll(html.EscapeString(text), "\n", "<br>")
}
