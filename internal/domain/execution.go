package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/containerd/errdefs"
)

// ExecutionStatus is the lifecycle state of a validation run.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed
}

// CanTransitionTo reports whether s -> next is a legal lifecycle step.
// PENDING -> RUNNING -> {COMPLETED, FAILED}; PENDING may also fail directly
// (abandoned before the pipeline started).
func (s ExecutionStatus) CanTransitionTo(next ExecutionStatus) bool {
	switch s {
	case ExecutionPending:
		return next == ExecutionRunning || next == ExecutionFailed
	case ExecutionRunning:
		return next == ExecutionCompleted || next == ExecutionFailed
	default:
		return false
	}
}

// PredecessorsOf lists the statuses from which next can be reached.
func PredecessorsOf(next ExecutionStatus) []ExecutionStatus {
	var from []ExecutionStatus
	for _, s := range []ExecutionStatus{ExecutionPending, ExecutionRunning, ExecutionCompleted, ExecutionFailed} {
		if s.CanTransitionTo(next) {
			from = append(from, s)
		}
	}
	return from
}

// Execution is one run of the validation pipeline.
type Execution struct {
	ExecutionID         string          `json:"execution_id"`
	Status              ExecutionStatus `json:"status"`
	Topic               string          `json:"topic"`
	UserContext         UserContext     `json:"user_context"`
	WebhookURL          string          `json:"webhook_url,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	StartedAt           *time.Time      `json:"started_at,omitempty"`
	CompletedAt         *time.Time      `json:"completed_at,omitempty"`
	FinalReport         json.RawMessage `json:"final_report,omitempty"`
	FinalReportMarkdown string          `json:"final_report_markdown,omitempty"`
	ErrorMessage        string          `json:"error_message,omitempty"`
}

// AgentStatus is the state of one agent within a run.
type AgentStatus string

const (
	AgentCompleted AgentStatus = "completed"
	AgentFailed    AgentStatus = "failed"
)

// StageCategory groups agents for reporting.
type StageCategory string

const (
	CategoryResearch   StageCategory = "research"
	CategoryAnalysis   StageCategory = "analysis"
	CategoryValidation StageCategory = "validation"
	CategoryReporting  StageCategory = "reporting"
)

// AgentResult records the outcome of one agent in a run.
type AgentResult struct {
	ID           int64           `json:"id"`
	ExecutionID  string          `json:"execution_id"`
	AgentName    string          `json:"agent_name"`
	Status       AgentStatus     `json:"status"`
	Category     StageCategory   `json:"stage"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	ResultData   json.RawMessage `json:"result_data,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// ValidationMetrics is written once per successful run.
type ValidationMetrics struct {
	ID                       int64     `json:"id"`
	ExecutionID              string    `json:"execution_id"`
	AgentsCount              int       `json:"agents_count"`
	TotalTokensUsed          int64     `json:"total_tokens_used"`
	ExecutionDurationSeconds int64     `json:"execution_duration_seconds"`
	ReportCompletenessScore  int       `json:"report_completeness_score"`
	CreatedAt                time.Time `json:"created_at"`
}

// Allowed values for the enumerated UserContext fields.
var (
	ProgrammingSkills  = []string{"can_code", "use_ai_for_coding", "use_no_code", "cannot_code"}
	FinancialResources = []string{"own_funds", "investor", "credit_planned", "none"}
)

// UserContext describes the founder and the idea being validated.
type UserContext struct {
	IdeaDescription      string `json:"idea_description"`
	TargetMarket         string `json:"target_market"`
	TargetAudience       string `json:"target_audience"`
	AudiencePains        string `json:"audience_pains"`
	UniqueSellingPoint   string `json:"unique_selling_point"`
	ProgrammingSkills    string `json:"programming_skills"`
	HasTeam              bool   `json:"has_team"`
	TeamMembers          string `json:"team_members,omitempty"`
	FinancialResources   string `json:"financial_resources"`
	AvailableTimePerWeek string `json:"available_time_per_week"`
	SocialMediaPresence  string `json:"social_media_presence"`

	Title     string `json:"title,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// FieldError is a single validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError collects field errors. It wraps errdefs.ErrInvalidArgument.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return errdefs.ErrInvalidArgument }

// Validate checks required fields and enumerations.
func (c UserContext) Validate() error {
	var fields []FieldError
	required := []struct {
		name  string
		value string
	}{
		{"idea_description", c.IdeaDescription},
		{"target_market", c.TargetMarket},
		{"target_audience", c.TargetAudience},
		{"audience_pains", c.AudiencePains},
		{"unique_selling_point", c.UniqueSellingPoint},
		{"available_time_per_week", c.AvailableTimePerWeek},
		{"social_media_presence", c.SocialMediaPresence},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			fields = append(fields, FieldError{Field: r.name, Message: "field required"})
		}
	}
	if !oneOf(c.ProgrammingSkills, ProgrammingSkills) {
		fields = append(fields, FieldError{
			Field:   "programming_skills",
			Message: fmt.Sprintf("must be one of %s", strings.Join(ProgrammingSkills, ", ")),
		})
	}
	if !oneOf(c.FinancialResources, FinancialResources) {
		fields = append(fields, FieldError{
			Field:   "financial_resources",
			Message: fmt.Sprintf("must be one of %s", strings.Join(FinancialResources, ", ")),
		})
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
