package domain

import (
	"fmt"
	"time"
)

// FreeIdeaQuotaWindow is the trailing window in which a user without an
// active subscription may create one idea.
const FreeIdeaQuotaWindow = 30 * 24 * time.Hour

// FormatWindow renders a quota window in days when it is a whole number of
// days, otherwise as a duration.
func FormatWindow(d time.Duration) string {
	const day = 24 * time.Hour
	if d <= 0 || d%day != 0 {
		return d.String()
	}
	if n := int64(d / day); n != 1 {
		return fmt.Sprintf("%d days", n)
	}
	return "1 day"
}

// Metadata is a free-form JSON object.
type Metadata map[string]any

// String returns the string value stored under key, or "".
func (m Metadata) String(key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// Idea is a business idea submitted by a user.
type Idea struct {
	ID          int64     `json:"id"`
	OwnerID     int64     `json:"-"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Metadata    Metadata  `json:"metadata"`
	CreatedAt   time.Time `json:"created_at"`
}

// ReportSection is one rendered block of a session report.
type ReportSection struct {
	Title string `json:"title"`
	HTML  string `json:"html"`
}

// Session is the validation conversation attached to exactly one Idea.
type Session struct {
	ID             int64           `json:"id"`
	IdeaID         int64           `json:"idea_id"`
	StartedAt      time.Time       `json:"started_at"`
	Finished       bool            `json:"finished"`
	AgentRunID     string          `json:"agent_run_id,omitempty"`
	Report         string          `json:"report"`
	ReportSections []ReportSection `json:"report_sections"`
}

// HasRun reports whether an engine execution was already attached.
func (s *Session) HasRun() bool {
	return s.AgentRunID != ""
}

// Sender identifies who appended a Message.
type Sender string

const (
	SenderUser   Sender = "user"
	SenderAgent  Sender = "agent"
	SenderSystem Sender = "system"
)

// Valid reports whether s is a known sender.
func (s Sender) Valid() bool {
	switch s {
	case SenderUser, SenderAgent, SenderSystem:
		return true
	}
	return false
}

// Message types stored under Metadata["type"].
const (
	MessageTypeStatus         = "status"
	MessageTypeProgress       = "progress"
	MessageTypeFinalReport    = "final_report"
	MessageTypeError          = "error"
	MessageTypeTimeoutError   = "timeout_error"
	MessageTypeStartError     = "start_error"
	MessageTypeAcknowledgment = "acknowledgment"
)

// Message is an append-only log entry of a Session.
type Message struct {
	ID        int64     `json:"id"`
	SessionID int64     `json:"session"`
	Sender    Sender    `json:"sender"`
	Content   string    `json:"content"`
	Metadata  Metadata  `json:"metadata"`
	CreatedAt time.Time `json:"created_at"`
}

// Type returns the message type recorded in the metadata.
func (m *Message) Type() string {
	return m.Metadata.String("type")
}
