package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/ashureev/validity/internal/domain"
	"github.com/ashureev/validity/internal/wire"
)

// Notifier delivers the terminal outcome of a run to its webhook.
type Notifier interface {
	Notify(ctx context.Context, exec *domain.Execution) error
}

// WebhookNotifier POSTs signed callbacks with resty. Delivery is attempted
// once; the backend's poll loop covers lost callbacks.
type WebhookNotifier struct {
	http   *resty.Client
	secret string
	logger *slog.Logger
}

// NewWebhookNotifier creates a notifier signing bodies with secret.
func NewWebhookNotifier(secret string, timeout time.Duration, logger *slog.Logger) *WebhookNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json")
	return &WebhookNotifier{http: client, secret: secret, logger: logger}
}

// Notify sends the callback for a terminal execution. Executions without a
// webhook URL or session id are skipped, as is everything when no secret is
// configured.
func (n *WebhookNotifier) Notify(ctx context.Context, exec *domain.Execution) error {
	if exec.WebhookURL == "" || exec.UserContext.SessionID == "" {
		return nil
	}
	if n.secret == "" {
		n.logger.Warn("Webhook secret not set, skipping callback",
			"execution_id", exec.ExecutionID, "url", exec.WebhookURL)
		return nil
	}

	payload, err := CallbackFor(exec)
	if err != nil {
		return err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode callback: %w", err)
	}

	resp, err := n.http.R().
		SetContext(ctx).
		SetHeader(wire.SignatureHeader, wire.Sign(n.secret, body)).
		SetBody(body).
		Post(exec.WebhookURL)
	if err != nil {
		return fmt.Errorf("deliver callback: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("deliver callback: backend returned %d", resp.StatusCode())
	}
	n.logger.Info("Callback delivered",
		"execution_id", exec.ExecutionID,
		"session_id", exec.UserContext.SessionID,
		"type", payload.Type)
	return nil
}

// CallbackFor builds the callback payload of a terminal execution.
func CallbackFor(exec *domain.Execution) (*wire.CallbackPayload, error) {
	p := &wire.CallbackPayload{
		SessionID: json.Number(exec.UserContext.SessionID),
		Metadata:  domain.Metadata{"execution_id": exec.ExecutionID},
	}
	switch exec.Status {
	case domain.ExecutionCompleted:
		p.Type = wire.CallbackFinalReport
		p.Content = "Validation report is ready."
		p.Report = exec.FinalReportMarkdown
		p.ReportHTML = wire.ReportHTML(exec.FinalReportMarkdown)
		p.ReportSections = SplitSections(exec.FinalReportMarkdown)
	case domain.ExecutionFailed:
		p.Type = wire.CallbackError
		p.Content = "Validation failed: " + exec.ErrorMessage
		p.Metadata["error"] = exec.ErrorMessage
	default:
		return nil, fmt.Errorf("execution %s is not terminal: %s", exec.ExecutionID, exec.Status)
	}
	return p, nil
}
