package engine

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ashureev/validity/internal/domain"
	"github.com/ashureev/validity/internal/wire"
)

const testSecret = "callback-secret"

func completedExecution(url string) *domain.Execution {
	return &domain.Execution{
		ExecutionID:         "exec-1",
		Status:              domain.ExecutionCompleted,
		UserContext:         validContext(),
		WebhookURL:          url,
		FinalReportMarkdown: "# Summary\nWorth pursuing <now>\n## Risks\nCompetition",
	}
}

func TestNotifySendsSignedFinalReport(t *testing.T) {
	var body []byte
	var signature string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		signature = r.Header.Get(wire.SignatureHeader)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(testSecret, time.Second, nil)
	require.NoError(t, n.Notify(context.Background(), completedExecution(srv.URL)))

	require.True(t, wire.Verify(testSecret, body, signature))

	var p wire.CallbackPayload
	require.NoError(t, json.Unmarshal(body, &p))
	require.Equal(t, "7", p.SessionID.String())
	require.Equal(t, wire.CallbackFinalReport, p.Type)
	require.Equal(t, "# Summary\nWorth pursuing <now>\n## Risks\nCompetition", p.Report)
	require.Equal(t, "# Summary<br>Worth pursuing &lt;now&gt;<br>## Risks<br>Competition", p.ReportHTML)
	require.Equal(t, []domain.ReportSection{
		{Title: "Summary", HTML: "Worth pursuing &lt;now&gt;"},
		{Title: "Risks", HTML: "Competition"},
	}, p.ReportSections)
	require.Equal(t, "exec-1", p.Metadata.String("execution_id"))
}

func TestNotifySendsError(t *testing.T) {
	var p wire.CallbackPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&p)
	}))
	defer srv.Close()

	exec := completedExecution(srv.URL)
	exec.Status = domain.ExecutionFailed
	exec.ErrorMessage = "agent risk_assessor failed: overloaded"

	require.NoError(t, NewWebhookNotifier(testSecret, time.Second, nil).Notify(context.Background(), exec))
	require.Equal(t, wire.CallbackError, p.Type)
	require.Equal(t, "Validation failed: agent risk_assessor failed: overloaded", p.Content)
	require.Equal(t, "agent risk_assessor failed: overloaded", p.Metadata.String("error"))
	require.Empty(t, p.Report)
}

func TestNotifySkips(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	noSession := completedExecution(srv.URL)
	noSession.UserContext.SessionID = ""

	tests := []struct {
		name   string
		secret string
		exec   *domain.Execution
	}{
		{"no secret", "", completedExecution(srv.URL)},
		{"no webhook url", testSecret, completedExecution("")},
		{"no session id", testSecret, noSession},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, NewWebhookNotifier(tt.secret, time.Second, nil).Notify(context.Background(), tt.exec))
		})
	}
	require.Zero(t, hits.Load())
}

func TestNotifyReportsBackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	err := NewWebhookNotifier(testSecret, time.Second, nil).Notify(context.Background(), completedExecution(srv.URL))
	require.ErrorContains(t, err, "backend returned 401")
}

func TestCallbackForRejectsRunningExecution(t *testing.T) {
	exec := completedExecution("http://backend")
	exec.Status = domain.ExecutionRunning
	_, err := CallbackFor(exec)
	require.Error(t, err)
}
