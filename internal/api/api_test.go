//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/validity/internal/domain"
	"github.com/ashureev/validity/internal/identity"
	"github.com/ashureev/validity/internal/queue"
	"github.com/ashureev/validity/internal/store"
	"github.com/ashureev/validity/internal/wire"
	"github.com/containerd/errdefs"
	"github.com/go-chi/chi/v5"
)

const testSecret = "callback-secret"

type failingQueue struct{}

func (failingQueue) Enqueue(context.Context, queue.Task) error {
	return fmt.Errorf("queue full: %w", errdefs.ErrUnavailable)
}
func (failingQueue) Dequeue(ctx context.Context) (queue.Task, error) {
	<-ctx.Done()
	return queue.Task{}, ctx.Err()
}
func (failingQueue) Ping(context.Context) error { return errors.New("redis: connection refused") }
func (failingQueue) Close() error               { return nil }

type testAPI struct {
	repo    *store.SQLiteStore
	queue   *queue.MemoryQueue
	tokens  *identity.Tokens
	handler http.Handler
}

func newTestAPI(t *testing.T, q queue.Queue, ratePerMinute int) *testAPI {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	mem, _ := q.(*queue.MemoryQueue)
	tokens := identity.NewTokens("jwt-secret", "test", time.Hour)
	base := NewHandler(repo, q, 0)

	r := chi.NewRouter()
	NewHealthHandler(repo, q, nil, nil, time.Second).RegisterHealth(r)
	authHandler := NewAuthHandler(base, tokens)
	authHandler.RegisterRoutes(r)
	NewCallbackHandler(base, testSecret).RegisterRoutes(r)
	stripeHandler := NewStripeHandler(base)
	stripeHandler.RegisterWebhook(r)
	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(tokens))
		authHandler.RegisterMe(r)
		NewIdeaHandler(base, domain.FreeIdeaQuotaWindow).RegisterRoutes(r)
		NewMessageHandler(base, identity.NewUserRateLimiter(ratePerMinute)).RegisterRoutes(r)
		stripeHandler.RegisterRoutes(r)
	})

	return &testAPI{repo: repo, queue: mem, tokens: tokens, handler: r}
}

func (a *testAPI) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.handler.ServeHTTP(w, req)
	return w
}

func (a *testAPI) register(t *testing.T, username string) string {
	t.Helper()
	w := a.do(t, http.MethodPost, "/auth/register", "", map[string]string{"username": username, "password": "correct-horse"})
	if w.Code != http.StatusCreated {
		t.Fatalf("register %s: %d %s", username, w.Code, w.Body.String())
	}
	var resp tokenResponse
	decode(t, w, &resp)
	return resp.AccessToken
}

func (a *testAPI) createIdea(t *testing.T, token, title string) *httptest.ResponseRecorder {
	t.Helper()
	return a.do(t, http.MethodPost, "/ideas/", token, map[string]any{
		"title":       title,
		"description": "Subscription meal kits for students",
		"metadata":    map[string]any{"target_market": "EU", "has_funding": true},
	})
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v (%s)", err, w.Body.String())
	}
}

func TestRegisterLoginAndMe(t *testing.T) {
	a := newTestAPI(t, queue.NewMemory(8), 10)
	a.register(t, "alice")

	w := a.do(t, http.MethodPost, "/auth/register", "", map[string]string{"username": "alice", "password": "another-pass"})
	if w.Code != http.StatusConflict {
		t.Fatalf("duplicate register: expected 409, got %d", w.Code)
	}

	w = a.do(t, http.MethodPost, "/auth/login", "", map[string]string{"username": "alice", "password": "wrong-password"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("bad login: expected 401, got %d", w.Code)
	}

	w = a.do(t, http.MethodPost, "/auth/login", "", map[string]string{"username": "alice", "password": "correct-horse"})
	if w.Code != http.StatusOK {
		t.Fatalf("login: %d %s", w.Code, w.Body.String())
	}
	var login tokenResponse
	decode(t, w, &login)

	w = a.do(t, http.MethodGet, "/me", login.AccessToken, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("me: %d", w.Code)
	}
	var me map[string]any
	decode(t, w, &me)
	if me["username"] != "alice" || me["subscribed"] != false {
		t.Fatalf("unexpected me: %v", me)
	}

	if w := a.do(t, http.MethodGet, "/ideas/", "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated ideas: expected 401, got %d", w.Code)
	}
}

func TestCreateIdeaEnqueuesStartAndEnforcesQuota(t *testing.T) {
	a := newTestAPI(t, queue.NewMemory(8), 10)
	token := a.register(t, "bob")

	w := a.createIdea(t, token, "Meal kits")
	if w.Code != http.StatusCreated {
		t.Fatalf("create idea: %d %s", w.Code, w.Body.String())
	}
	var created struct {
		ID        int64 `json:"id"`
		SessionID int64 `json:"session_id"`
	}
	decode(t, w, &created)

	task, err := a.queue.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if task != queue.StartSession(created.SessionID) {
		t.Fatalf("unexpected task %+v", task)
	}

	w = a.createIdea(t, token, "Second idea")
	if w.Code != http.StatusPaymentRequired {
		t.Fatalf("second idea: expected 402, got %d", w.Code)
	}
	var body map[string]string
	decode(t, w, &body)
	if body["detail"] != QuotaExceededDetail(domain.FreeIdeaQuotaWindow) {
		t.Fatalf("unexpected quota detail %q", body["detail"])
	}
	if a.queue.Len() != 0 {
		t.Fatal("a rejected idea must not enqueue work")
	}

	if w := a.do(t, http.MethodPost, "/stripe/start/", token, nil); w.Code != http.StatusOK {
		t.Fatalf("stripe start: %d %s", w.Code, w.Body.String())
	}
	if w := a.createIdea(t, token, "Third idea"); w.Code != http.StatusCreated {
		t.Fatalf("subscriber idea: expected 201, got %d", w.Code)
	}
}

func TestCreateIdeaRollsBackWhenQueueUnavailable(t *testing.T) {
	a := newTestAPI(t, failingQueue{}, 10)
	token := a.register(t, "carol")

	w := a.createIdea(t, token, "Meal kits")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}

	w = a.do(t, http.MethodGet, "/ideas/", token, nil)
	var ideas []domain.Idea
	decode(t, w, &ideas)
	if len(ideas) != 0 {
		t.Fatalf("idea must be rolled back, got %d", len(ideas))
	}

	// A rolled back idea does not count against the quota: the retry passes
	// the gate and fails on the queue again instead of returning 402.
	if w := a.createIdea(t, token, "Retry"); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("retry: expected 503, got %d", w.Code)
	}
}

func TestIdeaOwnershipAndMetadataOnlyUpdate(t *testing.T) {
	a := newTestAPI(t, queue.NewMemory(8), 10)
	owner := a.register(t, "dave")
	other := a.register(t, "erin")

	w := a.createIdea(t, owner, "Meal kits")
	var created struct {
		ID int64 `json:"id"`
	}
	decode(t, w, &created)
	path := fmt.Sprintf("/ideas/%d", created.ID)

	if w := a.do(t, http.MethodGet, path, other, nil); w.Code != http.StatusNotFound {
		t.Fatalf("foreign idea: expected 404, got %d", w.Code)
	}

	w = a.do(t, http.MethodPatch, path, owner, map[string]any{
		"title":    "Renamed",
		"metadata": map[string]any{"target_market": "USA"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("patch: %d %s", w.Code, w.Body.String())
	}
	var patched domain.Idea
	decode(t, w, &patched)
	if patched.Title != "Meal kits" || patched.Metadata.String("target_market") != "USA" {
		t.Fatalf("unexpected patched idea: %+v", patched)
	}

	w = a.do(t, http.MethodGet, path+"/session", owner, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("session: %d", w.Code)
	}
	var session sessionResponse
	decode(t, w, &session)
	if session.Session == nil || session.IdeaID != created.ID || session.Finished {
		t.Fatalf("unexpected session: %+v", session.Session)
	}

	if w := a.do(t, http.MethodDelete, path, other, nil); w.Code != http.StatusNotFound {
		t.Fatalf("foreign delete: expected 404, got %d", w.Code)
	}
	if w := a.do(t, http.MethodDelete, path, owner, nil); w.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", w.Code)
	}
	if w := a.do(t, http.MethodGet, path, owner, nil); w.Code != http.StatusNotFound {
		t.Fatalf("deleted idea: expected 404, got %d", w.Code)
	}
}

func sessionFor(t *testing.T, a *testAPI, token string) int64 {
	t.Helper()
	w := a.createIdea(t, token, "Meal kits")
	if w.Code != http.StatusCreated {
		t.Fatalf("create idea: %d", w.Code)
	}
	var created struct {
		SessionID int64 `json:"session_id"`
	}
	decode(t, w, &created)
	if a.queue != nil {
		if _, err := a.queue.Dequeue(context.Background()); err != nil {
			t.Fatalf("Dequeue: %v", err)
		}
	}
	return created.SessionID
}

func TestMessagesCreateListAndRateLimit(t *testing.T) {
	a := newTestAPI(t, queue.NewMemory(8), 2)
	token := a.register(t, "frank")
	other := a.register(t, "gina")
	sessionID := sessionFor(t, a, token)

	w := a.do(t, http.MethodPost, "/messages/", token, map[string]any{"session": sessionID, "content": "What about Germany?"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create message: %d %s", w.Code, w.Body.String())
	}
	var msg domain.Message
	decode(t, w, &msg)
	if msg.Sender != domain.SenderUser || msg.SessionID != sessionID {
		t.Fatalf("unexpected message: %+v", msg)
	}

	task, err := a.queue.Dequeue(context.Background())
	if err != nil || task != queue.SendUserMessage(sessionID, msg.ID) {
		t.Fatalf("unexpected task %+v, %v", task, err)
	}

	if w := a.do(t, http.MethodPost, "/messages/", other, map[string]any{"session": sessionID, "content": "hijack"}); w.Code != http.StatusNotFound {
		t.Fatalf("foreign session: expected 404, got %d", w.Code)
	}
	if w := a.do(t, http.MethodGet, fmt.Sprintf("/messages/%d", msg.ID), other, nil); w.Code != http.StatusNotFound {
		t.Fatalf("foreign message: expected 404, got %d", w.Code)
	}

	w = a.do(t, http.MethodGet, fmt.Sprintf("/messages/?session=%d", sessionID), token, nil)
	var listed []domain.Message
	decode(t, w, &listed)
	if len(listed) != 1 || listed[0].ID != msg.ID {
		t.Fatalf("unexpected list: %+v", listed)
	}

	if w := a.do(t, http.MethodPost, "/messages/", token, map[string]any{"session": sessionID, "content": "second"}); w.Code != http.StatusCreated {
		t.Fatalf("second message: %d", w.Code)
	}
	if w := a.do(t, http.MethodPost, "/messages/", token, map[string]any{"session": sessionID, "content": "third"}); w.Code != http.StatusTooManyRequests {
		t.Fatalf("third message: expected 429, got %d", w.Code)
	}
}

func (a *testAPI) callback(t *testing.T, payload any, secret string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/agents/callback/", bytes.NewReader(body))
	req.Header.Set(wire.SignatureHeader, wire.Sign(secret, body))
	w := httptest.NewRecorder()
	a.handler.ServeHTTP(w, req)
	return w
}

func TestCallbackSignatureAndFinalReport(t *testing.T) {
	a := newTestAPI(t, queue.NewMemory(8), 10)
	token := a.register(t, "hank")
	sessionID := sessionFor(t, a, token)
	ctx := context.Background()

	payload := map[string]any{
		"session_id":      sessionID,
		"type":            "final_report",
		"content":         "Validation finished",
		"report_html":     "<h1>Report</h1>",
		"report_sections": []map[string]string{{"title": "Market", "html": "<p>big</p>"}},
	}

	if w := a.callback(t, payload, "wrong-secret"); w.Code != http.StatusUnauthorized {
		t.Fatalf("bad signature: expected 401, got %d", w.Code)
	}
	msgs, _ := a.repo.ListMessages(ctx, sessionID)
	if len(msgs) != 0 {
		t.Fatal("a rejected callback must not write")
	}

	unknown := map[string]any{"session_id": sessionID + 100, "type": "progress", "content": "x"}
	if w := a.callback(t, unknown, testSecret); w.Code != http.StatusNotFound {
		t.Fatalf("unknown session: expected 404, got %d", w.Code)
	}

	if w := a.callback(t, payload, testSecret); w.Code != http.StatusOK {
		t.Fatalf("callback: %d %s", w.Code, w.Body.String())
	}

	session, err := a.repo.GetSession(ctx, sessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if !session.Finished || session.Report != "<h1>Report</h1>" || len(session.ReportSections) != 1 {
		t.Fatalf("unexpected session: %+v", session)
	}
	msgs, _ = a.repo.ListMessages(ctx, sessionID)
	if len(msgs) != 1 || msgs[0].Sender != domain.SenderAgent || msgs[0].Type() != "final_report" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
}

func TestCallbackRejectedWithoutSecret(t *testing.T) {
	a := newTestAPI(t, queue.NewMemory(8), 10)
	base := NewHandler(a.repo, a.queue, 0)
	r := chi.NewRouter()
	NewCallbackHandler(base, "").RegisterRoutes(r)
	a.handler = r

	if w := a.callback(t, map[string]any{"session_id": 1}, ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with no secret configured, got %d", w.Code)
	}
}

func TestCallbackMissingSignatureIsRejected(t *testing.T) {
	a := newTestAPI(t, queue.NewMemory(8), 10)
	token := a.register(t, "iris")
	sessionID := sessionFor(t, a, token)
	ctx := context.Background()

	body, _ := json.Marshal(map[string]any{
		"session_id": sessionID,
		"type":       "final_report",
		"content":    "done",
		"report":     "# forged",
	})
	req := httptest.NewRequest(http.MethodPost, "/agents/callback/", bytes.NewReader(body))
	w := httptest.NewRecorder()
	a.handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("missing signature: expected 401, got %d", w.Code)
	}
	var resp map[string]string
	decode(t, w, &resp)
	if !strings.Contains(resp["error"], "invalid signature") {
		t.Fatalf("unexpected error body %v", resp)
	}
	msgs, _ := a.repo.ListMessages(ctx, sessionID)
	if len(msgs) != 0 {
		t.Fatal("a rejected callback must not write")
	}
	session, _ := a.repo.GetSession(ctx, sessionID)
	if session.Finished || session.Report != "" {
		t.Fatalf("session changed by rejected callback: %+v", session)
	}
}

func TestCallbackOverridesReportStoredByPoll(t *testing.T) {
	a := newTestAPI(t, queue.NewMemory(8), 10)
	token := a.register(t, "jack")
	sessionID := sessionFor(t, a, token)
	ctx := context.Background()

	changed, err := a.repo.FinishSessionIfOpen(ctx, sessionID, "# poll",
		[]domain.ReportSection{{Title: "AI Validation Report", HTML: "<pre># poll</pre>"}})
	if err != nil || !changed {
		t.Fatalf("FinishSessionIfOpen = %v, %v", changed, err)
	}

	payload := map[string]any{
		"session_id":      sessionID,
		"type":            "final_report",
		"content":         "Validation report is ready.",
		"report":          "# callback",
		"report_sections": []map[string]string{{"title": "Market", "html": "<p>callback</p>"}},
	}
	if w := a.callback(t, payload, testSecret); w.Code != http.StatusOK {
		t.Fatalf("callback: %d %s", w.Code, w.Body.String())
	}

	session, err := a.repo.GetSession(ctx, sessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if !session.Finished || session.Report != "# callback" {
		t.Fatalf("callback report should win: %+v", session)
	}
	if len(session.ReportSections) != 1 || session.ReportSections[0].Title != "Market" {
		t.Fatalf("unexpected sections %+v", session.ReportSections)
	}
}

func TestStripeStartAcceptsChunkedEmptyBody(t *testing.T) {
	a := newTestAPI(t, queue.NewMemory(8), 10)
	token := a.register(t, "kate")

	req := httptest.NewRequest(http.MethodPost, "/stripe/start/", io.NopCloser(strings.NewReader("")))
	req.Header.Set("Authorization", "Bearer "+token)
	if req.ContentLength != -1 {
		t.Fatalf("expected unknown content length, got %d", req.ContentLength)
	}
	w := httptest.NewRecorder()
	a.handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("stripe start: %d %s", w.Code, w.Body.String())
	}
	user, _ := a.repo.GetUserByUsername(context.Background(), "kate")
	sub, _ := a.repo.GetSubscription(context.Background(), user.ID)
	if !sub.IsActive() || sub.Plan != "pro" {
		t.Fatalf("unexpected subscription %+v", sub)
	}
}

func TestStripeWebhook(t *testing.T) {
	a := newTestAPI(t, queue.NewMemory(8), 10)
	a.register(t, "ivy")
	ctx := context.Background()

	if w := a.do(t, http.MethodPost, "/stripe/webhook/", "", map[string]string{"user": "ivy"}); w.Code != http.StatusBadRequest {
		t.Fatalf("missing action: expected 400, got %d", w.Code)
	}
	if w := a.do(t, http.MethodPost, "/stripe/webhook/", "", map[string]string{"user": "nobody", "action": "subscribe"}); w.Code != http.StatusNotFound {
		t.Fatalf("unknown user: expected 404, got %d", w.Code)
	}

	if w := a.do(t, http.MethodPost, "/stripe/webhook/", "", map[string]string{"user": "ivy", "action": "subscribe"}); w.Code != http.StatusOK {
		t.Fatalf("subscribe: %d", w.Code)
	}
	user, _ := a.repo.GetUserByUsername(ctx, "ivy")
	sub, _ := a.repo.GetSubscription(ctx, user.ID)
	if !sub.IsActive() || sub.StartedAt == nil {
		t.Fatalf("expected active subscription, got %+v", sub)
	}

	if w := a.do(t, http.MethodPost, "/stripe/webhook/", "", map[string]string{"user": "ivy", "action": "cancel"}); w.Code != http.StatusOK {
		t.Fatalf("cancel: %d", w.Code)
	}
	sub, _ = a.repo.GetSubscription(ctx, user.ID)
	if sub.IsActive() {
		t.Fatal("expected cancelled subscription")
	}
}

type fakeEngine struct{ err error }

func (f fakeEngine) Health(context.Context) (*wire.HealthResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &wire.HealthResponse{Status: "healthy"}, nil
}

type fakeGRPC struct{}

func (fakeGRPC) Check(context.Context) (string, error) { return "SERVING", nil }

func TestHealth(t *testing.T) {
	a := newTestAPI(t, queue.NewMemory(8), 10)

	cases := []struct {
		name       string
		queue      Pinger
		engine     EngineProbe
		wantCode   int
		wantStatus string
	}{
		{"all ok", a.queue, fakeEngine{}, http.StatusOK, "healthy"},
		{"engine down degrades", a.queue, fakeEngine{err: errors.New("refused")}, http.StatusOK, "degraded"},
		{"queue down fails", failingQueue{}, fakeEngine{}, http.StatusServiceUnavailable, "degraded"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := NewHealthHandler(a.repo, tc.queue, tc.engine, fakeGRPC{}, time.Second)
			w := httptest.NewRecorder()
			h.Health(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))

			if w.Code != tc.wantCode {
				t.Fatalf("expected %d, got %d", tc.wantCode, w.Code)
			}
			var body struct {
				Status string            `json:"status"`
				Checks map[string]string `json:"checks"`
			}
			decode(t, w, &body)
			if body.Status != tc.wantStatus || body.Checks["database"] != "ok" || body.Checks["engine_grpc"] != "SERVING" {
				t.Fatalf("unexpected body: %+v", body)
			}
		})
	}
}
