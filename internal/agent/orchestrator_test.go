package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/validity/internal/domain"
	"github.com/ashureev/validity/internal/wire"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu       sync.Mutex
	session  *domain.Session
	idea     *domain.Idea
	messages []*domain.Message
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		session: &domain.Session{ID: 10, IdeaID: 20},
		idea: &domain.Idea{ID: 20, OwnerID: 30, Title: "Meal kits", Description: "Meal kits for students",
			Metadata: domain.Metadata{"target_market": "USA", "programming_skills": "can_code", "has_team": true}},
	}
}

func (f *fakeStore) GetSession(_ context.Context, id int64) (*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id != f.session.ID {
		return nil, domain.ErrSessionNotFound
	}
	cp := *f.session
	return &cp, nil
}

func (f *fakeStore) GetIdea(_ context.Context, id int64) (*domain.Idea, error) {
	if id != f.idea.ID {
		return nil, domain.ErrIdeaNotFound
	}
	return f.idea, nil
}

func (f *fakeStore) GetMessage(_ context.Context, id int64) (*domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.messages {
		if m.ID == id {
			return m, nil
		}
	}
	return nil, domain.ErrMessageNotFound
}

func (f *fakeStore) SetAgentRunID(_ context.Context, _ int64, runID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.session.AgentRunID = runID
	return nil
}

func (f *fakeStore) FinishSessionIfOpen(_ context.Context, _ int64, report string, sections []domain.ReportSection) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.session.Finished {
		return false, nil
	}
	f.session.Finished = true
	f.session.Report = report
	f.session.ReportSections = sections
	return true, nil
}

func (f *fakeStore) AppendMessage(_ context.Context, msg *domain.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg.ID = int64(len(f.messages) + 1)
	f.messages = append(f.messages, msg)
	return nil
}

func (f *fakeStore) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.messages))
	for _, m := range f.messages {
		out = append(out, m.Type())
	}
	return out
}

type fakeEngine struct {
	mu        sync.Mutex
	startErr  error
	statuses  []domain.ExecutionStatus
	statusErr error
	calls     int
	started   *wire.ValidateRequest
	onStatus  func(call int)
}

func (e *fakeEngine) StartValidation(_ context.Context, req *wire.ValidateRequest) (*wire.ValidateResponse, error) {
	e.started = req
	if e.startErr != nil {
		return nil, e.startErr
	}
	return &wire.ValidateResponse{ExecutionID: "exec-1", Status: "started", EstimatedDurationMinutes: 20}, nil
}

func (e *fakeEngine) Status(_ context.Context, id string) (*wire.StatusResponse, error) {
	e.mu.Lock()
	e.calls++
	call := e.calls
	e.mu.Unlock()
	if e.onStatus != nil {
		e.onStatus(call)
	}
	if e.statusErr != nil {
		return nil, e.statusErr
	}
	st := domain.ExecutionRunning
	if call-1 < len(e.statuses) {
		st = e.statuses[call-1]
	}
	return &wire.StatusResponse{ExecutionID: id, Status: st, AgentsCompleted: call, TotalAgents: wire.TotalAgents, CurrentStage: "Market Researcher", ErrorMessage: "model unavailable"}, nil
}

func (e *fakeEngine) Result(_ context.Context, id string) (*wire.ResultResponse, error) {
	return &wire.ResultResponse{ExecutionID: id, Status: domain.ExecutionCompleted, FinalReportMarkdown: "# Report\nGood idea"}, nil
}

func fastPoll(attempts int) PollConfig {
	return PollConfig{Interval: time.Millisecond, MaxAttempts: attempts}
}

func TestStartSessionCompletes(t *testing.T) {
	store := newFakeStore()
	engine := &fakeEngine{statuses: []domain.ExecutionStatus{domain.ExecutionRunning, domain.ExecutionCompleted}}
	o := NewOrchestrator(store, engine, fastPoll(5), "http://backend/agents/callback/", nil)

	require.NoError(t, o.StartSession(context.Background(), 10))

	require.Equal(t, "exec-1", store.session.AgentRunID)
	require.True(t, store.session.Finished)
	require.Equal(t, "# Report\nGood idea", store.session.Report)
	require.Len(t, store.session.ReportSections, 1)
	require.Equal(t, ReportSectionTitle, store.session.ReportSections[0].Title)
	require.Equal(t, "# Report<br>Good idea", store.session.ReportSections[0].HTML)
	require.Equal(t, []string{"status", "progress", "final_report"}, store.types())

	require.Equal(t, "Meal kits for students", engine.started.Topic)
	require.Equal(t, "http://backend/agents/callback/", engine.started.WebhookURL)
	require.NoError(t, engine.started.UserContext.Validate())
}

func TestPollForResultsFailed(t *testing.T) {
	store := newFakeStore()
	engine := &fakeEngine{statuses: []domain.ExecutionStatus{domain.ExecutionFailed}}
	o := NewOrchestrator(store, engine, fastPoll(5), "", nil)

	require.NoError(t, o.PollForResults(context.Background(), 10, "exec-1"))

	require.False(t, store.session.Finished)
	require.Equal(t, []string{"status", "error"}, store.types())
	last := store.messages[len(store.messages)-1]
	require.Equal(t, domain.SenderSystem, last.Sender)
	require.Equal(t, "model unavailable", last.Metadata["error"])
}

func TestPollForResultsTimesOutAfterTransportErrors(t *testing.T) {
	store := newFakeStore()
	engine := &fakeEngine{statusErr: errors.New("connection refused")}
	o := NewOrchestrator(store, engine, fastPoll(3), "", nil)

	err := o.PollForResults(context.Background(), 10, "exec-1")
	require.ErrorIs(t, err, ErrPollTimeout)
	require.Equal(t, 3, engine.calls)
	require.False(t, store.session.Finished)

	types := store.types()
	require.Equal(t, "timeout_error", types[len(types)-1])
	require.Equal(t, domain.SenderSystem, store.messages[len(store.messages)-1].Sender)
}

func TestPollForResultsTimesOutWhileRunning(t *testing.T) {
	store := newFakeStore()
	engine := &fakeEngine{}
	o := NewOrchestrator(store, engine, fastPoll(2), "", nil)

	err := o.PollForResults(context.Background(), 10, "exec-1")
	require.ErrorIs(t, err, ErrPollTimeout)
	require.Equal(t, []string{"status", "progress", "progress", "timeout_error"}, store.types())
}

func TestPollForResultsCancelled(t *testing.T) {
	store := newFakeStore()
	ctx, cancel := context.WithCancel(context.Background())
	engine := &fakeEngine{onStatus: func(call int) {
		if call == 2 {
			cancel()
		}
	}}
	o := NewOrchestrator(store, engine, fastPoll(10), "", nil)

	err := o.PollForResults(ctx, 10, "exec-1")
	require.ErrorIs(t, err, context.Canceled)
	for _, typ := range store.types() {
		require.NotEqual(t, "timeout_error", typ)
	}
}

func TestPollDoesNotOverwriteCallbackReport(t *testing.T) {
	store := newFakeStore()
	store.session.Finished = true
	store.session.Report = "from callback"
	engine := &fakeEngine{statuses: []domain.ExecutionStatus{domain.ExecutionCompleted}}
	o := NewOrchestrator(store, engine, fastPoll(3), "", nil)

	require.NoError(t, o.PollForResults(context.Background(), 10, "exec-1"))
	require.Equal(t, "from callback", store.session.Report)
	require.Equal(t, []string{"status"}, store.types())
}

func TestStartSessionRecordsStartError(t *testing.T) {
	store := newFakeStore()
	engine := &fakeEngine{startErr: errors.New("dial tcp: connection refused")}
	o := NewOrchestrator(store, engine, fastPoll(3), "", nil)

	err := o.StartSession(context.Background(), 10)
	require.ErrorIs(t, err, ErrStartFailed)
	require.Empty(t, store.session.AgentRunID)
	require.Equal(t, []string{"start_error"}, store.types())
	require.Equal(t, domain.SenderSystem, store.messages[0].Sender)
	require.Zero(t, engine.calls, "no polling after a failed start")
}

func TestStartSessionSkipsExistingRun(t *testing.T) {
	store := newFakeStore()
	store.session.AgentRunID = "exec-0"
	engine := &fakeEngine{}
	o := NewOrchestrator(store, engine, fastPoll(3), "", nil)

	require.NoError(t, o.StartSession(context.Background(), 10))
	require.Nil(t, engine.started)
}

func TestSendUserMessageAcknowledges(t *testing.T) {
	store := newFakeStore()
	user := &domain.Message{SessionID: 10, Sender: domain.SenderUser, Content: "any update?"}
	require.NoError(t, store.AppendMessage(context.Background(), user))

	o := NewOrchestrator(store, &fakeEngine{}, fastPoll(1), "", nil)
	require.NoError(t, o.SendUserMessage(context.Background(), 10, user.ID))

	ack := store.messages[1]
	require.Equal(t, domain.SenderAgent, ack.Sender)
	require.Equal(t, domain.MessageTypeAcknowledgment, ack.Type())
	require.Equal(t, user.ID, ack.Metadata["user_message_id"])

	require.Error(t, o.SendUserMessage(context.Background(), 99, user.ID))
}

func TestBuildValidateRequestDefaults(t *testing.T) {
	idea := &domain.Idea{ID: 1, OwnerID: 2, Title: "T", Description: "D",
		Metadata: domain.Metadata{"financial_resources": "lottery", "has_team": "true"}}
	req := BuildValidateRequest(idea, &domain.Session{ID: 3}, "")

	uc := req.UserContext
	require.NoError(t, uc.Validate())
	require.Equal(t, "D", req.Topic)
	require.Equal(t, "none", uc.FinancialResources)
	require.Equal(t, "cannot_code", uc.ProgrammingSkills)
	require.Equal(t, "not specified", uc.TargetMarket)
	require.True(t, uc.HasTeam)
	require.Equal(t, "2", uc.UserID)
	require.Equal(t, "3", uc.SessionID)
	require.Equal(t, "T", uc.Title)
}
