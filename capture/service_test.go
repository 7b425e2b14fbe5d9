package capture_test

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/codemem/capture"
	"github.com/becomeliminal/codemem/extraction"
	"github.com/becomeliminal/codemem/memory"
	embmock "github.com/becomeliminal/codemem/memory/embedder/mock"
	"github.com/becomeliminal/codemem/memory/store/chromem"
)

type mockExtractor struct {
	mock.Mock
}

func (m *mockExtractor) Extract(ctx context.Context, req capture.ExtractRequest) (capture.Extraction, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(capture.Extraction), args.Error(1)
}

type mockSessionModel struct {
	mock.Mock
}

func (m *mockSessionModel) Prompt(ctx context.Context, sessionID, prompt string) (string, error) {
	args := m.Called(ctx, sessionID, prompt)
	return args.String(0), args.Error(1)
}

type recorder struct {
	mu      sync.Mutex
	reports []capture.Report
}

func (r *recorder) Notify(_ context.Context, report capture.Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report)
}

var tags = capture.Tags{User: "user_u1", Project: "project_p1"}

func newEngine(t *testing.T) *memory.Engine {
	t.Helper()
	engine, err := memory.NewEngine(chromem.New(chromem.Options{}), embmock.New(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })
	return engine
}

func newService(t *testing.T, ex capture.Extractor, opts capture.Options) (*capture.Service, *capture.Buffers, *memory.Engine) {
	t.Helper()
	buffers := newBuffers(t, capture.Settings{Enabled: true, IterationThreshold: 2}, nil)
	engine := newEngine(t)
	return capture.NewService(buffers, engine, ex, opts), buffers, engine
}

func TestService_CaptureSavesAndClears(t *testing.T) {
	ctx := context.Background()
	ex := &mockExtractor{}
	rec := &recorder{}
	svc, buffers, engine := newService(t, ex, capture.Options{Notifier: rec})

	ex.On("Extract", mock.Anything, mock.MatchedBy(func(req capture.ExtractRequest) bool {
		return req.SessionID == "s1" && strings.Contains(req.Transcript, "[user]: I prefer tabs")
	})).Return(capture.Extraction{
		Memories: []capture.Candidate{
			{Content: "user prefers tabs over spaces", Type: memory.TypePreference, Scope: memory.ScopeUser},
			{Content: "repo builds with make", Type: memory.TypeProjectConfig, Scope: memory.ScopeProject},
		},
		Iterations: 1,
	}, nil).Once()

	buffers.AddMessage("s1", "user", "I prefer tabs")
	_, ran := svc.HandleIdle(ctx, "s1", tags)
	assert.False(t, ran)
	report, ran := svc.HandleIdle(ctx, "s1", tags)
	require.True(t, ran)

	assert.Equal(t, capture.StatusSaved, report.Status)
	assert.Equal(t, 2, report.Saved)
	assert.Len(t, report.IDs, 2)
	ex.AssertExpectations(t)

	userList := engine.List(ctx, tags.User, 10, 1)
	require.True(t, userList.Success)
	require.Len(t, userList.Data.Items, 1)
	assert.Equal(t, "auto-capture", userList.Data.Items[0].Metadata["source"])
	assert.Equal(t, "s1", userList.Data.Items[0].Metadata["sessionId"])

	projectList := engine.List(ctx, tags.Project, 10, 1)
	require.Len(t, projectList.Data.Items, 1)

	stats := svc.Stats("s1")
	assert.False(t, stats.Capturing)
	assert.Zero(t, stats.IterationCount)
	assert.Zero(t, stats.Messages)

	require.Len(t, rec.reports, 1)
	assert.Equal(t, report, rec.reports[0])
}

func TestService_ExtractionErrorStillClears(t *testing.T) {
	ctx := context.Background()
	ex := &mockExtractor{}
	rec := &recorder{}
	svc, buffers, _ := newService(t, ex, capture.Options{Notifier: rec})

	ex.On("Extract", mock.Anything, mock.Anything).
		Return(capture.Extraction{Iterations: 5}, errors.New("extraction exhausted: no valid call")).Once()

	buffers.AddMessage("s1", "user", "hello")
	report := svc.ForceCapture(ctx, "s1", tags)

	assert.Equal(t, capture.StatusFailed, report.Status)
	assert.Equal(t, 5, report.Iterations)
	assert.Contains(t, report.Error, "exhausted")

	assert.False(t, buffers.Capturing("s1"))
	buf, ok := buffers.Snapshot("s1")
	require.True(t, ok)
	assert.True(t, buf.Empty())
	require.Len(t, rec.reports, 1)
	assert.Equal(t, capture.StatusFailed, rec.reports[0].Status)
}

func TestService_SkipsDuplicates(t *testing.T) {
	ctx := context.Background()
	ex := &mockExtractor{}
	svc, buffers, engine := newService(t, ex, capture.Options{})

	existing := engine.Add(ctx, "repo builds with make", tags.Project, memory.AddOptions{})
	require.True(t, existing.Success)

	ex.On("Extract", mock.Anything, mock.Anything).Return(capture.Extraction{
		Memories: []capture.Candidate{
			{Content: "repo builds with make", Type: memory.TypeProjectConfig},
			{Content: "ci runs on every push", Type: memory.TypeProjectConfig},
			{Content: "ci runs on every push", Type: memory.TypeProjectConfig},
		},
	}, nil)

	buffers.AddMessage("s1", "assistant", "ran make")
	report := svc.ForceCapture(ctx, "s1", tags)

	assert.Equal(t, capture.StatusSaved, report.Status)
	assert.Equal(t, 1, report.Saved)
	assert.Equal(t, 2, report.Skipped)

	list := engine.List(ctx, tags.Project, 10, 1)
	assert.Equal(t, 2, list.Data.Total)
}

func TestService_CapsToMaxMemories(t *testing.T) {
	ctx := context.Background()
	ex := &mockExtractor{}
	svc, buffers, _ := newService(t, ex, capture.Options{MaxMemories: 2})

	ex.On("Extract", mock.Anything, mock.MatchedBy(func(req capture.ExtractRequest) bool {
		return req.MaxMemories == 2
	})).Return(capture.Extraction{
		Memories: []capture.Candidate{
			{Content: "alpha fact"}, {Content: "beta fact"}, {Content: "gamma fact"},
		},
	}, nil)

	buffers.AddMessage("s1", "user", "facts")
	report := svc.ForceCapture(ctx, "s1", tags)
	assert.Equal(t, 2, report.Saved)
	assert.Equal(t, 1, report.Skipped)
}

func TestService_EmptyBufferSkipsExtraction(t *testing.T) {
	ex := &mockExtractor{}
	svc, _, _ := newService(t, ex, capture.Options{})

	report := svc.ForceCapture(context.Background(), "nobody", tags)
	assert.Equal(t, capture.StatusEmpty, report.Status)
	ex.AssertNotCalled(t, "Extract", mock.Anything, mock.Anything)
}

func TestService_BusyWhileCapturing(t *testing.T) {
	ex := &mockExtractor{}
	svc, buffers, _ := newService(t, ex, capture.Options{})

	buffers.AddMessage("s1", "user", "hello")
	require.True(t, buffers.MarkCapturing("s1"))

	report := svc.ForceCapture(context.Background(), "s1", tags)
	assert.Equal(t, capture.StatusBusy, report.Status)
	assert.True(t, buffers.Capturing("s1"))
	ex.AssertNotCalled(t, "Extract", mock.Anything, mock.Anything)
}

func TestService_Toggle(t *testing.T) {
	svc, buffers, _ := newService(t, &mockExtractor{}, capture.Options{})

	assert.False(t, svc.Toggle())
	assert.False(t, buffers.Enabled())
	assert.Equal(t, capture.StatusDisabled, svc.ForceCapture(context.Background(), "s1", tags).Status)
	assert.True(t, svc.Toggle())
}

func TestTags_For(t *testing.T) {
	assert.Equal(t, "user_u1", tags.For(memory.ScopeUser))
	assert.Equal(t, "project_p1", tags.For(memory.ScopeProject))
	assert.Equal(t, "project_p1", tags.For(""))
	assert.Equal(t, "user_u1", capture.Tags{User: "user_u1"}.For(memory.ScopeProject))
	assert.Equal(t, "project_p1", capture.Tags{Project: "project_p1"}.For(memory.ScopeUser))
}

func TestSessionExtractor_ParsesFencedJSON(t *testing.T) {
	model := &mockSessionModel{}
	model.On("Prompt", mock.Anything, "s1", mock.MatchedBy(func(p string) bool {
		return strings.Contains(p, "Reply with JSON only")
	})).Return("Sure!\n```json\n{\"memories\":[{\"content\":\"uses sqlc\",\"type\":\"project-config\",\"scope\":\"project\"}]}\n```", nil)

	x := capture.NewSessionExtractor(model, time.Second, 100)
	got, err := x.Extract(context.Background(), capture.ExtractRequest{SessionID: "s1", Transcript: "t", MaxMemories: 5})
	require.NoError(t, err)

	assert.False(t, got.Fallback)
	require.Len(t, got.Memories, 1)
	assert.Equal(t, capture.Candidate{Content: "uses sqlc", Type: memory.TypeProjectConfig, Scope: memory.ScopeProject}, got.Memories[0])
	model.AssertExpectations(t)
}

func TestSessionExtractor_FallbackOnProse(t *testing.T) {
	model := &mockSessionModel{}
	reply := strings.Repeat("the user likes small commits. ", 20)
	model.On("Prompt", mock.Anything, "s1", mock.Anything).Return(reply, nil)

	x := capture.NewSessionExtractor(model, time.Second, 50)
	got, err := x.Extract(context.Background(), capture.ExtractRequest{SessionID: "s1", MaxMemories: 5})
	require.NoError(t, err)

	assert.True(t, got.Fallback)
	require.Len(t, got.Memories, 1)
	assert.Equal(t, memory.TypeConversation, got.Memories[0].Type)
	assert.Equal(t, strings.TrimSpace(reply)[:50]+"...", got.Memories[0].Content)
}

func TestSessionExtractor_Timeout(t *testing.T) {
	model := &mockSessionModel{}
	model.On("Prompt", mock.Anything, "s1", mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return("", context.DeadlineExceeded)

	x := capture.NewSessionExtractor(model, 20*time.Millisecond, 50)
	_, err := x.Extract(context.Background(), capture.ExtractRequest{SessionID: "s1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, capture.ErrSessionTimeout)
}

func TestToolExtractor_KeepsHistoryAcrossCaptures(t *testing.T) {
	var mu sync.Mutex
	var historyLens []int
	provider := extraction.ProviderFunc(func(ctx context.Context, req extraction.Request) (extraction.Response, error) {
		mu.Lock()
		historyLens = append(historyLens, len(req.History))
		mu.Unlock()
		args, _ := json.Marshal(map[string]any{
			"memories": []any{map[string]any{"content": "prefers table tests", "type": "preference", "scope": "user"}},
		})
		return &extraction.ToolCall{ID: "c1", Name: req.Tool.Name, Arguments: args}, nil
	})

	x := capture.NewToolExtractor(provider, extraction.Options{MaxIterations: 3})
	req := capture.ExtractRequest{SessionID: "s1", Transcript: "[user]: table tests please", MaxMemories: 5}

	got, err := x.Extract(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, got.Memories, 1)
	assert.Equal(t, memory.ScopeUser, got.Memories[0].Scope)
	assert.Equal(t, 1, got.Iterations)

	_, err = x.Extract(context.Background(), req)
	require.NoError(t, err)
	// instruction, then instruction + call + result + instruction
	assert.Equal(t, []int{1, 4}, historyLens)

	x.Forget("s1")
	_, err = x.Extract(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, historyLens[2])
}

func TestToolExtractor_Exhausted(t *testing.T) {
	provider := extraction.ProviderFunc(func(ctx context.Context, req extraction.Request) (extraction.Response, error) {
		return &extraction.TextReply{Text: "no"}, nil
	})
	x := capture.NewToolExtractor(provider, extraction.Options{MaxIterations: 2})

	got, err := x.Extract(context.Background(), capture.ExtractRequest{SessionID: "s1", MaxMemories: 5})
	require.Error(t, err)
	assert.Equal(t, 2, got.Iterations)

	var failure *extraction.Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, extraction.FailureExhausted, failure.Kind)
}

func TestToolExtractor_TrimsHistory(t *testing.T) {
	var historyLens []int
	provider := extraction.ProviderFunc(func(ctx context.Context, req extraction.Request) (extraction.Response, error) {
		historyLens = append(historyLens, len(req.History))
		args, _ := json.Marshal(map[string]any{
			"memories": []any{map[string]any{"content": "uses make", "type": "project-config", "scope": "project"}},
		})
		return &extraction.ToolCall{ID: "c1", Name: req.Tool.Name, Arguments: args}, nil
	})

	flat := func(string) int { return 10 }
	x := capture.NewToolExtractor(provider, extraction.Options{MaxIterations: 3}, capture.WithHistoryBudget(45, flat))
	req := capture.ExtractRequest{SessionID: "s1", Transcript: strings.Repeat("x", 30000), MaxMemories: 5}

	for range 10 {
		_, err := x.Extract(context.Background(), req)
		require.NoError(t, err)
	}

	// instruction, then the previous capture's turn plus the new instruction
	assert.Equal(t, 1, historyLens[0])
	for _, n := range historyLens[1:] {
		assert.Equal(t, 4, n)
	}
}

func TestToolExtractor_ResetsAfterFailure(t *testing.T) {
	var calls int
	var historyLens []int
	provider := extraction.ProviderFunc(func(ctx context.Context, req extraction.Request) (extraction.Response, error) {
		calls++
		historyLens = append(historyLens, len(req.History))
		if calls == 2 {
			return nil, errors.New("context window exceeded")
		}
		args, _ := json.Marshal(map[string]any{
			"memories": []any{map[string]any{"content": "uses make", "type": "project-config", "scope": "project"}},
		})
		return &extraction.ToolCall{ID: "c1", Name: req.Tool.Name, Arguments: args}, nil
	})

	x := capture.NewToolExtractor(provider, extraction.Options{MaxIterations: 3})
	req := capture.ExtractRequest{SessionID: "s1", Transcript: "[user]: run make", MaxMemories: 5}

	_, err := x.Extract(context.Background(), req)
	require.NoError(t, err)

	_, err = x.Extract(context.Background(), req)
	var failure *extraction.Failure
	require.ErrorAs(t, err, &failure)
	assert.Equal(t, extraction.FailureTransport, failure.Kind)

	_, err = x.Extract(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 4, 1}, historyLens)
}
