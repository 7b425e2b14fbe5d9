package capture

import (
	"context"

	"github.com/becomeliminal/codemem/logging"
	"github.com/becomeliminal/codemem/memory"
)

// Memories is the part of the engine capture writes through.
type Memories interface {
	Add(ctx context.Context, content, tag string, opts memory.AddOptions) memory.Result[memory.AddData]
	Search(ctx context.Context, query, tag string) memory.Result[memory.SearchData]
}

var _ Memories = (*memory.Engine)(nil)

// Tags are the partitions a session may write to.
type Tags struct {
	User    string `json:"user,omitempty"`
	Project string `json:"project,omitempty"`
}

// For returns the tag for scope. Unscoped candidates go to the project,
// or to the user when no project is known.
func (t Tags) For(scope memory.Scope) string {
	if scope == memory.ScopeUser && t.User != "" {
		return t.User
	}
	if t.Project != "" {
		return t.Project
	}
	return t.User
}

// Status is the outcome of one capture attempt.
type Status string

const (
	StatusSaved    Status = "saved"
	StatusEmpty    Status = "empty"
	StatusSkipped  Status = "skipped"
	StatusFailed   Status = "failed"
	StatusBusy     Status = "busy"
	StatusDisabled Status = "disabled"
)

// Report describes one capture attempt.
type Report struct {
	SessionID  string   `json:"sessionId"`
	Status     Status   `json:"status"`
	Saved      int      `json:"saved"`
	Skipped    int      `json:"skipped"`
	IDs        []string `json:"ids,omitempty"`
	Iterations int      `json:"iterations,omitempty"`
	Fallback   bool     `json:"fallback,omitempty"`
	Error      string   `json:"error,omitempty"`
}

// Notifier is told about finished captures. Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, report Report)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, report Report)

func (f NotifierFunc) Notify(ctx context.Context, report Report) { f(ctx, report) }

// Options tune a Service.
type Options struct {
	// MaxMemories caps saved memories per capture. Default 10.
	MaxMemories int

	// TokenBudget bounds the rendered transcript. Default 8000.
	TokenBudget int

	// DedupSimilarity skips candidates this similar to a stored memory.
	// Default 0.95.
	DedupSimilarity float64

	Counter     TokenCounter
	Notifier    Notifier
	Attribution memory.Attribution
}

func (o Options) withDefaults() Options {
	if o.MaxMemories <= 0 {
		o.MaxMemories = 10
	}
	if o.TokenBudget <= 0 {
		o.TokenBudget = 8000
	}
	if o.DedupSimilarity <= 0 {
		o.DedupSimilarity = 0.95
	}
	if o.Counter == nil {
		o.Counter = CharCounter
	}
	return o
}

// Service runs auto-capture for every session.
type Service struct {
	buffers   *Buffers
	memories  Memories
	extractor Extractor
	opts      Options
}

func NewService(buffers *Buffers, memories Memories, extractor Extractor, opts Options) *Service {
	return &Service{buffers: buffers, memories: memories, extractor: extractor, opts: opts.withDefaults()}
}

// Buffers returns the activity manager the service reads from.
func (s *Service) Buffers() *Buffers {
	return s.buffers
}

// HandleIdle counts an idle event and captures when the session is
// eligible. The bool reports whether a capture ran.
func (s *Service) HandleIdle(ctx context.Context, sessionID string, tags Tags) (Report, bool) {
	if !s.buffers.OnSessionIdle(sessionID) {
		return Report{}, false
	}
	return s.Capture(ctx, sessionID, tags), true
}

// ForceCapture captures regardless of thresholds.
func (s *Service) ForceCapture(ctx context.Context, sessionID string, tags Tags) Report {
	if !s.buffers.Enabled() {
		return Report{SessionID: sessionID, Status: StatusDisabled}
	}
	return s.Capture(ctx, sessionID, tags)
}

// Toggle flips auto-capture and returns the new state.
func (s *Service) Toggle() bool {
	enabled := !s.buffers.Enabled()
	s.buffers.SetEnabled(enabled)
	return enabled
}

// Stats describes the session's buffer.
func (s *Service) Stats(sessionID string) Stats {
	return s.buffers.Stats(sessionID)
}

// EndSession drops the session's buffer and extraction history.
func (s *Service) EndSession(sessionID string) {
	s.buffers.Cleanup(sessionID)
	if f, ok := s.extractor.(interface{ Forget(string) }); ok {
		f.Forget(sessionID)
	}
}

// Capture extracts and saves memories from the session's buffer. The
// buffer is cleared on every path out, including failures.
func (s *Service) Capture(ctx context.Context, sessionID string, tags Tags) Report {
	logger := logging.Component(ctx, "capture").With("session", sessionID)
	report := Report{SessionID: sessionID}

	if !s.buffers.MarkCapturing(sessionID) {
		report.Status = StatusBusy
		return report
	}
	defer s.buffers.ClearBuffer(sessionID)

	buf, ok := s.buffers.Snapshot(sessionID)
	if !ok || buf.Empty() {
		report.Status = StatusEmpty
		return report
	}

	ext, err := s.extractor.Extract(ctx, ExtractRequest{
		SessionID:   sessionID,
		Transcript:  Render(buf, s.opts.TokenBudget, s.opts.Counter),
		MaxMemories: s.opts.MaxMemories,
	})
	report.Iterations = ext.Iterations
	report.Fallback = ext.Fallback
	if err != nil {
		logger.Warn("capture extraction failed", "error", err)
		report.Status = StatusFailed
		report.Error = err.Error()
		s.notify(ctx, report)
		return report
	}

	found := ext.Memories
	if len(found) > s.opts.MaxMemories {
		report.Skipped += len(found) - s.opts.MaxMemories
		found = found[:s.opts.MaxMemories]
	}

	var lastErr string
	for _, c := range found {
		tag := tags.For(c.Scope)
		if tag == "" {
			report.Skipped++
			continue
		}
		if s.duplicate(ctx, c.Content, tag) {
			logger.Debug("skipping duplicate memory", "tag", tag)
			report.Skipped++
			continue
		}

		meta := map[string]any{"source": "auto-capture", "sessionId": sessionID}
		if ext.Fallback {
			meta["fallback"] = true
		}
		res := s.memories.Add(ctx, c.Content, tag, memory.AddOptions{
			Type:        c.Type,
			Metadata:    meta,
			Attribution: s.opts.Attribution,
		})
		if !res.Success {
			logger.Warn("saving captured memory failed", "tag", tag, "error", res.Error)
			lastErr = res.Error
			report.Skipped++
			continue
		}
		report.Saved++
		report.IDs = append(report.IDs, res.Data.ID)
	}

	switch {
	case report.Saved > 0:
		report.Status = StatusSaved
	case lastErr != "":
		report.Status = StatusFailed
		report.Error = lastErr
	case len(found) == 0:
		report.Status = StatusEmpty
	default:
		report.Status = StatusSkipped
	}

	logger.Info("capture finished", "status", report.Status, "saved", report.Saved, "skipped", report.Skipped, "iterations", report.Iterations)
	s.notify(ctx, report)
	return report
}

func (s *Service) duplicate(ctx context.Context, content, tag string) bool {
	res := s.memories.Search(ctx, content, tag)
	if !res.Success {
		return false
	}
	for _, r := range res.Data.Results {
		if r.Similarity >= s.opts.DedupSimilarity {
			return true
		}
	}
	return false
}

func (s *Service) notify(ctx context.Context, report Report) {
	if s.opts.Notifier == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logging.Component(ctx, "capture").Warn("capture notifier panicked", "panic", r)
		}
	}()
	s.opts.Notifier.Notify(ctx, report)
}
