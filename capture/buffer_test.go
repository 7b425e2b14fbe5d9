package capture_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/codemem/capture"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newBuffers(t *testing.T, settings capture.Settings, clock *fakeClock) *capture.Buffers {
	t.Helper()
	if clock == nil {
		clock = newClock()
	}
	b, err := capture.NewBuffers(settings, capture.WithBuffersClock(clock.Now))
	require.NoError(t, err)
	return b
}

func TestBuffers_IterationThreshold(t *testing.T) {
	b := newBuffers(t, capture.Settings{Enabled: true, IterationThreshold: 5}, nil)

	for i := 1; i <= 4; i++ {
		assert.False(t, b.OnSessionIdle("s1"), "idle %d", i)
	}
	assert.True(t, b.OnSessionIdle("s1"))
	assert.Equal(t, 5, b.Stats("s1").IterationCount)
}

func TestBuffers_TimeThreshold(t *testing.T) {
	clock := newClock()
	b := newBuffers(t, capture.Settings{Enabled: true, IterationThreshold: 100, TimeThreshold: time.Minute}, clock)

	assert.False(t, b.OnSessionIdle("s1"))
	clock.Advance(59 * time.Second)
	assert.False(t, b.OnSessionIdle("s1"))
	clock.Advance(time.Second)
	assert.True(t, b.OnSessionIdle("s1"))

	b.ClearBuffer("s1")
	assert.False(t, b.OnSessionIdle("s1"))
}

func TestBuffers_DisabledIsNoop(t *testing.T) {
	b := newBuffers(t, capture.Settings{Enabled: false, IterationThreshold: 1}, nil)

	b.AddMessage("s1", "user", "hello")
	b.AddTool("s1", "bash", nil, "ok")
	b.OnFileEdit("s1", "main.go")
	assert.False(t, b.OnSessionIdle("s1"))

	_, ok := b.Snapshot("s1")
	assert.False(t, ok)
	assert.Equal(t, 0, b.Sessions())

	b.SetEnabled(true)
	b.AddMessage("s1", "user", "hello")
	assert.True(t, b.OnSessionIdle("s1"))
}

func TestBuffers_CapturingExcludesRetrigger(t *testing.T) {
	b := newBuffers(t, capture.Settings{Enabled: true, IterationThreshold: 1}, nil)
	b.AddMessage("s1", "user", "hello")

	require.True(t, b.MarkCapturing("s1"))
	assert.False(t, b.MarkCapturing("s1"))
	assert.False(t, b.OnSessionIdle("s1"))
	assert.True(t, b.Capturing("s1"))

	b.ClearBuffer("s1")
	assert.False(t, b.Capturing("s1"))
	assert.True(t, b.MarkCapturing("s1"))
}

func TestBuffers_ClearResetsActivity(t *testing.T) {
	clock := newClock()
	b := newBuffers(t, capture.Settings{Enabled: true, IterationThreshold: 10}, clock)
	b.AddMessage("s1", "user", "use tabs")
	b.AddTool("s1", "edit", map[string]any{"path": "a.go"}, "done")
	b.OnFileEdit("s1", "a.go")
	b.OnSessionIdle("s1")

	clock.Advance(time.Hour)
	b.ClearBuffer("s1")

	buf, ok := b.Snapshot("s1")
	require.True(t, ok)
	assert.True(t, buf.Empty())
	assert.Zero(t, buf.IterationCount)
	assert.Empty(t, buf.FileEdits)
	assert.Equal(t, clock.Now(), buf.LastCaptureTime)

	b.Cleanup("s1")
	assert.False(t, b.Stats("s1").Tracked)
}

func TestBuffers_IgnoreTools(t *testing.T) {
	b := newBuffers(t, capture.Settings{Enabled: true, IgnoreTools: []string{"memory*", "todo_?"}}, nil)

	b.AddTool("s1", "memory", nil, "")
	b.AddTool("s1", "memory_search", nil, "")
	b.AddTool("s1", "todo_w", nil, "")
	b.AddTool("s1", "bash", nil, "ls")

	buf, ok := b.Snapshot("s1")
	require.True(t, ok)
	require.Len(t, buf.Tools, 1)
	assert.Equal(t, "bash", buf.Tools[0].Name)
}

func TestBuffers_InvalidIgnorePattern(t *testing.T) {
	_, err := capture.NewBuffers(capture.Settings{IgnoreTools: []string{"[unclosed"}})
	require.Error(t, err)
}

func TestBuffers_SnapshotIsACopy(t *testing.T) {
	b := newBuffers(t, capture.Settings{Enabled: true}, nil)
	b.AddMessage("s1", "user", "one")

	buf, _ := b.Snapshot("s1")
	buf.Messages[0].Content = "changed"

	again, _ := b.Snapshot("s1")
	assert.Equal(t, "one", again.Messages[0].Content)
}
