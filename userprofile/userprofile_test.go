package userprofile_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/codemem/extraction"
	"github.com/becomeliminal/codemem/userprofile"
)

func openStore(t *testing.T) *userprofile.Store {
	t.Helper()
	store, err := userprofile.OpenStore(filepath.Join(t.TempDir(), "profiles.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_PutGetHistory(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	_, err := store.Get(ctx, "u1")
	require.ErrorIs(t, err, userprofile.ErrNotFound)

	p := &userprofile.Profile{UserID: "u1", Summary: "first"}
	v, err := store.Put(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.Equal(t, 1, p.Version)

	p.Summary = "second"
	v, err = store.Put(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	got, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "second", got.Summary)
	assert.Equal(t, 2, got.Version)

	history, err := store.History(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 2, history[0].Version)
	assert.Equal(t, "first", history[1].Profile.Summary)

	limited, err := store.History(ctx, "u1", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestStore_RequiresUserID(t *testing.T) {
	_, err := openStore(t).Put(context.Background(), &userprofile.Profile{})
	require.Error(t, err)
}

func TestStore_InMemory(t *testing.T) {
	store, err := userprofile.OpenStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Put(context.Background(), &userprofile.Profile{UserID: "u1"})
	require.NoError(t, err)
}

func TestMerge(t *testing.T) {
	current := userprofile.Profile{
		Preferences: []userprofile.Trait{
			{Category: "testing", Description: "Table driven tests", Confidence: 0.6, Evidence: []string{"a", "b"}},
		},
		Workflows: []userprofile.Workflow{{Description: "release", Steps: []string{"tag"}}},
		Summary:   "old",
	}
	learned := userprofile.Profile{
		Preferences: []userprofile.Trait{
			{Category: "Testing", Description: "table driven tests", Confidence: 0.4, Evidence: []string{"b", "c", "d", "e", "f"}},
			{Category: "naming", Description: "short names", Confidence: 0.9, Evidence: []string{"x"}},
		},
		Workflows: []userprofile.Workflow{{Description: "Release", Steps: []string{"tag", "push"}}},
	}

	merged := userprofile.Merge(current, learned)

	require.Len(t, merged.Preferences, 2)
	assert.Equal(t, "naming", merged.Preferences[0].Category)
	trait := merged.Preferences[1]
	assert.Equal(t, 0.6, trait.Confidence)
	assert.Equal(t, []string{"b", "c", "d", "e", "f"}, trait.Evidence)

	require.Len(t, merged.Workflows, 1)
	assert.Equal(t, []string{"tag", "push"}, merged.Workflows[0].Steps)
	assert.Equal(t, "old", merged.Summary)

	assert.Equal(t, []string{"a", "b"}, current.Preferences[0].Evidence)
}

func TestLearner_Analyze(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)

	var prompts []string
	provider := extraction.ProviderFunc(func(ctx context.Context, req extraction.Request) (extraction.Response, error) {
		last := req.History[len(req.History)-1]
		prompts = append(prompts, last.Text)
		if len(prompts) == 1 {
			// Missing evidence is rejected and corrected.
			return &extraction.ToolCall{ID: "c0", Name: req.Tool.Name, Arguments: json.RawMessage(
				`{"preferences":[{"category":"testing","description":"uses testify","confidence":0.7,"evidence":[]}]}`)}, nil
		}
		return &extraction.ToolCall{ID: "c1", Name: req.Tool.Name, Arguments: json.RawMessage(
			`{"preferences":[{"category":"testing","description":"uses testify","confidence":0.7,"evidence":["asked for require"]}],"summary":"Go developer"}`)}, nil
	})

	learner := userprofile.NewLearner(store, provider, extraction.Options{MaxIterations: 3}, 2)

	_, err := learner.Analyze(ctx, "u1", []string{"only one"})
	require.True(t, errors.Is(err, userprofile.ErrTooFewMessages))

	p, err := learner.Analyze(ctx, "u1", []string{"use require", "add a test"})
	require.NoError(t, err)
	assert.Equal(t, 1, p.Version)
	assert.Equal(t, "Go developer", p.Summary)
	require.Len(t, p.Preferences, 1)
	assert.Equal(t, []string{"asked for require"}, p.Preferences[0].Evidence)

	require.Len(t, prompts, 2)
	assert.True(t, strings.Contains(prompts[0], "1. use require"))
	assert.Contains(t, prompts[1], "preferences[0].evidence: cannot be empty")

	stored, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Go developer", stored.Summary)
}
