package userprofile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/m-mizutani/goerr/v2"

	"github.com/becomeliminal/codemem/extraction"
	"github.com/becomeliminal/codemem/logging"
)

// ErrTooFewMessages is returned when there is not enough to learn from.
var ErrTooFewMessages = errors.New("too few messages to analyze")

const learnerSystem = `You study a developer's messages to a coding assistant and describe how they like to work.
Only record what the messages support. Quote or paraphrase the supporting messages as evidence.`

// Learner derives profiles with the structured extraction protocol.
type Learner struct {
	store       *Store
	provider    extraction.Provider
	opts        extraction.Options
	minMessages int
}

func NewLearner(store *Store, provider extraction.Provider, opts extraction.Options, minMessages int) *Learner {
	if minMessages <= 0 {
		minMessages = 5
	}
	return &Learner{store: store, provider: provider, opts: opts, minMessages: minMessages}
}

// Store returns the profile store the learner writes to.
func (l *Learner) Store() *Store {
	return l.store
}

// Analyze learns from messages, merges the result into the user's stored
// profile and saves the new version.
func (l *Learner) Analyze(ctx context.Context, userID string, messages []string) (*Profile, error) {
	logger := logging.Component(ctx, "userprofile").With("user", userID)
	if len(messages) < l.minMessages {
		return nil, goerr.Wrap(ErrTooFewMessages, "skipping profile analysis",
			goerr.V("messages", len(messages)), goerr.V("min", l.minMessages))
	}

	current, err := l.store.Get(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		current = &Profile{UserID: userID}
	} else if err != nil {
		return nil, err
	}

	conv := extraction.NewConversation(userID, learnerSystem)
	conv.AddUser(analysisPrompt(current, messages))

	out := extraction.Run(ctx, l.provider, conv, extraction.UserProfileTool(), extraction.UserProfileRules, l.opts)
	if !out.OK() {
		return nil, goerr.Wrap(out.Err(), "profile analysis failed", goerr.V("iterations", out.Iterations))
	}

	learned, err := profileFrom(out.Data)
	if err != nil {
		return nil, goerr.Wrap(err, "profile analysis returned an unreadable document")
	}

	merged := Merge(*current, learned)
	merged.UserID = userID
	if _, err := l.store.Put(ctx, &merged); err != nil {
		return nil, err
	}
	logger.Info("user profile updated", "version", merged.Version,
		"preferences", len(merged.Preferences), "patterns", len(merged.Patterns), "workflows", len(merged.Workflows))
	return &merged, nil
}

func analysisPrompt(current *Profile, messages []string) string {
	var sb strings.Builder
	if current.Version > 0 {
		known, _ := json.Marshal(struct {
			Preferences []Trait    `json:"preferences"`
			Patterns    []Trait    `json:"patterns"`
			Workflows   []Workflow `json:"workflows"`
		}{current.Preferences, current.Patterns, current.Workflows})
		fmt.Fprintf(&sb, "Already known about this user:\n%s\n\n", known)
	}
	sb.WriteString("Recent messages from the user:\n")
	for i, m := range messages {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, m)
	}
	fmt.Fprintf(&sb, "\nCall %s with what these messages reveal. Repeat known traits only when the messages add evidence.",
		extraction.UserProfileToolName)
	return sb.String()
}

func profileFrom(data map[string]any) (Profile, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Profile{}, err
	}
	var p Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		return Profile{}, err
	}
	return p, nil
}
