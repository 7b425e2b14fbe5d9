// Package userprofile learns how a user likes to work from their messages
// and keeps a versioned profile per user in SQLite.
package userprofile

import (
	"sort"
	"strings"
	"time"
)

// Trait is a preference or recurring pattern with the evidence behind it.
type Trait struct {
	Category    string   `json:"category"`
	Description string   `json:"description"`
	Confidence  float64  `json:"confidence"`
	Evidence    []string `json:"evidence"`
}

// Workflow is a multi-step routine the user repeats.
type Workflow struct {
	Description string   `json:"description"`
	Steps       []string `json:"steps"`
}

// Profile is the learned document for one user.
type Profile struct {
	UserID      string     `json:"userId"`
	Preferences []Trait    `json:"preferences"`
	Patterns    []Trait    `json:"patterns"`
	Workflows   []Workflow `json:"workflows"`
	Summary     string     `json:"summary,omitempty"`
	Version     int        `json:"version"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// maxEvidence bounds the evidence kept per trait.
const maxEvidence = 5

// Merge folds learned into current. Traits with the same category and
// description keep the higher confidence and the union of their evidence.
// Workflows with the same description take the learned steps.
func Merge(current, learned Profile) Profile {
	out := current
	out.Preferences = mergeTraits(current.Preferences, learned.Preferences)
	out.Patterns = mergeTraits(current.Patterns, learned.Patterns)
	out.Workflows = mergeWorkflows(current.Workflows, learned.Workflows)
	if learned.Summary != "" {
		out.Summary = learned.Summary
	}
	return out
}

func traitKey(t Trait) string {
	return strings.ToLower(strings.TrimSpace(t.Category)) + "|" + strings.ToLower(strings.TrimSpace(t.Description))
}

func mergeTraits(current, learned []Trait) []Trait {
	out := make([]Trait, 0, len(current)+len(learned))
	index := make(map[string]int, len(current))
	for _, t := range current {
		index[traitKey(t)] = len(out)
		t.Evidence = append([]string(nil), t.Evidence...)
		out = append(out, t)
	}

	for _, t := range learned {
		i, ok := index[traitKey(t)]
		if !ok {
			index[traitKey(t)] = len(out)
			t.Evidence = unionEvidence(nil, t.Evidence)
			out = append(out, t)
			continue
		}
		if t.Confidence > out[i].Confidence {
			out[i].Confidence = t.Confidence
		}
		out[i].Evidence = unionEvidence(out[i].Evidence, t.Evidence)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return out
}

// unionEvidence appends new evidence to old, newest kept when over the cap.
func unionEvidence(old, added []string) []string {
	seen := make(map[string]bool, len(old)+len(added))
	var out []string
	for _, e := range append(append([]string(nil), old...), added...) {
		e = strings.TrimSpace(e)
		if e == "" || seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	if len(out) > maxEvidence {
		out = out[len(out)-maxEvidence:]
	}
	return out
}

func mergeWorkflows(current, learned []Workflow) []Workflow {
	out := append([]Workflow(nil), current...)
	index := make(map[string]int, len(out))
	for i, w := range out {
		index[strings.ToLower(strings.TrimSpace(w.Description))] = i
	}
	for _, w := range learned {
		key := strings.ToLower(strings.TrimSpace(w.Description))
		if i, ok := index[key]; ok {
			out[i].Steps = w.Steps
			continue
		}
		index[key] = len(out)
		out = append(out, w)
	}
	return out
}
