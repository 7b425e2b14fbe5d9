package memory

import (
	"fmt"
	"strings"
)

const (
	contextBudget     = 2000
	minPerMemoryChars = 100
)

// FormatContext renders retrieved memories for prompt injection.
// The character budget is split evenly across results.
func FormatContext(results []ScoredRecord) string {
	if len(results) == 0 {
		return ""
	}

	maxLength := contextBudget / len(results)
	if maxLength < minPerMemoryChars {
		maxLength = minPerMemoryChars
	}

	var b strings.Builder
	b.WriteString("=== RELEVANT MEMORIES ===\n")
	for i, r := range results {
		line := r.Content
		if r.Type != "" {
			line = fmt.Sprintf("[%s] %s", r.Type, line)
		}
		fmt.Fprintf(&b, "\n%d. %s (%.0f%% match)\n", i+1, truncate(line, maxLength), r.Similarity*100)
	}
	return b.String()
}

func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}
