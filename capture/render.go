package capture

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter estimates how many model tokens text costs.
type TokenCounter func(text string) int

// CharCounter approximates four characters per token.
func CharCounter(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}

// NewTokenCounter returns a cl100k_base counter, or CharCounter when the
// encoding cannot be loaded (it is fetched on first use).
func NewTokenCounter() TokenCounter {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return CharCounter
	}
	return func(text string) int {
		return len(enc.Encode(text, nil, nil))
	}
}

const (
	maxToolResult = 500
	maxToolArgs   = 300
)

type line struct {
	at   int64
	text string
}

// Render formats the buffer as a transcript for extraction. When the
// transcript exceeds budget tokens the oldest lines are dropped. A newest
// line that alone exceeds the budget is cut to fit.
func Render(buf Buffer, budget int, count TokenCounter) string {
	if count == nil {
		count = CharCounter
	}

	lines := make([]line, 0, len(buf.Messages)+len(buf.Tools))
	for _, m := range buf.Messages {
		lines = append(lines, line{at: m.Timestamp.UnixNano(), text: fmt.Sprintf("[%s]: %s", m.Role, m.Content)})
	}
	for _, t := range buf.Tools {
		lines = append(lines, line{at: t.Timestamp.UnixNano(), text: renderTool(t)})
	}
	sort.SliceStable(lines, func(i, j int) bool { return lines[i].at < lines[j].at })

	var footer string
	if len(buf.FileEdits) > 0 {
		seen := make(map[string]bool, len(buf.FileEdits))
		var paths []string
		for _, e := range buf.FileEdits {
			if !seen[e.Path] {
				seen[e.Path] = true
				paths = append(paths, e.Path)
			}
		}
		footer = "Files edited: " + strings.Join(paths, ", ")
	}

	var used int
	if footer != "" {
		used = count(footer)
	}
	start := len(lines)
	for start > 0 {
		cost := count(lines[start-1].text) + 1
		if budget > 0 && used+cost > budget {
			break
		}
		used += cost
		start--
	}
	if start == len(lines) && start > 0 {
		if cut, ok := fit(lines[start-1].text, budget-used-1, count); ok {
			start--
			lines[start].text = cut
		}
	}

	var sb strings.Builder
	if start > 0 {
		fmt.Fprintf(&sb, "(%d earlier entries omitted)\n", start)
	}
	for _, l := range lines[start:] {
		sb.WriteString(l.text)
		sb.WriteByte('\n')
	}
	if footer != "" {
		sb.WriteString(footer)
		sb.WriteByte('\n')
	}
	return strings.TrimRight(sb.String(), "\n")
}

func renderTool(t ToolUse) string {
	var sb strings.Builder
	sb.WriteString("[tool ")
	sb.WriteString(t.Name)
	sb.WriteString("]")
	if len(t.Args) > 0 {
		if raw, err := json.Marshal(t.Args); err == nil {
			sb.WriteString(" ")
			sb.WriteString(truncate(string(raw), maxToolArgs))
		}
	}
	if t.Result != "" {
		sb.WriteString(" -> ")
		sb.WriteString(truncate(t.Result, maxToolResult))
	}
	return sb.String()
}

// fit returns the longest marked prefix of s that costs at most budget.
func fit(s string, budget int, count TokenCounter) (string, bool) {
	if budget <= 0 {
		return "", false
	}
	runes := []rune(s)
	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if count(string(runes[:mid])+"...") <= budget {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	if lo == 0 {
		return "", false
	}
	return string(runes[:lo]) + "...", true
}

// truncate cuts s to at most n runes, marking the cut.
func truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "..."
}
