package extraction

import (
	"fmt"
	"sort"
	"strings"
)

// Violation is one reason a structured result was rejected.
type Violation struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	if v.Path == "" {
		return v.Message
	}
	return v.Path + ": " + v.Message
}

// ItemRule constrains each object in a collection field.
type ItemRule struct {
	// Required fields must be present and non-null.
	Required []string

	// Strings must be non-empty strings when present.
	Strings []string

	// Numbers must be JSON numbers when present.
	Numbers []string

	// NonEmptyArrays must be arrays with at least one element when present.
	NonEmptyArrays []string

	// Enums restrict string fields to the listed values when present.
	Enums map[string][]string
}

// Rules describe a valid structured result.
type Rules struct {
	// RequiredTop fields must be present at the top level.
	RequiredTop []string

	// Collections maps a top-level array field to the rule for its items.
	Collections map[string]ItemRule
}

// Validate checks data against rules and returns every violation found.
// A nil result means data is valid.
func Validate(data any, rules Rules) []Violation {
	obj, ok := data.(map[string]any)
	if !ok || obj == nil {
		return []Violation{{Message: "result must be a JSON object"}}
	}
	if len(obj) == 0 {
		return []Violation{{Message: "result must have at least one field"}}
	}

	var out []Violation
	add := func(path, format string, args ...any) {
		out = append(out, Violation{Path: path, Message: fmt.Sprintf(format, args...)})
	}

	for _, field := range rules.RequiredTop {
		if _, present := obj[field]; !present {
			add(field, "is required")
		}
	}
	for _, field := range sortedKeys(obj) {
		if obj[field] == nil {
			add(field, "cannot be null")
		}
	}

	for _, field := range sortedKeys(rules.Collections) {
		value, present := obj[field]
		if !present || value == nil {
			continue
		}
		items, isArray := value.([]any)
		if !isArray {
			add(field, "must be an array")
			continue
		}
		rule := rules.Collections[field]
		for i, item := range items {
			path := fmt.Sprintf("%s[%d]", field, i)
			entry, isObject := item.(map[string]any)
			if !isObject {
				add(path, "must be an object")
				continue
			}
			out = append(out, rule.check(path, entry)...)
		}
	}

	return out
}

func (r ItemRule) check(path string, entry map[string]any) []Violation {
	var out []Violation
	add := func(field, format string, args ...any) {
		out = append(out, Violation{Path: path + "." + field, Message: fmt.Sprintf(format, args...)})
	}

	for _, field := range r.Required {
		if v, present := entry[field]; !present || v == nil {
			add(field, "is required")
		}
	}
	for _, field := range r.Strings {
		v, present := entry[field]
		if !present || v == nil {
			continue
		}
		s, isString := v.(string)
		switch {
		case !isString:
			add(field, "must be a string")
		case strings.TrimSpace(s) == "":
			add(field, "cannot be empty")
		}
	}
	for _, field := range r.Numbers {
		v, present := entry[field]
		if !present || v == nil {
			continue
		}
		if _, isNumber := v.(float64); !isNumber {
			add(field, "must be a number")
		}
	}
	for _, field := range r.NonEmptyArrays {
		v, present := entry[field]
		if !present || v == nil {
			continue
		}
		arr, isArray := v.([]any)
		switch {
		case !isArray:
			add(field, "must be an array")
		case len(arr) == 0:
			add(field, "cannot be empty")
		}
	}
	for _, field := range sortedKeys(r.Enums) {
		s, isString := entry[field].(string)
		if !isString {
			continue
		}
		if !contains(r.Enums[field], s) {
			add(field, "must be one of %s", strings.Join(r.Enums[field], ", "))
		}
	}
	return out
}

// FormatViolations renders violations one per line.
func FormatViolations(vs []Violation) string {
	lines := make([]string, len(vs))
	for i, v := range vs {
		lines[i] = "- " + v.String()
	}
	return strings.Join(lines, "\n")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
