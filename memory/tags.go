package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Scope is the owner dimension a container tag encodes.
type Scope string

const (
	ScopeUser    Scope = "user"
	ScopeProject Scope = "project"
)

// UserTag returns the partition key for a user, derived from their email.
func UserTag(email string) string {
	return tagFor(ScopeUser, strings.ToLower(strings.TrimSpace(email)))
}

// ProjectTag returns the partition key for a project directory.
func ProjectTag(path string) string {
	return tagFor(ScopeProject, strings.TrimRight(path, "/"))
}

// TagFor returns the tag for scope, keyed by an email or a project path.
func TagFor(scope Scope, key string) string {
	if scope == ScopeProject {
		return ProjectTag(key)
	}
	return UserTag(key)
}

// ParseTag reports the scope encoded in tag.
func ParseTag(tag string) (Scope, bool) {
	prefix, hash, found := strings.Cut(tag, "_")
	if !found || hash == "" {
		return "", false
	}
	switch Scope(prefix) {
	case ScopeUser, ScopeProject:
		return Scope(prefix), true
	}
	return "", false
}

func tagFor(scope Scope, key string) string {
	sum := sha256.Sum256([]byte(key))
	return string(scope) + "_" + hex.EncodeToString(sum[:])[:16]
}
