package memory

import (
	"context"
	"encoding/json"
)

// Memory types recognized by extraction and the profile view.
const (
	TypePreference     = "preference"
	TypeProjectConfig  = "project-config"
	TypeArchitecture   = "architecture"
	TypeErrorSolution  = "error-solution"
	TypeLearnedPattern = "learned-pattern"
	TypeConversation   = "conversation"
)

// Types lists every memory type in display order.
var Types = []string{
	TypePreference,
	TypeProjectConfig,
	TypeArchitecture,
	TypeErrorSolution,
	TypeLearnedPattern,
	TypeConversation,
}

// Record is one stored memory.
//
// Vector is always the embedding of Content. Timestamps are epoch
// milliseconds.
type Record struct {
	ID           string         `json:"id"`
	Content      string         `json:"content"`
	Vector       []float32      `json:"-"`
	ContainerTag string         `json:"containerTag"`
	Type         string         `json:"type,omitempty"`
	CreatedAt    int64          `json:"createdAt"`
	UpdatedAt    int64          `json:"updatedAt"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Attribution
}

// Attribution identifies who wrote a memory and where. Stored unchanged.
type Attribution struct {
	DisplayName string `json:"displayName,omitempty"`
	UserName    string `json:"userName,omitempty"`
	UserEmail   string `json:"userEmail,omitempty"`
	ProjectPath string `json:"projectPath,omitempty"`
	ProjectName string `json:"projectName,omitempty"`
	RepoURL     string `json:"repoUrl,omitempty"`
}

// Match is a raw nearest-neighbor hit from a Store.
type Match struct {
	Record   Record
	Distance float64
}

// Store is the persisted vector table.
// Implementations: chromem (embedded, default) and pgvector (PostgreSQL).
type Store interface {
	// Open connects to the table, creating it if needed. Idempotent.
	Open(ctx context.Context) error

	// Insert appends a record. Duplicates are not rejected.
	Insert(ctx context.Context, rec *Record) error

	// Query returns up to limit records in tag nearest to vec, ordered by
	// ascending distance.
	Query(ctx context.Context, vec []float32, tag string, limit int) ([]Match, error)

	// Scan returns every record in tag, in no particular order.
	Scan(ctx context.Context, tag string) ([]Record, error)

	// Get returns the record with id from any partition, or ErrNotFound.
	Get(ctx context.Context, id string) (*Record, error)

	// Delete removes the record with id from any partition and reports
	// whether it existed.
	Delete(ctx context.Context, id string) (bool, error)

	// Close releases resources.
	Close() error
}

// Upserter is implemented by stores that can replace a record atomically.
// Update uses it when available instead of delete then insert.
type Upserter interface {
	Upsert(ctx context.Context, rec *Record) error
}

// Embedder converts text to vector embeddings.
// Implementations: embedder.Service (cached, local or remote backend) and
// mock.Embedder for tests.
type Embedder interface {
	// Warmup prepares the backend. Safe to call repeatedly and concurrently.
	Warmup(ctx context.Context) error

	// Embed converts a single text to an embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns embedding vector size.
	Dimensions() int
}

// EncodeMetadata serializes metadata for backends that store it as a string.
func EncodeMetadata(md map[string]any) string {
	if len(md) == 0 {
		return ""
	}
	raw, err := json.Marshal(md)
	if err != nil {
		return ""
	}
	return string(raw)
}

// DecodeMetadata is the inverse of EncodeMetadata. Unparseable input yields nil.
func DecodeMetadata(s string) map[string]any {
	if s == "" {
		return nil
	}
	var md map[string]any
	if err := json.Unmarshal([]byte(s), &md); err != nil {
		return nil
	}
	return md
}
