// Package memory is the long-term memory engine for coding assistants.
//
// Memories are short natural-language facts stored as vector embeddings and
// partitioned by container tag, which separates user-scope from
// project-scope memory. Retrieval is nearest-neighbor within one partition.
//
// Architecture:
//   - Store: persisted vector table (chromem-go locally, pgvector in Postgres)
//   - Embedder: text to vector with a model-scoped cache and one-time warm-up
//   - Engine: add, search, list, update, delete and profile operations
//
// Every Engine operation returns a Result envelope. Storage and embedding
// failures are reported in the envelope and never propagate as panics into
// request paths.
package memory
