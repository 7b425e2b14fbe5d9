package pgvector_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/codemem/memory"
	"github.com/becomeliminal/codemem/memory/embedder/mock"
	"github.com/becomeliminal/codemem/memory/store/pgvector"
)

// Runs against a real database with the vector extension available:
//
//	CODEMEM_TEST_PG_DSN=postgres://localhost/codemem_test go test ./memory/store/pgvector
func openStore(t *testing.T) *pgvector.Store {
	t.Helper()
	dsn := os.Getenv("CODEMEM_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("CODEMEM_TEST_PG_DSN is not set")
	}

	ctx := context.Background()
	store := pgvector.New(pgvector.Options{DSN: dsn, Table: "codemem_test_memories"})
	require.NoError(t, store.Open(ctx))
	require.NoError(t, pgvector.Truncate(ctx, store))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func record(t *testing.T, emb *mock.Embedder, id, content, tag string, createdAt int64) *memory.Record {
	t.Helper()
	vec, err := emb.Embed(context.Background(), content)
	require.NoError(t, err)
	return &memory.Record{
		ID:           id,
		Content:      content,
		Vector:       vec,
		ContainerTag: tag,
		CreatedAt:    createdAt,
		UpdatedAt:    createdAt,
		Metadata:     map[string]any{"source": "test"},
		Attribution:  memory.Attribution{ProjectName: "app"},
	}
}

func TestStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	emb := mock.New()

	require.NoError(t, store.Insert(ctx, record(t, emb, "a", "uses pnpm", "project_1", 1)))
	require.NoError(t, store.Insert(ctx, record(t, emb, "b", "uses vitest", "project_1", 2)))
	require.NoError(t, store.Insert(ctx, record(t, emb, "c", "uses pnpm", "project_2", 3)))

	vec, err := emb.Embed(ctx, "uses pnpm")
	require.NoError(t, err)

	matches, err := store.Query(ctx, vec, "project_1", 10)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "a", matches[0].Record.ID)
	assert.InDelta(t, 0.0, matches[0].Distance, 1e-5)
	assert.Equal(t, "test", matches[0].Record.Metadata["source"])
	assert.Equal(t, "app", matches[0].Record.ProjectName)

	records, err := store.Scan(ctx, "project_2")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "c", records[0].ID)

	deleted, err := store.Delete(ctx, "a")
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = store.Get(ctx, "a")
	assert.ErrorIs(t, err, memory.ErrNotFound)

	deleted, err = store.Delete(ctx, "a")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestStore_Upsert(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	emb := mock.New()

	require.NoError(t, store.Insert(ctx, record(t, emb, "a", "uses npm", "project_1", 1)))

	changed := record(t, emb, "a", "uses pnpm", "project_1", 1)
	changed.Type = memory.TypeProjectConfig
	changed.UpdatedAt = 5
	require.NoError(t, store.Upsert(ctx, changed))
	require.NoError(t, store.Upsert(ctx, record(t, emb, "b", "uses vitest", "project_1", 2)))

	got, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "uses pnpm", got.Content)
	assert.Equal(t, memory.TypeProjectConfig, got.Type)
	assert.Equal(t, int64(1), got.CreatedAt)
	assert.Equal(t, int64(5), got.UpdatedAt)

	records, err := store.Scan(ctx, "project_1")
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestStore_DimensionMismatch(t *testing.T) {
	store := pgvector.New(pgvector.Options{Dimensions: 8})
	err := store.Insert(context.Background(), &memory.Record{ID: "x", Vector: make([]float32, 4)})
	assert.ErrorIs(t, err, memory.ErrDimensionMismatch)
}
