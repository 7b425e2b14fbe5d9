package chromem_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/codemem/memory"
	"github.com/becomeliminal/codemem/memory/embedder/mock"
	"github.com/becomeliminal/codemem/memory/store/chromem"
)

func newRecord(t *testing.T, emb *mock.Embedder, id, content, tag string) *memory.Record {
	t.Helper()
	vec, err := emb.Embed(context.Background(), content)
	require.NoError(t, err)
	return &memory.Record{
		ID:           id,
		Content:      content,
		Vector:       vec,
		ContainerTag: tag,
		Type:         memory.TypeArchitecture,
		CreatedAt:    1000,
		UpdatedAt:    1000,
	}
}

func openStore(t *testing.T, opts chromem.Options) *chromem.Store {
	t.Helper()
	store := chromem.New(opts)
	require.NoError(t, store.Open(context.Background()))
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_InsertAndQuery(t *testing.T) {
	ctx := context.Background()
	emb := mock.New()
	store := openStore(t, chromem.Options{})

	require.NoError(t, store.Insert(ctx, newRecord(t, emb, "a", "uses pnpm workspaces", "project_1")))
	require.NoError(t, store.Insert(ctx, newRecord(t, emb, "b", "api lives in services/api", "project_1")))

	vec, err := emb.Embed(ctx, "uses pnpm workspaces")
	require.NoError(t, err)

	matches, err := store.Query(ctx, vec, "project_1", 10)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "a", matches[0].Record.ID)
	assert.InDelta(t, 0.0, matches[0].Distance, 1e-4)
	assert.Equal(t, "uses pnpm workspaces", matches[0].Record.Content)
	assert.Equal(t, memory.TypeArchitecture, matches[0].Record.Type)
}

func TestStore_PartitionIsolation(t *testing.T) {
	ctx := context.Background()
	emb := mock.New()
	store := openStore(t, chromem.Options{})

	require.NoError(t, store.Insert(ctx, newRecord(t, emb, "u1", "prefers tabs", "user_1")))
	require.NoError(t, store.Insert(ctx, newRecord(t, emb, "u2", "prefers spaces", "user_2")))
	require.NoError(t, store.Insert(ctx, newRecord(t, emb, "u3", "likes go", "user_2")))

	vec, err := emb.Embed(ctx, "prefers tabs")
	require.NoError(t, err)

	matches, err := store.Query(ctx, vec, "user_2", 10)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	for _, m := range matches {
		assert.Equal(t, "user_2", m.Record.ContainerTag)
	}

	records, err := store.Scan(ctx, "user_1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "u1", records[0].ID)

	records, err = store.Scan(ctx, "user_missing")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestStore_QueryEmpty(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, chromem.Options{})

	matches, err := store.Query(ctx, mock.Normalize(make([]float32, 384)), "user_1", 5)
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestStore_GetAndDelete(t *testing.T) {
	ctx := context.Background()
	emb := mock.New()
	store := openStore(t, chromem.Options{})

	rec := newRecord(t, emb, "a", "run make lint before pushing", "project_1")
	rec.Metadata = map[string]any{"source": "auto-capture"}
	rec.UserEmail = "dev@example.com"
	rec.RepoURL = "https://github.com/acme/app"
	require.NoError(t, store.Insert(ctx, rec))
	require.NoError(t, store.Insert(ctx, newRecord(t, emb, "b", "other", "project_1")))

	got, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, rec.Content, got.Content)
	assert.Equal(t, "auto-capture", got.Metadata["source"])
	assert.Equal(t, "dev@example.com", got.UserEmail)
	assert.Equal(t, "https://github.com/acme/app", got.RepoURL)
	assert.Equal(t, int64(1000), got.CreatedAt)

	deleted, err := store.Delete(ctx, "a")
	require.NoError(t, err)
	assert.True(t, deleted)

	_, err = store.Get(ctx, "a")
	assert.ErrorIs(t, err, memory.ErrNotFound)

	deleted, err = store.Delete(ctx, "a")
	require.NoError(t, err)
	assert.False(t, deleted)

	records, err := store.Scan(ctx, "project_1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "b", records[0].ID)
}

func TestStore_DimensionMismatch(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, chromem.Options{Dimensions: 8})

	rec := newRecord(t, mock.NewWithDimensions(4), "a", "short", "user_1")
	err := store.Insert(ctx, rec)
	assert.ErrorIs(t, err, memory.ErrDimensionMismatch)

	_, err = store.Query(ctx, make([]float32, 4), "user_1", 1)
	assert.ErrorIs(t, err, memory.ErrDimensionMismatch)
}

func TestStore_Persistence(t *testing.T) {
	ctx := context.Background()
	emb := mock.New()
	dir := t.TempDir()

	store := chromem.New(chromem.Options{Path: dir})
	require.NoError(t, store.Open(ctx))
	require.NoError(t, store.Insert(ctx, newRecord(t, emb, "a", "persisted fact", "user_1")))
	require.NoError(t, store.Close())

	reopened := openStore(t, chromem.Options{Path: dir})
	got, err := reopened.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "persisted fact", got.Content)
}

func TestStore_SeesOtherWriters(t *testing.T) {
	ctx := context.Background()
	emb := mock.New()
	dir := t.TempDir()

	reader := openStore(t, chromem.Options{Path: dir})
	writer := openStore(t, chromem.Options{Path: dir})

	records, err := reader.Scan(ctx, "user_1")
	require.NoError(t, err)
	require.Empty(t, records)

	require.NoError(t, writer.Insert(ctx, newRecord(t, emb, "w1", "written elsewhere", "user_1")))

	records, err = reader.Scan(ctx, "user_1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "w1", records[0].ID)

	got, err := reader.Get(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, "written elsewhere", got.Content)

	found, err := writer.Delete(ctx, "w1")
	require.NoError(t, err)
	require.True(t, found)

	_, err = reader.Get(ctx, "w1")
	assert.ErrorIs(t, err, memory.ErrNotFound)
}

func TestStore_OwnWritesVisible(t *testing.T) {
	ctx := context.Background()
	emb := mock.New()
	store := openStore(t, chromem.Options{Path: t.TempDir()})

	require.NoError(t, store.Insert(ctx, newRecord(t, emb, "a", "first", "user_1")))
	require.NoError(t, store.Insert(ctx, newRecord(t, emb, "b", "second", "user_1")))

	records, err := store.Scan(ctx, "user_1")
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestStore_NotOpen(t *testing.T) {
	store := chromem.New(chromem.Options{})
	_, err := store.Scan(context.Background(), "user_1")
	assert.Error(t, err)
}
