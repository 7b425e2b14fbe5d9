package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/sync/singleflight"

	"github.com/becomeliminal/codemem/logging"
)

// Config holds Engine configuration.
type Config struct {
	// SimilarityThreshold drops search hits below this similarity [0.0-1.0].
	// Tiny models (all-MiniLM-L6-v2) score around 0.6 for related text.
	SimilarityThreshold float64

	// MaxResults bounds a single search.
	MaxResults int

	// MaxProfileStatic and MaxProfileDynamic truncate the profile buckets.
	MaxProfileStatic  int
	MaxProfileDynamic int

	// ProfileCacheTTL bounds how long a profile view is reused. Zero keeps
	// entries until the partition changes.
	ProfileCacheTTL time.Duration
}

// DefaultConfig returns the defaults used when no config is given.
func DefaultConfig() *Config {
	return &Config{
		SimilarityThreshold: 0.6,
		MaxResults:          10,
		MaxProfileStatic:    5,
		MaxProfileDynamic:   10,
		ProfileCacheTTL:     time.Minute,
	}
}

// DefaultListLimit is used when List is called with a non-positive limit.
const DefaultListLimit = 20

// AddOptions carries the optional fields of a new memory.
type AddOptions struct {
	Type        string
	Metadata    map[string]any
	Attribution Attribution
}

// UpdateOptions names the fields to change. Nil fields are kept.
type UpdateOptions struct {
	Content  *string
	Type     *string
	Metadata map[string]any
}

// Engine is the memory façade. It is safe for concurrent use.
type Engine struct {
	store    Store
	embedder Embedder
	config   *Config

	warm  atomic.Bool
	group singleflight.Group

	profiles *ristretto.Cache
	epochMu  sync.Mutex
	epochs   map[string]uint64

	now   func() time.Time
	newID func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIDGenerator overrides memory id generation.
func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) { e.newID = newID }
}

// NewEngine creates an Engine over store and embedder.
func NewEngine(store Store, embedder Embedder, config *Config, opts ...Option) (*Engine, error) {
	if config == nil {
		config = DefaultConfig()
	}

	profiles, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     1_000,
		BufferItems: 64,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create profile cache")
	}

	e := &Engine{
		store:    store,
		embedder: embedder,
		config:   config,
		profiles: profiles,
		epochs:   make(map[string]uint64),
		now:      time.Now,
		newID:    newMemoryID,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// newMemoryID returns a UUIDv7: a millisecond timestamp plus random bits.
func newMemoryID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Warmup opens the store and initializes the embedder. Concurrent callers
// share one initialization; a failure lets the next call retry.
func (e *Engine) Warmup(ctx context.Context) error {
	if e.warm.Load() {
		return nil
	}

	_, err, _ := e.group.Do("warmup", func() (any, error) {
		if e.warm.Load() {
			return nil, nil
		}
		if err := e.store.Open(ctx); err != nil {
			return nil, goerr.Wrap(err, "failed to open store", goerr.T(ErrTagStorage))
		}
		if err := e.embedder.Warmup(ctx); err != nil {
			return nil, goerr.Wrap(err, "failed to warm up embedder", goerr.T(ErrTagEmbedding))
		}
		e.warm.Store(true)
		logging.Component(ctx, "memory").Info("engine ready", "dimensions", e.embedder.Dimensions())
		return nil, nil
	})
	return err
}

// IsWarmedUp reports whether Warmup has succeeded.
func (e *Engine) IsWarmedUp() bool {
	return e.warm.Load()
}

// Close releases the store.
func (e *Engine) Close() error {
	e.profiles.Close()
	return e.store.Close()
}

// Add embeds content and stores it as a new memory in tag.
func (e *Engine) Add(ctx context.Context, content, tag string, opts AddOptions) Result[AddData] {
	content = strings.TrimSpace(content)
	if content == "" {
		return fail[AddData](goerr.New("content is required", goerr.T(ErrTagInvalid)))
	}
	if tag == "" {
		return fail[AddData](goerr.New("container tag is required", goerr.T(ErrTagInvalid)))
	}
	if err := e.Warmup(ctx); err != nil {
		return fail[AddData](err)
	}

	vec, err := e.embed(ctx, content)
	if err != nil {
		return fail[AddData](err)
	}

	now := e.now().UnixMilli()
	rec := &Record{
		ID:           e.newID(),
		Content:      content,
		Vector:       vec,
		ContainerTag: tag,
		Type:         opts.Type,
		CreatedAt:    now,
		UpdatedAt:    now,
		Metadata:     opts.Metadata,
		Attribution:  opts.Attribution,
	}
	if err := e.store.Insert(ctx, rec); err != nil {
		return fail[AddData](goerr.Wrap(err, "failed to insert memory", goerr.T(ErrTagStorage), goerr.V("tag", tag)))
	}
	e.touch(tag)

	logging.Component(ctx, "memory").Debug("memory added", "id", rec.ID, "tag", tag, "type", rec.Type)
	return ok(AddData{ID: rec.ID})
}

// Search returns the memories in tag most similar to query, nearest first.
// Hits below the similarity threshold are dropped.
func (e *Engine) Search(ctx context.Context, query, tag string) Result[SearchData] {
	if strings.TrimSpace(query) == "" {
		return fail[SearchData](goerr.New("query is required", goerr.T(ErrTagInvalid)))
	}
	if tag == "" {
		return fail[SearchData](goerr.New("container tag is required", goerr.T(ErrTagInvalid)))
	}
	if err := e.Warmup(ctx); err != nil {
		return fail[SearchData](err)
	}

	vec, err := e.embed(ctx, query)
	if err != nil {
		return fail[SearchData](err)
	}

	matches, err := e.store.Query(ctx, vec, tag, e.config.MaxResults)
	if err != nil {
		return fail[SearchData](goerr.Wrap(err, "failed to query memories", goerr.T(ErrTagStorage), goerr.V("tag", tag)))
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Distance < matches[j].Distance })

	results := make([]ScoredRecord, 0, len(matches))
	for _, m := range matches {
		similarity := 1 - m.Distance
		if similarity < e.config.SimilarityThreshold {
			continue
		}
		results = append(results, ScoredRecord{Record: m.Record, Similarity: similarity, Distance: m.Distance})
	}

	logging.Component(ctx, "memory").Debug("search done",
		"tag", tag, "candidates", len(matches), "results", len(results))
	return ok(SearchData{Results: results})
}

// List returns one page of memories in tag, newest first. page is 1-based.
func (e *Engine) List(ctx context.Context, tag string, limit, page int) Result[ListData] {
	if tag == "" {
		return fail[ListData](goerr.New("container tag is required", goerr.T(ErrTagInvalid)))
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if page <= 0 {
		page = 1
	}
	if err := e.Warmup(ctx); err != nil {
		return fail[ListData](err)
	}

	records, total, err := e.listRecords(ctx, tag, limit*page)
	if err != nil {
		return fail[ListData](err)
	}

	start := (page - 1) * limit
	if start > len(records) {
		start = len(records)
	}
	items := records[start:]
	return ok(ListData{
		Items:   items,
		Total:   total,
		Page:    page,
		Limit:   limit,
		HasMore: page*limit < total,
	})
}

// listRecords scans tag and returns the newest limit records plus the
// partition size.
func (e *Engine) listRecords(ctx context.Context, tag string, limit int) ([]Record, int, error) {
	records, err := e.store.Scan(ctx, tag)
	if err != nil {
		return nil, 0, goerr.Wrap(err, "failed to scan memories", goerr.T(ErrTagStorage), goerr.V("tag", tag))
	}
	sortNewestFirst(records)

	total := len(records)
	if limit >= 0 && len(records) > limit {
		records = records[:limit]
	}
	return records, total, nil
}

// Delete removes the memory with id from whichever partition holds it.
func (e *Engine) Delete(ctx context.Context, id string) Result[DeleteData] {
	if id == "" {
		return fail[DeleteData](goerr.New("id is required", goerr.T(ErrTagInvalid)))
	}
	if err := e.Warmup(ctx); err != nil {
		return fail[DeleteData](err)
	}
	if err := e.delete(ctx, id); err != nil {
		return fail[DeleteData](err)
	}
	return ok(DeleteData{Deleted: 1})
}

// BulkDelete removes every id it can and reports the rest.
func (e *Engine) BulkDelete(ctx context.Context, ids []string) Result[DeleteData] {
	if len(ids) == 0 {
		return fail[DeleteData](goerr.New("ids are required", goerr.T(ErrTagInvalid)))
	}
	if err := e.Warmup(ctx); err != nil {
		return fail[DeleteData](err)
	}

	var data DeleteData
	for _, id := range ids {
		if err := e.delete(ctx, id); err != nil {
			data.Failed++
			data.Errors = append(data.Errors, fmt.Sprintf("%s: %s", id, err.Error()))
			continue
		}
		data.Deleted++
	}

	logging.Component(ctx, "memory").Info("bulk delete done", "deleted", data.Deleted, "failed", data.Failed)
	return ok(data)
}

func (e *Engine) delete(ctx context.Context, id string) error {
	rec, err := e.get(ctx, id)
	if err != nil {
		return err
	}
	found, err := e.store.Delete(ctx, id)
	if err != nil {
		return goerr.Wrap(err, "failed to delete memory", goerr.T(ErrTagStorage), goerr.V("id", id))
	}
	if !found {
		return goerr.New("memory not found", goerr.T(ErrTagNotFound), goerr.V("id", id))
	}
	e.touch(rec.ContainerTag)
	return nil
}

func (e *Engine) get(ctx context.Context, id string) (*Record, error) {
	rec, err := e.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, goerr.New("memory not found", goerr.T(ErrTagNotFound), goerr.V("id", id))
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to get memory", goerr.T(ErrTagStorage), goerr.V("id", id))
	}
	return rec, nil
}

// Update rewrites a memory in place, keeping its id and creation time.
//
// Stores implementing Upserter replace the record in one write. Others
// delete then reinsert, and a failure between the two steps leaves the
// memory absent rather than stale.
// Content changes are re-embedded; otherwise the stored vector, which is
// already the embedding of the unchanged content, is reused.
func (e *Engine) Update(ctx context.Context, id string, opts UpdateOptions) Result[AddData] {
	if id == "" {
		return fail[AddData](goerr.New("id is required", goerr.T(ErrTagInvalid)))
	}
	if err := e.Warmup(ctx); err != nil {
		return fail[AddData](err)
	}

	old, err := e.get(ctx, id)
	if err != nil {
		return fail[AddData](err)
	}

	next := *old
	if opts.Content != nil {
		content := strings.TrimSpace(*opts.Content)
		if content == "" {
			return fail[AddData](goerr.New("content cannot be empty", goerr.T(ErrTagInvalid)))
		}
		if content != old.Content {
			vec, err := e.embed(ctx, content)
			if err != nil {
				return fail[AddData](err)
			}
			next.Content = content
			next.Vector = vec
		}
	}
	if opts.Type != nil {
		next.Type = *opts.Type
	}
	if opts.Metadata != nil {
		next.Metadata = opts.Metadata
	}
	next.UpdatedAt = e.now().UnixMilli()

	if up, isUp := e.store.(Upserter); isUp {
		if err := up.Upsert(ctx, &next); err != nil {
			return fail[AddData](goerr.Wrap(err, "failed to update memory", goerr.T(ErrTagStorage), goerr.V("id", id)))
		}
		e.touch(old.ContainerTag)
		return ok(AddData{ID: id})
	}

	if _, err := e.store.Delete(ctx, id); err != nil {
		return fail[AddData](goerr.Wrap(err, "failed to delete memory for update", goerr.T(ErrTagStorage), goerr.V("id", id)))
	}
	e.touch(old.ContainerTag)
	if err := e.store.Insert(ctx, &next); err != nil {
		logging.Component(ctx, "memory").Error("memory lost during update", "id", id, "error", err)
		return fail[AddData](goerr.Wrap(err, "failed to reinsert memory", goerr.T(ErrTagStorage), goerr.V("id", id)))
	}
	// A profile built between the two writes lacks the record.
	e.touch(old.ContainerTag)

	return ok(AddData{ID: id})
}

// Profile returns the partition bucketed into static facts (preferences)
// and dynamic facts (everything else), newest first.
func (e *Engine) Profile(ctx context.Context, tag string) Result[ProfileData] {
	if tag == "" {
		return fail[ProfileData](goerr.New("container tag is required", goerr.T(ErrTagInvalid)))
	}
	if err := e.Warmup(ctx); err != nil {
		return fail[ProfileData](err)
	}

	key := e.profileKey(tag)
	if cached, found := e.profiles.Get(key); found {
		if data, ok := cached.(ProfileData); ok {
			return Result[ProfileData]{Success: true, Data: data}
		}
	}

	records, _, err := e.listRecords(ctx, tag, -1)
	if err != nil {
		return fail[ProfileData](err)
	}

	data := ProfileData{Static: []Record{}, Dynamic: []Record{}}
	for _, rec := range records {
		if rec.Type == TypePreference {
			if len(data.Static) < e.config.MaxProfileStatic {
				data.Static = append(data.Static, rec)
			}
			continue
		}
		if len(data.Dynamic) < e.config.MaxProfileDynamic {
			data.Dynamic = append(data.Dynamic, rec)
		}
	}

	e.profiles.SetWithTTL(key, data, 1, e.config.ProfileCacheTTL)
	return ok(data)
}

func (e *Engine) embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.embedder.Embed(ctx, text)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to embed text", goerr.T(ErrTagEmbedding))
	}
	return vec, nil
}

// touch invalidates cached views of tag.
func (e *Engine) touch(tag string) {
	e.epochMu.Lock()
	e.epochs[tag]++
	e.epochMu.Unlock()
}

func (e *Engine) profileKey(tag string) string {
	e.epochMu.Lock()
	defer e.epochMu.Unlock()
	return fmt.Sprintf("%s@%d", tag, e.epochs[tag])
}

func sortNewestFirst(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].CreatedAt != records[j].CreatedAt {
			return records[i].CreatedAt > records[j].CreatedAt
		}
		return records[i].ID > records[j].ID
	})
}
