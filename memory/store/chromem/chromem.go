// Package chromem stores memories in chromem-go, a pure Go embedded vector
// database persisted to a local directory.
package chromem

import (
	"context"
	"io/fs"
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/m-mizutani/goerr/v2"

	"github.com/becomeliminal/codemem/logging"
	"github.com/becomeliminal/codemem/memory"
)

// Document metadata keys.
const (
	keyTag         = "container_tag"
	keyType        = "type"
	keyCreatedAt   = "created_at"
	keyUpdatedAt   = "updated_at"
	keyMetadata    = "metadata"
	keyDisplayName = "display_name"
	keyUserName    = "user_name"
	keyUserEmail   = "user_email"
	keyProjectPath = "project_path"
	keyProjectName = "project_name"
	keyRepoURL     = "repo_url"
)

// Options configures a Store.
type Options struct {
	// Path is the persistence directory. Empty keeps everything in memory.
	Path string

	// Collection names the table. Default "memories".
	Collection string

	// Dimensions is the table vector size. Mismatched vectors are rejected.
	// Default 384.
	Dimensions int

	// Compress gzips the persisted documents.
	Compress bool
}

// Store is a memory.Store over a single chromem collection. The container
// tag lives in document metadata and is the query filter.
//
// chromem reads the directory only when a DB is opened, so a persisted
// store reloads whenever the directory changed since its last look. Other
// processes (the CLI next to a running server) may write the same path.
type Store struct {
	opts Options

	mu    sync.Mutex
	db    *chromem.DB
	epoch epoch
}

// epoch fingerprints the persistence directory.
type epoch struct {
	files   int
	size    int64
	modTime int64
}

var _ memory.Store = (*Store)(nil)

// New creates a store. Nothing is opened until Open.
func New(opts Options) *Store {
	if opts.Collection == "" {
		opts.Collection = "memories"
	}
	if opts.Dimensions <= 0 {
		opts.Dimensions = 384
	}
	return &Store{opts: opts}
}

// Open loads or creates the database and collection.
func (s *Store) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return nil
	}

	db, err := s.load()
	if err != nil {
		return err
	}

	s.db = db
	if s.opts.Path != "" {
		if s.epoch, err = dirEpoch(s.opts.Path); err != nil {
			return goerr.Wrap(err, "failed to stat chromem db", goerr.V("path", s.opts.Path))
		}
	}
	logging.Component(ctx, "store").Info("chromem store opened",
		"path", s.opts.Path, "collection", s.opts.Collection)
	return nil
}

func (s *Store) load() (*chromem.DB, error) {
	db := chromem.NewDB()
	if s.opts.Path != "" {
		var err error
		db, err = chromem.NewPersistentDB(s.opts.Path, s.opts.Compress)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to open chromem db", goerr.V("path", s.opts.Path))
		}
	}
	if _, err := db.GetOrCreateCollection(s.opts.Collection, nil, nil); err != nil {
		return nil, goerr.Wrap(err, "failed to create collection", goerr.V("collection", s.opts.Collection))
	}
	return db, nil
}

// collection returns the collection handle, reloading the database first
// when another writer changed the directory.
func (s *Store) collection(ctx context.Context) (*chromem.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil, goerr.New("store is not open")
	}
	if s.opts.Path != "" {
		current, err := dirEpoch(s.opts.Path)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to stat chromem db", goerr.V("path", s.opts.Path))
		}
		if current != s.epoch {
			db, err := s.load()
			if err != nil {
				return nil, err
			}
			s.db = db
			s.epoch = current
			logging.Component(ctx, "store").Debug("chromem store reloaded", "path", s.opts.Path, "files", current.files)
		}
	}

	col := s.db.GetCollection(s.opts.Collection, nil)
	if col == nil {
		return nil, goerr.New("collection missing", goerr.V("collection", s.opts.Collection))
	}
	return col, nil
}

// wrote records the directory state after one of this store's own writes,
// so it does not trigger a reload.
func (s *Store) wrote() {
	if s.opts.Path == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, err := dirEpoch(s.opts.Path); err == nil {
		s.epoch = current
	}
}

func dirEpoch(root string) (epoch, error) {
	var e epoch
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		e.files++
		e.size += info.Size()
		if mt := info.ModTime().UnixNano(); mt > e.modTime {
			e.modTime = mt
		}
		return nil
	})
	return e, err
}

func (s *Store) checkDimensions(vec []float32) error {
	if len(vec) != s.opts.Dimensions {
		return goerr.Wrap(memory.ErrDimensionMismatch, "vector does not match table",
			goerr.V("want", s.opts.Dimensions), goerr.V("got", len(vec)))
	}
	return nil
}

// Insert appends rec to the collection.
func (s *Store) Insert(ctx context.Context, rec *memory.Record) error {
	if err := s.checkDimensions(rec.Vector); err != nil {
		return err
	}
	col, err := s.collection(ctx)
	if err != nil {
		return err
	}

	doc := chromem.Document{
		ID:        rec.ID,
		Content:   rec.Content,
		Embedding: rec.Vector,
		Metadata:  toMetadata(rec),
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return goerr.Wrap(err, "failed to add document", goerr.V("id", rec.ID))
	}
	s.wrote()
	return nil
}

// Query returns the records in tag nearest to vec.
func (s *Store) Query(ctx context.Context, vec []float32, tag string, limit int) ([]memory.Match, error) {
	if err := s.checkDimensions(vec); err != nil {
		return nil, err
	}
	col, err := s.collection(ctx)
	if err != nil {
		return nil, err
	}

	results, err := s.query(ctx, col, vec, tag, limit)
	if err != nil {
		return nil, err
	}

	matches := make([]memory.Match, 0, len(results))
	for _, r := range results {
		matches = append(matches, memory.Match{
			Record:   fromResult(r),
			Distance: 1 - float64(r.Similarity),
		})
	}
	return matches, nil
}

// query clamps limit to the partition size, which chromem requires.
func (s *Store) query(ctx context.Context, col *chromem.Collection, vec []float32, tag string, limit int) ([]chromem.Result, error) {
	where := map[string]string{keyTag: tag}

	n := col.Count()
	if limit > 0 && limit < n {
		n = limit
	}
	for n > 0 {
		results, err := col.QueryEmbedding(ctx, vec, n, where, nil)
		if err == nil {
			return results, nil
		}
		if !isInsufficientDocs(err) {
			return nil, goerr.Wrap(err, "chromem query failed", goerr.V("tag", tag))
		}
		// Fewer documents match the filter than the collection holds.
		n--
	}
	return nil, nil
}

// Scan returns every record in tag.
func (s *Store) Scan(ctx context.Context, tag string) ([]memory.Record, error) {
	col, err := s.collection(ctx)
	if err != nil {
		return nil, err
	}

	results, err := s.query(ctx, col, scanVector(s.opts.Dimensions), tag, 0)
	if err != nil {
		return nil, err
	}

	records := make([]memory.Record, 0, len(results))
	for _, r := range results {
		records = append(records, fromResult(r))
	}
	return records, nil
}

// Get returns the record with id, or memory.ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*memory.Record, error) {
	col, err := s.collection(ctx)
	if err != nil {
		return nil, err
	}

	doc, err := col.GetByID(ctx, id)
	if err != nil {
		return nil, memory.ErrNotFound
	}
	rec := fromResult(chromem.Result{
		ID:        doc.ID,
		Metadata:  doc.Metadata,
		Embedding: doc.Embedding,
		Content:   doc.Content,
	})
	return &rec, nil
}

// Delete removes the record with id.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	col, err := s.collection(ctx)
	if err != nil {
		return false, err
	}

	if _, err := col.GetByID(ctx, id); err != nil {
		return false, nil
	}
	if err := col.Delete(ctx, nil, nil, id); err != nil {
		return false, goerr.Wrap(err, "failed to delete document", goerr.V("id", id))
	}
	s.wrote()
	return true, nil
}

// Close drops the handle. chromem persists on every write.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.db = nil
	return nil
}

// scanVector is a unit query vector for full partition scans, where only
// the filter matters.
func scanVector(dims int) []float32 {
	vec := make([]float32, dims)
	v := float32(1 / math.Sqrt(float64(dims)))
	for i := range vec {
		vec[i] = v
	}
	return vec
}

func toMetadata(rec *memory.Record) map[string]string {
	md := map[string]string{
		keyTag:       rec.ContainerTag,
		keyCreatedAt: strconv.FormatInt(rec.CreatedAt, 10),
		keyUpdatedAt: strconv.FormatInt(rec.UpdatedAt, 10),
	}
	set := func(k, v string) {
		if v != "" {
			md[k] = v
		}
	}
	set(keyType, rec.Type)
	set(keyMetadata, memory.EncodeMetadata(rec.Metadata))
	set(keyDisplayName, rec.DisplayName)
	set(keyUserName, rec.UserName)
	set(keyUserEmail, rec.UserEmail)
	set(keyProjectPath, rec.ProjectPath)
	set(keyProjectName, rec.ProjectName)
	set(keyRepoURL, rec.RepoURL)
	return md
}

func fromResult(r chromem.Result) memory.Record {
	md := r.Metadata
	createdAt, _ := strconv.ParseInt(md[keyCreatedAt], 10, 64)
	updatedAt, _ := strconv.ParseInt(md[keyUpdatedAt], 10, 64)
	return memory.Record{
		ID:           r.ID,
		Content:      r.Content,
		Vector:       r.Embedding,
		ContainerTag: md[keyTag],
		Type:         md[keyType],
		CreatedAt:    createdAt,
		UpdatedAt:    updatedAt,
		Metadata:     memory.DecodeMetadata(md[keyMetadata]),
		Attribution: memory.Attribution{
			DisplayName: md[keyDisplayName],
			UserName:    md[keyUserName],
			UserEmail:   md[keyUserEmail],
			ProjectPath: md[keyProjectPath],
			ProjectName: md[keyProjectName],
			RepoURL:     md[keyRepoURL],
		},
	}
}

// isInsufficientDocs matches chromem's "nResults must be <= the number of
// documents" error.
func isInsufficientDocs(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "nResults must be") || strings.Contains(msg, "number of documents")
}
