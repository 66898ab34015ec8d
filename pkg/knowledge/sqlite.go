package knowledge

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/apiprobe/apiprobe/pkg/embeddings"
)

//go:embed schema.sql
var schemaSQL string

const defaultBusyTimeout = 5 * time.Second

// SQLiteStore is the durable Store implementation: entries live in a sqlite
// file, and a flat in-memory index rebuilt at open time answers searches.
// Writes go through a transaction first and only then into the index, so a
// crash between the two leaves the database authoritative and the index
// merely stale until reopen.
type SQLiteStore struct {
	db       *sql.DB
	embedder embeddings.Provider
	clock    func() time.Time

	mu    sync.RWMutex
	index *flatIndex
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the sqlite file at path and
// loads all entries into the in-memory index.
func NewSQLiteStore(path string, embedder embeddings.Provider, opts ...StoreOption) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	o := applyStoreOptions(opts)

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrap(err, "failed to create sqlite directory")
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open sqlite db")
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{
		db:       db,
		embedder: embedder,
		clock:    o.clock,
		index:    newFlatIndex(),
	}
	if err := s.initialize(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initialize(ctx context.Context) error {
	ms := int(defaultBusyTimeout / time.Millisecond)
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d;", ms)); err != nil {
		return errors.Wrap(err, "failed to set busy_timeout")
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		return errors.Wrap(err, "failed to enable WAL")
	}
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return errors.Wrap(err, "failed to apply schema")
	}
	return s.loadIndex(ctx)
}

// loadIndex reads every row into the flat index.
func (s *SQLiteStore) loadIndex(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_api_path, kind, content, embedding, tags, importance, metadata, created_at
		FROM knowledge_entries`)
	if err != nil {
		return errors.Wrap(err, "failed to load knowledge entries")
	}
	defer func() { _ = rows.Close() }()

	count := 0
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return err
		}
		if err := s.index.add(*entry); err != nil {
			return errors.Wrapf(err, "failed to index entry %s", entry.ID)
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "failed to iterate knowledge entries")
	}
	log.Debug().Int("entries", count).Msg("knowledge index loaded")
	return nil
}

func (s *SQLiteStore) Put(ctx context.Context, entry Entry) (string, error) {
	prepared, err := s.prepare(ctx, entry)
	if err != nil {
		return "", err
	}

	tags, err := json.Marshal(prepared.Tags)
	if err != nil {
		return "", &StoreError{Op: "put", Err: err}
	}
	if prepared.Tags == nil {
		tags = []byte("[]")
	}
	metadata, err := json.Marshal(prepared.Metadata)
	if err != nil {
		return "", &StoreError{Op: "put", Err: err}
	}
	if prepared.Metadata == nil {
		metadata = []byte("{}")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.index.byID[prepared.ID]; exists {
		return "", &StoreError{Op: "put", Err: ErrDuplicateID}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO knowledge_entries
			(id, source_api_path, kind, content, embedding, tags, importance, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		prepared.ID,
		prepared.SourceAPIPath,
		string(prepared.Kind),
		prepared.Content,
		encodeVector(prepared.Embedding),
		string(tags),
		prepared.Importance,
		string(metadata),
		prepared.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", &StoreError{Op: "put", Err: err}
	}
	if err := s.index.add(*prepared); err != nil {
		// The row is durable; the index catches up on reopen.
		return "", &StoreError{Op: "put", Err: err}
	}
	return prepared.ID, nil
}

func (s *SQLiteStore) Search(ctx context.Context, query string, k int, filter *Filter) ([]ScoredEntry, error) {
	if k <= 0 {
		return nil, nil
	}

	s.mu.RLock()
	empty := s.index.len() == 0
	s.mu.RUnlock()
	if empty {
		return nil, ErrEmptyIndex
	}

	queryVec, err := s.embedder.GenerateEmbedding(ctx, query)
	if err != nil {
		return nil, &StoreError{Op: "search", Err: err}
	}
	queryVec = embeddings.Normalize(queryVec)

	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.search(queryVec, k, filter), nil
}

func (s *SQLiteStore) Get(_ context.Context, id string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.index.get(id)
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

func (s *SQLiteStore) List(_ context.Context, filter *Filter) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.list(filter), nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM knowledge_entries WHERE id = ?`, id)
	if err != nil {
		return &StoreError{Op: "delete", Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return &StoreError{Op: "delete", Err: err}
	}
	if affected == 0 {
		return ErrNotFound
	}
	s.index.remove(id)
	return nil
}

func (s *SQLiteStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.len(), nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) prepare(ctx context.Context, entry Entry) (*Entry, error) {
	if err := entry.Validate(); err != nil {
		return nil, &StoreError{Op: "put", Err: err}
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.clock().UTC()
	}
	if len(entry.Embedding) == 0 {
		vec, err := s.embedder.GenerateEmbedding(ctx, entry.Content)
		if err != nil {
			return nil, &StoreError{Op: "put", Err: err}
		}
		entry.Embedding = vec
	}
	entry.Embedding = embeddings.Normalize(entry.Embedding)
	return &entry, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		e         Entry
		kind      string
		blob      []byte
		tags      string
		metadata  string
		createdAt string
	)
	if err := row.Scan(&e.ID, &e.SourceAPIPath, &kind, &e.Content, &blob, &tags, &e.Importance, &metadata, &createdAt); err != nil {
		return nil, errors.Wrap(err, "failed to scan knowledge entry")
	}
	e.Kind = Kind(kind)
	e.Embedding = decodeVector(blob)
	if err := json.Unmarshal([]byte(tags), &e.Tags); err != nil {
		return nil, errors.Wrapf(err, "failed to decode tags for entry %s", e.ID)
	}
	if err := json.Unmarshal([]byte(metadata), &e.Metadata); err != nil {
		return nil, errors.Wrapf(err, "failed to decode metadata for entry %s", e.ID)
	}
	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse created_at for entry %s", e.ID)
	}
	e.CreatedAt = ts
	return &e, nil
}

// encodeVector packs float32s little-endian, 4 bytes each.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(buf []byte) []float32 {
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec
}
