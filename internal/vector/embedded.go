package vector

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"webintel/internal/embedding"
	"webintel/internal/logging"

	_ "modernc.org/sqlite"
)

// EmbeddedIndex is a SQLite-backed vector index. Vectors are stored as
// JSON and searched by brute-force cosine similarity. Fine for the
// collection sizes a single crawl database reaches; swap in Qdrant when
// it is not.
type EmbeddedIndex struct {
	db         *sql.DB
	mu         sync.RWMutex
	collection string
	dims       int
}

// NewEmbeddedIndex opens (or creates) an embedded index at path.
func NewEmbeddedIndex(path, collection string) (*EmbeddedIndex, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open vector database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.VectorDebug("failed to set journal_mode=WAL: %v", err)
	}
	return &EmbeddedIndex{db: db, collection: collection}, nil
}

// EnsureCollection creates the points table and records the dimension.
func (e *EmbeddedIndex) EnsureCollection(ctx context.Context, dims int) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	schema := `
	CREATE TABLE IF NOT EXISTS collections (
		name TEXT PRIMARY KEY,
		dims INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS points (
		id TEXT NOT NULL,
		collection TEXT NOT NULL,
		embedding TEXT NOT NULL,
		payload TEXT,
		PRIMARY KEY (id, collection)
	);
	CREATE INDEX IF NOT EXISTS idx_points_collection ON points(collection);
	`
	if _, err := e.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create vector schema: %w", err)
	}

	var existing int
	err := e.db.QueryRowContext(ctx, "SELECT dims FROM collections WHERE name = ?", e.collection).Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
		if _, err := e.db.ExecContext(ctx, "INSERT INTO collections (name, dims) VALUES (?, ?)", e.collection, dims); err != nil {
			return fmt.Errorf("failed to register collection: %w", err)
		}
		logging.Vector("created collection %q dims=%d", e.collection, dims)
	case err != nil:
		return err
	case existing != dims:
		return fmt.Errorf("collection %q has dims=%d, requested %d", e.collection, existing, dims)
	}
	e.dims = dims
	return nil
}

// Upsert inserts or replaces points by id.
func (e *EmbeddedIndex) Upsert(ctx context.Context, points []Point) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT OR REPLACE INTO points (id, collection, embedding, payload) VALUES (?, ?, ?, ?)")
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, p := range points {
		if e.dims > 0 && len(p.Vector) != e.dims {
			return fmt.Errorf("point %s: dimension mismatch: got %d, want %d", p.ID, len(p.Vector), e.dims)
		}
		embJSON, err := json.Marshal(p.Vector)
		if err != nil {
			return fmt.Errorf("failed to serialize embedding: %w", err)
		}
		payloadJSON, err := json.Marshal(p.Payload)
		if err != nil {
			return fmt.Errorf("failed to serialize payload: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, p.ID, e.collection, string(embJSON), string(payloadJSON)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Search scans the collection and ranks by cosine similarity.
func (e *EmbeddedIndex) Search(ctx context.Context, vec []float32, topK int, filter map[string]any) ([]Hit, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if topK <= 0 {
		topK = 10
	}

	rows, err := e.db.QueryContext(ctx,
		"SELECT id, embedding, payload FROM points WHERE collection = ?", e.collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var id, embJSON, payloadJSON string
		if err := rows.Scan(&id, &embJSON, &payloadJSON); err != nil {
			continue
		}
		var stored []float32
		if err := json.Unmarshal([]byte(embJSON), &stored); err != nil {
			continue
		}
		var payload map[string]any
		if payloadJSON != "" {
			json.Unmarshal([]byte(payloadJSON), &payload)
		}
		if !matchesFilter(payload, filter) {
			continue
		}
		score, err := embedding.CosineSimilarity(vec, stored)
		if err != nil {
			continue
		}
		hits = append(hits, Hit{ID: id, Score: score, Payload: payload})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func matchesFilter(payload, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := payload[k]
		if !ok {
			return false
		}
		// JSON decoding turns ints into float64; compare via strings of
		// the formatted values to sidestep numeric type drift.
		if fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}

// Close closes the underlying database.
func (e *EmbeddedIndex) Close() error {
	return e.db.Close()
}

var _ Index = (*EmbeddedIndex)(nil)
