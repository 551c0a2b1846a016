// Package vector abstracts the dense-vector index. Two implementations
// are provided: a Qdrant-backed index for deployments and an embedded
// SQLite index that needs no external service. Both store payloads that
// cross-reference the relational rows of their subject, so a semantic
// hit can always be hydrated symbolically.
package vector

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// Payload keys every point carries. kind tells what the vector
// represents; the sql_* ids point back into the relational store.
const (
	PayloadKind        = "kind"
	PayloadURL         = "url"
	PayloadEntity      = "entity"
	PayloadEntityType  = "entity_type"
	PayloadText        = "text"
	PayloadChunkIndex  = "chunk_index"
	PayloadSQLPageID   = "sql_page_id"
	PayloadSQLIntelID  = "sql_intel_id"
	PayloadSQLEntityID = "sql_entity_id"
)

// Vector kinds. page_raw is the full-page vector used only for
// near-duplicate detection and is excluded from retrieval searches.
const (
	KindPage         = "page"
	KindPageRaw      = "page_raw"
	KindPageSentence = "page_sentence"
	KindFinding      = "finding"
	KindEntity       = "entity"
)

// Point is one vector with its payload. ID must be a UUID string.
type Point struct {
	ID      string
	Vector  []float32
	Payload map[string]any
}

// Hit is a search result ordered by cosine similarity.
type Hit struct {
	ID      string
	Score   float64
	Payload map[string]any
}

// Index is the vector index contract.
type Index interface {
	// EnsureCollection creates the collection with the given dimension
	// and cosine distance if it does not exist yet.
	EnsureCollection(ctx context.Context, dims int) error

	// Upsert inserts or replaces points by id.
	Upsert(ctx context.Context, points []Point) error

	// Search returns the topK nearest points by cosine similarity,
	// honoring an optional equality filter over payload fields.
	Search(ctx context.Context, vec []float32, topK int, filter map[string]any) ([]Hit, error)

	// Close releases the underlying connection.
	Close() error
}

// PointID derives a deterministic UUID from the given parts (UUID5 over
// the URL namespace). The same page/kind/ordinal always maps to the
// same point, which makes re-indexing idempotent.
func PointID(parts ...string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(strings.Join(parts, "|"))).String()
}

// PayloadString reads a string field from a payload, tolerating absence.
func PayloadString(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}

// PayloadInt reads an integer field from a payload. JSON round-trips
// deliver float64; Qdrant delivers int64.
func PayloadInt(payload map[string]any, key string) (int, bool) {
	switch v := payload[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}
