package vector

import (
	"context"
	"fmt"

	"webintel/internal/logging"

	"github.com/qdrant/go-client/qdrant"
)

// QdrantIndex backs the vector index with a Qdrant server over gRPC.
// Point ids are UUID strings (Qdrant rejects arbitrary strings), which
// PointID already guarantees.
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
	dims       int
}

// NewQdrantIndex connects to a Qdrant instance.
func NewQdrantIndex(host string, port int, collection string) (*QdrantIndex, error) {
	client, err := qdrant.NewClient(&qdrant.Config{Host: host, Port: port})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}
	return &QdrantIndex{client: client, collection: collection}, nil
}

// EnsureCollection creates the collection with cosine distance if absent.
func (q *QdrantIndex) EnsureCollection(ctx context.Context, dims int) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("failed to check collection: %w", err)
	}
	if !exists {
		err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: q.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(dims),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if err != nil {
			return fmt.Errorf("failed to create collection %q: %w", q.collection, err)
		}
		logging.Vector("created qdrant collection %q dims=%d", q.collection, dims)
	}
	q.dims = dims
	return nil
}

// Upsert inserts or replaces points by id.
func (q *QdrantIndex) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	qpoints := make([]*qdrant.PointStruct, 0, len(points))
	for _, p := range points {
		if q.dims > 0 && len(p.Vector) != q.dims {
			return fmt.Errorf("point %s: dimension mismatch: got %d, want %d", p.ID, len(p.Vector), q.dims)
		}
		qpoints = append(qpoints, &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(p.ID),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: qdrant.NewValueMap(p.Payload),
		})
	}
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Points:         qpoints,
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("qdrant upsert failed: %w", err)
	}
	return nil
}

// Search queries the collection by vector with an optional equality
// filter on payload fields.
func (q *QdrantIndex) Search(ctx context.Context, vec []float32, topK int, filter map[string]any) ([]Hit, error) {
	if topK <= 0 {
		topK = 10
	}
	req := &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQuery(vec...),
		Limit:          qdrant.PtrOf(uint64(topK)),
		WithPayload:    qdrant.NewWithPayload(true),
	}
	if len(filter) > 0 {
		var must []*qdrant.Condition
		for k, v := range filter {
			switch val := v.(type) {
			case string:
				must = append(must, qdrant.NewMatch(k, val))
			case int:
				must = append(must, qdrant.NewMatchInt(k, int64(val)))
			case int64:
				must = append(must, qdrant.NewMatchInt(k, val))
			case bool:
				must = append(must, qdrant.NewMatchBool(k, val))
			default:
				return nil, fmt.Errorf("unsupported filter value type %T for field %s", v, k)
			}
		}
		req.Filter = &qdrant.Filter{Must: must}
	}

	scored, err := q.client.Query(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("qdrant query failed: %w", err)
	}

	hits := make([]Hit, 0, len(scored))
	for _, sp := range scored {
		hit := Hit{Score: float64(sp.GetScore())}
		if id := sp.GetId(); id != nil {
			hit.ID = id.GetUuid()
		}
		if payload := sp.GetPayload(); payload != nil {
			hit.Payload = make(map[string]any, len(payload))
			for k, v := range payload {
				hit.Payload[k] = valueToAny(v)
			}
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

func valueToAny(v *qdrant.Value) any {
	switch kind := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return kind.StringValue
	case *qdrant.Value_IntegerValue:
		return kind.IntegerValue
	case *qdrant.Value_DoubleValue:
		return kind.DoubleValue
	case *qdrant.Value_BoolValue:
		return kind.BoolValue
	case *qdrant.Value_ListValue:
		items := kind.ListValue.GetValues()
		out := make([]any, 0, len(items))
		for _, item := range items {
			out = append(out, valueToAny(item))
		}
		return out
	case *qdrant.Value_StructValue:
		fields := kind.StructValue.GetFields()
		out := make(map[string]any, len(fields))
		for k, item := range fields {
			out[k] = valueToAny(item)
		}
		return out
	default:
		return nil
	}
}

// Close closes the gRPC connection.
func (q *QdrantIndex) Close() error {
	return q.client.Close()
}

var _ Index = (*QdrantIndex)(nil)
