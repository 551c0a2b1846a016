package crawl

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"webintel/internal/embedding"
	"webintel/internal/logging"
	"webintel/internal/types"
	"webintel/internal/vector"
)

// PageEmbedder turns a processed page into its semantic views: title,
// description, summary, url, bounded sentence vectors, one vector per
// verified finding and one per derived entity. Point ids are derived
// from (url, kind, ordinal) so re-indexing a page overwrites in place.
type PageEmbedder struct {
	engine       embedding.Engine
	index        vector.Index
	maxSentences int
}

// NewPageEmbedder wires the embedding engine to the vector index.
func NewPageEmbedder(engine embedding.Engine, index vector.Index, maxSentences int) *PageEmbedder {
	if maxSentences <= 0 {
		maxSentences = 40
	}
	return &PageEmbedder{engine: engine, index: index, maxSentences: maxSentences}
}

// view is one text slice of a page awaiting embedding.
type view struct {
	id      string
	text    string
	payload map[string]any
}

// EmbedPage indexes every semantic view of a page plus its findings and
// entities. Returns the number of points written.
func (p *PageEmbedder) EmbedPage(ctx context.Context, page *types.Page, content *types.PageContent,
	summary string, findings []types.Intelligence, entities []types.Entity) (int, error) {

	timer := logging.StartTimer(logging.CategoryVector, "EmbedPage "+page.URL)
	defer timer.Stop()

	var views []view
	add := func(kind, ordinal, text string, extra map[string]any) {
		text = strings.TrimSpace(text)
		if text == "" {
			return
		}
		payload := map[string]any{
			vector.PayloadKind:      kind,
			vector.PayloadURL:       page.URL,
			vector.PayloadText:      truncatePayloadText(text),
			vector.PayloadSQLPageID: page.ID,
		}
		for k, v := range extra {
			payload[k] = v
		}
		views = append(views, view{
			id:      vector.PointID(page.URL, kind, ordinal),
			text:    text,
			payload: payload,
		})
	}

	add(vector.KindPage, "title", content.Metadata["title"], nil)
	desc := content.Metadata["description"]
	if desc == "" {
		desc = content.Metadata["og:description"]
	}
	add(vector.KindPage, "description", desc, nil)
	add(vector.KindPage, "summary", summary, nil)
	add(vector.KindPage, "url", page.URL, nil)

	for i, sentence := range SplitSentences(content.Text, p.maxSentences) {
		add(vector.KindPageSentence, "sentence:"+strconv.Itoa(i), sentence,
			map[string]any{vector.PayloadChunkIndex: i})
	}

	for _, intel := range findings {
		add(vector.KindFinding, "finding:"+intel.ID, findingText(&intel.Finding), map[string]any{
			vector.PayloadEntity:     intel.EntityName,
			vector.PayloadSQLIntelID: intel.ID,
		})
	}
	for _, e := range entities {
		add(vector.KindEntity, "entity:"+e.ID, e.Name, map[string]any{
			vector.PayloadEntity:      e.Name,
			vector.PayloadEntityType:  e.Kind,
			vector.PayloadSQLEntityID: e.ID,
		})
	}

	if len(views) == 0 {
		return 0, nil
	}

	texts := make([]string, len(views))
	for i, v := range views {
		texts[i] = v.text
	}
	vectors, err := p.engine.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("failed to embed page views: %w", err)
	}

	points := make([]vector.Point, len(views))
	for i, v := range views {
		points[i] = vector.Point{ID: v.id, Vector: vectors[i], Payload: v.payload}
	}
	if err := p.index.Upsert(ctx, points); err != nil {
		return 0, err
	}
	logging.VectorDebug("indexed %d views for %s", len(points), page.URL)
	return len(points), nil
}

// UpsertRawPageVector stores the full-text vector used by the
// near-duplicate gate, keyed separately from the retrieval views.
func (p *PageEmbedder) UpsertRawPageVector(ctx context.Context, page *types.Page, vec []float32) error {
	return p.index.Upsert(ctx, []vector.Point{{
		ID:     vector.PointID(page.URL, vector.KindPageRaw, "full"),
		Vector: vec,
		Payload: map[string]any{
			vector.PayloadKind:      vector.KindPageRaw,
			vector.PayloadURL:       page.URL,
			vector.PayloadSQLPageID: page.ID,
		},
	}})
}

// SplitSentences performs a naive sentence split, keeping at most max
// sentences of reasonable length. Good enough for indexing granularity;
// retrieval quality does not hinge on linguistic precision.
func SplitSentences(text string, max int) []string {
	var sentences []string
	var current strings.Builder
	flush := func() {
		s := strings.TrimSpace(current.String())
		current.Reset()
		if len(s) >= 20 {
			sentences = append(sentences, s)
		}
	}
	for _, r := range text {
		current.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			flush()
			if len(sentences) >= max {
				return sentences
			}
		}
	}
	flush()
	if len(sentences) > max {
		sentences = sentences[:max]
	}
	return sentences
}

// findingText renders a finding as a compact text for embedding.
func findingText(f *types.Finding) string {
	var parts []string
	if f.Summary != "" {
		parts = append(parts, f.Summary)
	}
	for k, v := range f.BasicInfo {
		parts = append(parts, fmt.Sprintf("%s: %v", k, v))
	}
	for _, p := range f.Persons {
		parts = append(parts, strings.TrimSpace(p.Name+" "+p.Role+" "+p.Title))
	}
	for _, m := range f.Metrics {
		parts = append(parts, strings.TrimSpace(m.Name+" "+m.Value+" "+m.Unit))
	}
	for _, l := range f.Locations {
		parts = append(parts, l.Name)
	}
	for _, pr := range f.Products {
		parts = append(parts, pr.Name)
	}
	for _, ev := range f.Events {
		parts = append(parts, strings.TrimSpace(ev.Name+" "+ev.Date))
	}
	for _, r := range f.Relationships {
		parts = append(parts, strings.TrimSpace(r.Relation+" "+r.Target))
	}
	return strings.Join(parts, ". ")
}

func truncatePayloadText(s string) string {
	const limit = 500
	if len(s) > limit {
		return s[:limit]
	}
	return s
}
