package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webintel/internal/config"
	"webintel/internal/llm"
	"webintel/internal/store"
	"webintel/internal/types"
	"webintel/internal/vector"
)

// hashEngine embeds deterministically so identical text yields an
// identical vector.
type hashEngine struct{}

func (hashEngine) Embed(_ context.Context, text string) ([]float32, error) {
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()
	vec := make([]float32, 16)
	var norm float64
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(int64(seed>>32)) / float32(math.MaxInt32)
		norm += float64(vec[i]) * float64(vec[i])
	}
	n := float32(math.Sqrt(norm))
	for i := range vec {
		vec[i] /= n
	}
	return vec, nil
}

func (e hashEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = e.Embed(ctx, t)
	}
	return out, nil
}

func (hashEngine) Dimensions() int { return 16 }
func (hashEngine) Name() string    { return "hash" }

// fakeModel answers by prompt shape. answerText is what synthesis
// returns once any context is present.
func fakeModel(t *testing.T, answerText string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Prompt string `json:"prompt"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		var response string
		switch {
		case strings.Contains(req.Prompt, "Does this answer actually address"):
			response = `{"sufficient": true}`
		case strings.Contains(req.Prompt, "Rewrite this question"):
			response = `{"queries": ["who started the company", "company founders list"]}`
		case strings.Contains(req.Prompt, "web search queries"):
			response = `{"queries": ["acme widgets founder"]}`
		case strings.Contains(req.Prompt, "Rank these search results"):
			// Best candidate first, plus a URL the SERP never returned.
			response = `{"results": [
				{"href": "https://history.test/acme", "title": "Acme history", "is_official": false},
				{"href": "https://invented.test/", "title": "Not a real result", "is_official": false}
			]}`
		case strings.Contains(req.Prompt, "using ONLY the context snippets"):
			if strings.Contains(req.Prompt, "Acme Widgets was founded") {
				response = answerText
			} else {
				response = llm.InsufficientData
			}
		default:
			response = llm.InsufficientData
		}
		json.NewEncoder(w).Encode(map[string]string{"response": response})
	}))
}

type testDeps struct {
	answerer *Answerer
	store    *store.Store
	index    vector.Index
}

func newTestAnswerer(t *testing.T, model *httptest.Server, serp SERP, crawler Crawler) testDeps {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "rag.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	idx, err := vector.NewEmbeddedIndex(filepath.Join(dir, "vectors.db"), "test")
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	require.NoError(t, idx.EnsureCollection(context.Background(), 16))

	client := llm.NewClient(config.LLMConfig{Endpoint: model.URL, Model: "test"})
	a := NewAnswerer(config.ChatConfig{QualityThreshold: 0.7, MinQualityHits: 2, MaxCrawlPages: 5},
		st, hashEngine{}, idx, client, serp, crawler)
	return testDeps{answerer: a, store: st, index: idx}
}

func seedFindingVector(t *testing.T, deps testDeps, url, text string) {
	t.Helper()
	vec, err := hashEngine{}.Embed(context.Background(), text)
	require.NoError(t, err)
	require.NoError(t, deps.index.Upsert(context.Background(), []vector.Point{{
		ID:     vector.PointID(url, vector.KindFinding, text),
		Vector: vec,
		Payload: map[string]any{
			vector.PayloadKind: vector.KindFinding,
			vector.PayloadURL:  url,
			vector.PayloadText: text,
		},
	}}))
}

func TestAnswerFromLocalContext(t *testing.T) {
	model := fakeModel(t, "Acme Widgets was founded by Ada Smith in 1947.")
	defer model.Close()
	deps := newTestAnswerer(t, model, nil, nil)

	question := "Who founded Acme Widgets?"
	// Embedding the question text itself guarantees a similarity-1 hit.
	seedFindingVector(t, deps, "https://acme.test/about", question)
	seedFindingVector(t, deps, "https://acme.test/about", "Acme Widgets was founded by Ada Smith.")

	resp, err := deps.answerer.Answer(context.Background(), question, "")
	require.NoError(t, err)

	assert.Equal(t, "Acme Widgets was founded by Ada Smith in 1947.", resp.Answer)
	assert.False(t, resp.OnlineSearchTriggered)
	assert.NotEmpty(t, resp.Context)
	assert.Greater(t, resp.VectorHits, 0)
	for _, h := range resp.Context {
		assert.Equal(t, "rag", h.Source)
	}
}

func TestAnswerIncludesKeywordHits(t *testing.T) {
	model := fakeModel(t, "Acme Widgets was founded by Ada Smith in 1947.")
	defer model.Close()
	deps := newTestAnswerer(t, model, nil, nil)

	e := &types.Entity{Name: "Acme Widgets", Kind: "company"}
	require.NoError(t, deps.store.InsertEntity(e, "acme widgets"))
	require.NoError(t, deps.store.SaveIntelligence(&types.Intelligence{
		EntityID:   e.ID,
		EntityName: "Acme Widgets",
		SourceURL:  "https://acme.test/",
		Finding:    types.Finding{Summary: "Acme Widgets was founded by Ada Smith."},
		Confidence: 90,
	}))

	resp, err := deps.answerer.Answer(context.Background(), "Who founded Acme Widgets?", "")
	require.NoError(t, err)

	assert.Greater(t, resp.KeywordHits, 0)
	var sawSQL bool
	for _, h := range resp.Context {
		if h.Source == "sql" {
			sawSQL = true
			assert.Contains(t, h.Snippet, "Ada Smith")
		}
	}
	assert.True(t, sawSQL)
}

// fakeSERP returns canned results.
type fakeSERP struct {
	results []SearchResult
	queries []string
}

func (f *fakeSERP) Search(_ context.Context, query string, _ int) ([]SearchResult, error) {
	f.queries = append(f.queries, query)
	return f.results, nil
}

// fakeCrawler simulates a live crawl by indexing fresh content.
type fakeCrawler struct {
	t        *testing.T
	deps     *testDeps
	text     string
	seeds    []string
	maxPages int
}

func (f *fakeCrawler) Crawl(_ context.Context, seeds []string, maxPages int) error {
	f.seeds = seeds
	f.maxPages = maxPages
	for _, url := range seeds {
		seedFindingVector(f.t, *f.deps, url, f.text)
	}
	return nil
}

func TestAnswerEscalatesToLiveCrawl(t *testing.T) {
	model := fakeModel(t, "Acme Widgets was founded by Ada Smith in 1947.")
	defer model.Close()

	serp := &fakeSERP{results: []SearchResult{
		{Title: "Widget directory", URL: "https://directory.test/listing", Snippet: "listing"},
		{Title: "Acme history", URL: "https://history.test/acme", Snippet: "founding story"},
	}}
	deps := newTestAnswerer(t, model, serp, nil)
	crawler := &fakeCrawler{t: t, deps: &deps, text: "Acme Widgets was founded by Ada Smith in Springfield."}
	deps.answerer.crawler = crawler

	resp, err := deps.answerer.Answer(context.Background(), "Who founded Acme Widgets?", "")
	require.NoError(t, err)

	assert.True(t, resp.RetryAttempted, "empty local store forces the paraphrase retry first")
	assert.True(t, resp.OnlineSearchTriggered)
	assert.NotEmpty(t, resp.Paraphrases)
	// Model ranking reorders the SERP candidates, its invented URL is
	// dropped, and unranked candidates fill in behind.
	assert.Equal(t, []string{"https://history.test/acme", "https://directory.test/listing"}, crawler.seeds)
	assert.Equal(t, 5, crawler.maxPages)
	assert.Equal(t, "Acme Widgets was founded by Ada Smith in 1947.", resp.Answer)
	assert.NotContains(t, resp.Answer, llm.InsufficientData)
}

func TestAnswerNeverLeaksSentinel(t *testing.T) {
	model := fakeModel(t, "irrelevant")
	defer model.Close()
	deps := newTestAnswerer(t, model, nil, nil)

	resp, err := deps.answerer.Answer(context.Background(), "Who founded Acme Widgets?", "")
	require.NoError(t, err)

	assert.Equal(t, fallbackAnswer, resp.Answer)
	assert.NotContains(t, resp.Answer, llm.InsufficientData)
	assert.True(t, resp.RetryAttempted)
	assert.False(t, resp.OnlineSearchTriggered, "no serp adapter configured")
}

func TestExpandThinSnippets(t *testing.T) {
	model := fakeModel(t, "whatever")
	defer model.Close()
	deps := newTestAnswerer(t, model, nil, nil)

	url := "https://acme.test/about"
	sentences := []string{
		"Acme Widgets opened its first factory in Springfield in 1947 after the war.",
		"Founded by Ada Smith.",
		"The company grew to twelve hundred employees across three continents by 1990.",
	}
	var points []vector.Point
	for i, s := range sentences {
		vec, err := hashEngine{}.Embed(context.Background(), s)
		require.NoError(t, err)
		points = append(points, vector.Point{
			ID:     vector.PointID(url, vector.KindPageSentence, fmt.Sprint(i)),
			Vector: vec,
			Payload: map[string]any{
				vector.PayloadKind:       vector.KindPageSentence,
				vector.PayloadURL:        url,
				vector.PayloadText:       s,
				vector.PayloadChunkIndex: i,
			},
		})
	}
	require.NoError(t, deps.index.Upsert(context.Background(), points))

	hits := []ContextHit{{URL: url, Snippet: "Founded by Ada Smith.", Score: 0.9, Source: "rag"}}
	deps.answerer.expandThinSnippets(context.Background(), hits)

	assert.Contains(t, hits[0].Snippet, "first factory in Springfield")
	assert.Contains(t, hits[0].Snippet, "Founded by Ada Smith.")
	assert.Contains(t, hits[0].Snippet, "twelve hundred employees")
}

func TestIsRealAnswer(t *testing.T) {
	cases := []struct {
		answer string
		want   bool
	}{
		{"Acme Widgets was founded in 1947.", true},
		{"", false},
		{"   ", false},
		{llm.InsufficientData, false},
		{"Based on the context, " + llm.InsufficientData, false},
		{"I don't know the answer to that.", false},
		{"There is not enough information available.", false},
		{"???!!! --- ###", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, isRealAnswer(c.answer), "%q", c.answer)
	}
}

func TestMergeByURLKeepsHighestScore(t *testing.T) {
	merged := mergeByURL(
		[]ContextHit{
			{URL: "https://a.test/", Snippet: "old", Score: 0.5, Source: "rag"},
			{Snippet: "no url", Score: 0.4, Source: "sql"},
		},
		[]ContextHit{
			{URL: "https://a.test/", Snippet: "new", Score: 0.8, Source: "rag"},
			{URL: "https://b.test/", Snippet: "other", Score: 0.6, Source: "sql"},
		},
	)

	require.Len(t, merged, 3)
	assert.Equal(t, "https://a.test/", merged[0].URL)
	assert.Equal(t, "new", merged[0].Snippet, "highest-scoring duplicate wins")
	assert.Equal(t, "rag", merged[0].Source)
}

func TestKeywordTerms(t *testing.T) {
	terms := keywordTerms("Who founded Acme Widgets, and when?")
	assert.Equal(t, []string{"founded", "Acme", "Widgets", "when"}, terms)

	assert.Empty(t, keywordTerms("who is it"))
}
