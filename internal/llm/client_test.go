package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webintel/internal/config"
	"webintel/internal/types"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(config.LLMConfig{Endpoint: srv.URL, Model: "test", Retries: 3}), srv
}

func respond(w http.ResponseWriter, response string) {
	json.NewEncoder(w).Encode(map[string]string{"response": response})
}

func TestGenerateWireFormat(t *testing.T) {
	var got generateRequest
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		respond(w, "a summary")
	})

	out, err := client.SummarizePage(context.Background(), "some page text")
	require.NoError(t, err)
	assert.Equal(t, "a summary", out)
	assert.Equal(t, "test", got.Model)
	assert.False(t, got.Stream)
	assert.Empty(t, got.Format, "summarize is a plain-text call")
}

func TestGenerateJSONRetriesOnParseFailure(t *testing.T) {
	var calls int64
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&calls, 1)
		if n < 3 {
			respond(w, "this is not json at all")
		} else {
			respond(w, `{"verified": true, "confidence": 90, "reason": "ok"}`)
		}
	})

	verified, confidence, _, err := client.ReflectAndVerify(context.Background(),
		types.EntityProfile{Name: "Acme", Kind: "company"}, types.Finding{Summary: "x"})
	require.NoError(t, err)
	assert.True(t, verified)
	assert.Equal(t, 90.0, confidence)
	assert.Equal(t, int64(3), atomic.LoadInt64(&calls))
}

func TestGenerateJSONGivesUpAfterBoundedRetries(t *testing.T) {
	var calls int64
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		respond(w, "still not json")
	})

	_, _, _, err := client.ReflectAndVerify(context.Background(),
		types.EntityProfile{Name: "Acme"}, types.Finding{Summary: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unparseable")
	assert.Equal(t, int64(3), atomic.LoadInt64(&calls))
}

func TestGenerateNonOKStatusIsFailure(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	})

	_, err := client.SummarizePage(context.Background(), "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}

func TestReflectClampsConfidence(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		respond(w, `{"verified": true, "confidence": 250, "reason": "overshoot"}`)
	})

	_, confidence, _, err := client.ReflectAndVerify(context.Background(),
		types.EntityProfile{Name: "Acme"}, types.Finding{Summary: "x"})
	require.NoError(t, err)
	assert.Equal(t, 100.0, confidence)
}

func TestExtractIntelligenceDropsEmptyFindings(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		respond(w, `{"findings": [
			{"summary": "Acme makes widgets."},
			{},
			{"persons": [{"name": "Ada Smith", "role": "CEO"}]}
		]}`)
	})

	findings, err := client.ExtractIntelligence(context.Background(),
		types.EntityProfile{Name: "Acme", Kind: "company"}, "page text", "profile", "https://acme.test/", nil)
	require.NoError(t, err)
	assert.Len(t, findings, 2)
}

func TestRankSearchResults(t *testing.T) {
	var got generateRequest
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		respond(w, `{"results": [
			{"href": "https://acme.example/", "title": "Acme Widgets", "is_official": true},
			{"href": "https://news.test/acme", "title": "Acme in the news", "is_official": false}
		]}`)
	})

	ranked, err := client.RankSearchResults(context.Background(),
		types.EntityProfile{Name: "Acme Widgets", Kind: "company"},
		[]SearchCandidate{
			{URL: "https://news.test/acme", Title: "Acme in the news"},
			{URL: "https://acme.example/", Title: "Acme Widgets"},
		})
	require.NoError(t, err)
	assert.Equal(t, "json", got.Format)
	assert.Contains(t, got.Prompt, `"href":"https://acme.example/"`, "candidates are offered as JSON")
	require.Len(t, ranked, 2)
	assert.Equal(t, "https://acme.example/", ranked[0].URL)
	assert.True(t, ranked[0].IsOfficial)
	assert.False(t, ranked[1].IsOfficial)
}

func TestRankSearchResultsEmptyInput(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no call expected for empty candidates")
	})

	ranked, err := client.RankSearchResults(context.Background(), types.EntityProfile{Name: "Acme"}, nil)
	require.NoError(t, err)
	assert.Nil(t, ranked)
}

func TestSummarizeChunksLongInput(t *testing.T) {
	var calls int64
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(&calls, 1)
		respond(w, "chunk summary")
	})
	client.chunkSize = 100

	long := strings.Repeat("This sentence pads the page out to force chunking. ", 10)
	out, err := client.SummarizePage(context.Background(), long)
	require.NoError(t, err)
	assert.Equal(t, "chunk summary", out)
	// N chunk calls plus one merge call.
	assert.Greater(t, atomic.LoadInt64(&calls), int64(2))
}

func TestExtractJSON(t *testing.T) {
	cases := map[string]string{
		`{"a": 1}`:                                   `{"a": 1}`,
		"Here you go:\n```json\n{\"a\": 1}\n```":     `{"a": 1}`,
		"```\n[1, 2]\n```":                           `[1, 2]`,
		`The answer is {"a": {"b": 2}} as requested`: `{"a": {"b": 2}}`,
		"no json here":                               "no json here",
	}
	for in, want := range cases {
		assert.Equal(t, want, extractJSON(in), in)
	}
}
