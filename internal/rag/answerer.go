// Package rag answers questions over the crawled knowledge base. It
// retrieves context in up to four phases of increasing cost: local
// hybrid retrieval, thin-snippet expansion, paraphrased retry, and a
// bounded live crawl seeded from web search.
package rag

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"webintel/internal/config"
	"webintel/internal/embedding"
	"webintel/internal/llm"
	"webintel/internal/logging"
	"webintel/internal/store"
	"webintel/internal/types"
	"webintel/internal/vector"
)

const (
	retrievalTopK = 10
	// minSnippetChars is the combined-text floor below which a sentence
	// hit gets expanded with its neighbours.
	minSnippetChars    = 200
	maxExpansionRounds = 3
	liveCrawlSeeds     = 5

	// fallbackAnswer is returned when even the live crawl produced
	// nothing usable.
	fallbackAnswer = "I searched online but still couldn't find a definitive answer."
)

// refusalPhrases mark a synthesized answer as a non-answer even when
// the sufficiency judge waves it through.
var refusalPhrases = []string{
	"i don't know",
	"i do not know",
	"insufficient data",
	"insufficient_data",
	"not enough information",
	"no information available",
	"cannot determine",
	"unable to answer",
	"cannot answer",
}

// ContextHit is one retrieved snippet backing the answer.
type ContextHit struct {
	URL     string  `json:"url,omitempty"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
	Source  string  `json:"source"` // rag (vector) or sql (keyword)
}

// Response is the answer plus its provenance.
type Response struct {
	Answer                string       `json:"answer"`
	Context               []ContextHit `json:"context,omitempty"`
	VectorHits            int          `json:"vector_hits"`
	KeywordHits           int          `json:"keyword_hits"`
	OnlineSearchTriggered bool         `json:"online_search_triggered"`
	RetryAttempted        bool         `json:"retry_attempted"`
	Paraphrases           []string     `json:"paraphrases,omitempty"`
}

// Crawler runs a bounded exploration session for phase 4. The answerer
// does not care how pages get crawled, only that the stores are fresher
// afterwards.
type Crawler interface {
	Crawl(ctx context.Context, seeds []string, maxPages int) error
}

// Answerer is the multi-phase question pipeline.
type Answerer struct {
	cfg    config.ChatConfig
	store  *store.Store
	engine embedding.Engine
	index  vector.Index
	llm    *llm.Client

	// Optional. Without them phase 4 is skipped.
	serp    SERP
	crawler Crawler
}

// NewAnswerer wires the pipeline. serp and crawler may be nil, which
// disables the live-crawl phase.
func NewAnswerer(cfg config.ChatConfig, st *store.Store, engine embedding.Engine, index vector.Index, client *llm.Client, serp SERP, crawler Crawler) *Answerer {
	if cfg.QualityThreshold <= 0 {
		cfg.QualityThreshold = 0.7
	}
	if cfg.MinQualityHits <= 0 {
		cfg.MinQualityHits = 2
	}
	if cfg.MaxCrawlPages <= 0 {
		cfg.MaxCrawlPages = 5
	}
	return &Answerer{cfg: cfg, store: st, engine: engine, index: index, llm: client, serp: serp, crawler: crawler}
}

// Answer runs the phases in order and stops at the first sufficient
// answer. entityScope narrows retrieval and seed queries when the
// caller knows which entity the question is about; "" means unscoped.
func (a *Answerer) Answer(ctx context.Context, question, entityScope string) (*Response, error) {
	resp := &Response{}

	// Phase 1: local hybrid retrieval.
	hits, err := a.retrieve(ctx, question, entityScope)
	if err != nil {
		return nil, err
	}
	resp.Context = hits
	a.countOrigins(resp)

	// Phase 2: expand thin sentence snippets in place.
	a.expandThinSnippets(ctx, resp.Context)

	if answer, ok := a.synthesize(ctx, question, resp.Context); ok {
		resp.Answer = answer
		return resp, nil
	}

	// Phase 3: paraphrased retry when quality hits are scarce.
	if a.qualityHits(resp.Context) < a.cfg.MinQualityHits {
		resp.RetryAttempted = true
		paraphrases, err := a.llm.ParaphraseQuery(ctx, question)
		if err != nil {
			logging.ChatDebug("paraphrase failed: %v", err)
		}
		resp.Paraphrases = paraphrases
		for _, q := range paraphrases {
			more, err := a.retrieve(ctx, q, entityScope)
			if err != nil {
				logging.ChatDebug("retrieval for paraphrase %q failed: %v", q, err)
				continue
			}
			resp.Context = mergeByURL(resp.Context, more)
		}
		a.countOrigins(resp)
		a.expandThinSnippets(ctx, resp.Context)
		if answer, ok := a.synthesize(ctx, question, resp.Context); ok {
			resp.Answer = answer
			return resp, nil
		}
	}

	// Phase 4: live crawl seeded from web search.
	if a.serp != nil && a.crawler != nil {
		resp.OnlineSearchTriggered = true
		if err := a.liveCrawl(ctx, question, entityScope); err != nil {
			logging.Chat("live crawl failed: %v", err)
		} else {
			hits, err := a.retrieve(ctx, question, entityScope)
			if err == nil {
				resp.Context = mergeByURL(resp.Context, hits)
				a.countOrigins(resp)
			}
			if answer, ok := a.synthesize(ctx, question, resp.Context); ok {
				resp.Answer = answer
				return resp, nil
			}
		}
	}

	resp.Answer = fallbackAnswer
	return resp, nil
}

// retrieve is phase 1: vector search plus keyword search over stored
// intelligence, vector hits first.
func (a *Answerer) retrieve(ctx context.Context, question, entityScope string) ([]ContextHit, error) {
	vec, err := a.engine.Embed(ctx, question)
	if err != nil {
		return nil, err
	}
	raw, err := a.index.Search(ctx, vec, retrievalTopK*2, nil)
	if err != nil {
		return nil, err
	}

	var hits []ContextHit
	for _, h := range raw {
		kind := vector.PayloadString(h.Payload, vector.PayloadKind)
		if kind == vector.KindPageRaw {
			continue
		}
		if entityScope != "" {
			ent := vector.PayloadString(h.Payload, vector.PayloadEntity)
			if ent != "" && !strings.EqualFold(ent, entityScope) {
				continue
			}
		}
		hits = append(hits, ContextHit{
			URL:     vector.PayloadString(h.Payload, vector.PayloadURL),
			Snippet: vector.PayloadString(h.Payload, vector.PayloadText),
			Score:   h.Score,
			Source:  "rag",
		})
		if len(hits) >= retrievalTopK {
			break
		}
	}

	for _, word := range keywordTerms(question) {
		intel, err := a.store.SearchIntelByName(word, 5)
		if err != nil {
			continue
		}
		for _, it := range intel {
			hits = append(hits, ContextHit{
				URL:     it.SourceURL,
				Snippet: findingSnippet(it),
				Score:   it.Confidence / 100,
				Source:  "sql",
			})
		}
	}
	return mergeByURL(nil, hits), nil
}

// expandThinSnippets is phase 2: a sentence hit shorter than the floor
// is widened with neighbouring sentences from the same page, growing
// the window each round.
func (a *Answerer) expandThinSnippets(ctx context.Context, hits []ContextHit) {
	for i := range hits {
		h := &hits[i]
		if h.Source != "rag" || h.URL == "" || len(h.Snippet) >= minSnippetChars {
			continue
		}
		sentences := a.pageSentences(ctx, h.URL)
		if len(sentences) == 0 {
			continue
		}
		center := indexOfSnippet(sentences, h.Snippet)
		if center < 0 {
			continue
		}
		combined := h.Snippet
		for round := 1; round <= maxExpansionRounds && len(combined) < minSnippetChars; round++ {
			lo, hi := center-round, center+round
			if lo < 0 {
				lo = 0
			}
			if hi >= len(sentences) {
				hi = len(sentences) - 1
			}
			combined = strings.Join(sentences[lo:hi+1], " ")
			if lo == 0 && hi == len(sentences)-1 {
				break
			}
		}
		h.Snippet = combined
	}
}

// pageSentences returns a page's sentence texts ordered by chunk index.
func (a *Answerer) pageSentences(ctx context.Context, url string) []string {
	vec, err := a.engine.Embed(ctx, url)
	if err != nil {
		return nil
	}
	raw, err := a.index.Search(ctx, vec, 64, map[string]any{
		vector.PayloadKind: vector.KindPageSentence,
		vector.PayloadURL:  url,
	})
	if err != nil {
		return nil
	}
	type indexed struct {
		idx  int
		text string
	}
	var rows []indexed
	for _, h := range raw {
		idx, ok := vector.PayloadInt(h.Payload, vector.PayloadChunkIndex)
		if !ok {
			continue
		}
		rows = append(rows, indexed{idx, vector.PayloadString(h.Payload, vector.PayloadText)})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].idx < rows[j].idx })
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.text
	}
	return out
}

// liveCrawl is phase 4: resolve model-generated queries through the
// SERP adapter, rank the candidates, and crawl the best ones so
// retrieval has fresh material.
func (a *Answerer) liveCrawl(ctx context.Context, question, entityScope string) error {
	queries, err := a.llm.GenerateSeedQueries(ctx, question, entityScope)
	if err != nil || len(queries) == 0 {
		queries = []string{question}
	}

	seen := make(map[string]bool)
	var candidates []llm.SearchCandidate
	for _, q := range queries {
		results, err := a.serp.Search(ctx, q, liveCrawlSeeds)
		if err != nil {
			logging.ChatDebug("serp query %q failed: %v", q, err)
			continue
		}
		for _, r := range results {
			if seen[r.URL] {
				continue
			}
			seen[r.URL] = true
			candidates = append(candidates, llm.SearchCandidate{URL: r.URL, Title: r.Title, Body: r.Snippet})
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	seeds := a.rankSeeds(ctx, question, entityScope, candidates)
	logging.Chat("live crawl: %d seeds for %q", len(seeds), question)
	return a.crawler.Crawl(ctx, seeds, a.cfg.MaxCrawlPages)
}

// rankSeeds asks the model to order the SERP candidates before the
// crawl budget is spent on them. URLs the model invents are discarded;
// ranking failures degrade to SERP order.
func (a *Answerer) rankSeeds(ctx context.Context, question, entityScope string, candidates []llm.SearchCandidate) []string {
	remaining := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		remaining[c.URL] = true
	}

	subject := entityScope
	if subject == "" {
		subject = question
	}
	ranked, err := a.llm.RankSearchResults(ctx, types.EntityProfile{Name: subject, Kind: "entity"}, candidates)
	if err != nil {
		logging.ChatDebug("seed ranking failed: %v", err)
	}

	var seeds []string
	for _, r := range ranked {
		if len(seeds) >= liveCrawlSeeds {
			break
		}
		if remaining[r.URL] {
			seeds = append(seeds, r.URL)
			delete(remaining, r.URL)
		}
	}
	for _, c := range candidates {
		if len(seeds) >= liveCrawlSeeds {
			break
		}
		if remaining[c.URL] {
			seeds = append(seeds, c.URL)
			delete(remaining, c.URL)
		}
	}
	return seeds
}

// synthesize composes an answer and gates it. The sentinel never leaks
// to the caller.
func (a *Answerer) synthesize(ctx context.Context, question string, hits []ContextHit) (string, bool) {
	if len(hits) == 0 {
		return "", false
	}
	snippets := make([]llm.ContextSnippet, len(hits))
	for i, h := range hits {
		snippets[i] = llm.ContextSnippet{URL: h.URL, Text: h.Snippet, Score: h.Score, Source: h.Source}
	}
	answer, err := a.llm.SynthesizeAnswer(ctx, question, snippets)
	if err != nil {
		logging.ChatDebug("synthesis failed: %v", err)
		return "", false
	}
	if !isRealAnswer(answer) {
		return "", false
	}
	sufficient, err := a.llm.EvaluateSufficiency(ctx, question, answer)
	if err != nil {
		logging.ChatDebug("sufficiency check failed: %v", err)
		return "", false
	}
	return answer, sufficient
}

func (a *Answerer) qualityHits(hits []ContextHit) int {
	n := 0
	for _, h := range hits {
		if h.Source == "rag" && h.Score >= a.cfg.QualityThreshold {
			n++
		}
	}
	return n
}

func (a *Answerer) countOrigins(resp *Response) {
	resp.VectorHits, resp.KeywordHits = 0, 0
	for _, h := range resp.Context {
		if h.Source == "rag" {
			resp.VectorHits++
		} else {
			resp.KeywordHits++
		}
	}
}

// isRealAnswer rejects the sentinel, refusal phrasings, and output
// dominated by non-alphanumeric characters.
func isRealAnswer(answer string) bool {
	trimmed := strings.TrimSpace(answer)
	if trimmed == "" || strings.Contains(trimmed, llm.InsufficientData) {
		return false
	}
	lower := strings.ToLower(trimmed)
	for _, phrase := range refusalPhrases {
		if strings.Contains(lower, phrase) {
			return false
		}
	}
	alnum, total := 0, 0
	for _, r := range trimmed {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			alnum++
		}
	}
	return total > 0 && float64(alnum)/float64(total) >= 0.5
}

// mergeByURL merges hit lists, deduplicating by URL and keeping the
// highest-scoring version. Hits without a URL are always kept. Vector
// hits sort ahead of keyword hits at equal scores.
func mergeByURL(base, extra []ContextHit) []ContextHit {
	best := make(map[string]ContextHit)
	var anonymous []ContextHit
	for _, h := range append(append([]ContextHit{}, base...), extra...) {
		if h.URL == "" {
			anonymous = append(anonymous, h)
			continue
		}
		if prev, ok := best[h.URL]; !ok || h.Score > prev.Score {
			best[h.URL] = h
		}
	}
	merged := make([]ContextHit, 0, len(best)+len(anonymous))
	for _, h := range best {
		merged = append(merged, h)
	}
	merged = append(merged, anonymous...)
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Source != merged[j].Source {
			return merged[i].Source == "rag"
		}
		return merged[i].Score > merged[j].Score
	})
	return merged
}

// keywordTerms picks the substantive words of a question for the SQL
// keyword leg of retrieval.
func keywordTerms(question string) []string {
	var terms []string
	seen := make(map[string]bool)
	for _, word := range strings.Fields(question) {
		word = strings.TrimFunc(word, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		if len(word) <= 3 || seen[strings.ToLower(word)] {
			continue
		}
		seen[strings.ToLower(word)] = true
		terms = append(terms, word)
		if len(terms) >= 5 {
			break
		}
	}
	return terms
}

// indexOfSnippet finds which sentence a snippet came from.
func indexOfSnippet(sentences []string, snippet string) int {
	for i, s := range sentences {
		if s == snippet || strings.Contains(s, snippet) || strings.Contains(snippet, s) {
			return i
		}
	}
	return -1
}

// findingSnippet renders a stored finding compactly for context.
func findingSnippet(it types.Intelligence) string {
	f := it.Finding
	var parts []string
	if f.Summary != "" {
		parts = append(parts, f.Summary)
	}
	for k, v := range f.BasicInfo {
		parts = append(parts, fmt.Sprintf("%s %s: %v", it.EntityName, strings.ReplaceAll(k, "_", " "), v))
	}
	for _, p := range f.Persons {
		parts = append(parts, fmt.Sprintf("%s: %s (%s)", it.EntityName, p.Name, p.Role))
	}
	for _, l := range f.Locations {
		parts = append(parts, fmt.Sprintf("%s location: %s", it.EntityName, l.Name))
	}
	if len(parts) == 0 {
		parts = append(parts, it.EntityName)
	}
	return strings.Join(parts, ". ")
}
