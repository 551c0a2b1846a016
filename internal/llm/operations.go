package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"webintel/internal/logging"
	"webintel/internal/types"

	"golang.org/x/sync/errgroup"
)

// LinkCandidate is an outlink offered to the model for ranking.
type LinkCandidate struct {
	URL    string `json:"url"`
	Anchor string `json:"anchor,omitempty"`
}

// RankedLink is a link candidate with the model's score attached.
type RankedLink struct {
	URL      string  `json:"url"`
	Anchor   string  `json:"anchor,omitempty"`
	LLMScore float64 `json:"llm_score"`
}

// SearchCandidate is a SERP result offered to the model for ranking.
type SearchCandidate struct {
	URL   string `json:"href"`
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
}

// RankedSearchResult is a search candidate with rank and officialness
// as judged by the model. Officialness is deliberately LLM-judged; no
// deterministic rule exists for it.
type RankedSearchResult struct {
	URL        string `json:"href"`
	Title      string `json:"title,omitempty"`
	IsOfficial bool   `json:"is_official"`
}

// ContextSnippet is one retrieved piece of context for synthesis.
type ContextSnippet struct {
	URL    string  `json:"url,omitempty"`
	Text   string  `json:"text"`
	Score  float64 `json:"score,omitempty"`
	Source string  `json:"source,omitempty"`
}

const summarizePrompt = `Summarize the following web page text in 3-5 sentences.
Focus on facts: who, what, where, numbers, dates. No preamble.

TEXT:
%s

SUMMARY:`

// SummarizePage produces a 3-5 sentence summary. Long input is split
// into chunks summarized concurrently, then the chunk summaries are
// summarized once more. Safe because summarization is pure per chunk;
// the client's semaphore still serializes the actual model calls.
func (c *Client) SummarizePage(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", nil
	}
	if len(text) <= c.chunkSize {
		return c.generate(ctx, fmt.Sprintf(summarizePrompt, text), false, c.summarizeTimeout)
	}

	chunks := splitChunks(text, c.chunkSize)
	summaries := make([]string, len(chunks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, chunk := range chunks {
		g.Go(func() error {
			s, err := c.generate(gctx, fmt.Sprintf(summarizePrompt, chunk), false, c.summarizeTimeout)
			if err != nil {
				return err
			}
			summaries[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}
	merged := strings.Join(summaries, "\n")
	return c.generate(ctx, fmt.Sprintf(summarizePrompt, merged), false, c.summarizeTimeout)
}

func splitChunks(text string, size int) []string {
	var chunks []string
	for len(text) > size {
		cut := size
		// Prefer a paragraph or sentence boundary near the cut point.
		if idx := strings.LastIndex(text[:size], "\n\n"); idx > size/2 {
			cut = idx
		} else if idx := strings.LastIndex(text[:size], ". "); idx > size/2 {
			cut = idx + 1
		}
		chunks = append(chunks, text[:cut])
		text = text[cut:]
	}
	if strings.TrimSpace(text) != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

const extractPrompt = `You are researching the entity %q (%s). Extract structured intelligence
about this entity from the page text below.

PAGE TYPE: %s
PAGE URL: %s
%s
Return a JSON object with a "findings" array. Each finding is one coherent
fact-cluster with any of these sections (omit empty ones):
  basic_info (object), persons (array of {name, role, title}),
  jobs (array of objects), metrics (array of {name, value, unit, year}),
  locations (array of {name, kind}), financials (array of objects),
  products (array of {name, description}), events (array of {name, date, kind}),
  relationships (array of {target, relation, kind}), summary (string).

Only report facts supported by the text. Do not repeat known facts.

TEXT:
%s

JSON:`

type extractEnvelope struct {
	Findings []types.Finding `json:"findings"`
}

// ExtractIntelligence asks the model for structured findings about the
// profile entity. known carries prior findings so the model does not
// duplicate them. A parse failure yields zero findings and no error at
// the orchestration level; here it surfaces as an error for logging.
func (c *Client) ExtractIntelligence(ctx context.Context, profile types.EntityProfile, text, pageType, url string, known []string) ([]types.Finding, error) {
	knownBlock := ""
	if len(known) > 0 {
		knownBlock = "ALREADY KNOWN (do not repeat):\n- " + strings.Join(known, "\n- ") + "\n"
	}
	prompt := fmt.Sprintf(extractPrompt, profile.Name, profile.Kind, pageType, url, knownBlock, truncate(text, c.chunkSize*2))

	var env extractEnvelope
	if err := c.generateJSON(ctx, prompt, c.extractTimeout, &env); err != nil {
		return nil, err
	}
	findings := env.Findings[:0]
	for _, f := range env.Findings {
		if !f.IsEmpty() {
			findings = append(findings, f)
		}
	}
	logging.LLMDebug("extracted %d findings for %q from %s", len(findings), profile.Name, url)
	return findings, nil
}

const reflectPrompt = `You are verifying a candidate finding about the entity %q (%s).

CANDIDATE FINDING:
%s

Judge whether the finding is plausible, internally consistent and about
the right entity. Return JSON:
{"verified": true|false, "confidence": 0-100, "reason": "..."}

JSON:`

type reflectReply struct {
	Verified   bool    `json:"verified"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// ReflectAndVerify is the second model pass that gates a candidate
// finding before persistence.
func (c *Client) ReflectAndVerify(ctx context.Context, profile types.EntityProfile, finding types.Finding) (bool, float64, string, error) {
	fj, err := json.Marshal(finding)
	if err != nil {
		return false, 0, "", fmt.Errorf("failed to marshal finding: %w", err)
	}
	var reply reflectReply
	if err := c.generateJSON(ctx, fmt.Sprintf(reflectPrompt, profile.Name, profile.Kind, string(fj)), c.reflectTimeout, &reply); err != nil {
		return false, 0, "", err
	}
	if reply.Confidence < 0 {
		reply.Confidence = 0
	}
	if reply.Confidence > 100 {
		reply.Confidence = 100
	}
	return reply.Verified, reply.Confidence, reply.Reason, nil
}

const rankLinksPrompt = `You are crawling the web for intelligence about %q (%s).
Current page context: %s

Score each candidate link 0-100 by how likely it leads to new facts
about the entity. Return JSON: {"links": [{"url": "...", "llm_score": 0-100}]}

CANDIDATES:
%s

JSON:`

type rankLinksReply struct {
	Links []RankedLink `json:"links"`
}

// RankLinks asks the model to score outlink candidates.
func (c *Client) RankLinks(ctx context.Context, profile types.EntityProfile, pageContext string, links []LinkCandidate) ([]RankedLink, error) {
	if len(links) == 0 {
		return nil, nil
	}
	lj, err := json.Marshal(links)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal candidates: %w", err)
	}
	var reply rankLinksReply
	if err := c.generateJSON(ctx, fmt.Sprintf(rankLinksPrompt, profile.Name, profile.Kind, truncate(pageContext, 2000), string(lj)), c.reflectTimeout, &reply); err != nil {
		return nil, err
	}
	for i := range reply.Links {
		if reply.Links[i].LLMScore < 0 {
			reply.Links[i].LLMScore = 0
		}
		if reply.Links[i].LLMScore > 100 {
			reply.Links[i].LLMScore = 100
		}
	}
	return reply.Links, nil
}

const seedQueriesPrompt = `Generate 3 web search queries to answer this question about %q:

QUESTION: %s

Return JSON: {"queries": ["...", "...", "..."]}

JSON:`

type queriesReply struct {
	Queries []string `json:"queries"`
}

// GenerateSeedQueries produces search queries for a live-crawl phase.
func (c *Client) GenerateSeedQueries(ctx context.Context, question, entity string) ([]string, error) {
	var reply queriesReply
	if err := c.generateJSON(ctx, fmt.Sprintf(seedQueriesPrompt, entity, question), c.reflectTimeout, &reply); err != nil {
		return nil, err
	}
	if len(reply.Queries) > 3 {
		reply.Queries = reply.Queries[:3]
	}
	return reply.Queries, nil
}

const rankSearchPrompt = `You are researching %q (%s). Rank these search results by relevance,
best first, and flag which (if any) is the entity's official site.

RESULTS:
%s

Return JSON: {"results": [{"href": "...", "title": "...", "is_official": true|false}]}

JSON:`

type rankSearchReply struct {
	Results []RankedSearchResult `json:"results"`
}

// RankSearchResults orders SERP candidates and flags official domains.
func (c *Client) RankSearchResults(ctx context.Context, profile types.EntityProfile, candidates []SearchCandidate) ([]RankedSearchResult, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	cj, err := json.Marshal(candidates)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal candidates: %w", err)
	}
	var reply rankSearchReply
	if err := c.generateJSON(ctx, fmt.Sprintf(rankSearchPrompt, profile.Name, profile.Kind, string(cj)), c.reflectTimeout, &reply); err != nil {
		return nil, err
	}
	return reply.Results, nil
}

const paraphrasePrompt = `Rewrite this question 3 different ways, preserving its meaning:

QUESTION: %s

Return JSON: {"queries": ["...", "...", "..."]}

JSON:`

// ParaphraseQuery produces 2-3 alternative phrasings of a question.
func (c *Client) ParaphraseQuery(ctx context.Context, question string) ([]string, error) {
	var reply queriesReply
	if err := c.generateJSON(ctx, fmt.Sprintf(paraphrasePrompt, question), c.reflectTimeout, &reply); err != nil {
		return nil, err
	}
	if len(reply.Queries) > 3 {
		reply.Queries = reply.Queries[:3]
	}
	return reply.Queries, nil
}

const synthesizePrompt = `Answer the question using ONLY the context snippets below.
If the context is not enough to answer, reply with exactly: ` + InsufficientData + `

QUESTION: %s

CONTEXT:
%s

ANSWER:`

// SynthesizeAnswer composes a textual answer from retrieved context.
// The reply may be the InsufficientData sentinel; callers must gate it.
func (c *Client) SynthesizeAnswer(ctx context.Context, question string, hits []ContextSnippet) (string, error) {
	var sb strings.Builder
	for i, h := range hits {
		fmt.Fprintf(&sb, "[%d] (%s) %s\n", i+1, h.URL, truncate(h.Text, 1500))
	}
	answer, err := c.generate(ctx, fmt.Sprintf(synthesizePrompt, question, sb.String()), false, c.summarizeTimeout)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(answer), nil
}

const sufficiencyPrompt = `Does this answer actually address the question with concrete facts?

QUESTION: %s
ANSWER: %s

Return JSON: {"sufficient": true|false}

JSON:`

type sufficiencyReply struct {
	Sufficient bool `json:"sufficient"`
}

// EvaluateSufficiency judges whether a candidate answer is good enough
// to return to the user.
func (c *Client) EvaluateSufficiency(ctx context.Context, question, answer string) (bool, error) {
	var reply sufficiencyReply
	if err := c.generateJSON(ctx, fmt.Sprintf(sufficiencyPrompt, question, truncate(answer, 2000)), c.reflectTimeout, &reply); err != nil {
		return false, err
	}
	return reply.Sufficient, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "\n[...truncated...]"
}
