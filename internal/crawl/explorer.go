package crawl

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"webintel/internal/config"
	"webintel/internal/embedding"
	"webintel/internal/entity"
	"webintel/internal/events"
	"webintel/internal/llm"
	"webintel/internal/logging"
	"webintel/internal/store"
	"webintel/internal/types"
	"webintel/internal/vector"
)

const (
	domainBoostAmount  = 25
	priorContextPrefix = 1200
	maxEmbedChars      = 8000
	maxLLMRankLinks    = 20
)

// Options wires an Explorer run.
type Options struct {
	Profile types.EntityProfile
	Config  config.CrawlConfig
	Store   *store.Store
	Merger  *entity.Merger
	LLM     *llm.Client
	Engine  embedding.Engine
	Index   vector.Index
	Fetcher Fetcher
	Bus     *events.Bus // optional
	Cancel  func() bool // optional cooperative cancel check
}

// Explorer drives the best-first crawl: pop the most promising URL,
// fetch, extract, verify, persist, embed, then enqueue its outlinks.
type Explorer struct {
	opts     Options
	scorer   *Scorer
	embedder *PageEmbedder
	frontier *Frontier
	visited  map[string]bool
	perDom   map[string]int
	explored map[string]*types.Page
}

// NewExplorer builds an explorer for one crawl target. Learned domain
// priors and URL patterns are loaded from the store to seed the scorer.
func NewExplorer(opts Options) (*Explorer, error) {
	if opts.Store == nil || opts.Merger == nil || opts.LLM == nil || opts.Engine == nil || opts.Index == nil {
		return nil, fmt.Errorf("explorer: missing dependency")
	}
	if opts.Fetcher == nil {
		opts.Fetcher = NewHTTPFetcher(opts.Config.FetchTimeout)
	}
	priors, err := opts.Store.AllDomainPriors()
	if err != nil {
		return nil, err
	}
	patterns, err := opts.Store.AllURLPatterns()
	if err != nil {
		return nil, err
	}
	return &Explorer{
		opts:     opts,
		scorer:   NewScorer(opts.Profile, priors, patterns),
		embedder: NewPageEmbedder(opts.Engine, opts.Index, opts.Config.SentenceVectors),
		frontier: NewFrontier(),
		visited:  make(map[string]bool),
		perDom:   make(map[string]int),
		explored: make(map[string]*types.Page),
	}, nil
}

// Scorer exposes the run's scorer, mainly for domain boosts from tests
// and the agent service.
func (e *Explorer) Scorer() *Scorer { return e.scorer }

// Run crawls from the seed URLs until limits are reached. Returns every
// page actually explored, keyed by URL.
func (e *Explorer) Run(ctx context.Context, seeds []string) (map[string]*types.Page, error) {
	timer := logging.StartTimer(logging.CategoryCrawl, "Explorer.Run")
	defer timer.Stop()

	if err := e.opts.Index.EnsureCollection(ctx, e.opts.Engine.Dimensions()); err != nil {
		return nil, err
	}

	limit := e.opts.Config.SeedLimit
	if limit > 0 && len(seeds) > limit {
		seeds = seeds[:limit]
	}
	for _, seed := range seeds {
		score, reason := e.scorer.Score(seed, "", 0)
		logging.CrawlDebug("seed %s score=%.0f (%s)", seed, score, reason)
		e.frontier.Push(Candidate{URL: seed, Score: score, Depth: 0})
	}
	e.publish(events.TypeCrawlStarted, e.opts.Profile.Name, map[string]any{"seeds": len(seeds)})
	logging.Crawl("exploring %q from %d seeds", e.opts.Profile.Name, len(seeds))

	for len(e.explored) < e.opts.Config.MaxTotalPages {
		if err := ctx.Err(); err != nil {
			return e.explored, err
		}
		if e.opts.Cancel != nil && e.opts.Cancel() {
			logging.Crawl("exploration cancelled after %d pages", len(e.explored))
			break
		}
		cand, ok := e.frontier.Pop()
		if !ok {
			break
		}

		norm := NormalizeURL(cand.URL)
		if e.visited[norm] || cand.Depth > e.opts.Config.MaxDepth {
			continue
		}
		domain := domainOf(cand.URL)
		if e.perDom[domain] >= e.opts.Config.MaxPagesPerDomain {
			continue
		}
		e.visited[norm] = true
		e.perDom[domain]++

		if err := e.explorePage(ctx, cand, domain); err != nil {
			if ctx.Err() != nil {
				return e.explored, ctx.Err()
			}
			logging.Crawl("page %s failed: %v", cand.URL, err)
		}
	}

	e.publish(events.TypeCrawlFinished, e.opts.Profile.Name, map[string]any{"pages": len(e.explored)})
	logging.Crawl("exploration of %q done: %d pages", e.opts.Profile.Name, len(e.explored))
	return e.explored, nil
}

func (e *Explorer) explorePage(ctx context.Context, cand Candidate, domain string) error {
	page := &types.Page{
		ID:       types.PageIDForURL(cand.URL),
		URL:      cand.URL,
		Domain:   domain,
		Depth:    cand.Depth,
		Priority: cand.Score,
	}

	rawHTML, err := e.opts.Fetcher.Fetch(ctx, cand.URL)
	if err != nil {
		// A dead link is still knowledge: record the attempt.
		page.FetchStatus = "error"
		page.FetchedAt = time.Now().UTC()
		e.opts.Store.SavePage(page, nil)
		e.explored[cand.URL] = page
		return err
	}

	ex := Extract(rawHTML, cand.URL)
	page.PageType = ex.PageType
	page.FetchStatus = "ok"
	page.FetchedAt = time.Now().UTC()
	page.TextLength = len(ex.Text)

	content := &types.PageContent{
		PageID:   page.ID,
		RawHTML:  rawHTML,
		Text:     ex.Text,
		Metadata: ex.Metadata,
	}

	if ex.Text == "" {
		e.opts.Store.SavePage(page, content)
		e.explored[cand.URL] = page
		return nil
	}

	// Near-duplicate gate: a page whose full text embeds almost on top
	// of an already-indexed one is not worth re-extracting.
	fullVec, err := e.opts.Engine.Embed(ctx, truncateText(ex.Text, maxEmbedChars))
	if err != nil {
		logging.CrawlDebug("embed for dup gate failed on %s: %v", cand.URL, err)
	} else {
		hits, serr := e.opts.Index.Search(ctx, fullVec, 1, map[string]any{vector.PayloadKind: vector.KindPageRaw})
		if serr == nil && len(hits) > 0 && hits[0].Score > e.opts.Config.DuplicateSimilarity &&
			vector.PayloadString(hits[0].Payload, vector.PayloadURL) != cand.URL {
			// Skipped outright: no row persisted, no budget consumed. The
			// URL stays in visited so it is never re-fetched this run.
			e.publish(events.TypePageSkipped, cand.URL, map[string]any{
				"similar_to": vector.PayloadString(hits[0].Payload, vector.PayloadURL),
				"similarity": hits[0].Score,
			})
			logging.CrawlDebug("skipping %s: near-duplicate of %s (%.3f)",
				cand.URL, vector.PayloadString(hits[0].Payload, vector.PayloadURL), hits[0].Score)
			return nil
		}
	}

	if err := e.opts.Store.SavePage(page, content); err != nil {
		return err
	}
	e.explored[cand.URL] = page

	if fullVec != nil {
		if err := e.embedder.UpsertRawPageVector(ctx, page, fullVec); err != nil {
			logging.CrawlDebug("raw vector upsert failed for %s: %v", cand.URL, err)
		}
	}

	known := e.priorContext(ctx, ex.Text)
	summary, err := e.opts.LLM.SummarizePage(ctx, ex.Text)
	if err != nil {
		logging.CrawlDebug("summarize failed for %s: %v", cand.URL, err)
	}

	kept, derived := e.extractAndVerify(ctx, page, ex, known)

	if err := e.embedPage(ctx, page, content, summary, kept, derived); err != nil {
		logging.CrawlDebug("embedding views failed for %s: %v", cand.URL, err)
	}

	if len(kept) > 0 {
		e.scorer.BoostDomain(domain, domainBoostAmount)
		if err := e.opts.Store.BoostDomain(domain, domainBoostAmount); err != nil {
			logging.CrawlDebug("persisting domain boost failed: %v", err)
		}
		e.publish(events.TypeDomainBoosted, domain, map[string]any{"amount": domainBoostAmount})
	}

	e.enqueueOutlinks(ctx, page, ex, summary)
	e.publish(events.TypePageExplored, cand.URL, map[string]any{
		"depth": cand.Depth, "findings": len(kept), "page_type": page.PageType,
	})
	return nil
}

// priorContext retrieves already-known findings about the target so the
// extractor does not re-extract them.
func (e *Explorer) priorContext(ctx context.Context, text string) []string {
	vec, err := e.opts.Engine.Embed(ctx, truncateText(text, priorContextPrefix))
	if err != nil {
		return nil
	}
	hits, err := e.opts.Index.Search(ctx, vec, 5, map[string]any{
		vector.PayloadKind:   vector.KindFinding,
		vector.PayloadEntity: e.opts.Profile.Name,
	})
	if err != nil {
		return nil
	}
	var known []string
	for _, h := range hits {
		if t := vector.PayloadString(h.Payload, vector.PayloadText); t != "" {
			known = append(known, t)
		}
	}
	return known
}

// extractAndVerify runs the extract/reflect pipeline and persists every
// finding that survives the confidence gate, together with its derived
// sub-entities and relations.
func (e *Explorer) extractAndVerify(ctx context.Context, page *types.Page, ex *Extraction, known []string) ([]types.Intelligence, []types.Entity) {
	findings, err := e.opts.LLM.ExtractIntelligence(ctx, e.opts.Profile, ex.Text, page.PageType, page.URL, known)
	if err != nil {
		logging.CrawlDebug("extraction failed for %s: %v", page.URL, err)
		return nil, nil
	}

	primary, _, err := e.opts.Merger.GetOrCreate(e.opts.Profile.Name, e.opts.Profile.Kind, nil)
	if err != nil {
		logging.Crawl("failed to resolve primary entity: %v", err)
		return nil, nil
	}

	var kept []types.Intelligence
	var derived []types.Entity
	for _, finding := range findings {
		verified, confidence, reason, err := e.opts.LLM.ReflectAndVerify(ctx, e.opts.Profile, finding)
		if err != nil {
			logging.CrawlDebug("reflection failed for %s: %v", page.URL, err)
			continue
		}
		if !verified || confidence < e.opts.Config.MinFindingConfidence {
			logging.CrawlDebug("dropping finding from %s: verified=%v confidence=%.0f (%s)",
				page.URL, verified, confidence, reason)
			continue
		}

		intel := types.Intelligence{
			EntityID:   primary.ID,
			EntityName: primary.Name,
			PageID:     page.ID,
			SourceURL:  page.URL,
			Finding:    finding,
			Confidence: confidence,
			CreatedAt:  time.Now().UTC(),
		}
		if err := e.opts.Store.SaveIntelligence(&intel); err != nil {
			logging.Crawl("failed to save intelligence from %s: %v", page.URL, err)
			continue
		}
		kept = append(kept, intel)
		derived = append(derived, e.saveDerivedEntities(primary, &finding)...)
		e.publish(events.TypeIntelSaved, page.URL, map[string]any{"confidence": confidence})
	}
	return kept, derived
}

// saveDerivedEntities upserts the sub-entities a finding mentions and
// wires their relations to the primary entity.
func (e *Explorer) saveDerivedEntities(primary *types.Entity, f *types.Finding) []types.Entity {
	var out []types.Entity
	// fromDerived flips the edge so role relations read derived -> primary
	// ("Jane ceo_of Acme") while attribute relations stay primary -> derived.
	save := func(name, kind string, data map[string]any, relation string, fromDerived bool) {
		if strings.TrimSpace(name) == "" {
			return
		}
		ent, _, err := e.opts.Merger.GetOrCreate(name, kind, data)
		if err != nil {
			logging.EntityDebug("derived entity %q skipped: %v", name, err)
			return
		}
		out = append(out, *ent)
		src, dst := primary.ID, ent.ID
		if fromDerived {
			src, dst = ent.ID, primary.ID
		}
		rel := &types.Relationship{
			SourceID:   src,
			TargetID:   dst,
			Relation:   relation,
			SourceType: types.RecordEntity,
			TargetType: types.RecordEntity,
		}
		if err := e.opts.Store.UpsertRelationship(rel); err != nil {
			logging.EntityDebug("relation %s -> %s skipped: %v", src, dst, err)
		}
	}

	for _, p := range f.Persons {
		kind := "person"
		relation := types.RelRelatedEntity
		fromDerived := false
		switch strings.ToLower(p.Role) {
		case "ceo":
			kind = "ceo"
			relation = types.RelCEOOf
			fromDerived = true
		case "founder", "cto", "chairman":
			kind = strings.ToLower(p.Role)
		}
		save(p.Name, kind, map[string]any{"role": p.Role, "title": p.Title}, relation, fromDerived)
	}
	for _, l := range f.Locations {
		kind := "location"
		if entity.NormalizeKind(l.Kind) == "headquarters" {
			kind = "headquarters"
		}
		relation := types.RelRelatedEntity
		if kind == "headquarters" {
			relation = types.RelHeadquarteredIn
		}
		save(l.Name, kind, nil, relation, false)
	}
	for _, p := range f.Products {
		save(p.Name, "product", map[string]any{"description": p.Description}, types.RelRelatedEntity, false)
	}
	for _, ev := range f.Events {
		save(ev.Name, "event", map[string]any{"date": ev.Date}, types.RelRelatedEntity, false)
	}
	for _, r := range f.Relationships {
		save(r.Target, r.Kind, nil, normalizeRelation(r.Relation), false)
	}
	return out
}

func normalizeRelation(relation string) string {
	r := strings.ToLower(strings.TrimSpace(relation))
	r = strings.ReplaceAll(r, " ", "_")
	if r == "" {
		return types.RelRelatedEntity
	}
	return r
}

func (e *Explorer) embedPage(ctx context.Context, page *types.Page, content *types.PageContent,
	summary string, kept []types.Intelligence, derived []types.Entity) error {
	_, err := e.embedder.EmbedPage(ctx, page, content, summary, kept, derived)
	return err
}

// enqueueOutlinks scores the page's outlinks and pushes the promising
// ones at depth+1. With LLM ranking enabled, the model score competes
// with the heuristic and the higher one wins.
func (e *Explorer) enqueueOutlinks(ctx context.Context, page *types.Page, ex *Extraction, summary string) {
	if len(ex.Outlinks) == 0 {
		return
	}

	nextDepth := page.Depth + 1
	now := time.Now().UTC()

	var candidates []scoredLink
	for _, link := range ex.Outlinks {
		score, reason := e.scorer.Score(link.URL, link.Anchor, nextDepth)
		candidates = append(candidates, scoredLink{link, score, reason})
	}

	var llmScores map[string]float64
	if e.opts.Config.UseLLMLinkRank && nextDepth <= e.opts.Config.MaxDepth {
		llmScores = e.rankWithLLM(ctx, summary, candidates)
	}

	var links []types.Link
	for _, c := range candidates {
		final := c.score
		if ls, ok := llmScores[c.link.URL]; ok && ls > final {
			final = ls
		}
		links = append(links, types.Link{
			FromPageID: page.ID,
			ToURL:      c.link.URL,
			Anchor:     c.link.Anchor,
			Score:      final,
			Reason:     c.reason,
			Depth:      nextDepth,
			SeenAt:     now,
		})
		if nextDepth <= e.opts.Config.MaxDepth && final >= e.opts.Config.ScoreThreshold {
			e.frontier.Push(Candidate{URL: c.link.URL, Anchor: c.link.Anchor, Score: final, Depth: nextDepth})
		}
	}

	if err := e.opts.Store.SaveLinks(links); err != nil {
		logging.CrawlDebug("saving links from %s failed: %v", page.URL, err)
	}
	if _, err := e.opts.Store.PromotePageLinks(page.ID); err != nil {
		logging.CrawlDebug("promoting links from %s failed: %v", page.URL, err)
	}
}

type scoredLink struct {
	link   Outlink
	score  float64
	reason string
}

// rankWithLLM asks the model to score the most promising candidates by
// heuristic order, capped to keep the prompt bounded. Failures degrade
// to heuristic-only scoring.
func (e *Explorer) rankWithLLM(ctx context.Context, pageContext string, candidates []scoredLink) map[string]float64 {
	sorted := make([]scoredLink, len(candidates))
	copy(sorted, candidates)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].score > sorted[j].score })
	if len(sorted) > maxLLMRankLinks {
		sorted = sorted[:maxLLMRankLinks]
	}

	input := make([]llm.LinkCandidate, len(sorted))
	for i, c := range sorted {
		input[i] = llm.LinkCandidate{URL: c.link.URL, Anchor: c.link.Anchor}
	}
	ranked, err := e.opts.LLM.RankLinks(ctx, e.opts.Profile, pageContext, input)
	if err != nil {
		logging.CrawlDebug("llm link ranking failed: %v", err)
		return nil
	}
	scores := make(map[string]float64, len(ranked))
	for _, r := range ranked {
		scores[r.URL] = r.LLMScore
	}
	return scores
}

func (e *Explorer) publish(eventType, subject string, detail map[string]any) {
	if e.opts.Bus != nil {
		e.opts.Bus.Publish(eventType, subject, detail)
	}
}

// NormalizeURL reduces a URL to scheme + host + path with the trailing
// slash stripped. Query strings and fragments are dropped for visited
// tracking only; the original URL is still fetched and stored.
func NormalizeURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	normalized := strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host) + u.Path
	return strings.TrimSuffix(normalized, "/")
}

func domainOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

func truncateText(s string, max int) string {
	if len(s) > max {
		return s[:max]
	}
	return s
}
