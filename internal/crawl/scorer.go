package crawl

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"webintel/internal/entity"
	"webintel/internal/store"
	"webintel/internal/types"
)

// blacklistSchemes never get a score.
var blacklistSchemes = map[string]bool{
	"mailto": true, "tel": true, "javascript": true,
}

// blacklistFragments mark share widgets and chrome routes that carry no
// intelligence.
var blacklistFragments = []string{
	"/sharer", "/share?", "share=", "/intent/tweet",
	"/privacy", "/login", "/signin", "/signup", "/terms", "/cookie",
	"utm_source=share",
}

// registryDomains are known aggregators: useful, but never treated as
// the entity's own site.
var registryDomains = []string{
	"opencorporates.com", "linkedin.com", "wikipedia.org",
	"crunchbase.com", "bloomberg.com", "reuters.com",
	"news.google.com", "finance.yahoo.com",
}

// typeKeywords boost links whose text suggests content matching the
// target entity's kind.
var typeKeywords = map[string][]string{
	"news":    {"breaking", "latest"},
	"person":  {"bio", "profile"},
	"org":     {"investor", "annual report", "leadership"},
	"company": {"investor", "annual report", "leadership"},
}

const typeKeywordCap = 60

// Scorer turns (url, anchor, depth) into a crawl priority. Deterministic
// given its profile and learned priors; BoostDomain mutates the priors
// at runtime as high-value domains prove themselves.
type Scorer struct {
	profile       types.EntityProfile
	nameWords     []string
	canonicalName string
	domainPriors  map[string]store.DomainPrior
	urlPatterns   map[string]*regexp.Regexp
	patternWeight map[string]float64
}

// NewScorer builds a scorer for a crawl target. priors and patterns come
// from the store's learned tables; either may be nil.
func NewScorer(profile types.EntityProfile, priors map[string]store.DomainPrior, patterns map[string]float64) *Scorer {
	s := &Scorer{
		profile:       profile,
		canonicalName: strings.ReplaceAll(entity.Canonical(profile.Name), " ", ""),
		domainPriors:  priors,
		urlPatterns:   make(map[string]*regexp.Regexp),
		patternWeight: patterns,
	}
	if s.domainPriors == nil {
		s.domainPriors = make(map[string]store.DomainPrior)
	}
	for _, source := range append([]string{profile.Name}, profile.Aliases...) {
		for _, w := range strings.Fields(strings.ToLower(source)) {
			if len(w) > 3 {
				s.nameWords = append(s.nameWords, w)
			}
		}
	}
	for pattern := range patterns {
		if re, err := regexp.Compile(pattern); err == nil {
			s.urlPatterns[pattern] = re
		}
	}
	return s
}

// Score computes the priority of a candidate URL in [0, 150] plus a
// human-readable reason trail.
func (s *Scorer) Score(rawURL, anchor string, depth int) (float64, string) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, "unparseable url"
	}
	lowered := strings.ToLower(rawURL)
	if blacklistSchemes[u.Scheme] {
		return 0, "blacklisted scheme"
	}
	for _, frag := range blacklistFragments {
		if strings.Contains(lowered, frag) {
			return 0, "blacklisted route"
		}
	}

	score := 40.0
	reasons := []string{"base"}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	anchorLower := strings.ToLower(anchor)

	seen := make(map[string]bool)
	for _, w := range s.nameWords {
		if seen[w] {
			continue
		}
		if strings.Contains(lowered, w) || strings.Contains(anchorLower, w) {
			seen[w] = true
			score += 50
			reasons = append(reasons, "name word "+w)
		}
	}
	if s.canonicalName != "" && secondLevelDomain(host) == s.canonicalName {
		score += 40
		reasons = append(reasons, "domain matches name")
	}

	kindBoost := 0.0
	for _, kw := range typeKeywords[entity.NormalizeKind(s.profile.Kind)] {
		if strings.Contains(lowered, kw) || strings.Contains(anchorLower, kw) {
			kindBoost += 20
		}
	}
	if kindBoost > typeKeywordCap {
		kindBoost = typeKeywordCap
	}
	if kindBoost > 0 {
		score += kindBoost
		reasons = append(reasons, "type keywords")
	}

	if prior, ok := s.domainPriors[host]; ok && prior.Weight != 0 {
		score += prior.Weight
		reasons = append(reasons, fmt.Sprintf("domain prior %+.0f", prior.Weight))
	}
	for pattern, re := range s.urlPatterns {
		if re.MatchString(rawURL) {
			score += s.patternWeight[pattern]
			reasons = append(reasons, "url pattern "+pattern)
		}
	}

	if depth > 0 {
		score -= 5 * float64(depth)
		reasons = append(reasons, fmt.Sprintf("depth -%d", 5*depth))
	}

	if s.isOfficialDomain(host) {
		score += 150
		reasons = append(reasons, "official domain")
	}

	if score < 0 {
		score = 0
	}
	if score > 150 {
		score = 150
	}
	return score, strings.Join(reasons, ", ")
}

// ShouldExplore reports whether a candidate clears the crawl threshold.
func (s *Scorer) ShouldExplore(rawURL, anchor string, depth int, threshold float64) bool {
	score, _ := s.Score(rawURL, anchor, depth)
	return score >= threshold
}

// BoostDomain raises a domain's prior for the rest of this run. The
// caller persists the boost separately.
func (s *Scorer) BoostDomain(domain string, amount float64) {
	domain = strings.TrimPrefix(strings.ToLower(domain), "www.")
	prior := s.domainPriors[domain]
	prior.Domain = domain
	prior.Weight += amount
	s.domainPriors[domain] = prior
}

func (s *Scorer) isOfficialDomain(host string) bool {
	for _, d := range s.profile.OfficialDomains {
		d = strings.TrimPrefix(strings.ToLower(d), "www.")
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// IsRegistryDomain reports whether a host is a known aggregator. Such
// domains are crawlable but never promoted to official.
func IsRegistryDomain(host string) bool {
	host = strings.TrimPrefix(strings.ToLower(host), "www.")
	for _, d := range registryDomains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

func secondLevelDomain(host string) string {
	parts := strings.Split(host, ".")
	if len(parts) < 2 {
		return host
	}
	return parts[len(parts)-2]
}
