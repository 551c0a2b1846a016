package crawl

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"webintel/internal/store"
	"webintel/internal/types"
)

func testProfile() types.EntityProfile {
	return types.EntityProfile{
		Name:            "Acme Widgets",
		Kind:            "company",
		OfficialDomains: []string{"acmewidgets.com"},
	}
}

func TestScorerBlacklist(t *testing.T) {
	s := NewScorer(testProfile(), nil, nil)

	for _, u := range []string{
		"mailto:info@acmewidgets.com",
		"tel:+15551234567",
		"javascript:void(0)",
		"https://twitter.com/intent/tweet?url=x",
		"https://example.com/privacy",
		"https://example.com/login",
	} {
		score, reason := s.Score(u, "", 0)
		assert.Zero(t, score, u)
		assert.Contains(t, reason, "blacklisted")
	}
}

func TestScorerNameWordBoost(t *testing.T) {
	s := NewScorer(testProfile(), nil, nil)

	plain, _ := s.Score("https://news.example.com/article", "some article", 0)
	named, reason := s.Score("https://news.example.com/acme-widgets-expands", "", 0)
	assert.Greater(t, named, plain)
	assert.Contains(t, reason, "name word")
}

func TestScorerOfficialDomainClamped(t *testing.T) {
	s := NewScorer(testProfile(), nil, nil)

	score, reason := s.Score("https://www.acmewidgets.com/about", "About Acme Widgets", 0)
	assert.Equal(t, 150.0, score, "official boost must clamp to 150")
	assert.Contains(t, reason, "official domain")

	sub, _ := s.Score("https://investors.acmewidgets.com/", "", 0)
	assert.Equal(t, 150.0, sub, "subdomains of official domains count")
}

func TestScorerDepthPenalty(t *testing.T) {
	s := NewScorer(testProfile(), nil, nil)

	shallow, _ := s.Score("https://example.com/page", "", 0)
	deep, _ := s.Score("https://example.com/page", "", 4)
	assert.Equal(t, shallow-20, deep)
}

func TestScorerTypeKeywordsCapped(t *testing.T) {
	s := NewScorer(testProfile(), nil, nil)

	// company kind: investor, annual report, leadership all present plus
	// one repeated; boost must cap.
	base, _ := s.Score("https://example.com/x", "", 0)
	boosted, _ := s.Score("https://example.com/investor/annual-report-leadership", "investor leadership annual report", 0)
	assert.LessOrEqual(t, boosted-base, float64(typeKeywordCap))
	assert.Greater(t, boosted, base)
}

func TestScorerLearnedPriorsAndBoost(t *testing.T) {
	priors := map[string]store.DomainPrior{
		"goodsource.com": {Domain: "goodsource.com", Weight: 30},
	}
	s := NewScorer(testProfile(), priors, nil)

	with, _ := s.Score("https://goodsource.com/page", "", 1)
	without, _ := s.Score("https://nosource.com/page", "", 1)
	assert.Equal(t, 30.0, with-without)

	s.BoostDomain("nosource.com", 25)
	after, _ := s.Score("https://nosource.com/page", "", 1)
	assert.Equal(t, without+25, after)
}

func TestShouldExplore(t *testing.T) {
	s := NewScorer(testProfile(), nil, nil)
	assert.True(t, s.ShouldExplore("https://acmewidgets.com/", "", 0, 35))
	assert.False(t, s.ShouldExplore("mailto:x@y.z", "", 0, 35))
}

func TestSecondLevelDomainMatch(t *testing.T) {
	profile := types.EntityProfile{Name: "Globex", Kind: "company"}
	s := NewScorer(profile, nil, nil)

	matched, reason := s.Score("https://globex.io/", "", 0)
	// name word (+50) and SLD match (+40) on top of base 40
	assert.Equal(t, 130.0, matched)
	assert.Contains(t, reason, "domain matches name")
}

func TestIsRegistryDomain(t *testing.T) {
	assert.True(t, IsRegistryDomain("www.linkedin.com"))
	assert.True(t, IsRegistryDomain("en.wikipedia.org"))
	assert.False(t, IsRegistryDomain("acmewidgets.com"))
}

func TestNormalizeURL(t *testing.T) {
	cases := map[string]string{
		"https://Example.com/About/":          "https://example.com/About",
		"https://example.com/about?utm=x#top": "https://example.com/about",
		"https://example.com":                 "https://example.com",
		"https://example.com/":                "https://example.com",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeURL(in), in)
	}
}
