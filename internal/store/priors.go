package store

import (
	"database/sql"

	"webintel/internal/logging"
)

// DomainPrior is the learned scoring weight for a domain.
type DomainPrior struct {
	Domain   string
	Weight   float64
	Official bool
}

// GetDomainPrior returns the learned prior for a domain, zero-valued
// when the domain has never been boosted.
func (s *Store) GetDomainPrior(domain string) (DomainPrior, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p := DomainPrior{Domain: domain}
	var official int
	err := s.db.QueryRow(
		`SELECT weight, official FROM domain_priors WHERE domain = ?`, domain).Scan(&p.Weight, &official)
	if err == sql.ErrNoRows {
		return p, nil
	}
	if err != nil {
		return p, err
	}
	p.Official = official == 1
	return p, nil
}

// AllDomainPriors loads every learned domain prior, for scorer warmup.
func (s *Store) AllDomainPriors() (map[string]DomainPrior, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT domain, weight, official FROM domain_priors`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	priors := make(map[string]DomainPrior)
	for rows.Next() {
		var p DomainPrior
		var official int
		if err := rows.Scan(&p.Domain, &p.Weight, &official); err != nil {
			return nil, err
		}
		p.Official = official == 1
		priors[p.Domain] = p
	}
	return priors, rows.Err()
}

// BoostDomain adds delta to a domain's learned weight. A domain that
// repeatedly yields verified intel accumulates weight across crawls.
func (s *Store) BoostDomain(domain string, delta float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO domain_priors (domain, weight, official, updated_at) VALUES (?, ?, 0, ?)
		ON CONFLICT(domain) DO UPDATE SET
			weight = domain_priors.weight + excluded.weight,
			updated_at = excluded.updated_at`,
		domain, delta, now())
	if err == nil {
		logging.CrawlDebug("boosted domain %s by %.1f", domain, delta)
	}
	return err
}

// MarkDomainOfficial records that a domain was confirmed as the subject
// entity's own web presence.
func (s *Store) MarkDomainOfficial(domain string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO domain_priors (domain, weight, official, updated_at) VALUES (?, 0, 1, ?)
		ON CONFLICT(domain) DO UPDATE SET official = 1, updated_at = excluded.updated_at`,
		domain, now())
	return err
}

// BoostURLPattern adds delta to a learned URL path pattern weight
// (e.g. "/about", "/team").
func (s *Store) BoostURLPattern(pattern string, delta float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO url_patterns (pattern, weight, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(pattern) DO UPDATE SET
			weight = url_patterns.weight + excluded.weight,
			updated_at = excluded.updated_at`,
		pattern, delta, now())
	return err
}

// AllURLPatterns loads every learned URL pattern weight.
func (s *Store) AllURLPatterns() (map[string]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT pattern, weight FROM url_patterns`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	patterns := make(map[string]float64)
	for rows.Next() {
		var pattern string
		var weight float64
		if err := rows.Scan(&pattern, &weight); err != nil {
			return nil, err
		}
		patterns[pattern] = weight
	}
	return patterns, rows.Err()
}
