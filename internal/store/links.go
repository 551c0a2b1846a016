package store

import (
	"fmt"

	"webintel/internal/logging"
	"webintel/internal/types"
)

// SaveLinks records the outlinks observed on one page in a single
// transaction. Re-observing a link keeps the higher score.
func (s *Store) SaveLinks(links []types.Link) error {
	if len(links) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO links (id, from_page_id, to_url, anchor, score, reason, depth, seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(from_page_id, to_url) DO UPDATE SET
			anchor = CASE WHEN excluded.anchor != '' THEN excluded.anchor ELSE links.anchor END,
			score = MAX(links.score, excluded.score),
			reason = CASE WHEN excluded.reason != '' THEN excluded.reason ELSE links.reason END,
			seen_at = excluded.seen_at`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := range links {
		l := &links[i]
		if l.ID == "" {
			l.ID = types.NewID()
		}
		if _, err := stmt.Exec(l.ID, l.FromPageID, l.ToURL, l.Anchor, l.Score, l.Reason, l.Depth, formatTime(l.SeenAt)); err != nil {
			return fmt.Errorf("failed to save link to %s: %w", l.ToURL, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	logging.StoreDebug("saved %d links from page %s", len(links), links[0].FromPageID)
	return nil
}

// LinksFrom returns the recorded outlinks of a page, best score first.
func (s *Store) LinksFrom(pageID string) ([]types.Link, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, from_page_id, to_url, anchor, score, reason, depth, seen_at
		 FROM links WHERE from_page_id = ? ORDER BY score DESC`, pageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var links []types.Link
	for rows.Next() {
		var l types.Link
		var seenAt string
		if err := rows.Scan(&l.ID, &l.FromPageID, &l.ToURL, &l.Anchor, &l.Score, &l.Reason, &l.Depth, &seenAt); err != nil {
			return nil, err
		}
		l.SeenAt = parseTime(seenAt)
		links = append(links, l)
	}
	return links, rows.Err()
}

// PromotePageLinks upgrades outlinks of a page into page_link graph
// edges for every target URL that now has a page row of its own. Link
// rows stay behind as the raw observation record.
func (s *Store) PromotePageLinks(fromPageID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT l.to_url, p.id, l.score FROM links l
		JOIN pages p ON p.url = l.to_url
		WHERE l.from_page_id = ?`, fromPageID)
	if err != nil {
		return 0, err
	}
	type hit struct {
		toPageID string
		score    float64
	}
	var hits []hit
	for rows.Next() {
		var toURL, toPageID string
		var score float64
		if err := rows.Scan(&toURL, &toPageID, &score); err != nil {
			rows.Close()
			return 0, err
		}
		hits = append(hits, hit{toPageID, score})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	for _, h := range hits {
		rel := &types.Relationship{
			SourceID:   fromPageID,
			TargetID:   h.toPageID,
			Relation:   types.RelPageLink,
			SourceType: types.RecordPage,
			TargetType: types.RecordPage,
			Metadata:   map[string]any{"score": h.score},
		}
		if err := upsertRelationshipTx(tx, rel); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(hits), nil
}
