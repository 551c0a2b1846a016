package store

import (
	"encoding/json"
	"fmt"

	"webintel/internal/logging"
	"webintel/internal/types"
)

// SaveIntelligence writes a finding and its graph edges in one
// transaction: the intel row, an entity->intel has_intel edge and a
// page->entity mentions_entity edge. Edges are idempotent upserts, so
// refetching a page never produces duplicates.
func (s *Store) SaveIntelligence(intel *types.Intelligence) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if intel.ID == "" {
		intel.ID = types.NewID()
	}
	findingJSON, err := json.Marshal(intel.Finding)
	if err != nil {
		return fmt.Errorf("failed to serialize finding: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO intelligence (id, entity_id, entity_name, page_id, source_url, finding, confidence, tombstoned, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		intel.ID, intel.EntityID, intel.EntityName, intel.PageID, intel.SourceURL,
		string(findingJSON), intel.Confidence, formatTime(intel.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to save intelligence: %w", err)
	}

	if err := upsertRelationshipTx(tx, &types.Relationship{
		SourceID:   intel.EntityID,
		TargetID:   intel.ID,
		Relation:   types.RelHasIntel,
		SourceType: types.RecordEntity,
		TargetType: types.RecordIntel,
	}); err != nil {
		return fmt.Errorf("failed to link entity to intel: %w", err)
	}
	if intel.PageID != "" {
		if err := upsertRelationshipTx(tx, &types.Relationship{
			SourceID:   intel.PageID,
			TargetID:   intel.EntityID,
			Relation:   types.RelMentionsEntity,
			SourceType: types.RecordPage,
			TargetType: types.RecordEntity,
		}); err != nil {
			return fmt.Errorf("failed to link page to entity: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	logging.StoreDebug("saved intelligence %s for entity %q from %s", intel.ID, intel.EntityName, intel.SourceURL)
	return nil
}

// GetIntelligence returns an intel row by id, or nil.
func (s *Store) GetIntelligence(id string) (*types.Intelligence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, entity_id, entity_name, page_id, source_url, finding, confidence, created_at
		 FROM intelligence WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	intel, err := scanIntel(rows)
	if err != nil || len(intel) == 0 {
		return nil, err
	}
	return &intel[0], nil
}

// IntelForEntity returns live findings for an entity, newest first.
func (s *Store) IntelForEntity(entityID string, limit int) ([]types.Intelligence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, entity_id, entity_name, page_id, source_url, finding, confidence, created_at
		 FROM intelligence WHERE entity_id = ? AND tombstoned = 0
		 ORDER BY created_at DESC LIMIT ?`, entityID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIntel(rows)
}

// SearchIntelByName returns live findings whose entity name contains the
// query, for keyword-side retrieval.
func (s *Store) SearchIntelByName(nameLike string, limit int) ([]types.Intelligence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`SELECT id, entity_id, entity_name, page_id, source_url, finding, confidence, created_at
		 FROM intelligence WHERE tombstoned = 0 AND (entity_name LIKE ? OR finding LIKE ?)
		 ORDER BY confidence DESC, created_at DESC LIMIT ?`,
		"%"+nameLike+"%", "%"+nameLike+"%", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanIntel(rows)
}

// TombstoneIntelForPage retires all findings sourced from a page. Used
// before re-extracting a refreshed page so stale facts stop surfacing
// without losing provenance.
func (s *Store) TombstoneIntelForPage(pageID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`UPDATE intelligence SET tombstoned = 1 WHERE page_id = ?`, pageID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.StoreDebug("tombstoned %d intel rows for page %s", n, pageID)
	}
	return n, nil
}

type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanIntel(rows rowScanner) ([]types.Intelligence, error) {
	var out []types.Intelligence
	for rows.Next() {
		var i types.Intelligence
		var findingJSON, createdAt string
		if err := rows.Scan(&i.ID, &i.EntityID, &i.EntityName, &i.PageID, &i.SourceURL,
			&findingJSON, &i.Confidence, &createdAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(findingJSON), &i.Finding); err != nil {
			return nil, fmt.Errorf("corrupt finding %s: %w", i.ID, err)
		}
		i.CreatedAt = parseTime(createdAt)
		out = append(out, i)
	}
	return out, rows.Err()
}
