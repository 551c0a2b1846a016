package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"webintel/internal/logging"
	"webintel/internal/types"
)

// Sentinel errors for entity invariant violations.
var (
	ErrEntityNotFound = fmt.Errorf("entity not found")
	ErrSameEntity     = fmt.Errorf("merge source and target are the same entity")
)

// InsertEntity writes a new entity row. canonical is the caller-computed
// canonical name used as the dedup identity key.
func (s *Store) InsertEntity(e *types.Entity, canonical string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID == "" {
		e.ID = types.NewID()
	}
	dataJSON, metaJSON, err := entityJSON(e)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT INTO entities (id, name, canonical_name, kind, data, metadata, merged_into, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Name, canonical, e.Kind, dataJSON, metaJSON, e.MergedInto(), formatTime(e.LastSeen))
	if err != nil {
		return fmt.Errorf("failed to insert entity: %w", err)
	}
	logging.EntityDebug("inserted entity %q kind=%s id=%s", e.Name, e.Kind, e.ID)
	return nil
}

// UpdateEntity rewrites an existing entity row in full.
func (s *Store) UpdateEntity(e *types.Entity, canonical string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateEntityTx(s.db, e, canonical)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func (s *Store) updateEntityTx(db execer, e *types.Entity, canonical string) error {
	dataJSON, metaJSON, err := entityJSON(e)
	if err != nil {
		return err
	}
	res, err := db.Exec(`
		UPDATE entities SET name = ?, canonical_name = ?, kind = ?, data = ?, metadata = ?, merged_into = ?, last_seen = ?
		WHERE id = ?`,
		e.Name, canonical, e.Kind, dataJSON, metaJSON, e.MergedInto(), formatTime(e.LastSeen), e.ID)
	if err != nil {
		return fmt.Errorf("failed to update entity: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrEntityNotFound
	}
	return nil
}

func entityJSON(e *types.Entity) (string, string, error) {
	if e.Data == nil {
		e.Data = map[string]any{}
	}
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	dataJSON, err := json.Marshal(e.Data)
	if err != nil {
		return "", "", fmt.Errorf("failed to serialize entity data: %w", err)
	}
	metaJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		return "", "", fmt.Errorf("failed to serialize entity metadata: %w", err)
	}
	return string(dataJSON), string(metaJSON), nil
}

// GetEntity returns the entity by id, tombstoned or not, or nil.
func (s *Store) GetEntity(id string) (*types.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return scanEntity(s.db.QueryRow(
		`SELECT id, name, kind, data, metadata, last_seen FROM entities WHERE id = ?`, id))
}

// FindLiveEntityByCanonical returns the live (non-tombstoned) entity for
// a canonical name, optionally narrowed by kind. Tombstones are never
// returned; a merged entity is invisible to lookups.
func (s *Store) FindLiveEntityByCanonical(canonical, kind string) (*types.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, name, kind, data, metadata, last_seen FROM entities
		WHERE canonical_name = ? AND merged_into = ''`
	args := []any{canonical}
	if kind != "" {
		query += " AND kind = ?"
		args = append(args, kind)
	}
	query += " LIMIT 1"
	return scanEntity(s.db.QueryRow(query, args...))
}

// ListLiveEntities returns all non-tombstoned entities with their
// canonical names.
func (s *Store) ListLiveEntities() ([]types.Entity, map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, name, canonical_name, kind, data, metadata, last_seen
		 FROM entities WHERE merged_into = '' ORDER BY last_seen DESC`)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var entities []types.Entity
	canonicals := make(map[string]string)
	for rows.Next() {
		var e types.Entity
		var canonical, dataJSON, metaJSON, lastSeen string
		if err := rows.Scan(&e.ID, &e.Name, &canonical, &e.Kind, &dataJSON, &metaJSON, &lastSeen); err != nil {
			return nil, nil, err
		}
		json.Unmarshal([]byte(dataJSON), &e.Data)
		json.Unmarshal([]byte(metaJSON), &e.Metadata)
		e.LastSeen = parseTime(lastSeen)
		entities = append(entities, e)
		canonicals[e.ID] = canonical
	}
	return entities, canonicals, rows.Err()
}

// SearchEntities finds live entities whose name or canonical name
// contains the query substring, optionally narrowed by kind.
func (s *Store) SearchEntities(nameLike, kind string, limit int) ([]types.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id, name, kind, data, metadata, last_seen FROM entities
		WHERE merged_into = '' AND (name LIKE ? OR canonical_name LIKE ?)`
	args := []any{"%" + nameLike + "%", "%" + nameLike + "%"}
	if kind != "" {
		query += " AND kind = ?"
		args = append(args, kind)
	}
	query += " ORDER BY last_seen DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entities []types.Entity
	for rows.Next() {
		var e types.Entity
		var dataJSON, metaJSON, lastSeen string
		if err := rows.Scan(&e.ID, &e.Name, &e.Kind, &dataJSON, &metaJSON, &lastSeen); err != nil {
			return nil, err
		}
		json.Unmarshal([]byte(dataJSON), &e.Data)
		json.Unmarshal([]byte(metaJSON), &e.Metadata)
		e.LastSeen = parseTime(lastSeen)
		entities = append(entities, e)
	}
	return entities, rows.Err()
}

func scanEntity(row *sql.Row) (*types.Entity, error) {
	var e types.Entity
	var dataJSON, metaJSON, lastSeen string
	err := row.Scan(&e.ID, &e.Name, &e.Kind, &dataJSON, &metaJSON, &lastSeen)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(dataJSON), &e.Data)
	json.Unmarshal([]byte(metaJSON), &e.Metadata)
	e.LastSeen = parseTime(lastSeen)
	return &e, nil
}

// ApplyMerge persists a soft merge in one transaction: the survivor row
// is rewritten, the tombstone row is rewritten (marked merged_into),
// and every relationship and intelligence row referencing the tombstone
// is rewired to the survivor. Rewires that would duplicate an existing
// relationship are dropped instead; self-loops are removed.
func (s *Store) ApplyMerge(survivor, tombstone *types.Entity, survivorCanonical, tombstoneCanonical string) error {
	if survivor.ID == tombstone.ID {
		return ErrSameEntity
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := s.updateEntityTx(tx, survivor, survivorCanonical); err != nil {
		return fmt.Errorf("failed to update survivor: %w", err)
	}
	if err := s.updateEntityTx(tx, tombstone, tombstoneCanonical); err != nil {
		return fmt.Errorf("failed to tombstone source: %w", err)
	}

	ts := now()
	src, tgt := tombstone.ID, survivor.ID

	// Drop rewires that would collide with an existing edge, then rewire.
	if _, err := tx.Exec(`
		DELETE FROM relationships WHERE source_id = ? AND EXISTS (
			SELECT 1 FROM relationships r2
			WHERE r2.source_id = ? AND r2.target_id = relationships.target_id
			  AND r2.relation = relationships.relation)`, src, tgt); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`UPDATE relationships SET source_id = ?, updated_at = ? WHERE source_id = ?`, tgt, ts, src); err != nil {
		return err
	}
	if _, err := tx.Exec(`
		DELETE FROM relationships WHERE target_id = ? AND EXISTS (
			SELECT 1 FROM relationships r2
			WHERE r2.target_id = ? AND r2.source_id = relationships.source_id
			  AND r2.relation = relationships.relation)`, src, tgt); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`UPDATE relationships SET target_id = ?, updated_at = ? WHERE target_id = ?`, tgt, ts, src); err != nil {
		return err
	}
	// A merge can collapse an edge into a self-loop; those carry no info.
	if _, err := tx.Exec(
		`DELETE FROM relationships WHERE source_id = ? AND target_id = ?`, tgt, tgt); err != nil {
		return err
	}

	if _, err := tx.Exec(
		`UPDATE intelligence SET entity_id = ? WHERE entity_id = ?`, tgt, src); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	logging.Entity("merged entity %s into %s", src, tgt)
	return nil
}
