package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"webintel/internal/logging"
	"webintel/internal/types"
)

// UpsertRelationship inserts a typed edge or, when the (source, target,
// relation) triple already exists, bumps its occurrence count and
// nudges its confidence up. Re-observing an edge strengthens it instead
// of duplicating it.
func (s *Store) UpsertRelationship(rel *types.Relationship) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := upsertRelationshipTx(tx, rel); err != nil {
		return err
	}
	return tx.Commit()
}

func upsertRelationshipTx(tx *sql.Tx, rel *types.Relationship) error {
	var id, metaJSON string
	err := tx.QueryRow(
		`SELECT id, metadata FROM relationships WHERE source_id = ? AND target_id = ? AND relation = ?`,
		rel.SourceID, rel.TargetID, rel.Relation).Scan(&id, &metaJSON)

	switch {
	case err == sql.ErrNoRows:
		if rel.ID == "" {
			rel.ID = types.NewID()
		}
		meta := rel.Metadata
		if meta == nil {
			meta = map[string]any{}
		}
		meta["occurrence_count"] = 1
		mj, merr := json.Marshal(meta)
		if merr != nil {
			return fmt.Errorf("failed to serialize relationship metadata: %w", merr)
		}
		ts := now()
		_, err = tx.Exec(`
			INSERT INTO relationships (id, source_id, target_id, relation, source_type, target_type, metadata, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			rel.ID, rel.SourceID, rel.TargetID, rel.Relation, rel.SourceType, rel.TargetType, string(mj), ts, ts)
		if err != nil {
			return fmt.Errorf("failed to insert relationship: %w", err)
		}
		return nil

	case err != nil:
		return err
	}

	var meta map[string]any
	json.Unmarshal([]byte(metaJSON), &meta)
	if meta == nil {
		meta = map[string]any{}
	}
	count := 1
	if c, ok := meta["occurrence_count"].(float64); ok {
		count = int(c)
	}
	meta["occurrence_count"] = count + 1
	if conf, ok := meta["confidence"].(float64); ok {
		boosted := conf + 0.05
		if boosted > 1.0 {
			boosted = 1.0
		}
		meta["confidence"] = boosted
	}
	// New observation metadata wins over stale keys.
	for k, v := range rel.Metadata {
		if k == "occurrence_count" || k == "confidence" {
			continue
		}
		meta[k] = v
	}
	mj, merr := json.Marshal(meta)
	if merr != nil {
		return fmt.Errorf("failed to serialize relationship metadata: %w", merr)
	}
	_, err = tx.Exec(`UPDATE relationships SET metadata = ?, updated_at = ? WHERE id = ?`, string(mj), now(), id)
	if err != nil {
		return fmt.Errorf("failed to update relationship: %w", err)
	}
	rel.ID = id
	return nil
}

// RelationshipsFor returns all edges touching the given record id,
// optionally narrowed to one relation type.
func (s *Store) RelationshipsFor(recordID, relation string) ([]types.Relationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, source_id, target_id, relation, source_type, target_type, metadata, created_at, updated_at
		FROM relationships WHERE (source_id = ? OR target_id = ?)`
	args := []any{recordID, recordID}
	if relation != "" {
		query += " AND relation = ?"
		args = append(args, relation)
	}
	query += " ORDER BY updated_at DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRelationships(rows)
}

// DeleteRelationship removes an edge by id.
func (s *Store) DeleteRelationship(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`DELETE FROM relationships WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		logging.StoreDebug("deleted relationship %s", id)
	}
	return nil
}

// EntityClusters computes connected components over entity-to-entity
// edges among live entities. Each cluster is a set of entity ids that
// are transitively related; singletons are omitted.
func (s *Store) EntityClusters() ([][]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT r.source_id, r.target_id FROM relationships r
		JOIN entities a ON a.id = r.source_id AND a.merged_into = ''
		JOIN entities b ON b.id = r.target_id AND b.merged_into = ''
		WHERE r.source_type = ? AND r.target_type = ?`,
		types.RecordEntity, types.RecordEntity)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	// Union-find over the edge list.
	parent := make(map[string]string)
	var find func(x string) string
	find = func(x string) string {
		if parent[x] != x {
			parent[x] = find(parent[x])
		}
		return parent[x]
	}
	union := func(a, b string) {
		if _, ok := parent[a]; !ok {
			parent[a] = a
		}
		if _, ok := parent[b]; !ok {
			parent[b] = b
		}
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[ra] = rb
		}
	}

	for rows.Next() {
		var src, tgt string
		if err := rows.Scan(&src, &tgt); err != nil {
			return nil, err
		}
		union(src, tgt)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	groups := make(map[string][]string)
	for node := range parent {
		root := find(node)
		groups[root] = append(groups[root], node)
	}
	var clusters [][]string
	for _, members := range groups {
		if len(members) > 1 {
			clusters = append(clusters, members)
		}
	}
	return clusters, nil
}

func scanRelationships(rows *sql.Rows) ([]types.Relationship, error) {
	var out []types.Relationship
	for rows.Next() {
		var r types.Relationship
		var metaJSON, createdAt, updatedAt string
		if err := rows.Scan(&r.ID, &r.SourceID, &r.TargetID, &r.Relation,
			&r.SourceType, &r.TargetType, &metaJSON, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		json.Unmarshal([]byte(metaJSON), &r.Metadata)
		r.CreatedAt = parseTime(createdAt)
		r.UpdatedAt = parseTime(updatedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}
