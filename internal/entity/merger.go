package entity

import (
	"context"
	"fmt"
	"time"

	"webintel/internal/embedding"
	"webintel/internal/logging"
	"webintel/internal/store"
	"webintel/internal/types"
)

// Merger resolves entity identity against the store. All entity writes
// flow through it so the (canonical name, kind) invariant holds.
type Merger struct {
	store     *store.Store
	embedder  embedding.Engine // nil disables semantic dedup
	threshold float64
}

// NewMerger creates a merger. embedder may be nil; threshold is the
// cosine similarity above which two entity names count as the same.
func NewMerger(st *store.Store, embedder embedding.Engine, threshold float64) *Merger {
	return &Merger{store: st, embedder: embedder, threshold: threshold}
}

// GetOrCreate finds the live entity for (name, kind) or creates one.
// On a hit, incoming data fills empty fields only, and a more specific
// incoming kind promotes the stored one with a type-history entry.
// Returns the entity and whether it was created.
func (m *Merger) GetOrCreate(name, kind string, data map[string]any) (*types.Entity, bool, error) {
	canonical := Canonical(name)
	if canonical == "" {
		return nil, false, fmt.Errorf("entity name %q canonicalizes to nothing", name)
	}
	kind = NormalizeKind(kind)

	existing, err := m.findCompatible(canonical, kind)
	if err != nil {
		return nil, false, err
	}

	if existing == nil {
		e := &types.Entity{
			Name:     name,
			Kind:     kind,
			Data:     data,
			Metadata: map[string]any{},
			LastSeen: time.Now().UTC(),
		}
		if err := m.store.InsertEntity(e, canonical); err != nil {
			return nil, false, err
		}
		return e, true, nil
	}

	mergeData(existing, data)
	if SpecificityRank(kind) > SpecificityRank(existing.Kind) {
		appendHistory(existing, "type_history", map[string]any{
			"from":   existing.Kind,
			"to":     kind,
			"at":     time.Now().UTC().Format(time.RFC3339),
			"reason": "more specific kind observed",
		})
		logging.Entity("promoting %q kind %s -> %s", existing.Name, existing.Kind, kind)
		existing.Kind = kind
	}
	existing.LastSeen = time.Now().UTC()
	if err := m.store.UpdateEntity(existing, Canonical(existing.Name)); err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// findCompatible returns a live entity with the canonical name whose
// kind is compatible with the incoming one, exact kind preferred.
func (m *Merger) findCompatible(canonical, kind string) (*types.Entity, error) {
	if e, err := m.store.FindLiveEntityByCanonical(canonical, kind); err != nil || e != nil {
		return e, err
	}
	candidates, err := m.store.SearchEntities(canonical, "", 10)
	if err != nil {
		return nil, err
	}
	for i := range candidates {
		c := &candidates[i]
		if Canonical(c.Name) == canonical && KindsCompatible(c.Kind, kind) {
			return c, nil
		}
	}
	return nil, nil
}

// Merge soft-merges source into target. The survivor is re-selected by
// (kind specificity, data richness, name length), so callers may pass
// the pair in either order. Returns the survivor id.
func (m *Merger) Merge(sourceID, targetID, reason string) (string, error) {
	if sourceID == targetID {
		return "", store.ErrSameEntity
	}
	source, err := m.store.GetEntity(sourceID)
	if err != nil {
		return "", err
	}
	target, err := m.store.GetEntity(targetID)
	if err != nil {
		return "", err
	}
	if source == nil || target == nil {
		return "", store.ErrEntityNotFound
	}
	if source.MergedInto() != "" {
		return "", fmt.Errorf("entity %s is already merged into %s", sourceID, source.MergedInto())
	}
	if target.MergedInto() != "" {
		return "", fmt.Errorf("entity %s is already merged into %s", targetID, target.MergedInto())
	}

	survivor, tombstone := target, source
	if outranks(source, target) {
		survivor, tombstone = source, target
	}

	// Fields: survivor value wins when non-empty, tombstone fills gaps.
	// The longer display name is kept; it is invariably the richer form.
	mergeData(survivor, tombstone.Data)
	for k, v := range tombstone.Metadata {
		if _, ok := survivor.Metadata[k]; !ok {
			survivor.Metadata[k] = v
		}
	}
	if len(tombstone.Name) > len(survivor.Name) {
		survivor.Name = tombstone.Name
	}
	switch {
	case SpecificityRank(tombstone.Kind) > SpecificityRank(survivor.Kind):
		appendHistory(survivor, "type_history", map[string]any{
			"from":   survivor.Kind,
			"to":     tombstone.Kind,
			"at":     time.Now().UTC().Format(time.RFC3339),
			"reason": "merge",
		})
		survivor.Kind = tombstone.Kind
	case tombstone.Kind != survivor.Kind && SpecificityRank(survivor.Kind) > SpecificityRank(tombstone.Kind):
		appendHistory(survivor, "type_history", map[string]any{
			"from":   tombstone.Kind,
			"to":     survivor.Kind,
			"at":     time.Now().UTC().Format(time.RFC3339),
			"reason": "merge",
		})
	}
	appendHistory(survivor, "merge_history", map[string]any{
		"merged_from": map[string]any{"id": tombstone.ID, "name": tombstone.Name, "kind": tombstone.Kind},
		"at":          time.Now().UTC().Format(time.RFC3339),
		"reason":      reason,
	})
	if tombstone.LastSeen.After(survivor.LastSeen) {
		survivor.LastSeen = tombstone.LastSeen
	}

	if tombstone.Metadata == nil {
		tombstone.Metadata = map[string]any{}
	}
	tombstone.Metadata["merged_into"] = survivor.ID
	tombstone.Metadata["merged_at"] = time.Now().UTC().Format(time.RFC3339)
	tombstone.Metadata["merge_reason"] = reason

	err = m.store.ApplyMerge(survivor, tombstone, Canonical(survivor.Name), Canonical(tombstone.Name))
	if err != nil {
		return "", err
	}
	return survivor.ID, nil
}

// outranks reports whether a should survive over b.
func outranks(a, b *types.Entity) bool {
	ra, rb := SpecificityRank(a.Kind), SpecificityRank(b.Kind)
	if ra != rb {
		return ra > rb
	}
	if len(a.Data) != len(b.Data) {
		return len(a.Data) > len(b.Data)
	}
	return len(a.Name) > len(b.Name)
}

// Deduplicate sweeps the live entity set: first merging within-kind
// canonical-name groups, then folding generic entities into specific
// ones sharing their name, then (with an embedder) merging semantically
// near-identical names of compatible kinds. Returns source -> survivor.
func (m *Merger) Deduplicate(ctx context.Context, threshold float64) (map[string]string, error) {
	if threshold <= 0 {
		threshold = m.threshold
	}
	merged := make(map[string]string)

	entities, _, err := m.store.ListLiveEntities()
	if err != nil {
		return nil, err
	}

	// Pass 1: exact canonical-name duplicates within a kind.
	groups := make(map[[2]string][]types.Entity)
	for _, e := range entities {
		key := [2]string{Canonical(e.Name), NormalizeKind(e.Kind)}
		groups[key] = append(groups[key], e)
	}
	for _, group := range groups {
		if len(group) < 2 {
			continue
		}
		if err := m.mergeGroup(group, "duplicate canonical name", merged); err != nil {
			return nil, err
		}
	}

	// Pass 2: generic entities folding into specific ones by name.
	entities, _, err = m.store.ListLiveEntities()
	if err != nil {
		return nil, err
	}
	byCanonical := make(map[string][]types.Entity)
	for _, e := range entities {
		byCanonical[Canonical(e.Name)] = append(byCanonical[Canonical(e.Name)], e)
	}
	for _, group := range byCanonical {
		for _, e := range group {
			if !genericKinds[NormalizeKind(e.Kind)] {
				continue
			}
			target := pickSpecific(group, e.ID)
			if target == nil {
				continue
			}
			survivor, err := m.Merge(e.ID, target.ID, "generic kind folded into specific")
			if err != nil {
				logging.EntityDebug("cross-kind merge %s -> %s failed: %v", e.ID, target.ID, err)
				continue
			}
			merged[e.ID] = survivor
		}
	}

	// Pass 3: semantic near-duplicates.
	if m.embedder != nil {
		if err := m.semanticDedup(ctx, threshold, merged); err != nil {
			return nil, err
		}
	}
	if len(merged) > 0 {
		logging.Entity("deduplication merged %d entities", len(merged))
	}
	return merged, nil
}

func (m *Merger) mergeGroup(group []types.Entity, reason string, merged map[string]string) error {
	survivor := group[0].ID
	for _, e := range group[1:] {
		s, err := m.Merge(e.ID, survivor, reason)
		if err != nil {
			return err
		}
		if e.ID != s {
			merged[e.ID] = s
		}
		if survivor != s {
			merged[survivor] = s
		}
		survivor = s
	}
	return nil
}

func pickSpecific(group []types.Entity, excludeID string) *types.Entity {
	for _, kind := range crossKindPriority {
		for i := range group {
			e := &group[i]
			if e.ID != excludeID && NormalizeKind(e.Kind) == kind {
				return e
			}
		}
	}
	for i := range group {
		e := &group[i]
		if e.ID != excludeID && !genericKinds[NormalizeKind(e.Kind)] {
			return e
		}
	}
	return nil
}

func (m *Merger) semanticDedup(ctx context.Context, threshold float64, merged map[string]string) error {
	entities, _, err := m.store.ListLiveEntities()
	if err != nil {
		return err
	}
	if len(entities) < 2 {
		return nil
	}

	names := make([]string, len(entities))
	for i, e := range entities {
		names[i] = e.Name
	}
	vectors, err := m.embedder.EmbedBatch(ctx, names)
	if err != nil {
		return fmt.Errorf("failed to embed entity names: %w", err)
	}

	resolve := func(id string) string {
		for {
			next, ok := merged[id]
			if !ok || next == id {
				return id
			}
			id = next
		}
	}

	for i := 0; i < len(entities); i++ {
		for j := i + 1; j < len(entities); j++ {
			if !KindsCompatible(entities[i].Kind, entities[j].Kind) {
				continue
			}
			sim, err := embedding.CosineSimilarity(vectors[i], vectors[j])
			if err != nil || sim < threshold {
				continue
			}
			a, b := resolve(entities[i].ID), resolve(entities[j].ID)
			if a == b {
				continue
			}
			survivor, err := m.Merge(a, b, fmt.Sprintf("semantic similarity %.2f", sim))
			if err != nil {
				logging.EntityDebug("semantic merge %s -> %s failed: %v", a, b, err)
				continue
			}
			if a != survivor {
				merged[a] = survivor
			}
			if b != survivor {
				merged[b] = survivor
			}
		}
	}
	return nil
}

func mergeData(e *types.Entity, incoming map[string]any) bool {
	if e.Data == nil {
		e.Data = map[string]any{}
	}
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	changed := false
	for k, v := range incoming {
		if v == nil || v == "" {
			continue
		}
		if existing, ok := e.Data[k]; !ok || existing == nil || existing == "" {
			e.Data[k] = v
			changed = true
		}
	}
	return changed
}

func appendHistory(e *types.Entity, key string, entry map[string]any) {
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	history, _ := e.Metadata[key].([]any)
	e.Metadata[key] = append(history, entry)
}
