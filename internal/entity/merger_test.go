package entity

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webintel/internal/store"
	"webintel/internal/types"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// sameVectorEngine embeds every text to the same vector, so every pair
// has cosine similarity 1. Lets tests force semantic merges.
type sameVectorEngine struct{}

func (sameVectorEngine) Embed(_ context.Context, _ string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func (e sameVectorEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i], _ = e.Embed(ctx, texts[i])
	}
	return out, nil
}

func (sameVectorEngine) Dimensions() int { return 3 }
func (sameVectorEngine) Name() string    { return "same-vector" }

func TestGetOrCreateDedupsByCanonicalName(t *testing.T) {
	s := openTestStore(t)
	m := NewMerger(s, nil, 0.85)

	first, created, err := m.GetOrCreate("Acme Inc", "company", map[string]any{"industry": "widgets"})
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := m.GetOrCreate("ACME Incorporated", "company", map[string]any{
		"industry": "anvils", // ignored: existing value wins
		"founded":  "1947",   // new key: added
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "widgets", second.Data["industry"])
	assert.Equal(t, "1947", second.Data["founded"])
}

func TestGetOrCreatePromotesKind(t *testing.T) {
	s := openTestStore(t)
	m := NewMerger(s, nil, 0.85)

	_, _, err := m.GetOrCreate("Jane Doe", "person", nil)
	require.NoError(t, err)

	promoted, created, err := m.GetOrCreate("Jane Doe", "ceo", nil)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "ceo", promoted.Kind)

	history, ok := promoted.Metadata["type_history"].([]any)
	require.True(t, ok)
	require.Len(t, history, 1)
	entry := history[0].(map[string]any)
	assert.Equal(t, "person", entry["from"])
	assert.Equal(t, "ceo", entry["to"])
}

func TestGetOrCreateKeepsIncompatibleKindsApart(t *testing.T) {
	s := openTestStore(t)
	m := NewMerger(s, nil, 0.85)

	person, _, err := m.GetOrCreate("Paris", "person", nil)
	require.NoError(t, err)
	place, created, err := m.GetOrCreate("Paris", "location", nil)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, person.ID, place.ID)
}

func TestMergeSelectsMoreSpecificSurvivor(t *testing.T) {
	s := openTestStore(t)
	m := NewMerger(s, nil, 0.85)

	// Passed in "wrong" order: the founder must survive anyway.
	founder := &types.Entity{Name: "B. Gates", Kind: "founder", LastSeen: time.Now()}
	person := &types.Entity{Name: "Bill Gates", Kind: "person", Data: map[string]any{"born": "1955"}, LastSeen: time.Now()}
	require.NoError(t, s.InsertEntity(founder, Canonical(founder.Name)))
	require.NoError(t, s.InsertEntity(person, Canonical(person.Name)))

	survivorID, err := m.Merge(founder.ID, person.ID, "test")
	require.NoError(t, err)
	assert.Equal(t, founder.ID, survivorID)

	survivor, err := s.GetEntity(survivorID)
	require.NoError(t, err)
	assert.Equal(t, "founder", survivor.Kind)
	assert.Equal(t, "Bill Gates", survivor.Name, "longer display name is kept")
	assert.Equal(t, "1955", survivor.Data["born"])

	tombstone, err := s.GetEntity(person.ID)
	require.NoError(t, err)
	assert.Equal(t, survivorID, tombstone.MergedInto())
}

func TestMergeRefusesTombstones(t *testing.T) {
	s := openTestStore(t)
	m := NewMerger(s, nil, 0.85)

	a := &types.Entity{Name: "A", Kind: "company", LastSeen: time.Now()}
	b := &types.Entity{Name: "B", Kind: "company", LastSeen: time.Now()}
	c := &types.Entity{Name: "C", Kind: "company", LastSeen: time.Now()}
	for _, e := range []*types.Entity{a, b, c} {
		require.NoError(t, s.InsertEntity(e, Canonical(e.Name)))
	}

	_, err := m.Merge(a.ID, b.ID, "test")
	require.NoError(t, err)

	_, err = m.Merge(a.ID, c.ID, "test")
	assert.Error(t, err, "a tombstone cannot be merged again")

	_, err = m.Merge(c.ID, c.ID, "test")
	assert.ErrorIs(t, err, store.ErrSameEntity)
}

func TestDeduplicateWithinKind(t *testing.T) {
	s := openTestStore(t)
	m := NewMerger(s, nil, 0.85)

	// Inserted directly so duplicates exist despite GetOrCreate.
	names := []string{"Microsoft Corporation", "Microsoft Corp.", "Microsoft"}
	newest := time.Now().UTC().Truncate(time.Second)
	for i, name := range names {
		e := &types.Entity{
			Name: name, Kind: "company",
			LastSeen: newest.Add(-time.Duration(i) * time.Hour),
		}
		require.NoError(t, s.InsertEntity(e, Canonical(name)))
	}

	merged, err := m.Deduplicate(context.Background(), 0.85)
	require.NoError(t, err)
	assert.Len(t, merged, 2)

	live, _, err := s.ListLiveEntities()
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "org", NormalizeKind(live[0].Kind))
	assert.Equal(t, newest, live[0].LastSeen.Truncate(time.Second), "last-seen is the max of the inputs")
}

func TestDeduplicateFoldsGenericIntoSpecific(t *testing.T) {
	s := openTestStore(t)
	m := NewMerger(s, nil, 0.85)

	generic := &types.Entity{Name: "Acme", Kind: "entity", LastSeen: time.Now()}
	specific := &types.Entity{Name: "Acme", Kind: "company", LastSeen: time.Now()}
	require.NoError(t, s.InsertEntity(generic, Canonical(generic.Name)))
	require.NoError(t, s.InsertEntity(specific, Canonical(specific.Name)))

	merged, err := m.Deduplicate(context.Background(), 0.85)
	require.NoError(t, err)
	assert.Equal(t, specific.ID, merged[generic.ID])

	live, _, err := s.ListLiveEntities()
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "company", live[0].Kind)
}

func TestSemanticDedupPromotesType(t *testing.T) {
	s := openTestStore(t)
	m := NewMerger(s, sameVectorEngine{}, 0.85)

	inputs := []*types.Entity{
		{Name: "Bill Gates", Kind: "person", LastSeen: time.Now()},
		{Name: "B. Gates", Kind: "founder", LastSeen: time.Now()},
		{Name: "William Bill Gates", Kind: "person", Data: map[string]any{
			"born": "1955", "nationality": "American",
		}, LastSeen: time.Now()},
	}
	for _, e := range inputs {
		require.NoError(t, s.InsertEntity(e, Canonical(e.Name)))
	}

	_, err := m.Deduplicate(context.Background(), 0.85)
	require.NoError(t, err)

	live, _, err := s.ListLiveEntities()
	require.NoError(t, err)
	require.Len(t, live, 1)

	survivor := live[0]
	assert.Equal(t, "founder", survivor.Kind)
	assert.Equal(t, "William Bill Gates", survivor.Name)
	assert.Equal(t, "1955", survivor.Data["born"])
	assert.Equal(t, "American", survivor.Data["nationality"])

	history, ok := survivor.Metadata["type_history"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, history)
}
