package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webintel/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSavePageUpsert(t *testing.T) {
	s := openTestStore(t)

	page := &types.Page{URL: "https://example.com/about", Domain: "example.com", Depth: 2, Priority: 40}
	require.NoError(t, s.SavePage(page, nil))
	assert.Equal(t, types.PageIDForURL(page.URL), page.ID)

	// A rediscovery at shallower depth and higher priority wins both.
	again := &types.Page{URL: page.URL, Domain: "example.com", Depth: 1, Priority: 90, PageType: "about"}
	require.NoError(t, s.SavePage(again, nil))

	got, err := s.GetPageByURL(page.URL)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1, got.Depth)
	assert.Equal(t, 90.0, got.Priority)
	assert.Equal(t, "about", got.PageType)

	// A later discovery at deeper depth and lower priority changes nothing.
	worse := &types.Page{URL: page.URL, Domain: "example.com", Depth: 5, Priority: 10}
	require.NoError(t, s.SavePage(worse, nil))
	got, err = s.GetPageByURL(page.URL)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Depth)
	assert.Equal(t, 90.0, got.Priority)
	assert.Equal(t, "about", got.PageType)
}

func TestSavePageWithContent(t *testing.T) {
	s := openTestStore(t)

	page := &types.Page{URL: "https://example.com", Domain: "example.com"}
	content := &types.PageContent{
		Text:     "Example Corp builds widgets.",
		Metadata: map[string]string{"title": "Example Corp"},
	}
	require.NoError(t, s.SavePage(page, content))

	got, err := s.GetPageContent(page.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	if diff := cmp.Diff(content, got); diff != "" {
		t.Errorf("content round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestEntityCanonicalLookupSkipsTombstones(t *testing.T) {
	s := openTestStore(t)

	live := &types.Entity{Name: "Acme Inc", Kind: "company", LastSeen: time.Now()}
	require.NoError(t, s.InsertEntity(live, "acme"))

	found, err := s.FindLiveEntityByCanonical("acme", "company")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, live.ID, found.ID)

	// Tombstone it; canonical lookup must no longer see it.
	live.Metadata = map[string]any{"merged_into": "some-survivor"}
	require.NoError(t, s.UpdateEntity(live, "acme"))

	found, err = s.FindLiveEntityByCanonical("acme", "company")
	require.NoError(t, err)
	assert.Nil(t, found)

	// Direct id lookup still works: soft merge never deletes.
	got, err := s.GetEntity(live.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "some-survivor", got.MergedInto())
}

func TestUpsertRelationshipIdempotent(t *testing.T) {
	s := openTestStore(t)

	rel := &types.Relationship{
		SourceID: "a", TargetID: "b", Relation: types.RelRelatedEntity,
		SourceType: types.RecordEntity, TargetType: types.RecordEntity,
		Metadata: map[string]any{"confidence": 0.8},
	}
	require.NoError(t, s.UpsertRelationship(rel))
	firstID := rel.ID

	again := &types.Relationship{SourceID: "a", TargetID: "b", Relation: types.RelRelatedEntity}
	require.NoError(t, s.UpsertRelationship(again))
	assert.Equal(t, firstID, again.ID, "re-observation must reuse the existing edge")

	edges, err := s.RelationshipsFor("a", types.RelRelatedEntity)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, float64(2), edges[0].Metadata["occurrence_count"])
	assert.InDelta(t, 0.85, edges[0].Metadata["confidence"].(float64), 1e-9)
}

func TestApplyMergeRewiresEdges(t *testing.T) {
	s := openTestStore(t)

	survivor := &types.Entity{Name: "Acme Inc", Kind: "company", LastSeen: time.Now()}
	dup := &types.Entity{Name: "ACME Incorporated", Kind: "company", LastSeen: time.Now()}
	other := &types.Entity{Name: "Jane Doe", Kind: "person", LastSeen: time.Now()}
	require.NoError(t, s.InsertEntity(survivor, "acme"))
	require.NoError(t, s.InsertEntity(dup, "acme incorporated"))
	require.NoError(t, s.InsertEntity(other, "jane doe"))

	// Both entities already relate to the same third party: the rewire
	// must collapse to one edge, not violate the uniqueness constraint.
	require.NoError(t, s.UpsertRelationship(&types.Relationship{
		SourceID: survivor.ID, TargetID: other.ID, Relation: types.RelRelatedEntity,
		SourceType: types.RecordEntity, TargetType: types.RecordEntity,
	}))
	require.NoError(t, s.UpsertRelationship(&types.Relationship{
		SourceID: dup.ID, TargetID: other.ID, Relation: types.RelRelatedEntity,
		SourceType: types.RecordEntity, TargetType: types.RecordEntity,
	}))
	// An edge between the pair becomes a self-loop and must vanish.
	require.NoError(t, s.UpsertRelationship(&types.Relationship{
		SourceID: dup.ID, TargetID: survivor.ID, Relation: types.RelRelatedEntity,
		SourceType: types.RecordEntity, TargetType: types.RecordEntity,
	}))

	require.NoError(t, s.SaveIntelligence(&types.Intelligence{
		EntityID: dup.ID, EntityName: dup.Name, PageID: "page-1",
		Finding: types.Finding{Summary: "acquired a competitor"}, Confidence: 80,
	}))

	dup.Metadata = map[string]any{"merged_into": survivor.ID}
	require.NoError(t, s.ApplyMerge(survivor, dup, "acme", "acme incorporated"))

	edges, err := s.RelationshipsFor(dup.ID, "")
	require.NoError(t, err)
	assert.Empty(t, edges, "no edges may still reference the tombstone")

	survEdges, err := s.RelationshipsFor(survivor.ID, types.RelRelatedEntity)
	require.NoError(t, err)
	require.Len(t, survEdges, 1)
	assert.Equal(t, other.ID, survEdges[0].TargetID)

	intel, err := s.IntelForEntity(survivor.ID, 10)
	require.NoError(t, err)
	require.Len(t, intel, 1)
	assert.Equal(t, "acquired a competitor", intel[0].Finding.Summary)
}

func TestApplyMergeRejectsSelfMerge(t *testing.T) {
	s := openTestStore(t)
	e := &types.Entity{Name: "Acme", Kind: "company", LastSeen: time.Now()}
	require.NoError(t, s.InsertEntity(e, "acme"))
	err := s.ApplyMerge(e, e, "acme", "acme")
	assert.ErrorIs(t, err, ErrSameEntity)
}

func TestSaveIntelligenceCreatesGraphEdges(t *testing.T) {
	s := openTestStore(t)

	entity := &types.Entity{Name: "Acme", Kind: "company", LastSeen: time.Now()}
	require.NoError(t, s.InsertEntity(entity, "acme"))

	intel := &types.Intelligence{
		EntityID: entity.ID, EntityName: "Acme", PageID: "page-1",
		SourceURL: "https://example.com", Finding: types.Finding{Summary: "makes widgets"},
		Confidence: 85,
	}
	require.NoError(t, s.SaveIntelligence(intel))

	hasIntel, err := s.RelationshipsFor(entity.ID, types.RelHasIntel)
	require.NoError(t, err)
	require.Len(t, hasIntel, 1)
	assert.Equal(t, intel.ID, hasIntel[0].TargetID)

	mentions, err := s.RelationshipsFor("page-1", types.RelMentionsEntity)
	require.NoError(t, err)
	require.Len(t, mentions, 1)
	assert.Equal(t, entity.ID, mentions[0].TargetID)
}

func TestTombstoneIntelForPage(t *testing.T) {
	s := openTestStore(t)

	intel := &types.Intelligence{
		EntityID: "e1", EntityName: "Acme", PageID: "page-1",
		Finding: types.Finding{Summary: "old fact"}, Confidence: 70,
	}
	require.NoError(t, s.SaveIntelligence(intel))

	n, err := s.TombstoneIntelForPage("page-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	live, err := s.IntelForEntity("e1", 10)
	require.NoError(t, err)
	assert.Empty(t, live)
}

func TestTaskClaimOrder(t *testing.T) {
	s := openTestStore(t)

	base := time.Now().UTC()
	older := &types.Task{Type: "crawl", Priority: 5, CreatedAt: base}
	newer := &types.Task{Type: "crawl", Priority: 5, CreatedAt: base.Add(time.Second)}
	urgent := &types.Task{Type: "crawl", Priority: 9, CreatedAt: base.Add(2 * time.Second)}
	require.NoError(t, s.SubmitTask(older))
	require.NoError(t, s.SubmitTask(newer))
	require.NoError(t, s.SubmitTask(urgent))

	// Highest priority first, then FIFO within a priority.
	first, err := s.ClaimNextTask()
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, urgent.ID, first.ID)

	second, err := s.ClaimNextTask()
	require.NoError(t, err)
	assert.Equal(t, older.ID, second.ID)

	third, err := s.ClaimNextTask()
	require.NoError(t, err)
	assert.Equal(t, newer.ID, third.ID)

	empty, err := s.ClaimNextTask()
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestTaskLifecycle(t *testing.T) {
	s := openTestStore(t)

	task := &types.Task{Type: "answer", Params: map[string]any{"question": "who is the ceo"}}
	require.NoError(t, s.SubmitTask(task))

	claimed, err := s.ClaimNextTask("answer")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, types.TaskRunning, claimed.Status)
	assert.Equal(t, "who is the ceo", claimed.Params["question"])

	require.NoError(t, s.UpdateTaskProgress(task.ID, 0.5, "retrieving"))
	require.NoError(t, s.CompleteTask(task.ID, map[string]any{"answer": "Jane Doe"}))

	done, err := s.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, done.Status)
	assert.Equal(t, "Jane Doe", done.Result["answer"])
	assert.Equal(t, 1.0, done.Progress)
}

func TestTaskCancellation(t *testing.T) {
	s := openTestStore(t)

	pending := &types.Task{Type: "crawl"}
	require.NoError(t, s.SubmitTask(pending))
	require.NoError(t, s.RequestCancel(pending.ID))

	got, err := s.GetTask(pending.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCancelled, got.Status)

	running := &types.Task{Type: "crawl"}
	require.NoError(t, s.SubmitTask(running))
	_, err = s.ClaimNextTask()
	require.NoError(t, err)

	require.NoError(t, s.RequestCancel(running.ID))
	got, err = s.GetTask(running.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskRunning, got.Status, "running tasks cancel cooperatively")

	flagged, err := s.IsCancelRequested(running.ID)
	require.NoError(t, err)
	assert.True(t, flagged)
}

func TestRecoverRunningTasks(t *testing.T) {
	s := openTestStore(t)

	task := &types.Task{Type: "crawl"}
	require.NoError(t, s.SubmitTask(task))
	_, err := s.ClaimNextTask()
	require.NoError(t, err)

	n, err := s.RecoverRunningTasks()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := s.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskFailed, got.Status)
	assert.Equal(t, "restarted while running", got.Error)
}

func TestSaveLinksAndPromote(t *testing.T) {
	s := openTestStore(t)

	from := &types.Page{URL: "https://example.com", Domain: "example.com"}
	require.NoError(t, s.SavePage(from, nil))

	links := []types.Link{
		{FromPageID: from.ID, ToURL: "https://example.com/team", Anchor: "Team", Score: 80, SeenAt: time.Now()},
		{FromPageID: from.ID, ToURL: "https://other.com", Anchor: "Partner", Score: 45, SeenAt: time.Now()},
	}
	require.NoError(t, s.SaveLinks(links))

	// Re-observation keeps the higher score.
	require.NoError(t, s.SaveLinks([]types.Link{
		{FromPageID: from.ID, ToURL: "https://example.com/team", Score: 30, SeenAt: time.Now()},
	}))
	got, err := s.LinksFrom(from.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 80.0, got[0].Score)

	// No targets have page rows yet: nothing promotes.
	n, err := s.PromotePageLinks(from.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	team := &types.Page{URL: "https://example.com/team", Domain: "example.com", Depth: 1}
	require.NoError(t, s.SavePage(team, nil))

	n, err = s.PromotePageLinks(from.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	edges, err := s.RelationshipsFor(from.ID, types.RelPageLink)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, team.ID, edges[0].TargetID)
}

func TestEntityClusters(t *testing.T) {
	s := openTestStore(t)

	var ids []string
	for _, name := range []string{"A", "B", "C", "D", "E"} {
		e := &types.Entity{Name: name, Kind: "company", LastSeen: time.Now()}
		require.NoError(t, s.InsertEntity(e, name))
		ids = append(ids, e.ID)
	}
	link := func(a, b string) {
		require.NoError(t, s.UpsertRelationship(&types.Relationship{
			SourceID: a, TargetID: b, Relation: types.RelRelatedEntity,
			SourceType: types.RecordEntity, TargetType: types.RecordEntity,
		}))
	}
	link(ids[0], ids[1])
	link(ids[1], ids[2])
	link(ids[3], ids[4])

	clusters, err := s.EntityClusters()
	require.NoError(t, err)
	require.Len(t, clusters, 2)

	sizes := map[int]bool{}
	for _, c := range clusters {
		sizes[len(c)] = true
	}
	assert.True(t, sizes[3])
	assert.True(t, sizes[2])
}

func TestDomainPriors(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.BoostDomain("example.com", 25))
	require.NoError(t, s.BoostDomain("example.com", 25))
	require.NoError(t, s.MarkDomainOfficial("example.com"))

	p, err := s.GetDomainPrior("example.com")
	require.NoError(t, err)
	assert.Equal(t, 50.0, p.Weight)
	assert.True(t, p.Official)

	unknown, err := s.GetDomainPrior("nowhere.test")
	require.NoError(t, err)
	assert.Zero(t, unknown.Weight)
	assert.False(t, unknown.Official)
}
