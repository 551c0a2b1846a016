package agent

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"webintel/internal/config"
	"webintel/internal/entity"
	"webintel/internal/events"
	"webintel/internal/store"
	"webintel/internal/types"
)

func testService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.AgentConfig{
		MaxExplorationDepth:  3,
		EntityMergeThreshold: 0.85,
		UnknownWeight:        0.7,
		RelationWeight:       0.3,
	}
	merger := entity.NewMerger(st, nil, cfg.EntityMergeThreshold)
	return NewService(st, merger, cfg, events.NewBus()), st
}

func mustInsert(t *testing.T, st *store.Store, name, kind string, data map[string]any) *types.Entity {
	t.Helper()
	e := &types.Entity{Name: name, Kind: kind, Data: data}
	require.NoError(t, st.InsertEntity(e, entity.Canonical(name)))
	return e
}

func relate(t *testing.T, st *store.Store, a, b *types.Entity, relation string) {
	t.Helper()
	require.NoError(t, st.UpsertRelationship(&types.Relationship{
		SourceID: a.ID, TargetID: b.ID,
		Relation:   relation,
		SourceType: "entity", TargetType: "entity",
	}))
}

func TestAnalyzeGaps(t *testing.T) {
	e := &types.Entity{
		ID:   "e1",
		Name: "Acme Widgets",
		Kind: "company",
		Data: map[string]any{"industry": "manufacturing", "website": "acme.test"},
	}
	report := AnalyzeGaps(e)

	assert.Equal(t, "company", report.Kind)
	assert.InDelta(t, 2.0/7.0, report.Completeness, 1e-9)
	require.Len(t, report.Missing, 5)

	fields := map[string]bool{}
	for _, m := range report.Missing {
		fields[m.Field] = true
		require.Len(t, m.Queries, 2)
		assert.Contains(t, m.Queries[0], "Acme Widgets")
	}
	assert.True(t, fields["founded"])
	assert.True(t, fields["key_people"])
	assert.False(t, fields["industry"])
}

func TestAnalyzeGapsUnknownKind(t *testing.T) {
	e := &types.Entity{ID: "e1", Name: "Mystery", Kind: "artifact"}
	report := AnalyzeGaps(e)
	require.Len(t, report.Missing, len(genericExpected))
	assert.Zero(t, report.Completeness)
}

func TestReflectDryRunReportsWithoutMerging(t *testing.T) {
	svc, st := testService(t)

	mustInsert(t, st, "Acme Widgets Inc", "company", nil)
	mustInsert(t, st, "Acme Widgets", "company", nil)
	mustInsert(t, st, "Globex", "company", nil)

	report, err := svc.ReflectAndRefine(context.Background(), true)
	require.NoError(t, err)

	require.Len(t, report.Groups, 1)
	assert.Equal(t, "would_merge", report.Groups[0].Action)
	assert.Len(t, report.Groups[0].Members, 2)

	live, _, err := st.ListLiveEntities()
	require.NoError(t, err)
	assert.Len(t, live, 3, "dry run must not touch the store")
	assert.Equal(t, "completed", report.Run.Status)
}

func TestReflectMergesDuplicateGroups(t *testing.T) {
	svc, st := testService(t)

	mustInsert(t, st, "Acme Widgets Inc", "company", map[string]any{"industry": "manufacturing"})
	mustInsert(t, st, "Acme Widgets", "company", nil)

	report, err := svc.ReflectAndRefine(context.Background(), false)
	require.NoError(t, err)

	require.Len(t, report.Groups, 1)
	assert.Equal(t, "merged", report.Groups[0].Action)
	assert.Equal(t, 1, report.Run.Stats["merged"])

	live, _, err := st.ListLiveEntities()
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, report.Groups[0].Survivor, live[0].ID)
	assert.Equal(t, "manufacturing", live[0].Data["industry"])
}

func TestReflectFlagsGenericKinds(t *testing.T) {
	svc, st := testService(t)
	mustInsert(t, st, "Something", "unknown", nil)

	report, err := svc.ReflectAndRefine(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, report.Issues, 1)
	assert.Contains(t, report.Issues[0].Issue, "generic kind")
}

func TestExploreAndPrioritize(t *testing.T) {
	svc, st := testService(t)

	// root -> a -> b -> c, with a densely connected.
	root := mustInsert(t, st, "Acme Widgets", "company", nil)
	a := mustInsert(t, st, "Jane Smith", "ceo", nil)
	b := mustInsert(t, st, "Globex", "company", nil)
	c := mustInsert(t, st, "Widget Expo", "event", nil)
	relate(t, st, root, a, "key_person")
	relate(t, st, a, b, "board_member")
	relate(t, st, b, c, "sponsors")
	for i := 0; i < 3; i++ {
		extra := mustInsert(t, st, "Filler "+string(rune('A'+i)), "company", nil)
		relate(t, st, a, extra, "related_entity")
	}

	ranked, run, err := svc.ExploreAndPrioritize(context.Background(), []string{root.ID}, 10)
	require.NoError(t, err)
	assert.Equal(t, "completed", run.Status)
	require.NotEmpty(t, ranked)

	byID := map[string]PrioritizedEntity{}
	for _, p := range ranked {
		byID[p.EntityID] = p
	}

	// b sits at depth 2 with 2 relations: 0.7*2/3 + 0.3*0.2
	require.Contains(t, byID, b.ID)
	assert.Equal(t, 2, byID[b.ID].Depth)
	assert.InDelta(t, 0.7*2.0/3.0+0.3*0.2, byID[b.ID].Priority, 1e-9)

	// depth beats connectivity with the default weights: the far, sparse
	// event outranks the near, dense ceo.
	require.Contains(t, byID, c.ID)
	require.Contains(t, byID, a.ID)
	assert.Greater(t, byID[c.ID].Priority, byID[a.ID].Priority)
}

func TestExploreTopNTruncates(t *testing.T) {
	svc, st := testService(t)
	root := mustInsert(t, st, "Acme Widgets", "company", nil)
	for i := 0; i < 5; i++ {
		e := mustInsert(t, st, "Partner "+string(rune('A'+i)), "company", nil)
		relate(t, st, root, e, "partner_of")
	}

	ranked, _, err := svc.ExploreAndPrioritize(context.Background(), []string{root.ID}, 2)
	require.NoError(t, err)
	assert.Len(t, ranked, 2)
}

func TestInvestigateEmitsRelationTasks(t *testing.T) {
	svc, st := testService(t)

	// a and b both relate to hub but not to each other.
	hub := mustInsert(t, st, "Acme Widgets", "company", nil)
	a := mustInsert(t, st, "Jane Smith", "ceo", nil)
	b := mustInsert(t, st, "Springfield", "headquarters", nil)
	relate(t, st, hub, a, "key_person")
	relate(t, st, hub, b, "headquartered_in")

	report, err := svc.InvestigateAndRelate(context.Background())
	require.NoError(t, err)

	assert.Len(t, report.Gaps, 3)
	require.Len(t, report.TaskIDs, 1, "only the unrelated pair sharing a neighbour gets a task")

	task, err := st.GetTask(report.TaskIDs[0])
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, TaskInvestigateRelation, task.Type)
	names := []any{task.Params["entity_a"], task.Params["entity_b"]}
	assert.ElementsMatch(t, []any{"Jane Smith", "Springfield"}, names)
}

func TestInvestigateSkipsDirectlyRelatedPairs(t *testing.T) {
	svc, st := testService(t)

	hub := mustInsert(t, st, "Acme Widgets", "company", nil)
	a := mustInsert(t, st, "Jane Smith", "ceo", nil)
	relate(t, st, hub, a, "key_person")

	report, err := svc.InvestigateAndRelate(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.TaskIDs)
}

func TestRunStopRequested(t *testing.T) {
	svc, st := testService(t)
	for i := 0; i < 4; i++ {
		mustInsert(t, st, "Dup Co", "company", nil)
	}

	// A stop requested before the run begins leaves the groups unmerged.
	run := svc.newRun("probe")
	run.RequestStop()
	assert.True(t, run.stopped())
	svc.finishRun(run, nil)
	assert.Equal(t, "stopped", run.Status)
	assert.NotZero(t, run.CompletedAt)

	got := svc.GetRun(run.ID)
	require.NotNil(t, got)
	assert.Equal(t, run.ID, got.ID)
}
