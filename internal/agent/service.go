package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"webintel/internal/config"
	"webintel/internal/entity"
	"webintel/internal/events"
	"webintel/internal/logging"
	"webintel/internal/store"
	"webintel/internal/types"
)

// TaskInvestigateRelation is the task type the investigate mode emits.
const TaskInvestigateRelation = "investigate_relation"

// Run tracks one agent execution so clients can poll and stop it.
type Run struct {
	ID          string         `json:"id"`
	Mode        string         `json:"mode"`
	Status      string         `json:"status"` // running, completed, stopped, failed
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at,omitempty"`
	Stats       map[string]int `json:"stats"`
	Error       string         `json:"error,omitempty"`

	stop atomic.Bool
	mu   sync.Mutex
}

func (r *Run) bump(counter string, delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Stats[counter] += delta
}

// RequestStop asks the run to stop at the next batch boundary.
func (r *Run) RequestStop() { r.stop.Store(true) }

func (r *Run) stopped() bool { return r.stop.Load() }

// Service hosts the three agent modes over the stored graph.
type Service struct {
	store  *store.Store
	merger *entity.Merger
	cfg    config.AgentConfig
	bus    *events.Bus

	mu   sync.RWMutex
	runs map[string]*Run
}

// NewService creates the agent service. bus may be nil.
func NewService(st *store.Store, merger *entity.Merger, cfg config.AgentConfig, bus *events.Bus) *Service {
	return &Service{store: st, merger: merger, cfg: cfg, bus: bus, runs: make(map[string]*Run)}
}

// GetRun returns a tracked run by id, or nil.
func (s *Service) GetRun(id string) *Run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runs[id]
}

// ListRuns returns all tracked runs, newest first.
func (s *Service) ListRuns() []*Run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	runs := make([]*Run, 0, len(s.runs))
	for _, r := range s.runs {
		runs = append(runs, r)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].StartedAt.After(runs[j].StartedAt) })
	return runs
}

func (s *Service) newRun(mode string) *Run {
	run := &Run{
		ID:        types.NewID(),
		Mode:      mode,
		Status:    "running",
		StartedAt: time.Now().UTC(),
		Stats:     make(map[string]int),
	}
	s.mu.Lock()
	s.runs[run.ID] = run
	s.mu.Unlock()
	logging.Agent("run %s started mode=%s", run.ID, mode)
	return run
}

func (s *Service) finishRun(run *Run, err error) {
	run.mu.Lock()
	defer run.mu.Unlock()
	run.CompletedAt = time.Now().UTC()
	switch {
	case err != nil:
		run.Status = "failed"
		run.Error = err.Error()
	case run.stopped():
		run.Status = "stopped"
	default:
		run.Status = "completed"
	}
	if s.bus != nil {
		s.bus.Publish(events.TypeAgentRunUpdate, run.ID, map[string]any{"mode": run.Mode, "status": run.Status})
	}
	logging.Agent("run %s finished status=%s stats=%v", run.ID, run.Status, run.Stats)
}

// GroupAction is the decision taken for one duplicate group.
type GroupAction struct {
	Canonical string   `json:"canonical"`
	Kind      string   `json:"kind"`
	Members   []string `json:"members"`
	Action    string   `json:"action"` // merged, would_merge
	Survivor  string   `json:"survivor,omitempty"`
}

// QualityIssue flags a malformed entity row.
type QualityIssue struct {
	EntityID string `json:"entity_id"`
	Name     string `json:"name"`
	Issue    string `json:"issue"`
}

// ReflectReport is the output of a Reflect & Refine run.
type ReflectReport struct {
	Run     *Run           `json:"run"`
	Groups  []GroupAction  `json:"groups,omitempty"`
	Issues  []QualityIssue `json:"issues,omitempty"`
	Skipped int            `json:"skipped"`
}

// ReflectAndRefine scans live entities for duplicate groups and data
// quality issues. With dryRun the report lists what would merge without
// touching the store.
func (s *Service) ReflectAndRefine(ctx context.Context, dryRun bool) (*ReflectReport, error) {
	run := s.newRun("reflect")
	report := &ReflectReport{Run: run}

	entities, _, err := s.store.ListLiveEntities()
	if err != nil {
		s.finishRun(run, err)
		return nil, err
	}
	run.bump("entities_scanned", len(entities))

	groups := make(map[[2]string][]types.Entity)
	for _, e := range entities {
		if e.Name == "" {
			report.Issues = append(report.Issues, QualityIssue{EntityID: e.ID, Issue: "empty name"})
			continue
		}
		if entity.SpecificityRank(e.Kind) == 0 {
			report.Issues = append(report.Issues, QualityIssue{
				EntityID: e.ID, Name: e.Name, Issue: "generic kind " + entity.NormalizeKind(e.Kind),
			})
		}
		key := [2]string{entity.Canonical(e.Name), entity.NormalizeKind(e.Kind)}
		groups[key] = append(groups[key], e)
	}
	run.bump("quality_issues", len(report.Issues))

	for key, group := range groups {
		if len(group) < 2 {
			continue
		}
		if err := ctx.Err(); err != nil {
			s.finishRun(run, err)
			return report, err
		}
		if run.stopped() {
			break
		}

		action := GroupAction{Canonical: key[0], Kind: key[1]}
		for _, e := range group {
			action.Members = append(action.Members, e.ID)
		}
		if dryRun {
			action.Action = "would_merge"
		} else {
			survivor := group[0].ID
			ok := true
			for _, e := range group[1:] {
				sv, err := s.merger.Merge(e.ID, survivor, "reflect: duplicate canonical name")
				if err != nil {
					logging.AgentDebug("merge in group %q failed: %v", key[0], err)
					ok = false
					break
				}
				survivor = sv
				run.bump("merged", 1)
			}
			if !ok {
				report.Skipped++
				continue
			}
			action.Action = "merged"
			action.Survivor = survivor
		}
		report.Groups = append(report.Groups, action)
	}

	s.finishRun(run, nil)
	return report, nil
}

// PrioritizedEntity is one crawl suggestion from Explore & Prioritize.
type PrioritizedEntity struct {
	EntityID  string  `json:"entity_id"`
	Name      string  `json:"name"`
	Kind      string  `json:"kind"`
	Depth     int     `json:"depth"`
	Relations int     `json:"relations"`
	Priority  float64 `json:"priority"`
}

// ExploreAndPrioritize walks the relationship graph breadth-first from
// the root entities and ranks encountered entities for targeted
// crawling. Distant, sparsely connected entities score highest: they
// are where the least is known.
func (s *Service) ExploreAndPrioritize(ctx context.Context, rootIDs []string, topN int) ([]PrioritizedEntity, *Run, error) {
	run := s.newRun("explore")
	maxDepth := s.cfg.MaxExplorationDepth
	if maxDepth <= 0 {
		maxDepth = 3
	}
	if topN <= 0 {
		topN = 20
	}

	depths := make(map[string]int)
	queue := make([]string, 0, len(rootIDs))
	for _, id := range rootIDs {
		depths[id] = 0
		queue = append(queue, id)
	}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			s.finishRun(run, err)
			return nil, run, err
		}
		if run.stopped() {
			break
		}
		id := queue[0]
		queue = queue[1:]
		depth := depths[id]
		if depth >= maxDepth {
			continue
		}
		rels, err := s.store.RelationshipsFor(id, "")
		if err != nil {
			s.finishRun(run, err)
			return nil, run, err
		}
		for _, rel := range rels {
			for _, next := range []string{rel.SourceID, rel.TargetID} {
				if next == id {
					continue
				}
				if _, seen := depths[next]; !seen {
					depths[next] = depth + 1
					queue = append(queue, next)
				}
			}
		}
	}
	run.bump("visited", len(depths))

	var ranked []PrioritizedEntity
	for id, depth := range depths {
		e, err := s.store.GetEntity(id)
		if err != nil || e == nil || e.MergedInto() != "" {
			continue
		}
		rels, err := s.store.RelationshipsFor(id, "")
		if err != nil {
			continue
		}
		relCount := len(rels)
		relFactor := float64(relCount) / 10
		if relFactor > 1 {
			relFactor = 1
		}
		ranked = append(ranked, PrioritizedEntity{
			EntityID:  e.ID,
			Name:      e.Name,
			Kind:      e.Kind,
			Depth:     depth,
			Relations: relCount,
			Priority:  s.cfg.UnknownWeight*float64(depth)/float64(maxDepth) + s.cfg.RelationWeight*relFactor,
		})
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].Priority > ranked[j].Priority })
	if len(ranked) > topN {
		ranked = ranked[:topN]
	}

	s.finishRun(run, nil)
	return ranked, run, nil
}

// InvestigateReport is the output of an Investigate & Relate run.
type InvestigateReport struct {
	Run     *Run        `json:"run"`
	Gaps    []GapReport `json:"gaps,omitempty"`
	TaskIDs []string    `json:"task_ids,omitempty"`
}

// InvestigateAndRelate analyzes knowledge gaps per entity and infers
// candidate relations between unrelated entities sharing common
// neighbours, emitting investigate_relation tasks for each pair.
func (s *Service) InvestigateAndRelate(ctx context.Context) (*InvestigateReport, error) {
	run := s.newRun("investigate")
	report := &InvestigateReport{Run: run}

	entities, _, err := s.store.ListLiveEntities()
	if err != nil {
		s.finishRun(run, err)
		return nil, err
	}

	neighbours := make(map[string]map[string]bool)
	for _, e := range entities {
		if err := ctx.Err(); err != nil {
			s.finishRun(run, err)
			return report, err
		}
		report.Gaps = append(report.Gaps, AnalyzeGaps(&e))

		rels, err := s.store.RelationshipsFor(e.ID, "")
		if err != nil {
			continue
		}
		set := make(map[string]bool)
		for _, rel := range rels {
			if rel.SourceID != e.ID {
				set[rel.SourceID] = true
			}
			if rel.TargetID != e.ID {
				set[rel.TargetID] = true
			}
		}
		neighbours[e.ID] = set
	}
	run.bump("gap_reports", len(report.Gaps))

	for i := 0; i < len(entities); i++ {
		if run.stopped() {
			break
		}
		for j := i + 1; j < len(entities); j++ {
			a, b := &entities[i], &entities[j]
			if neighbours[a.ID][b.ID] || neighbours[b.ID][a.ID] {
				continue
			}
			if !shareNeighbour(neighbours[a.ID], neighbours[b.ID]) {
				continue
			}
			task := &types.Task{
				Type:     TaskInvestigateRelation,
				Priority: 3,
				Params: map[string]any{
					"entity_a": a.Name,
					"entity_b": b.Name,
					"queries": []string{
						fmt.Sprintf("%q %q", a.Name, b.Name),
						fmt.Sprintf("%s relationship %s", a.Name, b.Name),
					},
				},
			}
			if err := s.store.SubmitTask(task); err != nil {
				logging.AgentDebug("submitting investigate task failed: %v", err)
				continue
			}
			report.TaskIDs = append(report.TaskIDs, task.ID)
			run.bump("tasks_emitted", 1)
		}
	}

	s.finishRun(run, nil)
	return report, nil
}

func shareNeighbour(a, b map[string]bool) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for id := range a {
		if b[id] {
			return true
		}
	}
	return false
}
