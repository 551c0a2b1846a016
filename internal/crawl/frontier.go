// Package crawl implements the best-first exploration pipeline: URL
// scoring, the frontier priority queue, fetching, content extraction,
// page embedding and the explorer loop that orchestrates them.
package crawl

import "container/heap"

// Candidate is a scored URL waiting in the frontier.
type Candidate struct {
	URL    string
	Anchor string
	Score  float64
	Depth  int
	seq    int
}

// Frontier is a priority queue over candidates: highest score first,
// then shallowest depth, then insertion order. It does not deduplicate;
// visited tracking is the explorer's job.
type Frontier struct {
	items frontierHeap
	seq   int
}

// NewFrontier returns an empty frontier.
func NewFrontier() *Frontier {
	return &Frontier{}
}

// Push adds a candidate.
func (f *Frontier) Push(c Candidate) {
	c.seq = f.seq
	f.seq++
	heap.Push(&f.items, c)
}

// Pop removes and returns the best candidate, or false when empty.
func (f *Frontier) Pop() (Candidate, bool) {
	if len(f.items) == 0 {
		return Candidate{}, false
	}
	return heap.Pop(&f.items).(Candidate), true
}

// Len returns the number of queued candidates.
func (f *Frontier) Len() int {
	return len(f.items)
}

type frontierHeap []Candidate

func (h frontierHeap) Len() int { return len(h) }

func (h frontierHeap) Less(i, j int) bool {
	if h[i].Score != h[j].Score {
		return h[i].Score > h[j].Score
	}
	if h[i].Depth != h[j].Depth {
		return h[i].Depth < h[j].Depth
	}
	return h[i].seq < h[j].seq
}

func (h frontierHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *frontierHeap) Push(x any) {
	*h = append(*h, x.(Candidate))
}

func (h *frontierHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
