package crawl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrontierOrdering(t *testing.T) {
	f := NewFrontier()

	// Equal scores order by depth, then insertion; higher scores jump
	// the queue regardless of insertion order.
	f.Push(Candidate{URL: "a", Score: 50, Depth: 2})
	f.Push(Candidate{URL: "b", Score: 50, Depth: 1})
	f.Push(Candidate{URL: "c", Score: 90, Depth: 3})
	f.Push(Candidate{URL: "d", Score: 50, Depth: 2})

	var order []string
	for {
		c, ok := f.Pop()
		if !ok {
			break
		}
		order = append(order, c.URL)
	}
	assert.Equal(t, []string{"c", "b", "a", "d"}, order)
}

func TestFrontierFIFOOnFullTies(t *testing.T) {
	f := NewFrontier()
	for _, u := range []string{"first", "second", "third"} {
		f.Push(Candidate{URL: u, Score: 40, Depth: 1})
	}
	var order []string
	for f.Len() > 0 {
		c, _ := f.Pop()
		order = append(order, c.URL)
	}
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestFrontierDoesNotDeduplicate(t *testing.T) {
	f := NewFrontier()
	f.Push(Candidate{URL: "same", Score: 40})
	f.Push(Candidate{URL: "same", Score: 40})
	require.Equal(t, 2, f.Len())
}

func TestFrontierEmptyPop(t *testing.T) {
	f := NewFrontier()
	_, ok := f.Pop()
	assert.False(t, ok)
}
