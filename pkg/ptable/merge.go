package ptable

import (
	"container/heap"

	"github.com/dd0wney/cluso-eventindex/pkg/index"
)

// mergeHead is the current entry of one input iterator.
type mergeHead struct {
	entry index.IndexEntry
	it    *Iterator
}

// mergeHeap pops the largest entry first.
type mergeHeap []mergeHead

func (h mergeHeap) Len() int           { return len(h) }
func (h mergeHeap) Less(i, j int) bool { return h[i].entry.Compare(h[j].entry) > 0 }
func (h mergeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)        { *h = append(*h, x.(mergeHead)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Merge writes the union of tables to a new table at path. The inputs
// stay open and owned by the caller; each is pinned for the duration.
func Merge(path string, tables []*PTable, opts CreateOptions) error {
	iters := make([]*Iterator, 0, len(tables))
	defer func() {
		for _, it := range iters {
			it.Close()
		}
	}()

	var count int64
	h := make(mergeHeap, 0, len(tables))
	for _, t := range tables {
		it, err := t.Iterator()
		if err != nil {
			return err
		}
		iters = append(iters, it)
		count += t.Count()

		e, ok, err := it.Next()
		if err != nil {
			return err
		}
		if ok {
			h = append(h, mergeHead{entry: e, it: it})
		}
	}
	heap.Init(&h)

	next := func() (index.IndexEntry, bool, error) {
		if h.Len() == 0 {
			return index.IndexEntry{}, false, nil
		}
		head := h[0]
		e, ok, err := head.it.Next()
		if err != nil {
			return index.IndexEntry{}, false, err
		}
		if ok {
			h[0].entry = e
			heap.Fix(&h, 0)
		} else {
			heap.Pop(&h)
		}
		return head.entry, true, nil
	}
	return writeTable(path, count, next, opts)
}
