package vectorfile

import (
	"container/heap"
	"sort"
)

// Match is one similarity hit.
type Match struct {
	RowID int64
	Score float32
}

// TopK scans every record and returns the k most cosine-similar to query,
// best first. Records rejected by keep are skipped; keep may be nil.
func (v *File) TopK(query []float32, k int, keep func(rowID int64) bool) ([]Match, error) {
	if len(query) != v.dims {
		return nil, ErrDimensionMismatch
	}
	if k <= 0 {
		return nil, nil
	}
	qmag := Magnitude(query)
	if qmag == 0 {
		return nil, nil
	}

	v.mu.RLock()
	defer v.mu.RUnlock()
	scratch := make([]float32, v.dims)
	h := make(minHeap, 0, k)
	for i := 0; i < v.count; i++ {
		id := v.rowID(i)
		if keep != nil && !keep(id) {
			continue
		}
		mag := v.magnitude(i)
		if mag == 0 {
			continue
		}
		score := dot(query, v.coords(i, scratch)) / (qmag * mag)
		switch {
		case len(h) < k:
			heap.Push(&h, Match{RowID: id, Score: score})
		case score > h[0].Score:
			h[0] = Match{RowID: id, Score: score}
			heap.Fix(&h, 0)
		}
	}
	out := []Match(h)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].RowID < out[j].RowID
	})
	return out, nil
}

func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

type minHeap []Match

func (h minHeap) Len() int           { return len(h) }
func (h minHeap) Less(i, j int) bool { return h[i].Score < h[j].Score }
func (h minHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *minHeap) Push(x any)        { *h = append(*h, x.(Match)) }
func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
