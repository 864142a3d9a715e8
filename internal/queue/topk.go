// Package queue provides a bounded top-k selection heap for search.
package queue

// Item is a scored candidate.
type Item struct {
	RowID    uint64
	Distance float32
}

// TopK keeps the k smallest-distance items seen so far using a max-heap:
// the root is the current worst candidate, so a new item only displaces it
// when strictly better. Push is O(log k); the full stream is never sorted.
type TopK struct {
	k     int
	items []Item
}

// NewTopK creates a collector for the k nearest items.
func NewTopK(k int) *TopK {
	return &TopK{k: k, items: make([]Item, 0, k)}
}

// Len returns the number of collected items.
func (t *TopK) Len() int { return len(t.items) }

// Threshold returns the current worst retained distance.
// Meaningful only once Len() == k; before that every candidate is admitted.
func (t *TopK) Threshold() (float32, bool) {
	if len(t.items) < t.k || len(t.items) == 0 {
		return 0, false
	}
	return t.items[0].Distance, true
}

// Push offers a candidate. Returns true if it was retained.
func (t *TopK) Push(it Item) bool {
	if t.k <= 0 {
		return false
	}
	if len(t.items) < t.k {
		t.items = append(t.items, it)
		t.siftUp(len(t.items) - 1)
		return true
	}
	if it.Distance >= t.items[0].Distance {
		return false
	}
	t.items[0] = it
	t.siftDown(0)
	return true
}

// Drain returns the collected items ordered ascending by distance.
// The collector is empty afterwards.
func (t *TopK) Drain() []Item {
	out := make([]Item, len(t.items))
	for i := len(t.items) - 1; i >= 0; i-- {
		out[i] = t.pop()
	}
	return out
}

func (t *TopK) pop() Item {
	n := len(t.items)
	root := t.items[0]
	t.items[0] = t.items[n-1]
	t.items = t.items[:n-1]
	if len(t.items) > 0 {
		t.siftDown(0)
	}
	return root
}

func (t *TopK) siftUp(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if t.items[i].Distance <= t.items[parent].Distance {
			break
		}
		t.items[i], t.items[parent] = t.items[parent], t.items[i]
		i = parent
	}
}

func (t *TopK) siftDown(i int) {
	n := len(t.items)
	for {
		largest := i
		if l := 2*i + 1; l < n && t.items[l].Distance > t.items[largest].Distance {
			largest = l
		}
		if r := 2*i + 2; r < n && t.items[r].Distance > t.items[largest].Distance {
			largest = r
		}
		if largest == i {
			return
		}
		t.items[i], t.items[largest] = t.items[largest], t.items[i]
		i = largest
	}
}
