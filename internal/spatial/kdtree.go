// Package spatial provides a static k-d tree over agent positions for
// nearest-neighbour and radius queries.
//
// An Index is built once from a complete point set and never mutated.
// Positions that change are handled by building a new Index, which keeps
// queries lock-free for concurrent readers.
package spatial

import (
	"cmp"
	"container/heap"
	"fmt"
	"math"
	"slices"

	"github.com/talgya/ecosim/internal/simerr"
)

// Neighbor is a query hit: the point id and its Euclidean distance to the
// query point.
type Neighbor[ID cmp.Ordered] struct {
	ID       ID
	Distance float64
}

type point[ID cmp.Ordered] struct {
	id     ID
	coords []float64
}

// node splits on coords[axis] of its own point. Left holds strictly smaller
// coordinates on that axis, right holds greater or equal ones.
type node[ID cmp.Ordered] struct {
	p     point[ID]
	axis  int
	left  *node[ID]
	right *node[ID]
}

// Index is an immutable k-d tree. The zero value is not usable; a nil
// *Index reports ErrIllegalState on every query.
type Index[ID cmp.Ordered] struct {
	dims int
	size int
	root *node[ID]
}

// Build constructs a balanced tree from points keyed by id. Every
// coordinate list must have exactly dims entries.
func Build[ID cmp.Ordered](dims int, points map[ID][]float64) (*Index[ID], error) {
	if dims < 1 {
		return nil, fmt.Errorf("spatial: dimensions must be >= 1, got %d: %w", dims, simerr.ErrInvalidArgument)
	}

	pts := make([]point[ID], 0, len(points))
	for id, coords := range points {
		if len(coords) != dims {
			return nil, fmt.Errorf("spatial: point %v has %d coordinates, want %d: %w",
				id, len(coords), dims, simerr.ErrInvalidArgument)
		}
		for _, c := range coords {
			if math.IsNaN(c) || math.IsInf(c, 0) {
				return nil, fmt.Errorf("spatial: point %v has non-finite coordinate: %w", id, simerr.ErrInvalidArgument)
			}
		}
		pts = append(pts, point[ID]{id: id, coords: slices.Clone(coords)})
	}

	// Map iteration order is random; sort so identical input yields an
	// identical tree.
	slices.SortFunc(pts, func(a, b point[ID]) int { return cmp.Compare(a.id, b.id) })

	return &Index[ID]{
		dims: dims,
		size: len(pts),
		root: build(pts, 0, dims),
	}, nil
}

func build[ID cmp.Ordered](pts []point[ID], depth, dims int) *node[ID] {
	if len(pts) == 0 {
		return nil
	}

	axis := depth % dims
	mid := len(pts) / 2
	selectNth(pts, mid, axis)
	split := pts[mid].coords[axis]

	// Everything before mid is <= split. Pull the ties out of the left
	// half so the left subtree holds only strictly smaller coordinates.
	b := 0
	for i := 0; i < mid; i++ {
		if pts[i].coords[axis] < split {
			pts[b], pts[i] = pts[i], pts[b]
			b++
		}
	}
	pts[b], pts[mid] = pts[mid], pts[b]

	return &node[ID]{
		p:     pts[b],
		axis:  axis,
		left:  build(pts[:b], depth+1, dims),
		right: build(pts[b+1:], depth+1, dims),
	}
}

// selectNth partially orders pts so that pts[k] holds the element that
// would be there after a full sort by (coords[axis], id).
func selectNth[ID cmp.Ordered](pts []point[ID], k, axis int) {
	less := func(a, b point[ID]) bool {
		if a.coords[axis] != b.coords[axis] {
			return a.coords[axis] < b.coords[axis]
		}
		return a.id < b.id
	}

	lo, hi := 0, len(pts)-1
	for lo < hi {
		m := lo + (hi-lo)/2
		if less(pts[m], pts[lo]) {
			pts[m], pts[lo] = pts[lo], pts[m]
		}
		if less(pts[hi], pts[lo]) {
			pts[hi], pts[lo] = pts[lo], pts[hi]
		}
		if less(pts[m], pts[hi]) {
			pts[m], pts[hi] = pts[hi], pts[m]
		}

		pivot := pts[hi]
		store := lo
		for i := lo; i < hi; i++ {
			if less(pts[i], pivot) {
				pts[i], pts[store] = pts[store], pts[i]
				store++
			}
		}
		pts[store], pts[hi] = pts[hi], pts[store]

		switch {
		case k == store:
			return
		case k < store:
			hi = store - 1
		default:
			lo = store + 1
		}
	}
}

// Size returns the number of indexed points.
func (x *Index[ID]) Size() int {
	if x == nil {
		return 0
	}
	return x.size
}

// Dimensions returns k.
func (x *Index[ID]) Dimensions() int {
	if x == nil {
		return 0
	}
	return x.dims
}

// Nearest returns up to n points closest to q, ordered by distance and then
// by ascending id.
func (x *Index[ID]) Nearest(q []float64, n int) ([]Neighbor[ID], error) {
	if err := x.checkQuery(q); err != nil {
		return nil, err
	}
	if n < 1 {
		return nil, fmt.Errorf("spatial: neighbour count must be >= 1, got %d: %w", n, simerr.ErrInvalidArgument)
	}
	if x.root == nil {
		return []Neighbor[ID]{}, nil
	}

	h := &candidateHeap[ID]{}
	x.nearest(x.root, q, n, h)
	return finish(h.items), nil
}

func (x *Index[ID]) nearest(nd *node[ID], q []float64, n int, h *candidateHeap[ID]) {
	if nd == nil {
		return
	}

	c := candidate[ID]{id: nd.p.id, d2: dist2(q, nd.p.coords)}
	if h.Len() < n {
		heap.Push(h, c)
	} else if h.items[0].worse(c) {
		h.items[0] = c
		heap.Fix(h, 0)
	}

	diff := q[nd.axis] - nd.p.coords[nd.axis]
	near, far := nd.left, nd.right
	if diff >= 0 {
		near, far = nd.right, nd.left
	}
	x.nearest(near, q, n, h)
	// Equal plane distance is still explored so a tied point with a
	// smaller id can displace the current worst.
	if h.Len() < n || diff*diff <= h.items[0].d2 {
		x.nearest(far, q, n, h)
	}
}

// Within returns every point at distance <= radius from q, ordered by
// distance and then by ascending id.
func (x *Index[ID]) Within(q []float64, radius float64) ([]Neighbor[ID], error) {
	if err := x.checkQuery(q); err != nil {
		return nil, err
	}
	if radius < 0 || math.IsNaN(radius) {
		return nil, fmt.Errorf("spatial: radius must be >= 0, got %v: %w", radius, simerr.ErrInvalidArgument)
	}

	var hits []candidate[ID]
	x.within(x.root, q, radius*radius, &hits)
	return finish(hits), nil
}

func (x *Index[ID]) within(nd *node[ID], q []float64, r2 float64, hits *[]candidate[ID]) {
	if nd == nil {
		return
	}
	if d2 := dist2(q, nd.p.coords); d2 <= r2 {
		*hits = append(*hits, candidate[ID]{id: nd.p.id, d2: d2})
	}

	diff := q[nd.axis] - nd.p.coords[nd.axis]
	near, far := nd.left, nd.right
	if diff >= 0 {
		near, far = nd.right, nd.left
	}
	x.within(near, q, r2, hits)
	if diff*diff <= r2 {
		x.within(far, q, r2, hits)
	}
}

func (x *Index[ID]) checkQuery(q []float64) error {
	if x == nil {
		return fmt.Errorf("spatial: query on unbuilt index: %w", simerr.ErrIllegalState)
	}
	if len(q) != x.dims {
		return fmt.Errorf("spatial: query has %d coordinates, want %d: %w", len(q), x.dims, simerr.ErrInvalidArgument)
	}
	return nil
}

func finish[ID cmp.Ordered](cs []candidate[ID]) []Neighbor[ID] {
	slices.SortFunc(cs, func(a, b candidate[ID]) int {
		if c := cmp.Compare(a.d2, b.d2); c != 0 {
			return c
		}
		return cmp.Compare(a.id, b.id)
	})
	out := make([]Neighbor[ID], len(cs))
	for i, c := range cs {
		out[i] = Neighbor[ID]{ID: c.id, Distance: math.Sqrt(c.d2)}
	}
	return out
}

func dist2(a, b []float64) float64 {
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

type candidate[ID cmp.Ordered] struct {
	id ID
	d2 float64
}

func (c candidate[ID]) worse(o candidate[ID]) bool {
	if c.d2 != o.d2 {
		return c.d2 > o.d2
	}
	return c.id > o.id
}

// candidateHeap is a max-heap: the worst retained candidate sits at index 0.
type candidateHeap[ID cmp.Ordered] struct {
	items []candidate[ID]
}

func (h *candidateHeap[ID]) Len() int           { return len(h.items) }
func (h *candidateHeap[ID]) Less(i, j int) bool { return h.items[i].worse(h.items[j]) }
func (h *candidateHeap[ID]) Swap(i, j int)      { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *candidateHeap[ID]) Push(v any)         { h.items = append(h.items, v.(candidate[ID])) }
func (h *candidateHeap[ID]) Pop() any {
	last := h.items[len(h.items)-1]
	h.items = h.items[:len(h.items)-1]
	return last
}
