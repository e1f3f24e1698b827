package native

import (
	"math"
	"sort"

	"github.com/23skdu/arrowhead/internal/core"
)

// topK keeps the k closest candidates seen so far, ordered by distance.
// A candidate tying an existing one is placed after it, so ties keep the
// order in which they were discovered.
type topK struct {
	k   int
	hit core.QueryResult
}

func newTopK(k int) *topK {
	capHint := k
	if capHint > 1024 {
		capHint = 1024
	}
	return &topK{k: k, hit: make(core.QueryResult, 0, capHint)}
}

// push offers a candidate. NaN distances, which float overflow can produce
// under inner product, rank as +Inf so they never displace a real match.
func (t *topK) push(id int64, dist float32) {
	if dist != dist {
		dist = float32(math.Inf(1))
	}
	if len(t.hit) == t.k && dist >= t.hit[len(t.hit)-1].Distance {
		return
	}
	// first position with a strictly greater distance
	pos := sort.Search(len(t.hit), func(i int) bool { return t.hit[i].Distance > dist })
	if pos >= t.k {
		return
	}
	if len(t.hit) < t.k {
		t.hit = append(t.hit, core.Neighbor{})
	}
	copy(t.hit[pos+1:], t.hit[pos:len(t.hit)-1])
	t.hit[pos] = core.Neighbor{ID: id, Distance: dist}
}

func (t *topK) result() core.QueryResult { return t.hit }
