package eventprocessor

import (
	"sort"

	"github.com/cespare/xxhash/v2"

	"github.com/ChuLiYu/trackingproc/pkg/eventstream"
)

// RootSegment is the (0, 0) segment matching every event — the starting
// point before any split has occurred.
var RootSegment = Segment{ID: 0, Mask: 0}

// Segment is a partition of the aggregate-id space, identified by the
// pair (id, mask). Matches implements the predicate
// hash(aggregateIdentifier) & mask == id (spec §3).
type Segment struct {
	ID   int
	Mask int
}

// Matches reports whether aggregateID belongs to this segment.
func (s Segment) Matches(aggregateID eventstream.AggregateIdentifier) bool {
	h := int(xxhash.Sum64String(string(aggregateID)) & 0x7fffffff)
	return h&s.Mask == s.ID
}

// Split divides the segment into two children: one keeping the current
// id, one with the new high bit set, both widened by one mask bit
// (spec §3: "splitting segment s with mask m yields two children with
// mask (m<<1)|1, ids s and s|(m+1)").
func (s Segment) Split() (Segment, Segment) {
	newMask := (s.Mask << 1) | 1
	sibling := s.ID | (s.Mask + 1)
	return Segment{ID: s.ID, Mask: newMask}, Segment{ID: sibling, Mask: newMask}
}

// ComputeSegments reconstructs the full segment set from a flat id
// array, as returned by TokenStore.FetchSegments. It replays the split
// tree from the root: a segment stays a leaf once it is the unique id
// in the target set reachable under its current mask, otherwise it is
// split and the search continues into both children (spec §3).
func ComputeSegments(ids []int) []Segment {
	segments := make([]Segment, 0, len(ids))
	reconstruct(RootSegment, ids, &segments)
	sort.Slice(segments, func(i, j int) bool { return segments[i].ID < segments[j].ID })
	return segments
}

func reconstruct(seg Segment, candidates []int, out *[]Segment) {
	under := make([]int, 0, len(candidates))
	for _, id := range candidates {
		if id&seg.Mask == seg.ID {
			under = append(under, id)
		}
	}

	if len(under) == 0 {
		return
	}
	if len(under) == 1 && under[0] == seg.ID {
		*out = append(*out, seg)
		return
	}

	a, b := seg.Split()
	reconstruct(a, under, out)
	reconstruct(b, under, out)
}
