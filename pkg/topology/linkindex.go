package topology

import "peer-wan-console/pkg/model"

type segmentKey struct{ a, b string }

func keyFor(a, b string) segmentKey {
	if b < a {
		a, b = b, a
	}
	return segmentKey{a: a, b: b}
}

// LinkIndex answers health questions about an undirected segment in O(1).
// When the same pair appears more than once the last entry wins.
type LinkIndex struct {
	links map[segmentKey]model.Link
}

// NewLinkIndex builds the lookup table from a directed link list.
func NewLinkIndex(links []model.Link) *LinkIndex {
	idx := &LinkIndex{links: make(map[segmentKey]model.Link, len(links))}
	for _, l := range links {
		idx.links[keyFor(l.From, l.To)] = l
	}
	return idx
}

// Lookup returns the link recorded for the pair in either direction.
func (x *LinkIndex) Lookup(a, b string) (model.Link, bool) {
	if x == nil {
		return model.Link{}, false
	}
	l, ok := x.links[keyFor(a, b)]
	return l, ok
}

// Healthy reports whether the segment is known and, if so, whether it is ok.
func (x *LinkIndex) Healthy(a, b string) (healthy, known bool) {
	l, ok := x.Lookup(a, b)
	if !ok {
		return false, false
	}
	return l.OK, true
}

// Len is the number of distinct segments.
func (x *LinkIndex) Len() int {
	if x == nil {
		return 0
	}
	return len(x.links)
}

// DownLinks lists unhealthy links in input order.
func DownLinks(links []model.Link) []model.Link {
	out := []model.Link{}
	for _, l := range links {
		if !l.OK {
			out = append(out, l)
		}
	}
	return out
}
