package policy

import "peer-wan-console/pkg/topology"

// PathState is the PathSelector state.
type PathState int

const (
	PathIdle PathState = iota
	PathBuilding
)

func (s PathState) String() string {
	if s == PathBuilding {
		return "building"
	}
	return "idle"
}

// DegradedHop is a consecutive pair on the path whose link is known to be down.
type DegradedHop struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Reason string `json:"reason,omitempty"`
}

// PathSelector accumulates the hops an operator clicks on the map.
// The origin node is never part of the accumulated path. Revisiting a node is
// allowed. It is not safe for concurrent use; Controller serializes access.
type PathSelector struct {
	origin string
	path   []string
}

// NewPathSelector returns an idle selector without an origin.
func NewPathSelector() *PathSelector { return &PathSelector{} }

// Reset clears the path and binds the selector to a (possibly new) origin.
func (s *PathSelector) Reset(origin string) {
	s.origin = origin
	s.path = nil
}

// Pick appends a hop. Picking the origin is a no-op and returns false.
func (s *PathSelector) Pick(nodeID string) bool {
	if nodeID == "" || nodeID == s.origin {
		return false
	}
	s.path = append(s.path, nodeID)
	return true
}

// Confirm emits the accumulated path and returns to idle.
func (s *PathSelector) Confirm() []string {
	out := s.path
	s.path = nil
	return out
}

// Cancel discards the accumulated path.
func (s *PathSelector) Cancel() { s.path = nil }

// State reports idle or building.
func (s *PathSelector) State() PathState {
	if len(s.path) > 0 {
		return PathBuilding
	}
	return PathIdle
}

// Origin is the node the session was opened against.
func (s *PathSelector) Origin() string { return s.origin }

// Path returns a copy of the hops picked so far.
func (s *PathSelector) Path() []string { return append([]string(nil), s.path...) }

// Highlight is origin followed by the picked hops, the chain drawn on the map.
func (s *PathSelector) Highlight() []string {
	out := make([]string, 0, len(s.path)+1)
	if s.origin != "" {
		out = append(out, s.origin)
	}
	return append(out, s.path...)
}

// Degraded lists hops (origin->first, first->second, ...) whose link is
// known and unhealthy. Unknown links are not reported.
func (s *PathSelector) Degraded(idx *topology.LinkIndex) []DegradedHop {
	out := []DegradedHop{}
	for i, to := range s.path {
		from := s.origin
		if i > 0 {
			from = s.path[i-1]
		}
		if from == "" {
			continue
		}
		if l, ok := idx.Lookup(from, to); ok && !l.OK {
			out = append(out, DegradedHop{From: from, To: to, Reason: l.Reason})
		}
	}
	return out
}
