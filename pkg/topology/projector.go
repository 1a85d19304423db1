package topology

import (
	"math"

	"peer-wan-console/pkg/model"
)

// Plane is the fixed drawing surface nodes are projected onto.
type Plane struct {
	Width  float64 `yaml:"width" json:"width"`
	Height float64 `yaml:"height" json:"height"`
	Radius float64 `yaml:"radius" json:"radius"` // fallback ring for nodes without coordinates
}

// DefaultPlane matches the console map size.
var DefaultPlane = Plane{Width: 900, Height: 420, Radius: 180}

// Position is a computed point for one render pass.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Project maps every node to a plane position. Nodes with a coordinate use an
// equirectangular projection; the rest are spread evenly on a ring around the
// plane center, ordered by their position among the uncoordinated nodes only.
// The output depends only on the input order, so repeated calls agree.
func (p Plane) Project(nodes []model.Node) map[string]Position {
	out := make(map[string]Position, len(nodes))
	if len(nodes) == 0 {
		return out
	}
	unknown := 0
	for _, n := range nodes {
		if _, _, ok := n.Location.Coordinate(); !ok {
			unknown++
		}
	}
	cx, cy := p.Width/2, p.Height/2
	idx := 0
	for _, n := range nodes {
		if lat, lng, ok := n.Location.Coordinate(); ok {
			out[n.ID] = Position{
				X: ((lng + 180) / 360) * p.Width,
				Y: ((90 - lat) / 180) * p.Height,
			}
			continue
		}
		angle := float64(idx) / float64(unknown) * 2 * math.Pi
		out[n.ID] = Position{
			X: cx + math.Cos(angle)*p.Radius,
			Y: cy + math.Sin(angle)*p.Radius,
		}
		idx++
	}
	return out
}

// MarkCurrent returns a copy of nodes with Current set on the focused node.
func MarkCurrent(nodes []model.Node, currentID string) []model.Node {
	out := make([]model.Node, len(nodes))
	for i, n := range nodes {
		n.Current = currentID != "" && n.ID == currentID
		out[i] = n
	}
	return out
}
