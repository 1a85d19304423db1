package topology

import "peer-wan-console/pkg/model"

const (
	colorHealthy  = "#38f39d"
	colorDown     = "#ff4d4f"
	colorNode     = "#9de1ff"
	weightDefault = 1.6
	weightPath    = 3.0
	sizeNode      = 12
	sizeCurrent   = 16
)

// Segment is one drawable link.
type Segment struct {
	From        string  `json:"from"`
	To          string  `json:"to"`
	X1          float64 `json:"x1"`
	Y1          float64 `json:"y1"`
	X2          float64 `json:"x2"`
	Y2          float64 `json:"y2"`
	Healthy     bool    `json:"healthy"`
	Highlighted bool    `json:"highlighted"`
	Color       string  `json:"color"`
	Weight      float64 `json:"weight"`
	Dashed      bool    `json:"dashed"`
	Reason      string  `json:"reason,omitempty"`
}

// Marker is one drawable node.
type Marker struct {
	ID       string  `json:"id"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Size     float64 `json:"size"`
	Color    string  `json:"color"`
	Critical bool    `json:"critical"`
	Current  bool    `json:"current"`
}

// DrawModel is everything needed to paint the mesh map once.
type DrawModel struct {
	Width    float64   `json:"width"`
	Height   float64   `json:"height"`
	Segments []Segment `json:"segments"`
	Markers  []Marker  `json:"markers"`
}

// Render combines projected positions, the link list and an optional
// highlighted path into a draw model. Links or nodes without a position are
// skipped. Inputs are not modified.
func Render(plane Plane, nodes []model.Node, positions map[string]Position, links []model.Link, highlight []string) DrawModel {
	onPath := make(map[segmentKey]struct{}, len(highlight))
	for i := 0; i+1 < len(highlight); i++ {
		onPath[keyFor(highlight[i], highlight[i+1])] = struct{}{}
	}

	dm := DrawModel{
		Width:    plane.Width,
		Height:   plane.Height,
		Segments: make([]Segment, 0, len(links)),
		Markers:  make([]Marker, 0, len(nodes)),
	}
	critical := make(map[string]bool)
	for _, l := range links {
		if !l.OK {
			critical[l.From] = true
			critical[l.To] = true
		}
		a, okA := positions[l.From]
		b, okB := positions[l.To]
		if !okA || !okB {
			continue
		}
		seg := Segment{
			From: l.From, To: l.To,
			X1: a.X, Y1: a.Y, X2: b.X, Y2: b.Y,
			Healthy: l.OK,
			Color:   colorHealthy,
			Weight:  weightDefault,
			Reason:  l.Reason,
		}
		if !l.OK {
			seg.Color = colorDown
			seg.Dashed = true
		}
		if _, ok := onPath[keyFor(l.From, l.To)]; ok {
			seg.Highlighted = true
			seg.Weight = weightPath
		}
		dm.Segments = append(dm.Segments, seg)
	}

	for _, n := range nodes {
		pos, ok := positions[n.ID]
		if !ok {
			continue
		}
		m := Marker{
			ID: n.ID, X: pos.X, Y: pos.Y,
			Size:     sizeNode,
			Color:    colorNode,
			Critical: critical[n.ID],
			Current:  n.Current,
		}
		if n.Current {
			m.Size = sizeCurrent
		}
		if m.Critical {
			m.Color = colorDown
		}
		dm.Markers = append(dm.Markers, m)
	}
	return dm
}
