package topology

import (
	"fmt"
	"html"
	"io"
	"strings"
)

// RenderSVG produces a standalone SVG document for a draw model.
func RenderSVG(dm DrawModel) string {
	var b strings.Builder
	fmt.Fprintf(&b, `<svg xmlns="http://www.w3.org/2000/svg" width="%g" height="%g" viewBox="0 0 %g %g">`+"\n", dm.Width, dm.Height, dm.Width, dm.Height)
	fmt.Fprintf(&b, `<rect width="100%%" height="100%%" fill="#050910"/>`+"\n")
	for _, s := range dm.Segments {
		dash := "4 0"
		if s.Dashed {
			dash = "6 4"
		}
		fmt.Fprintf(&b, `<line x1="%.1f" y1="%.1f" x2="%.1f" y2="%.1f" stroke="%s" stroke-width="%g" stroke-dasharray="%s" opacity="0.85"/>`+"\n",
			s.X1, s.Y1, s.X2, s.Y2, s.Color, s.Weight, dash)
	}
	for _, m := range dm.Markers {
		fmt.Fprintf(&b, `<circle cx="%.1f" cy="%.1f" r="%g" fill="%s"/>`+"\n", m.X, m.Y, m.Size/2, m.Color)
		fmt.Fprintf(&b, `<text x="%.1f" y="%.1f" fill="#e6e8f0" font-size="12">%s</text>`+"\n", m.X-4, m.Y+m.Size+8, html.EscapeString(m.ID))
	}
	b.WriteString("</svg>\n")
	return b.String()
}

// WriteSVG writes RenderSVG output to w.
func WriteSVG(w io.Writer, dm DrawModel) error {
	_, err := io.WriteString(w, RenderSVG(dm))
	return err
}
