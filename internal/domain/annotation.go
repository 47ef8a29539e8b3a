package domain

import "errors"

var ErrEmptyStroke = errors.New("stroke has no points")

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Stroke is one completed freehand path drawn over a shared screen. Points
// are in the coordinate space of the sender's viewport.
type Stroke struct {
	Points         []Point `json:"points"`
	Color          string  `json:"color"`
	Width          float64 `json:"width"`
	ViewportWidth  float64 `json:"viewportWidth"`
	ViewportHeight float64 `json:"viewportHeight"`
}

func (s Stroke) Validate() error {
	if len(s.Points) == 0 {
		return ErrEmptyStroke
	}
	return nil
}

// Scale maps the stroke into a viewport of the given size.
func (s Stroke) Scale(width, height float64) Stroke {
	if s.ViewportWidth <= 0 || s.ViewportHeight <= 0 || width <= 0 || height <= 0 {
		return s
	}
	sx := width / s.ViewportWidth
	sy := height / s.ViewportHeight

	out := s
	out.Points = make([]Point, len(s.Points))
	for i, p := range s.Points {
		out.Points[i] = Point{X: p.X * sx, Y: p.Y * sy}
	}
	out.Width = s.Width * (sx + sy) / 2
	out.ViewportWidth = width
	out.ViewportHeight = height
	return out
}
