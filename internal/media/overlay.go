package media

import (
	"sync"

	"github.com/immxrtalbeast/teamsync/internal/domain"
)

// Canvas is the surface annotations are drawn on, laid over the shared
// screen.
type Canvas interface {
	Size() (width, height float64)
	DrawStroke(s domain.Stroke)
	Clear()
}

// MemoryCanvas keeps drawn strokes in memory.
type MemoryCanvas struct {
	mu      sync.Mutex
	width   float64
	height  float64
	strokes []domain.Stroke
}

func NewMemoryCanvas(width, height float64) *MemoryCanvas {
	return &MemoryCanvas{width: width, height: height}
}

func (c *MemoryCanvas) Size() (float64, float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.width, c.height
}

func (c *MemoryCanvas) Resize(width, height float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.width, c.height = width, height
}

func (c *MemoryCanvas) DrawStroke(s domain.Stroke) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.strokes = append(c.strokes, s)
}

func (c *MemoryCanvas) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.strokes = nil
}

func (c *MemoryCanvas) Strokes() []domain.Stroke {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Stroke(nil), c.strokes...)
}

// Overlay draws received strokes on a canvas, scaled to its viewport.
type Overlay struct {
	mu     sync.Mutex
	canvas Canvas
}

func NewOverlay(canvas Canvas) *Overlay {
	return &Overlay{canvas: canvas}
}

func (o *Overlay) SetCanvas(canvas Canvas) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.canvas = canvas
}

func (o *Overlay) Draw(s domain.Stroke) error {
	if err := s.Validate(); err != nil {
		return err
	}
	o.mu.Lock()
	canvas := o.canvas
	o.mu.Unlock()
	if canvas == nil {
		return nil
	}
	w, h := canvas.Size()
	canvas.DrawStroke(s.Scale(w, h))
	return nil
}

func (o *Overlay) Clear() {
	o.mu.Lock()
	canvas := o.canvas
	o.mu.Unlock()
	if canvas != nil {
		canvas.Clear()
	}
}
