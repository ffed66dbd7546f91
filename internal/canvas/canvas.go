// Package canvas is the consumer-side reconciliation model: it applies a
// replayed history plus a live stream of element events onto a local surface.
// Every client replicates this state machine independently; apply order is
// receipt order and conflict resolution is last-write-wins.
package canvas

import (
	"encoding/json"
	"fmt"
	"math"
	"sync"

	"collab-backend/internal/event"
)

type ElementType string

const (
	TypeStroke ElementType = "stroke"
	TypeSticky ElementType = "sticky"
	TypeText   ElementType = "text"
	TypeImage  ElementType = "image"
)

// Element is one persistent, selectable member of the canvas. Identity is
// the client-generated id, stable across move/update events.
type Element struct {
	ID   string
	Type ElementType
	X    float64
	Y    float64
	Z    int

	// stroke
	Points [][2]float64
	Color  string
	Width  float64
	Alpha  float64
	Tool   string

	// sticky
	Title   string
	Content string

	// text
	Value string

	// image
	Src    string
	Name   string
	ImageW float64
	ImageH float64
}

// Settings is the per-board view state owned by one canvas instance, passed
// explicitly instead of living in ambient globals.
type Settings struct {
	Zoom         float64
	PanX         float64
	PanY         float64
	Tool         string
	Color        string
	TimerSeconds int
}

type partialStroke struct {
	points    [][2]float64
	lastPoint [2]float64
	started   bool
	color     string
	width     float64
	alpha     float64
	tool      string
}

// Canvas holds the reconciled board state: vector elements by id, in-progress
// strokes by stroke id, the flattened raster bitmap freehand strokes bake
// into, and the version checkpoint list.
type Canvas struct {
	mu       sync.Mutex
	elements map[string]*Element
	partial  map[string]*partialStroke
	bitmap   *Bitmap
	versions []event.VersionEvent
	zCounter int

	Settings Settings
}

const maxVersions = 10

// New creates an empty canvas.
func New() *Canvas {
	return &Canvas{
		elements: make(map[string]*Element),
		partial:  make(map[string]*partialStroke),
		bitmap:   NewBitmap(),
		Settings: Settings{Zoom: 1},
	}
}

// Apply folds one envelope into the canvas. Unknown element references are a
// benign no-op; malformed payloads return an error for the caller to log.
// Either way the canvas is never left in a broken state.
func (c *Canvas) Apply(env *event.Envelope) error {
	if env.Meta.Kind == event.KindVersion {
		var ve event.VersionEvent
		if err := json.Unmarshal(env.Payload, &ve); err != nil {
			return fmt.Errorf("%w: %v", event.ErrInvalidPayload, err)
		}
		c.AddVersion(ve)
		return nil
	}

	p, err := env.Decode()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch v := p.(type) {
	case *event.StrokePayload:
		c.applyStroke(v)
	case *event.StickyPayload:
		// Idempotent upsert: the id is client-generated-unique, so an
		// existing element means our own echo or a replayed duplicate.
		if _, ok := c.elements[v.ID]; !ok {
			c.zCounter++
			c.elements[v.ID] = &Element{
				ID: v.ID, Type: TypeSticky, X: v.X, Y: v.Y, Z: c.zCounter,
				Title: v.Title, Content: v.Content,
			}
		}
	case *event.StickyUpdatePayload:
		if el, ok := c.elements[v.ID]; ok && el.Type == TypeSticky {
			if v.Title != nil {
				el.Title = *v.Title
			}
			if v.Content != nil {
				el.Content = *v.Content
			}
		}
	case *event.TextPayload:
		if _, ok := c.elements[v.ID]; !ok {
			c.zCounter++
			c.elements[v.ID] = &Element{
				ID: v.ID, Type: TypeText, X: v.X, Y: v.Y, Z: c.zCounter,
				Value: v.Value,
			}
		}
	case *event.TextUpdatePayload:
		if el, ok := c.elements[v.ID]; ok && el.Type == TypeText {
			if v.Value != nil {
				el.Value = *v.Value
			}
		}
	case *event.ImagePayload:
		if _, ok := c.elements[v.ID]; !ok {
			c.zCounter++
			c.elements[v.ID] = &Element{
				ID: v.ID, Type: TypeImage, X: v.X, Y: v.Y, Z: c.zCounter,
				Src: v.Src, Name: v.Name, ImageW: v.Width, ImageH: v.Height,
			}
		}
	case *event.MovePayload:
		// Absolute position, last received wins.
		if el, ok := c.elements[v.ID]; ok {
			el.X = v.X
			el.Y = v.Y
		}
	case *event.ErasePayload:
		if v.ID != "" {
			delete(c.elements, v.ID)
		} else {
			// Destructive raster clear; idempotent to rendering, not to the
			// data it removes.
			c.bitmap.ClearRect(v.X-v.Radius, v.Y-v.Radius, v.Radius*2, v.Radius*2)
		}
	}
	return nil
}

// applyStroke accumulates point batches per stroke id, painting each segment
// incrementally, and finalizes the stroke into a persistent element on the
// first non-partial batch.
func (c *Canvas) applyStroke(v *event.StrokePayload) {
	ps := c.partial[v.StrokeID]
	if ps == nil {
		alpha := 1.0
		if v.Alpha != nil {
			alpha = *v.Alpha
		}
		color := v.Color
		if color == "" {
			color = "#000"
		}
		width := v.Width
		if width == 0 {
			width = 2
		}
		ps = &partialStroke{color: color, width: width, alpha: alpha, tool: v.Tool}
		c.partial[v.StrokeID] = ps
	}

	for _, pt := range v.Points {
		if ps.started {
			c.bitmap.PaintSegment(ps.lastPoint, pt)
		} else {
			c.bitmap.PaintPoint(pt)
			ps.started = true
		}
		ps.lastPoint = pt
		ps.points = append(ps.points, pt)
	}

	if v.Partial {
		return
	}

	// Final batch: bake the accumulated path into a selectable element.
	if _, ok := c.elements[v.StrokeID]; !ok {
		c.zCounter++
		points := make([][2]float64, len(ps.points))
		copy(points, ps.points)
		var x, y float64
		if len(points) > 0 {
			x, y = points[0][0], points[0][1]
		}
		c.elements[v.StrokeID] = &Element{
			ID: v.StrokeID, Type: TypeStroke, X: x, Y: y, Z: c.zCounter,
			Points: points, Color: ps.color, Width: ps.width, Alpha: ps.alpha, Tool: ps.tool,
		}
	}
	delete(c.partial, v.StrokeID)
}

// AddVersion records a checkpoint marker, deduplicated by id, newest first,
// capped to the most recent entries.
func (c *Canvas) AddVersion(ve event.VersionEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, existing := range c.versions {
		if existing.ID == ve.ID {
			return
		}
	}
	c.versions = append([]event.VersionEvent{ve}, c.versions...)
	if len(c.versions) > maxVersions {
		c.versions = c.versions[:maxVersions]
	}
}

// Versions returns recorded checkpoints, newest first.
func (c *Canvas) Versions() []event.VersionEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]event.VersionEvent, len(c.versions))
	copy(out, c.versions)
	return out
}

// Element returns a copy of the element with the given id, if present.
func (c *Canvas) Element(id string) (Element, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.elements[id]
	if !ok {
		return Element{}, false
	}
	return *el, true
}

// ElementIDs returns the ids of all persistent elements.
func (c *Canvas) ElementIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.elements))
	for id := range c.elements {
		ids = append(ids, id)
	}
	return ids
}

// Len reports the number of persistent elements.
func (c *Canvas) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.elements)
}

// Bitmap exposes the raster surface for rendering and tests.
func (c *Canvas) Bitmap() *Bitmap {
	return c.bitmap
}

// Bitmap is the flattened raster surface freehand strokes bake into. It
// tracks painted pixels, which is all the event semantics need.
type Bitmap struct {
	mu      sync.Mutex
	painted map[[2]int]bool
}

func NewBitmap() *Bitmap {
	return &Bitmap{painted: make(map[[2]int]bool)}
}

// PaintPoint marks a single pixel.
func (b *Bitmap) PaintPoint(p [2]float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.painted[pixel(p)] = true
}

// PaintSegment rasterizes the line from a to b.
func (b *Bitmap) PaintSegment(a, to [2]float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	x0, y0 := a[0], a[1]
	x1, y1 := to[0], to[1]
	steps := int(math.Max(math.Abs(x1-x0), math.Abs(y1-y0)))
	if steps < 1 {
		steps = 1
	}
	for i := 0; i <= steps; i++ {
		t := float64(i) / float64(steps)
		b.painted[pixel([2]float64{x0 + (x1-x0)*t, y0 + (y1-y0)*t})] = true
	}
}

// ClearRect erases the w x h region whose top-left corner is (x, y).
func (b *Bitmap) ClearRect(x, y, w, h float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	x0, y0 := int(math.Round(x)), int(math.Round(y))
	x1, y1 := x0+int(math.Round(w)), y0+int(math.Round(h))
	for px := range b.painted {
		if px[0] >= x0 && px[0] < x1 && px[1] >= y0 && px[1] < y1 {
			delete(b.painted, px)
		}
	}
}

// Painted reports whether the pixel nearest (x, y) is set.
func (b *Bitmap) Painted(x, y float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.painted[pixel([2]float64{x, y})]
}

// PaintedCount returns the number of set pixels.
func (b *Bitmap) PaintedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.painted)
}

func pixel(p [2]float64) [2]int {
	return [2]int{int(math.Round(p[0])), int(math.Round(p[1]))}
}
