package pipeline

import (
	"image"
	"time"
)

// CollisionMode selects which detections take part in collision testing
type CollisionMode string

const (
	// CollisionModeAnyPair - every pair of detections is tested
	CollisionModeAnyPair CollisionMode = "any"
	// CollisionModeAllowList - only detections of configured classes are tested
	CollisionModeAllowList CollisionMode = "allow_list"
)

// FrameData is a decoded video frame sampled from a live stream
type FrameData struct {
	Source    string      // Stream role or identifier
	Image     image.Image // Decoded frame
	Seq       uint64      // Frame sequence number
	Timestamp time.Time   // Capture timestamp
	Width     int
	Height    int
}

// BBox is an axis-aligned box in frame pixels, origin top-left
type BBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// BBoxFromXYWH builds a box from an [x, y, w, h] slice. Missing values are zero.
func BBoxFromXYWH(v []float64) BBox {
	var b BBox
	fields := []*float64{&b.X, &b.Y, &b.Width, &b.Height}
	for i := 0; i < len(v) && i < len(fields); i++ {
		*fields[i] = v[i]
	}
	return b
}

// Right returns the x coordinate of the right edge
func (b BBox) Right() float64 { return b.X + b.Width }

// Bottom returns the y coordinate of the bottom edge
func (b BBox) Bottom() float64 { return b.Y + b.Height }

// Overlaps reports whether two boxes strictly overlap on both axes.
// Boxes that only share an edge do not overlap.
func (b BBox) Overlaps(o BBox) bool {
	return b.X < o.Right() && b.Right() > o.X &&
		b.Y < o.Bottom() && b.Bottom() > o.Y
}

// Rect converts the box to integer pixel coordinates
func (b BBox) Rect() image.Rectangle {
	return image.Rect(int(b.X), int(b.Y), int(b.Right()), int(b.Bottom()))
}

// Detection is a single object found in a frame
type Detection struct {
	Class string  `json:"class"`
	BBox  BBox    `json:"bbox"`
	Score float64 `json:"score"`
}

// Pair is an unordered pair of detection indexes, I < J
type Pair struct {
	I int `json:"i"`
	J int `json:"j"`
}

// Snapshot is the outcome of one detection cycle
type Snapshot struct {
	Source      string      `json:"source"`
	Seq         uint64      `json:"seq"`
	Timestamp   time.Time   `json:"timestamp"`
	Detections  []Detection `json:"detections"`
	Collision   bool        `json:"collision"`
	Pairs       []Pair      `json:"pairs,omitempty"`
	InferenceMs float64     `json:"inference_ms"`
	Frame       *FrameData  `json:"-"`
}

// CollisionEvent is handed to alerters when a cycle finds a collision
type CollisionEvent struct {
	Source     string
	Seq        uint64
	At         time.Time
	Detections []Detection
	Pairs      []Pair
}

// Classes returns the distinct classes involved in the colliding pairs, in
// first-seen order
func (e CollisionEvent) Classes() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(i int) {
		if i < 0 || i >= len(e.Detections) {
			return
		}
		c := e.Detections[i].Class
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	for _, p := range e.Pairs {
		add(p.I)
		add(p.J)
	}
	return out
}

// LoopStats contains detection loop counters
type LoopStats struct {
	Source         string    `json:"source"`
	Cycles         uint64    `json:"cycles"`
	Skipped        uint64    `json:"skipped"`
	Errors         uint64    `json:"errors"`
	Collisions     uint64    `json:"collisions"`
	AvgInferenceMs float64   `json:"avg_inference_ms"`
	LastCycle      time.Time `json:"last_cycle"`
}
