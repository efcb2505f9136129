// Package overlay schedules timed image overlays over a finished recording.
package overlay

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
)

// Defaults for the overlay cadence
const (
	DefaultInterval = 10.0
	DefaultWindow   = 3.0

	// MaxEntries bounds the size of a single plan
	MaxEntries = 1000
)

// ErrInsufficientInput is returned when the pool is empty or the recording
// is shorter than one interval
var ErrInsufficientInput = errors.New("insufficient input for overlay plan")

// ErrPlanTooLong is returned when a duration would need more than
// MaxEntries overlays
var ErrPlanTooLong = errors.New("overlay plan too long")

// Entry is one overlay instruction
type Entry struct {
	ImageRef           string  `json:"imageRef"`
	StartOffsetSeconds float64 `json:"startOffsetSeconds"`
	EndOffsetSeconds   float64 `json:"endOffsetSeconds"`
}

// Plan is an ordered sequence of overlay entries
type Plan []Entry

// Images returns the image refs of the plan, in order
func (p Plan) Images() []string {
	out := make([]string, len(p))
	for i, e := range p {
		out[i] = e.ImageRef
	}
	return out
}

type options struct {
	interval float64
	window   float64
	rand     *rand.Rand
}

// Option configures Schedule
type Option func(*options)

// WithInterval sets the spacing between overlay starts, in seconds
func WithInterval(seconds float64) Option {
	return func(o *options) { o.interval = seconds }
}

// WithWindow sets how long each overlay stays visible, in seconds
func WithWindow(seconds float64) Option {
	return func(o *options) { o.window = seconds }
}

// WithRand sets the random source used to pick images
func WithRand(r *rand.Rand) Option {
	return func(o *options) { o.rand = r }
}

func newOptions(opts []Option) options {
	o := options{interval: DefaultInterval, window: DefaultWindow}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Schedule builds a fresh plan for a recording of durationSeconds. One
// image, drawn uniformly with replacement from pool, is shown at every
// full interval: entry i covers [i*interval, i*interval+window].
func Schedule(durationSeconds float64, pool []string, opts ...Option) (Plan, error) {
	o := newOptions(opts)
	if o.interval <= 0 || o.window < 0 {
		return nil, fmt.Errorf("invalid cadence: interval %.2fs, window %.2fs", o.interval, o.window)
	}
	if len(pool) == 0 {
		return nil, fmt.Errorf("%w: empty image pool", ErrInsufficientInput)
	}
	if math.IsNaN(durationSeconds) || durationSeconds < o.interval {
		return nil, fmt.Errorf("%w: duration %.2fs is shorter than %.2fs", ErrInsufficientInput, durationSeconds, o.interval)
	}
	if math.IsInf(durationSeconds, 1) || durationSeconds/o.interval > MaxEntries {
		return nil, fmt.Errorf("%w: duration %.2fs at %.2fs intervals exceeds %d entries", ErrPlanTooLong, durationSeconds, o.interval, MaxEntries)
	}

	pick := rand.IntN
	if o.rand != nil {
		pick = o.rand.IntN
	}

	count := int(math.Floor(durationSeconds / o.interval))
	plan := make(Plan, 0, count)
	for i := 1; i <= count; i++ {
		start := float64(i) * o.interval
		plan = append(plan, Entry{
			ImageRef:           pool[pick(len(pool))],
			StartOffsetSeconds: start,
			EndOffsetSeconds:   start + o.window,
		})
	}
	return plan, nil
}

// FromImages positions already chosen images: image i (zero based) starts
// at (i+1)*interval. This is the layout the forwarding endpoint applies to
// the image list it receives.
func FromImages(images []string, opts ...Option) Plan {
	o := newOptions(opts)
	plan := make(Plan, 0, len(images))
	for i, img := range images {
		start := float64(i+1) * o.interval
		plan = append(plan, Entry{
			ImageRef:           img,
			StartOffsetSeconds: start,
			EndOffsetSeconds:   start + o.window,
		})
	}
	return plan
}
