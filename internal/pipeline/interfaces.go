package pipeline

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrAlertUnsupported is returned by alerters whose capability is absent
	ErrAlertUnsupported = errors.New("alert capability unsupported")

	// ErrDetectorNotReady is returned by detectors whose model has not loaded
	ErrDetectorNotReady = errors.New("detector not ready")

	// ErrNoFrame is returned by frame sources that have nothing to sample
	ErrNoFrame = errors.New("no frame available")
)

// Detector is the unified interface for all detection backends
type Detector interface {
	// Name returns the detector identifier
	Name() string

	// Ready reports whether the model is loaded and usable
	Ready() bool

	// Detect runs inference on a frame
	Detect(ctx context.Context, frame *FrameData) ([]Detection, error)

	// Close releases detector resources
	Close() error
}

// FrameSource samples the current frame of a live stream
type FrameSource interface {
	Frame(ctx context.Context) (*FrameData, error)
}

// Alerter performs the side effect of a collision. Implementations must
// not block the loop.
type Alerter interface {
	Alert(ctx context.Context, event CollisionEvent) error
}

// AlerterFunc adapts a function to Alerter
type AlerterFunc func(ctx context.Context, event CollisionEvent) error

func (f AlerterFunc) Alert(ctx context.Context, event CollisionEvent) error {
	return f(ctx, event)
}

// CollisionPolicy selects the detections that take part in pair testing
type CollisionPolicy interface {
	// Name returns the policy identifier
	Name() string

	// Candidates returns the indexes of detections eligible for collision
	Candidates(detections []Detection) []int
}

// Ticker paces detection cycles
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// SnapshotHandler receives detection snapshots
type SnapshotHandler interface {
	// OnSnapshot is called after every completed cycle
	OnSnapshot(s *Snapshot)
}

// SnapshotHandlerFunc adapts a function to SnapshotHandler
type SnapshotHandlerFunc func(s *Snapshot)

func (f SnapshotHandlerFunc) OnSnapshot(s *Snapshot) {
	f(s)
}

// LoopObserver receives per-cycle measurements, typically for metrics
type LoopObserver interface {
	ObserveCycle(source string, inference time.Duration, detections int)
	CycleSkipped(source string)
	DetectionFailed(source string)
	CollisionDetected(source string)
}

// DetectorRegistry manages available detectors
type DetectorRegistry interface {
	// Register adds a detector to the registry
	Register(detector Detector) error

	// GetAll returns all registered detectors
	GetAll() []Detector

	// GetReady returns detectors whose model is loaded
	GetReady() []Detector

	// Close releases all detector resources
	Close() error
}
