package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultTickInterval paces cycles at roughly display refresh rate
const DefaultTickInterval = time.Second / 60

type timeTicker struct {
	t *time.Ticker
}

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

// NewTimeTicker returns a Ticker backed by time.Ticker. Ticks that arrive
// while a cycle is still running are coalesced.
func NewTimeTicker(d time.Duration) Ticker {
	return timeTicker{t: time.NewTicker(d)}
}

// LoopOption configures a DetectionLoop
type LoopOption func(*DetectionLoop)

// WithSource names the stream the loop samples
func WithSource(name string) LoopOption {
	return func(l *DetectionLoop) { l.source = name }
}

// WithTicker sets the ticker factory; called once per Run
func WithTicker(newTicker func() Ticker) LoopOption {
	return func(l *DetectionLoop) { l.newTicker = newTicker }
}

// WithTickInterval paces cycles with a time.Ticker of the given period
func WithTickInterval(d time.Duration) LoopOption {
	return func(l *DetectionLoop) {
		l.newTicker = func() Ticker { return NewTimeTicker(d) }
	}
}

// WithEventBus publishes every snapshot on bus
func WithEventBus(bus *EventBus) LoopOption {
	return func(l *DetectionLoop) { l.eventBus = bus }
}

// WithLogger sets the loop logger
func WithLogger(logger *zap.Logger) LoopOption {
	return func(l *DetectionLoop) { l.logger = logger.Named("pipeline") }
}

// WithObserver reports cycle measurements to o
func WithObserver(o LoopObserver) LoopOption {
	return func(l *DetectionLoop) { l.observer = o }
}

// DetectionLoop repeatedly samples a frame, runs inference, analyzes the
// detections for collisions and raises alerts. Cycles run one at a time on
// the goroutine calling Run.
type DetectionLoop struct {
	source    string
	frames    FrameSource
	detector  Detector
	analyzer  *CollisionAnalyzer
	alerter   Alerter
	eventBus  *EventBus
	newTicker func() Ticker
	logger    *zap.Logger
	observer  LoopObserver

	mu          sync.RWMutex
	current     []Detection
	last        *Snapshot
	seq         uint64
	stats       LoopStats
	unsupported bool
}

// NewDetectionLoop creates a new detection loop. alerter may be nil.
func NewDetectionLoop(frames FrameSource, detector Detector, analyzer *CollisionAnalyzer, alerter Alerter, opts ...LoopOption) *DetectionLoop {
	l := &DetectionLoop{
		source:    "default",
		frames:    frames,
		detector:  detector,
		analyzer:  analyzer,
		alerter:   alerter,
		newTicker: func() Ticker { return NewTimeTicker(DefaultTickInterval) },
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.analyzer == nil {
		l.analyzer = NewCollisionAnalyzer(nil)
	}
	l.stats.Source = l.source
	return l
}

// Source returns the loop's source name
func (l *DetectionLoop) Source() string {
	return l.source
}

// Run executes cycles until ctx is cancelled
func (l *DetectionLoop) Run(ctx context.Context) error {
	ticker := l.newTicker()
	defer ticker.Stop()

	l.logger.Info("detection loop started",
		zap.String("source", l.source),
		zap.String("detector", l.detector.Name()),
		zap.String("policy", l.analyzer.Policy()))
	defer l.logger.Info("detection loop stopped", zap.String("source", l.source))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-ticker.C():
			if !ok {
				return nil
			}
			l.cycle(ctx)
		}
	}
}

// LoopHandle controls a loop started with Start
type LoopHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Stop cancels the loop and waits for the running cycle to finish
func (h *LoopHandle) Stop() {
	h.once.Do(h.cancel)
	<-h.done
}

// Done is closed when the loop has exited
func (h *LoopHandle) Done() <-chan struct{} {
	return h.done
}

// Start runs the loop on a new goroutine
func (l *DetectionLoop) Start(ctx context.Context) *LoopHandle {
	ctx, cancel := context.WithCancel(ctx)
	h := &LoopHandle{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		_ = l.Run(ctx)
	}()
	return h
}

func (l *DetectionLoop) ready(frame *FrameData) bool {
	return frame != nil && frame.Width > 0 && frame.Height > 0 && l.detector.Ready()
}

func (l *DetectionLoop) cycle(ctx context.Context) {
	frame, err := l.frames.Frame(ctx)
	if err != nil || !l.ready(frame) {
		l.mu.Lock()
		l.stats.Skipped++
		l.mu.Unlock()
		if l.observer != nil {
			l.observer.CycleSkipped(l.source)
		}
		return
	}

	start := time.Now()
	detections, err := l.detector.Detect(ctx, frame)
	elapsed := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		l.mu.Lock()
		l.stats.Errors++
		l.mu.Unlock()
		if l.observer != nil {
			l.observer.DetectionFailed(l.source)
		}
		l.logger.Warn("detection failed", zap.String("source", l.source), zap.Error(err))
		return
	}
	if detections == nil {
		detections = []Detection{}
	}

	collision := l.analyzer.HasCollision(detections)
	var pairs []Pair
	if collision {
		pairs = l.analyzer.CollidingPairs(detections)
	}

	l.mu.Lock()
	l.seq++
	snap := &Snapshot{
		Source:      l.source,
		Seq:         l.seq,
		Timestamp:   time.Now(),
		Detections:  detections,
		Collision:   collision,
		Pairs:       pairs,
		InferenceMs: float64(elapsed.Microseconds()) / 1000,
		Frame:       frame,
	}
	l.current = detections
	l.last = snap
	l.stats.Cycles++
	l.stats.LastCycle = snap.Timestamp
	l.stats.AvgInferenceMs += (snap.InferenceMs - l.stats.AvgInferenceMs) / float64(l.stats.Cycles)
	if collision {
		l.stats.Collisions++
	}
	l.mu.Unlock()

	if l.observer != nil {
		l.observer.ObserveCycle(l.source, elapsed, len(detections))
	}

	if collision {
		if l.observer != nil {
			l.observer.CollisionDetected(l.source)
		}
		l.raise(ctx, CollisionEvent{
			Source:     l.source,
			Seq:        snap.Seq,
			At:         snap.Timestamp,
			Detections: detections,
			Pairs:      pairs,
		})
	}

	if l.eventBus != nil {
		l.eventBus.Publish(snap)
	}
}

// raise invokes the alerter and only logs the outcome
func (l *DetectionLoop) raise(ctx context.Context, event CollisionEvent) {
	if l.alerter == nil {
		return
	}
	err := l.alerter.Alert(ctx, event)
	switch {
	case err == nil:
	case errors.Is(err, ErrAlertUnsupported):
		l.mu.Lock()
		first := !l.unsupported
		l.unsupported = true
		l.mu.Unlock()
		if first {
			l.logger.Warn("collision alert not supported on this device", zap.String("source", l.source))
		}
	default:
		l.logger.Warn("collision alert failed", zap.String("source", l.source), zap.Error(err))
	}
}

// Detections returns a copy of the latest detection set
func (l *DetectionLoop) Detections() []Detection {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Detection, len(l.current))
	copy(out, l.current)
	return out
}

// Latest returns the last completed snapshot, or nil
func (l *DetectionLoop) Latest() *Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.last
}

// Stats returns a copy of the loop counters
func (l *DetectionLoop) Stats() LoopStats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.stats
}
