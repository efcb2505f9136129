package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// LoopManager runs one detection loop per live source
type LoopManager struct {
	detector Detector
	analyzer *CollisionAnalyzer
	alerter  Alerter
	eventBus *EventBus
	opts     []LoopOption
	logger   *zap.Logger

	mu    sync.RWMutex
	loops map[string]*managedLoop
}

type managedLoop struct {
	loop   *DetectionLoop
	handle *LoopHandle
}

// NewLoopManager creates a new loop manager. opts are applied to every loop.
func NewLoopManager(detector Detector, analyzer *CollisionAnalyzer, alerter Alerter, eventBus *EventBus, logger *zap.Logger, opts ...LoopOption) *LoopManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if eventBus == nil {
		eventBus = NewEventBus()
	}
	return &LoopManager{
		detector: detector,
		analyzer: analyzer,
		alerter:  alerter,
		eventBus: eventBus,
		opts:     opts,
		logger:   logger,
		loops:    make(map[string]*managedLoop),
	}
}

// StartSource starts a loop sampling frames for a source
func (m *LoopManager) StartSource(ctx context.Context, source string, frames FrameSource) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.loops[source]; exists {
		return fmt.Errorf("detection loop already running for %s", source)
	}

	opts := append([]LoopOption{
		WithSource(source),
		WithEventBus(m.eventBus),
		WithLogger(m.logger),
	}, m.opts...)
	loop := NewDetectionLoop(frames, m.detector, m.analyzer, m.alerter, opts...)
	m.loops[source] = &managedLoop{loop: loop, handle: loop.Start(ctx)}
	return nil
}

// StopSource stops the loop for a source and waits for it to exit
func (m *LoopManager) StopSource(source string) error {
	m.mu.Lock()
	ml, exists := m.loops[source]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("detection loop not found for %s", source)
	}
	delete(m.loops, source)
	m.mu.Unlock()

	ml.handle.Stop()
	return nil
}

// StopAll stops every loop
func (m *LoopManager) StopAll() {
	m.mu.Lock()
	loops := m.loops
	m.loops = make(map[string]*managedLoop)
	m.mu.Unlock()

	for _, ml := range loops {
		ml.handle.Stop()
	}
}

// Sources returns the running sources, sorted
func (m *LoopManager) Sources() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.loops))
	for s := range m.loops {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Loop returns the loop for a source
func (m *LoopManager) Loop(source string) (*DetectionLoop, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ml, ok := m.loops[source]
	if !ok {
		return nil, false
	}
	return ml.loop, true
}

// Stats returns the counters of every running loop
func (m *LoopManager) Stats() []LoopStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]LoopStats, 0, len(m.loops))
	for _, ml := range m.loops {
		out = append(out, ml.loop.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

// EventBus returns the bus snapshots are published on
func (m *LoopManager) EventBus() *EventBus {
	return m.eventBus
}

// SubscribeResults returns a channel receiving snapshots of all sources.
// Publishing never waits on the consumer; snapshots are dropped while the
// channel is full.
func (m *LoopManager) SubscribeResults(bufferSize int) (<-chan *Snapshot, func()) {
	return m.eventBus.SubscribeChannel("", bufferSize)
}
