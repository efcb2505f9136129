package detectors

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"collicam/internal/pipeline"
)

// Registry manages available detectors
type Registry struct {
	detectors map[string]pipeline.Detector
	mu        sync.RWMutex
}

// NewRegistry creates a new detector registry
func NewRegistry() *Registry {
	return &Registry{
		detectors: make(map[string]pipeline.Detector),
	}
}

// Register adds a detector to the registry
func (r *Registry) Register(detector pipeline.Detector) error {
	if detector == nil {
		return fmt.Errorf("detector cannot be nil")
	}

	name := detector.Name()
	if name == "" {
		return fmt.Errorf("detector name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.detectors[name]; exists {
		return fmt.Errorf("detector %q already registered", name)
	}

	r.detectors[name] = detector
	return nil
}

// GetAll returns all registered detectors ordered by name
func (r *Registry) GetAll() []pipeline.Detector {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]pipeline.Detector, 0, len(r.detectors))
	for _, name := range r.namesLocked() {
		result = append(result, r.detectors[name])
	}
	return result
}

// GetReady returns only detectors whose model is loaded
func (r *Registry) GetReady() []pipeline.Detector {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]pipeline.Detector, 0)
	for _, name := range r.namesLocked() {
		if d := r.detectors[name]; d.Ready() {
			result = append(result, d)
		}
	}
	return result
}

// GetReadyByNames returns ready detectors matching the given names, in order
func (r *Registry) GetReadyByNames(names []string) []pipeline.Detector {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]pipeline.Detector, 0, len(names))
	for _, name := range names {
		if d, ok := r.detectors[name]; ok && d.Ready() {
			result = append(result, d)
		}
	}
	return result
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.detectors))
	for name := range r.detectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases all detector resources
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for name, d := range r.detectors {
		if err := d.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing detector %q: %w", name, err))
		}
		delete(r.detectors, name)
	}
	return errors.Join(errs...)
}

// Ensure Registry implements DetectorRegistry
var _ pipeline.DetectorRegistry = (*Registry)(nil)

// Preferred is a detector that delegates each call to the first ready
// detector of an ordered list of names. It is ready when any of them is.
type Preferred struct {
	registry *Registry
	names    []string
}

// NewPreferred creates a detector preferring names in order
func NewPreferred(registry *Registry, names ...string) *Preferred {
	return &Preferred{registry: registry, names: names}
}

var _ pipeline.Detector = (*Preferred)(nil)

// Name returns the preference list, e.g. "grpc|http"
func (p *Preferred) Name() string {
	return strings.Join(p.names, "|")
}

// Ready reports whether any preferred detector is ready
func (p *Preferred) Ready() bool {
	return len(p.registry.GetReadyByNames(p.names)) > 0
}

// Detect runs the first ready detector
func (p *Preferred) Detect(ctx context.Context, frame *pipeline.FrameData) ([]pipeline.Detection, error) {
	ready := p.registry.GetReadyByNames(p.names)
	if len(ready) == 0 {
		return nil, pipeline.ErrDetectorNotReady
	}
	return ready[0].Detect(ctx, frame)
}

// Close is a no-op; the registry owns the detectors
func (p *Preferred) Close() error {
	return nil
}
