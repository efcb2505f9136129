package strategies

import (
	"fmt"
	"sort"
	"strings"

	"collicam/internal/pipeline"
)

// AllowListPolicy only tests detections whose class is listed.
// Class matching is case-insensitive.
type AllowListPolicy struct {
	classes map[string]struct{}
}

// NewAllowListPolicy creates an allow-list policy
func NewAllowListPolicy(classes []string) *AllowListPolicy {
	set := make(map[string]struct{}, len(classes))
	for _, c := range classes {
		c = strings.ToLower(strings.TrimSpace(c))
		if c != "" {
			set[c] = struct{}{}
		}
	}
	return &AllowListPolicy{classes: set}
}

func (p *AllowListPolicy) Name() string {
	names := make([]string, 0, len(p.classes))
	for c := range p.classes {
		names = append(names, c)
	}
	sort.Strings(names)
	return fmt.Sprintf("%s(%s)", pipeline.CollisionModeAllowList, strings.Join(names, ","))
}

func (p *AllowListPolicy) Candidates(detections []pipeline.Detection) []int {
	var idx []int
	for i, d := range detections {
		if _, ok := p.classes[strings.ToLower(d.Class)]; ok {
			idx = append(idx, i)
		}
	}
	return idx
}

var _ pipeline.CollisionPolicy = (*AllowListPolicy)(nil)

// minScorePolicy narrows another policy to confident detections
type minScorePolicy struct {
	inner pipeline.CollisionPolicy
	min   float64
}

// WithMinScore wraps a policy so detections scoring below min are ignored
func WithMinScore(inner pipeline.CollisionPolicy, min float64) pipeline.CollisionPolicy {
	return &minScorePolicy{inner: inner, min: min}
}

func (p *minScorePolicy) Name() string {
	return fmt.Sprintf("%s>=%.2f", p.inner.Name(), p.min)
}

func (p *minScorePolicy) Candidates(detections []pipeline.Detection) []int {
	var idx []int
	for _, i := range p.inner.Candidates(detections) {
		if detections[i].Score >= p.min {
			idx = append(idx, i)
		}
	}
	return idx
}
