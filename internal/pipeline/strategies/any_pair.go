package strategies

import (
	"collicam/internal/pipeline"
)

// AnyPairPolicy tests every detection against every other
type AnyPairPolicy struct{}

// NewAnyPairPolicy creates an any-pair policy
func NewAnyPairPolicy() *AnyPairPolicy {
	return &AnyPairPolicy{}
}

func (p *AnyPairPolicy) Name() string {
	return string(pipeline.CollisionModeAnyPair)
}

func (p *AnyPairPolicy) Candidates(detections []pipeline.Detection) []int {
	idx := make([]int, len(detections))
	for i := range detections {
		idx[i] = i
	}
	return idx
}

var _ pipeline.CollisionPolicy = (*AnyPairPolicy)(nil)
