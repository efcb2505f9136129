package strategies

import (
	"fmt"
	"strings"

	"collicam/internal/pipeline"
)

// NewPolicy creates a collision policy for the configured mode
func NewPolicy(mode pipeline.CollisionMode, classes []string) (pipeline.CollisionPolicy, error) {
	switch pipeline.CollisionMode(strings.ToLower(string(mode))) {
	case "", pipeline.CollisionModeAnyPair:
		return NewAnyPairPolicy(), nil

	case pipeline.CollisionModeAllowList:
		if len(classes) == 0 {
			return nil, fmt.Errorf("collision mode %s needs at least one class", mode)
		}
		return NewAllowListPolicy(classes), nil

	default:
		return nil, fmt.Errorf("unknown collision mode: %s", mode)
	}
}

// NewAnalyzer builds a collision analyzer for the configured mode. A
// positive minScore additionally drops low confidence detections.
func NewAnalyzer(mode pipeline.CollisionMode, classes []string, minScore float64) (*pipeline.CollisionAnalyzer, error) {
	policy, err := NewPolicy(mode, classes)
	if err != nil {
		return nil, err
	}
	if minScore > 0 {
		policy = WithMinScore(policy, minScore)
	}
	return pipeline.NewCollisionAnalyzer(policy), nil
}
