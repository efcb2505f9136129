package strategies

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collicam/internal/pipeline"
)

func box(class string, x, y float64, score float64) pipeline.Detection {
	return pipeline.Detection{Class: class, Score: score, BBox: pipeline.BBox{X: x, Y: y, Width: 10, Height: 10}}
}

func TestNewPolicy(t *testing.T) {
	p, err := NewPolicy("", nil)
	require.NoError(t, err)
	assert.Equal(t, "any", p.Name())

	p, err = NewPolicy(pipeline.CollisionModeAllowList, []string{"Car", " person "})
	require.NoError(t, err)
	assert.Equal(t, "allow_list(car,person)", p.Name())

	_, err = NewPolicy(pipeline.CollisionModeAllowList, nil)
	assert.Error(t, err)

	_, err = NewPolicy("nearest", nil)
	assert.Error(t, err)
}

func TestAllowListFiltersBeforePairTesting(t *testing.T) {
	dets := []pipeline.Detection{
		box("person", 0, 0, 0.9),
		box("bicycle", 5, 5, 0.9),
		box("car", 30, 30, 0.9),
	}

	anyPair, err := NewAnalyzer(pipeline.CollisionModeAnyPair, nil, 0)
	require.NoError(t, err)
	assert.True(t, anyPair.HasCollision(dets))

	allow, err := NewAnalyzer(pipeline.CollisionModeAllowList, []string{"person", "car"}, 0)
	require.NoError(t, err)
	assert.False(t, allow.HasCollision(dets))

	dets = append(dets, box("CAR", 3, 3, 0.9))
	assert.True(t, allow.HasCollision(dets))
	assert.Equal(t, []pipeline.Pair{{I: 0, J: 3}}, allow.CollidingPairs(dets))
}

func TestMinScore(t *testing.T) {
	dets := []pipeline.Detection{
		box("person", 0, 0, 0.9),
		box("person", 5, 5, 0.2),
	}
	a, err := NewAnalyzer(pipeline.CollisionModeAnyPair, nil, 0.5)
	require.NoError(t, err)
	assert.False(t, a.HasCollision(dets))
	assert.Equal(t, "any>=0.50", a.Policy())

	dets[1].Score = 0.5
	assert.True(t, a.HasCollision(dets))
}
