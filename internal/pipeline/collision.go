package pipeline

// CollisionAnalyzer tests detections for overlapping bounding boxes
type CollisionAnalyzer struct {
	policy CollisionPolicy
}

// NewCollisionAnalyzer creates an analyzer. A nil policy tests every pair.
func NewCollisionAnalyzer(policy CollisionPolicy) *CollisionAnalyzer {
	return &CollisionAnalyzer{policy: policy}
}

// Policy returns the policy name
func (a *CollisionAnalyzer) Policy() string {
	if a == nil || a.policy == nil {
		return string(CollisionModeAnyPair)
	}
	return a.policy.Name()
}

func (a *CollisionAnalyzer) candidates(detections []Detection) []int {
	if a != nil && a.policy != nil {
		return a.policy.Candidates(detections)
	}
	idx := make([]int, len(detections))
	for i := range detections {
		idx[i] = i
	}
	return idx
}

// HasCollision reports whether any two candidate boxes strictly overlap.
// It stops at the first overlapping pair.
func (a *CollisionAnalyzer) HasCollision(detections []Detection) bool {
	idx := a.candidates(detections)
	for x := 0; x < len(idx); x++ {
		for y := x + 1; y < len(idx); y++ {
			if detections[idx[x]].BBox.Overlaps(detections[idx[y]].BBox) {
				return true
			}
		}
	}
	return false
}

// CollidingPairs returns every overlapping candidate pair
func (a *CollisionAnalyzer) CollidingPairs(detections []Detection) []Pair {
	idx := a.candidates(detections)
	var pairs []Pair
	for x := 0; x < len(idx); x++ {
		for y := x + 1; y < len(idx); y++ {
			i, j := idx[x], idx[y]
			if detections[i].BBox.Overlaps(detections[j].BBox) {
				if i > j {
					i, j = j, i
				}
				pairs = append(pairs, Pair{I: i, J: j})
			}
		}
	}
	return pairs
}

// HasCollision tests every pair of detections for strict overlap
func HasCollision(detections []Detection) bool {
	return NewCollisionAnalyzer(nil).HasCollision(detections)
}
