package stream

import (
	"errors"
)

// ErrNoStreamAvailable is returned when neither camera produced a stream
var ErrNoStreamAvailable = errors.New("no stream available")

// Combine merges the back and front camera streams into one recordable stream.
//
// With a single input the input is returned unchanged. With both inputs a new
// stream is built whose track set is the union of both (back tracks first,
// duplicates by track ID removed). Inputs are never modified or closed: the
// caller keeps ownership so live preview can continue independently.
func Combine(back, front LiveStream) (LiveStream, error) {
	switch {
	case back == nil && front == nil:
		return nil, ErrNoStreamAvailable
	case front == nil:
		return back, nil
	case back == nil:
		return front, nil
	}

	seen := make(map[string]bool)
	tracks := make([]Track, 0, len(back.Tracks())+len(front.Tracks()))
	for _, src := range []LiveStream{back, front} {
		for _, t := range src.Tracks() {
			if seen[t.ID()] {
				continue
			}
			seen[t.ID()] = true
			tracks = append(tracks, t)
		}
	}

	return New(back.ID()+"+"+front.ID(), tracks...), nil
}
