package stream

import (
	"image"
)

// Track kinds
const (
	KindVideo = "video"
	KindAudio = "audio"
)

// Track is a single media track belonging to a live stream
type Track interface {
	// ID returns the track identifier, unique per device capture
	ID() string

	// Kind returns KindVideo or KindAudio
	Kind() string
}

// FrameReader hands out decoded frames. The returned image is owned by the
// caller. ReadFrame blocks until the next frame is available.
type FrameReader interface {
	ReadFrame() (image.Image, error)
}

// FrameTrack is implemented by video tracks that can be decoded. Every
// reader receives every frame.
type FrameTrack interface {
	Track
	NewFrameReader() FrameReader
}

// LiveStream is an opaque handle over the tracks of a live capture.
// Consumers (preview, combiner, detection) only read from it.
type LiveStream interface {
	// ID returns the stream identifier
	ID() string

	// Tracks returns the tracks carried by the stream, in order
	Tracks() []Track
}

// VideoTracks returns the video tracks of a stream
func VideoTracks(s LiveStream) []Track {
	if s == nil {
		return nil
	}
	var out []Track
	for _, t := range s.Tracks() {
		if t.Kind() == KindVideo {
			out = append(out, t)
		}
	}
	return out
}

// FirstFrameReader opens a reader on the first decodable video track of s
func FirstFrameReader(s LiveStream) (FrameReader, bool) {
	for _, t := range VideoTracks(s) {
		if ft, ok := t.(FrameTrack); ok {
			return ft.NewFrameReader(), true
		}
	}
	return nil, false
}

// FrameReaderFunc adapts a function to FrameReader
type FrameReaderFunc func() (image.Image, error)

func (f FrameReaderFunc) ReadFrame() (image.Image, error) {
	return f()
}

// basicStream is an immutable LiveStream over a fixed track list
type basicStream struct {
	id     string
	tracks []Track
}

// New builds a LiveStream over the given tracks. The track slice is copied.
func New(id string, tracks ...Track) LiveStream {
	cp := make([]Track, len(tracks))
	copy(cp, tracks)
	return &basicStream{id: id, tracks: cp}
}

func (s *basicStream) ID() string {
	return s.id
}

func (s *basicStream) Tracks() []Track {
	out := make([]Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}
