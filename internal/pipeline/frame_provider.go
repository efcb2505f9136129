package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"collicam/internal/stream"
)

// TrackFrameSource decodes a live video track in the background and keeps
// the most recent frame for the detection loop to sample
type TrackFrameSource struct {
	source string
	reader stream.FrameReader

	mu     sync.RWMutex
	latest *FrameData
	seq    uint64
	err    error
	closed bool

	stopCh chan struct{}
	done   chan struct{}
	once   sync.Once
}

// NewTrackFrameSource starts sampling the first decodable video track of s
func NewTrackFrameSource(source string, s stream.LiveStream) (*TrackFrameSource, error) {
	r, ok := stream.FirstFrameReader(s)
	if !ok {
		return nil, fmt.Errorf("%w: stream has no decodable video track", ErrNoFrame)
	}
	return NewReaderFrameSource(source, r), nil
}

// NewReaderFrameSource starts sampling frames from r
func NewReaderFrameSource(source string, r stream.FrameReader) *TrackFrameSource {
	fs := &TrackFrameSource{
		source: source,
		reader: r,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	go fs.run()
	return fs
}

func (fs *TrackFrameSource) run() {
	defer close(fs.done)
	for {
		select {
		case <-fs.stopCh:
			return
		default:
		}

		img, err := fs.reader.ReadFrame()
		fs.mu.Lock()
		if err != nil {
			fs.latest = nil
			fs.err = err
			fs.mu.Unlock()
			return
		}
		if fs.closed {
			fs.mu.Unlock()
			return
		}
		fs.seq++
		b := img.Bounds()
		fs.latest = &FrameData{
			Source:    fs.source,
			Image:     img,
			Seq:       fs.seq,
			Timestamp: time.Now(),
			Width:     b.Dx(),
			Height:    b.Dy(),
		}
		fs.mu.Unlock()
	}
}

// Frame returns the most recent frame. After the track ends or the source
// is closed it returns ErrNoFrame.
func (fs *TrackFrameSource) Frame(ctx context.Context) (*FrameData, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	fs.mu.RLock()
	defer fs.mu.RUnlock()
	if fs.latest == nil {
		if fs.err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoFrame, fs.err)
		}
		return nil, ErrNoFrame
	}
	return fs.latest, nil
}

// Close stops sampling. A read already in progress completes in the
// background once the track delivers or ends.
func (fs *TrackFrameSource) Close() error {
	fs.once.Do(func() {
		fs.mu.Lock()
		fs.closed = true
		fs.latest = nil
		fs.mu.Unlock()
		close(fs.stopCh)
	})
	return nil
}

// Done is closed once the background reader has exited
func (fs *TrackFrameSource) Done() <-chan struct{} {
	return fs.done
}
