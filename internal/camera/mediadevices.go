package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/prop"
	"go.uber.org/zap"

	"collicam/internal/stream"
)

// MediaDevicesBackend captures from local cameras through pion/mediadevices.
// A driver package (e.g. pkg/driver/camera) must be linked by the binary.
type MediaDevicesBackend struct {
	logger *zap.Logger

	mu      sync.Mutex
	streams map[string]mediadevices.MediaStream
}

// NewMediaDevicesBackend creates a new mediadevices backend
func NewMediaDevicesBackend(logger *zap.Logger) *MediaDevicesBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MediaDevicesBackend{
		logger:  logger.Named("mediadevices"),
		streams: make(map[string]mediadevices.MediaStream),
	}
}

var _ Backend = (*MediaDevicesBackend)(nil)

// RequestAccess tries the default video input. Access is granted when a
// capture can be opened; that capture is closed right away.
func (b *MediaDevicesBackend) RequestAccess(ctx context.Context) (Grant, error) {
	if err := ctx.Err(); err != nil {
		return Grant{}, err
	}

	ms, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		return Grant{}, fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	}
	for _, t := range ms.GetTracks() {
		t.Close()
	}
	return Grant{Granted: true, GrantedAt: time.Now()}, nil
}

// Enumerate lists the devices known to the registered drivers
func (b *MediaDevicesBackend) Enumerate(ctx context.Context) ([]DeviceInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var out []DeviceInfo
	for _, d := range mediadevices.EnumerateDevices() {
		out = append(out, DeviceInfo{
			ID:    d.DeviceID,
			Label: d.Label,
			Video: d.Kind == mediadevices.VideoInput,
		})
	}
	return out, nil
}

// Open starts a capture pinned to deviceID
func (b *MediaDevicesBackend) Open(ctx context.Context, deviceID string) (stream.LiveStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ms, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.DeviceID = prop.String(deviceID)
		},
	})
	if err != nil {
		return nil, err
	}

	video := ms.GetVideoTracks()
	if len(video) == 0 {
		for _, t := range ms.GetTracks() {
			t.Close()
		}
		return nil, fmt.Errorf("device %s produced no video track", deviceID)
	}

	tracks := make([]stream.Track, 0, len(video))
	for _, t := range video {
		tracks = append(tracks, newMediaTrack(t))
	}
	s := stream.New(deviceID, tracks...)

	b.mu.Lock()
	b.streams[s.ID()] = ms
	b.mu.Unlock()

	b.logger.Debug("capture started", zap.String("device", deviceID), zap.Int("tracks", len(tracks)))
	return s, nil
}

// Close stops every track of a stream opened by Open
func (b *MediaDevicesBackend) Close(s stream.LiveStream) error {
	b.mu.Lock()
	ms, ok := b.streams[s.ID()]
	delete(b.streams, s.ID())
	b.mu.Unlock()

	if !ok {
		return nil
	}

	var errs []error
	for _, t := range ms.GetTracks() {
		if err := t.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// mediaTrack adapts a mediadevices video track to stream.FrameTrack
type mediaTrack struct {
	track mediadevices.Track
}

func newMediaTrack(t mediadevices.Track) *mediaTrack {
	return &mediaTrack{track: t}
}

func (t *mediaTrack) ID() string {
	return t.track.ID()
}

func (t *mediaTrack) Kind() string {
	return stream.KindVideo
}

// NewFrameReader opens an independent reader on the track. Frames are copied
// so they stay valid after the next read.
func (t *mediaTrack) NewFrameReader() stream.FrameReader {
	vt, ok := t.track.(*mediadevices.VideoTrack)
	if !ok {
		return stream.FrameReaderFunc(func() (image.Image, error) {
			return nil, fmt.Errorf("track %s cannot produce frames", t.track.ID())
		})
	}

	r := vt.NewReader(true)
	return stream.FrameReaderFunc(func() (image.Image, error) {
		img, release, err := r.Read()
		if err != nil {
			return nil, err
		}
		if release != nil {
			release()
		}
		return img, nil
	})
}
