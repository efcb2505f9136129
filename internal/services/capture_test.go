package services

import (
	"context"
	"errors"
	"image"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collicam/internal/camera"
	"collicam/internal/database"
	"collicam/internal/overlay"
	"collicam/internal/pipeline"
	"collicam/internal/postprocess"
	"collicam/internal/recording"
	"collicam/internal/stream"
	"collicam/internal/ws"
)

// frameTrack produces a blank frame every few milliseconds until closed
type frameTrack struct {
	id   string
	done chan struct{}
	once sync.Once
}

func (t *frameTrack) ID() string   { return t.id }
func (t *frameTrack) Kind() string { return stream.KindVideo }

func (t *frameTrack) NewFrameReader() stream.FrameReader {
	return stream.FrameReaderFunc(func() (image.Image, error) {
		select {
		case <-t.done:
			return nil, io.EOF
		case <-time.After(2 * time.Millisecond):
			return image.NewRGBA(image.Rect(0, 0, 64, 48)), nil
		}
	})
}

func (t *frameTrack) close() {
	t.once.Do(func() { close(t.done) })
}

type fakeBackend struct {
	mu      sync.Mutex
	deny    bool
	infos   []camera.DeviceInfo
	openErr map[string]error
	tracks  map[string]*frameTrack
	closed  []string
}

func newFakeBackend(infos ...camera.DeviceInfo) *fakeBackend {
	return &fakeBackend{infos: infos, openErr: make(map[string]error), tracks: make(map[string]*frameTrack)}
}

func (b *fakeBackend) RequestAccess(ctx context.Context) (camera.Grant, error) {
	if b.deny {
		return camera.Grant{}, errors.New("NotAllowedError")
	}
	return camera.Grant{Granted: true, GrantedAt: time.Now()}, nil
}

func (b *fakeBackend) Enumerate(ctx context.Context) ([]camera.DeviceInfo, error) {
	return b.infos, nil
}

func (b *fakeBackend) Open(ctx context.Context, id string) (stream.LiveStream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.openErr[id]; err != nil {
		return nil, err
	}
	t := &frameTrack{id: id + "-video", done: make(chan struct{})}
	b.tracks[id] = t
	return stream.New(id, t), nil
}

func (b *fakeBackend) Close(s stream.LiveStream) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.tracks[s.ID()]; ok {
		t.close()
	}
	b.closed = append(b.closed, s.ID())
	return nil
}

func (b *fakeBackend) closedStreams() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.closed...)
}

// captureSink records the stream it was started with and exposes deliver
type captureSink struct {
	mu      sync.Mutex
	stream  stream.LiveStream
	deliver func([]byte)
	stopped bool
}

func (s *captureSink) Start(ctx context.Context, ls stream.LiveStream, deliver func([]byte), fail func(error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stream, s.deliver = ls, deliver
	return nil
}

func (s *captureSink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}

type collidingDetector struct{}

func (collidingDetector) Name() string { return "fake" }
func (collidingDetector) Ready() bool  { return true }
func (collidingDetector) Close() error { return nil }

func (collidingDetector) Detect(ctx context.Context, frame *pipeline.FrameData) ([]pipeline.Detection, error) {
	return []pipeline.Detection{
		{Class: "person", BBox: pipeline.BBox{X: 0, Y: 0, Width: 20, Height: 20}, Score: 0.9},
		{Class: "car", BBox: pipeline.BBox{X: 10, Y: 10, Width: 20, Height: 20}, Score: 0.8},
	}, nil
}

type eventLog struct {
	mu   sync.Mutex
	msgs []interface{}
}

func (e *eventLog) BroadcastJSON(topic string, msg interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.msgs = append(e.msgs, msg)
}

func (e *eventLog) recordingEvents() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []string
	for _, m := range e.msgs {
		if rm, ok := m.(*ws.RecordingMessage); ok {
			out = append(out, rm.Event)
		}
	}
	return out
}

func (e *eventLog) assets() []*ws.AssetMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []*ws.AssetMessage
	for _, m := range e.msgs {
		if am, ok := m.(*ws.AssetMessage); ok {
			out = append(out, am)
		}
	}
	return out
}

type stubUploader struct {
	url string
	err error
}

func (u *stubUploader) Upload(ctx context.Context, filename string, data []byte) (string, error) {
	return u.url, u.err
}

type stubTransformer struct {
	mu  sync.Mutex
	url string
	err error
	got postprocess.TransformRequest
}

func (t *stubTransformer) Transform(ctx context.Context, req postprocess.TransformRequest) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.got = req
	return t.url, t.err
}

type fixture struct {
	backend     *fakeBackend
	clock       *recording.ManualClock
	session     *recording.Session
	sink        *captureSink
	db          *database.Database
	events      *eventLog
	uploader    *stubUploader
	transformer *stubTransformer
	svc         *CaptureService
}

func newFixture(t *testing.T, withDetection bool) *fixture {
	t.Helper()

	db, err := database.New(filepath.Join(t.TempDir(), "collicam.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })

	f := &fixture{
		backend: newFakeBackend(
			camera.DeviceInfo{ID: "cam0", Label: "Back Camera", Video: true},
			camera.DeviceInfo{ID: "cam1", Label: "Front Camera", Video: true},
			camera.DeviceInfo{ID: "mic0", Label: "Microphone"},
		),
		clock:       recording.NewManualClock(time.Unix(1700000000, 0)),
		sink:        &captureSink{},
		db:          db,
		events:      &eventLog{},
		uploader:    &stubUploader{url: "https://cdn.example.com/raw.webm"},
		transformer: &stubTransformer{url: "https://cdn.example.com/processed.webm"},
	}
	f.session = recording.NewSession(recording.DefaultConfig(), recording.WithClock(f.clock))

	opts := []CaptureOption{
		WithStore(db),
		WithEvents(f.events),
		WithSubmitter(postprocess.NewClient(f.uploader, f.transformer, nil)),
		WithImageUploader(&stubUploader{url: "https://cdn.example.com/uploaded.png"}),
	}
	if withDetection {
		loops := pipeline.NewLoopManager(collidingDetector{}, nil, NewCollisionLog(db, nil), nil, nil,
			pipeline.WithTickInterval(time.Millisecond))
		opts = append(opts, WithDetection(loops))
	}

	cameras := camera.NewManager(f.backend, camera.RolePolicy{}, nil)
	f.svc = NewCaptureService(cameras, f.session, func() recording.Sink { return f.sink }, CaptureConfig{}, opts...)
	t.Cleanup(func() { f.svc.Close() })
	return f
}

// record runs a recording of the given length with one chunk per second
func (f *fixture) record(t *testing.T, seconds int) string {
	t.Helper()
	id, err := f.svc.StartRecording(context.Background())
	require.NoError(t, err)
	for i := 0; i < seconds; i++ {
		f.sink.deliver([]byte{byte(i)})
		f.clock.Advance(time.Second)
	}
	f.svc.StopRecording()
	return id
}

func TestDevicesRequestsAccess(t *testing.T) {
	f := newFixture(t, false)

	devices, assignment, err := f.svc.Devices(context.Background())
	require.NoError(t, err)
	assert.Len(t, devices, 2)
	assert.Equal(t, camera.Assignment{Front: "cam1", Back: "cam0"}, assignment)
}

func TestDevicesPermissionDenied(t *testing.T) {
	f := newFixture(t, false)
	f.backend.deny = true

	_, _, err := f.svc.Devices(context.Background())
	assert.ErrorIs(t, err, camera.ErrPermissionDenied)
}

func TestStartRecordingCombinesBothCameras(t *testing.T) {
	f := newFixture(t, false)

	id, err := f.svc.StartRecording(context.Background())
	require.NoError(t, err)
	assert.Equal(t, recording.StateRecording, f.session.State())
	assert.Equal(t, []camera.Role{camera.RoleBack, camera.RoleFront}, f.svc.Previewing())

	tracks := f.sink.stream.Tracks()
	require.Len(t, tracks, 2)
	assert.Equal(t, "cam0-video", tracks[0].ID())
	assert.Equal(t, "cam1-video", tracks[1].ID())

	_, err = f.svc.StartRecording(context.Background())
	assert.ErrorIs(t, err, recording.ErrAlreadyRecording)

	f.sink.deliver([]byte("chunk"))
	f.clock.Advance(2 * time.Second)
	sum := f.svc.StopRecording()
	assert.Equal(t, id, sum.ID)
	assert.Equal(t, recording.StopManual, sum.Reason)
	assert.Equal(t, 2, sum.ElapsedSeconds)
	assert.True(t, f.sink.stopped)

	// preview survives the recording
	assert.Len(t, f.svc.Previewing(), 2)
	assert.Empty(t, f.backend.closedStreams())

	rec, err := f.db.GetRecording(id)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "manual", rec.StopReason)
	assert.Equal(t, 5, rec.SizeBytes)

	assert.Equal(t, []string{ws.EventStarted, ws.EventStopped}, f.events.recordingEvents())
}

func TestStartRecordingBackOnly(t *testing.T) {
	f := newFixture(t, false)
	f.backend.infos = []camera.DeviceInfo{{ID: "solo", Label: "USB camera", Video: true}}

	_, err := f.svc.StartRecording(context.Background())
	require.NoError(t, err)
	// the only camera becomes front; back stays unset
	assert.Equal(t, []camera.Role{camera.RoleFront}, f.svc.Previewing())
	assert.Equal(t, "solo", f.sink.stream.ID())
}

func TestStartRecordingDeviceFailureReleasesStreams(t *testing.T) {
	f := newFixture(t, false)
	f.backend.openErr["cam1"] = errors.New("NotReadableError")

	_, err := f.svc.StartRecording(context.Background())
	assert.ErrorIs(t, err, camera.ErrDeviceUnavailable)
	assert.Equal(t, recording.StateIdle, f.session.State())
	assert.Empty(t, f.svc.Previewing())
	assert.Equal(t, []string{"cam0"}, f.backend.closedStreams())
}

func TestStopPreviewReleasesCameras(t *testing.T) {
	f := newFixture(t, true)

	require.NoError(t, f.svc.StartPreview(context.Background()))
	require.NoError(t, f.svc.StopPreview())
	assert.Empty(t, f.svc.Previewing())
	assert.ElementsMatch(t, []string{"cam0", "cam1"}, f.backend.closedStreams())
	assert.Empty(t, f.svc.loops.Sources())
}

func TestAdvisoryEvent(t *testing.T) {
	f := newFixture(t, false)
	f.record(t, 12)

	assert.Equal(t, []string{ws.EventStarted, ws.EventAdvisory, ws.EventStopped}, f.events.recordingEvents())
}

func TestArtifactLookup(t *testing.T) {
	f := newFixture(t, false)

	_, err := f.svc.Artifact("nope")
	assert.ErrorIs(t, err, ErrRecordingNotFound)

	id := f.record(t, 3)
	art, err := f.svc.Artifact(id)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2}, art.Data)
	assert.Equal(t, 3, art.ElapsedSeconds)

	_, err = f.svc.Artifact("other")
	assert.ErrorIs(t, err, ErrRecordingNotFound)
}

func TestProcessTwentyTwoSecondRecording(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.svc.AddImage("https://img.example.com/a.png")
	require.NoError(t, err)

	id := f.record(t, 22)
	asset, err := f.svc.Process(context.Background(), id, nil)
	require.NoError(t, err)

	assert.Equal(t, id, asset.RecordingID)
	assert.Equal(t, "https://cdn.example.com/raw.webm", asset.SourceURL)
	assert.Equal(t, "https://cdn.example.com/processed.webm", asset.ResultURL)
	require.Len(t, asset.Plan, 2)
	assert.Equal(t, overlay.Entry{ImageRef: "https://img.example.com/a.png", StartOffsetSeconds: 10, EndOffsetSeconds: 13}, asset.Plan[0])
	assert.Equal(t, overlay.Entry{ImageRef: "https://img.example.com/a.png", StartOffsetSeconds: 20, EndOffsetSeconds: 23}, asset.Plan[1])
	assert.Equal(t, float64(22), f.transformer.got.Duration)

	cached, err := f.svc.Asset(asset.ID)
	require.NoError(t, err)
	assert.Same(t, asset, cached)

	stored, err := f.svc.Assets(id, 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, 2, stored[0].OverlayCount)

	msgs := f.events.assets()
	require.Len(t, msgs, 1)
	assert.Equal(t, asset.ResultURL, msgs[0].ResultURL)
}

func TestProcessExplicitImages(t *testing.T) {
	f := newFixture(t, false)
	id := f.record(t, 10)

	asset, err := f.svc.Process(context.Background(), id, []string{"https://img.example.com/x.png"})
	require.NoError(t, err)
	assert.Equal(t, []string{"https://img.example.com/x.png"}, asset.Plan.Images())
}

func TestProcessFailures(t *testing.T) {
	t.Run("empty pool", func(t *testing.T) {
		f := newFixture(t, false)
		id := f.record(t, 22)
		_, err := f.svc.Process(context.Background(), id, nil)
		assert.ErrorIs(t, err, overlay.ErrInsufficientInput)
	})

	t.Run("too short", func(t *testing.T) {
		f := newFixture(t, false)
		id := f.record(t, 5)
		_, err := f.svc.Process(context.Background(), id, []string{"https://img.example.com/a.png"})
		assert.ErrorIs(t, err, overlay.ErrInsufficientInput)
	})

	t.Run("upload fails and artifact survives", func(t *testing.T) {
		f := newFixture(t, false)
		f.uploader.err = errors.New("413 too large")
		id := f.record(t, 12)

		_, err := f.svc.Process(context.Background(), id, []string{"https://img.example.com/a.png"})
		assert.ErrorIs(t, err, postprocess.ErrUploadFailed)
		_, err = f.svc.Artifact(id)
		assert.NoError(t, err)

		msgs := f.events.assets()
		require.Len(t, msgs, 1)
		assert.NotEmpty(t, msgs[0].Error)
	})

	t.Run("transform fails", func(t *testing.T) {
		f := newFixture(t, false)
		f.transformer.err = errors.New("eager failed")
		id := f.record(t, 12)

		_, err := f.svc.Process(context.Background(), id, []string{"https://img.example.com/a.png"})
		assert.ErrorIs(t, err, postprocess.ErrTransformFailed)
	})
}

func TestImagePool(t *testing.T) {
	f := newFixture(t, false)
	f.svc.cfg.StaticImages = []string{"https://img.example.com/static.png"}

	_, err := f.svc.AddImage("ftp://img.example.com/a.png")
	assert.ErrorIs(t, err, ErrInvalidImage)

	img, err := f.svc.AddImage("https://img.example.com/a.png")
	require.NoError(t, err)
	_, err = f.svc.AddImage("https://img.example.com/static.png")
	require.NoError(t, err)

	uploaded, err := f.svc.UploadImage(context.Background(), "logo.png", []byte{0x89, 'P', 'N', 'G'})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/uploaded.png", uploaded.URL)

	pool, err := f.svc.ImagePool()
	require.NoError(t, err)
	assert.Equal(t, []string{
		"https://img.example.com/static.png",
		"https://img.example.com/a.png",
		"https://cdn.example.com/uploaded.png",
	}, pool)

	require.NoError(t, f.svc.RemoveImage(img.ID))
	pool, err = f.svc.ImagePool()
	require.NoError(t, err)
	assert.NotContains(t, pool, "https://img.example.com/a.png")
}

func TestDetectionWhilePreviewing(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.svc.StartPreview(context.Background()))

	require.Eventually(t, func() bool {
		d, err := f.svc.Latest("back")
		return err == nil && d.Collision
	}, 2*time.Second, 5*time.Millisecond)

	d, err := f.svc.Latest("back")
	require.NoError(t, err)
	assert.Equal(t, []pipeline.Pair{{I: 0, J: 1}}, d.Pairs)

	jpg, err := f.svc.Snapshot("back")
	require.NoError(t, err)
	require.Greater(t, len(jpg), 2)
	assert.Equal(t, []byte{0xFF, 0xD8}, jpg[:2])

	_, err = f.svc.Latest("side")
	assert.ErrorIs(t, err, ErrUnknownRole)

	st := f.svc.Status()
	assert.Equal(t, "idle", st.State)
	assert.True(t, st.Collisions["back"])

	require.Eventually(t, func() bool {
		records, err := f.svc.Collisions("back", nil, 10)
		return err == nil && len(records) > 0
	}, 2*time.Second, 5*time.Millisecond)
	records, err := f.svc.Collisions("back", nil, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"person", "car"}, records[0].Classes)
}

type stubRegistry struct {
	detectors []pipeline.Detector
}

func (r *stubRegistry) Register(d pipeline.Detector) error {
	r.detectors = append(r.detectors, d)
	return nil
}
func (r *stubRegistry) GetAll() []pipeline.Detector { return r.detectors }
func (r *stubRegistry) Close() error                { return nil }
func (r *stubRegistry) GetReady() []pipeline.Detector {
	var ready []pipeline.Detector
	for _, d := range r.detectors {
		if d.Ready() {
			ready = append(ready, d)
		}
	}
	return ready
}

type loadingDetector struct {
	collidingDetector
	name string
}

func (d loadingDetector) Name() string { return d.name }
func (loadingDetector) Ready() bool     { return false }

func TestDetectorReadinessInStatus(t *testing.T) {
	f := newFixture(t, false)
	assert.ErrorIs(t, f.svc.DetectorsReady(context.Background()), ErrDetectionDisabled)
	assert.Empty(t, f.svc.Status().Detectors)

	registry := &stubRegistry{}
	require.NoError(t, registry.Register(loadingDetector{name: "grpc"}))
	WithDetectorRegistry(registry)(f.svc)

	assert.ErrorIs(t, f.svc.DetectorsReady(context.Background()), pipeline.ErrDetectorNotReady)
	assert.Equal(t, []DetectorStatus{{Name: "grpc", Ready: false}}, f.svc.Status().Detectors)

	require.NoError(t, registry.Register(collidingDetector{}))
	assert.NoError(t, f.svc.DetectorsReady(context.Background()))
	assert.Equal(t, []DetectorStatus{
		{Name: "grpc", Ready: false},
		{Name: "fake", Ready: true},
	}, f.svc.Status().Detectors)
}

func TestLatestWithoutDetection(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.svc.Latest("back")
	assert.ErrorIs(t, err, ErrDetectionDisabled)
}
