package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"collicam/internal/camera"
	"collicam/internal/database"
	"collicam/internal/metrics"
	"collicam/internal/overlay"
	"collicam/internal/pipeline"
	"collicam/internal/postprocess"
	"collicam/internal/recording"
	"collicam/internal/stream"
	"collicam/internal/ws"
)

var (
	// ErrUnknownRole is returned for a role other than front or back
	ErrUnknownRole = errors.New("unknown camera role")

	// ErrRecordingNotFound is returned when no artifact exists for an id
	ErrRecordingNotFound = errors.New("recording not found")

	// ErrAssetNotFound is returned when no processed asset exists for an id
	ErrAssetNotFound = errors.New("asset not found")

	// ErrDetectionDisabled is returned by detection queries when no loop runs
	ErrDetectionDisabled = errors.New("detection disabled")
)

// Store is the persistence used by the capture service
type Store interface {
	SaveRecording(r *database.RecordingRecord) error
	GetRecording(id string) (*database.RecordingRecord, error)
	ListRecordings(limit int) ([]*database.RecordingRecord, error)
	SaveAsset(a *database.AssetRecord) error
	ListAssets(recordingID string, limit int) ([]*database.AssetRecord, error)
	SaveCollision(c *database.CollisionRecord) error
	ListCollisions(source string, since *time.Time, limit int) ([]*database.CollisionRecord, error)
	SaveImage(img *database.ImageRecord) error
	ListImages() ([]*database.ImageRecord, error)
	DeleteImage(id string) error
}

var _ Store = (*database.Database)(nil)

// Events receives messages for websocket subscribers
type Events interface {
	BroadcastJSON(topic string, msg interface{})
}

// Submitter sends a finished recording through post-processing
type Submitter interface {
	Submit(ctx context.Context, artifact recording.Artifact, plan overlay.Plan) (*postprocess.ProcessedAsset, error)
}

// SinkFactory returns a fresh recorder for every recording
type SinkFactory func() recording.Sink

// CaptureConfig holds orchestration settings
type CaptureConfig struct {
	OverlayInterval time.Duration
	OverlayWindow   time.Duration
	// StaticImages are always part of the overlay pool
	StaticImages []string
	AssetTTL     time.Duration
}

// CaptureService wires cameras, recording, detection and post-processing
type CaptureService struct {
	cameras   *camera.Manager
	session   *recording.Session
	newSink   SinkFactory
	loops     *pipeline.LoopManager
	detectors pipeline.DetectorRegistry
	submitter Submitter
	images    postprocess.Uploader
	store     Store
	events    Events
	metrics   *metrics.Metrics
	assets    *cache.Cache
	cfg       CaptureConfig
	logger    *zap.Logger

	// loops outlive the request that started the preview
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	preview map[camera.Role]*previewStream
}

type previewStream struct {
	device camera.Device
	stream stream.LiveStream
	frames *pipeline.TrackFrameSource
}

// CaptureOption configures a CaptureService
type CaptureOption func(*CaptureService)

// WithDetection runs a detection loop per previewed camera
func WithDetection(loops *pipeline.LoopManager) CaptureOption {
	return func(s *CaptureService) { s.loops = loops }
}

// WithDetectorRegistry reports per-backend readiness in Status
func WithDetectorRegistry(r pipeline.DetectorRegistry) CaptureOption {
	return func(s *CaptureService) { s.detectors = r }
}

// WithSubmitter enables post-processing
func WithSubmitter(sub Submitter) CaptureOption {
	return func(s *CaptureService) { s.submitter = sub }
}

// WithImageUploader enables uploading overlay images to the asset store
func WithImageUploader(u postprocess.Uploader) CaptureOption {
	return func(s *CaptureService) { s.images = u }
}

// WithStore persists recordings, assets, collisions and the image pool
func WithStore(store Store) CaptureOption {
	return func(s *CaptureService) { s.store = store }
}

// WithEvents publishes lifecycle events
func WithEvents(e Events) CaptureOption {
	return func(s *CaptureService) { s.events = e }
}

// WithMetrics records recording and processing metrics
func WithMetrics(m *metrics.Metrics) CaptureOption {
	return func(s *CaptureService) { s.metrics = m }
}

// WithLogger sets the service logger
func WithLogger(l *zap.Logger) CaptureOption {
	return func(s *CaptureService) { s.logger = l }
}

// NewCaptureService creates a new capture service
func NewCaptureService(cameras *camera.Manager, session *recording.Session, newSink SinkFactory, cfg CaptureConfig, opts ...CaptureOption) *CaptureService {
	if cfg.OverlayInterval <= 0 {
		cfg.OverlayInterval = time.Duration(overlay.DefaultInterval * float64(time.Second))
	}
	if cfg.OverlayWindow <= 0 {
		cfg.OverlayWindow = time.Duration(overlay.DefaultWindow * float64(time.Second))
	}
	if cfg.AssetTTL <= 0 {
		cfg.AssetTTL = time.Hour
	}

	s := &CaptureService{
		cameras: cameras,
		session: session,
		newSink: newSink,
		cfg:     cfg,
		logger:  zap.NewNop(),
		preview: make(map[camera.Role]*previewStream),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("capture")
	s.assets = cache.New(cfg.AssetTTL, 2*cfg.AssetTTL)
	s.ctx, s.cancel = context.WithCancel(context.Background())

	session.OnAdvisory(s.handleAdvisory)
	session.OnStopped(s.handleStopped)
	return s
}

// Devices returns the video inputs and their role assignment, requesting
// camera access first when it was not granted yet
func (s *CaptureService) Devices(ctx context.Context) ([]camera.Device, camera.Assignment, error) {
	devices, err := s.cameras.ListDevices(ctx)
	if errors.Is(err, camera.ErrPermissionDenied) {
		if _, err = s.cameras.Acquire(ctx); err != nil {
			return nil, camera.Assignment{}, err
		}
		devices, err = s.cameras.ListDevices(ctx)
	}
	if err != nil {
		return nil, camera.Assignment{}, err
	}
	return devices, s.cameras.Assignment(), nil
}

// StartPreview opens the back and front cameras and starts their detection
// loops. Cameras already previewed are kept. If any device fails, the
// streams opened by this call are released.
func (s *CaptureService) StartPreview(ctx context.Context) error {
	if _, _, err := s.Devices(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var opened []camera.Role
	for _, role := range []camera.Role{camera.RoleBack, camera.RoleFront} {
		if _, ok := s.preview[role]; ok {
			continue
		}
		device, ok := s.cameras.DeviceFor(role)
		if !ok {
			continue
		}
		ls, err := s.cameras.OpenStream(ctx, device)
		if err != nil {
			for _, r := range opened {
				s.closePreviewLocked(r)
			}
			return err
		}
		s.preview[role] = &previewStream{device: device, stream: ls}
		opened = append(opened, role)
	}

	for _, role := range opened {
		s.startDetectionLocked(role)
	}
	if len(s.preview) == 0 {
		return camera.ErrNoDevice
	}
	return nil
}

func (s *CaptureService) startDetectionLocked(role camera.Role) {
	if s.loops == nil {
		return
	}
	p := s.preview[role]
	frames, err := pipeline.NewTrackFrameSource(string(role), p.stream)
	if err != nil {
		s.logger.Warn("detection unavailable for camera", zap.String("role", string(role)), zap.Error(err))
		return
	}
	if err := s.loops.StartSource(s.ctx, string(role), frames); err != nil {
		frames.Close()
		s.logger.Warn("failed to start detection", zap.String("role", string(role)), zap.Error(err))
		return
	}
	p.frames = frames
}

// StopPreview stops detection and releases every previewed camera. A
// recording in progress loses its source and ends with a recorder error.
func (s *CaptureService) StopPreview() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for role := range s.preview {
		if err := s.closePreviewLocked(role); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *CaptureService) closePreviewLocked(role camera.Role) error {
	p, ok := s.preview[role]
	if !ok {
		return nil
	}
	delete(s.preview, role)

	if p.frames != nil {
		if s.loops != nil {
			_ = s.loops.StopSource(string(role))
		}
		p.frames.Close()
	}
	return s.cameras.Release(p.stream)
}

// Previewing returns the roles with an open camera
func (s *CaptureService) Previewing() []camera.Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []camera.Role
	for _, role := range []camera.Role{camera.RoleBack, camera.RoleFront} {
		if _, ok := s.preview[role]; ok {
			out = append(out, role)
		}
	}
	return out
}

// StartRecording starts the preview if needed, combines the camera streams
// and records the result. It returns the recording id.
func (s *CaptureService) StartRecording(ctx context.Context) (string, error) {
	if err := s.StartPreview(ctx); err != nil {
		return "", err
	}

	s.mu.Lock()
	var back, front stream.LiveStream
	if p, ok := s.preview[camera.RoleBack]; ok {
		back = p.stream
	}
	if p, ok := s.preview[camera.RoleFront]; ok {
		front = p.stream
	}
	s.mu.Unlock()

	combined, err := stream.Combine(back, front)
	if err != nil {
		return "", fmt.Errorf("%w: %w", recording.ErrNoCombinedStream, err)
	}
	if err := s.session.Start(ctx, combined, s.newSink()); err != nil {
		return "", err
	}

	id := s.session.ID()
	if s.metrics != nil {
		s.metrics.Recording.Started()
	}
	s.publish(ws.TopicAll, ws.NewRecordingMessage(ws.EventStarted, id, 0, ""))
	return id, nil
}

// StopRecording stops the current recording and returns its summary
func (s *CaptureService) StopRecording() recording.Summary {
	s.session.Stop()
	return s.session.Summary()
}

func (s *CaptureService) handleAdvisory(elapsed int) {
	s.publish(ws.TopicAll, ws.NewRecordingMessage(ws.EventAdvisory, s.session.ID(), elapsed, ""))
}

func (s *CaptureService) handleStopped(sum recording.Summary) {
	if s.metrics != nil {
		s.metrics.Recording.Stopped(string(sum.Reason), sum.ElapsedSeconds, sum.SizeBytes)
	}
	if s.store != nil {
		err := s.store.SaveRecording(&database.RecordingRecord{
			ID:             sum.ID,
			StartedAt:      sum.StartedAt,
			StoppedAt:      sum.StoppedAt,
			ElapsedSeconds: sum.ElapsedSeconds,
			SizeBytes:      sum.SizeBytes,
			ChunkCount:     sum.ChunkCount,
			StopReason:     string(sum.Reason),
			MimeType:       s.session.Config().MimeType,
		})
		if err != nil {
			s.logger.Error("failed to save recording", zap.String("recording", sum.ID), zap.Error(err))
		}
	}
	s.publish(ws.TopicAll, ws.NewRecordingMessage(ws.EventStopped, sum.ID, sum.ElapsedSeconds, string(sum.Reason)))
}

// Status is the live state of the service
type Status struct {
	State          string                `json:"state"`
	RecordingID    string                `json:"recording_id,omitempty"`
	ElapsedSeconds int                   `json:"elapsed_seconds"`
	StopReason     string                `json:"stop_reason,omitempty"`
	MaxSeconds     int                   `json:"max_seconds"`
	Cameras        []camera.Role         `json:"cameras"`
	Assignment     camera.Assignment     `json:"assignment"`
	Detection      []pipeline.LoopStats  `json:"detection,omitempty"`
	Detectors      []DetectorStatus      `json:"detectors,omitempty"`
	Collisions     map[string]bool       `json:"collisions,omitempty"`
	Latest         map[string]Detections `json:"latest,omitempty"`
}

// DetectorStatus reports whether one detection backend has its model loaded
type DetectorStatus struct {
	Name  string `json:"name"`
	Ready bool   `json:"ready"`
}

// Detections is the latest detection set of one camera
type Detections struct {
	Seq        uint64               `json:"seq"`
	Timestamp  time.Time            `json:"timestamp"`
	Detections []pipeline.Detection `json:"detections"`
	Collision  bool                 `json:"collision"`
	Pairs      []pipeline.Pair      `json:"pairs,omitempty"`
}

// DetectorsReady returns pipeline.ErrDetectorNotReady until at least one
// registered backend has loaded its model
func (s *CaptureService) DetectorsReady(ctx context.Context) error {
	if s.detectors == nil {
		return ErrDetectionDisabled
	}
	if len(s.detectors.GetReady()) == 0 {
		return pipeline.ErrDetectorNotReady
	}
	return nil
}

// Status returns the recording, preview and detection state
func (s *CaptureService) Status() Status {
	st := Status{
		State:          s.session.State().String(),
		RecordingID:    s.session.ID(),
		ElapsedSeconds: s.session.Elapsed(),
		StopReason:     string(s.session.StopReason()),
		MaxSeconds:     int(s.session.Config().MaxDuration / time.Second),
		Cameras:        s.Previewing(),
		Assignment:     s.cameras.Assignment(),
	}
	if s.detectors != nil {
		for _, d := range s.detectors.GetAll() {
			st.Detectors = append(st.Detectors, DetectorStatus{Name: d.Name(), Ready: d.Ready()})
		}
	}
	if s.loops == nil {
		return st
	}

	st.Detection = s.loops.Stats()
	for _, source := range s.loops.Sources() {
		d, err := s.Latest(source)
		if err != nil {
			continue
		}
		if st.Latest == nil {
			st.Latest = make(map[string]Detections)
			st.Collisions = make(map[string]bool)
		}
		st.Latest[source] = d
		st.Collisions[source] = d.Collision
	}
	return st
}

// Latest returns the last detection cycle of a camera
func (s *CaptureService) Latest(source string) (Detections, error) {
	snap, err := s.latestSnapshot(source)
	if err != nil {
		return Detections{}, err
	}
	return Detections{
		Seq:        snap.Seq,
		Timestamp:  snap.Timestamp,
		Detections: snap.Detections,
		Collision:  snap.Collision,
		Pairs:      snap.Pairs,
	}, nil
}

func (s *CaptureService) latestSnapshot(source string) (*pipeline.Snapshot, error) {
	if camera.ParseRole(source) == camera.RoleUnknown {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRole, source)
	}
	if s.loops == nil {
		return nil, ErrDetectionDisabled
	}
	loop, ok := s.loops.Loop(source)
	if !ok {
		return nil, fmt.Errorf("%w: no loop for %s", pipeline.ErrNoFrame, source)
	}
	snap := loop.Latest()
	if snap == nil {
		return nil, pipeline.ErrNoFrame
	}
	return snap, nil
}

// Snapshot renders the last detected frame of a camera with its boxes.
// Boxes taking part in a collision are highlighted.
func (s *CaptureService) Snapshot(source string) ([]byte, error) {
	data, _, err := s.PreviewFrame(source)
	return data, err
}

// PreviewFrame is Snapshot plus the sequence number of the analyzed frame
func (s *CaptureService) PreviewFrame(source string) ([]byte, uint64, error) {
	snap, err := s.latestSnapshot(source)
	if err != nil {
		return nil, 0, err
	}
	if snap.Frame == nil || snap.Frame.Image == nil {
		return nil, 0, pipeline.ErrNoFrame
	}

	colliding := make(map[int]bool)
	for _, p := range snap.Pairs {
		colliding[p.I] = true
		colliding[p.J] = true
	}
	boxes := make([]stream.Box, len(snap.Detections))
	for i, d := range snap.Detections {
		r := d.BBox.Rect()
		boxes[i] = stream.Box{
			Label:     d.Class,
			Score:     d.Score,
			X:         r.Min.X,
			Y:         r.Min.Y,
			W:         r.Dx(),
			H:         r.Dy(),
			Colliding: colliding[i],
		}
	}
	data, err := stream.Annotate(snap.Frame.Image, boxes)
	if err != nil {
		return nil, 0, err
	}
	return data, snap.Seq, nil
}

// Artifact returns the finished recording with the given id. Only the
// latest recording is held in memory.
func (s *CaptureService) Artifact(id string) (recording.Artifact, error) {
	art, err := s.session.Artifact()
	if err != nil {
		if s.session.ID() == id {
			return recording.Artifact{}, err
		}
		return recording.Artifact{}, fmt.Errorf("%w: %s", ErrRecordingNotFound, id)
	}
	if art.ID != id {
		return recording.Artifact{}, fmt.Errorf("%w: %s", ErrRecordingNotFound, id)
	}
	return art, nil
}

// Recordings returns the recording history, newest first
func (s *CaptureService) Recordings(limit int) ([]*database.RecordingRecord, error) {
	if s.store == nil {
		return nil, nil
	}
	return s.store.ListRecordings(limit)
}

// Collisions returns recorded collisions, newest first
func (s *CaptureService) Collisions(source string, since *time.Time, limit int) ([]*database.CollisionRecord, error) {
	if s.store == nil {
		return nil, nil
	}
	return s.store.ListCollisions(source, since, limit)
}

// Close stops the recording, detection and preview
func (s *CaptureService) Close() error {
	s.session.Stop()
	err := s.StopPreview()
	if s.loops != nil {
		s.loops.StopAll()
	}
	s.cancel()
	return err
}

func (s *CaptureService) publish(topic string, msg interface{}) {
	if s.events != nil {
		s.events.BroadcastJSON(topic, msg)
	}
}
