package recording

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"collicam/internal/stream"
)

var (
	// ErrNoCombinedStream is returned when recording is started without a stream
	ErrNoCombinedStream = errors.New("no combined stream to record")

	// ErrAlreadyRecording is returned by Start while a recording is running
	ErrAlreadyRecording = errors.New("already recording")

	// ErrNoArtifact is returned when no finished recording with data exists
	ErrNoArtifact = errors.New("no recording artifact")
)

// State is the recording lifecycle state
type State int

const (
	StateIdle State = iota
	StateRecording
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRecording:
		return "recording"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// StopReason records what ended a recording
type StopReason string

const (
	StopManual    StopReason = "manual"
	StopAuto      StopReason = "auto"
	StopSinkError StopReason = "sink-error"
)

// Sink is the platform recorder. It encodes the stream and hands out
// encoded chunks through deliver until stopped. fail reports an
// unrecoverable recorder error.
type Sink interface {
	Start(ctx context.Context, s stream.LiveStream, deliver func([]byte), fail func(error)) error
	Stop() error
}

// Drainer is a Sink whose encoder emits trailing output after its input
// ends. Drain stops the input and returns once every remaining chunk has
// been delivered. The session drains before leaving Recording, so those
// chunks are kept.
type Drainer interface {
	Drain() error
}

// Config holds session timing
type Config struct {
	MaxDuration   time.Duration
	AdvisoryAfter time.Duration
	TickInterval  time.Duration
	MimeType      string
}

// DefaultConfig returns the default session timing
func DefaultConfig() Config {
	return Config{
		MaxDuration:   30 * time.Second,
		AdvisoryAfter: 10 * time.Second,
		TickInterval:  time.Second,
		MimeType:      "video/webm",
	}
}

// Artifact is a finished recording. Data must be treated as read-only.
type Artifact struct {
	ID             string
	MimeType       string
	Data           []byte
	ElapsedSeconds int
	ChunkCount     int
	StartedAt      time.Time
	StoppedAt      time.Time
}

// Summary describes a recording at the moment it stopped
type Summary struct {
	ID             string
	StartedAt      time.Time
	StoppedAt      time.Time
	ElapsedSeconds int
	ChunkCount     int
	SizeBytes      int
	Reason         StopReason
	Err            error
}

// Option configures a Session
type Option func(*Session)

// WithClock sets the clock driving ticks and auto-stop
func WithClock(c Clock) Option {
	return func(s *Session) {
		s.clock = c
	}
}

// WithLogger sets the session logger
func WithLogger(l *zap.Logger) Option {
	return func(s *Session) {
		s.logger = l.Named("recording")
	}
}

// Session is the recording state machine. All transitions are serialized
// by the session mutex; callbacks run outside of it.
type Session struct {
	cfg    Config
	clock  Clock
	logger *zap.Logger

	mu         sync.Mutex
	gen        uint64
	id         string
	state      State
	sink       Sink
	chunks     [][]byte
	size       int
	startedAt  time.Time
	stoppedAt  time.Time
	elapsed    int
	advised    bool
	reason     StopReason
	sinkErr    error
	ticker     Timer
	autoStop   Timer
	draining   bool
	artifact   *Artifact
	onAdvisory []func(elapsed int)
	onStopped  []func(Summary)
}

// NewSession creates a new idle recording session
func NewSession(cfg Config, opts ...Option) *Session {
	def := DefaultConfig()
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = def.MaxDuration
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = def.TickInterval
	}
	if cfg.MimeType == "" {
		cfg.MimeType = def.MimeType
	}

	s := &Session{
		cfg:    cfg,
		clock:  SystemClock{},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnAdvisory registers a callback fired once per recording when the
// elapsed time reaches AdvisoryAfter
func (s *Session) OnAdvisory(f func(elapsedSeconds int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onAdvisory = append(s.onAdvisory, f)
}

// OnStopped registers a callback fired on every Recording to Stopped transition
func (s *Session) OnStopped(f func(Summary)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStopped = append(s.onStopped, f)
}

// Start begins recording ls through sink. The previous recording, if any,
// is discarded.
func (s *Session) Start(ctx context.Context, ls stream.LiveStream, sink Sink) error {
	if ls == nil {
		return ErrNoCombinedStream
	}
	if sink == nil {
		return fmt.Errorf("start recording: nil sink")
	}

	s.mu.Lock()
	if s.state == StateRecording {
		s.mu.Unlock()
		return ErrAlreadyRecording
	}
	s.gen++
	gen := s.gen
	s.id = uuid.New().String()
	s.state = StateRecording
	s.sink = sink
	s.chunks = nil
	s.size = 0
	s.elapsed = 0
	s.advised = false
	s.reason = ""
	s.sinkErr = nil
	s.artifact = nil
	s.startedAt = s.clock.Now()
	s.stoppedAt = time.Time{}
	id := s.id
	s.mu.Unlock()

	err := sink.Start(ctx, ls,
		func(chunk []byte) { s.deliver(gen, chunk) },
		func(err error) { s.fail(gen, err) },
	)
	if err != nil {
		s.mu.Lock()
		if s.gen == gen {
			s.state = StateIdle
			s.sink = nil
		}
		s.mu.Unlock()
		s.logger.Warn("recorder failed to start", zap.String("recording", id), zap.Error(err))
		return fmt.Errorf("start recorder: %w", err)
	}

	s.mu.Lock()
	if s.gen == gen && s.state == StateRecording && !s.draining {
		s.ticker = s.clock.Every(s.cfg.TickInterval, func() { s.tick(gen) })
		s.autoStop = s.clock.AfterFunc(s.cfg.MaxDuration, func() { s.stop(gen, StopAuto, nil) })
	}
	s.mu.Unlock()

	s.logger.Info("recording started",
		zap.String("recording", id),
		zap.String("stream", ls.ID()),
		zap.Duration("max_duration", s.cfg.MaxDuration))
	return nil
}

// Stop ends the current recording. It is a no-op unless recording.
func (s *Session) Stop() {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	s.stop(gen, StopManual, nil)
}

// Deliver appends a chunk to the current recording. Empty chunks and
// chunks arriving outside Recording are dropped.
func (s *Session) Deliver(chunk []byte) {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()
	s.deliver(gen, chunk)
}

func (s *Session) deliver(gen uint64, chunk []byte) {
	if len(chunk) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.state != StateRecording {
		s.logger.Debug("dropping chunk outside recording", zap.Int("bytes", len(chunk)))
		return
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.chunks = append(s.chunks, cp)
	s.size += len(cp)
}

func (s *Session) fail(gen uint64, err error) {
	s.logger.Error("recorder error", zap.Error(err))
	s.stop(gen, StopSinkError, err)
}

func (s *Session) tick(gen uint64) {
	s.mu.Lock()
	if s.gen != gen || s.state != StateRecording {
		s.mu.Unlock()
		return
	}
	s.elapsed++
	elapsed := s.elapsed
	fire := !s.advised && s.cfg.AdvisoryAfter > 0 &&
		time.Duration(elapsed)*s.cfg.TickInterval >= s.cfg.AdvisoryAfter
	if fire {
		s.advised = true
	}
	callbacks := append([]func(int){}, s.onAdvisory...)
	s.mu.Unlock()

	if fire {
		s.logger.Info("recording advisory", zap.Int("elapsed_seconds", elapsed))
		for _, f := range callbacks {
			f(elapsed)
		}
	}
}

// stop performs the Recording to Stopped transition for generation gen.
// Whichever caller gets here first wins.
func (s *Session) stop(gen uint64, reason StopReason, cause error) {
	s.mu.Lock()
	if s.gen != gen || s.state != StateRecording || s.draining {
		s.mu.Unlock()
		return
	}
	s.stopTimersLocked()
	drainer, _ := s.sink.(Drainer)
	if drainer != nil {
		s.draining = true
		s.mu.Unlock()
		if err := drainer.Drain(); err != nil {
			s.logger.Warn("recorder drain failed", zap.Error(err))
		}
		s.mu.Lock()
		s.draining = false
		if s.gen != gen || s.state != StateRecording {
			s.mu.Unlock()
			return
		}
	}
	s.state = StateStopped
	s.reason = reason
	s.sinkErr = cause
	s.stoppedAt = s.clock.Now()
	sink := s.sink
	s.sink = nil
	summary := s.summaryLocked()
	callbacks := append([]func(Summary){}, s.onStopped...)
	s.mu.Unlock()

	if sink != nil {
		if err := sink.Stop(); err != nil {
			s.logger.Warn("recorder stop failed", zap.String("recording", summary.ID), zap.Error(err))
		}
	}

	s.logger.Info("recording stopped",
		zap.String("recording", summary.ID),
		zap.String("reason", string(reason)),
		zap.Int("elapsed_seconds", summary.ElapsedSeconds),
		zap.Int("chunks", summary.ChunkCount),
		zap.Int("bytes", summary.SizeBytes))

	for _, f := range callbacks {
		f(summary)
	}
}

func (s *Session) stopTimersLocked() {
	if s.ticker != nil {
		s.ticker.Stop()
		s.ticker = nil
	}
	if s.autoStop != nil {
		s.autoStop.Stop()
		s.autoStop = nil
	}
}

func (s *Session) summaryLocked() Summary {
	return Summary{
		ID:             s.id,
		StartedAt:      s.startedAt,
		StoppedAt:      s.stoppedAt,
		ElapsedSeconds: s.elapsed,
		ChunkCount:     len(s.chunks),
		SizeBytes:      s.size,
		Reason:         s.reason,
		Err:            s.sinkErr,
	}
}

// Artifact returns the finished recording. The concatenation is built once
// per recording; later calls return the same artifact.
func (s *Session) Artifact() (Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateStopped || len(s.chunks) == 0 {
		return Artifact{}, ErrNoArtifact
	}
	if s.artifact == nil {
		s.artifact = &Artifact{
			ID:             s.id,
			MimeType:       s.cfg.MimeType,
			Data:           bytes.Join(s.chunks, nil),
			ElapsedSeconds: s.elapsed,
			ChunkCount:     len(s.chunks),
			StartedAt:      s.startedAt,
			StoppedAt:      s.stoppedAt,
		}
	}
	return *s.artifact, nil
}

// ID returns the identifier of the current or last recording
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// State returns the lifecycle state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Elapsed returns the whole seconds counted by the tick
func (s *Session) Elapsed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.elapsed
}

// StopReason returns why the last recording stopped, empty while recording
func (s *Session) StopReason() StopReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Summary returns a snapshot of the current or last recording
func (s *Session) Summary() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summaryLocked()
}

// Config returns the session timing
func (s *Session) Config() Config {
	return s.cfg
}
