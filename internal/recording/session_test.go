package recording

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"collicam/internal/stream"
)

type fakeTrack struct{ id string }

func (t fakeTrack) ID() string   { return t.id }
func (t fakeTrack) Kind() string { return stream.KindVideo }

// fakeSink captures the callbacks so tests can play the recorder
type fakeSink struct {
	mu       sync.Mutex
	startErr error
	deliver  func([]byte)
	fail     func(error)
	started  int
	stopped  int
}

func (s *fakeSink) Start(ctx context.Context, ls stream.LiveStream, deliver func([]byte), fail func(error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return s.startErr
	}
	s.started++
	s.deliver = deliver
	s.fail = fail
	return nil
}

func (s *fakeSink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped++
	return nil
}

func (s *fakeSink) emit(chunk []byte) {
	s.mu.Lock()
	deliver := s.deliver
	s.mu.Unlock()
	deliver(chunk)
}

func newTestSession(t *testing.T) (*Session, *ManualClock) {
	t.Helper()
	clock := NewManualClock(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	return NewSession(DefaultConfig(), WithClock(clock)), clock
}

func liveStream() stream.LiveStream {
	return stream.New("combined", fakeTrack{"v"})
}

func TestStartValidation(t *testing.T) {
	s, _ := newTestSession(t)
	ctx := context.Background()

	err := s.Start(ctx, nil, &fakeSink{})
	assert.ErrorIs(t, err, ErrNoCombinedStream)
	assert.Equal(t, StateIdle, s.State())

	sinkErr := errors.New("NotSupportedError")
	err = s.Start(ctx, liveStream(), &fakeSink{startErr: sinkErr})
	assert.ErrorIs(t, err, sinkErr)
	assert.Equal(t, StateIdle, s.State())

	sink := &fakeSink{}
	require.NoError(t, s.Start(ctx, liveStream(), sink))
	assert.Equal(t, StateRecording, s.State())
	assert.ErrorIs(t, s.Start(ctx, liveStream(), &fakeSink{}), ErrAlreadyRecording)
	s.Stop()
}

func TestChunksOnlyAppendedWhileRecording(t *testing.T) {
	s, _ := newTestSession(t)
	sink := &fakeSink{}
	require.NoError(t, s.Start(context.Background(), liveStream(), sink))

	sink.emit([]byte("ab"))
	sink.emit(nil)
	sink.emit([]byte{})
	sink.emit([]byte("cd"))
	s.Stop()

	// a chunk racing with stop is dropped
	sink.emit([]byte("late"))
	s.Deliver([]byte("later"))

	a, err := s.Artifact()
	require.NoError(t, err)
	assert.Equal(t, []byte("abcd"), a.Data)
	assert.Equal(t, 2, a.ChunkCount)
	assert.Equal(t, StopManual, s.StopReason())
	assert.Equal(t, 1, sink.stopped)
}

func TestChunkBufferIsCopied(t *testing.T) {
	s, _ := newTestSession(t)
	sink := &fakeSink{}
	require.NoError(t, s.Start(context.Background(), liveStream(), sink))

	buf := []byte("xy")
	sink.emit(buf)
	buf[0] = 'z'
	s.Stop()

	a, err := s.Artifact()
	require.NoError(t, err)
	assert.Equal(t, []byte("xy"), a.Data)
}

// drainingSink flushes a trailing chunk when drained, like an encoder
// writing its container trailer after stdin closes
type drainingSink struct {
	fakeSink
	tail    []byte
	drained int
}

func (s *drainingSink) Drain() error {
	s.mu.Lock()
	s.drained++
	deliver := s.deliver
	s.mu.Unlock()
	deliver(s.tail)
	return nil
}

func TestStopKeepsDrainedTail(t *testing.T) {
	s, clock := newTestSession(t)
	sink := &drainingSink{tail: []byte("tail")}
	require.NoError(t, s.Start(context.Background(), liveStream(), sink))

	sink.emit([]byte("head"))
	s.Stop()
	s.Stop()
	sink.emit([]byte("late"))
	clock.Advance(5 * time.Second)

	a, err := s.Artifact()
	require.NoError(t, err)
	assert.Equal(t, []byte("headtail"), a.Data)
	assert.Equal(t, 2, a.ChunkCount)
	assert.Equal(t, 0, a.ElapsedSeconds)
	assert.Equal(t, 1, sink.drained)
	assert.Equal(t, 1, sink.stopped)
	assert.Equal(t, StateStopped, s.State())
}

func TestDeliverConcurrentWithStop(t *testing.T) {
	s, _ := newTestSession(t)
	sink := &fakeSink{}
	require.NoError(t, s.Start(context.Background(), liveStream(), sink))
	sink.emit([]byte("x"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if j%2 == 0 {
					sink.emit([]byte("x"))
				} else {
					s.Deliver([]byte("x"))
				}
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Stop()
	}()
	wg.Wait()

	a, err := s.Artifact()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, a.ChunkCount, 1)
	assert.LessOrEqual(t, a.ChunkCount, 1+8*200)
	assert.Len(t, a.Data, a.ChunkCount)
	for _, b := range a.Data {
		require.Equal(t, byte('x'), b)
	}

	sink.emit([]byte("y"))
	s.Deliver([]byte("y"))
	after, err := s.Artifact()
	require.NoError(t, err)
	assert.Equal(t, a, after)
	assert.Equal(t, 1, sink.stopped)
}

func TestAutoStopAtCeiling(t *testing.T) {
	s, clock := newTestSession(t)
	sink := &fakeSink{}

	var summaries []Summary
	s.OnStopped(func(sum Summary) { summaries = append(summaries, sum) })

	require.NoError(t, s.Start(context.Background(), liveStream(), sink))
	sink.emit([]byte("data"))

	clock.Advance(29*time.Second + 999*time.Millisecond)
	assert.Equal(t, StateRecording, s.State())
	assert.Equal(t, 29, s.Elapsed())

	clock.Advance(time.Millisecond)
	assert.Equal(t, StateStopped, s.State())
	assert.Equal(t, StopAuto, s.StopReason())
	assert.Equal(t, 30, s.Elapsed())

	// timers were cancelled
	clock.Advance(10 * time.Second)
	assert.Equal(t, 30, s.Elapsed())

	require.Len(t, summaries, 1)
	assert.Equal(t, StopAuto, summaries[0].Reason)
	assert.Equal(t, 1, sink.stopped)
}

func TestManualStopBeforeCeiling(t *testing.T) {
	s, clock := newTestSession(t)
	sink := &fakeSink{}
	stops := 0
	s.OnStopped(func(Summary) { stops++ })

	require.NoError(t, s.Start(context.Background(), liveStream(), sink))
	clock.Advance(12 * time.Second)
	s.Stop()
	s.Stop()

	clock.Advance(30 * time.Second)
	assert.Equal(t, 1, stops)
	assert.Equal(t, StopManual, s.StopReason())
	assert.Equal(t, 12, s.Elapsed())
}

func TestAdvisoryFiresOnce(t *testing.T) {
	s, clock := newTestSession(t)
	var fired []int
	s.OnAdvisory(func(elapsed int) { fired = append(fired, elapsed) })

	require.NoError(t, s.Start(context.Background(), liveStream(), &fakeSink{}))
	clock.Advance(9 * time.Second)
	assert.Empty(t, fired)
	clock.Advance(20 * time.Second)
	assert.Equal(t, []int{10}, fired)
	s.Stop()
}

func TestSinkErrorStopsRecording(t *testing.T) {
	s, clock := newTestSession(t)
	sink := &fakeSink{}
	require.NoError(t, s.Start(context.Background(), liveStream(), sink))
	sink.emit([]byte("x"))

	boom := errors.New("encoder crashed")
	sink.fail(boom)

	assert.Equal(t, StateStopped, s.State())
	assert.Equal(t, StopSinkError, s.StopReason())
	assert.ErrorIs(t, s.Summary().Err, boom)

	// auto-stop firing later is a no-op
	clock.Advance(time.Minute)
	assert.Equal(t, StopSinkError, s.StopReason())
}

func TestArtifact(t *testing.T) {
	s, _ := newTestSession(t)

	_, err := s.Artifact()
	assert.ErrorIs(t, err, ErrNoArtifact)

	sink := &fakeSink{}
	require.NoError(t, s.Start(context.Background(), liveStream(), sink))
	_, err = s.Artifact()
	assert.ErrorIs(t, err, ErrNoArtifact, "no artifact while recording")
	s.Stop()

	_, err = s.Artifact()
	assert.ErrorIs(t, err, ErrNoArtifact, "no artifact without chunks")

	require.NoError(t, s.Start(context.Background(), liveStream(), sink))
	sink.emit([]byte("one"))
	sink.emit([]byte("two"))
	s.Stop()

	first, err := s.Artifact()
	require.NoError(t, err)
	second, err := s.Artifact()
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Same(t, &first.Data[0], &second.Data[0])
	assert.Equal(t, "video/webm", first.MimeType)
	assert.Equal(t, s.ID(), first.ID)
}

func TestRestartResetsBuffer(t *testing.T) {
	s, clock := newTestSession(t)
	sink := &fakeSink{}

	require.NoError(t, s.Start(context.Background(), liveStream(), sink))
	sink.emit([]byte("old"))
	clock.Advance(5 * time.Second)
	s.Stop()
	firstID := s.ID()

	oldDeliver := sink.deliver
	require.NoError(t, s.Start(context.Background(), liveStream(), sink))
	assert.NotEqual(t, firstID, s.ID())
	assert.Zero(t, s.Elapsed())

	// callbacks from the previous run are ignored
	oldDeliver([]byte("stale"))
	sink.emit([]byte("new"))
	s.Stop()

	a, err := s.Artifact()
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), a.Data)
}

func TestSystemClockTimersDoNotLeak(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := DefaultConfig()
	cfg.TickInterval = 5 * time.Millisecond
	cfg.MaxDuration = 40 * time.Millisecond
	s := NewSession(cfg)

	stopped := make(chan Summary, 1)
	s.OnStopped(func(sum Summary) { stopped <- sum })

	sink := &fakeSink{}
	require.NoError(t, s.Start(context.Background(), liveStream(), sink))

	select {
	case sum := <-stopped:
		assert.Equal(t, StopAuto, sum.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("auto-stop did not fire")
	}
}
