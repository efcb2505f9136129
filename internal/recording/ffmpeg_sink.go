package recording

import (
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"collicam/internal/stream"
)

// FFmpegSink records a live stream by piping its frames through an ffmpeg
// process and delivering the encoded WebM output in chunks.
//
// Only the first frame-producing video track is encoded.
type FFmpegSink struct {
	Binary    string
	FPS       int
	ChunkSize int
	Bitrate   string

	logger *zap.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	cancel   context.CancelFunc
	stdin    io.WriteCloser
	stopCh   chan struct{}
	stopping bool
	wg       sync.WaitGroup
}

// NewFFmpegSink creates a new ffmpeg backed sink
func NewFFmpegSink(binary string, fps int, logger *zap.Logger) *FFmpegSink {
	if binary == "" {
		binary = "ffmpeg"
	}
	if fps <= 0 {
		fps = 15
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FFmpegSink{
		Binary:    binary,
		FPS:       fps,
		ChunkSize: 64 * 1024,
		Bitrate:   "1M",
		logger:    logger.Named("ffmpeg"),
	}
}

var (
	_ Sink    = (*FFmpegSink)(nil)
	_ Drainer = (*FFmpegSink)(nil)
)

func (f *FFmpegSink) args() []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "image2pipe",
		"-framerate", strconv.Itoa(f.FPS),
		"-c:v", "mjpeg",
		"-i", "-",
		"-an",
		"-c:v", "libvpx",
		"-deadline", "realtime",
		"-b:v", f.Bitrate,
		"-f", "webm",
		"-",
	}
}

// Start launches ffmpeg and the frame pump. The process outlives ctx and is
// only ended by Stop.
func (f *FFmpegSink) Start(ctx context.Context, s stream.LiveStream, deliver func([]byte), fail func(error)) error {
	reader, ok := stream.FirstFrameReader(s)
	if !ok {
		return fmt.Errorf("stream %s has no readable video track", s.ID())
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cmd != nil {
		return errors.New("ffmpeg sink already started")
	}

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, f.Binary, f.args()...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	f.cmd = cmd
	f.cancel = cancel
	f.stdin = stdin
	f.stopCh = make(chan struct{})
	f.stopping = false

	f.wg.Add(2)
	go f.pump(reader, stdin, fail)
	go f.drain(stdout, cmd, deliver, fail)

	f.logger.Debug("ffmpeg started", zap.Int("pid", cmd.Process.Pid), zap.String("stream", s.ID()))
	return nil
}

// fail is called on a fresh goroutine since the session reacts by calling
// Stop, which waits for pump and drain.
func (f *FFmpegSink) pump(reader stream.FrameReader, w io.Writer, fail func(error)) {
	defer f.wg.Done()
	for {
		select {
		case <-f.stopCh:
			return
		default:
		}

		img, err := reader.ReadFrame()
		if err != nil {
			if !f.isStopping() {
				go fail(fmt.Errorf("read frame: %w", err))
			}
			return
		}
		if err := jpeg.Encode(w, img, &jpeg.Options{Quality: 85}); err != nil {
			if !f.isStopping() {
				go fail(fmt.Errorf("write frame: %w", err))
			}
			return
		}
	}
}

func (f *FFmpegSink) drain(r io.Reader, cmd *exec.Cmd, deliver func([]byte), fail func(error)) {
	defer f.wg.Done()
	buf := make([]byte, f.ChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			deliver(buf[:n])
		}
		if err != nil {
			break
		}
	}
	if err := cmd.Wait(); err != nil && !f.isStopping() {
		go fail(fmt.Errorf("ffmpeg exited: %w", err))
	}
}

func (f *FFmpegSink) isStopping() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopping
}

// Stop is Drain. It returns nil once the sink has drained.
func (f *FFmpegSink) Stop() error {
	return f.Drain()
}

// Drain ends the frame pump, lets ffmpeg flush its trailing output through
// deliver, and kills it if it does not exit within five seconds.
func (f *FFmpegSink) Drain() error {
	f.mu.Lock()
	if f.cmd == nil || f.stopping {
		f.mu.Unlock()
		return nil
	}
	f.stopping = true
	close(f.stopCh)
	stdin := f.stdin
	cancel := f.cancel
	f.mu.Unlock()

	err := stdin.Close()

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		f.logger.Warn("ffmpeg did not exit, killing")
		cancel()
		<-done
	}
	cancel()

	f.mu.Lock()
	f.cmd = nil
	f.mu.Unlock()
	return err
}
