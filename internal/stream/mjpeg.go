package stream

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// MJPEGBoundary separates the parts of a multipart/x-mixed-replace response
const MJPEGBoundary = "frame"

// ErrStreamingUnsupported is returned when the response writer cannot flush
var ErrStreamingUnsupported = errors.New("streaming not supported")

// FrameFunc returns the current JPEG frame and its sequence number
type FrameFunc func() ([]byte, uint64, error)

// ServeMJPEG polls next every interval and writes each new frame to w as
// an MJPEG part until the request context ends. Polling errors are
// skipped so a client may connect before the first frame exists.
func ServeMJPEG(w http.ResponseWriter, r *http.Request, interval time.Duration, next FrameFunc) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return ErrStreamingUnsupported
	}
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+MJPEGBoundary)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var (
		lastSeq uint64
		sent    bool
	)
	for {
		select {
		case <-r.Context().Done():
			return nil
		case <-ticker.C:
			frame, seq, err := next()
			if err != nil || len(frame) == 0 {
				continue
			}
			if sent && seq == lastSeq {
				continue
			}
			if err := WriteMJPEGPart(w, frame); err != nil {
				return err
			}
			flusher.Flush()
			lastSeq, sent = seq, true
		}
	}
}

// WriteMJPEGPart writes a single JPEG part with its headers
func WriteMJPEGPart(w http.ResponseWriter, frame []byte) error {
	if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", MJPEGBoundary, len(frame)); err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return err
	}
	_, err := w.Write([]byte("\r\n"))
	return err
}
