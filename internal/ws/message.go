package ws

import (
	"time"

	"collicam/internal/pipeline"
)

// Message types
const (
	TypeDetection = "detection"
	TypeRecording = "recording"
	TypeAsset     = "asset"
)

// Recording events
const (
	EventStarted  = "started"
	EventAdvisory = "advisory"
	EventStopped  = "stopped"
)

// DetectionMessage represents one completed detection cycle
type DetectionMessage struct {
	Type        string            `json:"type"` // "detection"
	Source      string            `json:"source"`
	Seq         uint64            `json:"seq"`
	Timestamp   time.Time         `json:"timestamp"`
	FrameWidth  int               `json:"frame_width,omitempty"`
	FrameHeight int               `json:"frame_height,omitempty"`
	Objects     []ObjectDetection `json:"objects"`
	Collision   bool              `json:"collision"`
	Pairs       [][2]int          `json:"pairs,omitempty"`
	InferenceMs float64           `json:"inference_ms"`
}

// ObjectDetection represents a single detected object
type ObjectDetection struct {
	Class      string     `json:"class"`
	Confidence float64    `json:"confidence"`
	BBox       [4]float64 `json:"bbox"` // [x, y, w, h] in pixels
}

// NewDetectionMessage creates a new detection message from a snapshot
func NewDetectionMessage(s *pipeline.Snapshot) *DetectionMessage {
	msg := &DetectionMessage{
		Type:        TypeDetection,
		Source:      s.Source,
		Seq:         s.Seq,
		Timestamp:   s.Timestamp,
		Objects:     make([]ObjectDetection, 0, len(s.Detections)),
		Collision:   s.Collision,
		InferenceMs: s.InferenceMs,
	}
	if s.Frame != nil {
		msg.FrameWidth, msg.FrameHeight = s.Frame.Width, s.Frame.Height
	}
	for _, d := range s.Detections {
		msg.Objects = append(msg.Objects, ObjectDetection{
			Class:      d.Class,
			Confidence: d.Score,
			BBox:       [4]float64{d.BBox.X, d.BBox.Y, d.BBox.Width, d.BBox.Height},
		})
	}
	for _, p := range s.Pairs {
		msg.Pairs = append(msg.Pairs, [2]int{p.I, p.J})
	}
	return msg
}

// RecordingMessage reports recording lifecycle events
type RecordingMessage struct {
	Type           string    `json:"type"` // "recording"
	Event          string    `json:"event"`
	RecordingID    string    `json:"recording_id"`
	ElapsedSeconds int       `json:"elapsed_seconds"`
	Reason         string    `json:"reason,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// NewRecordingMessage creates a new recording event message
func NewRecordingMessage(event, recordingID string, elapsed int, reason string) *RecordingMessage {
	return &RecordingMessage{
		Type:           TypeRecording,
		Event:          event,
		RecordingID:    recordingID,
		ElapsedSeconds: elapsed,
		Reason:         reason,
		Timestamp:      time.Now(),
	}
}

// AssetMessage reports the outcome of post-processing
type AssetMessage struct {
	Type        string    `json:"type"` // "asset"
	RecordingID string    `json:"recording_id"`
	AssetID     string    `json:"asset_id,omitempty"`
	ResultURL   string    `json:"result_url,omitempty"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}
