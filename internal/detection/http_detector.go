package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// HTTPDetectorConfig holds configuration for the HTTP detector
type HTTPDetectorConfig struct {
	Endpoint      string
	ConfThreshold float64
	Timeout       time.Duration
}

// HTTPDetector calls a detection service over multipart HTTP
type HTTPDetector struct {
	endpoint      string
	confThreshold float64
	client        *http.Client
	logger        *zap.Logger

	healthMu    sync.Mutex
	healthy     bool
	healthCheck time.Time
}

// NewHTTPDetector creates a new HTTP detection client
func NewHTTPDetector(cfg HTTPDetectorConfig, logger *zap.Logger) *HTTPDetector {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPDetector{
		endpoint:      strings.TrimRight(cfg.Endpoint, "/"),
		confThreshold: cfg.ConfThreshold,
		client:        &http.Client{Timeout: cfg.Timeout},
		logger:        logger.Named("http-detector"),
	}
}

var _ Client = (*HTTPDetector)(nil)

// Healthy checks the service health endpoint. Success is cached for 30 seconds.
func (d *HTTPDetector) Healthy(ctx context.Context) bool {
	d.healthMu.Lock()
	defer d.healthMu.Unlock()

	if d.healthy && time.Since(d.healthCheck) < 30*time.Second {
		return true
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.endpoint+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Debug("health check failed", zap.Error(err))
		d.healthy = false
		return false
	}
	defer resp.Body.Close()

	d.healthy = resp.StatusCode == http.StatusOK
	if d.healthy {
		d.healthCheck = time.Now()
	} else {
		d.logger.Debug("health check returned non-OK", zap.Int("status", resp.StatusCode))
	}
	return d.healthy
}

// Detect posts the frame as the multipart "file" field to /detect
func (d *HTTPDetector) Detect(ctx context.Context, jpeg []byte) (*Result, error) {
	var b bytes.Buffer
	w := multipart.NewWriter(&b)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="file"; filename="frame.jpg"`)
	h.Set("Content-Type", "image/jpeg")
	fw, err := w.CreatePart(h)
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(jpeg); err != nil {
		return nil, err
	}
	if d.confThreshold > 0 {
		if err := w.WriteField("conf_threshold", fmt.Sprintf("%.2f", d.confThreshold)); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint+"/detect", &b)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := d.client.Do(req)
	if err != nil {
		d.healthMu.Lock()
		d.healthy = false
		d.healthMu.Unlock()
		return nil, fmt.Errorf("detect request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("detection failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode detection response: %w", err)
	}
	return &result, nil
}

// Close is a no-op for the HTTP client
func (d *HTTPDetector) Close() error {
	d.client.CloseIdleConnections()
	return nil
}
