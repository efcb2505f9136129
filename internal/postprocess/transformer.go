package postprocess

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"collicam/internal/assetstore"
	"collicam/internal/overlay"
)

func newAssetID() string {
	return uuid.New().String()
}

// HTTPTransformer calls a remote forwarding endpoint
type HTTPTransformer struct {
	endpoint   string
	httpClient *http.Client
}

// NewHTTPTransformer creates a transformer for the service at baseURL
func NewHTTPTransformer(baseURL string, timeout time.Duration) *HTTPTransformer {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &HTTPTransformer{
		endpoint:   strings.TrimRight(baseURL, "/") + "/api/process-video",
		httpClient: &http.Client{Timeout: timeout},
	}
}

var _ Transformer = (*HTTPTransformer)(nil)

// Transform posts the request and returns processedVideoUrl
func (t *HTTPTransformer) Transform(ctx context.Context, tr TransformRequest) (string, error) {
	payload, err := json.Marshal(tr)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return "", fmt.Errorf("process-video returned %d: %s", resp.StatusCode, e.Error)
		}
		return "", fmt.Errorf("process-video returned %d", resp.StatusCode)
	}

	var out TransformResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if out.ProcessedVideoURL == "" {
		return "", fmt.Errorf("process-video returned no processedVideoUrl")
	}
	return out.ProcessedVideoURL, nil
}

// RemoteUploader ingests a URL with an eager transformation
type RemoteUploader interface {
	UploadRemote(ctx context.Context, sourceURL, transformation string) (*assetstore.UploadResult, error)
}

// Processor is the server side of POST /api/process-video: image i is
// overlaid from (i+1)*interval to (i+1)*interval+window, 10s and 3s unless
// overridden
type Processor struct {
	store   RemoteUploader
	cadence []overlay.Option
	logger  *zap.Logger
}

// NewProcessor creates a new in-process transformer. cadence must match the
// options the plans are scheduled with.
func NewProcessor(store RemoteUploader, logger *zap.Logger, cadence ...overlay.Option) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{store: store, cadence: cadence, logger: logger.Named("processor")}
}

var _ Transformer = (*Processor)(nil)

// Transform builds the overlay transformation and asks the store for the
// derived video
func (p *Processor) Transform(ctx context.Context, tr TransformRequest) (string, error) {
	if tr.VideoURL == "" {
		return "", fmt.Errorf("videoUrl is required")
	}
	if len(tr.Images) == 0 {
		return "", fmt.Errorf("%w: no images", overlay.ErrInsufficientInput)
	}

	transformation := assetstore.Transformation(assetstore.OverlaysFromPlan(overlay.FromImages(tr.Images, p.cadence...)))
	result, err := p.store.UploadRemote(ctx, tr.VideoURL, transformation)
	if err != nil {
		return "", err
	}
	if len(result.Eager) == 0 {
		return "", assetstore.ErrNoEagerResult
	}

	url := result.Eager[0].SecureURL
	p.logger.Info("processed video",
		zap.String("source", tr.VideoURL),
		zap.Int("overlays", len(tr.Images)),
		zap.Float64("duration", tr.Duration),
		zap.String("result", url))
	return url, nil
}
