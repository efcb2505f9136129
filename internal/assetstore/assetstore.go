// Package assetstore is a client for a Cloudinary-compatible hosted media
// store: unsigned preset uploads of recorded blobs and signed uploads by
// URL with an eager overlay transformation.
package assetstore

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultBaseURL is the upload API root
const DefaultBaseURL = "https://api.cloudinary.com/v1_1"

var (
	// ErrNotConfigured is returned when a call lacks required credentials
	ErrNotConfigured = errors.New("asset store not configured")

	// ErrNoEagerResult is returned when a transform upload yields no derived asset
	ErrNoEagerResult = errors.New("asset store returned no eager result")
)

// Config holds asset store configuration
type Config struct {
	BaseURL      string
	CloudName    string
	UploadPreset string
	APIKey       string
	APISecret    string
	ResourceType string
	Timeout      time.Duration
}

// Derived is one eagerly generated asset
type Derived struct {
	SecureURL      string `json:"secure_url"`
	Transformation string `json:"transformation,omitempty"`
}

// UploadResult is the store response to an upload
type UploadResult struct {
	PublicID  string    `json:"public_id"`
	SecureURL string    `json:"secure_url"`
	Bytes     int64     `json:"bytes"`
	Duration  float64   `json:"duration"`
	Eager     []Derived `json:"eager"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Client talks to the asset store upload API
type Client struct {
	cfg        Config
	httpClient *http.Client
	now        func() time.Time
	logger     *zap.Logger
}

// NewClient creates a new asset store client
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.ResourceType == "" {
		cfg.ResourceType = "video"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		now:        time.Now,
		logger:     logger.Named("assetstore"),
	}
}

func (c *Client) uploadURL() string {
	return fmt.Sprintf("%s/%s/%s/upload", c.cfg.BaseURL, c.cfg.CloudName, c.cfg.ResourceType)
}

// Upload stores a blob with the unsigned upload preset and returns its
// secure URL
func (c *Client) Upload(ctx context.Context, filename string, data []byte) (string, error) {
	if c.cfg.CloudName == "" || c.cfg.UploadPreset == "" {
		return "", fmt.Errorf("%w: cloud name and upload preset are required", ErrNotConfigured)
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("failed to write file data: %w", err)
	}
	if err := writer.WriteField("upload_preset", c.cfg.UploadPreset); err != nil {
		return "", fmt.Errorf("failed to write upload_preset field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	result, err := c.post(ctx, &body, writer.FormDataContentType())
	if err != nil {
		return "", err
	}
	if result.SecureURL == "" {
		return "", fmt.Errorf("upload response has no secure_url")
	}

	c.logger.Info("asset uploaded",
		zap.String("public_id", result.PublicID),
		zap.Int("size", len(data)),
		zap.String("url", result.SecureURL))
	return result.SecureURL, nil
}

// UploadRemote asks the store to ingest sourceURL and eagerly derive an
// asset with transformation. The request is signed with the API secret.
func (c *Client) UploadRemote(ctx context.Context, sourceURL, transformation string) (*UploadResult, error) {
	if c.cfg.CloudName == "" || c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return nil, fmt.Errorf("%w: cloud name and api credentials are required", ErrNotConfigured)
	}

	params := map[string]string{
		"timestamp": strconv.FormatInt(c.now().Unix(), 10),
	}
	if transformation != "" {
		params["eager"] = transformation
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	fields := map[string]string{
		"file":      sourceURL,
		"api_key":   c.cfg.APIKey,
		"signature": Sign(params, c.cfg.APISecret),
	}
	for k, v := range params {
		fields[k] = v
	}
	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("failed to write %s field: %w", k, err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	result, err := c.post(ctx, &body, writer.FormDataContentType())
	if err != nil {
		return nil, err
	}
	if transformation != "" && (len(result.Eager) == 0 || result.Eager[0].SecureURL == "") {
		return nil, ErrNoEagerResult
	}
	return result, nil
}

func (c *Client) post(ctx context.Context, body io.Reader, contentType string) (*UploadResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.uploadURL(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apiError
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error.Message != "" {
			return nil, fmt.Errorf("asset store error %d: %s", resp.StatusCode, apiErr.Error.Message)
		}
		return nil, fmt.Errorf("asset store error %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var result UploadResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// Sign computes the request signature: the SHA-1 hex digest of the sorted
// "key=value" pairs joined by "&", followed by the secret
func Sign(params map[string]string, secret string) string {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = k + "=" + params[k]
	}

	sum := sha1.Sum([]byte(strings.Join(pairs, "&") + secret))
	return hex.EncodeToString(sum[:])
}
