package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	goahttp "goa.design/goa/v3/http"
	"goa.design/goa/v3/middleware"
	"go.uber.org/zap"

	"collicam/internal/auth"
	"collicam/internal/camera"
	"collicam/internal/overlay"
	"collicam/internal/pipeline"
	"collicam/internal/postprocess"
	"collicam/internal/recording"
	"collicam/internal/stream"
)

const maxImageUpload = 16 << 20

// ReadinessCheck reports an error while a dependency is not usable
type ReadinessCheck func(ctx context.Context) error

// API serves the collicam HTTP endpoints
type API struct {
	capture   *CaptureService
	processor postprocess.Transformer
	auth      *auth.Authenticator
	websocket http.Handler
	metrics   http.Handler
	checks    map[string]ReadinessCheck
	logger    *zap.Logger
	mux       goahttp.Muxer

	previewInterval time.Duration
}

// APIOption configures an API
type APIOption func(*API)

// WithProcessor serves the forwarding endpoint with p
func WithProcessor(p postprocess.Transformer) APIOption {
	return func(a *API) { a.processor = p }
}

// WithAuthenticator enables the login endpoint
func WithAuthenticator(au *auth.Authenticator) APIOption {
	return func(a *API) { a.auth = au }
}

// WithWebsocket serves live events on /ws and /ws/{topic}
func WithWebsocket(h http.Handler) APIOption {
	return func(a *API) { a.websocket = h }
}

// WithMetricsHandler serves Prometheus metrics on /metrics
func WithMetricsHandler(h http.Handler) APIOption {
	return func(a *API) { a.metrics = h }
}

// WithReadinessCheck adds a named check to /readyz
func WithReadinessCheck(name string, check ReadinessCheck) APIOption {
	return func(a *API) { a.checks[name] = check }
}

// WithPreviewInterval sets how often the MJPEG preview polls for frames
func WithPreviewInterval(d time.Duration) APIOption {
	return func(a *API) { a.previewInterval = d }
}

// WithAPILogger sets the API logger
func WithAPILogger(l *zap.Logger) APIOption {
	return func(a *API) { a.logger = l }
}

// NewAPI creates a new HTTP API over the capture service
func NewAPI(capture *CaptureService, opts ...APIOption) *API {
	a := &API{
		capture: capture,
		checks:  make(map[string]ReadinessCheck),
		logger:  zap.NewNop(),

		previewInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.Named("api")
	return a
}

// Mount registers every endpoint on mux
func (a *API) Mount(mux goahttp.Muxer) {
	a.mux = mux

	mux.Handle("GET", "/healthz", a.healthz)
	mux.Handle("GET", "/readyz", a.readyz)

	mux.Handle("GET", "/api/auth/status", a.authStatus)
	mux.Handle("POST", "/api/auth/login", a.login)

	mux.Handle("GET", "/api/status", a.status)
	mux.Handle("GET", "/api/devices", a.devices)
	mux.Handle("POST", "/api/preview/start", a.startPreview)
	mux.Handle("POST", "/api/preview/stop", a.stopPreview)

	mux.Handle("GET", "/api/recordings", a.listRecordings)
	mux.Handle("POST", "/api/recordings/start", a.startRecording)
	mux.Handle("POST", "/api/recordings/stop", a.stopRecording)
	mux.Handle("GET", "/api/recordings/{id}/artifact", a.artifact)
	mux.Handle("POST", "/api/recordings/{id}/process", a.process)

	mux.Handle("GET", "/api/overlays/plan", a.plan)
	mux.Handle("GET", "/api/images", a.listImages)
	mux.Handle("POST", "/api/images", a.addImage)
	mux.Handle("DELETE", "/api/images/{id}", a.deleteImage)

	mux.Handle("GET", "/api/assets", a.listAssets)
	mux.Handle("GET", "/api/assets/{id}", a.getAsset)
	mux.Handle("POST", "/api/process-video", a.processVideo)

	mux.Handle("GET", "/api/detections/{role}", a.detections)
	mux.Handle("GET", "/api/snapshot/{role}", a.snapshot)
	mux.Handle("GET", "/api/preview/{role}", a.preview)
	mux.Handle("GET", "/api/collisions", a.collisions)

	if a.websocket != nil {
		mux.Handle("GET", "/ws", a.websocket.ServeHTTP)
		mux.Handle("GET", "/ws/{topic}", a.websocket.ServeHTTP)
	}
	if a.metrics != nil {
		mux.Handle("GET", "/metrics", a.metrics.ServeHTTP)
	}
}

// encode writes v with the content type negotiated by goa
func (a *API) encode(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	enc := goahttp.ResponseEncoder(r.Context(), w)
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := enc.Encode(v); err != nil {
		a.logger.Warn("failed to encode response", zap.String("path", r.URL.Path), zap.Error(err))
	}
}

// errorBody is the JSON error envelope
type errorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// fail maps err to a status code and writes the error envelope
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	id, _ := r.Context().Value(middleware.RequestIDKey).(string)
	if status >= http.StatusInternalServerError {
		a.logger.Error("request failed",
			zap.String("request_id", id),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	a.encode(w, r, status, errorBody{Error: err.Error(), RequestID: id})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, camera.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, recording.ErrNoArtifact),
		errors.Is(err, ErrRecordingNotFound),
		errors.Is(err, ErrAssetNotFound),
		errors.Is(err, pipeline.ErrNoFrame):
		return http.StatusNotFound
	case errors.Is(err, recording.ErrAlreadyRecording):
		return http.StatusConflict
	case errors.Is(err, overlay.ErrInsufficientInput),
		errors.Is(err, overlay.ErrPlanTooLong),
		errors.Is(err, ErrInvalidImage),
		errors.Is(err, ErrUnknownRole),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, postprocess.ErrUploadFailed),
		errors.Is(err, postprocess.ErrTransformFailed):
		return http.StatusBadGateway
	case errors.Is(err, camera.ErrNoDevice),
		errors.Is(err, camera.ErrDeviceUnavailable),
		errors.Is(err, recording.ErrNoCombinedStream),
		errors.Is(err, ErrProcessingDisabled),
		errors.Is(err, ErrDetectionDisabled),
		errors.Is(err, ErrNoStore),
		errors.Is(err, auth.ErrAuthDisabled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, badRequest("%s must be a non-negative integer", key)
	}
	return n, nil
}

func (a *API) healthz(w http.ResponseWriter, r *http.Request) {
	a.encode(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) readyz(w http.ResponseWriter, r *http.Request) {
	failing := make(map[string]string)
	for name, check := range a.checks {
		if err := check(r.Context()); err != nil {
			failing[name] = err.Error()
		}
	}
	if len(failing) > 0 {
		a.encode(w, r, http.StatusServiceUnavailable, map[string]interface{}{"status": "not ready", "checks": failing})
		return
	}
	a.encode(w, r, http.StatusOK, map[string]string{"status": "ready"})
}

func (a *API) authStatus(w http.ResponseWriter, r *http.Request) {
	enabled := a.auth != nil && a.auth.IsEnabled()
	a.encode(w, r, http.StatusOK, map[string]bool{"enabled": enabled})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

func (a *API) login(w http.ResponseWriter, r *http.Request) {
	if a.auth == nil {
		a.fail(w, r, auth.ErrAuthDisabled)
		return
	}
	var req loginRequest
	if err := goahttp.RequestDecoder(r).Decode(&req); err != nil {
		a.fail(w, r, badRequest("invalid login body: %v", err))
		return
	}
	token, expiresAt, err := a.auth.Authenticate(req.Username, req.Password)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.encode(w, r, http.StatusOK, loginResponse{Token: token, ExpiresAt: expiresAt})
}

func (a *API) status(w http.ResponseWriter, r *http.Request) {
	a.encode(w, r, http.StatusOK, a.capture.Status())
}

type devicesResponse struct {
	Devices    []camera.Device   `json:"devices"`
	Assignment camera.Assignment `json:"assignment"`
}

func (a *API) devices(w http.ResponseWriter, r *http.Request) {
	devices, assignment, err := a.capture.Devices(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.encode(w, r, http.StatusOK, devicesResponse{Devices: devices, Assignment: assignment})
}

func (a *API) startPreview(w http.ResponseWriter, r *http.Request) {
	if err := a.capture.StartPreview(r.Context()); err != nil {
		a.fail(w, r, err)
		return
	}
	a.encode(w, r, http.StatusOK, map[string]interface{}{"cameras": a.capture.Previewing()})
}

func (a *API) stopPreview(w http.ResponseWriter, r *http.Request) {
	if err := a.capture.StopPreview(); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// recordingResponse describes a recording
type recordingResponse struct {
	ID             string    `json:"id"`
	State          string    `json:"state"`
	ElapsedSeconds int       `json:"elapsed_seconds"`
	ChunkCount     int       `json:"chunk_count"`
	SizeBytes      int       `json:"size_bytes"`
	StopReason     string    `json:"stop_reason,omitempty"`
	Error          string    `json:"error,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	StoppedAt      time.Time `json:"stopped_at"`
}

func (a *API) startRecording(w http.ResponseWriter, r *http.Request) {
	// the recording outlives the request
	id, err := a.capture.StartRecording(context.WithoutCancel(r.Context()))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.encode(w, r, http.StatusCreated, recordingResponse{
		ID:        id,
		State:     recording.StateRecording.String(),
		StartedAt: time.Now(),
	})
}

func (a *API) stopRecording(w http.ResponseWriter, r *http.Request) {
	sum := a.capture.StopRecording()
	resp := recordingResponse{
		ID:             sum.ID,
		State:          a.capture.session.State().String(),
		ElapsedSeconds: sum.ElapsedSeconds,
		ChunkCount:     sum.ChunkCount,
		SizeBytes:      sum.SizeBytes,
		StopReason:     string(sum.Reason),
		StartedAt:      sum.StartedAt,
		StoppedAt:      sum.StoppedAt,
	}
	if sum.Err != nil {
		resp.Error = sum.Err.Error()
	}
	a.encode(w, r, http.StatusOK, resp)
}

func (a *API) listRecordings(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	records, err := a.capture.Recordings(limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	out := make([]recordingResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, recordingResponse{
			ID:             rec.ID,
			State:          recording.StateStopped.String(),
			ElapsedSeconds: rec.ElapsedSeconds,
			ChunkCount:     rec.ChunkCount,
			SizeBytes:      rec.SizeBytes,
			StopReason:     rec.StopReason,
			StartedAt:      rec.StartedAt,
			StoppedAt:      rec.StoppedAt,
		})
	}
	a.encode(w, r, http.StatusOK, out)
}

func (a *API) artifact(w http.ResponseWriter, r *http.Request) {
	id := a.mux.Vars(r)["id"]
	art, err := a.capture.Artifact(id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", art.MimeType)
	w.Header().Set("Content-Length", strconv.Itoa(len(art.Data)))
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", art.ID+extension(art.MimeType)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(art.Data); err != nil {
		a.logger.Debug("artifact write interrupted", zap.String("recording", id), zap.Error(err))
	}
}

func extension(mimeType string) string {
	switch mimeType {
	case "video/webm":
		return ".webm"
	case "video/mp4":
		return ".mp4"
	default:
		return ""
	}
}

type processRequest struct {
	Images []string `json:"images,omitempty"`
}

func (a *API) process(w http.ResponseWriter, r *http.Request) {
	id := a.mux.Vars(r)["id"]
	var req processRequest
	if r.ContentLength != 0 {
		if err := goahttp.RequestDecoder(r).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			a.fail(w, r, badRequest("invalid process body: %v", err))
			return
		}
	}
	asset, err := a.capture.Process(r.Context(), id, req.Images)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.encode(w, r, http.StatusOK, asset)
}

func (a *API) plan(w http.ResponseWriter, r *http.Request) {
	duration, err := strconv.ParseFloat(r.URL.Query().Get("duration"), 64)
	if err != nil {
		a.fail(w, r, badRequest("duration must be a number of seconds"))
		return
	}
	var pool []string
	if v := r.URL.Query().Get("images"); v != "" {
		pool = strings.Split(v, ",")
	}
	plan, err := a.capture.Plan(duration, pool)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.encode(w, r, http.StatusOK, plan)
}

type imageResponse struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created_at"`
}

func (a *API) listImages(w http.ResponseWriter, r *http.Request) {
	images, err := a.capture.Images()
	if err != nil {
		a.fail(w, r, err)
		return
	}
	out := make([]imageResponse, 0, len(images))
	for _, img := range images {
		out = append(out, imageResponse{ID: img.ID, URL: img.URL, CreatedAt: img.CreatedAt})
	}
	a.encode(w, r, http.StatusOK, out)
}

// addImage accepts either a JSON body {"url": ...} or a multipart upload
// in the "file" field
func (a *API) addImage(w http.ResponseWriter, r *http.Request) {
	var rec imageResponse
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(maxImageUpload); err != nil {
			a.fail(w, r, badRequest("invalid upload: %v", err))
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			a.fail(w, r, badRequest("missing file field"))
			return
		}
		defer file.Close()
		data, err := io.ReadAll(io.LimitReader(file, maxImageUpload))
		if err != nil {
			a.fail(w, r, badRequest("read upload: %v", err))
			return
		}
		stored, err := a.capture.UploadImage(r.Context(), header.Filename, data)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		rec = imageResponse{ID: stored.ID, URL: stored.URL, CreatedAt: stored.CreatedAt}
	} else {
		var req struct {
			URL string `json:"url"`
		}
		if err := goahttp.RequestDecoder(r).Decode(&req); err != nil {
			a.fail(w, r, badRequest("invalid image body: %v", err))
			return
		}
		stored, err := a.capture.AddImage(req.URL)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		rec = imageResponse{ID: stored.ID, URL: stored.URL, CreatedAt: stored.CreatedAt}
	}
	a.encode(w, r, http.StatusCreated, rec)
}

func (a *API) deleteImage(w http.ResponseWriter, r *http.Request) {
	if err := a.capture.RemoveImage(a.mux.Vars(r)["id"]); err != nil {
		a.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listAssets(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	assets, err := a.capture.Assets(r.URL.Query().Get("recording"), limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	out := make([]map[string]interface{}, 0, len(assets))
	for _, as := range assets {
		out = append(out, map[string]interface{}{
			"id":            as.ID,
			"recording_id":  as.RecordingID,
			"source_url":    as.SourceURL,
			"result_url":    as.ResultURL,
			"overlay_count": as.OverlayCount,
			"images":        as.Images,
			"created_at":    as.CreatedAt,
		})
	}
	a.encode(w, r, http.StatusOK, out)
}

func (a *API) getAsset(w http.ResponseWriter, r *http.Request) {
	asset, err := a.capture.Asset(a.mux.Vars(r)["id"])
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.encode(w, r, http.StatusOK, asset)
}

// processVideo is the forwarding endpoint. Every failure is a 500 with an
// error message, which is what HTTPTransformer expects.
func (a *API) processVideo(w http.ResponseWriter, r *http.Request) {
	if a.processor == nil {
		a.encode(w, r, http.StatusInternalServerError, errorBody{Error: ErrProcessingDisabled.Error()})
		return
	}
	var req postprocess.TransformRequest
	if err := goahttp.RequestDecoder(r).Decode(&req); err != nil {
		a.encode(w, r, http.StatusInternalServerError, errorBody{Error: "invalid request body"})
		return
	}
	resultURL, err := a.processor.Transform(r.Context(), req)
	if err != nil {
		a.logger.Warn("process-video failed", zap.String("video", req.VideoURL), zap.Error(err))
		a.encode(w, r, http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}
	a.encode(w, r, http.StatusOK, postprocess.TransformResponse{ProcessedVideoURL: resultURL})
}

func (a *API) detections(w http.ResponseWriter, r *http.Request) {
	d, err := a.capture.Latest(a.mux.Vars(r)["role"])
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.encode(w, r, http.StatusOK, d)
}

func (a *API) snapshot(w http.ResponseWriter, r *http.Request) {
	data, err := a.capture.Snapshot(a.mux.Vars(r)["role"])
	if err != nil {
		a.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// preview streams annotated frames as MJPEG while the loop runs
func (a *API) preview(w http.ResponseWriter, r *http.Request) {
	role := a.mux.Vars(r)["role"]
	next := func() ([]byte, uint64, error) { return a.capture.PreviewFrame(role) }
	if _, _, err := next(); err != nil && !errors.Is(err, pipeline.ErrNoFrame) {
		a.fail(w, r, err)
		return
	}
	if err := stream.ServeMJPEG(w, r, a.previewInterval, next); err != nil {
		a.logger.Debug("preview stream ended", zap.String("role", role), zap.Error(err))
	}
}

type collisionResponse struct {
	ID        int64     `json:"id"`
	Source    string    `json:"source"`
	Classes   []string  `json:"classes"`
	Pairs     int       `json:"pairs"`
	Timestamp time.Time `json:"timestamp"`
}

func (a *API) collisions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	var since *time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			a.fail(w, r, badRequest("since must be RFC3339"))
			return
		}
		since = &t
	}
	records, err := a.capture.Collisions(r.URL.Query().Get("source"), since, limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	out := make([]collisionResponse, 0, len(records))
	for _, c := range records {
		out = append(out, collisionResponse{ID: c.ID, Source: c.Source, Classes: c.Classes, Pairs: c.Pairs, Timestamp: c.Timestamp})
	}
	a.encode(w, r, http.StatusOK, out)
}
