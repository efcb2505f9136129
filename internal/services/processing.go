package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"collicam/internal/database"
	"collicam/internal/overlay"
	"collicam/internal/postprocess"
	"collicam/internal/ws"
)

var (
	// ErrProcessingDisabled is returned when no post-processing is configured
	ErrProcessingDisabled = errors.New("post-processing not configured")

	// ErrInvalidImage is returned for an overlay image that is not an http(s) URL
	ErrInvalidImage = errors.New("invalid overlay image")

	// ErrNoStore is returned by image pool changes without persistence
	ErrNoStore = errors.New("no store configured")
)

func (s *CaptureService) overlayOptions() []overlay.Option {
	return []overlay.Option{
		overlay.WithInterval(s.cfg.OverlayInterval.Seconds()),
		overlay.WithWindow(s.cfg.OverlayWindow.Seconds()),
	}
}

// ImagePool returns the configured images followed by the stored ones,
// without duplicates
func (s *CaptureService) ImagePool() ([]string, error) {
	seen := make(map[string]bool)
	var pool []string
	add := func(u string) {
		if u != "" && !seen[u] {
			seen[u] = true
			pool = append(pool, u)
		}
	}
	for _, u := range s.cfg.StaticImages {
		add(u)
	}
	if s.store == nil {
		return pool, nil
	}
	images, err := s.store.ListImages()
	if err != nil {
		return nil, err
	}
	for _, img := range images {
		add(img.URL)
	}
	return pool, nil
}

// Plan schedules overlays for a recording of durationSeconds over the pool
func (s *CaptureService) Plan(durationSeconds float64, pool []string) (overlay.Plan, error) {
	if len(pool) == 0 {
		var err error
		if pool, err = s.ImagePool(); err != nil {
			return nil, err
		}
	}
	return overlay.Schedule(durationSeconds, pool, s.overlayOptions()...)
}

// Process schedules overlays for a finished recording and submits it for
// post-processing. images overrides the pool when not empty. The recording
// is kept on failure so processing can be retried.
func (s *CaptureService) Process(ctx context.Context, recordingID string, images []string) (*postprocess.ProcessedAsset, error) {
	if s.submitter == nil {
		return nil, ErrProcessingDisabled
	}
	art, err := s.Artifact(recordingID)
	if err != nil {
		return nil, err
	}
	plan, err := s.Plan(float64(art.ElapsedSeconds), images)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	asset, err := s.submitter.Submit(ctx, art, plan)
	s.observeProcessing(err, time.Since(start))
	if err != nil {
		s.publish(ws.TopicAll, &ws.AssetMessage{
			Type:        ws.TypeAsset,
			RecordingID: recordingID,
			Error:       err.Error(),
			Timestamp:   time.Now(),
		})
		return nil, err
	}

	s.assets.Set(asset.ID, asset, cache.DefaultExpiration)
	if s.store != nil {
		err := s.store.SaveAsset(&database.AssetRecord{
			ID:           asset.ID,
			RecordingID:  asset.RecordingID,
			SourceURL:    asset.SourceURL,
			ResultURL:    asset.ResultURL,
			OverlayCount: len(asset.Plan),
			Images:       asset.Plan.Images(),
			CreatedAt:    asset.CreatedAt,
		})
		if err != nil {
			s.logger.Error("failed to save asset", zap.String("asset", asset.ID), zap.Error(err))
		}
	}
	s.publish(ws.TopicAll, &ws.AssetMessage{
		Type:        ws.TypeAsset,
		RecordingID: recordingID,
		AssetID:     asset.ID,
		ResultURL:   asset.ResultURL,
		Timestamp:   time.Now(),
	})
	return asset, nil
}

func (s *CaptureService) observeProcessing(err error, took time.Duration) {
	if s.metrics == nil {
		return
	}
	outcome := "ok"
	switch {
	case errors.Is(err, postprocess.ErrUploadFailed):
		outcome = "upload_failed"
	case errors.Is(err, postprocess.ErrTransformFailed):
		outcome = "transform_failed"
	case err != nil:
		outcome = "invalid"
	}
	s.metrics.Processing.Observe(outcome, took)
}

// Asset returns a processed asset produced since the cache TTL
func (s *CaptureService) Asset(id string) (*postprocess.ProcessedAsset, error) {
	if v, ok := s.assets.Get(id); ok {
		return v.(*postprocess.ProcessedAsset), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrAssetNotFound, id)
}

// Assets returns the processed asset history of a recording, or of all
// recordings when recordingID is empty
func (s *CaptureService) Assets(recordingID string, limit int) ([]*database.AssetRecord, error) {
	if s.store == nil {
		return nil, nil
	}
	return s.store.ListAssets(recordingID, limit)
}

// Images returns the stored overlay images
func (s *CaptureService) Images() ([]*database.ImageRecord, error) {
	if s.store == nil {
		return nil, nil
	}
	return s.store.ListImages()
}

// AddImage adds an image URL to the overlay pool
func (s *CaptureService) AddImage(rawURL string) (*database.ImageRecord, error) {
	if s.store == nil {
		return nil, ErrNoStore
	}
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidImage, rawURL)
	}

	img := &database.ImageRecord{
		ID:        uuid.New().String(),
		URL:       u.String(),
		CreatedAt: time.Now(),
	}
	if err := s.store.SaveImage(img); err != nil {
		return nil, err
	}
	return img, nil
}

// UploadImage stores an image in the asset store and adds it to the pool
func (s *CaptureService) UploadImage(ctx context.Context, filename string, data []byte) (*database.ImageRecord, error) {
	if s.images == nil {
		return nil, ErrProcessingDisabled
	}
	if s.store == nil {
		return nil, ErrNoStore
	}
	u, err := s.images.Upload(ctx, filename, data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", postprocess.ErrUploadFailed, err)
	}
	return s.AddImage(u)
}

// RemoveImage deletes an image from the overlay pool
func (s *CaptureService) RemoveImage(id string) error {
	if s.store == nil {
		return ErrNoStore
	}
	return s.store.DeleteImage(id)
}
