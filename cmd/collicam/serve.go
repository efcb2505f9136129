package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"collicam/internal/alert"
	"collicam/internal/assetstore"
	"collicam/internal/auth"
	"collicam/internal/camera"
	"collicam/internal/config"
	"collicam/internal/database"
	"collicam/internal/detection"
	"collicam/internal/metrics"
	"collicam/internal/pipeline"
	"collicam/internal/pipeline/detectors"
	"collicam/internal/pipeline/strategies"
	"collicam/internal/postprocess"
	"collicam/internal/recording"
	"collicam/internal/services"
	"collicam/internal/ws"
)

func serve(ctx context.Context, settings *config.Settings, logger *zap.Logger, debug bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	db, err := database.New(settings.Database.Path)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return err
	}

	m, err := metrics.New()
	if err != nil {
		return err
	}

	authenticator, err := auth.NewAuthenticator(auth.Config{
		Enabled:   settings.Auth.Enabled,
		Username:  settings.Auth.Username,
		Password:  settings.Auth.Password,
		JWTSecret: settings.Auth.JWTSecret,
		JWTExpiry: settings.Auth.JWTExpiry,
	})
	if err != nil {
		return err
	}

	hub := ws.NewHub(logger)

	cameras := camera.NewManager(camera.NewMediaDevicesBackend(logger), rolePolicy(settings), logger)
	session := recording.NewSession(recording.Config{
		MaxDuration:   settings.Recording.MaxDuration,
		AdvisoryAfter: settings.Recording.AdvisoryAfter,
		TickInterval:  settings.Recording.TickInterval,
		MimeType:      settings.Recording.MimeType,
	}, recording.WithLogger(logger))
	newSink := func() recording.Sink {
		return recording.NewFFmpegSink(settings.Recording.FFmpegPath, settings.Recording.FPS, logger)
	}

	videos := assetstore.NewClient(assetStoreConfig(settings, "video"), logger)
	images := assetstore.NewClient(assetStoreConfig(settings, "image"), logger)
	processor := postprocess.NewProcessor(videos, logger, overlayCadence(settings)...)
	var transformer postprocess.Transformer = processor
	if settings.PostProcess.ForwarderURL != "" {
		transformer = postprocess.NewHTTPTransformer(settings.PostProcess.ForwarderURL, settings.PostProcess.Timeout)
	}

	opts := []services.CaptureOption{
		services.WithStore(db),
		services.WithEvents(hub),
		services.WithMetrics(m),
		services.WithSubmitter(postprocess.NewClient(videos, transformer, logger)),
		services.WithImageUploader(images),
		services.WithLogger(logger),
	}
	apiOpts := []services.APIOption{
		services.WithProcessor(processor),
		services.WithAuthenticator(authenticator),
		services.WithWebsocket(ws.NewHandler(hub, "/ws")),
		services.WithMetricsHandler(m.Handler()),
		services.WithAPILogger(logger),
	}

	var wg sync.WaitGroup
	var registry *detectors.Registry
	if settings.Detection.Enabled {
		var loops *pipeline.LoopManager
		registry, loops, err = buildDetection(ctx, settings, db, m, logger)
		if err != nil {
			return err
		}
		defer registry.Close()
		snaps, unsub := loops.SubscribeResults(32)
		defer unsub()
		wg.Add(1)
		go func() {
			defer wg.Done()
			hub.Run(ctx, snaps)
		}()

		opts = append(opts, services.WithDetection(loops), services.WithDetectorRegistry(registry))
	}

	capture := services.NewCaptureService(cameras, session, newSink, services.CaptureConfig{
		OverlayInterval: settings.Overlay.Interval,
		OverlayWindow:   settings.Overlay.Window,
		StaticImages:    settings.Overlay.Images,
		AssetTTL:        settings.PostProcess.CacheTTL,
	}, opts...)
	defer func() {
		if err := capture.Close(); err != nil {
			logger.Warn("failed to release cameras", zap.Error(err))
		}
	}()
	if registry != nil {
		apiOpts = append(apiOpts, services.WithReadinessCheck("detector", capture.DetectorsReady))
	}
	api := services.NewAPI(capture, apiOpts...)

	// Create channel used by both the signal handler and server goroutines
	// to notify the main goroutine when to stop the server.
	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	if retention := settings.Database.CollisionRetention; retention > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pruneCollisions(ctx, db, retention, time.Hour, logger)
		}()
	}
	handleHTTPServer(ctx, settings.Server.Addr(), api, authenticator, &wg, errc, logger, debug)

	exitErr := <-errc
	logger.Info("exiting", zap.Error(exitErr))

	cancel()
	wg.Wait()
	logger.Info("exited")
	return nil
}

// buildDetection registers the configured detector backends and the
// alerters fired on collisions
func buildDetection(ctx context.Context, settings *config.Settings, store services.Store, m *metrics.Metrics, logger *zap.Logger) (*detectors.Registry, *pipeline.LoopManager, error) {
	ds := settings.Detection
	registry := detectors.NewRegistry()

	for _, backend := range ds.Backends {
		var client detection.Client
		switch backend {
		case "grpc":
			c, err := detection.NewGRPCDetector(detection.GRPCDetectorConfig{
				Endpoint:      ds.GRPCEndpoint,
				ConfThreshold: ds.ConfThreshold,
				Timeout:       ds.Timeout,
			}, logger)
			if err != nil {
				return nil, nil, err
			}
			client = c
		case "http":
			client = detection.NewHTTPDetector(detection.HTTPDetectorConfig{
				Endpoint:      ds.HTTPEndpoint,
				ConfThreshold: ds.ConfThreshold,
				Timeout:       ds.Timeout,
			}, logger)
		default:
			return nil, nil, fmt.Errorf("unknown detection backend %q", backend)
		}

		model := detection.NewAsyncModel(backend, detection.WaitHealthy(client, 2*time.Second), logger)
		model.Load(ctx)
		if err := registry.Register(detectors.NewRemoteAdapter(backend, model, ds.MinScore)); err != nil {
			return nil, nil, err
		}
	}

	analyzer, err := strategies.NewAnalyzer(pipeline.CollisionMode(ds.CollisionMode), ds.CollisionClasses, ds.MinScore)
	if err != nil {
		return nil, nil, err
	}

	alerters := alert.Multi{services.NewCollisionLog(store, logger)}
	if settings.Alert.Haptic {
		var vibrator alert.Vibrator
		if v, err := alert.OpenSysfsVibrator(settings.Alert.VibratorDir); err == nil {
			vibrator = v
		} else {
			logger.Info("haptic feedback unavailable", zap.Error(err))
		}
		alerters = append(alerters, alert.NewHapticAlerter(vibrator, settings.Alert.Pulse, logger))
	}
	if mq := settings.Alert.MQTT; mq.Enabled {
		client, err := alert.ConnectMQTT(alert.MQTTConfig{
			Broker:   mq.Broker,
			ClientID: mq.ClientID,
			Username: mq.Username,
			Password: mq.Password,
			Topic:    mq.Topic,
			QoS:      byte(mq.QoS),
		}, logger)
		if err != nil {
			logger.Warn("mqtt alerts disabled", zap.Error(err))
		} else {
			alerters = append(alerters, alert.NewMQTTAlerter(client, mq.Topic, byte(mq.QoS), logger))
		}
	}

	loops := pipeline.NewLoopManager(
		detectors.NewPreferred(registry, ds.Backends...),
		analyzer,
		alert.NewThrottle(alerters, settings.Alert.Throttle),
		nil,
		logger,
		pipeline.WithTickInterval(ds.TickInterval),
		pipeline.WithObserver(m.Detection),
	)
	return registry, loops, nil
}

func assetStoreConfig(s *config.Settings, resourceType string) assetstore.Config {
	return assetstore.Config{
		BaseURL:      s.AssetStore.BaseURL,
		CloudName:    s.AssetStore.CloudName,
		UploadPreset: s.AssetStore.UploadPreset,
		APIKey:       s.AssetStore.APIKey,
		APISecret:    s.AssetStore.APISecret,
		ResourceType: resourceType,
		Timeout:      s.PostProcess.Timeout,
	}
}

// pruneCollisions deletes collisions older than retention every interval
func pruneCollisions(ctx context.Context, db *database.Database, retention, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		n, err := db.DeleteOldCollisions(time.Now().Add(-retention))
		if err != nil {
			logger.Warn("failed to prune collisions", zap.Error(err))
		} else if n > 0 {
			logger.Info("pruned collisions", zap.Int64("deleted", n))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
