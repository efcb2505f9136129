package main

import (
	"context"
	"net/http"
	"os"
	"sync"
	"time"

	goahttp "goa.design/goa/v3/http"
	httpmdlwr "goa.design/goa/v3/http/middleware"
	"goa.design/goa/v3/middleware"
	"go.uber.org/zap"

	"collicam/internal/auth"
	mw "collicam/internal/middleware"
	"collicam/internal/services"
)

// publicPaths are served without a token when auth is enabled
var publicPaths = []string{"/healthz", "/readyz", "/metrics", "/api/auth/", "/api/process-video"}

// handleHTTPServer configures and starts an HTTP server on addr. It shuts
// down the server when ctx is cancelled.
func handleHTTPServer(ctx context.Context, addr string, api *services.API, authenticator *auth.Authenticator, wg *sync.WaitGroup, errc chan error, logger *zap.Logger, debug bool) {
	// Setup goa log adapter.
	adapter := middleware.NewLogger(zap.NewStdLog(logger.Named("http")))

	mux := goahttp.NewMuxer()
	api.Mount(mux)

	// Middlewares mounted here apply to every endpoint.
	var handler http.Handler = mux
	{
		if debug {
			handler = httpmdlwr.Debug(mux, os.Stdout)(handler)
		}
		handler = mw.AuthMiddleware(authenticator, publicPaths...)(handler)
		handler = httpmdlwr.Log(adapter)(handler)
		handler = httpmdlwr.RequestID()(handler)
	}

	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: time.Second * 60}

	wg.Add(1)
	go func() {
		defer wg.Done()

		go func() {
			logger.Info("HTTP server listening", zap.String("addr", addr))
			errc <- srv.ListenAndServe()
		}()

		<-ctx.Done()
		logger.Info("shutting down HTTP server", zap.String("addr", addr))

		// Shutdown gracefully with a 30s timeout.
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("failed to shutdown", zap.Error(err))
		}
	}()
}
