// Package api exposes the chat lifecycle over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/zulandar/switchboard/internal/chat"
)

// StartOpts holds configuration for the API server.
type StartOpts struct {
	Facade *chat.Facade
	Addr   string
	Logger zerolog.Logger
}

// Start launches the API server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Facade == nil {
		return fmt.Errorf("api: facade is required")
	}
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	registerRoutes(router, opts.Facade)

	srv := &http.Server{
		Addr:    opts.Addr,
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	opts.Logger.Info().Str("addr", opts.Addr).Msg("api listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}
