// HandyHub - escrow booking service for home-service providers
package main

import (
	"context"
	"os"
	"time"

	"github.com/mbd888/handyhub/internal/config"
	"github.com/mbd888/handyhub/internal/logging"
	"github.com/mbd888/handyhub/internal/server"
	"github.com/mbd888/handyhub/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	// Bootstrap logger until the configured one exists
	logger := logging.New("info", "text")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting handyhub",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
	)

	ctx := context.Background()
	shutdownTraces, err := traces.Init(ctx, traces.Settings{
		Endpoint:      cfg.OTLPEndpoint,
		Version:       Version,
		Environment:   cfg.Env,
		SamplePercent: cfg.TraceSamplePercent,
	}, logger)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTraces(sctx); err != nil {
			logger.Warn("trace exporter shutdown", "error", err)
		}
	}()

	srv, err := server.New(cfg, server.WithLogger(logger), server.WithVersion(Version))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
