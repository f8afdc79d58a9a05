// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/patternloop/orchestrator/internal/broker"
	"github.com/patternloop/orchestrator/internal/codexexec"
	"github.com/patternloop/orchestrator/internal/config"
	"github.com/patternloop/orchestrator/internal/httpapi"
	"github.com/patternloop/orchestrator/internal/pattern"
	"github.com/patternloop/orchestrator/internal/planner"
	"github.com/patternloop/orchestrator/internal/run"
	"github.com/patternloop/orchestrator/internal/store"
	"github.com/patternloop/orchestrator/internal/telemetry"
	"github.com/patternloop/orchestrator/internal/workspace"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		listenAddr   = flag.String("listen", "", "HTTP listen address (overrides LISTEN_ADDR)")
		profilesPath = flag.String("profiles", "", "Path to a YAML profiles file")
		showVersion  = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("patternloopd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := telemetry.NewLogger(telemetry.LogFromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load(*profilesPath)
	if err != nil {
		logger.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	provider, err := telemetry.NewProvider(ctx, "patternloopd", version, cfg.OTLPEndpoint)
	if err != nil {
		logger.Error("failed to start tracer provider", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			logger.Error("error shutting down tracer provider", slog.Any("error", err))
		}
	}()

	repo, err := store.NewSQLiteRepository(cfg.DatabasePath)
	if err != nil {
		logger.Error("failed to open store", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			logger.Error("error closing store", slog.Any("error", err))
		}
	}()

	events := broker.New()

	ws, err := workspace.NewManager(cfg.WorkspaceRoot)
	if err != nil {
		logger.Error("failed to init workspace manager", slog.Any("error", err))
		os.Exit(1)
	}

	registry := codexexec.NewRegistry()
	exec, err := codexexec.NewExecutor(registry, repo, events, cfg.ArtifactsRoot)
	if err != nil {
		logger.Error("failed to init CLI executor", slog.Any("error", err))
		os.Exit(1)
	}

	plannerClient := planner.New(cfg.RunnerURL, cfg.FakePlanner, cfg.FakeCodex, exec, repo, events)
	extractor := pattern.New()
	metrics := telemetry.NewMetrics()

	svc := run.New(repo, events, ws, plannerClient, extractor, registry, cfg, metrics, logger)
	handler := httpapi.NewRouter(svc, metrics, logger)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // SSE streams hold the connection open indefinitely
		IdleTimeout:  120 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("patternloopd listening", slog.String("addr", cfg.ListenAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case sig := <-sigCh:
		fmt.Printf("\nreceived signal %v, shutting down...\n", sig)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("error during shutdown", slog.Any("error", err))
		}
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("daemon error", slog.Any("error", err))
			os.Exit(1)
		}
	}
}
