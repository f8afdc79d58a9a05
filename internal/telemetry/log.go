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

// Package telemetry wires structured logging, tracing, and metrics for
// the orchestrator: a slog logger, an OpenTelemetry tracer provider, and
// Prometheus counters/histograms for run throughput.
package telemetry

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

// Standard field keys, kept consistent across the codebase.
const (
	RunIDKey     = "run_id"
	ProjectIDKey = "project_id"
	StepSeqKey   = "step_seq"
	StageKey     = "stage"
	DurationKey  = "duration_ms"
)

// LogConfig configures the logger.
type LogConfig struct {
	Level  slog.Level
	Format LogFormat
	Writer io.Writer
}

// LogFromEnv builds a LogConfig from LOG_LEVEL / LOG_FORMAT env vars.
func LogFromEnv() LogConfig {
	cfg := LogConfig{Level: slog.LevelInfo, Format: LogFormatJSON, Writer: os.Stdout}
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		cfg.Level = slog.LevelDebug
	case "warn":
		cfg.Level = slog.LevelWarn
	case "error":
		cfg.Level = slog.LevelError
	}
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "text" {
		cfg.Format = LogFormatText
	}
	return cfg
}

// NewLogger builds a *slog.Logger for the given config.
func NewLogger(cfg LogConfig) *slog.Logger {
	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: cfg.Level}
	var handler slog.Handler
	if cfg.Format == LogFormatText {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}

// WithRun returns a logger annotated with run/project identifiers.
func WithRun(logger *slog.Logger, runID, projectID string) *slog.Logger {
	return logger.With(slog.String(RunIDKey, runID), slog.String(ProjectIDKey, projectID))
}
