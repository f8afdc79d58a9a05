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

package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/patternloop/orchestrator/internal/run"
	"github.com/patternloop/orchestrator/internal/telemetry"
)

// MetricsHandler serves a Prometheus scrape endpoint.
type MetricsHandler interface {
	Handler() http.Handler
}

// NewRouter builds the complete HTTP surface over svc, wrapped in a
// correlation-id / request-log middleware chain so every request carries
// a traceable identifier and a completion log line.
func NewRouter(svc *run.Service, metrics MetricsHandler, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	p := &projectsHandler{svc: svc}
	mux.HandleFunc("PUT /projects/{id}", p.handleUpsert)
	mux.HandleFunc("GET /projects", p.handleList)

	r := &runsHandler{svc: svc}
	mux.HandleFunc("POST /projects/{id}/runs", r.handleCreate)
	mux.HandleFunc("GET /runs", r.handleList)
	mux.HandleFunc("GET /runs/{id}", r.handleGet)
	mux.HandleFunc("GET /runs/{id}/steps", r.handleSteps)
	mux.HandleFunc("GET /runs/{id}/stream", r.handleStream)
	mux.HandleFunc("GET /runs/{id}/diff", r.handleDiff)
	mux.HandleFunc("POST /runs/{id}/cancel", r.handleCancel)

	w := &workspaceHandler{svc: svc}
	mux.HandleFunc("GET /runs/{id}/workspace/files", w.handleList)
	mux.HandleFunc("GET /runs/{id}/workspace/files/{path...}", w.handleDownload)

	a := &artifactsHandler{svc: svc}
	mux.HandleFunc("GET /runs/{id}/artifacts", a.handleList)
	mux.HandleFunc("GET /runs/{id}/artifacts/{aid}/download", a.handleDownload)

	pt := &patternsHandler{svc: svc}
	mux.HandleFunc("GET /patterns/{run_id}", pt.handleGet)

	if metrics != nil {
		mux.Handle("GET /metrics", metrics.Handler())
	}

	var handler http.Handler = mux
	handler = telemetry.RequestLogMiddleware(logger, handler)
	handler = telemetry.CorrelationMiddleware(handler)
	return handler
}
