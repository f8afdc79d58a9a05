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
	"net/http"
	"os"

	"github.com/patternloop/orchestrator/internal/run"
	patternerrors "github.com/patternloop/orchestrator/pkg/errors"
)

type artifactsHandler struct {
	svc *run.Service
}

// handleList handles GET /runs/{id}/artifacts.
func (h *artifactsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.svc.Repo().GetRun(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	artifacts, err := h.svc.Repo().ListArtifacts(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"artifacts": artifacts, "count": len(artifacts)})
}

// handleDownload handles GET /runs/{id}/artifacts/{aid}/download.
func (h *artifactsHandler) handleDownload(w http.ResponseWriter, r *http.Request) {
	aid := r.PathValue("aid")
	artifact, err := h.svc.Repo().GetArtifact(r.Context(), aid)
	if err != nil {
		writeError(w, err)
		return
	}
	if artifact.RunID != r.PathValue("id") {
		writeDetail(w, http.StatusNotFound, "artifact not found for this run")
		return
	}

	data, err := os.ReadFile(artifact.Path)
	if err != nil {
		writeError(w, patternerrors.NewRunError(patternerrors.CodeRuntimeError, "reading artifact from disk", err))
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
