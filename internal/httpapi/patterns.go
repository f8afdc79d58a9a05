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

	"github.com/patternloop/orchestrator/internal/run"
)

type patternsHandler struct {
	svc *run.Service
}

// handleGet handles GET /patterns/{run_id}.
func (h *patternsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	pattern, err := h.svc.Repo().GetPattern(r.Context(), runID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pattern)
}
