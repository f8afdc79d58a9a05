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
	"encoding/json"
	"net/http"
	"regexp"
	"time"

	"github.com/patternloop/orchestrator/internal/domain"
	"github.com/patternloop/orchestrator/internal/run"
	patternerrors "github.com/patternloop/orchestrator/pkg/errors"
)

var projectIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

type projectsHandler struct {
	svc *run.Service
}

type upsertProjectRequest struct {
	Name     string          `json:"name"`
	TaskType domain.TaskType `json:"task_type,omitempty"`
}

// handleUpsert handles PUT /projects/{id}.
func (h *projectsHandler) handleUpsert(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !projectIDPattern.MatchString(id) {
		writeError(w, &patternerrors.ValidationError{Field: "id", Message: "must match [A-Za-z0-9_-]{1,64}"})
		return
	}

	var body upsertProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, &patternerrors.ValidationError{Field: "body", Message: "invalid JSON: " + err.Error()})
		return
	}
	if body.Name == "" {
		writeError(w, &patternerrors.ValidationError{Field: "name", Message: "must not be empty"})
		return
	}
	if body.TaskType != "" && !domain.ValidTaskTypes[body.TaskType] {
		writeError(w, &patternerrors.ValidationError{Field: "task_type", Message: "unrecognized task type"})
		return
	}

	repo := h.svc.Repo()
	existing, _ := repo.GetProject(r.Context(), id)
	createdAt := time.Now().UTC()
	patternCount := 0
	if existing != nil {
		createdAt = existing.CreatedAt
		patternCount = existing.PatternCount
	}

	project := &domain.Project{
		ID:           id,
		Name:         body.Name,
		TaskType:     body.TaskType,
		PatternCount: patternCount,
		CreatedAt:    createdAt,
	}
	if err := repo.UpsertProject(r.Context(), project); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

// handleList handles GET /projects.
func (h *projectsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	projects, err := h.svc.Repo().ListProjects(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": projects, "count": len(projects)})
}
