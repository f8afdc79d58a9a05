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
	"fmt"
	"net/http"
	"time"

	"github.com/patternloop/orchestrator/internal/broker"
	"github.com/patternloop/orchestrator/internal/domain"
	"github.com/patternloop/orchestrator/internal/run"
	"github.com/patternloop/orchestrator/internal/store"
	patternerrors "github.com/patternloop/orchestrator/pkg/errors"
)

type runsHandler struct {
	svc *run.Service
}

type createRunRequest struct {
	ProjectID      string          `json:"project_id"`
	Name           string          `json:"name"`
	Instructions   string          `json:"instructions"`
	TaskType       domain.TaskType `json:"task_type,omitempty"`
	ReferenceRunID string          `json:"reference_run_id,omitempty"`
	FromRunID      string          `json:"from_run_id,omitempty"`
}

// handleCreate handles POST /projects/{id}/runs.
func (h *runsHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")

	var body createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, &patternerrors.ValidationError{Field: "body", Message: "invalid JSON: " + err.Error()})
		return
	}
	if body.ProjectID == "" {
		body.ProjectID = projectID
	}

	created, err := h.svc.CreateRun(r.Context(), run.CreateRunInput{
		ProjectID:      body.ProjectID,
		Name:           body.Name,
		Instructions:   body.Instructions,
		TaskType:       body.TaskType,
		ReferenceRunID: body.ReferenceRunID,
		FromRunID:      body.FromRunID,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// handleList handles GET /runs, filterable by ?project_id=.
func (h *runsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	filter := store.RunFilter{ProjectID: r.URL.Query().Get("project_id")}
	runs, err := h.svc.Repo().ListRuns(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

// handleGet handles GET /runs/{id}.
func (h *runsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	run, err := h.svc.Repo().GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleSteps handles GET /runs/{id}/steps.
func (h *runsHandler) handleSteps(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.svc.Repo().GetRun(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	steps, err := h.svc.Repo().ListSteps(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"steps": steps, "count": len(steps)})
}

// handleDiff handles GET /runs/{id}/diff.
func (h *runsHandler) handleDiff(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	summary, err := h.svc.WorkspaceDiff(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if summary == nil {
		writeError(w, &patternerrors.NotFoundError{Resource: "diff", ID: id})
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handleCancel handles POST /runs/{id}/cancel.
func (h *runsHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.svc.Cancel(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancellation_requested"})
}

// handleStream handles GET /runs/{id}/stream, emitting Server-Sent
// Events for the run's broker topic until a terminal status event is
// published or the client disconnects. A subscriber that joins after the
// run has already reached a terminal status instead receives one
// replayed status snapshot from the repository and the stream closes
// immediately, rather than hanging waiting for an event that already
// happened.
func (h *runsHandler) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	current, err := h.svc.Repo().GetRun(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeDetail(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if current.Status.IsTerminal() {
		replay := broker.Event{RunID: id, Kind: broker.KindStatus, Data: string(current.Status), Timestamp: time.Now()}
		data, err := json.Marshal(replay)
		if err == nil {
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
		return
	}

	ch, unsubscribe := h.svc.Subscribe(id)
	defer unsubscribe()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
			if broker.IsTerminalStatus(event) {
				return
			}
		}
	}
}
