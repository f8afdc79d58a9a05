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
	"errors"
	"net/http"
	"os"

	"github.com/patternloop/orchestrator/internal/run"
	patternerrors "github.com/patternloop/orchestrator/pkg/errors"
)

type workspaceHandler struct {
	svc *run.Service
}

type workspaceFileEntry struct {
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
	Type      string `json:"type"`
}

// handleList handles GET /runs/{id}/workspace/files.
func (h *workspaceHandler) handleList(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	entries, err := h.svc.WorkspaceFiles(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	files := make([]workspaceFileEntry, 0, len(entries))
	for _, e := range entries {
		files = append(files, workspaceFileEntry{Path: e.RelPath, SizeBytes: e.Bytes, Type: e.Mime})
	}
	writeJSON(w, http.StatusOK, map[string]any{"total_files": len(files), "files": files})
}

// handleDownload handles GET /runs/{id}/workspace/files/{path...}.
func (h *workspaceHandler) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rel := r.PathValue("path")

	data, err := h.svc.WorkspaceFile(r.Context(), id, rel)
	if err != nil {
		var re *patternerrors.RunError
		if errors.As(err, &re) && re.Code == patternerrors.CodePathTraversal {
			writeDetail(w, http.StatusForbidden, re.Error())
			return
		}
		if os.IsNotExist(err) {
			writeDetail(w, http.StatusNotFound, "file not found: "+rel)
			return
		}
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
