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

// Package httpapi is the HTTP transport for the orchestrator. It is
// mechanical by design: route registration and JSON marshaling only,
// delegating every decision to internal/run.Service and
// internal/store.Repository.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	patternerrors "github.com/patternloop/orchestrator/pkg/errors"
)

// writeJSON writes a JSON response, logging (not panicking) on encode
// failure.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("httpapi: failed to write JSON response", slog.Any("error", err))
	}
}

// errorResponse is the standard error shape: {detail: <string>}.
type errorResponse struct {
	Detail string `json:"detail"`
}

// writeDetail writes the spec's error response shape at a fixed status.
func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, errorResponse{Detail: detail})
}

// writeError classifies err through pkg/errors.HTTPStatus and writes the
// {detail} shape at the resulting status code.
func writeError(w http.ResponseWriter, err error) {
	status := patternerrors.HTTPStatus(err)
	writeDetail(w, status, err.Error())
}
