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

package ctlclient_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patternloop/orchestrator/internal/ctlclient"
	"github.com/patternloop/orchestrator/internal/domain"
)

func TestUpsertProject(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		assert.Equal(t, "/projects/demo", r.URL.Path)
		_ = json.NewEncoder(w).Encode(domain.Project{ID: "demo", Name: "Demo"})
	}))
	defer server.Close()

	client := ctlclient.New(server.URL)
	project, err := client.UpsertProject(context.Background(), "demo", "Demo", "")
	require.NoError(t, err)
	assert.Equal(t, "demo", project.ID)
}

func TestCreateRunPropagatesAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"detail": "instructions must not be empty"})
	}))
	defer server.Close()

	client := ctlclient.New(server.URL)
	_, err := client.CreateRun(context.Background(), "demo", ctlclient.CreateRunInput{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "instructions must not be empty")
}

func TestCancelRun(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/runs/run-1/cancel", r.URL.Path)
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "cancellation_requested"})
	}))
	defer server.Close()

	client := ctlclient.New(server.URL)
	require.NoError(t, client.CancelRun(context.Background(), "run-1"))
}

func TestTailStreamsDataLines(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("data: {\"kind\":\"status\",\"data\":\"succeeded\"}\n\n"))
	}))
	defer server.Close()

	client := ctlclient.New(server.URL)
	var buf bytes.Buffer
	require.NoError(t, client.Tail(context.Background(), "run-1", &buf))
	assert.Contains(t, buf.String(), "succeeded")
}
