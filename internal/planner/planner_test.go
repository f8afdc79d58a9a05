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

package planner_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patternloop/orchestrator/internal/broker"
	"github.com/patternloop/orchestrator/internal/codexexec"
	"github.com/patternloop/orchestrator/internal/domain"
	"github.com/patternloop/orchestrator/internal/planner"
	"github.com/patternloop/orchestrator/internal/store"
	patternerrors "github.com/patternloop/orchestrator/pkg/errors"
)

func newExec(t *testing.T) (*codexexec.Executor, store.Repository, *broker.Broker) {
	t.Helper()
	repo := store.NewMemoryRepository()
	ev := broker.New()
	exec, err := codexexec.NewExecutor(codexexec.NewRegistry(), repo, ev, filepath.Join(t.TempDir(), "artifacts"))
	require.NoError(t, err)
	return exec, repo, ev
}

func TestDispatchWithoutCredentialUsesSyntheticMode(t *testing.T) {
	ctx := context.Background()
	exec, repo, ev := newExec(t)
	require.NoError(t, repo.CreateRun(ctx, &domain.Run{ID: "run-1", ProjectID: "p1", Status: domain.RunRunning}))

	client := planner.New("http://unused.invalid", false, true, exec, repo, ev)
	resp, err := client.Dispatch(ctx, planner.Request{
		RunID:        "run-1",
		ProjectID:    "p1",
		Instructions: "touch hello.txt",
	}, nil)
	require.NoError(t, err)
	assert.Contains(t, resp.Reply, "fake-codex")
}

func TestDispatchWithFakePlannerFlagIgnoresCredential(t *testing.T) {
	ctx := context.Background()
	exec, repo, ev := newExec(t)
	require.NoError(t, repo.CreateRun(ctx, &domain.Run{ID: "run-1", ProjectID: "p1", Status: domain.RunRunning}))

	client := planner.New("http://unused.invalid", true, true, exec, repo, ev)
	resp, err := client.Dispatch(ctx, planner.Request{
		RunID:        "run-1",
		ProjectID:    "p1",
		Instructions: "touch hello.txt",
		Credential:   "some-key",
	}, nil)
	require.NoError(t, err)
	assert.Contains(t, resp.Reply, "fake-codex")
}

func TestDispatchWithCredentialCallsHTTP(t *testing.T) {
	ctx := context.Background()
	exec, repo, ev := newExec(t)
	require.NoError(t, repo.CreateRun(ctx, &domain.Run{ID: "run-1", ProjectID: "p1", Status: domain.RunRunning}))

	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"reply": "done", "session_id": "sess-1"})
	}))
	defer server.Close()

	client := planner.New(server.URL, false, true, exec, repo, ev)
	resp, err := client.Dispatch(ctx, planner.Request{
		RunID:        "run-1",
		ProjectID:    "p1",
		Instructions: "touch hello.txt",
		Credential:   "secret-key",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Reply)
	assert.Equal(t, "sess-1", resp.UpstreamSessionID)
	assert.Equal(t, "Bearer secret-key", gotAuth)
}

func TestDispatchHTTPErrorStatusIsToolFailure(t *testing.T) {
	ctx := context.Background()
	exec, repo, ev := newExec(t)
	require.NoError(t, repo.CreateRun(ctx, &domain.Run{ID: "run-1", ProjectID: "p1", Status: domain.RunRunning}))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer server.Close()

	client := planner.New(server.URL, false, true, exec, repo, ev)
	_, err := client.Dispatch(ctx, planner.Request{
		RunID:        "run-1",
		Instructions: "x",
		Credential:   "secret-key",
	}, nil)
	assert.Error(t, err)
	assert.Equal(t, patternerrors.CodeToolFailure, patternerrors.Classify(err).Code)
}
