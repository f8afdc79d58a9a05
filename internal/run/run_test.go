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

package run_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patternloop/orchestrator/internal/broker"
	"github.com/patternloop/orchestrator/internal/codexexec"
	"github.com/patternloop/orchestrator/internal/config"
	"github.com/patternloop/orchestrator/internal/domain"
	"github.com/patternloop/orchestrator/internal/pattern"
	"github.com/patternloop/orchestrator/internal/planner"
	"github.com/patternloop/orchestrator/internal/run"
	"github.com/patternloop/orchestrator/internal/store"
	"github.com/patternloop/orchestrator/internal/workspace"
)

func newTestService(t *testing.T) (*run.Service, store.Repository) {
	t.Helper()
	repo := store.NewMemoryRepository()
	events := broker.New()
	ws, err := workspace.NewManager(filepath.Join(t.TempDir(), "workspaces"))
	require.NoError(t, err)
	registry := codexexec.NewRegistry()
	exec, err := codexexec.NewExecutor(registry, repo, events, filepath.Join(t.TempDir(), "artifacts"))
	require.NoError(t, err)
	plannerClient := planner.New("http://unused.invalid", true, true, exec, repo, events)
	extractor := pattern.New()
	cfg := &config.Config{}
	cfg.Profiles.BasePrompt = "base prompt"

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := run.New(repo, events, ws, plannerClient, extractor, registry, cfg, nil, logger)
	return svc, repo
}

func waitForTerminal(t *testing.T, repo store.Repository, runID string) *domain.Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		r, err := repo.GetRun(context.Background(), runID)
		require.NoError(t, err)
		if r.Status.IsTerminal() {
			return r
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("run never reached a terminal status")
	return nil
}

func TestCreateRunValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateRun(ctx, run.CreateRunInput{ProjectID: "", Instructions: "do x"})
	assert.Error(t, err)

	_, err = svc.CreateRun(ctx, run.CreateRunInput{ProjectID: "p1", Instructions: ""})
	assert.Error(t, err)

	_, err = svc.CreateRun(ctx, run.CreateRunInput{ProjectID: "p1", Instructions: "ok", TaskType: "bogus"})
	assert.Error(t, err)
}

func TestHappyPathFakeModeReachesSucceeded(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	require.NoError(t, repo.UpsertProject(ctx, &domain.Project{ID: "demo", Name: "Demo"}))

	created, err := svc.CreateRun(ctx, run.CreateRunInput{
		ProjectID:    "demo",
		Name:         "n",
		Instructions: "touch hello.txt",
		TaskType:     domain.TaskCode,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.RunQueued, created.Status)

	final := waitForTerminal(t, repo, created.ID)
	assert.Equal(t, domain.RunSucceeded, final.Status)
	assert.Equal(t, 100, final.Progress)
	assert.False(t, final.HadErrors)
	require.NotNil(t, final.MachineSummary)
	assert.True(t, final.MachineSummary.ExecutionAttempted)
	assert.True(t, final.MachineSummary.ExecutionSucceeded)

	steps, err := repo.ListSteps(ctx, created.ID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(steps), 1)

	artifacts, err := repo.ListArtifacts(ctx, created.ID)
	require.NoError(t, err)
	var foundJSONL bool
	for _, a := range artifacts {
		if a.Kind == "codex-jsonl" {
			foundJSONL = true
		}
	}
	assert.True(t, foundJSONL)
}

func TestCancelOnTerminalRunReturnsValidationError(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	require.NoError(t, repo.UpsertProject(ctx, &domain.Project{ID: "demo", Name: "Demo"}))

	created, err := svc.CreateRun(ctx, run.CreateRunInput{ProjectID: "demo", Instructions: "noop"})
	require.NoError(t, err)
	waitForTerminal(t, repo, created.ID)

	err = svc.Cancel(ctx, created.ID)
	assert.Error(t, err)
}

func TestCancelIsIdempotent(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	require.NoError(t, repo.UpsertProject(ctx, &domain.Project{ID: "demo", Name: "Demo"}))

	created, err := svc.CreateRun(ctx, run.CreateRunInput{ProjectID: "demo", Instructions: "noop"})
	require.NoError(t, err)

	_ = svc.Cancel(ctx, created.ID)
	_ = svc.Cancel(ctx, created.ID)

	final := waitForTerminal(t, repo, created.ID)
	assert.Contains(t, []domain.RunStatus{domain.RunSucceeded, domain.RunCancelled}, final.Status)
}

func TestWorkspaceCloneProvenance(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	require.NoError(t, repo.UpsertProject(ctx, &domain.Project{ID: "demo", Name: "Demo"}))

	runA, err := svc.CreateRun(ctx, run.CreateRunInput{ProjectID: "demo", Instructions: "create a.txt"})
	require.NoError(t, err)
	waitForTerminal(t, repo, runA.ID)

	runB, err := svc.CreateRun(ctx, run.CreateRunInput{ProjectID: "demo", Instructions: "continue", FromRunID: runA.ID})
	require.NoError(t, err)
	final := waitForTerminal(t, repo, runB.ID)
	assert.Equal(t, domain.RunSucceeded, final.Status)
}
