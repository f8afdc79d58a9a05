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

package codexexec_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patternloop/orchestrator/internal/broker"
	"github.com/patternloop/orchestrator/internal/codexexec"
	"github.com/patternloop/orchestrator/internal/domain"
	"github.com/patternloop/orchestrator/internal/store"
	patternerrors "github.com/patternloop/orchestrator/pkg/errors"
)

func newExecutor(t *testing.T) (*codexexec.Executor, store.Repository) {
	t.Helper()
	repo := store.NewMemoryRepository()
	ev := broker.New()
	exec, err := codexexec.NewExecutor(codexexec.NewRegistry(), repo, ev, filepath.Join(t.TempDir(), "artifacts"))
	require.NoError(t, err)
	return exec, repo
}

func TestFakeModeSynthesizesSingleStep(t *testing.T) {
	ctx := context.Background()
	exec, repo := newExecutor(t)
	require.NoError(t, repo.CreateRun(ctx, &domain.Run{ID: "run-1", ProjectID: "p1", Status: domain.RunRunning}))

	result, err := exec.Run(ctx, codexexec.Bundle{RunID: "run-1", FakeMode: true}, "do the thing", nil)
	require.NoError(t, err)
	assert.Contains(t, result.Summary, "fake-codex")

	steps, err := repo.ListSteps(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, domain.RoleTool, steps[0].Role)
	assert.Equal(t, "codex_exec(fake)", steps[0].Content)
	assert.Contains(t, steps[0].Notes, "fake-codex-mode")
}

func TestFakeModeDoesNotSpawnSubprocess(t *testing.T) {
	ctx := context.Background()
	exec, repo := newExecutor(t)
	require.NoError(t, repo.CreateRun(ctx, &domain.Run{ID: "run-1", ProjectID: "p1", Status: domain.RunRunning}))

	called := false
	cancelled := func() bool { called = true; return false }
	_, err := exec.Run(ctx, codexexec.Bundle{RunID: "run-1", FakeMode: true}, "prompt", cancelled)
	require.NoError(t, err)
	assert.False(t, called, "fake mode should never consult the cancellation predicate")
}

func TestRealModeWithoutBinaryReportsNotInstalled(t *testing.T) {
	ctx := context.Background()
	exec, repo := newExecutor(t)
	require.NoError(t, repo.CreateRun(ctx, &domain.Run{ID: "run-1", ProjectID: "p1", Status: domain.RunRunning}))

	t.Setenv("PATH", t.TempDir())

	_, err := exec.Run(ctx, codexexec.Bundle{RunID: "run-1", WorkspacePath: t.TempDir()}, "prompt", nil)
	require.Error(t, err)
	assert.Equal(t, patternerrors.CodeCodexNotInstalled, patternerrors.Classify(err).Code)
}

func TestRegistrySignalReportsFalseWhenNoProcess(t *testing.T) {
	reg := codexexec.NewRegistry()
	assert.False(t, reg.Signal("ghost-run"))
}
