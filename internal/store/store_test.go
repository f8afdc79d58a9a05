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

package store_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patternloop/orchestrator/internal/domain"
	"github.com/patternloop/orchestrator/internal/store"
)

func repositories(t *testing.T) map[string]store.Repository {
	t.Helper()
	sqliteRepo, err := store.NewSQLiteRepository(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqliteRepo.Close() })

	return map[string]store.Repository{
		"memory": store.NewMemoryRepository(),
		"sqlite": sqliteRepo,
	}
}

func TestRepository_ProjectLifecycle(t *testing.T) {
	ctx := context.Background()
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			proj := &domain.Project{ID: "proj-1", Name: "demo", TaskType: domain.TaskCode}
			require.NoError(t, repo.UpsertProject(ctx, proj))

			got, err := repo.GetProject(ctx, "proj-1")
			require.NoError(t, err)
			assert.Equal(t, "demo", got.Name)
			assert.Equal(t, 0, got.PatternCount)

			require.NoError(t, repo.IncrementProjectPatternCount(ctx, "proj-1"))
			got, err = repo.GetProject(ctx, "proj-1")
			require.NoError(t, err)
			assert.Equal(t, 1, got.PatternCount)

			list, err := repo.ListProjects(ctx)
			require.NoError(t, err)
			assert.Len(t, list, 1)

			_, err = repo.GetProject(ctx, "missing")
			assert.Error(t, err)
		})
	}
}

func TestRepository_RunLifecycle(t *testing.T) {
	ctx := context.Background()
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, repo.UpsertProject(ctx, &domain.Project{ID: "p1", Name: "demo"}))

			run := &domain.Run{ID: "run-1", ProjectID: "p1", TaskType: domain.TaskCode, Status: domain.RunQueued}
			require.NoError(t, repo.CreateRun(ctx, run))

			got, err := repo.GetRun(ctx, "run-1")
			require.NoError(t, err)
			assert.Equal(t, domain.RunQueued, got.Status)

			got.Status = domain.RunRunning
			got.Progress = 30
			require.NoError(t, repo.UpdateRun(ctx, got))

			got, err = repo.GetRun(ctx, "run-1")
			require.NoError(t, err)
			assert.Equal(t, domain.RunRunning, got.Status)
			assert.Equal(t, 30, got.Progress)

			list, err := repo.ListRuns(ctx, store.RunFilter{ProjectID: "p1"})
			require.NoError(t, err)
			assert.Len(t, list, 1)

			list, err = repo.ListRuns(ctx, store.RunFilter{ProjectID: "nope"})
			require.NoError(t, err)
			assert.Empty(t, list)
		})
	}
}

func TestRepository_StepsAreSequential(t *testing.T) {
	ctx := context.Background()
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, repo.UpsertProject(ctx, &domain.Project{ID: "p1", Name: "demo"}))
			require.NoError(t, repo.CreateRun(ctx, &domain.Run{ID: "run-1", ProjectID: "p1", Status: domain.RunRunning}))

			for i := 0; i < 3; i++ {
				require.NoError(t, repo.AppendStep(ctx, &domain.Step{RunID: "run-1", Role: domain.RoleAssistant, Content: "step"}))
			}

			steps, err := repo.ListSteps(ctx, "run-1")
			require.NoError(t, err)
			require.Len(t, steps, 3)
			for i, s := range steps {
				assert.Equal(t, i, s.Seq)
			}
		})
	}
}

func TestRepository_ArtifactsAndPatterns(t *testing.T) {
	ctx := context.Background()
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, repo.UpsertProject(ctx, &domain.Project{ID: "p1", Name: "demo"}))
			require.NoError(t, repo.CreateRun(ctx, &domain.Run{ID: "run-1", ProjectID: "p1", Status: domain.RunSucceeded}))

			require.NoError(t, repo.CreateArtifact(ctx, &domain.Artifact{ID: "a1", RunID: "run-1", Kind: "diff", Path: "diff.patch", Bytes: 42}))
			artifacts, err := repo.ListArtifacts(ctx, "run-1")
			require.NoError(t, err)
			require.Len(t, artifacts, 1)

			fetched, err := repo.GetArtifact(ctx, "a1")
			require.NoError(t, err)
			assert.Equal(t, int64(42), fetched.Bytes)

			pattern := &domain.Pattern{
				ID:        "run-1",
				ProjectID: "p1",
				Name:      "fix-bug",
				Steps:     []string{"read file", "edit file", "run tests"},
				Variables: []domain.Variable{{Name: "target_file", Type: "path"}},
				XML:       "<reference_workflow></reference_workflow>",
			}
			require.NoError(t, repo.SavePattern(ctx, pattern))

			got, err := repo.GetPattern(ctx, "run-1")
			require.NoError(t, err)
			assert.Equal(t, "fix-bug", got.Name)
			assert.Len(t, got.Steps, 3)

			proj, err := repo.GetProject(ctx, "p1")
			require.NoError(t, err)
			assert.Equal(t, 1, proj.PatternCount)
		})
	}
}
