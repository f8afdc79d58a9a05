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

// Package store defines the Repository interface (typed CRUD over
// projects, runs, steps, artifacts, and cached patterns) and a
// modernc.org/sqlite-backed implementation.
package store

import (
	"context"

	"github.com/patternloop/orchestrator/internal/domain"
)

// RunFilter narrows ListRuns results.
type RunFilter struct {
	ProjectID string
}

// Repository is the typed, transactional store the run service treats as
// an opaque collaborator. List/Get return fresh structs, never the stored
// pointer itself; how deep that copy goes depends on the implementation
// (see MemoryRepository).
type Repository interface {
	UpsertProject(ctx context.Context, p *domain.Project) error
	GetProject(ctx context.Context, id string) (*domain.Project, error)
	ListProjects(ctx context.Context) ([]*domain.Project, error)
	IncrementProjectPatternCount(ctx context.Context, projectID string) error

	CreateRun(ctx context.Context, r *domain.Run) error
	UpdateRun(ctx context.Context, r *domain.Run) error
	GetRun(ctx context.Context, id string) (*domain.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*domain.Run, error)

	// AppendStep assigns the next sequence number for s.RunID under the
	// hood and persists it; sequence numbers are therefore monotone and
	// contiguous without the caller tracking them.
	AppendStep(ctx context.Context, s *domain.Step) error
	ListSteps(ctx context.Context, runID string) ([]*domain.Step, error)

	CreateArtifact(ctx context.Context, a *domain.Artifact) error
	ListArtifacts(ctx context.Context, runID string) ([]*domain.Artifact, error)
	GetArtifact(ctx context.Context, id string) (*domain.Artifact, error)

	SavePattern(ctx context.Context, p *domain.Pattern) error
	GetPattern(ctx context.Context, runID string) (*domain.Pattern, error)
}
