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

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/patternloop/orchestrator/internal/domain"
	patternerrors "github.com/patternloop/orchestrator/pkg/errors"
)

// MemoryRepository is an in-process Repository backed by maps. It is used
// in tests. It copies the top-level struct on every read and write, so
// scalar fields are never aliased; slice, map and pointer fields inside a
// record are shared with the stored copy.
type MemoryRepository struct {
	mu        sync.RWMutex
	projects  map[string]*domain.Project
	runs      map[string]*domain.Run
	steps     map[string][]*domain.Step
	artifacts map[string]*domain.Artifact
	patterns  map[string]*domain.Pattern
}

// NewMemoryRepository constructs an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		projects:  make(map[string]*domain.Project),
		runs:      make(map[string]*domain.Run),
		steps:     make(map[string][]*domain.Step),
		artifacts: make(map[string]*domain.Artifact),
		patterns:  make(map[string]*domain.Pattern),
	}
}

func (r *MemoryRepository) UpsertProject(_ context.Context, p *domain.Project) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *p
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	if existing, ok := r.projects[p.ID]; ok {
		cp.PatternCount = existing.PatternCount
		cp.CreatedAt = existing.CreatedAt
	}
	r.projects[p.ID] = &cp
	return nil
}

func (r *MemoryRepository) GetProject(_ context.Context, id string) (*domain.Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.projects[id]
	if !ok {
		return nil, &patternerrors.NotFoundError{Resource: "project", ID: id}
	}
	cp := *p
	return &cp, nil
}

func (r *MemoryRepository) ListProjects(_ context.Context) ([]*domain.Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.Project, 0, len(r.projects))
	for _, p := range r.projects {
		cp := *p
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryRepository) IncrementProjectPatternCount(_ context.Context, projectID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.projects[projectID]
	if !ok {
		return &patternerrors.NotFoundError{Resource: "project", ID: projectID}
	}
	p.PatternCount++
	return nil
}

func (r *MemoryRepository) CreateRun(_ context.Context, run *domain.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *run
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	r.runs[run.ID] = &cp
	return nil
}

func (r *MemoryRepository) UpdateRun(_ context.Context, run *domain.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[run.ID]; !ok {
		return &patternerrors.NotFoundError{Resource: "run", ID: run.ID}
	}
	cp := *run
	r.runs[run.ID] = &cp
	return nil
}

func (r *MemoryRepository) GetRun(_ context.Context, id string) (*domain.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[id]
	if !ok {
		return nil, &patternerrors.NotFoundError{Resource: "run", ID: id}
	}
	cp := *run
	return &cp, nil
}

func (r *MemoryRepository) ListRuns(_ context.Context, filter RunFilter) ([]*domain.Run, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.Run, 0, len(r.runs))
	for _, run := range r.runs {
		if filter.ProjectID != "" && run.ProjectID != filter.ProjectID {
			continue
		}
		cp := *run
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryRepository) AppendStep(_ context.Context, s *domain.Step) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now().UTC()
	}
	existing := r.steps[s.RunID]
	s.Seq = len(existing)
	cp := *s
	r.steps[s.RunID] = append(existing, &cp)
	return nil
}

func (r *MemoryRepository) ListSteps(_ context.Context, runID string) ([]*domain.Step, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	existing := r.steps[runID]
	out := make([]*domain.Step, len(existing))
	for i, s := range existing {
		cp := *s
		out[i] = &cp
	}
	return out, nil
}

func (r *MemoryRepository) CreateArtifact(_ context.Context, a *domain.Artifact) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	cp := *a
	r.artifacts[a.ID] = &cp
	return nil
}

func (r *MemoryRepository) ListArtifacts(_ context.Context, runID string) ([]*domain.Artifact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*domain.Artifact
	for _, a := range r.artifacts {
		if a.RunID != runID {
			continue
		}
		cp := *a
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (r *MemoryRepository) GetArtifact(_ context.Context, id string) (*domain.Artifact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.artifacts[id]
	if !ok {
		return nil, &patternerrors.NotFoundError{Resource: "artifact", ID: id}
	}
	cp := *a
	return &cp, nil
}

func (r *MemoryRepository) SavePattern(_ context.Context, p *domain.Pattern) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	cp := *p
	_, existed := r.patterns[p.ID]
	r.patterns[p.ID] = &cp
	if !existed {
		if proj, ok := r.projects[p.ProjectID]; ok {
			proj.PatternCount++
		}
	}
	return nil
}

func (r *MemoryRepository) GetPattern(_ context.Context, runID string) (*domain.Pattern, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.patterns[runID]
	if !ok {
		return nil, &patternerrors.NotFoundError{Resource: "pattern", ID: runID}
	}
	cp := *p
	return &cp, nil
}

var _ Repository = (*MemoryRepository)(nil)
var _ Repository = (*SQLiteRepository)(nil)
