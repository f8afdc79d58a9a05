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

// Package run implements the Run Service: the state machine that owns
// run lifecycle transitions from creation through a terminal status. Its
// per-run cancellation bookkeeping is a mutex-guarded map of run id to
// context.CancelFunc, with deep-copy snapshot reads, covering the full
// lifecycle: workspace prep, planner dispatch, diff, pattern extraction,
// and summary synthesis.
package run

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/patternloop/orchestrator/internal/broker"
	"github.com/patternloop/orchestrator/internal/codexexec"
	"github.com/patternloop/orchestrator/internal/config"
	"github.com/patternloop/orchestrator/internal/domain"
	"github.com/patternloop/orchestrator/internal/pattern"
	"github.com/patternloop/orchestrator/internal/planner"
	"github.com/patternloop/orchestrator/internal/store"
	"github.com/patternloop/orchestrator/internal/telemetry"
	"github.com/patternloop/orchestrator/internal/workspace"
	patternerrors "github.com/patternloop/orchestrator/pkg/errors"
)

// tracer is the package-wide OpenTelemetry tracer. It resolves against
// whatever TracerProvider telemetry.NewProvider registered globally;
// before that call it is a no-op tracer, so every span start below is
// always safe.
var tracer = otel.Tracer("github.com/patternloop/orchestrator/internal/run")

// ProgressPayload is the broker.KindProgress event body.
type ProgressPayload struct {
	Stage   string `json:"stage"`
	Percent int    `json:"percent"`
	Message string `json:"message,omitempty"`
}

// WorkspacePayload is the broker.KindWorkspace event body.
type WorkspacePayload struct {
	SourceFound   bool     `json:"source_found"`
	CopiedEntries []string `json:"copied_entries,omitempty"`
}

// ErrorPayload is the broker.KindError event body.
type ErrorPayload struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Recovery string `json:"recovery,omitempty"`
}

// CreateRunInput is the validated create-run request.
type CreateRunInput struct {
	ProjectID      string
	Name           string
	Instructions   string
	TaskType       domain.TaskType
	ReferenceRunID string
	FromRunID      string
}

type runState struct {
	cancel    context.CancelFunc
	cancelled atomic.Bool
}

// Service is the orchestrator. One Service instance owns every in-flight
// run lifecycle for a process.
type Service struct {
	mu     sync.RWMutex
	active map[string]*runState

	repo       store.Repository
	events     *broker.Broker
	workspaces *workspace.Manager
	planner    *planner.Client
	extractor  *pattern.Extractor
	registry   *codexexec.Registry
	cfg        *config.Config
	metrics    *telemetry.Metrics
	logger     *slog.Logger
}

// New constructs a Service wiring together every collaborator component.
func New(
	repo store.Repository,
	events *broker.Broker,
	workspaces *workspace.Manager,
	plannerClient *planner.Client,
	extractor *pattern.Extractor,
	registry *codexexec.Registry,
	cfg *config.Config,
	metrics *telemetry.Metrics,
	logger *slog.Logger,
) *Service {
	return &Service{
		active:     make(map[string]*runState),
		repo:       repo,
		events:     events,
		workspaces: workspaces,
		planner:    plannerClient,
		extractor:  extractor,
		registry:   registry,
		cfg:        cfg,
		metrics:    metrics,
		logger:     logger,
	}
}

const (
	maxInstructionsLen = 10000
	minInstructionsLen = 1
)

// CreateRun validates input, persists a queued run, and asynchronously
// launches its lifecycle. Validation failures return INVALID_INPUT
// without side effects.
func (s *Service) CreateRun(ctx context.Context, input CreateRunInput) (*domain.Run, error) {
	if err := validateCreateRun(input); err != nil {
		return nil, err
	}

	taskType := input.TaskType
	if taskType == "" {
		if p, err := s.repo.GetProject(ctx, input.ProjectID); err == nil {
			taskType = p.TaskType
		}
	}

	now := time.Now().UTC()
	r := &domain.Run{
		ID:             uuid.New().String()[:8],
		ProjectID:      input.ProjectID,
		TaskType:       taskType,
		Name:           input.Name,
		Instructions:   input.Instructions,
		Status:         domain.RunQueued,
		Progress:       0,
		ReferenceRunID: input.ReferenceRunID,
		SourceRunID:    input.FromRunID,
		CreatedAt:      now,
	}
	if err := s.repo.CreateRun(ctx, r); err != nil {
		return nil, err
	}

	s.launch(r.ID)
	return r, nil
}

func validateCreateRun(input CreateRunInput) error {
	if strings.TrimSpace(input.ProjectID) == "" {
		return &patternerrors.ValidationError{Field: "project_id", Message: "must not be empty"}
	}
	if l := len(input.Instructions); l < minInstructionsLen || l > maxInstructionsLen {
		return &patternerrors.ValidationError{Field: "instructions", Message: fmt.Sprintf("must be between %d and %d characters", minInstructionsLen, maxInstructionsLen)}
	}
	if input.TaskType != "" && !domain.ValidTaskTypes[input.TaskType] {
		return &patternerrors.ValidationError{Field: "task_type", Message: fmt.Sprintf("unrecognized task type %q", input.TaskType)}
	}
	return nil
}

// launch starts a run's lifecycle in its own goroutine, tracked in the
// active map under a dedicated cancellable context.
func (s *Service) launch(runID string) {
	lifecycleCtx, cancel := context.WithCancel(context.Background())
	state := &runState{cancel: cancel}

	s.mu.Lock()
	s.active[runID] = state
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.active, runID)
			s.mu.Unlock()
			cancel()
		}()
		s.runLifecycle(lifecycleCtx, runID, state)
	}()
}

func (s *Service) isCancelled(runID string) func() bool {
	return func() bool {
		s.mu.RLock()
		state, ok := s.active[runID]
		s.mu.RUnlock()
		return ok && state.cancelled.Load()
	}
}

// Cancel sets the durable cancellation flag for runID, signals any live
// subprocess, and publishes cancellation_requested. It is idempotent and
// a no-op on terminal runs, which return INVALID_INPUT (mapped to HTTP
// 400).
func (s *Service) Cancel(ctx context.Context, runID string) error {
	r, err := s.repo.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if r.Status.IsTerminal() {
		return &patternerrors.ValidationError{Field: "id", Message: "run is already terminal"}
	}

	s.mu.RLock()
	state, ok := s.active[runID]
	s.mu.RUnlock()
	if ok {
		state.cancelled.Store(true)
	}
	s.registry.Signal(runID)

	s.events.Publish(broker.Event{RunID: runID, Kind: broker.KindCancellationRequested, Timestamp: time.Now()})
	return nil
}

// WorkspaceDiff returns the git diff summary for runID's workspace, or nil
// if the run has no workspace or it is not a git repository.
func (s *Service) WorkspaceDiff(ctx context.Context, runID string) (*workspace.DiffSummary, error) {
	r, err := s.repo.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	path, err := s.workspaces.Path(r.ProjectID, r.ID)
	if err != nil {
		return nil, err
	}
	return s.workspaces.DiffSummary(ctx, path), nil
}

// WorkspaceFiles lists every file under runID's workspace.
func (s *Service) WorkspaceFiles(ctx context.Context, runID string) ([]workspace.FileEntry, error) {
	r, err := s.repo.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	path, err := s.workspaces.Path(r.ProjectID, r.ID)
	if err != nil {
		return nil, err
	}
	return s.workspaces.ListFiles(path)
}

// WorkspaceFile returns the bytes of rel resolved under runID's workspace.
func (s *Service) WorkspaceFile(ctx context.Context, runID, rel string) ([]byte, error) {
	r, err := s.repo.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	path, err := s.workspaces.Path(r.ProjectID, r.ID)
	if err != nil {
		return nil, err
	}
	return s.workspaces.ReadFile(path, rel)
}

// Subscribe exposes the event broker for SSE streaming.
func (s *Service) Subscribe(runID string) (<-chan broker.Event, func()) {
	return s.events.Subscribe(runID)
}

// Repo exposes the repository for read-only HTTP handlers.
func (s *Service) Repo() store.Repository { return s.repo }

func (s *Service) publishProgress(runID, stage string, percent int) {
	s.events.Publish(broker.Event{
		RunID:     runID,
		Kind:      broker.KindProgress,
		Data:      ProgressPayload{Stage: stage, Percent: percent},
		Timestamp: time.Now(),
	})
}

func (s *Service) publishStatus(runID string, status domain.RunStatus) {
	s.events.Publish(broker.Event{
		RunID:     runID,
		Kind:      broker.KindStatus,
		Data:      string(status),
		Timestamp: time.Now(),
	})
}

func (s *Service) setProgress(ctx context.Context, r *domain.Run, percent int, stage string) error {
	r.Progress = percent
	if err := s.repo.UpdateRun(ctx, r); err != nil {
		return err
	}
	s.publishProgress(r.ID, stage, percent)
	return nil
}

// endStage closes out a stage span and records its wall-clock duration.
// err may be nil; a nil err marks the span Ok, otherwise the span
// carries the error and is marked Error.
func (s *Service) endStage(span trace.Span, start time.Time, stage string, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
	if s.metrics != nil {
		s.metrics.RecordStage(stage, time.Since(start))
	}
}

// runLifecycle is the state machine body: prepare, compose, dispatch,
// diff, extract, finalize. Errors from stages 1-4 are captured and drive
// a failed/cancelled terminal transition rather than propagating;
// finalization always runs. The whole body executes under a root span,
// with one child span per stage, so a trace backend can show where a
// run's wall-clock time actually went.
func (s *Service) runLifecycle(ctx context.Context, runID string, state *runState) {
	r, err := s.repo.GetRun(ctx, runID)
	if err != nil {
		s.logger.Error("run lifecycle: loading run failed", slog.String("run_id", runID), slog.Any("error", err))
		return
	}

	ctx, runSpan := tracer.Start(ctx, "run.lifecycle", trace.WithAttributes(
		attribute.String("run.id", r.ID),
		attribute.String("run.project_id", r.ProjectID),
		attribute.String("run.task_type", string(r.TaskType)),
	))
	defer runSpan.End()
	r.TraceID = runSpan.SpanContext().TraceID().String()

	logger := telemetry.WithRun(s.logger, r.ID, r.ProjectID)
	if s.metrics != nil {
		s.metrics.RecordRunStart(r.ProjectID, string(r.TaskType))
	}

	var runErrors []domain.RunError
	cancelled := s.isCancelled(runID)

	stageCtx, stageSpan := tracer.Start(ctx, "run.stage.prepare")
	stageStart := time.Now()
	wsPath, sourceFound, copiedEntries, err := s.stagePrepare(stageCtx, r)
	s.endStage(stageSpan, stageStart, "prepare", err)
	if err != nil {
		runErrors = append(runErrors, classify(err))
		logger.Warn("workspace prepare failed", slog.Any("error", err))
	} else {
		s.events.Publish(broker.Event{
			RunID: r.ID, Kind: broker.KindWorkspace,
			Data:      WorkspacePayload{SourceFound: sourceFound, CopiedEntries: copiedEntries},
			Timestamp: time.Now(),
		})
	}

	if len(runErrors) == 0 {
		stageCtx, stageSpan := tracer.Start(ctx, "run.stage.compose")
		stageStart := time.Now()
		err := s.stageCompose(stageCtx, r)
		s.endStage(stageSpan, stageStart, "compose", err)
		if err != nil {
			runErrors = append(runErrors, classify(err))
			logger.Warn("composing instructions failed", slog.Any("error", err))
		}
	}

	r.Status = domain.RunRunning
	r.StartedAt = ptrTime(time.Now().UTC())
	if err := s.repo.UpdateRun(ctx, r); err == nil {
		s.publishStatus(r.ID, r.Status)
	}
	s.publishProgress(r.ID, "executing", 30)

	if len(runErrors) == 0 && wsPath != "" {
		stageCtx, stageSpan := tracer.Start(ctx, "run.stage.dispatch")
		stageStart := time.Now()
		upstreamSessionID, err := s.stageDispatch(stageCtx, r, wsPath, cancelled)
		s.endStage(stageSpan, stageStart, "dispatch", err)
		if err != nil {
			runErrors = append(runErrors, classify(err))
			logger.Warn("dispatch failed", slog.Any("error", err))
		} else if upstreamSessionID != "" {
			r.UpstreamSessionID = upstreamSessionID
		}
	}
	_ = s.setProgress(ctx, r, 70, "dispatched")

	if wsPath != "" {
		stageCtx, stageSpan := tracer.Start(ctx, "run.stage.diff")
		stageStart := time.Now()
		s.stageDiff(stageCtx, r, wsPath)
		s.endStage(stageSpan, stageStart, "diff", nil)
	}
	_ = s.setProgress(ctx, r, 80, "diffed")

	finalStatus := domain.RunSucceeded
	if cancelled() {
		finalStatus = domain.RunCancelled
		runErrors = append(runErrors, domain.RunError{Code: string(patternerrors.CodeCancelled), Message: "cancelled by user request"})
	} else if len(runErrors) > 0 {
		finalStatus = domain.RunFailed
	}

	if finalStatus == domain.RunSucceeded {
		stageCtx, stageSpan := tracer.Start(ctx, "run.stage.extract_pattern")
		stageStart := time.Now()
		s.stageExtractPattern(stageCtx, r)
		s.endStage(stageSpan, stageStart, "extract_pattern", nil)
	}
	// r.Status stays "running" through this progress write: the status
	// flips to terminal only in stageFinalize, alongside progress=100 and
	// the machine summary, so a reader never observes a terminal run with
	// partial progress or no summary.
	_ = s.setProgress(ctx, r, 95, "extracting_pattern")

	finalizeCtx, finalizeSpan := tracer.Start(ctx, "run.stage.finalize")
	finalizeStart := time.Now()
	s.stageFinalize(finalizeCtx, r, wsPath, finalStatus, runErrors)
	s.endStage(finalizeSpan, finalizeStart, "finalize", nil)

	if s.metrics != nil {
		s.metrics.RecordRunComplete(r.ProjectID, string(r.Status))
	}
	runSpan.SetAttributes(attribute.String("run.status", string(r.Status)))
	logger.Info("run finished", slog.String("status", string(r.Status)), slog.Bool("had_errors", r.HadErrors))
}

func (s *Service) stagePrepare(ctx context.Context, r *domain.Run) (path string, sourceFound bool, copied []string, err error) {
	s.publishProgress(r.ID, "workspace_prep", 5)
	result, err := s.workspaces.Prepare(r.ProjectID, r.ID, r.SourceRunID)
	if err != nil {
		return "", false, nil, err
	}
	s.publishProgress(r.ID, "workspace_ready", 20)
	return result.Path, result.SourceFound, result.CopiedEntries, nil
}

func (s *Service) stageCompose(ctx context.Context, r *domain.Run) error {
	patternBlock := ""
	if r.ReferenceRunID != "" {
		if p, err := s.repo.GetPattern(ctx, r.ReferenceRunID); err == nil && p != nil {
			patternBlock = p.XML
		}
	}
	basePrompt := s.cfg.Profiles.BasePrompt
	domainInstructions := s.cfg.DomainInstructions(string(r.TaskType))

	r.SystemInstructions = patternBlock + "\n\n" + basePrompt + "\n\n" + domainInstructions
	return s.repo.UpdateRun(ctx, r)
}

func (s *Service) stageDispatch(ctx context.Context, r *domain.Run, wsPath string, cancelled codexexec.Cancelled) (string, error) {
	patternBlock := ""
	if r.ReferenceRunID != "" {
		if p, err := s.repo.GetPattern(ctx, r.ReferenceRunID); err == nil && p != nil {
			patternBlock = p.XML
		}
	}
	resp, err := s.planner.Dispatch(ctx, planner.Request{
		RunID:              r.ID,
		ProjectID:          r.ProjectID,
		WorkspacePath:      wsPath,
		Instructions:       r.Instructions,
		PatternBlock:       patternBlock,
		BasePrompt:         s.cfg.Profiles.BasePrompt,
		DomainInstructions: s.cfg.DomainInstructions(string(r.TaskType)),
		TaskType:           r.TaskType,
		Profile:            "default",
		PriorSessionID:     r.UpstreamSessionID,
		Credential:         s.cfg.PlannerCredential,
		Timeout:            s.cfg.TimeoutFor("default"),
		RequireGitRepo:     s.cfg.RequireGitRepo,
	}, cancelled)
	return resp.UpstreamSessionID, err
}

func (s *Service) stageDiff(ctx context.Context, r *domain.Run, wsPath string) {
	summary := s.workspaces.DiffSummary(ctx, wsPath)
	if summary == nil {
		return
	}
	s.events.Publish(broker.Event{RunID: r.ID, Kind: broker.KindDiff, Data: summary, Timestamp: time.Now()})
}

func (s *Service) stageExtractPattern(ctx context.Context, r *domain.Run) {
	steps, err := s.repo.ListSteps(ctx, r.ID)
	if err != nil {
		s.logger.Warn("pattern extraction: listing steps failed", slog.String("run_id", r.ID), slog.Any("error", err))
		return
	}
	p := s.extractor.Extract(r.ID, r.ProjectID, r.TaskType, r.Instructions, steps)
	if p == nil {
		return
	}
	if err := s.repo.SavePattern(ctx, p); err != nil {
		s.logger.Warn("pattern extraction: saving pattern failed", slog.String("run_id", r.ID), slog.Any("error", err))
	}
}

func (s *Service) stageFinalize(ctx context.Context, r *domain.Run, wsPath string, finalStatus domain.RunStatus, runErrors []domain.RunError) {
	steps, _ := s.repo.ListSteps(ctx, r.ID)
	var files []workspace.FileEntry
	if wsPath != "" {
		if listed, err := s.workspaces.ListFiles(wsPath); err == nil {
			files = listed
		}
	}
	r.Status = finalStatus
	r.HadErrors = len(runErrors) > 0
	r.Errors = runErrors
	r.MachineSummary = synthesizeMachineSummary(r, steps, files)
	r.Progress = 100
	r.FinishedAt = ptrTime(time.Now().UTC())

	if err := s.repo.UpdateRun(ctx, r); err != nil {
		s.logger.Error("finalize: persisting run failed", slog.String("run_id", r.ID), slog.Any("error", err))
	}
	if r.HadErrors && len(r.Errors) > 0 {
		last := r.Errors[len(r.Errors)-1]
		s.events.Publish(broker.Event{
			RunID: r.ID, Kind: broker.KindError,
			Data:      ErrorPayload{Code: last.Code, Message: last.Message},
			Timestamp: time.Now(),
		})
	}
	s.publishStatus(r.ID, r.Status)
}

func classify(err error) domain.RunError {
	re := patternerrors.Classify(err)
	return domain.RunError{Code: string(re.Code), Message: re.Message}
}

func ptrTime(t time.Time) *time.Time { return &t }
