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

// Package codexexec implements the `exec` primitive: the planner's only
// tool, launching the external code-generation CLI, streaming its JSONL
// output into persisted steps, and registering the raw stream as an
// artifact. Subprocess invocation runs in the run's workdir as a
// long-lived, line-streamed command rather than a single buffered one,
// with a best-effort field extractor for pulling role/content-like
// values out of heterogeneously-shaped JSONL events.
package codexexec

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/itchyny/gojq"
	"golang.org/x/time/rate"

	"github.com/patternloop/orchestrator/internal/broker"
	"github.com/patternloop/orchestrator/internal/domain"
	"github.com/patternloop/orchestrator/internal/store"
	patternerrors "github.com/patternloop/orchestrator/pkg/errors"
)

const binaryName = "codex"

// Bundle is the per-run context the exec primitive needs to launch and
// supervise the code-generation subprocess.
type Bundle struct {
	WorkspacePath  string
	RunID          string
	ProjectID      string
	TaskType       domain.TaskType
	PriorSessionID string
	Profile        string
	FakeMode       bool
	Credential     string
	RequireGitRepo bool
	Timeout        time.Duration
}

// Result is returned to the planner (and, in synthetic mode, straight to
// the run service).
type Result struct {
	Summary           string
	UpstreamSessionID string
}

// Registry is the process-wide run-id -> live-subprocess map guarding
// cooperative cancellation.
type Registry struct {
	mu    sync.Mutex
	procs map[string]*exec.Cmd
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{procs: make(map[string]*exec.Cmd)}
}

func (r *Registry) register(runID string, cmd *exec.Cmd) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs[runID] = cmd
}

func (r *Registry) deregister(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.procs, runID)
}

// Signal sends an interrupt to runID's live subprocess, if any, and
// reports whether one was found.
func (r *Registry) Signal(runID string) bool {
	r.mu.Lock()
	cmd, ok := r.procs[runID]
	r.mu.Unlock()
	if !ok || cmd.Process == nil {
		return false
	}
	_ = cmd.Process.Signal(os.Interrupt)
	return true
}

// Executor runs the exec primitive against a real or fake CLI.
type Executor struct {
	Registry      *Registry
	Repo          store.Repository
	Events        *broker.Broker
	ArtifactsRoot string

	// reloginLimiter caps automatic relogin attempts across the whole
	// process to one per window, so a storm of CODEX_AUTH_REQUIRED
	// failures cannot hammer the credential provider.
	reloginLimiter *rate.Limiter
}

// NewExecutor constructs an Executor. artifactsRoot is created if absent.
func NewExecutor(registry *Registry, repo store.Repository, events *broker.Broker, artifactsRoot string) (*Executor, error) {
	if err := os.MkdirAll(artifactsRoot, 0o755); err != nil {
		return nil, fmt.Errorf("codexexec: creating artifacts root: %w", err)
	}
	return &Executor{
		Registry:       registry,
		Repo:           repo,
		Events:         events,
		ArtifactsRoot:  artifactsRoot,
		reloginLimiter: rate.NewLimiter(rate.Every(time.Minute), 1),
	}, nil
}

// Cancelled is the cooperative-cancellation predicate the run service
// supplies; checked between JSONL lines.
type Cancelled func() bool

// Run executes one invocation of the exec primitive: fake-mode stub, or a
// real subprocess whose JSONL stdout is streamed into persisted steps.
func (e *Executor) Run(ctx context.Context, b Bundle, prompt string, cancelled Cancelled) (Result, error) {
	if b.FakeMode {
		return e.runFake(ctx, b)
	}
	return e.runReal(ctx, b, prompt, cancelled)
}

func (e *Executor) runFake(ctx context.Context, b Bundle) (Result, error) {
	if err := e.appendStep(ctx, b.RunID, domain.RoleTool, "codex_exec(fake)", nil, []string{"fake-codex-mode"}, true); err != nil {
		return Result{}, err
	}
	fakeLine, _ := json.Marshal(rawEvent{Type: "tool_call", Command: "codex_exec(fake)"})
	if err := e.registerJSONLArtifact(ctx, b.RunID, append(fakeLine, '\n')); err != nil {
		return Result{}, err
	}
	return Result{Summary: "fake-codex: 0 files touched, exit 0"}, nil
}

func (e *Executor) runReal(ctx context.Context, b Bundle, prompt string, cancelled Cancelled) (Result, error) {
	if b.RequireGitRepo {
		if _, err := os.Stat(filepath.Join(b.WorkspacePath, ".git")); err != nil {
			return Result{}, patternerrors.NewRunError(patternerrors.CodeWorkspacePathInval, "workspace is not a git repository", err)
		}
	}
	if _, err := exec.LookPath(binaryName); err != nil {
		return Result{}, patternerrors.NewRunError(patternerrors.CodeCodexNotInstalled, "codex binary not found on PATH", err)
	}

	timeout := b.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := e.spawnAndStream(runCtx, b, prompt, cancelled)
	if err != nil && patternerrors.Classify(err).Code == patternerrors.CodeCodexAuthRequired && e.reloginLimiter.Allow() {
		if reloginErr := e.relogin(runCtx, b); reloginErr == nil {
			return e.spawnAndStream(runCtx, b, prompt, cancelled)
		}
	}
	return result, err
}

func (e *Executor) relogin(ctx context.Context, b Bundle) error {
	cmd := exec.CommandContext(ctx, binaryName, "login", "--with-api-key")
	cmd.Dir = b.WorkspacePath
	cmd.Env = sanitizedEnv(b.Credential)
	return cmd.Run()
}

func sanitizedEnv(credential string) []string {
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + os.Getenv("HOME"),
	}
	if credential != "" {
		env = append(env, "OPENAI_API_KEY="+credential)
	}
	return env
}

func (e *Executor) spawnAndStream(ctx context.Context, b Bundle, prompt string, cancelled Cancelled) (Result, error) {
	args := []string{"exec", "--json", "--non-interactive", "--full-auto", "--profile", b.Profile}
	if b.PriorSessionID != "" {
		args = append(args, "--session", b.PriorSessionID)
	}
	args = append(args, prompt)

	cmd := exec.CommandContext(ctx, binaryName, args...)
	cmd.Dir = b.WorkspacePath
	cmd.Env = sanitizedEnv(b.Credential)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, patternerrors.NewRunError(patternerrors.CodeRuntimeError, "creating stdout pipe", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return Result{}, patternerrors.NewRunError(patternerrors.CodeToolFailure, "starting codex", err)
	}
	e.Registry.register(b.RunID, cmd)
	defer e.Registry.deregister(b.RunID)

	var (
		raw            bytes.Buffer
		touchedTotal   = map[string]struct{}{}
		sessionID      string
		wasCancelled   bool
	)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		raw.WriteString(line)
		raw.WriteByte('\n')

		if cancelled != nil && cancelled() {
			wasCancelled = true
			e.terminateGracefully(cmd)
			break
		}

		ev, parseErr := parseEvent(line)
		if parseErr != nil {
			continue
		}
		if ev.SessionID != "" {
			sessionID = ev.SessionID
		}
		for _, f := range ev.TouchedFiles {
			touchedTotal[f] = struct{}{}
		}
		if err := e.appendStep(ctx, b.RunID, ev.Role, ev.Content, ev.TouchedFiles, ev.Notes, ev.OutcomeOK); err != nil {
			continue
		}
	}

	waitErr := cmd.Wait()
	artifactErr := e.registerJSONLArtifact(ctx, b.RunID, raw.Bytes())

	if wasCancelled {
		return Result{Summary: "cancelled by user request", UpstreamSessionID: sessionID},
			patternerrors.NewRunError(patternerrors.CodeCancelled, "run cancelled during exec", nil)
	}

	exitCode := cmd.ProcessState.ExitCode()
	summary := fmt.Sprintf("codex exec: exit=%d, touched=%d files", exitCode, len(touchedTotal))

	if waitErr != nil {
		if strings.Contains(stderr.String(), "not authenticated") || strings.Contains(stderr.String(), "401") {
			return Result{Summary: summary, UpstreamSessionID: sessionID},
				patternerrors.NewRunError(patternerrors.CodeCodexAuthRequired, "codex reported an authentication failure", waitErr)
		}
		if ctx.Err() != nil {
			return Result{Summary: summary, UpstreamSessionID: sessionID},
				patternerrors.NewRunError(patternerrors.CodeTimeout, "codex exceeded its wall-clock budget", waitErr)
		}
		return Result{Summary: summary, UpstreamSessionID: sessionID},
			patternerrors.NewRunError(patternerrors.CodeToolFailure, "codex exited non-zero", waitErr)
	}
	return Result{Summary: summary, UpstreamSessionID: sessionID}, artifactErr
}

// terminateGracefully sends an interrupt, waits up to 5s, then kills.
func (e *Executor) terminateGracefully(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(os.Interrupt)
	done := make(chan struct{})
	go func() {
		_, _ = cmd.Process.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		_ = cmd.Process.Kill()
	}
}

// event is the normalized shape the exec loop persists as a step,
// decoded opportunistically: well-formed lines match via json.Unmarshal
// into named fields; lines in an unanticipated vendor shape still yield a
// role/content pair through a gojq field probe rather than being
// dropped.
type event struct {
	Role         domain.StepRole
	Content      string
	TouchedFiles []string
	Notes        []string
	OutcomeOK    bool
	SessionID    string
}

type rawEvent struct {
	Type      string   `json:"type"`
	Role      string   `json:"role"`
	Message   string   `json:"message"`
	Command   string   `json:"command"`
	Output    string   `json:"output"`
	ExitCode  *int     `json:"exit_code"`
	Files     []string `json:"files"`
	SessionID string   `json:"session_id"`
}

func parseEvent(line string) (event, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return event{}, fmt.Errorf("codexexec: empty line")
	}
	var raw rawEvent
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return probeWithJQ(line)
	}

	ev := event{SessionID: raw.SessionID, TouchedFiles: raw.Files, OutcomeOK: true}
	switch raw.Type {
	case "assistant_message", "assistant":
		ev.Role = domain.RoleAssistant
		ev.Content = clampOneLine(raw.Message)
	case "tool_call":
		ev.Role = domain.RoleTool
		ev.Content = clampOneLine(raw.Command)
		if raw.Command != "" {
			ev.Notes = append(ev.Notes, "command: "+raw.Command)
		}
	case "tool_result":
		ev.Role = domain.RoleTool
		ev.Content = clampOneLine(raw.Output)
		if raw.ExitCode != nil {
			ev.Notes = append(ev.Notes, fmt.Sprintf("exit_code: %d", *raw.ExitCode))
			ev.OutcomeOK = *raw.ExitCode == 0
		}
	case "session_meta", "session":
		ev.Role = domain.RoleTool
		ev.Content = "session started"
	default:
		return probeWithJQ(line)
	}
	return ev, nil
}

// probeWithJQ handles JSONL lines that parse as JSON but don't match the
// anticipated envelope shape, pulling out whatever role/content-like
// fields exist via ad-hoc jq-style field extraction.
func probeWithJQ(line string) (event, error) {
	var data any
	if err := json.Unmarshal([]byte(line), &data); err != nil {
		return event{}, err
	}
	content := extractFirstString(data, ".content // .text // .message // .output")
	if content == "" {
		return event{}, fmt.Errorf("codexexec: no recognizable content field")
	}
	return event{Role: domain.RoleTool, Content: clampOneLine(content), OutcomeOK: true}, nil
}

func extractFirstString(data any, expr string) string {
	query, err := gojq.Parse(expr)
	if err != nil {
		return ""
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return ""
	}
	iter := code.Run(data)
	for {
		v, ok := iter.Next()
		if !ok {
			return ""
		}
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
}

func clampOneLine(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Join(strings.Fields(s), " ")
	const maxLen = 4000
	if len(s) > maxLen {
		return s[:maxLen]
	}
	return s
}

func (e *Executor) appendStep(ctx context.Context, runID string, role domain.StepRole, content string, touched, notes []string, outcomeOK bool) error {
	step := &domain.Step{
		RunID:        runID,
		Role:         role,
		Content:      content,
		TouchedFiles: touched,
		Notes:        notes,
		OutcomeOK:    outcomeOK,
	}
	if err := e.Repo.AppendStep(ctx, step); err != nil {
		return err
	}
	e.Events.Publish(broker.Event{
		RunID:     runID,
		Kind:      broker.KindStep,
		Data:      step,
		Timestamp: time.Now(),
	})
	return nil
}

func (e *Executor) registerJSONLArtifact(ctx context.Context, runID string, data []byte) error {
	id := uuid.NewString()
	dir := filepath.Join(e.ArtifactsRoot, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return patternerrors.NewRunError(patternerrors.CodePermissionError, "creating artifact directory", err)
	}
	relPath := filepath.Join(runID, id+".jsonl")
	absPath := filepath.Join(e.ArtifactsRoot, relPath)
	if err := os.WriteFile(absPath, data, 0o644); err != nil {
		return patternerrors.NewRunError(patternerrors.CodePermissionError, "writing jsonl artifact", err)
	}

	artifact := &domain.Artifact{
		ID:    id,
		RunID: runID,
		Kind:  "codex-jsonl",
		Path:  absPath,
		Bytes: int64(len(data)),
	}
	if err := e.Repo.CreateArtifact(ctx, artifact); err != nil {
		return err
	}
	e.Events.Publish(broker.Event{RunID: runID, Kind: broker.KindArtifact, Data: artifact, Timestamp: time.Now()})
	return nil
}
