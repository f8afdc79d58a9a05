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

// Package domain holds the persisted entity shapes shared by the store,
// run service, broker, and HTTP transport: Project, Run, Step, Artifact,
// and Pattern.
package domain

import "time"

// TaskType is a closed-set tag selecting the pattern extractor variant and
// domain instructions.
type TaskType string

const (
	TaskCode               TaskType = "code"
	TaskResearch           TaskType = "research"
	TaskWriting            TaskType = "writing"
	TaskDataAnalysis       TaskType = "data_analysis"
	TaskDocumentProcessing TaskType = "document_processing"
	TaskDocumentWriting    TaskType = "document_writing"
	TaskDocumentAnalysis   TaskType = "document_analysis"
)

// ValidTaskTypes lists the closed set accepted on run creation.
var ValidTaskTypes = map[TaskType]bool{
	TaskCode:               true,
	TaskResearch:           true,
	TaskWriting:            true,
	TaskDataAnalysis:       true,
	TaskDocumentProcessing: true,
	TaskDocumentWriting:    true,
	TaskDocumentAnalysis:   true,
}

// RunStatus is the run lifecycle state.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether status is one of the three absorbing states.
func (s RunStatus) IsTerminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunCancelled
}

// StepRole identifies who produced a step.
type StepRole string

const (
	RoleUser      StepRole = "user"
	RoleAssistant StepRole = "assistant"
	RoleTool      StepRole = "tool"
)

// Project is a long-lived bucket grouping runs and accumulating patterns.
type Project struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	TaskType     TaskType  `json:"task_type,omitempty"`
	PatternCount int       `json:"pattern_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// RunError is one entry in a run's structured error list.
type RunError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// MachineSummary is the deterministic, LLM-friendly record of a terminal
// run's outcome.
type MachineSummary struct {
	Goal               string   `json:"goal"`
	PrimaryArtifact    string   `json:"primary_artifact,omitempty"`
	SecondaryArtifacts []string `json:"secondary_artifacts,omitempty"`
	ExecutionAttempted bool     `json:"execution_attempted"`
	ExecutionSucceeded bool     `json:"execution_succeeded"`
	ReasonForFailure   string   `json:"reason_for_failure,omitempty"`
	Notes              string   `json:"notes,omitempty"`
}

// Run is one execution of an instruction against a project.
type Run struct {
	ID                  string          `json:"id"`
	ProjectID           string          `json:"project_id"`
	TaskType            TaskType        `json:"task_type"`
	Name                string          `json:"name"`
	Instructions        string          `json:"instructions"`
	Status              RunStatus       `json:"status"`
	Progress            int             `json:"progress"`
	ReferenceRunID      string          `json:"reference_run_id,omitempty"`
	SourceRunID         string          `json:"source_run_id,omitempty"`
	SystemInstructions  string          `json:"system_instructions,omitempty"`
	HadErrors           bool            `json:"had_errors"`
	Errors              []RunError      `json:"errors,omitempty"`
	MachineSummary      *MachineSummary `json:"machine_summary,omitempty"`
	UpstreamSessionID   string          `json:"upstream_session_id,omitempty"`
	TraceID             string          `json:"trace_id,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	StartedAt           *time.Time      `json:"started_at,omitempty"`
	FinishedAt          *time.Time      `json:"finished_at,omitempty"`
}

// Step is one observed tool-use turn persisted in order for a run.
type Step struct {
	ID           string    `json:"id"`
	RunID        string    `json:"run_id"`
	Seq          int       `json:"seq"`
	Role         StepRole  `json:"role"`
	Content      string    `json:"content"`
	TouchedFiles []string  `json:"touched_files,omitempty"`
	Notes        []string  `json:"notes,omitempty"`
	OutcomeOK    bool      `json:"outcome_ok"`
	Timestamp    time.Time `json:"timestamp"`
}

// Artifact is a persisted byte payload tied to a run.
type Artifact struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	Kind      string    `json:"kind"`
	Path      string    `json:"path"`
	Bytes     int64     `json:"bytes"`
	Timestamp time.Time `json:"timestamp"`
}

// Variable is one entry in a pattern's variable table.
type Variable struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Example     string `json:"example"`
	Description string `json:"description"`
}

// Pattern is a reusable workflow distilled from one successful run.
type Pattern struct {
	ID        string     `json:"id"` // == originating run id
	ProjectID string     `json:"project_id"`
	Name      string     `json:"name"`
	Summary   string     `json:"summary"`
	Steps     []string   `json:"steps"`
	Variables []Variable `json:"variables"`
	XML       string     `json:"xml"`
	CreatedAt time.Time  `json:"created_at"`
}

// DiffFileStatus is one file's status line in a git diff summary.
type DiffFileStatus struct {
	Path   string `json:"path"`
	Status string `json:"status"`
}

// DiffSummary is the structured git diff summary for a workspace.
type DiffSummary struct {
	Branch    string           `json:"branch"`
	ShortStat string           `json:"shortstat"`
	Files     []DiffFileStatus `json:"files"`
	FullStat  string           `json:"full_stat"`
}
