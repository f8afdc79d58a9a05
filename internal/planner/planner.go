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

// Package planner is a thin client to the upstream single-agent
// tool-use loop. When no planner credential is configured it degrades
// to synthetic mode, invoking the codexexec primitive directly rather
// than round-tripping over HTTP, behind the same interface as the real
// client.
package planner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/patternloop/orchestrator/internal/broker"
	"github.com/patternloop/orchestrator/internal/codexexec"
	"github.com/patternloop/orchestrator/internal/domain"
	"github.com/patternloop/orchestrator/internal/store"
	patternerrors "github.com/patternloop/orchestrator/pkg/errors"
)

// Request bundles everything the planner needs to compose its system
// prompt and invoke the exec primitive.
type Request struct {
	RunID              string
	WorkspacePath      string
	Instructions       string
	PatternBlock       string
	BasePrompt         string
	DomainInstructions string
	TaskType           domain.TaskType
	Profile            string
	PriorSessionID     string
	ProjectID          string
	Credential         string
	Timeout            time.Duration
	RequireGitRepo     bool
}

// Response is the planner's reply plus the resolved upstream session id.
type Response struct {
	Reply             string
	UpstreamSessionID string
}

// Client is the upstream planner client. It is safe for concurrent use.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	fakePlanner bool
	fakeCodex   bool
	exec        *codexexec.Executor
	repo        store.Repository
	events      *broker.Broker
}

// New constructs a Client. When fakePlanner is true or no credential is
// ever supplied on a Request, Dispatch degrades to synthetic mode: it
// records one assistant-role step standing in for the upstream agent's
// turn, then invokes the exec primitive directly.
func New(baseURL string, fakePlanner, fakeCodex bool, exec *codexexec.Executor, repo store.Repository, events *broker.Broker) *Client {
	return &Client{
		httpClient:  &http.Client{},
		baseURL:     baseURL,
		fakePlanner: fakePlanner,
		fakeCodex:   fakeCodex,
		exec:        exec,
		repo:        repo,
		events:      events,
	}
}

// Dispatch invokes the planner for one run. cancelled is threaded through
// to the exec primitive so cancellation remains transitive even when the
// planner is a real HTTP round trip that itself calls back into exec.
func (c *Client) Dispatch(ctx context.Context, req Request, cancelled codexexec.Cancelled) (Response, error) {
	if c.fakePlanner || req.Credential == "" {
		return c.dispatchSynthetic(ctx, req, cancelled)
	}
	return c.dispatchHTTP(ctx, req, cancelled)
}

func (c *Client) dispatchSynthetic(ctx context.Context, req Request, cancelled codexexec.Cancelled) (Response, error) {
	c.recordPlannerTurn(ctx, req)

	bundle := codexexec.Bundle{
		WorkspacePath:  req.WorkspacePath,
		RunID:          req.RunID,
		ProjectID:      req.ProjectID,
		TaskType:       req.TaskType,
		PriorSessionID: req.PriorSessionID,
		Profile:        req.Profile,
		FakeMode:       c.fakeCodex,
		Credential:     req.Credential,
		RequireGitRepo: req.RequireGitRepo,
		Timeout:        req.Timeout,
	}
	result, err := c.exec.Run(ctx, bundle, req.Instructions, cancelled)
	return Response{Reply: result.Summary, UpstreamSessionID: result.UpstreamSessionID}, err
}

// recordPlannerTurn persists one assistant-role step standing in for the
// upstream single-agent's reasoning turn, which synthetic mode never
// actually makes an HTTP call to observe.
func (c *Client) recordPlannerTurn(ctx context.Context, req Request) {
	if c.repo == nil {
		return
	}
	step := &domain.Step{
		RunID:     req.RunID,
		Role:      domain.RoleAssistant,
		Content:   synopsize(req.Instructions),
		OutcomeOK: true,
	}
	if err := c.repo.AppendStep(ctx, step); err != nil {
		return
	}
	if c.events != nil {
		c.events.Publish(broker.Event{RunID: req.RunID, Kind: broker.KindStep, Data: step, Timestamp: time.Now()})
	}
}

func synopsize(instructions string) string {
	s := strings.Join(strings.Fields(instructions), " ")
	const maxLen = 200
	if len(s) > maxLen {
		return s[:maxLen]
	}
	return s
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireContext struct {
	Workspace      string `json:"workspace"`
	PatternBlock   string `json:"pattern_block"`
	BasePrompt     string `json:"base_prompt"`
	TaskType       string `json:"task_type"`
	Profile        string `json:"profile"`
	PriorSessionID string `json:"prior_session_id,omitempty"`
	RunID          string `json:"run_id"`
}

type wireRequest struct {
	Messages []wireMessage `json:"messages"`
	Context  wireContext   `json:"context"`
}

type wireResponse struct {
	Reply     string `json:"reply"`
	SessionID string `json:"session_id"`
}

func (c *Client) dispatchHTTP(ctx context.Context, req Request, cancelled codexexec.Cancelled) (Response, error) {
	body := wireRequest{
		Messages: []wireMessage{{Role: "user", Content: req.Instructions}},
		Context: wireContext{
			Workspace:      req.WorkspacePath,
			PatternBlock:   req.PatternBlock,
			BasePrompt:     req.BasePrompt,
			TaskType:       string(req.TaskType),
			Profile:        req.Profile,
			PriorSessionID: req.PriorSessionID,
			RunID:          req.RunID,
		},
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return Response{}, patternerrors.NewRunError(patternerrors.CodeRuntimeError, "encoding planner request", err)
	}

	// The upstream call has no orchestrator-imposed timeout; cancellation
	// is transitive via ctx cancellation driven by the run's predicate,
	// watched on a side goroutine below.
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if cancelled != nil {
		go watchCancellation(reqCtx, cancel, cancelled)
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/v1/complete", bytes.NewReader(payload))
	if err != nil {
		return Response{}, patternerrors.NewRunError(patternerrors.CodeRuntimeError, "building planner request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.Credential != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.Credential)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if reqCtx.Err() != nil {
			return Response{}, patternerrors.NewRunError(patternerrors.CodeCancelled, "planner call cancelled", err)
		}
		return Response{}, patternerrors.NewRunError(patternerrors.CodeToolFailure, "planner request failed", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, patternerrors.NewRunError(patternerrors.CodeRuntimeError, "reading planner response", err)
	}
	if resp.StatusCode >= 400 {
		return Response{}, patternerrors.NewRunError(patternerrors.CodeToolFailure, fmt.Sprintf("planner returned %d: %s", resp.StatusCode, string(data)), nil)
	}

	var wire wireResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		return Response{}, patternerrors.NewRunError(patternerrors.CodeRuntimeError, "decoding planner response", err)
	}
	return Response{Reply: wire.Reply, UpstreamSessionID: wire.SessionID}, nil
}

func watchCancellation(ctx context.Context, cancel context.CancelFunc, cancelled codexexec.Cancelled) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if cancelled() {
				cancel()
				return
			}
		}
	}
}
