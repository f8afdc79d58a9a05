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

// Package ctlclient is the REST client patternloopctl uses to talk to
// patternloopd. It wraps plain net/http calls over the surface mounted
// by internal/httpapi, decoding the {detail: <string>} error shape into
// a plain Go error.
package ctlclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/patternloop/orchestrator/internal/domain"
)

// Client is a thin REST client bound to one patternloopd base URL.
type Client struct {
	baseURL string
	http    *http.Client
}

// New constructs a Client targeting addr, e.g. "http://localhost:8080".
func New(addr string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(addr, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// apiError mirrors internal/httpapi's {detail: <string>} error body.
type apiError struct {
	Detail string `json:"detail"`
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("ctlclient: encoding request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("ctlclient: building request: %w", err)
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ctlclient: calling patternloopd: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr apiError
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Detail == "" {
			apiErr.Detail = resp.Status
		}
		return fmt.Errorf("patternloopd: %s", apiErr.Detail)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// UpsertProject creates or updates a project, returning the stored record.
func (c *Client) UpsertProject(ctx context.Context, id, name string, taskType domain.TaskType) (*domain.Project, error) {
	var project domain.Project
	body := map[string]any{"name": name}
	if taskType != "" {
		body["task_type"] = taskType
	}
	if err := c.do(ctx, http.MethodPut, "/projects/"+url.PathEscape(id), body, &project); err != nil {
		return nil, err
	}
	return &project, nil
}

// ListProjects returns every known project.
func (c *Client) ListProjects(ctx context.Context) ([]*domain.Project, error) {
	var out struct {
		Projects []*domain.Project `json:"projects"`
	}
	if err := c.do(ctx, http.MethodGet, "/projects", nil, &out); err != nil {
		return nil, err
	}
	return out.Projects, nil
}

// CreateRunInput is the subset of run.CreateRunInput exposed to operators.
type CreateRunInput struct {
	Name           string          `json:"name,omitempty"`
	Instructions   string          `json:"instructions"`
	TaskType       domain.TaskType `json:"task_type,omitempty"`
	ReferenceRunID string          `json:"reference_run_id,omitempty"`
	FromRunID      string          `json:"from_run_id,omitempty"`
}

// CreateRun submits a new run under projectID.
func (c *Client) CreateRun(ctx context.Context, projectID string, input CreateRunInput) (*domain.Run, error) {
	var run domain.Run
	if err := c.do(ctx, http.MethodPost, "/projects/"+url.PathEscape(projectID)+"/runs", input, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// GetRun fetches a run's current state.
func (c *Client) GetRun(ctx context.Context, id string) (*domain.Run, error) {
	var run domain.Run
	if err := c.do(ctx, http.MethodGet, "/runs/"+url.PathEscape(id), nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// CancelRun requests cancellation of an in-flight run.
func (c *Client) CancelRun(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/runs/"+url.PathEscape(id)+"/cancel", nil, nil)
}

// Tail streams Server-Sent Events for a run to w, one decoded "data: "
// payload per line, until the server closes the connection or ctx is
// canceled.
func (c *Client) Tail(ctx context.Context, id string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/runs/"+url.PathEscape(id)+"/stream", nil)
	if err != nil {
		return fmt.Errorf("ctlclient: building stream request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ctlclient: opening stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr apiError
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return fmt.Errorf("patternloopd: %s", apiErr.Detail)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		fmt.Fprintln(w, strings.TrimPrefix(line, "data: "))
	}
	return scanner.Err()
}
