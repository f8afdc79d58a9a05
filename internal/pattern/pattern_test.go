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

package pattern_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patternloop/orchestrator/internal/domain"
	"github.com/patternloop/orchestrator/internal/pattern"
)

func step(role domain.StepRole, content string, ok bool) *domain.Step {
	return &domain.Step{Role: role, Content: content, OutcomeOK: ok}
}

func TestExtractReturnsNilForEmptySteps(t *testing.T) {
	x := pattern.New()
	p := x.Extract("run-1", "proj", domain.TaskCode, "do nothing", nil)
	assert.Nil(t, p)
}

func TestExtractReturnsNilWhenAllStepsFailed(t *testing.T) {
	x := pattern.New()
	steps := []*domain.Step{
		step(domain.RoleAssistant, "tried something", false),
		step(domain.RoleTool, "ran a command", false),
	}
	p := x.Extract("run-1", "proj", domain.TaskCode, "fix it", steps)
	assert.Nil(t, p)
}

func TestExtractFiltersUserStepsAndFailures(t *testing.T) {
	x := pattern.New()
	steps := []*domain.Step{
		step(domain.RoleUser, "please fix hello.py", true),
		step(domain.RoleAssistant, "read hello.py", true),
		step(domain.RoleTool, "ran failing command", false),
		step(domain.RoleTool, "edited hello.py successfully", true),
	}
	p := x.Extract("run-1", "proj", domain.TaskCode, "fix hello.py", steps)
	require.NotNil(t, p)
	assert.Len(t, p.Steps, 2)
	assert.Contains(t, p.Steps[0], "read hello.py")
}

func TestExtractCapsAtTwelveSteps(t *testing.T) {
	x := pattern.New()
	var steps []*domain.Step
	for i := 0; i < 20; i++ {
		steps = append(steps, step(domain.RoleAssistant, fmt.Sprintf("step number %d", i), true))
	}
	p := x.Extract("run-1", "proj", domain.TaskCode, "do many things", steps)
	require.NotNil(t, p)
	assert.Len(t, p.Steps, 12)
	assert.Contains(t, p.Steps[0], "step number 0")
}

func TestExtractIsIdempotent(t *testing.T) {
	x := pattern.New()
	steps := []*domain.Step{
		step(domain.RoleAssistant, "edit lines 10-20 in main.go", true),
		step(domain.RoleTool, "applied patch to main.go", true),
	}
	first := x.Extract("run-1", "proj", domain.TaskCode, "fix main.go lines 10-20", steps)
	second := x.Extract("run-1", "proj", domain.TaskCode, "fix main.go lines 10-20", steps)
	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.Equal(t, first.XML, second.XML)
	assert.Equal(t, first.Variables, second.Variables)
}

func TestExtractDiscoversTaskSpecificVariables(t *testing.T) {
	x := pattern.New()
	steps := []*domain.Step{
		step(domain.RoleAssistant, "fetched the source", true),
		step(domain.RoleTool, "saved results.csv", true),
	}
	p := x.Extract("run-1", "proj", domain.TaskResearch, "summarize https://example.com/article and cite [1]", steps)
	require.NotNil(t, p)
	var foundURL, foundCitation bool
	for _, v := range p.Variables {
		if v.Type == "url" {
			foundURL = true
		}
		if v.Type == "citation" {
			foundCitation = true
		}
	}
	assert.True(t, foundURL)
	assert.True(t, foundCitation)
}

func TestRenderedXMLContainsSteps(t *testing.T) {
	x := pattern.New()
	steps := []*domain.Step{
		step(domain.RoleAssistant, "wrote report.md", true),
	}
	p := x.Extract("run-1", "proj", domain.TaskWriting, "write a report", steps)
	require.NotNil(t, p)
	assert.Contains(t, p.XML, "pat-run-1")
	assert.Contains(t, p.XML, "wrote report.md")
	assert.Contains(t, p.XML, "</reference_workflow>")
}
