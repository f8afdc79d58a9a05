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

package run

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/patternloop/orchestrator/internal/domain"
	"github.com/patternloop/orchestrator/internal/workspace"
)

// textExtensions is the allow-list for "largest non-binary file" primary
// artifact selection.
var textExtensions = map[string]bool{
	".md": true, ".txt": true, ".csv": true, ".json": true, ".py": true,
	".go": true, ".js": true, ".ts": true, ".yaml": true, ".yml": true,
	".html": true, ".css": true, ".rst": true,
}

const goalMaxLen = 200

// synthesizeMachineSummary is the pure, total, side-effect-free
// transformation that derives a terminal run's deterministic summary
// from its observable state.
func synthesizeMachineSummary(r *domain.Run, steps []*domain.Step, files []workspace.FileEntry) *domain.MachineSummary {
	touched := map[string]bool{}
	for _, s := range steps {
		for _, f := range s.TouchedFiles {
			touched[f] = true
		}
	}

	sizes := make(map[string]int64, len(files))
	var candidates []string
	for _, f := range files {
		sizes[f.RelPath] = f.Bytes
		if len(touched) == 0 || touched[f.RelPath] {
			candidates = append(candidates, f.RelPath)
		}
	}
	sort.Strings(candidates)

	var lastAssistantTouched []string
	for i := len(steps) - 1; i >= 0; i-- {
		if steps[i].Role == domain.RoleAssistant {
			lastAssistantTouched = steps[i].TouchedFiles
			break
		}
	}

	primary := pickPrimaryArtifact(candidates, lastAssistantTouched, sizes)
	var secondary []string
	for _, c := range candidates {
		if c != primary {
			secondary = append(secondary, c)
		}
	}

	executionAttempted := false
	for _, s := range steps {
		if s.Role == domain.RoleTool {
			executionAttempted = true
			break
		}
	}

	reason := ""
	if len(r.Errors) > 0 {
		reason = r.Errors[0].Code
	}

	return &domain.MachineSummary{
		Goal:               clamp(strings.TrimSpace(r.Instructions), goalMaxLen),
		PrimaryArtifact:    primary,
		SecondaryArtifacts: secondary,
		ExecutionAttempted: executionAttempted,
		ExecutionSucceeded: r.Status == domain.RunSucceeded,
		ReasonForFailure:   reason,
	}
}

func pickPrimaryArtifact(candidates, lastAssistantTouched []string, sizes map[string]int64) string {
	if len(candidates) == 0 {
		return ""
	}

	touchedByLastAssistant := map[string]bool{}
	for _, f := range lastAssistantTouched {
		touchedByLastAssistant[f] = true
	}
	var referenced []string
	for _, c := range candidates {
		if touchedByLastAssistant[c] {
			referenced = append(referenced, c)
		}
	}
	if len(referenced) > 0 {
		sort.Strings(referenced)
		return referenced[0]
	}

	var best string
	bestSize := int64(-1)
	for _, c := range candidates {
		if !textExtensions[strings.ToLower(filepath.Ext(c))] {
			continue
		}
		sz := sizes[c]
		if sz > bestSize || (sz == bestSize && (best == "" || c < best)) {
			bestSize = sz
			best = c
		}
	}
	if best != "" {
		return best
	}

	return candidates[0]
}

func clamp(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
