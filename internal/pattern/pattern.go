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

// Package pattern distills a bounded, reusable `<reference_workflow>` XML
// block plus a variable table from a run's persisted steps. Variable
// classification caches compiled github.com/expr-lang/expr programs,
// keyed by expression text, to decide whether a regex-extracted literal
// qualifies as a pattern variable.
package pattern

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/patternloop/orchestrator/internal/domain"
)

const maxSteps = 12
const maxSummaryLen = 160
const maxContentLen = 160

// Extractor turns a run's steps into a cached Pattern.
type Extractor struct {
	classifiers map[string]*vm.Program
}

// New compiles the variable-class acceptance predicates once and caches
// them for reuse across extractions.
func New() *Extractor {
	x := &Extractor{classifiers: make(map[string]*vm.Program)}
	for class, src := range classPredicates {
		program, err := expr.Compile(src, expr.Env(candidateEnv{}))
		if err != nil {
			// A predicate failing to compile degrades to "accept
			// everything" for that class rather than panicking;
			// extraction must always produce a result.
			continue
		}
		x.classifiers[class] = program
	}
	return x
}

// candidateEnv is the evaluation environment for a class predicate.
type candidateEnv struct {
	Value string
	Len   int
}

// classPredicates gates obviously-noisy matches out of each variable
// class by dropping any match shorter than that class's minimum length.
var classPredicates = map[string]string{
	"file_reference": `Len >= 3`,
	"range":          `Len >= 2`,
	"substitution":   `Len >= 3`,
	"citation":       `Len >= 2`,
	"url":            `Len >= 10`,
	"document_format": `Len >= 2`,
	"template":       `Len >= 3`,
	"chart_type":     `Len >= 4`,
	"dataset_name":   `Len >= 3`,
	"tone_audience":  `Len >= 3`,
}

var classPatterns = map[string]*regexp.Regexp{
	"file_reference":  regexp.MustCompile(`\b[\w./-]+\.[A-Za-z]{1,5}\b`),
	"range":           regexp.MustCompile(`\b\d+\s*(?:-|to|\.\.)\s*\d+\b`),
	"substitution":    regexp.MustCompile(`\b[\w-]+\s*(?:->|→|with)\s*[\w-]+\b`),
	"citation":        regexp.MustCompile(`\[\d+\]|\([A-Z][a-zA-Z]+,\s*\d{4}\)`),
	"url":             regexp.MustCompile(`https?://[^\s)]+`),
	"document_format":  regexp.MustCompile(`(?i)\b(pdf|docx|xlsx|pptx|csv|md|txt|json|yaml|html)\b`),
	"template":        regexp.MustCompile(`\{\{[^{}]+\}\}`),
	"chart_type":      regexp.MustCompile(`(?i)\b(bar chart|line chart|pie chart|scatter plot|histogram|heatmap)\b`),
	"dataset_name":    regexp.MustCompile(`\b[\w-]+\.(?:csv|parquet|jsonl?)\b`),
	"tone_audience":   regexp.MustCompile(`(?i)\b(formal|casual|technical|beginner|executive|friendly|concise audience)\b`),
}

// taskClasses restricts which classes each task type scans for, so a
// writing run doesn't get noise from "range" matches meant for code
// diffs, and vice versa.
var taskClasses = map[domain.TaskType][]string{
	domain.TaskCode:               {"file_reference", "range", "substitution"},
	domain.TaskResearch:           {"citation", "url", "dataset_name"},
	domain.TaskWriting:            {"tone_audience", "template"},
	domain.TaskDataAnalysis:       {"dataset_name", "chart_type", "range"},
	domain.TaskDocumentProcessing: {"document_format", "file_reference"},
	domain.TaskDocumentWriting:    {"document_format", "template", "tone_audience"},
	domain.TaskDocumentAnalysis:   {"document_format", "citation", "dataset_name"},
}

// Extract distills steps into a reusable Pattern. It never panics or
// returns an error; an unusable step list yields a nil Pattern.
func (x *Extractor) Extract(runID, projectID string, taskType domain.TaskType, instructions string, steps []*domain.Step) *domain.Pattern {
	surviving := filterSteps(steps)
	if len(surviving) == 0 {
		return nil
	}
	capped := capSteps(surviving, maxSteps)

	contents := make([]string, len(capped))
	for i, s := range capped {
		contents[i] = normalize(s.Content, maxContentLen)
	}

	summary := normalize(firstAssistantSummary(capped), maxSummaryLen)
	corpus := instructions + "\n" + strings.Join(contents, "\n")
	variables := x.discoverVariables(taskType, corpus)

	return &domain.Pattern{
		ID:        runID,
		ProjectID: projectID,
		Name:      deriveName(summary),
		Summary:   summary,
		Steps:     contents,
		Variables: variables,
		XML:       renderXML(runID, summary, contents, variables),
	}
}

func filterSteps(steps []*domain.Step) []*domain.Step {
	var out []*domain.Step
	for _, s := range steps {
		if !s.OutcomeOK {
			continue
		}
		if s.Role != domain.RoleAssistant && s.Role != domain.RoleTool {
			continue
		}
		out = append(out, s)
	}
	return out
}

func capSteps(steps []*domain.Step, n int) []*domain.Step {
	if len(steps) <= n {
		return steps
	}
	return steps[:n]
}

func normalize(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > maxLen {
		return s[:maxLen]
	}
	return s
}

func firstAssistantSummary(steps []*domain.Step) string {
	for _, s := range steps {
		if s.Role == domain.RoleAssistant {
			return s.Content
		}
	}
	return steps[0].Content
}

func deriveName(summary string) string {
	words := strings.Fields(strings.ToLower(summary))
	if len(words) > 6 {
		words = words[:6]
	}
	name := strings.Join(words, "-")
	name = strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			return r
		}
		return -1
	}, name)
	if name == "" {
		return "unnamed-pattern"
	}
	return name
}

// discoverVariables runs each class relevant to taskType over corpus,
// keeping distinct literals in first-seen order, each passed through its
// compiled acceptance predicate.
func (x *Extractor) discoverVariables(taskType domain.TaskType, corpus string) []domain.Variable {
	classes, ok := taskClasses[taskType]
	if !ok {
		classes = []string{"file_reference", "url", "document_format"}
	}

	seen := make(map[string]bool)
	var vars []domain.Variable
	for _, class := range classes {
		re, ok := classPatterns[class]
		if !ok {
			continue
		}
		for _, match := range re.FindAllString(corpus, -1) {
			if seen[match] {
				continue
			}
			if !x.accepts(class, match) {
				continue
			}
			seen[match] = true
			vars = append(vars, domain.Variable{
				Name:        varName(class, len(vars)),
				Type:        class,
				Example:     match,
				Description: classDescription(class),
			})
		}
	}
	return vars
}

func (x *Extractor) accepts(class, value string) bool {
	program, ok := x.classifiers[class]
	if !ok {
		return true
	}
	out, err := expr.Run(program, candidateEnv{Value: value, Len: len(value)})
	if err != nil {
		return true
	}
	accepted, _ := out.(bool)
	return accepted
}

func varName(class string, index int) string {
	return fmt.Sprintf("%s_%s", class, strconv.Itoa(index+1))
}

func classDescription(class string) string {
	switch class {
	case "file_reference":
		return "a file path referenced in the instructions or steps"
	case "range":
		return "a numeric range (e.g. line numbers)"
	case "substitution":
		return "a find/replace or rename pair"
	case "citation":
		return "a citation marker or reference"
	case "url":
		return "a referenced URL"
	case "document_format":
		return "a target document format"
	case "template":
		return "a template placeholder"
	case "chart_type":
		return "a requested chart or visualization type"
	case "dataset_name":
		return "a referenced dataset file"
	case "tone_audience":
		return "a tone or audience marker"
	default:
		return ""
	}
}

func renderXML(runID, summary string, steps []string, vars []domain.Variable) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<reference_workflow id=\"pat-%s\">\n", runID)
	fmt.Fprintf(&b, "What worked before: %s\n\n", summary)
	b.WriteString("Sequence:\n")
	for i, s := range steps {
		fmt.Fprintf(&b, "%d. %s\n", i+1, s)
	}
	b.WriteString("\nVariables:\n")
	for _, v := range vars {
		fmt.Fprintf(&b, "- %s: %s (ex: %s)\n", v.Name, v.Type, v.Example)
	}
	b.WriteString("\nApply the same sequence when it fits...\n")
	b.WriteString("</reference_workflow>")
	return b.String()
}
