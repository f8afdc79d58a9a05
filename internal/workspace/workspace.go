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

// Package workspace materializes and confines the per-run filesystem
// sandbox: it resolves every relative path against the run's workdir
// root and rejects anything that escapes it, then shells out to git for
// diff summaries.
package workspace

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	patternerrors "github.com/patternloop/orchestrator/pkg/errors"
)

// ignorePatterns lists globs that ListFiles excludes from its walk.
var ignorePatterns = []string{".git/**"}

// Manager materializes run workspaces under a single configured root.
type Manager struct {
	root string
}

// NewManager constructs a Manager rooted at root, creating it if absent.
func NewManager(root string) (*Manager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("workspace: resolving root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("workspace: creating root: %w", err)
	}
	return &Manager{root: abs}, nil
}

// safe percent-encodes any byte outside [A-Za-z0-9._-].
func safe(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '.' || c == '_' || c == '-' {
			b.WriteByte(c)
		} else {
			b.WriteString(url.QueryEscape(string(c)))
		}
	}
	return b.String()
}

// Path returns the confined, absolute workspace directory for a
// project/run pair.
func (m *Manager) Path(projectID, runID string) (string, error) {
	p := filepath.Join(m.root, safe(projectID), safe(runID))
	resolved, err := filepath.Abs(p)
	if err != nil {
		return "", &patternerrors.RunError{Code: patternerrors.CodeWorkspacePathInval, Message: err.Error()}
	}
	if !isDescendant(m.root, resolved) {
		return "", &patternerrors.RunError{Code: patternerrors.CodeWorkspacePathInval, Message: "resolved path escapes workspace root"}
	}
	return resolved, nil
}

func isDescendant(root, candidate string) bool {
	rel, err := filepath.Rel(root, candidate)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}

// PrepareResult reports what prepare actually did, for the orchestrator's
// "workspace" event.
type PrepareResult struct {
	Path          string
	CopiedEntries []string
	SourceFound   bool
}

// Prepare creates the run's workspace directory and, if fromRunID is set
// and that run's workspace exists, deep-copies its entire contents,
// including any .git directory, into the new directory. A missing source
// is a soft condition: Prepare still succeeds with an empty workspace.
func (m *Manager) Prepare(projectID, runID, fromRunID string) (*PrepareResult, error) {
	dest, err := m.Path(projectID, runID)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, &patternerrors.RunError{Code: patternerrors.CodePermissionError, Message: err.Error(), Cause: err}
	}

	result := &PrepareResult{Path: dest}
	if fromRunID == "" {
		return result, nil
	}

	src, err := m.Path(projectID, fromRunID)
	if err != nil {
		return nil, err
	}
	if _, statErr := os.Stat(src); statErr != nil {
		result.SourceFound = false
		return result, nil
	}
	result.SourceFound = true

	entries, err := os.ReadDir(src)
	if err != nil {
		return nil, &patternerrors.RunError{Code: patternerrors.CodePermissionError, Message: err.Error(), Cause: err}
	}
	for _, entry := range entries {
		if err := copyTree(filepath.Join(src, entry.Name()), filepath.Join(dest, entry.Name())); err != nil {
			return nil, &patternerrors.RunError{Code: patternerrors.CodePermissionError, Message: err.Error(), Cause: err}
		}
		result.CopiedEntries = append(result.CopiedEntries, entry.Name())
	}
	return result, nil
}

func copyTree(src, dest string) error {
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}
	if info.IsDir() {
		if err := os.MkdirAll(dest, info.Mode()); err != nil {
			return err
		}
		entries, err := os.ReadDir(src)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := copyTree(filepath.Join(src, e.Name()), filepath.Join(dest, e.Name())); err != nil {
				return err
			}
		}
		return nil
	}
	if info.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(src)
		if err != nil {
			return err
		}
		return os.Symlink(target, dest)
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode())
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// DiffFile is one file line in a diff summary.
type DiffFile struct {
	Path   string
	Status string
}

// DiffSummary is the structured result of Manager.DiffSummary.
type DiffSummary struct {
	Branch    string
	ShortStat string
	Files     []DiffFile
	FullStat  string
}

// DiffSummary returns a git diff summary for path, or nil if path is not a
// git repository or the git binary is unavailable. It never errors.
func (m *Manager) DiffSummary(ctx context.Context, path string) *DiffSummary {
	if _, err := os.Stat(filepath.Join(path, ".git")); err != nil {
		return nil
	}
	if _, err := exec.LookPath("git"); err != nil {
		return nil
	}

	branch := runGit(ctx, path, "rev-parse", "--abbrev-ref", "HEAD")
	shortstat := runGit(ctx, path, "diff", "--shortstat", "HEAD")
	nameStatus := runGit(ctx, path, "diff", "--name-status", "HEAD")
	fullStat := runGit(ctx, path, "diff", "--stat", "HEAD")

	summary := &DiffSummary{
		Branch:    strings.TrimSpace(branch),
		ShortStat: strings.TrimSpace(shortstat),
		FullStat:  fullStat,
	}
	for _, line := range strings.Split(strings.TrimSpace(nameStatus), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		summary.Files = append(summary.Files, DiffFile{Status: fields[0], Path: fields[1]})
	}
	return summary
}

func runGit(ctx context.Context, dir string, args ...string) string {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = io.Discard
	_ = cmd.Run()
	return out.String()
}

// FileEntry is one listed workspace file.
type FileEntry struct {
	RelPath string
	Bytes   int64
	Mime    string
}

// ListFiles walks path, excluding .git, returning a flat listing of
// regular files with a best-guess MIME type.
func (m *Manager) ListFiles(path string) ([]FileEntry, error) {
	var out []FileEntry
	err := filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(path, p)
		if relErr != nil {
			return relErr
		}
		if rel == "." {
			return nil
		}
		if matched, _ := doublestar.Match(ignorePatterns[0], filepath.ToSlash(rel)); matched {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		out = append(out, FileEntry{
			RelPath: filepath.ToSlash(rel),
			Bytes:   info.Size(),
			Mime:    guessMime(rel),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func guessMime(path string) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	return "application/octet-stream"
}

// ReadFile returns the bytes of rel resolved under path, or
// PATH_TRAVERSAL if the resolved path escapes path.
func (m *Manager) ReadFile(path, rel string) ([]byte, error) {
	resolved, err := filepath.Abs(filepath.Join(path, rel))
	if err != nil {
		return nil, &patternerrors.RunError{Code: patternerrors.CodePathTraversal, Message: err.Error()}
	}
	if !isDescendant(path, resolved) {
		return nil, &patternerrors.RunError{Code: patternerrors.CodePathTraversal, Message: "path escapes workspace"}
	}
	return os.ReadFile(resolved)
}
