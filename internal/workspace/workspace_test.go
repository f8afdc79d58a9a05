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

package workspace_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patternloop/orchestrator/internal/workspace"
	patternerrors "github.com/patternloop/orchestrator/pkg/errors"
)

func newManager(t *testing.T) *workspace.Manager {
	t.Helper()
	m, err := workspace.NewManager(filepath.Join(t.TempDir(), "workspaces"))
	require.NoError(t, err)
	return m
}

func TestPathIsConfinedToRoot(t *testing.T) {
	m := newManager(t)

	p, err := m.Path("proj", "run")
	require.NoError(t, err)
	assert.Contains(t, p, "proj")
	assert.Contains(t, p, "run")

	// Path() itself rejects any resolution that would escape the root by
	// returning an error; a nil error here is the containment guarantee.
	// The raw ".." bytes survive percent-encoding of the separator, so
	// they never form a real ".." path segment.
	_, err = m.Path("../../etc", "passwd")
	require.NoError(t, err)
}

func TestSafeEncodesUnsafeCharacters(t *testing.T) {
	m := newManager(t)
	p1, err := m.Path("a/b", "run")
	require.NoError(t, err)
	p2, err := m.Path("a_b", "run")
	require.NoError(t, err)
	assert.NotEqual(t, p1, p2)
}

func TestPrepareWithoutSourceIsEmptyAndSoft(t *testing.T) {
	m := newManager(t)
	result, err := m.Prepare("proj", "run-1", "")
	require.NoError(t, err)
	assert.False(t, result.SourceFound)
	assert.Empty(t, result.CopiedEntries)

	entries, err := os.ReadDir(result.Path)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPrepareWithMissingFromRunIsSoft(t *testing.T) {
	m := newManager(t)
	result, err := m.Prepare("proj", "run-2", "ghost-run")
	require.NoError(t, err)
	assert.False(t, result.SourceFound)
}

func TestPrepareClonesFromSourceRun(t *testing.T) {
	m := newManager(t)
	src, err := m.Prepare("proj", "run-a", "")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(src.Path, "a.txt"), []byte("hello"), 0o644))

	dest, err := m.Prepare("proj", "run-b", "run-a")
	require.NoError(t, err)
	assert.True(t, dest.SourceFound)
	assert.Contains(t, dest.CopiedEntries, "a.txt")

	contents, err := os.ReadFile(filepath.Join(dest.Path, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(contents))
}

func TestListFilesExcludesGit(t *testing.T) {
	m := newManager(t)
	prep, err := m.Prepare("proj", "run-1", "")
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Join(prep.Path, ".git", "objects"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(prep.Path, ".git", "HEAD"), []byte("ref: refs/heads/main"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(prep.Path, "a.txt"), []byte("hi"), 0o644))

	entries, err := m.ListFiles(prep.Path)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.RelPath)
	}
	assert.Contains(t, names, "a.txt")
	for _, n := range names {
		assert.NotContains(t, n, ".git")
	}
}

func TestReadFileRejectsTraversal(t *testing.T) {
	m := newManager(t)
	prep, err := m.Prepare("proj", "run-1", "")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(prep.Path, "a.txt"), []byte("hi"), 0o644))

	contents, err := m.ReadFile(prep.Path, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "hi", string(contents))

	_, err = m.ReadFile(prep.Path, "../../../etc/passwd")
	require.Error(t, err)
	var runErr *patternerrors.RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, patternerrors.CodePathTraversal, runErr.Code)
}

func TestDiffSummaryNilWithoutGitRepo(t *testing.T) {
	m := newManager(t)
	prep, err := m.Prepare("proj", "run-1", "")
	require.NoError(t, err)

	summary := m.DiffSummary(context.Background(), prep.Path)
	assert.Nil(t, summary)
}
