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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"OPENAI_API_KEY", "ANTHROPIC_API_KEY", "FAKE_CODEX", "FAKE_PLANNER", "RUNNER_URL"} {
		t.Setenv(k, "")
	}
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "http://localhost:5055", cfg.RunnerURL)
	require.Equal(t, "./workspaces", cfg.WorkspaceRoot)
	require.False(t, cfg.FakeCodex)
	require.Equal(t, 30*time.Minute, cfg.TimeoutFor("default"))
	require.Equal(t, 30*time.Minute, cfg.TimeoutFor("unknown-profile"))
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("FAKE_CODEX", "1")
	t.Setenv("FAKE_PLANNER", "true")
	t.Setenv("WORKSPACE_ROOT", "/tmp/ws")
	cfg, err := Load("")
	require.NoError(t, err)
	require.True(t, cfg.FakeCodex)
	require.True(t, cfg.FakePlanner)
	require.Equal(t, "/tmp/ws", cfg.WorkspaceRoot)
}

func TestLoadProfilesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profiles.yaml")
	content := []byte(`
base_prompt: "Use the exec tool to make changes."
domain_instructions:
  code: "Write idiomatic code and run tests."
profiles:
  fast:
    timeout: 5m
`)
	require.NoError(t, os.WriteFile(path, content, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "Use the exec tool to make changes.", cfg.Profiles.BasePrompt)
	require.Equal(t, "Write idiomatic code and run tests.", cfg.DomainInstructions("code"))
	require.Equal(t, 5*time.Minute, cfg.TimeoutFor("fast"))
}
