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

// Package config loads orchestrator configuration from environment
// variables, with an optional YAML profiles file layered on top for
// per-task-type domain instructions and per-profile timeouts.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete runtime configuration.
type Config struct {
	// PlannerCredential, when empty, puts the planner client into
	// synthetic mode; the CLI tool then runs without a credential in its
	// environment.
	PlannerCredential string

	// FakeCodex skips the CLI subprocess and emits a stub step.
	FakeCodex bool

	// FakePlanner skips the planner HTTP round trip and calls codexexec
	// directly.
	FakePlanner bool

	// RequireGitRepo makes the CLI tool refuse runs outside a git
	// workspace.
	RequireGitRepo bool

	// RunnerURL is the planner base URL.
	RunnerURL string

	WorkspaceRoot string
	ArtifactsRoot string
	DatabasePath  string

	// ListenAddr is the HTTP listen address for cmd/patternloopd.
	ListenAddr string

	// OTLPEndpoint, when set, enables OTLP/HTTP trace export.
	OTLPEndpoint string

	// Profiles holds per-profile execution settings, loaded from an
	// optional YAML file.
	Profiles ProfileSet
}

// Profile configures one named execution profile: the CLI wall-clock
// bound.
type Profile struct {
	Timeout time.Duration `yaml:"timeout"`
}

// ProfileSet is profile name -> Profile, plus global domain instructions
// per task type.
type ProfileSet struct {
	Profiles         map[string]Profile `yaml:"profiles"`
	BasePrompt       string             `yaml:"base_prompt"`
	DomainByTaskType map[string]string  `yaml:"domain_instructions"`
}

const defaultProfileTimeout = 30 * time.Minute

// Load reads configuration from the environment, then overlays an
// optional YAML profiles file if profilesPath is non-empty and exists.
func Load(profilesPath string) (*Config, error) {
	cfg := &Config{
		PlannerCredential: firstNonEmpty(os.Getenv("OPENAI_API_KEY"), os.Getenv("ANTHROPIC_API_KEY")),
		FakeCodex:         envBool("FAKE_CODEX", false),
		FakePlanner:       envBool("FAKE_PLANNER", false),
		RequireGitRepo:    envBool("REQUIRE_GIT_REPO", false),
		RunnerURL:         envOr("RUNNER_URL", "http://localhost:5055"),
		WorkspaceRoot:     envOr("WORKSPACE_ROOT", "./workspaces"),
		ArtifactsRoot:     envOr("ARTIFACTS_ROOT", "./artifacts"),
		DatabasePath:      envOr("DATABASE_PATH", "./data/store"),
		ListenAddr:        envOr("LISTEN_ADDR", ":8080"),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
	cfg.Profiles = ProfileSet{
		Profiles: map[string]Profile{
			"default": {Timeout: defaultProfileTimeout},
		},
		DomainByTaskType: map[string]string{},
	}

	if profilesPath != "" {
		if _, err := os.Stat(profilesPath); err == nil {
			data, err := os.ReadFile(profilesPath)
			if err != nil {
				return nil, fmt.Errorf("config: reading profiles file: %w", err)
			}
			var overlay ProfileSet
			if err := yaml.Unmarshal(data, &overlay); err != nil {
				return nil, fmt.Errorf("config: parsing profiles file: %w", err)
			}
			cfg.Profiles.mergeFrom(overlay)
		}
	}

	return cfg, nil
}

func (p *ProfileSet) mergeFrom(overlay ProfileSet) {
	if overlay.BasePrompt != "" {
		p.BasePrompt = overlay.BasePrompt
	}
	for name, prof := range overlay.Profiles {
		if p.Profiles == nil {
			p.Profiles = map[string]Profile{}
		}
		p.Profiles[name] = prof
	}
	for tt, instr := range overlay.DomainByTaskType {
		if p.DomainByTaskType == nil {
			p.DomainByTaskType = map[string]string{}
		}
		p.DomainByTaskType[tt] = instr
	}
}

// TimeoutFor returns the configured wall-clock bound for profile, falling
// back to the default profile's timeout.
func (c *Config) TimeoutFor(profile string) time.Duration {
	if p, ok := c.Profiles.Profiles[profile]; ok && p.Timeout > 0 {
		return p.Timeout
	}
	if p, ok := c.Profiles.Profiles["default"]; ok && p.Timeout > 0 {
		return p.Timeout
	}
	return defaultProfileTimeout
}

// DomainInstructions returns the configured domain instruction text for a
// task type, or an empty string if none is configured.
func (c *Config) DomainInstructions(taskType string) string {
	return c.Profiles.DomainByTaskType[taskType]
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
