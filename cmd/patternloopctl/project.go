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

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/patternloop/orchestrator/internal/ctlclient"
	"github.com/patternloop/orchestrator/internal/domain"
)

func newProjectCommand(client func() *ctlclient.Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Manage projects",
	}

	cmd.AddCommand(newProjectUpsertCommand(client))
	cmd.AddCommand(newProjectListCommand(client))
	return cmd
}

func newProjectUpsertCommand(client func() *ctlclient.Client) *cobra.Command {
	var name string
	var taskType string

	cmd := &cobra.Command{
		Use:   "upsert <project-id>",
		Short: "Create or update a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			project, err := client().UpsertProject(cmd.Context(), args[0], name, domain.TaskType(taskType))
			if err != nil {
				return err
			}
			return printJSON(project)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Project display name")
	cmd.Flags().StringVar(&taskType, "task-type", "", "Default task type for this project")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func newProjectListCommand(client func() *ctlclient.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List known projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			projects, err := client().ListProjects(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(projects)
		},
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("patternloopctl: encoding output: %w", err)
	}
	return nil
}
