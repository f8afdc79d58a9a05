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
	"os"

	"github.com/spf13/cobra"

	"github.com/patternloop/orchestrator/internal/ctlclient"
	"github.com/patternloop/orchestrator/internal/domain"
)

func newRunCommand(client func() *ctlclient.Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Create, inspect, and cancel runs",
	}

	cmd.AddCommand(newRunCreateCommand(client))
	cmd.AddCommand(newRunShowCommand(client))
	cmd.AddCommand(newRunCancelCommand(client))
	cmd.AddCommand(newRunTailCommand(client))
	return cmd
}

func newRunCreateCommand(client func() *ctlclient.Client) *cobra.Command {
	var (
		name           string
		instructions   string
		taskType       string
		referenceRunID string
		fromRunID      string
	)

	cmd := &cobra.Command{
		Use:   "create <project-id>",
		Short: "Submit a new run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := client().CreateRun(cmd.Context(), args[0], ctlclient.CreateRunInput{
				Name:           name,
				Instructions:   instructions,
				TaskType:       domain.TaskType(taskType),
				ReferenceRunID: referenceRunID,
				FromRunID:      fromRunID,
			})
			if err != nil {
				return err
			}
			return printJSON(run)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Run display name")
	cmd.Flags().StringVar(&instructions, "instructions", "", "Task instructions")
	cmd.Flags().StringVar(&taskType, "task-type", "", "Task type, overriding the project default")
	cmd.Flags().StringVar(&referenceRunID, "reference-run", "", "Prior run to seed a learned pattern from")
	cmd.Flags().StringVar(&fromRunID, "from-run", "", "Prior run whose workspace this run continues")
	_ = cmd.MarkFlagRequired("instructions")
	return cmd
}

func newRunShowCommand(client func() *ctlclient.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show a run's current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			run, err := client().GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(run)
		},
	}
}

func newRunCancelCommand(client func() *ctlclient.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Request cancellation of an in-flight run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client().CancelRun(cmd.Context(), args[0])
		},
	}
}

func newRunTailCommand(client func() *ctlclient.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "tail <run-id>",
		Short: "Stream a run's status and step events until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return client().Tail(cmd.Context(), args[0], os.Stdout)
		},
	}
}
