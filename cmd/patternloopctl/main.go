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

// Command patternloopctl is a thin, non-interactive admin client for
// patternloopd: it makes plain HTTP calls against the daemon's REST
// surface and prints JSON. It is not a TUI — see DESIGN.md for why the
// teacher's interactive prompt/terminal libraries were dropped.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/patternloop/orchestrator/internal/ctlclient"
)

var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:           "patternloopctl",
		Short:         "Admin client for the pattern-learning orchestrator daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	cmd.PersistentFlags().StringVar(&addr, "addr", envOr("PATTERNLOOPD_ADDR", "http://localhost:8080"), "patternloopd base URL")

	client := func() *ctlclient.Client { return ctlclient.New(addr) }

	cmd.AddCommand(newProjectCommand(client))
	cmd.AddCommand(newRunCommand(client))

	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
