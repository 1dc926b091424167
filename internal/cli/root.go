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

package cli

import (
	"github.com/spf13/cobra"

	"github.com/tombee/shellgate/internal/commands/shared"
)

// SetVersion records the build stamp injected into main at link time.
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// NewRootCommand creates the root command for shellgate.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shellgate",
		Short: "shellgate - a policy-checked shell gateway for MCP clients",
		Long: `shellgate exposes one tool, execute_command, to MCP clients. Each command
is checked against a blacklist, a dangerous-command heuristic and an optional
whitelist before it runs locally or on a remote host over SSH. Working
directory and exported variables persist per named session and target.

Run 'shellgate config init' to write a starter configuration.
Run 'shellgate check -- <command>' to see how a command would be classified.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	verbose, quiet, json, config := shared.RegisterFlagPointers()

	cmd.PersistentFlags().BoolVarP(verbose, "verbose", "v", false, "Enable verbose output")
	cmd.PersistentFlags().BoolVarP(quiet, "quiet", "q", false, "Suppress non-error output")
	cmd.PersistentFlags().BoolVar(json, "json", false, "Output in JSON format")
	cmd.PersistentFlags().StringVar(config, "config", "", "Path to config file (default: ~/.config/shellgate/config.yaml)")

	return cmd
}

// Build returns the build stamp recorded by SetVersion.
func Build() shared.BuildInfo {
	return shared.Build()
}

// HandleExitError prints err and exits with its exit code.
func HandleExitError(err error) {
	shared.HandleExitError(err)
}
