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

// Package check implements "shellgate check", an offline dry run of the
// command filter.
package check

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tombee/shellgate/internal/commands/shared"
	"github.com/tombee/shellgate/internal/config"
	gwerrors "github.com/tombee/shellgate/pkg/errors"
	"github.com/tombee/shellgate/pkg/security"
)

// Result is the JSON form of a check.
type Result struct {
	shared.JSONResponse
	Input   string `json:"input"`
	Verdict string `json:"verdict"`
	Source  string `json:"source,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Rule    string `json:"rule,omitempty"`
	Allowed bool   `json:"allowed"`
}

// NewCommand creates the check command.
func NewCommand() *cobra.Command {
	var (
		force bool
		cwd   string
	)
	cmd := &cobra.Command{
		Use:   "check [flags] -- <command>",
		Short: "Classify a command against the configured filter",
		Long: `Run a command through the blacklist, the dangerous-command heuristic
and the whitelist without executing it.

Exits 0 when the command would run and 3 when it would be rejected.`,
		Example: `  shellgate check -- rm -rf /
  shellgate check --force -- rm build.log
  shellgate check --cwd /etc -- ls`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(shared.GetConfigPath())
			if err != nil {
				return shared.NewConfigError("failed to load config", err)
			}
			engine, err := security.NewEngine(cfg.Filter)
			if err != nil {
				return shared.NewConfigError("invalid filter rules", err)
			}
			return run(cmd, engine, strings.Join(args, " "), cwd, force)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Treat the command as confirmed (forceExecute)")
	cmd.Flags().StringVar(&cwd, "cwd", "", "Working directory to check against allowed_dirs")
	return cmd
}

func run(cmd *cobra.Command, engine *security.Engine, command, cwd string, force bool) error {
	decision := engine.Classify(command)
	rejection := decision.Resolve(command, force)
	if rejection == nil && cwd != "" {
		dirDecision := engine.CheckDir(cwd)
		if dirErr := dirDecision.Resolve(command, false); dirErr != nil {
			decision, rejection = dirDecision, dirErr
		}
	}

	res := Result{
		JSONResponse: shared.NewJSONResponse("check", rejection == nil),
		Input:        command,
		Verdict:      decision.Verdict.String(),
		Source:       string(decision.Source),
		Reason:       decision.Reason,
		Rule:         decision.Rule,
		Allowed:      rejection == nil,
	}

	out := cmd.OutOrStdout()
	if shared.GetJSON() {
		if err := shared.EmitJSON(out, res); err != nil {
			return err
		}
	} else if !shared.GetQuiet() {
		if res.Allowed {
			fmt.Fprintf(out, "%s: %s\n", shared.RenderVerdict("allowed"), command)
		} else {
			fmt.Fprintf(out, "%s: %s\n", shared.RenderVerdict(res.Verdict), command)
			fmt.Fprintf(out, "  %s %s\n", shared.RenderLabel("source:"), res.Source)
			fmt.Fprintf(out, "  %s %s\n", shared.RenderLabel("reason:"), res.Reason)
			if res.Rule != "" && shared.GetVerbose() {
				fmt.Fprintf(out, "  %s   %s\n", shared.RenderLabel("rule:"), res.Rule)
			}
		}
	}

	if rejection != nil {
		var perr *gwerrors.PolicyError
		if errors.As(rejection, &perr) && perr.NeedsConfirmation {
			return shared.NewRejectedError("command requires --force")
		}
		return shared.NewRejectedError("command rejected")
	}
	return nil
}
