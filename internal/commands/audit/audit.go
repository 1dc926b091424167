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

// Package audit implements "shellgate audit", which lists recorded tool
// calls.
package audit

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/itchyny/gojq"
	"github.com/spf13/cobra"

	auditstore "github.com/tombee/shellgate/internal/audit"
	"github.com/tombee/shellgate/internal/commands/shared"
	"github.com/tombee/shellgate/internal/config"
	"github.com/tombee/shellgate/internal/log"
	"github.com/tombee/shellgate/internal/target"
)

// NewCommand creates the audit command.
func NewCommand() *cobra.Command {
	var (
		limit    int
		decision string
		session  string
		since    time.Duration
		dbPath   string
		jqExpr   string
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List recent tool calls from the audit trail",
		Example: `  shellgate audit --limit 20
  shellgate audit --decision blocked --since 24h
  shellgate audit --jq '.[] | select(.exitCode != 0) | .command'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch decision {
			case "", auditstore.DecisionAllowed, auditstore.DecisionBlocked, auditstore.DecisionFailed:
			default:
				return fmt.Errorf("invalid --decision %q (allowed, blocked, failed)", decision)
			}

			var code *gojq.Code
			if jqExpr != "" {
				c, err := compileJQ(jqExpr)
				if err != nil {
					return err
				}
				code = c
			}

			path := dbPath
			if path == "" {
				cfg, err := config.Load(shared.GetConfigPath())
				if err != nil {
					return shared.NewConfigError("failed to load config", err)
				}
				path = cfg.Audit.Path
			}
			path = target.ExpandHome(path)
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("no audit database at %s (enable audit in the config and run serve)", path)
			}

			filter := auditstore.Filter{Limit: limit, Decision: decision, Session: session}
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}
			return list(cmd.Context(), cmd.OutOrStdout(), path, filter, code)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum records to show")
	cmd.Flags().StringVar(&decision, "decision", "", "Only show allowed, blocked or failed calls")
	cmd.Flags().StringVar(&session, "session", "", "Only show one session")
	cmd.Flags().DurationVar(&since, "since", 0, "Only show calls newer than this (e.g. 1h)")
	cmd.Flags().StringVar(&dbPath, "db", "", "Audit database (default: audit.path from config)")
	cmd.Flags().StringVar(&jqExpr, "jq", "", "Filter the records array with a jq expression")
	return cmd
}

func list(ctx context.Context, out io.Writer, path string, filter auditstore.Filter, code *gojq.Code) error {
	if ctx == nil {
		ctx = context.Background()
	}
	store, err := auditstore.Open(ctx, path)
	if err != nil {
		return err
	}
	defer store.Close()

	records, err := store.Query(ctx, filter)
	if err != nil {
		return err
	}

	if code != nil {
		if records == nil {
			records = []auditstore.Record{}
		}
		return runJQ(ctx, out, code, records)
	}

	if shared.GetJSON() {
		return shared.EmitJSON(out, struct {
			shared.JSONResponse
			Records []auditstore.Record `json:"records"`
		}{shared.NewJSONResponse("audit", true), records})
	}

	if len(records) == 0 {
		if !shared.GetQuiet() {
			fmt.Fprintln(out, "No matching audit records")
		}
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tDECISION\tSESSION\tTARGET\tEXIT\tDURATION\tCOMMAND")
	for _, r := range records {
		exit := "-"
		if r.ExitCode != nil {
			exit = fmt.Sprint(*r.ExitCode)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%dms\t%s\n",
			r.Time.Local().Format(time.DateTime),
			r.Decision,
			r.Session,
			r.Target,
			exit,
			r.DurationMs,
			log.TruncateCommand(r.Command, 60),
		)
		if r.Error != "" && shared.GetVerbose() {
			fmt.Fprintf(w, "\t\t\t\t\t\t  %s\n", r.Error)
		}
	}
	return w.Flush()
}
