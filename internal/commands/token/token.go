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

// Package token implements "shellgate token", which issues bearer tokens
// for the HTTP binding.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/shellgate/internal/commands/serve"
	"github.com/tombee/shellgate/internal/commands/shared"
	"github.com/tombee/shellgate/internal/config"
	"github.com/tombee/shellgate/internal/mcp/transport"
	"github.com/tombee/shellgate/internal/secrets"
)

// NewCommand creates the token command.
func NewCommand() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the HTTP binding",
		Long: `Issue a bearer token signed with the secret named by server.auth.secret_ref.

Clients send it as "Authorization: Bearer <token>", or as the access_token
query parameter when opening the event stream.`,
		Example: `  shellgate token --subject ci-runner
  shellgate token --subject alice --ttl 8h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if subject == "" {
				return errors.New("--subject is required")
			}
			cfg, err := config.Load(shared.GetConfigPath())
			if err != nil {
				return shared.NewConfigError("failed to load config", err)
			}
			if !cfg.Server.Auth.Enabled() {
				return shared.NewConfigError("server.auth.secret_ref is not set", nil)
			}
			auth, err := serve.AuthConfig(cmd.Context(), cfg.Server.Auth, secrets.NewDefaultRegistry())
			if err != nil {
				return err
			}
			return issue(cmd, *auth, subject, ttl)
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Who the token identifies")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "Token lifetime")
	return cmd
}

func issue(cmd *cobra.Command, auth transport.AuthConfig, subject string, ttl time.Duration) error {
	signed, err := transport.IssueToken(auth, subject, ttl)
	if err != nil {
		return err
	}
	if shared.GetJSON() {
		return shared.EmitJSON(cmd.OutOrStdout(), struct {
			shared.JSONResponse
			Token     string    `json:"token"`
			Subject   string    `json:"subject"`
			ExpiresAt time.Time `json:"expires_at"`
		}{shared.NewJSONResponse("token", true), signed, subject, time.Now().Add(ttl).UTC()})
	}
	fmt.Fprintln(cmd.OutOrStdout(), signed)
	return nil
}
