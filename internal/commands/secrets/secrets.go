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

// Package secrets implements "shellgate secrets", which manages SSH
// passwords in the system keychain so target entries can reference them as
// keychain:NAME.
package secrets

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tombee/shellgate/internal/commands/shared"
	"github.com/tombee/shellgate/internal/secrets"
)

// NewCommand creates the secrets command.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "secrets",
		Short: "Manage target passwords in the system keychain",
		Long: `Manage target passwords in the system keychain.

A target entry references a stored password as keychain:NAME:

  targets:
    web:
      host: web.internal
      user: deploy
      password_ref: keychain:web-deploy

References may also use env:VAR or file:/path.`,
	}
	cmd.AddCommand(newSetCommand(), newGetCommand(), newDeleteCommand())
	return cmd
}

func newSetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set <name>",
		Short: "Store a password",
		Long: `Store a password in the system keychain.

The value is read from stdin when it is piped, otherwise from a hidden prompt.`,
		Example: `  shellgate secrets set web-deploy
  echo "$PASS" | shellgate secrets set web-deploy`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			if err := validateName(name); err != nil {
				return err
			}
			value, err := readValue(cmd.InOrStdin(), cmd.ErrOrStderr())
			if err != nil {
				return fmt.Errorf("failed to read secret value: %w", err)
			}
			if value == "" {
				return errors.New("secret value cannot be empty")
			}
			if err := secrets.NewKeychainProvider().Store(name, value); err != nil {
				return fmt.Errorf("failed to store secret: %w", err)
			}
			if !shared.GetQuiet() {
				fmt.Fprintf(cmd.OutOrStdout(), "Stored. Reference it as keychain:%s\n", name)
			}
			return nil
		},
	}
}

func newGetCommand() *cobra.Command {
	var unmask bool
	cmd := &cobra.Command{
		Use:   "get <reference>",
		Short: "Resolve a secret reference",
		Example: `  shellgate secrets get keychain:web-deploy
  shellgate secrets get env:DEPLOY_PASS --unmask`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := args[0]
			if !strings.Contains(ref, ":") {
				ref = "keychain:" + ref
			}
			value, err := secrets.NewDefaultRegistry().Resolve(cmd.Context(), ref)
			if err != nil {
				if errors.Is(err, secrets.ErrSecretNotFound) {
					return fmt.Errorf("secret not found: %s", ref)
				}
				return err
			}
			if !unmask {
				value = mask(value)
			}
			fmt.Fprintln(cmd.OutOrStdout(), value)
			return nil
		},
	}
	cmd.Flags().BoolVar(&unmask, "unmask", false, "Show the full value")
	return cmd
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Remove a stored password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := secrets.NewKeychainProvider().Delete(args[0]); err != nil {
				return fmt.Errorf("failed to delete secret: %w", err)
			}
			if !shared.GetQuiet() {
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
			}
			return nil
		},
	}
}

func readValue(in io.Reader, prompt io.Writer) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(prompt, "Enter secret value (hidden): ")
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	data, err := io.ReadAll(in)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

func mask(value string) string {
	if len(value) <= 8 {
		return "****"
	}
	return value[:4] + "..." + value[len(value)-4:]
}

func validateName(name string) error {
	switch {
	case name == "":
		return errors.New("secret name cannot be empty")
	case strings.ContainsAny(name, " \t\n"):
		return errors.New("secret name cannot contain whitespace")
	case strings.Contains(name, ":"):
		return errors.New("secret name cannot contain ':' (pass the bare name, not a reference)")
	}
	return nil
}
