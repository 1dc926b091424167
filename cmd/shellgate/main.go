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
	"github.com/tombee/shellgate/internal/cli"
	"github.com/tombee/shellgate/internal/commands/audit"
	"github.com/tombee/shellgate/internal/commands/check"
	"github.com/tombee/shellgate/internal/commands/completion"
	"github.com/tombee/shellgate/internal/commands/configcmd"
	"github.com/tombee/shellgate/internal/commands/secrets"
	"github.com/tombee/shellgate/internal/commands/serve"
	"github.com/tombee/shellgate/internal/commands/token"
	versioncmd "github.com/tombee/shellgate/internal/commands/version"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildDate)

	rootCmd := cli.NewRootCommand()

	rootCmd.AddCommand(serve.NewCommand())
	rootCmd.AddCommand(check.NewCommand())
	rootCmd.AddCommand(audit.NewCommand())

	rootCmd.AddCommand(configcmd.NewCommand())
	rootCmd.AddCommand(secrets.NewCommand())
	rootCmd.AddCommand(token.NewCommand())

	rootCmd.AddCommand(completion.NewCommand())
	rootCmd.AddCommand(versioncmd.NewVersionCommand())

	rootCmd.SetHelpCommand(cli.NewHelpCommand(rootCmd))

	if err := rootCmd.Execute(); err != nil {
		cli.HandleExitError(err)
	}
}
