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
	"bytes"
	"encoding/json"
	"testing"

	"github.com/spf13/cobra"

	"github.com/tombee/shellgate/internal/commands/shared"
)

func TestNewRootCommand(t *testing.T) {
	cmd := NewRootCommand()

	if cmd.Use != "shellgate" {
		t.Errorf("expected use 'shellgate', got %q", cmd.Use)
	}
	if cmd.Short == "" || cmd.Long == "" {
		t.Error("expected descriptions to be set")
	}
	if !cmd.SilenceUsage || !cmd.SilenceErrors {
		t.Error("expected usage and errors to be silenced")
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	for _, name := range []string{"verbose", "quiet", "json", "config"} {
		if cmd.PersistentFlags().Lookup(name) == nil {
			t.Errorf("%s flag not registered", name)
		}
	}
}

func TestSetVersion(t *testing.T) {
	SetVersion("1.2.3", "abc123", "2025-12-22")

	want := shared.BuildInfo{Version: "1.2.3", Commit: "abc123", BuildDate: "2025-12-22"}
	if got := Build(); got != want {
		t.Errorf("unexpected build info %+v", got)
	}
}

func TestHelpCommandJSON(t *testing.T) {
	t.Cleanup(shared.ResetFlagsForTest)

	tests := []struct {
		name    string
		args    []string
		check   func(t *testing.T, resp HelpResponse)
		wantErr bool
	}{
		{
			name: "all commands",
			args: []string{"help", "--json"},
			check: func(t *testing.T, resp HelpResponse) {
				if len(resp.Commands) == 0 {
					t.Fatal("expected commands")
				}
				if len(resp.GlobalFlags) != 4 {
					t.Errorf("expected 4 global flags, got %d", len(resp.GlobalFlags))
				}
			},
		},
		{
			name: "one command",
			args: []string{"help", "sample", "--json"},
			check: func(t *testing.T, resp HelpResponse) {
				if resp.Command == nil || resp.Command.Name != "sample" {
					t.Fatalf("expected sample command, got %+v", resp.Command)
				}
				if len(resp.Command.Flags) != 1 || resp.Command.Flags[0].Name != "flag" {
					t.Errorf("unexpected flags %+v", resp.Command.Flags)
				}
			},
		},
		{name: "unknown command", args: []string{"help", "nope", "--json"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shared.ResetFlagsForTest()
			root := NewRootCommand()
			root.AddCommand(&cobra.Command{Use: "sample", Short: "Sample", Run: func(*cobra.Command, []string) {}})
			root.Commands()[0].Flags().String("flag", "", "A sample flag")
			root.SetHelpCommand(NewHelpCommand(root))

			var buf bytes.Buffer
			root.SetOut(&buf)
			root.SetErr(&buf)
			root.SetArgs(tt.args)

			err := root.Execute()
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			var resp HelpResponse
			if err := json.Unmarshal(buf.Bytes(), &resp); err != nil {
				t.Fatalf("invalid JSON: %v\n%s", err, buf.String())
			}
			if !resp.Success {
				t.Error("expected success")
			}
			tt.check(t, resp)
		})
	}
}
