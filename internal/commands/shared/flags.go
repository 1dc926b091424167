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


// Package shared holds state and helpers common to every subcommand.
package shared

// Globals are the persistent flags bound on the shellgate root command.
type Globals struct {
	Verbose    bool
	Quiet      bool
	JSON       bool
	ConfigPath string
}

// BuildInfo identifies the running binary. main stamps it via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

var (
	globals Globals
	build   = BuildInfo{Version: "dev", Commit: "unknown", BuildDate: "unknown"}
)

// RegisterFlagPointers exposes the Globals fields for cobra to bind.
func RegisterFlagPointers() (verbose, quiet, json *bool, config *string) {
	return &globals.Verbose, &globals.Quiet, &globals.JSON, &globals.ConfigPath
}

// SetVersion records the build stamp.
func SetVersion(v, c, b string) {
	build = BuildInfo{Version: v, Commit: c, BuildDate: b}
}

// Build returns the build stamp.
func Build() BuildInfo { return build }

func GetVerbose() bool { return globals.Verbose }

// GetQuiet reports --quiet. Commands still print errors.
func GetQuiet() bool { return globals.Quiet }

// GetJSON reports --json; commands then emit a JSONResponse instead of text.
func GetJSON() bool { return globals.JSON }

// GetConfigPath is the --config value, empty when the default search applies.
func GetConfigPath() string { return globals.ConfigPath }

// ResetFlagsForTest zeroes Globals between command tests.
func ResetFlagsForTest() { globals = Globals{} }
