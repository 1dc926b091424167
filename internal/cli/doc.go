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

/*
Package cli provides the root command for the shellgate CLI.

Individual commands live in the internal/commands subpackages and are
attached in cmd/shellgate:

	shellgate
	├── serve        Run the gateway (stdio or http)
	├── check        Classify a command against the filter rules
	├── audit        List recorded tool calls
	├── config       Initialize, show and validate configuration
	├── secrets      Store target passwords in the system keychain
	├── token        Issue bearer tokens for the HTTP binding
	├── version      Show version
	├── completion   Generate shell completion scripts
	└── help         Show help (--json for agents)

# Exit Codes

  - 0: success
  - 1: general error
  - 2: configuration error
  - 3: command rejected by the filter (check)
*/
package cli
