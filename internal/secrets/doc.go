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

// Package secrets resolves credential references for named targets.
//
// A reference has the form scheme:key and is routed to the provider that
// registered the scheme:
//   - env:DB_PASSWORD -> environment variable
//   - file:/run/secrets/db -> file contents, trailing newline trimmed
//   - keychain:prod-db -> system keychain entry under the shellgate service
//
// Resolved values are returned to the caller and never logged.
package secrets
