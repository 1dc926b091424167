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

package config

import (
	"fmt"
	"os"
)

// CheckPermissions returns warnings when the config file at path can be
// read or written by other users. Inline target passwords make a loose
// mode worth flagging. A missing file yields no warnings.
func CheckPermissions(path string) []string {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return []string{fmt.Sprintf("unable to check permissions for %s: %v", path, err)}
	}
	if info.IsDir() {
		return []string{fmt.Sprintf("%s is a directory, not a config file", path)}
	}

	var warnings []string
	perm := info.Mode().Perm()
	if perm&0004 != 0 {
		warnings = append(warnings, fmt.Sprintf("%s is world-readable (mode %o), recommend chmod 0600", path, perm))
	}
	if perm&0022 != 0 {
		warnings = append(warnings, fmt.Sprintf("%s is writable by other users (mode %o), recommend chmod 0600", path, perm))
	}
	return warnings
}
