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

package security

// defaultBlacklist is anchored at the start of a command segment unless the
// pattern targets chaining.
var defaultBlacklist = []string{
	// destructive delete of system paths
	`^\s*rm\s+-(rf|fr)\s+/(\s|$)`,
	`^\s*rm\s+-(rf|fr)\s+/home`,
	`^\s*rm\s+-(rf|fr)\s+/etc`,
	`^\s*rm\s+-(rf|fr)\s+/boot`,
	`^\s*rm\s+-(rf|fr)\s+/var`,
	`^\s*rm\s+-(rf|fr)\s+/root`,
	`^\s*rm\s+-(rf|fr)\s+/usr`,
	`^\s*rm\s+-(rf|fr)\s+/lib`,
	`^\s*rm\s+-(rf|fr)\s+/opt`,
	`^\s*rm\s+-(rf|fr)\s+--no-preserve-root`,

	// filesystems and partitions
	`^\s*mkfs\.`,
	`^\s*dd\s+.*of=/dev/`,
	`^\s*parted`,
	`^\s*fdisk`,
	`^\s*mklabel`,
	`^\s*mkswap`,
	`^\s*wipefs`,

	// fork bomb
	`^\s*:\(\)\s*\{\s*:\s*\|\s*:\s*&?\s*;?\s*\}\s*;\s*:`,

	// power and init
	`^\s*shutdown`,
	`^\s*reboot`,
	`^\s*halt`,
	`^\s*poweroff`,
	`^\s*init\s+`,

	// scheduled jobs and accounts
	`^\s*crontab\s+-r`,
	`^\s*userdel`,
	`^\s*passwd\s+root`,

	// permissions and ownership
	`^\s*chmod\s+777\s+/`,
	`^\s*chown\s+.*:/`,

	// overwriting system files
	`^\s*>\s*/dev/`,
	`^\s*>\s*/etc/`,
	`^\s*>\s*/boot/`,
	`^\s*>\s*/root/`,

	// download and execute
	`^\s*curl.*\|.*sh`,
	`^\s*wget.*\|.*sh`,

	// process kills
	`^\s*killall`,
	`^\s*pkill`,
	`^\s*kill\s+-9\s+[0-9]+`,

	// chained deletes and piping into a shell
	`.*;\s*rm\s+-rf`,
	`.*&&\s*rm\s+-rf`,
	`.*\|\s*sh\s*$`,
}

// DefaultBlacklist returns a copy of the built-in blacklist patterns.
func DefaultBlacklist() []string {
	out := make([]string, len(defaultBlacklist))
	copy(out, defaultBlacklist)
	return out
}

// infoFlags make an otherwise destructive command read-only.
var infoFlags = map[string]bool{
	"--help":    true,
	"--version": true,
	"--usage":   true,
}

// wrappers run their arguments as a command. They are skipped when looking
// for the effective program of a segment.
var wrappers = map[string]bool{
	"sudo":    true,
	"doas":    true,
	"env":     true,
	"nohup":   true,
	"nice":    true,
	"time":    true,
	"command": true,
	"exec":    true,
	"builtin": true,
	"xargs":   true,
}
