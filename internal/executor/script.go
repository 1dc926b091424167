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

package executor

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/kballard/go-shellquote"

	gwerrors "github.com/tombee/shellgate/pkg/errors"
)

// cwdExitCode is the script's exit status when the working directory
// cannot be entered.
const cwdExitCode = 97

var envNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidEnvName reports whether name can be exported by a POSIX shell.
func ValidEnvName(name string) bool {
	return envNamePattern.MatchString(name)
}

// shellBookkeeping changes on its own and never forms part of a delta.
var shellBookkeeping = map[string]bool{
	"PWD":    true,
	"OLDPWD": true,
	"SHLVL":  true,
	"_":      true,
	"LINENO": true,
}

type markers struct {
	pre  string
	end  string
	post string
}

func newMarkers() markers {
	nonce := strings.ReplaceAll(uuid.NewString(), "-", "")
	return markers{
		pre:  "__SHELLGATE_PRE_" + nonce + "__",
		end:  "__SHELLGATE_END_" + nonce + "__",
		post: "__SHELLGATE_POST_" + nonce + "__",
	}
}

// buildScript wraps req.Command with state snapshots.
func buildScript(req Request, m markers) string {
	var b strings.Builder

	if req.Cwd != "" {
		fmt.Fprintf(&b, "cd %s || exit %d\n", shellquote.Join(req.Cwd), cwdExitCode)
	}

	keys := make([]string, 0, len(req.Env))
	for k := range req.Env {
		if ValidEnvName(k) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "export %s=%s\n", k, shellquote.Join(req.Env[k]))
	}

	fmt.Fprintf(&b, "printf '%%s\\n' '%s'; pwd; env; printf '%%s\\n' '%s'\n", m.pre, m.end)
	b.WriteString(req.Command)
	b.WriteString("\n")
	fmt.Fprintf(&b, "__shellgate_rc=$?\nprintf '\\n%%s\\n' '%s'; pwd; env\nexit $__shellgate_rc\n", m.post)

	return b.String()
}

type snapshot struct {
	cwd string
	env map[string]string
}

// parseOutput strips the snapshots from stdout. ok is false when the
// script never reached the command.
func parseOutput(stdout string, m markers) (out string, pre, post *snapshot, ok bool) {
	head := m.pre + "\n"
	if !strings.HasPrefix(stdout, head) {
		return stdout, nil, nil, false
	}
	rest := stdout[len(head):]

	endLine := m.end + "\n"
	endIdx := strings.Index(rest, endLine)
	if endIdx < 0 {
		return "", nil, nil, false
	}
	pre = parseSnapshot(rest[:endIdx])
	rest = rest[endIdx+len(endLine):]

	postLine := "\n" + m.post + "\n"
	postIdx := strings.LastIndex(rest, postLine)
	if postIdx < 0 {
		return rest, pre, nil, true
	}
	post = parseSnapshot(rest[postIdx+len(postLine):])
	return rest[:postIdx], pre, post, true
}

// parseSnapshot reads "pwd\nenv-output". Lines that do not start a
// NAME=value pair continue the previous value.
func parseSnapshot(text string) *snapshot {
	lines := strings.Split(strings.TrimSuffix(text, "\n"), "\n")
	snap := &snapshot{env: make(map[string]string)}
	if len(lines) == 0 {
		return snap
	}
	snap.cwd = lines[0]

	last := ""
	for _, line := range lines[1:] {
		if idx := strings.IndexByte(line, '='); idx > 0 && ValidEnvName(line[:idx]) {
			last = line[:idx]
			snap.env[last] = line[idx+1:]
			continue
		}
		if last != "" {
			snap.env[last] += "\n" + line
		}
	}
	return snap
}

// diff computes what the command changed between two snapshots.
func diff(pre, post *snapshot) Delta {
	var d Delta
	if pre == nil || post == nil {
		return d
	}

	if post.cwd != "" && post.cwd != pre.cwd {
		d.Cwd = post.cwd
	}

	for k, v := range post.env {
		if shellBookkeeping[k] || strings.HasPrefix(k, "__shellgate") {
			continue
		}
		if old, ok := pre.env[k]; !ok || old != v {
			if d.Set == nil {
				d.Set = make(map[string]string)
			}
			d.Set[k] = v
		}
	}
	for k := range pre.env {
		if shellBookkeeping[k] {
			continue
		}
		if _, ok := post.env[k]; !ok {
			d.Unset = append(d.Unset, k)
		}
	}
	sort.Strings(d.Unset)

	return d
}

// finish turns captured process output into a Result.
func finish(req Request, m markers, stdout, stderr *capture, exitCode int, maxOutput int) (*Result, error) {
	out, pre, post, ok := parseOutput(stdout.String(), m)
	if !ok && req.Cwd != "" && exitCode == cwdExitCode {
		return nil, &gwerrors.ValidationError{
			Field:   "cwd",
			Message: fmt.Sprintf("cannot change to directory %s", req.Cwd),
		}
	}

	limit := outputLimit(maxOutput)
	res := &Result{ExitCode: exitCode, Delta: diff(pre, post)}
	res.Stdout, res.Truncated = truncate(out, limit, stdout.Dropped() > 0)
	var errTruncated bool
	res.Stderr, errTruncated = truncate(stderr.String(), limit, stderr.Dropped() > 0)
	res.Truncated = res.Truncated || errTruncated
	return res, nil
}

// truncate caps s at max bytes. clipped forces the marker when the
// capture already discarded part of the stream.
func truncate(s string, max int, clipped bool) (string, bool) {
	if len(s) > max {
		return s[:max] + truncatedMarker, true
	}
	if clipped {
		return s + truncatedMarker, true
	}
	return s, false
}

const truncatedMarker = "\n[output truncated]"
