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

import (
	"regexp"
	"strings"
	"unicode"

	"github.com/kballard/go-shellquote"
)

var assignmentPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*=`)

// Segment is one simple command inside a command line.
type Segment struct {
	// Words are the shell words with leading VAR=value assignments removed.
	Words []string

	// Program is the effective program after wrappers such as sudo or env.
	Program string

	// Args are the words following Program.
	Args []string
}

// Leading returns the first word of the segment, or "" if it has none.
func (s Segment) Leading() string {
	if len(s.Words) == 0 {
		return ""
	}
	return s.Words[0]
}

// Normalized returns the segment words joined by single spaces.
func (s Segment) Normalized() string {
	return strings.Join(s.Words, " ")
}

// ParseCommandLine splits a command line into its simple commands. Control
// operators, subshell parentheses and command substitutions all start a new
// segment. Comments are dropped. Quoting is honored while splitting.
func ParseCommandLine(commandLine string) []Segment {
	var segments []Segment
	for _, raw := range splitSegments(commandLine) {
		words := splitWords(raw)
		for len(words) > 0 && assignmentPattern.MatchString(words[0]) {
			words = words[1:]
		}
		if len(words) == 0 {
			continue
		}
		program, args := unwrap(words)
		segments = append(segments, Segment{Words: words, Program: program, Args: args})
	}
	return segments
}

// LeadingToken returns the first program word of the command line, skipping
// leading assignments and comments.
func LeadingToken(commandLine string) string {
	segments := ParseCommandLine(commandLine)
	if len(segments) == 0 {
		return ""
	}
	return segments[0].Leading()
}

// HasSubstitution reports whether the command line contains a command
// substitution outside single quotes.
func HasSubstitution(commandLine string) bool {
	inSingle := false
	escaped := false
	runes := []rune(commandLine)
	for i, r := range runes {
		switch {
		case escaped:
			escaped = false
		case r == '\\' && !inSingle:
			escaped = true
		case r == '\'':
			inSingle = !inSingle
		case inSingle:
		case r == '`':
			return true
		case r == '$' && i+1 < len(runes) && runes[i+1] == '(':
			return true
		}
	}
	return false
}

func splitSegments(commandLine string) []string {
	var (
		segments []string
		current  strings.Builder
		inSingle bool
		inDouble bool
		escaped  bool
	)
	wordStart := true

	flush := func() {
		if text := strings.TrimSpace(current.String()); text != "" {
			segments = append(segments, text)
		}
		current.Reset()
		wordStart = true
	}

	runes := []rune(commandLine)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case escaped:
			escaped = false
		case r == '\\' && !inSingle:
			escaped = true
		case inSingle:
			if r == '\'' {
				inSingle = false
			}
		case r == '\'' && !inDouble:
			inSingle = true
		case r == '"':
			inDouble = !inDouble
		case r == '`':
			flush()
			continue
		case r == '$' && i+1 < len(runes) && runes[i+1] == '(':
			flush()
			i++
			continue
		case inDouble:
		case r == '#' && wordStart:
			for i < len(runes) && runes[i] != '\n' {
				i++
			}
			flush()
			continue
		case r == '&' && isRedirect(runes, i):
		case strings.ContainsRune(";&|\n()", r):
			flush()
			continue
		}
		current.WriteRune(r)
		wordStart = unicode.IsSpace(r)
	}
	flush()

	return segments
}

// isRedirect reports whether the '&' at i belongs to a redirection such as
// 2>&1 or &>file rather than a control operator.
func isRedirect(runes []rune, i int) bool {
	if i > 0 && (runes[i-1] == '>' || runes[i-1] == '<') {
		return true
	}
	return i+1 < len(runes) && runes[i+1] == '>'
}

func splitWords(segment string) []string {
	words, err := shellquote.Split(segment)
	if err != nil {
		return strings.Fields(segment)
	}
	return words
}

// unwrap skips wrapper programs and their options to find the program a
// segment really runs.
func unwrap(words []string) (string, []string) {
	i := 0
	for i < len(words) && wrappers[baseName(words[i])] {
		i++
		for i < len(words) && (strings.HasPrefix(words[i], "-") || assignmentPattern.MatchString(words[i])) {
			i++
		}
	}
	if i >= len(words) {
		return baseName(words[0]), words[1:]
	}
	return baseName(words[i]), words[i+1:]
}

func baseName(word string) string {
	if idx := strings.LastIndex(word, "/"); idx >= 0 && idx < len(word)-1 {
		return word[idx+1:]
	}
	return word
}

// dangerous reports whether a segment deletes or destroys data in a way the
// blacklist does not necessarily cover.
func dangerous(seg Segment) (string, bool) {
	switch seg.Program {
	case "rm", "unlink":
		if len(seg.Args) == 0 {
			return "", false
		}
		for _, arg := range seg.Args {
			if infoFlags[arg] {
				return "", false
			}
		}
		return seg.Program + " permanently deletes files", true
	case "shred":
		if len(seg.Args) == 0 {
			return "", false
		}
		return "shred destroys file contents", true
	case "find":
		for i, arg := range seg.Args {
			if arg == "-delete" {
				return "find -delete removes matching files", true
			}
			if (arg == "-exec" || arg == "-execdir") && i+1 < len(seg.Args) {
				if next := baseName(seg.Args[i+1]); next == "rm" || next == "shred" {
					return "find executes a destructive command on matches", true
				}
			}
		}
	}
	return "", false
}
