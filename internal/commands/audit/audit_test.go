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

package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	auditstore "github.com/tombee/shellgate/internal/audit"
	"github.com/tombee/shellgate/internal/commands/shared"
)

func seed(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit.db")
	store, err := auditstore.Open(ctx, path)
	require.NoError(t, err)
	defer store.Close()

	zero := 0
	now := time.Now()
	require.NoError(t, store.Insert(ctx, auditstore.Record{
		Time: now.Add(-time.Minute), Session: "default", Target: "local",
		Command: "ls", Decision: auditstore.DecisionAllowed, ExitCode: &zero,
	}))
	require.NoError(t, store.Insert(ctx, auditstore.Record{
		Time: now, Session: "ops", Target: "deploy@web:22",
		Command: "rm -rf /", Decision: auditstore.DecisionBlocked, Source: "blacklist",
		Error: "command blocked by blacklist",
	}))
	return path
}

func TestListTable(t *testing.T) {
	t.Cleanup(shared.ResetFlagsForTest)
	path := seed(t)

	var out bytes.Buffer
	require.NoError(t, list(context.Background(), &out, path, auditstore.Filter{Limit: 10}, nil))

	text := out.String()
	assert.Contains(t, text, "DECISION")
	assert.Contains(t, text, "rm -rf /")
	assert.Contains(t, text, "deploy@web:22")
	assert.Less(t, bytes.Index(out.Bytes(), []byte("rm -rf /")), bytes.Index(out.Bytes(), []byte(" ls")), "newest first")
}

func TestListJSONFiltered(t *testing.T) {
	t.Cleanup(shared.ResetFlagsForTest)
	_, _, jsonPtr, _ := shared.RegisterFlagPointers()
	*jsonPtr = true
	path := seed(t)

	var out bytes.Buffer
	require.NoError(t, list(context.Background(), &out, path, auditstore.Filter{Decision: auditstore.DecisionBlocked}, nil))

	var resp struct {
		Records []auditstore.Record `json:"records"`
	}
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	require.Len(t, resp.Records, 1)
	assert.Equal(t, "rm -rf /", resp.Records[0].Command)
	assert.Equal(t, "blacklist", resp.Records[0].Source)
}

func TestListEmpty(t *testing.T) {
	t.Cleanup(shared.ResetFlagsForTest)
	path := seed(t)

	var out bytes.Buffer
	require.NoError(t, list(context.Background(), &out, path, auditstore.Filter{Session: "nobody"}, nil))
	assert.Contains(t, out.String(), "No matching audit records")
}

func TestListJQ(t *testing.T) {
	t.Cleanup(shared.ResetFlagsForTest)
	path := seed(t)

	code, err := compileJQ(`.[] | select(.decision == "blocked") | .command`)
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, list(context.Background(), &out, path, auditstore.Filter{}, code))
	assert.Equal(t, "rm -rf /\n", out.String())

	code, err = compileJQ(`length`)
	require.NoError(t, err)
	out.Reset()
	require.NoError(t, list(context.Background(), &out, path, auditstore.Filter{Session: "nobody"}, code))
	assert.Equal(t, "0\n", out.String())
}

func TestCompileJQRejectsBadExpression(t *testing.T) {
	_, err := compileJQ(`.[`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--jq")
}
