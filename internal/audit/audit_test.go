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
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/shellgate/internal/log"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "nested", "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_InsertAndQuery(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	zero := 0

	require.NoError(t, s.Insert(ctx, Record{Time: base, Session: "default", Target: "local", Command: "echo hi", Decision: DecisionAllowed, ExitCode: &zero, DurationMs: 3}))
	require.NoError(t, s.Insert(ctx, Record{Time: base.Add(time.Second), Session: "s1", Target: "local", Command: "rm -rf /", Decision: DecisionBlocked, Source: "blacklist", Error: "blocked"}))
	require.NoError(t, s.Insert(ctx, Record{Time: base.Add(2 * time.Second), Session: "s1", Target: "u@h:22", Command: "uptime", Decision: DecisionFailed, Error: "dial"}))

	all, err := s.Query(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "uptime", all[0].Command, "newest first")
	assert.NotEmpty(t, all[0].ID)

	blocked, err := s.Query(ctx, Filter{Decision: DecisionBlocked})
	require.NoError(t, err)
	require.Len(t, blocked, 1)
	assert.Equal(t, "blacklist", blocked[0].Source)
	assert.Nil(t, blocked[0].ExitCode)

	allowed, err := s.Query(ctx, Filter{Decision: DecisionAllowed})
	require.NoError(t, err)
	require.Len(t, allowed, 1)
	require.NotNil(t, allowed[0].ExitCode)
	assert.Equal(t, 0, *allowed[0].ExitCode)
	assert.True(t, base.Equal(allowed[0].Time))

	limited, err := s.Query(ctx, Filter{Session: "s1", Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "uptime", limited[0].Command)

	since, err := s.Query(ctx, Filter{Since: base.Add(time.Second)})
	require.NoError(t, err)
	assert.Len(t, since, 2)
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(context.Background(), "")
	assert.Error(t, err)
}

func TestWriter_FlushesOnClose(t *testing.T) {
	s := openTestStore(t)
	w := NewWriter(s, 16, log.Discard())

	for i := 0; i < 10; i++ {
		w.Record(Record{Session: "s", Target: "local", Command: "true", Decision: DecisionAllowed})
	}
	require.NoError(t, w.Close(context.Background()))

	records, err := s.Query(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Len(t, records, 10)

	w.Record(Record{Session: "late"})
	require.NoError(t, w.Close(context.Background()))
}

func TestNop(t *testing.T) {
	var r Recorder = Nop{}
	r.Record(Record{})
}
