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

package secrets

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"github.com/tombee/shellgate/internal/commands/shared"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := NewCommand()
	var out bytes.Buffer
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestSetGetDelete(t *testing.T) {
	keyring.MockInit()
	t.Cleanup(shared.ResetFlagsForTest)

	out, err := execute(t, "s3cret-password\n", "set", "web-deploy")
	require.NoError(t, err)
	assert.Contains(t, out, "keychain:web-deploy")

	out, err = execute(t, "", "get", "web-deploy")
	require.NoError(t, err)
	assert.Equal(t, "s3cr...word\n", out)

	out, err = execute(t, "", "get", "keychain:web-deploy", "--unmask")
	require.NoError(t, err)
	assert.Equal(t, "s3cret-password\n", out)

	_, err = execute(t, "", "delete", "web-deploy")
	require.NoError(t, err)

	_, err = execute(t, "", "get", "web-deploy")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestGetEnvReference(t *testing.T) {
	t.Setenv("SHELLGATE_TEST_SECRET", "short")
	out, err := execute(t, "", "get", "env:SHELLGATE_TEST_SECRET")
	require.NoError(t, err)
	assert.Equal(t, "****\n", out)
}

func TestSetRejects(t *testing.T) {
	keyring.MockInit()

	_, err := execute(t, "value", "set", "keychain:web")
	require.Error(t, err)

	_, err = execute(t, "value", "set", "two words")
	require.Error(t, err)

	_, err = execute(t, "  \n", "set", "web")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty")
}
