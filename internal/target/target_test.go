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

package target

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	sshconfig "github.com/kevinburke/ssh_config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gwerrors "github.com/tombee/shellgate/pkg/errors"
)

func TestDescriptor_Identity(t *testing.T) {
	base := Descriptor{Kind: KindRemote, Host: "db1", Port: 22, User: "deploy", Auth: Auth{KeyFile: "/k/id"}}

	same := base
	same.Name = "primary"
	assert.Equal(t, base.Identity(), same.Identity(), "registry name is not part of identity")

	otherAuth := base
	otherAuth.Auth = Auth{Password: "secret"}
	assert.NotEqual(t, base.Identity(), otherAuth.Identity())

	otherPort := base
	otherPort.Port = 2222
	assert.NotEqual(t, base.Identity(), otherPort.Identity())

	otherUser := base
	otherUser.User = "root"
	assert.NotEqual(t, base.Identity(), otherUser.Identity())

	assert.Equal(t, LocalIdentity, Local().Identity())
	assert.NotContains(t, string(otherAuth.Identity()), "secret")
	assert.Equal(t, "deploy@db1:22", base.String())
}

func TestRegistry_ResolveLocal(t *testing.T) {
	r := NewRegistry(nil)

	d, err := r.Resolve(context.Background(), Params{})
	require.NoError(t, err)
	assert.True(t, d.IsLocal())
	assert.Equal(t, LocalIdentity, d.Identity())
}

func TestRegistry_ResolveInline(t *testing.T) {
	r := NewRegistry(nil, WithDefaultKeyFile("/keys/default"))

	d, err := r.Resolve(context.Background(), Params{Host: "10.0.0.5", User: "ops"})
	require.NoError(t, err)
	assert.Equal(t, KindRemote, d.Kind)
	assert.Equal(t, 22, d.Port)
	assert.Equal(t, "/keys/default", d.Auth.KeyFile)

	d, err = r.Resolve(context.Background(), Params{Host: "10.0.0.5", User: "ops", Password: "pw", Port: 2200})
	require.NoError(t, err)
	assert.Equal(t, 2200, d.Port)
	assert.Empty(t, d.Auth.KeyFile, "password auth does not fall back to the default key")
}

func TestRegistry_ResolveValidation(t *testing.T) {
	r := NewRegistry(nil)

	tests := []struct {
		name  string
		p     Params
		field string
	}{
		{"missing user", Params{Host: "h"}, "username"},
		{"bad port", Params{Host: "h", User: "u", Port: 70000}, "port"},
		{"unknown target", Params{Target: "nope"}, "target"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Resolve(context.Background(), tt.p)
			var vErr *gwerrors.ValidationError
			require.True(t, errors.As(err, &vErr), "got %v", err)
			assert.Equal(t, tt.field, vErr.Field)
		})
	}
}

func TestRegistry_UnknownTargetListsNames(t *testing.T) {
	r := NewRegistry(map[string]Entry{
		"web": {Host: "web.internal", User: "deploy"},
		"db":  {Host: "db.internal", User: "deploy"},
	})
	assert.Equal(t, []string{"db", "web"}, r.Names())

	_, err := r.Resolve(context.Background(), Params{Target: "cache"})
	var vErr *gwerrors.ValidationError
	require.True(t, errors.As(err, &vErr), "got %v", err)
	assert.Contains(t, vErr.Suggestion, "configured targets: db, web")

	_, err = NewRegistry(nil).Resolve(context.Background(), Params{Target: "cache"})
	require.True(t, errors.As(err, &vErr), "got %v", err)
	assert.Contains(t, vErr.Suggestion, "no targets are configured")
}

type mapSecrets map[string]string

func (m mapSecrets) Resolve(_ context.Context, ref string) (string, error) {
	if v, ok := m[ref]; ok {
		return v, nil
	}
	return "", fmt.Errorf("secret %s not found", ref)
}

func TestRegistry_ResolveNamedEntry(t *testing.T) {
	entries := map[string]Entry{
		"db": {Host: "db.internal", Port: 2222, User: "deploy", PasswordRef: "env:DB_PASS"},
	}
	r := NewRegistry(entries, WithSecrets(mapSecrets{"env:DB_PASS": "s3cret"}))

	t.Run("by target name", func(t *testing.T) {
		d, err := r.Resolve(context.Background(), Params{Target: "db"})
		require.NoError(t, err)
		assert.Equal(t, "db.internal", d.Host)
		assert.Equal(t, 2222, d.Port)
		assert.Equal(t, "s3cret", d.Auth.Password)
		assert.Equal(t, "db", d.Name)
	})

	t.Run("host naming an entry is an alias", func(t *testing.T) {
		d, err := r.Resolve(context.Background(), Params{Host: "db"})
		require.NoError(t, err)
		assert.Equal(t, "db.internal", d.Host)
	})

	t.Run("inline parameters take precedence", func(t *testing.T) {
		d, err := r.Resolve(context.Background(), Params{Target: "db", User: "root", Port: 22})
		require.NoError(t, err)
		assert.Equal(t, "root", d.User)
		assert.Equal(t, 22, d.Port)
		assert.Equal(t, "db.internal", d.Host)
	})

	t.Run("unresolvable secret", func(t *testing.T) {
		broken := NewRegistry(map[string]Entry{"x": {Host: "x", User: "u", PasswordRef: "env:MISSING"}}, WithSecrets(mapSecrets{}))
		_, err := broken.Resolve(context.Background(), Params{Target: "x"})
		assert.Equal(t, gwerrors.TypeConnection, gwerrors.TypeOf(err))
		assert.NotContains(t, err.Error(), "s3cret")
	})
}

const testSSHConfig = `
Host bastion
	HostName bastion.example.com
	Port 2022
	User jump
	IdentityFile ~/.ssh/bastion_ed25519
`

func TestRegistry_ResolveFromSSHConfig(t *testing.T) {
	cfg, err := sshconfig.Decode(strings.NewReader(testSSHConfig))
	require.NoError(t, err)

	r := NewRegistry(nil, WithSSHConfig(cfg), WithDefaultKeyFile("/keys/default"))

	d, err := r.Resolve(context.Background(), Params{Host: "bastion"})
	require.NoError(t, err)
	assert.Equal(t, "bastion.example.com", d.Host)
	assert.Equal(t, 2022, d.Port)
	assert.Equal(t, "jump", d.User)
	assert.True(t, strings.HasSuffix(d.Auth.KeyFile, filepath.Join(".ssh", "bastion_ed25519")), d.Auth.KeyFile)

	d, err = r.Resolve(context.Background(), Params{Host: "bastion", User: "admin", Port: 22})
	require.NoError(t, err)
	assert.Equal(t, "admin", d.User)
	assert.Equal(t, 22, d.Port)
}

func TestLoadSSHConfig_Missing(t *testing.T) {
	cfg, err := LoadSSHConfig(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestExpandHome(t *testing.T) {
	t.Setenv("HOME", "/home/tester")
	assert.Equal(t, "/home/tester/.ssh/id_rsa", ExpandHome("~/.ssh/id_rsa"))
	assert.Equal(t, "/abs", ExpandHome("/abs"))
}
