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
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	sshconfig "github.com/kevinburke/ssh_config"

	gwerrors "github.com/tombee/shellgate/pkg/errors"
)

// Entry is one named target in the registry.
type Entry struct {
	Host        string `yaml:"host" json:"host"`
	Port        int    `yaml:"port,omitempty" json:"port,omitempty"`
	User        string `yaml:"user,omitempty" json:"user,omitempty"`
	KeyFile     string `yaml:"key_file,omitempty" json:"key_file,omitempty"`
	PasswordRef string `yaml:"password_ref,omitempty" json:"password_ref,omitempty"`
}

// SecretResolver resolves password references such as "env:DB_PASS".
type SecretResolver interface {
	Resolve(ctx context.Context, reference string) (string, error)
}

// Params are the inline target parameters of one request.
type Params struct {
	// Target names a registry entry.
	Target   string
	Host     string
	Port     int
	User     string
	Password string
	KeyFile  string
}

// Registry resolves request parameters to descriptors. Inline parameters
// take precedence over a registry entry, which takes precedence over the
// user's ssh_config.
type Registry struct {
	entries        map[string]Entry
	sshConfig      *sshconfig.Config
	defaultKeyFile string
	secrets        SecretResolver
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithSSHConfig consults cfg for HostName, Port, User and IdentityFile.
func WithSSHConfig(cfg *sshconfig.Config) RegistryOption {
	return func(r *Registry) {
		r.sshConfig = cfg
	}
}

// WithDefaultKeyFile sets the key used when a remote target names neither a
// password nor a key.
func WithDefaultKeyFile(path string) RegistryOption {
	return func(r *Registry) {
		r.defaultKeyFile = path
	}
}

// WithSecrets sets the resolver for PasswordRef values.
func WithSecrets(resolver SecretResolver) RegistryOption {
	return func(r *Registry) {
		r.secrets = resolver
	}
}

// NewRegistry creates a registry over the named entries.
func NewRegistry(entries map[string]Entry, opts ...RegistryOption) *Registry {
	r := &Registry{entries: make(map[string]Entry, len(entries))}
	for name, entry := range entries {
		r.entries[name] = entry
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// LoadSSHConfig parses an ssh_config file. A missing file yields nil and no
// error.
func LoadSSHConfig(path string) (*sshconfig.Config, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(ExpandHome(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	cfg, err := sshconfig.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

// Names returns the registry entry names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) unknownTargetHint() string {
	names := r.Names()
	if len(names) == 0 {
		return "no targets are configured; pass host/username inline"
	}
	return fmt.Sprintf("configured targets: %s; or pass host/username inline", strings.Join(names, ", "))
}

// Resolve builds the descriptor for one request.
func (r *Registry) Resolve(ctx context.Context, p Params) (Descriptor, error) {
	var (
		entry    Entry
		hasEntry bool
	)

	switch {
	case p.Target != "":
		entry, hasEntry = r.entries[p.Target]
		if !hasEntry {
			return Descriptor{}, &gwerrors.ValidationError{
				Field:      "target",
				Message:    fmt.Sprintf("unknown target %q", p.Target),
				Suggestion: r.unknownTargetHint(),
			}
		}
	case p.Host == "":
		return Local(), nil
	default:
		entry, hasEntry = r.entries[p.Host]
	}

	d := Descriptor{Kind: KindRemote}
	if hasEntry {
		d.Name = p.Target
		if d.Name == "" {
			d.Name = p.Host
		}
		d.Host = entry.Host
		d.Port = entry.Port
		d.User = entry.User
		d.Auth.KeyFile = entry.KeyFile
		if entry.PasswordRef != "" {
			password, err := r.resolveSecret(ctx, entry.PasswordRef)
			if err != nil {
				return Descriptor{}, err
			}
			d.Auth.Password = password
		}
	}

	// A host that named a registry entry is an alias, not an address.
	if p.Host != "" && (p.Target != "" || !hasEntry) {
		d.Host = p.Host
	}
	if p.Port != 0 {
		d.Port = p.Port
	}
	if p.User != "" {
		d.User = p.User
	}
	if p.Password != "" {
		d.Auth.Password = p.Password
	}
	if p.KeyFile != "" {
		d.Auth.KeyFile = p.KeyFile
	}

	r.applySSHConfig(&d)

	if d.Host == "" {
		return Descriptor{}, &gwerrors.ValidationError{Field: "host", Message: "remote target has no host"}
	}
	if d.Port == 0 {
		d.Port = DefaultPort
	}
	if d.Port < 1 || d.Port > 65535 {
		return Descriptor{}, &gwerrors.ValidationError{
			Field:   "port",
			Message: fmt.Sprintf("%d is not a valid port", d.Port),
		}
	}
	if d.User == "" {
		return Descriptor{}, &gwerrors.ValidationError{
			Field:      "username",
			Message:    "remote execution requires a username",
			Suggestion: "pass username, or set User in the target entry or ssh_config",
		}
	}
	if d.Auth.Password == "" && d.Auth.KeyFile == "" {
		d.Auth.KeyFile = r.defaultKeyFile
	}
	d.Auth.KeyFile = ExpandHome(d.Auth.KeyFile)

	return d, nil
}

// applySSHConfig fills fields still empty from ssh_config. The host alias
// is rewritten to HostName last so lookups use the alias.
func (r *Registry) applySSHConfig(d *Descriptor) {
	if r.sshConfig == nil || d.Host == "" {
		return
	}
	alias := d.Host

	if d.Port == 0 {
		if v := r.lookup(alias, "Port"); v != "" {
			if port, err := strconv.Atoi(v); err == nil {
				d.Port = port
			}
		}
	}
	if d.User == "" {
		d.User = r.lookup(alias, "User")
	}
	if d.Auth.Password == "" && d.Auth.KeyFile == "" {
		d.Auth.KeyFile = r.lookup(alias, "IdentityFile")
	}
	if v := r.lookup(alias, "HostName"); v != "" {
		d.Host = v
	}
}

func (r *Registry) lookup(alias, key string) string {
	v, err := r.sshConfig.Get(alias, key)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(v)
}

func (r *Registry) resolveSecret(ctx context.Context, reference string) (string, error) {
	if r.secrets == nil {
		return "", &gwerrors.ValidationError{
			Field:   "password_ref",
			Message: "no secret resolver configured",
		}
	}
	value, err := r.secrets.Resolve(ctx, reference)
	if err != nil {
		return "", &gwerrors.ConnectionError{Target: reference, Op: "resolve credentials", Cause: err}
	}
	return value, nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
