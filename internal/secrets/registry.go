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
	"context"
	"errors"
	"fmt"
	"regexp"
)

var (
	// ErrSecretNotFound is returned when a referenced secret does not exist.
	ErrSecretNotFound = errors.New("secret not found")

	// ErrProviderUnavailable is returned when a provider cannot be used in the current environment.
	ErrProviderUnavailable = errors.New("secret provider unavailable")

	// ErrInvalidReference is returned for references that are not scheme:key.
	ErrInvalidReference = errors.New("invalid secret reference")
)

// Provider resolves keys for one reference scheme.
type Provider interface {
	// Scheme returns the reference prefix the provider serves (e.g., "env").
	Scheme() string

	// Resolve returns the secret for key.
	Resolve(ctx context.Context, key string) (string, error)
}

var schemeRegex = regexp.MustCompile(`^([a-z][a-z0-9]*):(.+)$`)

// Registry routes references to providers by scheme.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry creates a registry with the given providers.
func NewRegistry(providers ...Provider) (*Registry, error) {
	r := &Registry{providers: make(map[string]Provider)}
	for _, p := range providers {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// NewDefaultRegistry registers the env, file and keychain providers.
func NewDefaultRegistry() *Registry {
	r, _ := NewRegistry(NewEnvProvider(), NewFileProvider(), NewKeychainProvider())
	return r
}

// Register adds a provider. It fails if the scheme is already taken.
func (r *Registry) Register(p Provider) error {
	scheme := p.Scheme()
	if _, exists := r.providers[scheme]; exists {
		return fmt.Errorf("provider for scheme %q already registered", scheme)
	}
	r.providers[scheme] = p
	return nil
}

// Resolve routes reference to its provider. Errors name the scheme but
// never the resolved value.
func (r *Registry) Resolve(ctx context.Context, reference string) (string, error) {
	scheme, key, err := ParseReference(reference)
	if err != nil {
		return "", err
	}

	provider, ok := r.providers[scheme]
	if !ok {
		return "", fmt.Errorf("%w: no provider for scheme %q", ErrInvalidReference, scheme)
	}

	value, err := provider.Resolve(ctx, key)
	if err != nil {
		return "", fmt.Errorf("%s secret: %w", scheme, err)
	}
	return value, nil
}

// ParseReference splits scheme:key.
func ParseReference(reference string) (scheme, key string, err error) {
	m := schemeRegex.FindStringSubmatch(reference)
	if m == nil {
		return "", "", fmt.Errorf("%w: expected scheme:key", ErrInvalidReference)
	}
	return m[1], m[2], nil
}
