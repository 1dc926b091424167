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

	"github.com/zalando/go-keyring"
)

// KeychainService is the service name entries are stored under.
const KeychainService = "shellgate"

// KeychainProvider resolves keychain:KEY references from the system
// keychain (macOS Keychain, Secret Service on Linux, Windows Credential
// Manager).
type KeychainProvider struct {
	service string
}

// NewKeychainProvider creates a provider for the shellgate service.
func NewKeychainProvider() *KeychainProvider {
	return &KeychainProvider{service: KeychainService}
}

// Scheme returns "keychain".
func (k *KeychainProvider) Scheme() string {
	return "keychain"
}

// Resolve returns the keychain entry for key.
func (k *KeychainProvider) Resolve(_ context.Context, key string) (string, error) {
	value, err := keyring.Get(k.service, key)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrSecretNotFound, key)
		}
		return "", fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	return value, nil
}

// Store saves a keychain entry.
func (k *KeychainProvider) Store(key, value string) error {
	if err := keyring.Set(k.service, key, value); err != nil {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	return nil
}

// Delete removes a keychain entry.
func (k *KeychainProvider) Delete(key string) error {
	if err := keyring.Delete(k.service, key); err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrSecretNotFound, key)
		}
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	return nil
}
