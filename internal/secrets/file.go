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
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// MaxFileSize is the maximum allowed secret file size (64KB).
const MaxFileSize = 64 * 1024

// FileProvider resolves file:/abs/path references.
type FileProvider struct{}

// NewFileProvider creates a file provider.
func NewFileProvider() *FileProvider {
	return &FileProvider{}
}

// Scheme returns "file".
func (f *FileProvider) Scheme() string {
	return "file"
}

// Resolve reads the file and trims one trailing newline. Only absolute
// paths are accepted.
func (f *FileProvider) Resolve(_ context.Context, key string) (string, error) {
	if !filepath.IsAbs(key) {
		return "", fmt.Errorf("%w: file path must be absolute", ErrInvalidReference)
	}

	file, err := os.Open(key)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrSecretNotFound, filepath.Base(key))
		}
		return "", fmt.Errorf("opening secret file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, MaxFileSize+1))
	if err != nil {
		return "", fmt.Errorf("reading secret file: %w", err)
	}
	if len(data) > MaxFileSize {
		return "", fmt.Errorf("secret file exceeds %d bytes", MaxFileSize)
	}

	value := strings.TrimSuffix(strings.TrimSuffix(string(data), "\n"), "\r")
	if value == "" {
		return "", fmt.Errorf("%w: %s is empty", ErrSecretNotFound, filepath.Base(key))
	}
	return value, nil
}
