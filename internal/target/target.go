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

// Package target describes where a command runs: the local machine or a
// remote host reached over SSH.
package target

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
)

// Kind distinguishes local from remote targets.
type Kind string

const (
	KindLocal  Kind = "local"
	KindRemote Kind = "remote"
)

// DefaultPort is the SSH port used when none is configured.
const DefaultPort = 22

// Auth holds remote credentials. Password is never rendered.
type Auth struct {
	Password string
	KeyFile  string
}

// Fingerprint returns a short stable digest of the credentials so that two
// descriptors with the same host but different credentials never share a
// session or a connection.
func (a Auth) Fingerprint() string {
	if a.Password == "" && a.KeyFile == "" {
		return ""
	}
	sum := sha256.Sum256([]byte("pw:" + a.Password + "\x00key:" + a.KeyFile))
	return hex.EncodeToString(sum[:6])
}

// Identity is the partition key for sessions and pooled connections.
type Identity string

// LocalIdentity is the identity of the local machine.
const LocalIdentity Identity = "local"

// Descriptor identifies one execution target.
type Descriptor struct {
	Kind Kind
	Host string
	Port int
	User string
	Auth Auth

	// Name is the registry entry the descriptor came from, if any. It is
	// informational and not part of the identity.
	Name string
}

// Local returns the descriptor for the local machine.
func Local() Descriptor {
	return Descriptor{Kind: KindLocal}
}

// IsLocal reports whether the descriptor targets the local machine.
func (d Descriptor) IsLocal() bool {
	return d.Kind != KindRemote
}

// Identity returns the partition key. Two descriptors are identity-equal
// iff kind, host, port, user and auth fingerprint match.
func (d Descriptor) Identity() Identity {
	if d.IsLocal() {
		return LocalIdentity
	}
	return Identity(fmt.Sprintf("ssh://%s@%s#%s", d.User, d.Address(), d.Auth.Fingerprint()))
}

// Address returns host:port for dialing.
func (d Descriptor) Address() string {
	port := d.Port
	if port == 0 {
		port = DefaultPort
	}
	return net.JoinHostPort(d.Host, strconv.Itoa(port))
}

// String renders the descriptor without credentials.
func (d Descriptor) String() string {
	if d.IsLocal() {
		return string(LocalIdentity)
	}
	return fmt.Sprintf("%s@%s", d.User, d.Address())
}
