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

package transport

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AuthConfig enables bearer-token authentication on the HTTP binding.
type AuthConfig struct {
	// Secret is the HS256 signing key.
	Secret []byte

	// Issuer and Audience, when set, must match the token claims.
	Issuer   string
	Audience string

	// ClockSkew is tolerated when checking exp and nbf.
	ClockSkew time.Duration
}

// Claims are the token claims the gateway understands.
type Claims struct {
	jwt.RegisteredClaims
}

var errNoToken = errors.New("missing bearer token")

// ValidateToken parses and verifies a signed token.
func ValidateToken(token string, cfg AuthConfig) (*Claims, error) {
	if token == "" {
		return nil, errNoToken
	}
	if len(cfg.Secret) == 0 {
		return nil, errors.New("no signing secret configured")
	}

	opts := []jwt.ParserOption{
		jwt.WithLeeway(cfg.ClockSkew),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	claims := &Claims{}
	parsed, err := jwt.NewParser(opts...).ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return cfg.Secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}
	return claims, nil
}

// IssueToken signs a token for subject that expires after ttl.
func IssueToken(cfg AuthConfig, subject string, ttl time.Duration) (string, error) {
	if len(cfg.Secret) == 0 {
		return "", errors.New("no signing secret configured")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	now := time.Now()
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    cfg.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}}
	if cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{cfg.Audience}
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(cfg.Secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// bearerToken reads the Authorization header, falling back to the
// access_token query parameter for EventSource clients that cannot set
// headers.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}

func (h *HTTP) authorized(r *http.Request) bool {
	_, err := ValidateToken(bearerToken(r), *h.cfg.Auth)
	return err == nil
}

// authenticated rejects requests without a valid token when auth is
// configured.
func (h *HTTP) authenticated(next http.HandlerFunc) http.HandlerFunc {
	if h.cfg.Auth == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		claims, err := ValidateToken(bearerToken(r), *h.cfg.Auth)
		if err != nil {
			h.logger.Warn("unauthorized request", "remote", r.RemoteAddr, "path", r.URL.Path, "error", err)
			w.Header().Set("WWW-Authenticate", `Bearer realm="shellgate"`)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		h.logger.Debug("authenticated request", "subject", claims.Subject, "path", r.URL.Path)
		next(w, r)
	}
}
