// Cardpulse - FI Ingestion and Daily Funnel Rollups
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cardpulse

package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tomtom215/cardpulse/internal/logging"
)

// RefreshScope is the scope claim a token needs to start a refresh.
const RefreshScope = "refresh"

var (
	errMissingToken = errors.New("missing bearer token")
	errWrongScope   = errors.New("token lacks refresh scope")
)

// RefreshClaims are the claims of a refresh token.
type RefreshClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// TokenVerifier checks HS256 bearer tokens signed with a shared secret.
type TokenVerifier struct {
	secret []byte
	parser *jwt.Parser
}

// NewTokenVerifier returns nil when secret is empty, which disables the
// check.
func NewTokenVerifier(secret string) *TokenVerifier {
	if secret == "" {
		return nil
	}
	return &TokenVerifier{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(30*time.Second),
		),
	}
}

// Verify parses and checks token.
func (v *TokenVerifier) Verify(token string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	_, err := v.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if claims.Scope != RefreshScope {
		return nil, errWrongScope
	}
	return claims, nil
}

// IssueRefreshToken signs a refresh-scoped token for subject, valid for ttl.
func IssueRefreshToken(secret, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := RefreshClaims{
		Scope: RefreshScope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

func bearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", errMissingToken
	}
	return strings.TrimSpace(token), nil
}

// RequireRefreshToken guards the refresh trigger. A nil verifier lets every
// request through.
func RequireRefreshToken(v *TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if v == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := bearerToken(r)
			if err == nil {
				var claims *RefreshClaims
				claims, err = v.Verify(token)
				if err == nil {
					logging.Ctx(r.Context()).Debug().Str("subject", claims.Subject).Msg("Refresh token accepted")
					next.ServeHTTP(w, r)
					return
				}
			}
			logging.Ctx(r.Context()).Warn().Err(err).Msg("Refresh request rejected")
			w.Header().Set("WWW-Authenticate", `Bearer realm="cardpulse"`)
			respondError(w, r, http.StatusUnauthorized, ErrCodeUnauthorized, "A valid refresh token is required", nil)
		})
	}
}
