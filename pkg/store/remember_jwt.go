package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"smartwarehouse/internal/util"
)

const (
	defaultRememberTTL    = 30 * 24 * time.Hour
	defaultRememberIssuer = "smartwarehouse"
	rememberAudience      = "remember-me"
	rememberLeeway        = 30 * time.Second
	minRememberSecretLen  = 32
)

// ErrInvalidRememberToken covers malformed, expired and revoked tokens.
var ErrInvalidRememberToken = errors.New("invalid remember token")

// RememberTokens issues long-lived HS256 tokens whose subject can re-create a
// session. Tokens are revoked individually by jti.
type RememberTokens struct {
	secret  []byte
	issuer  string
	ttl     time.Duration
	revoker TokenRevoker
	now     func() time.Time
}

// NewRememberTokens builds the issuer. A zero ttl means 30 days.
func NewRememberTokens(secret string, ttl time.Duration, revoker TokenRevoker) (*RememberTokens, error) {
	secret = strings.TrimSpace(secret)
	if len(secret) < minRememberSecretLen {
		return nil, fmt.Errorf("remember secret must be at least %d characters", minRememberSecretLen)
	}
	if revoker == nil {
		return nil, errors.New("remember tokens require a revoker")
	}
	if ttl <= 0 {
		ttl = defaultRememberTTL
	}
	return &RememberTokens{
		secret:  []byte(secret),
		issuer:  defaultRememberIssuer,
		ttl:     ttl,
		revoker: revoker,
		now:     time.Now,
	}, nil
}

// TTL is the lifetime of issued tokens.
func (r *RememberTokens) TTL() time.Duration {
	return r.ttl
}

// Issue signs a token for userID.
func (r *RememberTokens) Issue(userID int64) (string, time.Time, error) {
	now := r.now().UTC()
	expires := now.Add(r.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(userID, 10),
		Issuer:    r.issuer,
		Audience:  jwt.ClaimStrings{rememberAudience},
		ExpiresAt: jwt.NewNumericDate(expires),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ID:        util.RandomHex(12),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expires, nil
}

// Verify checks signature, expiry and revocation and returns the user ID.
func (r *RememberTokens) Verify(ctx context.Context, token string) (int64, error) {
	claims, err := r.parse(token)
	if err != nil {
		return 0, ErrInvalidRememberToken
	}
	revoked, err := r.revoker.IsRevoked(ctx, claims.ID)
	if err != nil {
		return 0, fmt.Errorf("check revocation: %w", err)
	}
	if revoked {
		return 0, ErrInvalidRememberToken
	}
	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || userID <= 0 {
		return 0, ErrInvalidRememberToken
	}
	return userID, nil
}

// Revoke blocks the token's jti until it would have expired. Invalid tokens
// are ignored.
func (r *RememberTokens) Revoke(ctx context.Context, token string) error {
	claims, err := r.parse(token)
	if err != nil || claims.ExpiresAt == nil {
		return nil
	}
	ttl := claims.ExpiresAt.Time.Sub(r.now())
	return r.revoker.Revoke(ctx, claims.ID, ttl)
}

func (r *RememberTokens) parse(token string) (jwt.RegisteredClaims, error) {
	claims := jwt.RegisteredClaims{}
	token = strings.TrimSpace(token)
	if token == "" {
		return claims, errors.New("invalid token format")
	}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return r.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(r.issuer),
		jwt.WithAudience(rememberAudience),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(rememberLeeway),
		jwt.WithTimeFunc(r.now),
	)
	if err != nil || !parsed.Valid {
		if err == nil {
			err = errors.New("invalid token")
		}
		return claims, err
	}
	if strings.TrimSpace(claims.ID) == "" {
		return claims, errors.New("token jti missing")
	}
	return claims, nil
}
