// Package identity validates the session token the sync service issues to a
// signed-in device and extracts the user id for channel authorization.
package identity

import (
	"errors"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	defaultIssuer   = "notesync-cloud"
	defaultAudience = "notesync-client"
	defaultLeeway   = 30 * time.Second
)

// Config configures session-token verification.
type Config struct {
	Secret   string
	Issuer   string
	Audience string
	Leeway   time.Duration
}

// Verifier validates session tokens (HS256, shared secret provisioned at
// sign-in) and extracts the subject.
type Verifier struct {
	secret   []byte
	issuer   string
	audience string
	leeway   time.Duration
}

// NewVerifier creates a session-token verifier.
func NewVerifier(cfg Config) (*Verifier, error) {
	secret := strings.TrimSpace(cfg.Secret)
	if secret == "" {
		return nil, errors.New("identity verifier requires a secret")
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		audience = defaultAudience
	}
	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = defaultLeeway
	}
	return &Verifier{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
		leeway:   leeway,
	}, nil
}

// VerifySubject validates the token and returns the subject user ID.
func (v *Verifier) VerifySubject(token string) (string, error) {
	claims := jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(v.leeway),
	)
	if err != nil || !parsed.Valid {
		if err == nil {
			err = errors.New("invalid token")
		}
		return "", err
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return "", errors.New("token subject missing")
	}
	return subject, nil
}
