// Package auth issues and validates agent tokens.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/postalsys/metroo-hub/internal/protocol"
)

var (
	// ErrTokenExpired is returned for an authentic token past its expiry.
	// Agents react to it by rotating rather than re-authenticating from scratch.
	ErrTokenExpired = errors.New("token expired")

	// ErrInvalidToken is returned for every other validation failure.
	ErrInvalidToken = errors.New("invalid token")

	// ErrRotationWindowClosed is returned when a token expired too long ago to rotate.
	ErrRotationWindowClosed = errors.New("token expired beyond rotation grace")
)

// DefaultIssuer is the iss claim written into every token.
const DefaultIssuer = "metroo-hub"

// Config configures an Authenticator.
type Config struct {
	// Secret is the HMAC key. Required.
	Secret []byte

	// TokenTTL is the lifetime of issued tokens.
	TokenTTL time.Duration

	// RotationGrace is how long after expiry a token may still be rotated.
	RotationGrace time.Duration

	// Issuer overrides DefaultIssuer.
	Issuer string
}

// Claims are the JWT claims of an agent token. Subject holds the agent id.
type Claims struct {
	jwt.RegisteredClaims
}

// Authenticator issues, validates and rotates HS256 agent tokens.
type Authenticator struct {
	secret []byte
	ttl    time.Duration
	grace  time.Duration
	issuer string
	now    func() time.Time
}

// NewAuthenticator creates an authenticator.
func NewAuthenticator(cfg Config) (*Authenticator, error) {
	if len(cfg.Secret) < 16 {
		return nil, fmt.Errorf("auth secret must be at least 16 bytes")
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	if cfg.Issuer == "" {
		cfg.Issuer = DefaultIssuer
	}
	return &Authenticator{
		secret: cfg.Secret,
		ttl:    cfg.TokenTTL,
		grace:  cfg.RotationGrace,
		issuer: cfg.Issuer,
		now:    time.Now,
	}, nil
}

// Issue signs a new token for agentID.
func (a *Authenticator) Issue(agentID string) (string, time.Time, error) {
	if agentID == "" {
		return "", time.Time{}, fmt.Errorf("agent id is required")
	}

	now := a.now()
	expires := now.Add(a.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   agentID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expires, nil
}

// Validate checks that token is authentic, current and belongs to agentID.
// It returns ErrTokenExpired or ErrInvalidToken.
func (a *Authenticator) Validate(agentID, token string) error {
	claims, err := a.parse(token, true)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			// An expired token is only reported as such if it is otherwise
			// valid for agentID; parse skips the issuer check without claims
			// validation.
			stale, perr := a.parse(token, false)
			if perr == nil && stale.Subject == agentID && stale.Issuer == a.issuer {
				return ErrTokenExpired
			}
		}
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject != agentID {
		return fmt.Errorf("%w: token issued for a different agent", ErrInvalidToken)
	}
	return nil
}

// Rotate exchanges a current or recently expired token for a fresh one.
func (a *Authenticator) Rotate(token string) (agentID, fresh string, expires time.Time, err error) {
	claims, err := a.parse(token, false)
	if err != nil {
		return "", "", time.Time{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" || claims.ExpiresAt == nil || claims.Issuer != a.issuer {
		return "", "", time.Time{}, fmt.Errorf("%w: missing subject, expiry or issuer", ErrInvalidToken)
	}
	if a.now().After(claims.ExpiresAt.Time.Add(a.grace)) {
		return "", "", time.Time{}, ErrRotationWindowClosed
	}

	fresh, expires, err = a.Issue(claims.Subject)
	if err != nil {
		return "", "", time.Time{}, err
	}
	return claims.Subject, fresh, expires, nil
}

func (a *Authenticator) parse(token string, validateClaims bool) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.issuer),
		jwt.WithTimeFunc(a.now),
	}
	if validateClaims {
		opts = append(opts, jwt.WithExpirationRequired())
	} else {
		opts = append(opts, jwt.WithoutClaimsValidation())
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// Code maps a validation error to its wire code.
func Code(err error) string {
	if errors.Is(err, ErrTokenExpired) {
		return protocol.CodeTokenExpired
	}
	return protocol.CodeInvalidToken
}

// CloseCode maps a validation error to the WebSocket close code sent with it.
func CloseCode(err error) int {
	if errors.Is(err, ErrTokenExpired) {
		return protocol.CloseTokenExpired
	}
	return protocol.CloseInvalidToken
}

// ErrorForCode maps a wire code back to its sentinel error.
func ErrorForCode(code string) error {
	switch code {
	case protocol.CodeTokenExpired:
		return ErrTokenExpired
	case protocol.CodeInvalidToken:
		return ErrInvalidToken
	default:
		return nil
	}
}
