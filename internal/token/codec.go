// Package token issues and verifies the HS256 bearer tokens used for access and refresh credentials.
package token

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Kind selects the lifetime of an issued token.
type Kind int

const (
	// Access tokens authenticate individual requests.
	Access Kind = iota
	// Refresh tokens mint new access tokens and are tracked by the session store.
	Refresh
)

func (kind Kind) String() string {
	switch kind {
	case Access:
		return "access"
	case Refresh:
		return "refresh"
	default:
		return "unknown"
	}
}

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now returns the current UTC timestamp.
func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// SystemClock returns the wall clock.
func SystemClock() Clock {
	return systemClock{}
}

// Sentinel errors exposed by the codec.
var (
	ErrMissingSigningKey = errors.New("token.codec.missing_signing_key")
	ErrInvalidTTL        = errors.New("token.codec.invalid_ttl")
	ErrEmptySubject      = errors.New("token.codec.empty_subject")
	ErrUnknownKind       = errors.New("token.codec.unknown_kind")
	// ErrInvalidToken covers malformed, expired and mis-signed tokens alike.
	ErrInvalidToken = errors.New("token.codec.invalid_token")
)

// Config configures the Codec.
type Config struct {
	SigningKey []byte
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	Clock      Clock
}

// Issued is a freshly signed token with its validity window.
type Issued struct {
	Token     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Codec signs and verifies tokens with a single shared key.
type Codec struct {
	signingKey []byte
	ttls       map[Kind]time.Duration
	clock      Clock
}

// New constructs a Codec after validating the supplied configuration.
func New(configuration Config) (*Codec, error) {
	if len(configuration.SigningKey) == 0 {
		return nil, fmt.Errorf("token.codec.new: %w", ErrMissingSigningKey)
	}
	if configuration.AccessTTL <= 0 || configuration.RefreshTTL <= 0 {
		return nil, fmt.Errorf("token.codec.new: %w", ErrInvalidTTL)
	}
	clock := configuration.Clock
	if clock == nil {
		clock = systemClock{}
	}
	signingKey := make([]byte, len(configuration.SigningKey))
	copy(signingKey, configuration.SigningKey)
	return &Codec{
		signingKey: signingKey,
		ttls: map[Kind]time.Duration{
			Access:  configuration.AccessTTL,
			Refresh: configuration.RefreshTTL,
		},
		clock: clock,
	}, nil
}

// TTL returns the configured lifetime for kind.
func (codec *Codec) TTL(kind Kind) time.Duration {
	return codec.ttls[kind]
}

// Issue signs a token for subject whose expiry is now plus the kind's lifetime.
func (codec *Codec) Issue(kind Kind, subject string) (Issued, error) {
	ttl, ok := codec.ttls[kind]
	if !ok {
		return Issued{}, fmt.Errorf("token.codec.issue: %w", ErrUnknownKind)
	}
	if strings.TrimSpace(subject) == "" {
		return Issued{}, fmt.Errorf("token.codec.issue: %w", ErrEmptySubject)
	}
	issuedAt := codec.clock.Now().UTC().Truncate(jwt.TimePrecision)
	expiresAt := issuedAt.Add(ttl)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(issuedAt),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}).SignedString(codec.signingKey)
	if err != nil {
		return Issued{}, fmt.Errorf("token.codec.issue.%s: %w", kind, err)
	}
	return Issued{Token: signed, IssuedAt: issuedAt, ExpiresAt: expiresAt}, nil
}

// Verify checks signature and expiry and returns the subject.
func (codec *Codec) Verify(tokenString string) (string, error) {
	if strings.TrimSpace(tokenString) == "" {
		return "", ErrInvalidToken
	}
	claims := &jwt.RegisteredClaims{}
	parsedToken, parseErr := jwt.ParseWithClaims(tokenString, claims, func(parsed *jwt.Token) (interface{}, error) {
		return codec.signingKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(codec.clock.Now),
	)
	if parseErr != nil || parsedToken == nil || !parsedToken.Valid {
		return "", ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}
