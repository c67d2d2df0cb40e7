package authkit

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/ascent-team/ascent-core/internal/userstore"
)

// UserStore is the credential store consulted by the service and the gate.
type UserStore interface {
	Create(ctx context.Context, email string, passwordHash string, nickname string) (*userstore.User, error)
	FindByID(ctx context.Context, userID uint64) (*userstore.User, error)
	FindByEmail(ctx context.Context, email string) (*userstore.User, error)
	ExistsByEmail(ctx context.Context, email string) (bool, error)
}

// SessionStore holds at most one refresh token per user.
type SessionStore interface {
	// Put overwrites any existing entry for userID; the entry expires after ttl.
	Put(ctx context.Context, userID uint64, refreshToken string, ttl time.Duration) error
	// Get returns the stored token; found is false when no entry exists.
	Get(ctx context.Context, userID uint64) (refreshToken string, found bool, err error)
	// Delete removes the entry; deleting a missing entry is not an error.
	Delete(ctx context.Context, userID uint64) error
}

// SessionKeyPrefix namespaces refresh-token entries in the session store.
const SessionKeyPrefix = "RT:"

// SessionKey returns the store key for userID.
func SessionKey(userID uint64) string {
	return SessionKeyPrefix + strconv.FormatUint(userID, 10)
}

// ErrSessionInvalidTTL indicates a non-positive expiry on Put.
var ErrSessionInvalidTTL = errors.New("session_store.invalid_ttl")
