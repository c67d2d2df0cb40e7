package channel

import (
	"context"
	"errors"
	"fmt"

	"github.com/ascent-team/ascent-core/internal/authkit"
	"github.com/ascent-team/ascent-core/internal/userstore"
	"go.uber.org/zap"
)

var (
	// ErrNotConnectFrame indicates the first frame was not CONNECT or STOMP.
	ErrNotConnectFrame = errors.New("channel.connect.not_connect_frame")
	// ErrMissingAuthorization indicates the handshake carried no bearer token.
	ErrMissingAuthorization = errors.New("channel.connect.missing_authorization")
	// ErrInvalidToken indicates the handshake token failed verification.
	ErrInvalidToken = errors.New("channel.connect.invalid_token")
	// ErrAccountUnavailable indicates the token subject is missing or deactivated.
	ErrAccountUnavailable = errors.New("channel.connect.account_unavailable")
)

// TokenVerifier returns the subject of a valid access token.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// AccountLookup resolves the account behind a verified subject.
type AccountLookup interface {
	FindByID(ctx context.Context, userID uint64) (*userstore.User, error)
}

// HandshakeGuard authenticates a connection once, at its CONNECT frame.
type HandshakeGuard struct {
	verifier TokenVerifier
	accounts AccountLookup
	logger   *zap.Logger
}

// NewHandshakeGuard builds a guard around verifier. When accounts is set,
// subjects must name an ACTIVE account, as on the HTTP gate.
func NewHandshakeGuard(verifier TokenVerifier, accounts AccountLookup, logger *zap.Logger) *HandshakeGuard {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HandshakeGuard{verifier: verifier, accounts: accounts, logger: logger}
}

// Authenticate returns the user id bound to the connection.
func (guard *HandshakeGuard) Authenticate(ctx context.Context, frame Frame) (uint64, error) {
	if frame.Command != CommandConnect && frame.Command != CommandStomp {
		return 0, guard.refuse("channel.connect.not_connect_frame", ErrNotConnectFrame)
	}
	headerValue, _ := frame.Header("Authorization")
	if headerValue == "" {
		headerValue, _ = frame.Header("authorization")
	}
	accessToken, isBearer := authkit.BearerToken(headerValue)
	if !isBearer || accessToken == "" {
		return 0, guard.refuse("channel.connect.missing_authorization", ErrMissingAuthorization)
	}
	subject, verifyErr := guard.verifier.Verify(accessToken)
	if verifyErr != nil {
		return 0, guard.refuse("channel.connect.invalid_token", fmt.Errorf("%w: %v", ErrInvalidToken, verifyErr))
	}
	userID, parseErr := authkit.ParseSubject(subject)
	if parseErr != nil {
		return 0, guard.refuse("channel.connect.invalid_subject", fmt.Errorf("%w: %v", ErrInvalidToken, parseErr))
	}
	if guard.accounts == nil {
		return userID, nil
	}
	user, lookupErr := guard.accounts.FindByID(ctx, userID)
	switch {
	case errors.Is(lookupErr, userstore.ErrUserNotFound):
		return 0, guard.refuse("channel.connect.user_not_found", ErrAccountUnavailable)
	case lookupErr != nil:
		return 0, guard.refuse("channel.connect.lookup_error", fmt.Errorf("channel.connect: %w", lookupErr))
	case !user.IsActive():
		return 0, guard.refuse("channel.connect.user_inactive", ErrAccountUnavailable)
	}
	return userID, nil
}

func (guard *HandshakeGuard) refuse(code string, err error) error {
	guard.logger.Info("channel connect rejected",
		zap.String("code", "channel.connect.rejected"),
		zap.String("reason", code))
	return err
}
