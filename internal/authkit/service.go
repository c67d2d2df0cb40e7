package authkit

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strconv"

	"github.com/ascent-team/ascent-core/internal/apierror"
	"github.com/ascent-team/ascent-core/internal/token"
	"github.com/ascent-team/ascent-core/internal/userstore"
	"go.uber.org/zap"
)

// TokenPair is returned by a successful login.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// ServiceDependencies wires the collaborators of Service.
type ServiceDependencies struct {
	Users    UserStore
	Hasher   userstore.PasswordHasher
	Codec    *token.Codec
	Sessions SessionStore
	Metrics  MetricsRecorder
	Logger   *zap.Logger
}

// Service orchestrates registration, login, access-token reissue and logout.
type Service struct {
	users    UserStore
	hasher   userstore.PasswordHasher
	codec    *token.Codec
	sessions SessionStore
	metrics  MetricsRecorder
	logger   *zap.Logger
}

// NewService validates dependencies and builds a Service.
func NewService(dependencies ServiceDependencies) (*Service, error) {
	if dependencies.Users == nil || dependencies.Hasher == nil || dependencies.Codec == nil || dependencies.Sessions == nil {
		return nil, errors.New("auth.service.new: users, hasher, codec and sessions are required")
	}
	metrics := dependencies.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	logger := dependencies.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		users:    dependencies.Users,
		hasher:   dependencies.Hasher,
		codec:    dependencies.Codec,
		sessions: dependencies.Sessions,
		metrics:  metrics,
		logger:   logger,
	}, nil
}

// Register creates an account after checking the email is unused.
func (service *Service) Register(ctx context.Context, email string, password string, nickname string) (*userstore.User, error) {
	normalizedEmail := userstore.NormalizeEmail(email)
	exists, existsErr := service.users.ExistsByEmail(ctx, normalizedEmail)
	if existsErr != nil {
		return nil, fmt.Errorf("auth.register: %w", existsErr)
	}
	if exists {
		return nil, apierror.New(apierror.KindEmailAlreadyExists)
	}
	passwordHash, hashErr := service.hasher.Hash(password)
	if hashErr != nil {
		return nil, fmt.Errorf("auth.register: %w", hashErr)
	}
	user, createErr := service.users.Create(ctx, normalizedEmail, passwordHash, nickname)
	if createErr != nil {
		switch {
		case errors.Is(createErr, userstore.ErrEmailTaken):
			return nil, apierror.Wrap(apierror.KindEmailAlreadyExists, createErr)
		case errors.Is(createErr, userstore.ErrInvalidNickname), errors.Is(createErr, userstore.ErrMissingField):
			return nil, apierror.Wrap(apierror.KindInvalidInput, createErr)
		}
		return nil, fmt.Errorf("auth.register: %w", createErr)
	}
	service.logger.Info("user registered",
		zap.String("code", "auth.register.success"),
		zap.Uint64("user_id", user.ID))
	return user, nil
}

// Login checks credentials, mints an access/refresh pair and records the refresh token.
func (service *Service) Login(ctx context.Context, email string, password string) (TokenPair, error) {
	pair, err := service.login(ctx, userstore.NormalizeEmail(email), password)
	service.metrics.Record(OperationLogin, outcomeOf(err))
	if err != nil {
		return TokenPair{}, err
	}
	return pair, nil
}

func (service *Service) login(ctx context.Context, normalizedEmail string, password string) (TokenPair, error) {
	user, lookupErr := service.users.FindByEmail(ctx, normalizedEmail)
	if lookupErr != nil {
		if errors.Is(lookupErr, userstore.ErrUserNotFound) {
			service.logger.Info("login for unknown account", zap.String("code", "auth.login.user_not_found"))
			return TokenPair{}, apierror.Wrap(apierror.KindUserNotFound, lookupErr)
		}
		return TokenPair{}, fmt.Errorf("auth.login: %w", lookupErr)
	}
	if !user.IsActive() {
		service.logger.Info("login for inactive account",
			zap.String("code", "auth.login.inactive"),
			zap.Uint64("user_id", user.ID))
		return TokenPair{}, apierror.New(apierror.KindUserNotFound)
	}
	if compareErr := service.hasher.Compare(user.PasswordHash, password); compareErr != nil {
		if errors.Is(compareErr, userstore.ErrPasswordMismatch) {
			service.logger.Info("login password mismatch",
				zap.String("code", "auth.login.invalid_credentials"),
				zap.Uint64("user_id", user.ID))
			return TokenPair{}, apierror.Wrap(apierror.KindInvalidCredentials, compareErr)
		}
		return TokenPair{}, fmt.Errorf("auth.login: %w", compareErr)
	}

	subject := strconv.FormatUint(user.ID, 10)
	access, accessErr := service.codec.Issue(token.Access, subject)
	if accessErr != nil {
		return TokenPair{}, fmt.Errorf("auth.login: %w", accessErr)
	}
	refresh, refreshErr := service.codec.Issue(token.Refresh, subject)
	if refreshErr != nil {
		return TokenPair{}, fmt.Errorf("auth.login: %w", refreshErr)
	}
	if putErr := service.sessions.Put(ctx, user.ID, refresh.Token, service.codec.TTL(token.Refresh)); putErr != nil {
		return TokenPair{}, fmt.Errorf("auth.login: %w", putErr)
	}
	service.logger.Info("login succeeded",
		zap.String("code", "auth.login.success"),
		zap.Uint64("user_id", user.ID))
	return TokenPair{AccessToken: access.Token, RefreshToken: refresh.Token}, nil
}

// Reissue mints a new access token when refreshToken verifies and is the stored one.
func (service *Service) Reissue(ctx context.Context, refreshToken string) (string, error) {
	accessToken, err := service.reissue(ctx, refreshToken)
	service.metrics.Record(OperationReissue, outcomeOf(err))
	if err != nil {
		return "", err
	}
	return accessToken, nil
}

func (service *Service) reissue(ctx context.Context, refreshToken string) (string, error) {
	subject, verifyErr := service.codec.Verify(refreshToken)
	if verifyErr != nil {
		service.logger.Info("reissue with unverifiable token", zap.String("code", "auth.reissue.invalid_token"))
		return "", apierror.Wrap(apierror.KindInvalidToken, verifyErr)
	}
	userID, parseErr := ParseSubject(subject)
	if parseErr != nil {
		return "", apierror.Wrap(apierror.KindInvalidToken, parseErr)
	}
	stored, found, getErr := service.sessions.Get(ctx, userID)
	if getErr != nil {
		return "", fmt.Errorf("auth.reissue: %w", getErr)
	}
	if !found || subtle.ConstantTimeCompare([]byte(stored), []byte(refreshToken)) != 1 {
		service.logger.Info("reissue with superseded or revoked token",
			zap.String("code", "auth.reissue.session_mismatch"),
			zap.Uint64("user_id", userID),
			zap.Bool("session_found", found))
		return "", apierror.New(apierror.KindInvalidToken)
	}
	access, issueErr := service.codec.Issue(token.Access, subject)
	if issueErr != nil {
		return "", fmt.Errorf("auth.reissue: %w", issueErr)
	}
	return access.Token, nil
}

// Logout removes the stored refresh token; an absent entry is not an error.
func (service *Service) Logout(ctx context.Context, userID uint64) error {
	if err := service.sessions.Delete(ctx, userID); err != nil {
		service.metrics.Record(OperationLogout, OutcomeError)
		return fmt.Errorf("auth.logout: %w", err)
	}
	service.metrics.Record(OperationLogout, OutcomeSuccess)
	service.logger.Info("logout",
		zap.String("code", "auth.logout.success"),
		zap.Uint64("user_id", userID))
	return nil
}

// ErrInvalidSubject indicates a token subject that is not a user identifier.
var ErrInvalidSubject = errors.New("auth.invalid_subject")

// ParseSubject converts a token subject into a user identifier.
func ParseSubject(subject string) (uint64, error) {
	userID, err := strconv.ParseUint(subject, 10, 64)
	if err != nil || userID == 0 {
		return 0, ErrInvalidSubject
	}
	return userID, nil
}
