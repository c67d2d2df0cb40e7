package authkit

import (
	"errors"
	"strings"

	"github.com/ascent-team/ascent-core/internal/apierror"
	"github.com/ascent-team/ascent-core/internal/token"
	"github.com/ascent-team/ascent-core/internal/userstore"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	authorizationHeader = "Authorization"
	bearerPrefix        = "Bearer "
)

// BearerToken extracts the trimmed token after "Bearer "; ok is false for other schemes.
func BearerToken(headerValue string) (string, bool) {
	if !strings.HasPrefix(headerValue, bearerPrefix) {
		return "", false
	}
	return strings.TrimSpace(headerValue[len(bearerPrefix):]), true
}

// Gate authenticates inbound requests that present a bearer token.
type Gate struct {
	codec   *token.Codec
	users   UserStore
	metrics MetricsRecorder
	logger  *zap.Logger
}

// NewGate builds a Gate; nil metrics and logger fall back to no-ops.
func NewGate(codec *token.Codec, users UserStore, metrics MetricsRecorder, logger *zap.Logger) *Gate {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{codec: codec, users: users, metrics: metrics, logger: logger}
}

// Middleware lets requests without a bearer token through anonymously, rejects
// requests whose bearer token fails verification, and attaches the principal otherwise.
func (gate *Gate) Middleware() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		accessToken, isBearer := BearerToken(contextGin.GetHeader(authorizationHeader))
		if !isBearer {
			contextGin.Next()
			return
		}

		subject, verifyErr := gate.codec.Verify(accessToken)
		if verifyErr != nil {
			gate.reject(contextGin, "auth.gate.invalid_token", apierror.Wrap(apierror.KindInvalidToken, verifyErr))
			return
		}

		if _, alreadySet := PrincipalFromGin(contextGin); alreadySet {
			contextGin.Next()
			return
		}

		userID, parseErr := ParseSubject(subject)
		if parseErr != nil {
			gate.reject(contextGin, "auth.gate.invalid_subject", apierror.Wrap(apierror.KindInvalidToken, parseErr))
			return
		}
		user, lookupErr := gate.users.FindByID(contextGin.Request.Context(), userID)
		if lookupErr != nil {
			if errors.Is(lookupErr, userstore.ErrUserNotFound) {
				gate.reject(contextGin, "auth.gate.user_not_found", apierror.Wrap(apierror.KindUserNotFound, lookupErr))
				return
			}
			gate.reject(contextGin, "auth.gate.lookup_error", lookupErr)
			return
		}
		if !user.IsActive() {
			gate.reject(contextGin, "auth.gate.user_inactive", apierror.New(apierror.KindUserNotFound))
			return
		}

		principal := Principal{UserID: user.ID, Email: user.Email, Role: user.Role}
		contextGin.Request = contextGin.Request.WithContext(WithPrincipal(contextGin.Request.Context(), principal))
		contextGin.Set(GinPrincipalKey, principal)
		contextGin.Next()
	}
}

func (gate *Gate) reject(contextGin *gin.Context, code string, err error) {
	gate.metrics.Record(OperationGate, outcomeOf(err))
	gate.logger.Info("request rejected",
		zap.String("code", code),
		zap.String("path", contextGin.Request.URL.Path))
	apierror.Write(contextGin, gate.logger, err)
}

// RequireAuthenticated rejects requests that carry no principal.
func RequireAuthenticated() gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		if _, ok := PrincipalFromGin(contextGin); !ok {
			apierror.Write(contextGin, nil, apierror.ErrUnauthorized)
			return
		}
		contextGin.Next()
	}
}

// RequireRole rejects authenticated requests whose principal lacks role.
func RequireRole(role userstore.Role) gin.HandlerFunc {
	return func(contextGin *gin.Context) {
		principal, ok := PrincipalFromGin(contextGin)
		if !ok {
			apierror.Write(contextGin, nil, apierror.ErrUnauthorized)
			return
		}
		if principal.Role != role {
			apierror.Write(contextGin, nil, apierror.ErrForbidden)
			return
		}
		contextGin.Next()
	}
}
