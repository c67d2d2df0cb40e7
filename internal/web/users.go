package web

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/ascent-team/ascent-core/internal/apierror"
	"github.com/ascent-team/ascent-core/internal/authkit"
	"github.com/ascent-team/ascent-core/internal/userstore"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ProfileStore reads and mutates account profiles.
type ProfileStore interface {
	FindByID(ctx context.Context, userID uint64) (*userstore.User, error)
	UpdateNickname(ctx context.Context, userID uint64, nickname string) (*userstore.User, error)
	Deactivate(ctx context.Context, userID uint64) (*userstore.User, error)
}

// SessionRevoker drops the refresh token of a user.
type SessionRevoker interface {
	Logout(ctx context.Context, userID uint64) error
}

// ProfileResponse is the payload returned by the profile endpoints.
type ProfileResponse struct {
	ID       uint64 `json:"id"`
	Email    string `json:"email"`
	Nickname string `json:"nickname"`
	Role     string `json:"role"`
	Status   string `json:"status"`
}

type nicknameRequest struct {
	Nickname string `json:"nickname" binding:"required,min=2,max=20"`
}

func newProfileResponse(user *userstore.User) ProfileResponse {
	return ProfileResponse{
		ID:       user.ID,
		Email:    user.Email,
		Nickname: user.Nickname,
		Role:     string(user.Role),
		Status:   string(user.Status),
	}
}

// HandleWhoAmI resolves the authenticated user's profile payload.
func HandleWhoAmI(logger *zap.Logger, users ProfileStore) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if users == nil {
		panic("profile store is required")
	}

	return func(contextGin *gin.Context) {
		principal, found := authkit.PrincipalFromGin(contextGin)
		if !found {
			logger.Warn("missing principal on context",
				zap.String("code", "api.me.missing_principal"))
			apierror.Write(contextGin, logger, apierror.ErrUnauthorized)
			return
		}
		user, lookupErr := users.FindByID(contextGin.Request.Context(), principal.UserID)
		if lookupErr != nil {
			writeStoreError(contextGin, logger, "api.me.lookup", lookupErr)
			return
		}
		apierror.WriteSuccess(contextGin, http.StatusOK, newProfileResponse(user))
	}
}

// HandleUpdateNickname changes the nickname of the authenticated user.
func HandleUpdateNickname(logger *zap.Logger, users ProfileStore) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if users == nil {
		panic("profile store is required")
	}

	return func(contextGin *gin.Context) {
		principal, found := authkit.PrincipalFromGin(contextGin)
		if !found {
			apierror.Write(contextGin, logger, apierror.ErrUnauthorized)
			return
		}
		var inbound nicknameRequest
		if bindErr := contextGin.ShouldBindJSON(&inbound); bindErr != nil {
			apierror.WriteValidation(contextGin, authkit.BindingMessage(bindErr))
			return
		}
		user, updateErr := users.UpdateNickname(contextGin.Request.Context(), principal.UserID, inbound.Nickname)
		if updateErr != nil {
			writeStoreError(contextGin, logger, "api.me.update_nickname", updateErr)
			return
		}
		logger.Info("nickname updated",
			zap.String("code", "api.me.nickname_updated"),
			zap.Uint64("user_id", user.ID))
		apierror.WriteSuccess(contextGin, http.StatusOK, newProfileResponse(user))
	}
}

// HandleDeactivateUser marks the account in the :id path parameter inactive
// and revokes its refresh token. Mount it behind authkit.RequireRole(userstore.RoleAdmin).
func HandleDeactivateUser(logger *zap.Logger, users ProfileStore, sessions SessionRevoker) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	if users == nil || sessions == nil {
		panic("profile store and session revoker are required")
	}

	return func(contextGin *gin.Context) {
		userID, parseErr := strconv.ParseUint(contextGin.Param("id"), 10, 64)
		if parseErr != nil || userID == 0 {
			apierror.Write(contextGin, logger, apierror.ErrInvalidInput)
			return
		}
		user, deactivateErr := users.Deactivate(contextGin.Request.Context(), userID)
		if deactivateErr != nil {
			writeStoreError(contextGin, logger, "api.admin.deactivate", deactivateErr)
			return
		}
		if revokeErr := sessions.Logout(contextGin.Request.Context(), userID); revokeErr != nil {
			apierror.Write(contextGin, logger, revokeErr)
			return
		}
		principal, _ := authkit.PrincipalFromGin(contextGin)
		logger.Info("account deactivated",
			zap.String("code", "api.admin.deactivated"),
			zap.Uint64("user_id", userID),
			zap.Uint64("admin_id", principal.UserID))
		apierror.WriteSuccess(contextGin, http.StatusOK, newProfileResponse(user))
	}
}

func writeStoreError(contextGin *gin.Context, logger *zap.Logger, code string, err error) {
	switch {
	case errors.Is(err, userstore.ErrUserNotFound):
		logger.Info("profile not found", zap.String("code", code+".not_found"))
		apierror.Write(contextGin, logger, apierror.Wrap(apierror.KindUserNotFound, err))
	case errors.Is(err, userstore.ErrInvalidNickname):
		apierror.Write(contextGin, logger, apierror.Wrap(apierror.KindInvalidInput, err))
	default:
		apierror.Write(contextGin, logger, err)
	}
}
