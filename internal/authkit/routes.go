package authkit

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ascent-team/ascent-core/internal/apierror"
	"github.com/ascent-team/ascent-core/internal/userstore"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// RefreshTokenHeader carries the refresh credential on the reissue call.
const RefreshTokenHeader = "Refresh-Token"

// emailAddress normalizes while decoding so validation sees the stored form.
type emailAddress string

func (address *emailAddress) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*address = emailAddress(userstore.NormalizeEmail(raw))
	return nil
}

type signupRequest struct {
	Email    emailAddress `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=4,max=20"`
	Nickname string `json:"nickname" binding:"required,min=2,max=20"`
}

type loginRequest struct {
	Email    emailAddress `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// UserResponse is the public view of an account.
type UserResponse struct {
	ID       uint64 `json:"id"`
	Email    string `json:"email"`
	Nickname string `json:"nickname"`
}

// MountAuthRoutes registers /users/signup, /auth/login, /auth/reissue and /auth/logout.
// The gate middleware must already run ahead of router.
func MountAuthRoutes(router gin.IRouter, service *Service, limiter *LoginLimiter, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}

	router.POST("/users/signup", func(contextGin *gin.Context) {
		var inbound signupRequest
		if err := contextGin.ShouldBindJSON(&inbound); err != nil {
			apierror.WriteValidation(contextGin, BindingMessage(err))
			return
		}
		user, registerErr := service.Register(contextGin.Request.Context(), string(inbound.Email), inbound.Password, inbound.Nickname)
		if registerErr != nil {
			apierror.Write(contextGin, logger, registerErr)
			return
		}
		apierror.WriteSuccess(contextGin, http.StatusCreated, UserResponse{ID: user.ID, Email: user.Email, Nickname: user.Nickname})
	})

	loginHandlers := []gin.HandlerFunc{}
	if limiter != nil {
		loginHandlers = append(loginHandlers, limiter.Middleware())
	}
	loginHandlers = append(loginHandlers, func(contextGin *gin.Context) {
		var inbound loginRequest
		if err := contextGin.ShouldBindJSON(&inbound); err != nil {
			apierror.WriteValidation(contextGin, BindingMessage(err))
			return
		}
		pair, loginErr := service.Login(contextGin.Request.Context(), string(inbound.Email), inbound.Password)
		if loginErr != nil {
			apierror.Write(contextGin, logger, loginErr)
			return
		}
		apierror.WriteSuccess(contextGin, http.StatusOK, pair)
	})
	router.POST("/auth/login", loginHandlers...)

	router.POST("/auth/reissue", func(contextGin *gin.Context) {
		refreshToken := strings.TrimSpace(contextGin.GetHeader(RefreshTokenHeader))
		if refreshToken == "" {
			apierror.Write(contextGin, logger, apierror.ErrInvalidToken)
			return
		}
		accessToken, reissueErr := service.Reissue(contextGin.Request.Context(), refreshToken)
		if reissueErr != nil {
			apierror.Write(contextGin, logger, reissueErr)
			return
		}
		apierror.WriteSuccess(contextGin, http.StatusOK, accessToken)
	})

	router.POST("/auth/logout", RequireAuthenticated(), func(contextGin *gin.Context) {
		principal, _ := PrincipalFromGin(contextGin)
		if logoutErr := service.Logout(contextGin.Request.Context(), principal.UserID); logoutErr != nil {
			apierror.Write(contextGin, logger, logoutErr)
			return
		}
		apierror.WriteSuccess(contextGin, http.StatusOK, nil)
	})
}

// BindingMessage renders the first binding failure as "<field>: failed <tag>".
func BindingMessage(err error) string {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		first := validationErrs[0]
		return fmt.Sprintf("%s: failed %s", strings.ToLower(first.Field()), first.Tag())
	}
	return "malformed request body"
}
