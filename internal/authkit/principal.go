package authkit

import (
	"context"

	"github.com/ascent-team/ascent-core/internal/userstore"
	"github.com/gin-gonic/gin"
)

// Principal is the authenticated identity attached to a request.
type Principal struct {
	UserID uint64
	Email  string
	Role   userstore.Role
}

type ctxKey string

const principalKey ctxKey = "ascent.principal"

// GinPrincipalKey mirrors the principal on the gin context.
const GinPrincipalKey = "auth_principal"

// WithPrincipal stores the authenticated principal in ctx.
func WithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalKey, principal)
}

// PrincipalFromContext fetches the principal from ctx.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	value := ctx.Value(principalKey)
	if value == nil {
		return Principal{}, false
	}
	principal, ok := value.(Principal)
	return principal, ok
}

// PrincipalFromGin fetches the principal from the request carried by contextGin.
func PrincipalFromGin(contextGin *gin.Context) (Principal, bool) {
	if contextGin == nil || contextGin.Request == nil {
		return Principal{}, false
	}
	return PrincipalFromContext(contextGin.Request.Context())
}
