package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/hearthbid/marketplace/pkg/market"
)

const identityContextKey = "identity"

// Identity is the authenticated caller extracted from the session token.
// The identity provider issues the token; this core only validates it.
type Identity struct {
	AccountID   string
	Role        market.Role
	DisplayName string
}

type sessionClaims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
	Name string `json:"name"`
}

// sessionMiddleware validates the session JWT from the cookie or the
// Authorization header and stores the caller's Identity on the context.
// First sight of an account creates it (and grants a contractor their
// starter credits).
func (server *Server) sessionMiddleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		raw := tokenFromRequest(ctx, server.cfg.SessionCookieName)
		if raw == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
			return
		}
		identity, err := server.parseSessionToken(raw)
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid session"))
			return
		}
		if _, err := server.service.EnsureAccount(ctx.Request.Context(), identity.AccountID, identity.Role, identity.DisplayName); err != nil {
			ctx.AbortWithStatusJSON(http.StatusInternalServerError, errorResponse("internal_error", "account bootstrap failed"))
			return
		}
		ctx.Set(identityContextKey, identity)
		ctx.Next()
	}
}

func (server *Server) parseSessionToken(raw string) (Identity, error) {
	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
		}
		return []byte(server.cfg.SessionSigningKey), nil
	}, jwt.WithIssuer(server.cfg.SessionIssuer))
	if err != nil || !token.Valid {
		return Identity{}, fmt.Errorf("parse session token: %w", err)
	}
	role, err := market.ParseRole(claims.Role)
	if err != nil {
		return Identity{}, err
	}
	accountID := strings.TrimSpace(claims.Subject)
	if accountID == "" {
		return Identity{}, fmt.Errorf("session token has no subject")
	}
	return Identity{AccountID: accountID, Role: role, DisplayName: claims.Name}, nil
}

func tokenFromRequest(ctx *gin.Context, cookieName string) string {
	if cookie, err := ctx.Cookie(cookieName); err == nil && cookie != "" {
		return cookie
	}
	header := ctx.GetHeader("Authorization")
	if after, found := strings.CutPrefix(header, "Bearer "); found {
		return strings.TrimSpace(after)
	}
	return ""
}

func getIdentity(ctx *gin.Context) (Identity, bool) {
	value, exists := ctx.Get(identityContextKey)
	if !exists {
		return Identity{}, false
	}
	identity, ok := value.(Identity)
	return identity, ok
}
