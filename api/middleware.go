package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/Neocreb/eloity-trading/common/errors"
)

const (
	ctxUserID  = "user_id"
	ctxIsAdmin = "is_admin"
)

// problem writes an RFC 7807 response for a domain error.
func problem(c *gin.Context, err error) {
	p := errors.ToProblem(err, c.Request.URL.Path)
	c.AbortWithStatusJSON(p.Status, p)
}

// authRequired validates the Bearer token and stashes the caller identity.
func authRequired(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			problem(c, errors.Wrap(errors.ErrUnauthorized, "missing bearer token"))
			return
		}
		raw := strings.TrimPrefix(header, "Bearer ")
		claims := jwt.MapClaims{}
		token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.Wrap(errors.ErrUnauthorized, "unexpected signing method %v", t.Header["alg"])
			}
			return secret, nil
		})
		if err != nil || !token.Valid {
			problem(c, errors.Wrap(errors.ErrUnauthorized, "invalid token"))
			return
		}
		sub, err := claims.GetSubject()
		if err != nil {
			problem(c, errors.Wrap(errors.ErrUnauthorized, "token has no subject"))
			return
		}
		userID, err := uuid.Parse(sub)
		if err != nil {
			problem(c, errors.Wrap(errors.ErrUnauthorized, "token subject is not a user id"))
			return
		}
		c.Set(ctxUserID, userID)
		if admin, ok := claims["admin"].(bool); ok && admin {
			c.Set(ctxIsAdmin, true)
		}
		c.Next()
	}
}

// adminRequired gates arbitration and verification endpoints.
func adminRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !c.GetBool(ctxIsAdmin) {
			problem(c, errors.Wrap(errors.ErrUnauthorized, "admin role required"))
			return
		}
		c.Next()
	}
}

// currentUser returns the authenticated caller set by authRequired.
func currentUser(c *gin.Context) uuid.UUID {
	v, ok := c.Get(ctxUserID)
	if !ok {
		return uuid.Nil
	}
	return v.(uuid.UUID)
}

func pathID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		problem(c, errors.Wrap(errors.ErrInvalidInput, "malformed %s", name))
		return uuid.Nil, false
	}
	return id, true
}

func ok(c *gin.Context, body any) {
	c.JSON(http.StatusOK, body)
}
