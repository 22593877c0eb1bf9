package auth

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// Claims is the JWT payload issued by the identity provider.
type Claims struct {
	jwt.RegisteredClaims
	OrgID string   `json:"org_id"`
	Name  string   `json:"name"`
	Roles []string `json:"roles"`
}

// JWTMiddleware validates the bearer token and places the resolved Actor in
// the request context.
func JWTMiddleware(signingKey []byte) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
			}
			tokenStr := strings.TrimPrefix(header, "Bearer ")

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return signingKey, nil
			})
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			actorID, err := uuid.Parse(claims.Subject)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid subject claim")
			}
			orgID, _ := uuid.Parse(claims.OrgID)

			actor := Actor{
				ID:    actorID,
				OrgID: orgID,
				Name:  claims.Name,
				Roles: claims.Roles,
			}
			c.SetRequest(c.Request().WithContext(WithActor(c.Request().Context(), actor)))
			return next(c)
		}
	}
}

// DevAuthMiddleware grants a fixed admin actor to every request. Development
// only; config.Validate refuses to start production without a signing key.
func DevAuthMiddleware() echo.MiddlewareFunc {
	devActor := Actor{
		ID:    uuid.MustParse("00000000-0000-0000-0000-000000000001"),
		OrgID: uuid.MustParse("00000000-0000-0000-0000-0000000000aa"),
		Name:  "dev-admin",
		Roles: []string{"admin", "practitioner", "billing"},
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.SetRequest(c.Request().WithContext(WithActor(c.Request().Context(), devActor)))
			return next(c)
		}
	}
}

// RequireRole returns middleware that rejects requests whose actor carries
// none of the listed roles.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			actor := ActorFromContext(c.Request().Context())
			for _, role := range roles {
				if actor.HasRole(role) {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden, "insufficient role")
		}
	}
}
