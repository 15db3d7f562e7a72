package authn

import (
	"fmt"
	"net/http"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// Identity is what the access token carries about the caller.
type Identity struct {
	UserID uint
	Role   string
}

// FromRequest extracts and validates the caller identity from the accessToken
// cookie. Every failure maps to 401.
func FromRequest(c echo.Context, jwtSecret []byte) (Identity, error) {
	cookie, err := c.Cookie("accessToken")
	if err != nil {
		return Identity{}, echo.NewHTTPError(http.StatusUnauthorized, "missing auth cookie")
	}
	tokenString := cookie.Value
	if tokenString == "" {
		return Identity{}, echo.NewHTTPError(http.StatusUnauthorized, "empty token")
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return jwtSecret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Identity{}, echo.NewHTTPError(http.StatusUnauthorized, "invalid token claims")
	}
	subRaw, ok := claims["sub"].(float64)
	if !ok {
		return Identity{}, echo.NewHTTPError(http.StatusUnauthorized, "invalid subject claim")
	}
	role, _ := claims["role"].(string)

	return Identity{UserID: uint(subRaw), Role: role}, nil
}

// UserID is the common case: callers that only need the user id.
func UserID(c echo.Context, jwtSecret []byte) (uint, error) {
	id, err := FromRequest(c, jwtSecret)
	if err != nil {
		return 0, err
	}
	return id.UserID, nil
}

// RequireAdmin is an echo middleware gating admin-only routes on the role
// claim.
func RequireAdmin(jwtSecret []byte) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id, err := FromRequest(c, jwtSecret)
			if err != nil {
				return err
			}
			if id.Role != "admin" {
				return echo.NewHTTPError(http.StatusForbidden, "admin access required")
			}
			return next(c)
		}
	}
}
