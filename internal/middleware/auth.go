package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"checkout-service/internal/client"
	"checkout-service/internal/config"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

const (
	customerIDKey  = "customer_id"
	accessTokenKey = "access_token"
	roleKey        = "role"
)

// Claims are the access token claims issued by the auth service.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// AuthMiddleware accepts HS256 bearer tokens whose subject is the customer
// id. Tokens whose jti is on the blacklist are refused.
func AuthMiddleware(cfg *config.JWT, blacklist client.TokenBlacklist, logger *slog.Logger) echo.MiddlewareFunc {
	if logger == nil {
		logger = slog.Default()
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	parser := jwt.NewParser(opts...)
	secret := []byte(cfg.Secret)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw, ok := bearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
			}

			claims := &Claims{}
			_, err := parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
				return secret, nil
			})
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			if claims.Subject == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "token has no subject")
			}

			if blacklist != nil && claims.ID != "" {
				ctx := c.Request().Context()
				revoked, err := blacklist.IsRevoked(ctx, claims.ID)
				if err != nil {
					logger.ErrorContext(ctx, "token blacklist lookup failed", "jti", claims.ID, "error", err)
					return echo.NewHTTPError(http.StatusServiceUnavailable, "authentication unavailable")
				}
				if revoked {
					return echo.NewHTTPError(http.StatusUnauthorized, "token revoked")
				}
			}

			c.Set(customerIDKey, claims.Subject)
			c.Set(accessTokenKey, raw)
			c.Set(roleKey, claims.Role)
			return next(c)
		}
	}
}

// RequireRole refuses authenticated callers whose token lacks role. It runs
// after AuthMiddleware.
func RequireRole(role string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if role == "" || Role(c) != role {
				return echo.NewHTTPError(http.StatusForbidden, "insufficient role")
			}
			return next(c)
		}
	}
}

func bearerToken(header string) (string, bool) {
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// CustomerID returns the authenticated customer.
func CustomerID(c echo.Context) (string, error) {
	id, _ := c.Get(customerIDKey).(string)
	if id == "" {
		return "", errors.New("unauthenticated request")
	}
	return id, nil
}

// AccessToken returns the raw bearer token, forwarded to the cart service.
func AccessToken(c echo.Context) string {
	token, _ := c.Get(accessTokenKey).(string)
	return token
}

// Role returns the role claim of the authenticated caller, if any.
func Role(c echo.Context) string {
	role, _ := c.Get(roleKey).(string)
	return role
}
