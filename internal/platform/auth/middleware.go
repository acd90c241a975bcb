package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	UserIDKey   contextKey = "user_id"
	ProfilesKey contextKey = "profiles"
	BearerKey   contextKey = "bearer_token"
)

// AnyProfile in the profiles claim grants access to every profile.
const AnyProfile = "*"

// Claims carries the profiles a caller may read.
type Claims struct {
	jwt.RegisteredClaims
	Profiles []string `json:"profiles"`
}

type JWTConfig struct {
	Issuer     string
	Audience   string
	SigningKey []byte
	// Skipper selects requests that bypass authentication.
	Skipper func(c echo.Context) bool
}

func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	skip := cfg.Skipper
	if skip == nil {
		skip = AuthSkipper
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skip(c) {
				return next(c)
			}

			tokenStr, err := bearerToken(c.Request())
			if err != nil {
				return err
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
				return cfg.SigningKey, nil
			}, opts...)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			c.SetRequest(c.Request().WithContext(withIdentity(c.Request().Context(), claims.Subject, claims.Profiles, tokenStr)))
			return next(c)
		}
	}
}

// DevAuthMiddleware is a permissive middleware for development. Requests
// without a token may read every profile; a presented bearer token is
// forwarded unverified.
func DevAuthMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token := ""
			if c.Request().Header.Get("Authorization") != "" {
				t, err := bearerToken(c.Request())
				if err != nil {
					return err
				}
				token = t
			}
			ctx := withIdentity(c.Request().Context(), "dev-user", []string{AnyProfile}, token)
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

func bearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
	}
	return strings.TrimSpace(parts[1]), nil
}

func withIdentity(ctx context.Context, userID string, profiles []string, token string) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, userID)
	ctx = context.WithValue(ctx, ProfilesKey, profiles)
	if token != "" {
		ctx = context.WithValue(ctx, BearerKey, token)
	}
	return ctx
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func ProfilesFromContext(ctx context.Context) []string {
	profiles, _ := ctx.Value(ProfilesKey).([]string)
	return profiles
}

// BearerFromContext returns the caller's bearer token, if one was presented.
func BearerFromContext(ctx context.Context) string {
	token, _ := ctx.Value(BearerKey).(string)
	return token
}

// CanAccessProfile reports whether the caller in ctx may read profileID.
func CanAccessProfile(ctx context.Context, profileID string) bool {
	for _, p := range ProfilesFromContext(ctx) {
		if p == AnyProfile || p == profileID {
			return true
		}
	}
	return false
}
