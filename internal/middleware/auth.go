package middleware

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/vanpelt/taskhub/internal/logger"
	"github.com/vanpelt/taskhub/internal/services"
)

var (
	ErrMissingToken = errors.New("missing token")
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
)

// AnonymousUser is the user id every connection gets when auth is disabled.
const AnonymousUser = "anonymous"

const tokenCookie = "taskhub_token"

type Claims struct {
	UserID string `json:"user_id,omitempty"`
	Source string `json:"source,omitempty"` // "cli" or "browser"
	jwt.RegisteredClaims
}

// User returns the user the token was issued for.
func (c *Claims) User() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.RegisteredClaims.Subject
}

type AuthMiddleware struct {
	secret []byte
	issuer string
}

// NewAuthMiddleware creates a new auth middleware instance. An empty secret
// disables auth and returns nil; every method handles a nil receiver.
func NewAuthMiddleware(secret, issuer string) *AuthMiddleware {
	if secret == "" {
		return nil
	}
	return &AuthMiddleware{
		secret: []byte(secret),
		issuer: issuer,
	}
}

// RequireAuth is a middleware that checks for valid authentication
func (am *AuthMiddleware) RequireAuth(c *fiber.Ctx) error {
	if am == nil {
		return c.Next()
	}

	if c.Path() == "/health" {
		return c.Next()
	}

	token := ExtractToken(c)
	if token == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "authentication required",
		})
	}

	claims, err := am.ValidateToken(token)
	if err != nil {
		logger.Debugf("Auth failed: %v", err)
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "invalid or expired token",
		})
	}

	c.Locals("claims", claims)
	return c.Next()
}

// ExtractToken finds the bearer token in the Authorization header, the
// access_token or token query parameter, or the session cookie. Browsers
// cannot set headers on a websocket upgrade, hence the query fallbacks.
func ExtractToken(c *fiber.Ctx) string {
	if authHeader := c.Get(fiber.HeaderAuthorization); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			return strings.TrimSpace(parts[1])
		}
	}

	if token := c.Query("access_token"); token != "" {
		return token
	}
	if token := c.Query("token"); token != "" {
		return token
	}

	return c.Cookies(tokenCookie)
}

// ValidateToken verifies an HS256 token and returns its claims.
func (am *AuthMiddleware) ValidateToken(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if am.issuer != "" {
		opts = append(opts, jwt.WithIssuer(am.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return am.secret, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.User() == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Authenticate resolves a hub token to its user id. With auth disabled every
// caller is AnonymousUser.
func (am *AuthMiddleware) Authenticate(_ context.Context, token string) (string, error) {
	if am == nil {
		return AnonymousUser, nil
	}
	claims, err := am.ValidateToken(token)
	if err != nil {
		return "", fmt.Errorf("%w: %v", services.ErrUnauthorized, err)
	}
	return claims.User(), nil
}

// UserID returns the authenticated user of a request that went through
// RequireAuth.
func UserID(c *fiber.Ctx) string {
	if claims, ok := c.Locals("claims").(*Claims); ok {
		return claims.User()
	}
	return AnonymousUser
}

// GenerateToken signs a token for userID with the shared secret.
func GenerateToken(secret, issuer, userID, source string, duration time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("auth secret not set")
	}
	if userID == "" {
		return "", errors.New("user id is required")
	}

	now := time.Now()
	claims := Claims{
		UserID: userID,
		Source: source,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(duration)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
