// Package auth verifies bearer credentials presented during the in-band
// WebSocket handshake.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for any credential that fails verification:
// bad signature, expired, wrong token type, or missing identity claim.
// The handshake treats all of these the same way.
var ErrInvalidToken = errors.New("invalid or expired token")

// TokenVerifier resolves a bearer credential to a user identity.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (userID string, err error)
}

// accessTokenType is the expected token_type claim. Refresh tokens are not
// accepted on the socket.
const accessTokenType = "access"

// JWTVerifier validates HS256-signed access tokens issued by the identity
// service.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier for tokens signed with the given secret.
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

// Verify checks signature, expiry, and token type, and returns the user_id
// claim.
func (v *JWTVerifier) Verify(_ context.Context, tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString,
		func(*jwt.Token) (any, error) { return v.secret, nil },
		jwt.WithValidMethods([]string{"HS256"}),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", ErrInvalidToken
	}

	if tokenType, _ := claims["token_type"].(string); tokenType != accessTokenType {
		return "", fmt.Errorf("%w: not an access token", ErrInvalidToken)
	}

	userID, _ := claims["user_id"].(string)
	if userID == "" {
		return "", fmt.Errorf("%w: missing user_id claim", ErrInvalidToken)
	}

	return userID, nil
}
