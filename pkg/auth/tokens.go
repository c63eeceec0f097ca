package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"chatsync/pkg/utils"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
	ErrRevokedToken = errors.New("token has been signed out")
)

// Claims is the JWT payload for a signed-in session.
type Claims struct {
	UserID   string `json:"uid"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and validates session tokens.
type TokenIssuer struct {
	secretKey []byte
	issuer    string
	validity  time.Duration
}

// NewTokenIssuer creates a TokenIssuer. validity bounds how long a session
// token stays usable.
func NewTokenIssuer(secretKey, issuer string, validity time.Duration) *TokenIssuer {
	return &TokenIssuer{secretKey: []byte(secretKey), issuer: issuer, validity: validity}
}

// Generate creates a signed session token for a user. Each token carries a
// unique id so individual sessions can be revoked on sign-out.
func (t *TokenIssuer) Generate(userID, username string) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        utils.GenID(),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.validity)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    t.issuer,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secretKey)
}

// Validate parses and verifies a session token string.
func (t *TokenIssuer) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return t.secretKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, ErrInvalidToken
}
