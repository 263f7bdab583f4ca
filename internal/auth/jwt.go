package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// IdentityType is the class of caller, which selects the entitlement tier.
type IdentityType string

const (
	Guest   IdentityType = "guest"
	Regular IdentityType = "regular"
)

// Identity is the authenticated caller of a request.
type Identity struct {
	UserID string
	Type   IdentityType
}

type Claims struct {
	Type IdentityType `json:"typ"`
	jwt.RegisteredClaims
}

func SignJWT(id Identity, secret string, ttl time.Duration) (string, error) {
	if id.UserID == "" {
		return "", errors.New("auth: user id is required")
	}
	now := time.Now()
	claims := Claims{
		Type: id.Type,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func ParseJWT(tokenString, secret string) (Identity, error) {
	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return Identity{}, err
	}
	if !token.Valid || claims.Subject == "" {
		return Identity{}, errors.New("invalid token")
	}

	typ := claims.Type
	if typ != Guest {
		typ = Regular
	}
	return Identity{UserID: claims.Subject, Type: typ}, nil
}
