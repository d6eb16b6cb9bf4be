// Package auth issues and validates the HS256 bearer tokens that
// identify a user (sub) and a device (did) to the sync endpoint.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Issuer is the iss claim of every token.
const Issuer = "journalsync"

var (
	ErrMissingCredentials = errors.New("bearer token required")
	ErrInvalidToken       = errors.New("invalid token")
)

// Claims carries the device id next to the registered claims. The user
// id is the standard sub claim.
type Claims struct {
	DeviceID string `json:"did"`
	jwt.RegisteredClaims
}

// UserID returns the sub claim.
func (c *Claims) UserID() string {
	return c.Subject
}

// JWTAuth signs and validates tokens with a shared secret.
type JWTAuth struct {
	secret []byte
	now    func() time.Time
}

// NewJWTAuth creates a JWTAuth for secret.
func NewJWTAuth(secret string) *JWTAuth {
	return &JWTAuth{secret: []byte(secret), now: time.Now}
}

// GenerateToken issues a token for userID on deviceID valid for ttl.
func (j *JWTAuth) GenerateToken(userID, deviceID string, ttl time.Duration) (string, error) {
	if userID == "" || deviceID == "" {
		return "", fmt.Errorf("generate token: user and device ids are required")
	}
	now := j.now()
	claims := &Claims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    Issuer,
			Subject:   userID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(j.secret)
}

// ValidateToken parses tokenString and checks signature, expiry and the
// presence of sub and did.
func (j *JWTAuth) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return j.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(j.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.DeviceID == "" {
		return nil, fmt.Errorf("%w: missing did (device id)", ErrInvalidToken)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing sub (user id)", ErrInvalidToken)
	}
	return claims, nil
}

// BearerToken extracts the token from an Authorization header.
func BearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingCredentials
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", ErrMissingCredentials
	}
	return strings.TrimSpace(token), nil
}
