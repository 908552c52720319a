package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"group-chat/internal/apperrors"
)

// Identity is an already verified caller.
type Identity struct {
	UserID int    `json:"userId"`
	Name   string `json:"name"`
}

// Verifier resolves a bearer token into an identity.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}

// Claims carried by access tokens issued by the identity service.
type Claims struct {
	UserID int    `json:"user_id"`
	Name   string `json:"name"`
	jwt.RegisteredClaims
}

// JWTVerifier checks HS256 tokens signed with a shared secret.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier constructs a verifier for the given secret.
func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

// Verify validates signature and expiry and extracts the identity.
func (v *JWTVerifier) Verify(_ context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, fmt.Errorf("%w: missing token", apperrors.ErrAuthentication)
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return v.secret, nil
	})
	if err != nil {
		var ve *jwt.ValidationError
		if errors.As(err, &ve) && ve.Errors&jwt.ValidationErrorExpired != 0 {
			return Identity{}, fmt.Errorf("%w: token expired", apperrors.ErrAuthentication)
		}
		return Identity{}, fmt.Errorf("%w: invalid token", apperrors.ErrAuthentication)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.UserID <= 0 {
		return Identity{}, fmt.Errorf("%w: invalid token", apperrors.ErrAuthentication)
	}
	return Identity{UserID: claims.UserID, Name: claims.Name}, nil
}

// Issue signs a token for id. The identity service owns issuance in
// production; this is used by tooling and tests.
func (v *JWTVerifier) Issue(id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: id.UserID,
		Name:   id.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
