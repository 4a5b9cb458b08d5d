package user

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// Service validates identity tokens issued by the external auth service. The
// user id travels in the subject claim.
type Service struct {
	jwtSecret []byte
	issuer    string
}

type MyJWTClaims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

func NewService(secret, issuer string) *Service {
	return &Service{
		jwtSecret: []byte(secret),
		issuer:    issuer,
	}
}

// IssueToken signs a token the way the auth service does. Tests and the load
// generator use it; the server never issues credentials.
func (s *Service) IssueToken(userID, username string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, MyJWTClaims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	return token.SignedString(s.jwtSecret)
}

func (s *Service) ValidateToken(ctx context.Context, tokenString string) (string, string, error) {
	if err := ctx.Err(); err != nil {
		return "", "", err
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}

	claims := &MyJWTClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return s.jwtSecret, nil
	}, opts...)
	if err != nil {
		return "", "", errors.Join(ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return "", "", ErrInvalidToken
	}

	return claims.Subject, claims.Username, nil
}
