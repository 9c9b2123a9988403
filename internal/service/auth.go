package service

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RoleAdmin marks a bearer token that may act on every owner's keys.
const RoleAdmin = "admin"

var ErrInvalidCredentials = errors.New("invalid credentials")

// Principal is the caller of a management route.
type Principal struct {
	OwnerID string
	Admin   bool
}

// AuthService validates bearer tokens for the management API.
type AuthService struct {
	jwtSecret []byte
	issuer    string
}

func NewAuthService(jwtSecret string) *AuthService {
	return &AuthService{
		jwtSecret: []byte(jwtSecret),
		issuer:    "apikeyd",
	}
}

// ValidateJWT verifies an HS256 bearer token and returns the principal it
// names. Tokens without a subject are rejected.
func (s *AuthService) ValidateJWT(ctx context.Context, tokenStr string) (*Principal, error) {
	claims := &jwtClaims{}

	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	}, jwt.WithIssuer(s.issuer), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return nil, ErrInvalidCredentials
	}
	if claims.Subject == "" {
		return nil, ErrInvalidCredentials
	}

	return &Principal{
		OwnerID: claims.Subject,
		Admin:   claims.Role == RoleAdmin,
	}, nil
}

// IssueJWT signs a token for ownerID. It backs the operator "token" command;
// the HTTP API never issues tokens.
func (s *AuthService) IssueJWT(ctx context.Context, ownerID string, admin bool, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   ownerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Issuer:    s.issuer,
		},
	}
	if admin {
		claims.Role = RoleAdmin
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

type jwtClaims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}
