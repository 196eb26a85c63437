package identity

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jmerrifield20/batchledger/internal/ledger/model"
)

// ActorClaims are the JWT claims presented by a dashboard session.
// Subject is the actor identifier.
type ActorClaims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles"`
}

// TokenVerifier verifies actor session tokens signed with HS256.
// Tokens are minted by the external session service; this side only verifies.
type TokenVerifier struct {
	secret []byte
	issuer string
}

// NewTokenVerifier creates a TokenVerifier. issuer may be empty to skip the
// "iss" check.
func NewTokenVerifier(secret []byte, issuer string) (*TokenVerifier, error) {
	if len(secret) < 16 {
		return nil, errors.New("token secret must be at least 16 bytes")
	}
	return &TokenVerifier{secret: secret, issuer: issuer}, nil
}

// Verify parses and validates a token, returning the resolved principal.
func (v *TokenVerifier) Verify(tokenStr string) (*Principal, error) {
	opts := []jwt.ParserOption{
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenStr, &ActorClaims{}, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}

	claims, ok := token.Claims.(*ActorClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token has no subject")
	}

	p := &Principal{ActorID: claims.Subject}
	for _, r := range claims.Roles {
		if role := model.Role(r); role.Valid() {
			p.Roles = append(p.Roles, role)
		}
	}
	return p, nil
}
