package identity_test

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jmerrifield20/batchledger/internal/identity"
	"github.com/jmerrifield20/batchledger/internal/ledger/model"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

// signToken mints a token the way the external session service does.
func signToken(t *testing.T, secret []byte, method jwt.SigningMethod, sub, iss string, ttl time.Duration, roles ...string) string {
	t.Helper()
	now := time.Now().UTC()
	claims := identity.ActorClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			Issuer:    iss,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Roles: roles,
	}
	signed, err := jwt.NewWithClaims(method, claims).SignedString(secret)
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

func TestNewTokenVerifier_shortSecret(t *testing.T) {
	if _, err := identity.NewTokenVerifier([]byte("short"), ""); err == nil {
		t.Error("expected error for short secret")
	}
}

func TestTokenVerifier_Verify_valid(t *testing.T) {
	v, err := identity.NewTokenVerifier(testSecret, "https://sessions.example")
	if err != nil {
		t.Fatal(err)
	}
	tok := signToken(t, testSecret, jwt.SigningMethodHS256, "F1", "https://sessions.example", time.Hour, "farmer", "wizard")

	p, err := v.Verify(tok)
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if p.ActorID != "F1" {
		t.Errorf("ActorID: got %q, want F1", p.ActorID)
	}
	if len(p.Roles) != 1 || p.Roles[0] != model.RoleFarmer {
		t.Errorf("Roles: got %v, want [farmer] (unknown roles dropped)", p.Roles)
	}
}

func TestTokenVerifier_Verify_expired(t *testing.T) {
	v, _ := identity.NewTokenVerifier(testSecret, "")
	tok := signToken(t, testSecret, jwt.SigningMethodHS256, "F1", "", -time.Minute)
	if _, err := v.Verify(tok); err == nil {
		t.Error("expected error for expired token")
	}
}

func TestTokenVerifier_Verify_wrongSecret(t *testing.T) {
	v, _ := identity.NewTokenVerifier(testSecret, "")
	tok := signToken(t, []byte("ffffffffffffffffffffffffffffffff"), jwt.SigningMethodHS256, "F1", "", time.Hour)
	if _, err := v.Verify(tok); err == nil {
		t.Error("expected error for token signed with another secret")
	}
}

func TestTokenVerifier_Verify_wrongAlgorithm(t *testing.T) {
	v, _ := identity.NewTokenVerifier(testSecret, "")
	tok := signToken(t, testSecret, jwt.SigningMethodHS512, "F1", "", time.Hour)
	if _, err := v.Verify(tok); err == nil {
		t.Error("expected error for HS512 token")
	}
}

func TestTokenVerifier_Verify_wrongIssuer(t *testing.T) {
	v, _ := identity.NewTokenVerifier(testSecret, "https://sessions.example")
	tok := signToken(t, testSecret, jwt.SigningMethodHS256, "F1", "https://evil.example", time.Hour)
	if _, err := v.Verify(tok); err == nil {
		t.Error("expected error for wrong issuer")
	}
}

func TestTokenVerifier_Verify_noSubject(t *testing.T) {
	v, _ := identity.NewTokenVerifier(testSecret, "")
	tok := signToken(t, testSecret, jwt.SigningMethodHS256, "", "", time.Hour)
	if _, err := v.Verify(tok); err == nil {
		t.Error("expected error for token without subject")
	}
}
