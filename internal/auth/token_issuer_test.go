package auth

import (
	"testing"
	"time"
)

func TestTokenIssuerRoundTripsThroughValidator(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		TokenTTL:      30 * time.Minute,
		Clock: func() time.Time {
			return testClockNow
		},
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	token, expiresAt, err := issuer.IssueSessionToken(testSessionUserID, "Ada", "#ff8800")
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if !expiresAt.Equal(testClockNow.Add(30 * time.Minute)) {
		t.Fatalf("unexpected expiry %v", expiresAt)
	}

	claims, err := mustValidator(t).ValidateToken(token)
	if err != nil {
		t.Fatalf("issued token failed validation: %v", err)
	}
	if claims.Subject != testSessionUserID || claims.UserColor != "#ff8800" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestTokenIssuerRejectsMissingInputs(t *testing.T) {
	if _, err := NewTokenIssuer(TokenIssuerConfig{}); err == nil {
		t.Fatalf("expected missing secret error")
	}
	issuer, err := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte("s")})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if _, _, err := issuer.IssueSessionToken(" ", "", ""); err == nil {
		t.Fatalf("expected missing user id error")
	}
}
