package auth

import (
	"testing"
	"time"
)

func TestCreateAndVerifyToken(t *testing.T) {
	cfg := TokenConfig{Secret: "secret", Issuer: "test"}
	tok, err := CreateToken("machine-1", []string{"default"}, cfg)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	claims, err := VerifyToken(tok, cfg)
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if claims.MachineID != "machine-1" {
		t.Fatalf("expected machine-1, got %q", claims.MachineID)
	}
	if len(claims.Groups) != 1 || claims.Groups[0] != "default" {
		t.Fatalf("unexpected groups: %v", claims.Groups)
	}
}

func TestVerifyToken_WrongSecret(t *testing.T) {
	cfg := TokenConfig{Secret: "secret", Issuer: "test"}
	tok, err := CreateToken("machine-1", nil, cfg)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	if _, err := VerifyToken(tok, TokenConfig{Secret: "wrong", Issuer: "test"}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestVerifyToken_Expired(t *testing.T) {
	cfg := TokenConfig{Secret: "secret", Issuer: "test", Expiry: time.Nanosecond}
	tok, err := CreateToken("machine-1", nil, cfg)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	if _, err := VerifyToken(tok, cfg); err == nil {
		t.Fatalf("expected expired token to fail verification")
	}
}
