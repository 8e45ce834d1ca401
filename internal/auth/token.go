// Package auth issues and verifies the opaque bearer tokens machines use to
// authenticate to the relay. Adapted from the teacher's internal/auth/jwt.go:
// the mechanism (HS256 JWT, random jti, configurable issuer/expiry) is kept
// verbatim; the claims move from a user session subject to a machine
// identity carrying its group memberships, so the relay can authorize
// group-scoped writes without a second database lookup.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims identifies the machine a token was issued to and the groups it
// was a member of at issuance time. The /api handlers authorize
// group-scoped requests from these claimed groups alone; the /ws path
// reads group membership from the machine registry instead.
type Claims struct {
	MachineID string   `json:"machine_id"`
	Groups    []string `json:"groups"`
	jwt.RegisteredClaims
}

type TokenConfig struct {
	Secret string
	Expiry time.Duration
	Issuer string
}

func DefaultTokenConfig(secret string) TokenConfig {
	return TokenConfig{Secret: secret, Expiry: 0, Issuer: "shell-sync-relay"}
}

// CreateToken issues a bearer token for machineID. Expiry <= 0 means the
// token does not expire, matching a machine registration's lifetime
// (revocation, not expiry, is how a machine loses access — see spec's
// Machine invariant that auth_token and machine_id retire atomically).
func CreateToken(machineID string, groups []string, cfg TokenConfig) (string, error) {
	if cfg.Secret == "" {
		return "", errors.New("missing secret")
	}
	if machineID == "" {
		return "", errors.New("missing machineID")
	}

	jtiBytes := make([]byte, 16)
	if _, err := rand.Read(jtiBytes); err != nil {
		return "", err
	}
	jti := hex.EncodeToString(jtiBytes)

	registered := jwt.RegisteredClaims{
		Issuer:   cfg.Issuer,
		IssuedAt: jwt.NewNumericDate(time.Now()),
		ID:       jti,
		Subject:  machineID,
	}
	if cfg.Expiry > 0 {
		registered.ExpiresAt = jwt.NewNumericDate(time.Now().Add(cfg.Expiry))
	}

	claims := Claims{MachineID: machineID, Groups: groups, RegisteredClaims: registered}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(cfg.Secret))
}

func VerifyToken(tokenString string, cfg TokenConfig) (*Claims, error) {
	if cfg.Secret == "" {
		return nil, errors.New("missing secret")
	}

	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, jwt.ErrSignatureInvalid
		}
		return []byte(cfg.Secret), nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, jwt.ErrSignatureInvalid
	}
	return claims, nil
}
