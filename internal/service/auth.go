package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/and161185/courtsync/internal/errs"
	"github.com/golang-jwt/jwt/v5"
)

// OperatorAuth issues and verifies operator bearer tokens signed with the shared key.
type OperatorAuth struct {
	signKey   []byte
	accessTTL time.Duration
	now       func() time.Time
}

// NewOperatorAuth constructs OperatorAuth.
func NewOperatorAuth(signKey []byte, accessTTL time.Duration) *OperatorAuth {
	return &OperatorAuth{signKey: signKey, accessTTL: accessTTL, now: time.Now}
}

// Issue creates a signed HS256 JWT for the given operator.
func (a *OperatorAuth) Issue(subject string) (string, time.Time, error) {
	if subject == "" {
		return "", time.Time{}, errors.New("empty subject")
	}
	now := a.now()
	exp := now.Add(a.accessTTL)
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(a.signKey)
	return signed, exp, err
}

// Verify checks signature and validity window and returns the operator name.
func (a *OperatorAuth) Verify(token string) (string, error) {
	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return a.signKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(30*time.Second),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return "", fmt.Errorf("%w: %v", errs.ErrUnauthorized, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: empty subject", errs.ErrUnauthorized)
	}
	return claims.Subject, nil
}
