package service

import (
	"errors"
	"testing"
	"time"

	"github.com/and161185/courtsync/internal/errs"
	"github.com/golang-jwt/jwt/v5"
)

func TestOperatorAuth_IssueVerify(t *testing.T) {
	t.Parallel()

	a := NewOperatorAuth([]byte("0123456789abcdef"), time.Hour)
	a.now = fixedNow

	tok, exp, err := a.Issue("ops")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !exp.Equal(testNow.Add(time.Hour)) {
		t.Fatalf("exp mismatch: %s", exp)
	}
	sub, err := a.Verify(tok)
	if err != nil || sub != "ops" {
		t.Fatalf("Verify: sub=%q err=%v", sub, err)
	}

	if _, _, err := a.Issue(""); err == nil {
		t.Fatalf("want error on empty subject")
	}
}

func TestOperatorAuth_Rejects(t *testing.T) {
	t.Parallel()

	key := []byte("0123456789abcdef")
	a := NewOperatorAuth(key, time.Hour)
	a.now = fixedNow
	tok, _, err := a.Issue("ops")
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	other := NewOperatorAuth([]byte("fedcba9876543210"), time.Hour)
	other.now = fixedNow
	if _, err := other.Verify(tok); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized on foreign key, got %v", err)
	}

	later := NewOperatorAuth(key, time.Hour)
	later.now = func() time.Time { return testNow.Add(2 * time.Hour) }
	if _, err := later.Verify(tok); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized on expired token, got %v", err)
	}

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "ops",
		ExpiresAt: jwt.NewNumericDate(testNow.Add(time.Hour)),
	})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	if _, err := a.Verify(unsigned); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized on alg=none, got %v", err)
	}

	if _, err := a.Verify("garbage"); !errors.Is(err, errs.ErrUnauthorized) {
		t.Fatalf("want ErrUnauthorized on garbage, got %v", err)
	}
}
