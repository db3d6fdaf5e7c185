package session

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func mintToken(t *testing.T, key []byte, sub, jti, iid string, exp time.Time) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": sub,
		"jti": jti,
		"iid": iid,
		"exp": exp.Unix(),
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func fixedNow() time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

func testVerifier(t *testing.T) *TokenVerifier {
	t.Helper()
	v, err := NewTokenVerifier(testKey, "instance_1", fixedNow)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func TestVerify_ValidToken(t *testing.T) {
	v := testVerifier(t)
	tok := mintToken(t, testKey, "player-1", "jti-1", "instance_1", fixedNow().Add(time.Minute))

	sub, jti, err := v.Verify(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if sub != "player-1" || jti != "jti-1" {
		t.Fatalf("sub=%q jti=%q", sub, jti)
	}
}

func TestVerify_AllFailuresMapToTokenRejected(t *testing.T) {
	v := testVerifier(t)
	otherKey := []byte("ffffffffffffffffffffffffffffffff")

	cases := []struct {
		name string
		tok  string
	}{
		{"empty", ""},
		{"garbage", "not.a.jwt"},
		{"wrong key", mintToken(t, otherKey, "p", "j", "instance_1", fixedNow().Add(time.Minute))},
		{"expired", mintToken(t, testKey, "p", "j", "instance_1", fixedNow().Add(-time.Minute))},
		{"wrong instance", mintToken(t, testKey, "p", "j", "instance_2", fixedNow().Add(time.Minute))},
		{"missing sub", mintToken(t, testKey, "", "j", "instance_1", fixedNow().Add(time.Minute))},
		{"missing jti", mintToken(t, testKey, "p", "", "instance_1", fixedNow().Add(time.Minute))},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := v.Verify(tc.tok); !errors.Is(err, ErrTokenRejected) {
				t.Fatalf("err = %v, want ErrTokenRejected", err)
			}
		})
	}
}

func TestVerify_RejectsMissingExpiry(t *testing.T) {
	v := testVerifier(t)
	claims := jwt.MapClaims{"sub": "p", "jti": "j", "iid": "instance_1"}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testKey)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := v.Verify(tok); !errors.Is(err, ErrTokenRejected) {
		t.Fatalf("token without exp accepted: %v", err)
	}
}

func TestVerify_RejectsUnsignedToken(t *testing.T) {
	v := testVerifier(t)
	claims := jwt.MapClaims{"sub": "p", "jti": "j", "iid": "instance_1", "exp": fixedNow().Add(time.Minute).Unix()}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := v.Verify(tok); !errors.Is(err, ErrTokenRejected) {
		t.Fatalf("alg=none token accepted: %v", err)
	}
}

func TestNewTokenVerifier_RejectsShortKey(t *testing.T) {
	if _, err := NewTokenVerifier([]byte("short"), "instance_1", nil); err == nil {
		t.Fatal("short key accepted")
	}
}
