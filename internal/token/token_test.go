package token

import (
	"errors"
	"strings"
	"testing"
	"time"
)

const testSecret = "HS256:unit-test-secret"

func TestIssueAndDecode(t *testing.T) {
	tok, err := Issue("node-abc", testSecret, time.Hour)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if len(strings.Split(tok, ".")) != 3 {
		t.Fatalf("token is not three dot-separated parts: %q", tok)
	}

	claims, err := Decode(tok, testSecret)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if claims.Sub != "node-abc" {
		t.Errorf("Sub = %q, want node-abc", claims.Sub)
	}
	if claims.Iss != "stardust" {
		t.Errorf("Iss = %q, want stardust", claims.Iss)
	}
	if claims.Jti == "" {
		t.Error("Jti should be populated")
	}
	if claims.Exp <= claims.Iat {
		t.Errorf("Exp %d should be after Iat %d", claims.Exp, claims.Iat)
	}
}

func TestDecode_UniqueTokensPerIssue(t *testing.T) {
	a, _ := Issue("n", testSecret, time.Hour)
	b, _ := Issue("n", testSecret, time.Hour)
	if a == b {
		t.Error("two issues for the same subject should differ (jti)")
	}
}

func TestDecode_Empty(t *testing.T) {
	if _, err := Decode("", testSecret); !errors.Is(err, ErrTokenMissing) {
		t.Errorf("err = %v, want ErrTokenMissing", err)
	}
}

func TestDecode_Expired(t *testing.T) {
	tok, err := Issue("node-abc", testSecret, -time.Minute)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if _, err := Decode(tok, testSecret); !errors.Is(err, ErrTokenExpired) {
		t.Errorf("err = %v, want ErrTokenExpired", err)
	}
}

func TestDecode_WrongSecret(t *testing.T) {
	tok, _ := Issue("node-abc", testSecret, time.Hour)
	if _, err := Decode(tok, "HS256:other-secret"); !errors.Is(err, ErrInvalidSig) {
		t.Errorf("err = %v, want ErrInvalidSig", err)
	}
}

func TestDecode_TamperedPayload(t *testing.T) {
	tok, _ := Issue("node-abc", testSecret, time.Hour)
	parts := strings.Split(tok, ".")

	// Swap in the payload from a token for a different node; the original
	// signature must no longer verify.
	other, _ := Issue("node-evil", testSecret, time.Hour)
	forged := parts[0] + "." + strings.Split(other, ".")[1] + "." + parts[2]

	if _, err := Decode(forged, testSecret); !errors.Is(err, ErrInvalidSig) {
		t.Errorf("err = %v, want ErrInvalidSig", err)
	}
}

func TestDecode_Malformed(t *testing.T) {
	for _, tok := range []string{"a.b", "a.b.c.d", "not-a-token"} {
		if _, err := Decode(tok, testSecret); !errors.Is(err, ErrTokenMalformed) {
			t.Errorf("Decode(%q) err = %v, want ErrTokenMalformed", tok, err)
		}
	}
}

func TestSplitSecret(t *testing.T) {
	if _, _, err := splitSecret("HS512:s"); err != nil {
		t.Errorf("HS512 should be accepted: %v", err)
	}
	if _, _, err := splitSecret("none:s"); err == nil {
		t.Error("alg none must be rejected")
	}
	if _, _, err := splitSecret("no-colon"); err == nil {
		t.Error("missing separator must be rejected")
	}
	if _, _, err := splitSecret("HS256:"); err == nil {
		t.Error("empty secret must be rejected")
	}
}
