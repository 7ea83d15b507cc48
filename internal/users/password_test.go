package users

import (
	"errors"
	"strings"
	"testing"
)

func TestHashPasswordRoundTrip(t *testing.T) {
	hash, err := HashPassword("trail-pass-1")
	if err != nil {
		t.Fatalf("unexpected hash error: %v", err)
	}
	if !strings.HasPrefix(hash, "$argon2id$v=19$") {
		t.Fatalf("unexpected hash encoding: %q", hash)
	}
	if strings.Contains(hash, "trail-pass-1") {
		t.Fatalf("hash must not embed the password: %q", hash)
	}

	match, err := VerifyPassword("trail-pass-1", hash)
	if err != nil {
		t.Fatalf("unexpected verify error: %v", err)
	}
	if !match {
		t.Fatalf("expected the original password to verify")
	}

	match, err = VerifyPassword("other-pass-2", hash)
	if err != nil {
		t.Fatalf("unexpected verify error: %v", err)
	}
	if match {
		t.Fatalf("wrong password must not verify")
	}
}

func TestHashPasswordSaltsDiffer(t *testing.T) {
	first, err := HashPassword("trail-pass-1")
	if err != nil {
		t.Fatalf("unexpected hash error: %v", err)
	}
	second, err := HashPassword("trail-pass-1")
	if err != nil {
		t.Fatalf("unexpected hash error: %v", err)
	}
	if first == second {
		t.Fatalf("two hashes of the same password must differ by salt")
	}
}

func TestVerifyPasswordRejectsMalformedHash(t *testing.T) {
	testCases := []struct {
		name    string
		encoded string
	}{
		{name: "empty", encoded: ""},
		{name: "plain text", encoded: "not-a-hash"},
		{name: "wrong algorithm", encoded: "$bcrypt$v=19$m=65536,t=1,p=4$c2FsdA$a2V5"},
		{name: "missing segments", encoded: "$argon2id$v=19$m=65536,t=1,p=4"},
		{name: "bad base64 salt", encoded: "$argon2id$v=19$m=65536,t=1,p=4$!!!$a2V5"},
		{name: "unsupported version", encoded: "$argon2id$v=18$m=65536,t=1,p=4$c2FsdA$a2V5"},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := VerifyPassword("trail-pass-1", testCase.encoded)
			if !errors.Is(err, ErrMalformedHash) {
				t.Fatalf("expected malformed-hash error, got %v", err)
			}
		})
	}
}
