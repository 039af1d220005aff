package security

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"
)

func TestSignVerifyBody(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	body := []byte(`{"requester":"node-a","timestamp":"2026-01-02T03:04:05Z"}`)
	sig, err := SignBody(key, body)
	if err != nil {
		t.Fatalf("SignBody: %v", err)
	}

	if err := VerifyBody(&key.PublicKey, body, sig); err != nil {
		t.Errorf("VerifyBody on valid signature: %v", err)
	}
	if err := VerifyBody(&key.PublicKey, []byte("tampered"), sig); err == nil {
		t.Error("VerifyBody accepted tampered body")
	}
	if err := VerifyBody(&key.PublicKey, body, "not-base64!"); err == nil {
		t.Error("VerifyBody accepted malformed signature")
	}
}

func TestHashSecret(t *testing.T) {
	a := HashSecretSHA256("devsecret")
	b := HashSecretSHA256("devsecret")
	if a != b {
		t.Error("hash not deterministic")
	}
	if !ConstantTimeEqualHex(a, b) {
		t.Error("equal hashes compare unequal")
	}
	if ConstantTimeEqualHex(a, HashSecretSHA256("other")) {
		t.Error("different hashes compare equal")
	}
}
