package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"
)

func TestVerifySignatureAcceptsValidDigest(t *testing.T) {
	secret := []byte("s3cret")
	body := []byte(`{"action":"opened"}`)

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	header := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	if err := VerifySignature(secret, body, header); err != nil {
		t.Fatalf("VerifySignature: %v", err)
	}
}

func TestVerifySignatureRejectsWrongDigest(t *testing.T) {
	secret := []byte("s3cret")
	body := []byte(`{"action":"opened"}`)
	header := "sha256=" + hex.EncodeToString(make([]byte, sha256.Size))

	if err := VerifySignature(secret, body, header); err == nil {
		t.Fatalf("expected a signature mismatch error")
	}
}

func TestVerifySignatureRejectsMissingPrefix(t *testing.T) {
	if err := VerifySignature([]byte("s3cret"), []byte("{}"), "deadbeef"); err == nil {
		t.Fatalf("expected a malformed header error")
	}
}

func TestVerifySignatureSkippedWhenSecretEmpty(t *testing.T) {
	if err := VerifySignature(nil, []byte("{}"), ""); err != nil {
		t.Fatalf("expected verification to be skipped, got %v", err)
	}
}
