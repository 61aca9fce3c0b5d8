// Package webhook accepts inbound GitHub webhook deliveries (spec.md §4.3,
// §5's "Upstream webhook ingress"), verifies them, and normalizes them into
// the engine's event log. Grounded on the reference's HMAC signer
// (shared/signing.go) adapted from that package's requestID|json(payload)
// canonicalization to GitHub's raw-body "sha256=<hex>" signature header, and
// on internal/upstream's single-goroutine outbox consumer for the draining
// side of the ingestion queue.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// signaturePrefix is the scheme GitHub's X-Hub-Signature-256 header always
// carries ahead of the hex digest.
const signaturePrefix = "sha256="

// VerifySignature checks header against the HMAC-SHA256 of body under
// secret. An empty secret disables verification (returns nil unconditionally)
// so local/development webhooks work without one configured, matching
// internal/upstream.NewClient's unauthenticated-by-default stance.
func VerifySignature(secret []byte, body []byte, header string) error {
	if len(secret) == 0 {
		return nil
	}
	if !strings.HasPrefix(header, signaturePrefix) {
		return fmt.Errorf("webhook: missing or malformed %s header", "X-Hub-Signature-256")
	}
	sigHex := strings.TrimPrefix(header, signaturePrefix)
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return fmt.Errorf("webhook: decode signature: %w", err)
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	expected := mac.Sum(nil)

	if !hmac.Equal(sig, expected) {
		return fmt.Errorf("webhook: signature mismatch")
	}
	return nil
}
