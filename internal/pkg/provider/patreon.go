package provider

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"github.com/pingopay/webhookd/internal/pkg/env"
)

const patreonSignatureHeader = "X-Patreon-Signature"

// PatreonVerifier authenticates Patreon webhook deliveries.
type PatreonVerifier struct {
	Secret string
}

func NewPatreonVerifierFromEnv() *PatreonVerifier {
	return &PatreonVerifier{
		Secret: strings.TrimSpace(env.GetEnv("PATREON_WEBHOOK_SECRET", "")),
	}
}

func (v *PatreonVerifier) Provider() Provider {
	return ProviderPatreon
}

func (v *PatreonVerifier) Verify(payload []byte, headers map[string]string) error {
	sig := HeaderValue(headers, patreonSignatureHeader)
	secret := strings.TrimSpace(v.Secret)
	if sig == "" || secret == "" {
		return fmt.Errorf("%w: missing patreon signature or secret", ErrInvalidSignature)
	}

	decodedSig, err := hex.DecodeString(strings.ToLower(sig))
	if err != nil {
		return fmt.Errorf("%w: signature is not valid hex", ErrInvalidSignature)
	}

	// Patreon docs describe HMAC-MD5 for X-Patreon-Signature.
	if verifyHMAC(payload, decodedSig, []byte(secret), md5.New) {
		return nil
	}
	// Backward-compatible fallback in case environments were configured for SHA256.
	if verifyHMAC(payload, decodedSig, []byte(secret), sha256.New) {
		return nil
	}
	return ErrInvalidSignature
}

func verifyHMAC(payload, expectedSig, secret []byte, hashFunc func() hash.Hash) bool {
	mac := hmac.New(hashFunc, secret)
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), expectedSig)
}
