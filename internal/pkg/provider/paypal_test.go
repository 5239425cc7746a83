package provider

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"errors"
	"fmt"
	"hash/crc32"
	"math/big"
	"testing"
	"time"
)

func paypalTestCert(t *testing.T) (*rsa.PrivateKey, *x509.Certificate) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "messageverificationcerts.paypal.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	return key, cert
}

func paypalSign(t *testing.T, key *rsa.PrivateKey, transmissionID, transmissionTime, webhookID string, payload []byte) string {
	t.Helper()
	canonical := fmt.Sprintf("%s|%s|%s|%d", transmissionID, transmissionTime, webhookID, crc32.ChecksumIEEE(payload))
	digest := sha256.Sum256([]byte(canonical))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return base64.StdEncoding.EncodeToString(sig)
}

func TestPayPalVerifier_ValidSignature(t *testing.T) {
	key, cert := paypalTestCert(t)
	certURL := "https://api.paypal.com/v1/notifications/certs/CERT-123"

	v := &PayPalVerifier{WebhookID: "WH-ID-1"}
	v.certs = map[string]cachedCert{
		certURL: {cert: cert, fetchedAt: time.Now()},
	}

	payload := []byte(`{"id":"WH-evt-1","event_type":"PAYMENT.CAPTURE.COMPLETED"}`)
	headers := map[string]string{
		"Paypal-Transmission-Id":   "trans-1",
		"Paypal-Transmission-Time": "2025-01-02T03:04:05Z",
		"Paypal-Transmission-Sig":  paypalSign(t, key, "trans-1", "2025-01-02T03:04:05Z", "WH-ID-1", payload),
		"Paypal-Cert-Url":          certURL,
		"Paypal-Auth-Algo":         "SHA256withRSA",
	}
	if err := v.Verify(payload, headers); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}
}

func TestPayPalVerifier_WrongWebhookID(t *testing.T) {
	key, cert := paypalTestCert(t)
	certURL := "https://api.paypal.com/v1/notifications/certs/CERT-123"

	v := &PayPalVerifier{WebhookID: "WH-ID-1"}
	v.certs = map[string]cachedCert{
		certURL: {cert: cert, fetchedAt: time.Now()},
	}

	payload := []byte(`{"id":"WH-evt-2","event_type":"PAYMENT.CAPTURE.COMPLETED"}`)
	headers := map[string]string{
		"Paypal-Transmission-Id":   "trans-2",
		"Paypal-Transmission-Time": "2025-01-02T03:04:05Z",
		"Paypal-Transmission-Sig":  paypalSign(t, key, "trans-2", "2025-01-02T03:04:05Z", "WH-ID-OTHER", payload),
		"Paypal-Cert-Url":          certURL,
	}
	if err := v.Verify(payload, headers); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestPayPalVerifier_MissingHeaders(t *testing.T) {
	v := &PayPalVerifier{WebhookID: "WH-ID-1"}
	err := v.Verify([]byte(`{}`), map[string]string{
		"Paypal-Transmission-Id": "trans-3",
	})
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected missing headers to fail, got %v", err)
	}
}

func TestPayPalVerifier_UnsupportedAlgo(t *testing.T) {
	v := &PayPalVerifier{WebhookID: "WH-ID-1"}
	err := v.Verify([]byte(`{}`), map[string]string{
		"Paypal-Transmission-Id":   "trans-4",
		"Paypal-Transmission-Time": "2025-01-02T03:04:05Z",
		"Paypal-Transmission-Sig":  "c2ln",
		"Paypal-Cert-Url":          "https://api.paypal.com/certs/CERT-1",
		"Paypal-Auth-Algo":         "SHA1withRSA",
	})
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected unsupported algo to fail, got %v", err)
	}
}

func TestValidatePayPalCertURL(t *testing.T) {
	tests := []struct {
		url     string
		allowed bool
	}{
		{"https://api.paypal.com/v1/notifications/certs/CERT-1", true},
		{"https://messageverificationcerts.paypal.com/cert.pem", true},
		{"https://paypal.com/cert.pem", true},
		{"http://api.paypal.com/cert.pem", false},
		{"https://evil.example.com/cert.pem", false},
		{"https://notpaypal.com/cert.pem", false},
		{"https://paypal.com.evil.example/cert.pem", false},
	}
	for _, tt := range tests {
		err := validatePayPalCertURL(tt.url)
		if tt.allowed && err != nil {
			t.Fatalf("expected %q to be allowed, got %v", tt.url, err)
		}
		if !tt.allowed && err == nil {
			t.Fatalf("expected %q to be rejected", tt.url)
		}
	}
}
