package provider

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pingopay/webhookd/internal/pkg/env"
)

const (
	paypalTransmissionIDHeader   = "Paypal-Transmission-Id"
	paypalTransmissionTimeHeader = "Paypal-Transmission-Time"
	paypalTransmissionSigHeader  = "Paypal-Transmission-Sig"
	paypalCertURLHeader          = "Paypal-Cert-Url"
	paypalAuthAlgoHeader         = "Paypal-Auth-Algo"

	defaultPayPalCertCacheTTL = 12 * time.Hour
	paypalCertMaxBodySize     = 64 * 1024
)

// PayPalVerifier authenticates PayPal webhook deliveries using the signing
// certificate referenced in the delivery headers. PayPal signs the canonical
// string "transmissionID|timestamp|webhookID|crc32(body)" with the
// certificate's RSA key (SHA256withRSA).
type PayPalVerifier struct {
	WebhookID    string
	HTTPClient   *http.Client
	CertCacheTTL time.Duration

	mu    sync.Mutex
	certs map[string]cachedCert
}

type cachedCert struct {
	cert      *x509.Certificate
	fetchedAt time.Time
}

func NewPayPalVerifierFromEnv() *PayPalVerifier {
	return &PayPalVerifier{
		WebhookID:    strings.TrimSpace(env.GetEnv("PAYPAL_WEBHOOK_ID", "")),
		HTTPClient:   &http.Client{Timeout: 15 * time.Second},
		CertCacheTTL: defaultPayPalCertCacheTTL,
	}
}

func (v *PayPalVerifier) Provider() Provider {
	return ProviderPayPal
}

func (v *PayPalVerifier) Verify(payload []byte, headers map[string]string) error {
	if strings.TrimSpace(v.WebhookID) == "" {
		return fmt.Errorf("%w: paypal webhook id is not configured", ErrInvalidSignature)
	}

	transmissionID := HeaderValue(headers, paypalTransmissionIDHeader)
	transmissionTime := HeaderValue(headers, paypalTransmissionTimeHeader)
	signatureB64 := HeaderValue(headers, paypalTransmissionSigHeader)
	certURL := HeaderValue(headers, paypalCertURLHeader)
	if transmissionID == "" || transmissionTime == "" || signatureB64 == "" || certURL == "" {
		return fmt.Errorf("%w: missing paypal transmission headers", ErrInvalidSignature)
	}
	if algo := HeaderValue(headers, paypalAuthAlgoHeader); algo != "" && !strings.EqualFold(algo, "SHA256withRSA") {
		return fmt.Errorf("%w: unsupported auth algo %q", ErrInvalidSignature, algo)
	}

	signature, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return fmt.Errorf("%w: signature is not valid base64", ErrInvalidSignature)
	}

	cert, err := v.signingCert(certURL)
	if err != nil {
		return err
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("%w: signing certificate does not carry an RSA key", ErrInvalidSignature)
	}

	canonical := fmt.Sprintf("%s|%s|%s|%d", transmissionID, transmissionTime, v.WebhookID, crc32.ChecksumIEEE(payload))
	digest := sha256.Sum256([]byte(canonical))
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], signature); err != nil {
		return ErrInvalidSignature
	}
	return nil
}

// signingCert returns the certificate for certURL, fetching it at most once
// per cache TTL. Caching keeps a transient fetch failure from rejecting
// legitimate deliveries on every call.
func (v *PayPalVerifier) signingCert(certURL string) (*x509.Certificate, error) {
	if err := validatePayPalCertURL(certURL); err != nil {
		return nil, err
	}

	ttl := v.CertCacheTTL
	if ttl <= 0 {
		ttl = defaultPayPalCertCacheTTL
	}

	v.mu.Lock()
	if v.certs == nil {
		v.certs = make(map[string]cachedCert)
	}
	if entry, ok := v.certs[certURL]; ok && time.Since(entry.fetchedAt) < ttl && time.Now().Before(entry.cert.NotAfter) {
		v.mu.Unlock()
		return entry.cert, nil
	}
	v.mu.Unlock()

	cert, err := v.fetchCert(certURL)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	v.certs[certURL] = cachedCert{cert: cert, fetchedAt: time.Now()}
	v.mu.Unlock()
	return cert, nil
}

func (v *PayPalVerifier) fetchCert(certURL string) (*x509.Certificate, error) {
	client := v.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}

	resp, err := client.Get(certURL)
	if err != nil {
		return nil, fmt.Errorf("fetch paypal signing cert: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch paypal signing cert: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, paypalCertMaxBodySize))
	if err != nil {
		return nil, fmt.Errorf("fetch paypal signing cert: %w", err)
	}

	block, _ := pem.Decode(body)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("%w: cert url did not return a PEM certificate", ErrInvalidSignature)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	now := time.Now()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return nil, fmt.Errorf("%w: signing certificate outside validity window", ErrInvalidSignature)
	}
	return cert, nil
}

// validatePayPalCertURL only accepts HTTPS URLs on paypal.com hosts so a
// forged delivery cannot point us at an attacker-controlled certificate.
func validatePayPalCertURL(certURL string) error {
	u, err := url.Parse(certURL)
	if err != nil {
		return fmt.Errorf("%w: invalid cert url", ErrInvalidSignature)
	}
	if u.Scheme != "https" {
		return fmt.Errorf("%w: cert url must use https", ErrInvalidSignature)
	}
	host := strings.ToLower(u.Hostname())
	if host != "paypal.com" && !strings.HasSuffix(host, ".paypal.com") {
		return fmt.Errorf("%w: cert url host %q not allowed", ErrInvalidSignature, host)
	}
	return nil
}
