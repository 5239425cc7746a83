package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pingopay/webhookd/internal/pkg/env"
)

const (
	stripeSignatureHeader     = "Stripe-Signature"
	defaultStripeTolerance    = 5 * time.Minute
	stripeSignedPayloadFormat = "%d.%s"
)

// StripeVerifier authenticates Stripe webhook deliveries. Stripe signs the
// raw body prefixed with the header timestamp using HMAC-SHA256; the header
// carries one or more v1 signatures to support secret rotation.
type StripeVerifier struct {
	Secret    string
	Tolerance time.Duration

	// now is overridable for tests.
	now func() time.Time
}

func NewStripeVerifierFromEnv() *StripeVerifier {
	return &StripeVerifier{
		Secret:    strings.TrimSpace(env.GetEnv("STRIPE_WEBHOOK_SECRET", "")),
		Tolerance: defaultStripeTolerance,
	}
}

func (v *StripeVerifier) Provider() Provider {
	return ProviderStripe
}

func (v *StripeVerifier) Verify(payload []byte, headers map[string]string) error {
	if strings.TrimSpace(v.Secret) == "" {
		return fmt.Errorf("%w: stripe webhook secret is not configured", ErrInvalidSignature)
	}
	header := HeaderValue(headers, stripeSignatureHeader)
	if header == "" {
		return fmt.Errorf("%w: missing %s header", ErrInvalidSignature, stripeSignatureHeader)
	}

	timestamp, signatures, err := parseStripeSignatureHeader(header)
	if err != nil {
		return err
	}

	tolerance := v.Tolerance
	if tolerance <= 0 {
		tolerance = defaultStripeTolerance
	}
	nowFn := v.now
	if nowFn == nil {
		nowFn = time.Now
	}
	age := nowFn().Sub(time.Unix(timestamp, 0))
	if age > tolerance || age < -tolerance {
		return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
	}

	signedPayload := fmt.Sprintf(stripeSignedPayloadFormat, timestamp, payload)
	mac := hmac.New(sha256.New, []byte(v.Secret))
	mac.Write([]byte(signedPayload))
	expected := mac.Sum(nil)

	for _, sig := range signatures {
		decoded, err := hex.DecodeString(sig)
		if err != nil {
			continue
		}
		if hmac.Equal(expected, decoded) {
			return nil
		}
	}
	return ErrInvalidSignature
}

// parseStripeSignatureHeader splits "t=<unix>,v1=<hex>[,v1=<hex>...]" into
// its timestamp and candidate signatures. Unknown schemes are ignored.
func parseStripeSignatureHeader(header string) (int64, []string, error) {
	var timestamp int64
	var signatures []string

	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "t":
			ts, err := strconv.ParseInt(kv[1], 10, 64)
			if err != nil {
				return 0, nil, fmt.Errorf("%w: invalid timestamp", ErrInvalidSignature)
			}
			timestamp = ts
		case "v1":
			signatures = append(signatures, kv[1])
		}
	}

	if timestamp == 0 || len(signatures) == 0 {
		return 0, nil, fmt.Errorf("%w: signature header incomplete", ErrInvalidSignature)
	}
	return timestamp, signatures, nil
}
