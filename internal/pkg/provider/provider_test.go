package provider

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"testing"
)

func TestParseProvider(t *testing.T) {
	tests := []struct {
		in   string
		want Provider
		ok   bool
	}{
		{in: "stripe", want: ProviderStripe, ok: true},
		{in: " Stripe ", want: ProviderStripe, ok: true},
		{in: "paypal", want: ProviderPayPal, ok: true},
		{in: "patreon", want: ProviderPatreon, ok: true},
		{in: "square", ok: false},
		{in: "", ok: false},
	}

	for _, tt := range tests {
		got, err := ParseProvider(tt.in)
		if tt.ok {
			if err != nil || got != tt.want {
				t.Fatalf("ParseProvider(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
			}
			continue
		}
		if !errors.Is(err, ErrUnknownProvider) {
			t.Fatalf("ParseProvider(%q) expected ErrUnknownProvider, got %v", tt.in, err)
		}
	}
}

func TestParseEvent_Stripe(t *testing.T) {
	ev, err := ParseEvent(ProviderStripe, []byte(`{"id":"evt_1","type":"payment_intent.succeeded"}`), nil)
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if ev.EventID != "evt_1" || ev.EventType != "payment_intent.succeeded" {
		t.Fatalf("unexpected parsed event: %+v", ev)
	}

	if _, err := ParseEvent(ProviderStripe, []byte(`{"type":"x"}`), nil); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload for missing id, got %v", err)
	}
	if _, err := ParseEvent(ProviderStripe, []byte(`not-json`), nil); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload for invalid json, got %v", err)
	}
}

func TestParseEvent_PayPal(t *testing.T) {
	ev, err := ParseEvent(ProviderPayPal, []byte(`{"id":"WH-1","event_type":"PAYMENT.CAPTURE.COMPLETED"}`), nil)
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if ev.EventID != "WH-1" || ev.EventType != "payment.capture.completed" {
		t.Fatalf("expected lowercased event type, got: %+v", ev)
	}
}

func TestParseEvent_Patreon(t *testing.T) {
	headers := map[string]string{
		"X-Patreon-Event":    "members:update",
		"X-Patreon-Delivery": "deliv-123",
	}
	ev, err := ParseEvent(ProviderPatreon, []byte(`{"data":{}}`), headers)
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	if ev.EventID != "deliv-123" || ev.EventType != "members:update" {
		t.Fatalf("unexpected parsed event: %+v", ev)
	}

	if _, err := ParseEvent(ProviderPatreon, []byte(`{}`), map[string]string{}); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected missing trigger headers to fail, got %v", err)
	}
}

func TestPatreonVerifier(t *testing.T) {
	payload := []byte(`{"foo":"bar"}`)
	secret := "top-secret"
	v := &PatreonVerifier{Secret: secret}

	mac := hmac.New(md5.New, []byte(secret))
	mac.Write(payload)
	validSig := hex.EncodeToString(mac.Sum(nil))

	if err := v.Verify(payload, map[string]string{"X-Patreon-Signature": validSig}); err != nil {
		t.Fatalf("expected signature to validate, got %v", err)
	}

	macSHA256 := hmac.New(sha256.New, []byte(secret))
	macSHA256.Write(payload)
	validSHA256 := hex.EncodeToString(macSHA256.Sum(nil))
	if err := v.Verify(payload, map[string]string{"X-Patreon-Signature": validSHA256}); err != nil {
		t.Fatalf("expected sha256 fallback signature to validate, got %v", err)
	}

	err := v.Verify(payload, map[string]string{"X-Patreon-Signature": "deadbeef"})
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected invalid signature to fail, got %v", err)
	}
}

func TestHeaderValue_CaseTolerant(t *testing.T) {
	headers := map[string]string{"stripe-signature": " t=1,v1=abc "}
	if got := HeaderValue(headers, "Stripe-Signature"); got != "t=1,v1=abc" {
		t.Fatalf("expected lower-case lookup to work, got %q", got)
	}
}
