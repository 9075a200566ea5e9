package sms

import (
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComputeSignatureDeterministic(t *testing.T) {
	t.Parallel()

	form := url.Values{}
	form.Set("MessageSid", "SM123")
	form.Set("From", "+15551234567")
	form.Set("Body", "hello")

	first := ComputeSignature("secret", "https://example.com/webhooks/sms", form)
	second := ComputeSignature("secret", "https://example.com/webhooks/sms", form)
	require.Equal(t, first, second)
	require.NotEmpty(t, first)
}

func TestVerifySignatureRoundTrip(t *testing.T) {
	t.Parallel()

	form := url.Values{}
	form.Set("MessageSid", "SM123")
	form.Set("Body", "ping")
	canonicalURL := "https://example.com/webhooks/sms"
	signature := ComputeSignature("secret", canonicalURL, form)

	result := VerifySignature("secret", signature, canonicalURL, form)
	require.True(t, result.OK, result.Reason)
}

func TestVerifySignatureSingleByteSensitivity(t *testing.T) {
	t.Parallel()

	form := url.Values{}
	form.Set("MessageSid", "SM123")
	form.Set("Body", "ping")
	canonicalURL := "https://example.com/webhooks/sms"
	signature := ComputeSignature("secret", canonicalURL, form)

	// Flip one byte of the form payload.
	tampered := url.Values{}
	tampered.Set("MessageSid", "SM123")
	tampered.Set("Body", "pinh")
	require.False(t, VerifySignature("secret", signature, canonicalURL, tampered).OK)

	// Different URL.
	require.False(t, VerifySignature("secret", signature, canonicalURL+"x", form).OK)

	// Different secret.
	require.False(t, VerifySignature("secres", signature, canonicalURL, form).OK)
}

func TestVerifySignatureNoSecretSkips(t *testing.T) {
	t.Parallel()

	result := VerifySignature("", "whatever", "https://example.com/x", url.Values{})
	require.True(t, result.OK)
	require.Contains(t, result.Reason, "skipped")
}

func TestVerifySignatureSecretWithoutHeaderFails(t *testing.T) {
	t.Parallel()

	result := VerifySignature("secret", "", "https://example.com/x", url.Values{})
	require.False(t, result.OK)
}

func TestComputeSignatureSortsKeys(t *testing.T) {
	t.Parallel()

	// Same logical form built in different insertion orders.
	a := url.Values{}
	a.Set("Zebra", "1")
	a.Set("Alpha", "2")

	b := url.Values{}
	b.Set("Alpha", "2")
	b.Set("Zebra", "1")

	require.Equal(t,
		ComputeSignature("s", "https://example.com/", a),
		ComputeSignature("s", "https://example.com/", b),
	)
}

func TestCanonicalRequestURL(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest("POST", "/webhooks/sms?x=1", nil)
	require.Equal(t, "http://example.com/webhooks/sms?x=1", CanonicalRequestURL(req, ""))

	req.Header.Set("X-Forwarded-Proto", "https")
	req.Header.Set("X-Forwarded-Host", "gateway.example.org")
	require.Equal(t, "https://gateway.example.org/webhooks/sms?x=1", CanonicalRequestURL(req, ""))

	// Comma-separated multi-hop forwarding headers take the first value.
	req.Header.Set("X-Forwarded-Proto", "https, http")
	req.Header.Set("X-Forwarded-Host", "edge.example.org, inner.local")
	require.Equal(t, "https://edge.example.org/webhooks/sms?x=1", CanonicalRequestURL(req, ""))

	// Explicit base overrides everything.
	require.Equal(t, "https://fixed.example.net/webhooks/sms?x=1", CanonicalRequestURL(req, "https://fixed.example.net/"))
}
