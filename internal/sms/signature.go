package sms

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// SignatureHeader is the provider's request signature header.
const SignatureHeader = "X-Twilio-Signature"

// VerifyResult reports the outcome of a signature check and why.
type VerifyResult struct {
	OK     bool
	Reason string
}

// VerifySignature validates that a webhook request was signed with secret.
//
// The canonical byte string is the externally visible request URL followed by
// every form field key and value in lexicographically ascending key order
// with no separators, HMAC-SHA1'd and base64-encoded (the provider's scheme).
//
// An empty secret skips verification and reports ok: accounts without
// configured credentials are trusted so local development works without
// provider access. Deployments exposed to the internet must configure a
// secret; callers log every skip. A configured secret with a missing
// signature header always fails.
func VerifySignature(secret, signatureHeader, canonicalURL string, form url.Values) VerifyResult {
	if strings.TrimSpace(secret) == "" {
		return VerifyResult{OK: true, Reason: "no secret configured, verification skipped"}
	}
	if strings.TrimSpace(signatureHeader) == "" {
		return VerifyResult{OK: false, Reason: "signature header missing"}
	}
	expected := ComputeSignature(secret, canonicalURL, form)
	if hmac.Equal([]byte(expected), []byte(strings.TrimSpace(signatureHeader))) {
		return VerifyResult{OK: true, Reason: "signature valid"}
	}
	return VerifyResult{OK: false, Reason: "signature mismatch"}
}

// ComputeSignature returns the base64 HMAC-SHA1 over the canonical
// concatenation of URL and sorted form fields.
func ComputeSignature(secret, canonicalURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for key := range form {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var payload strings.Builder
	payload.WriteString(canonicalURL)
	for _, key := range keys {
		for _, value := range form[key] {
			payload.WriteString(key)
			payload.WriteString(value)
		}
	}

	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(payload.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// CanonicalRequestURL reconstructs the URL the provider signed, honoring
// X-Forwarded-Proto / X-Forwarded-Host set by reverse proxies. overrideBase,
// when non-empty, replaces scheme and host entirely (for deployments where
// forwarding headers are stripped).
func CanonicalRequestURL(req *http.Request, overrideBase string) string {
	uri := req.URL.RequestURI()
	if base := strings.TrimSpace(overrideBase); base != "" {
		return strings.TrimSuffix(base, "/") + uri
	}

	scheme := "http"
	if req.TLS != nil {
		scheme = "https"
	}
	if forwarded := firstForwardedValue(req.Header.Get("X-Forwarded-Proto")); forwarded != "" {
		scheme = forwarded
	}
	host := req.Host
	if forwarded := firstForwardedValue(req.Header.Get("X-Forwarded-Host")); forwarded != "" {
		host = forwarded
	}
	return scheme + "://" + host + uri
}

func firstForwardedValue(header string) string {
	value := strings.TrimSpace(header)
	if value == "" {
		return ""
	}
	if idx := strings.IndexByte(value, ','); idx >= 0 {
		value = value[:idx]
	}
	return strings.TrimSpace(value)
}
