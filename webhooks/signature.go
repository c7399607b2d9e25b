package webhooks

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/port-labs/ocean-sub007/core"
)

// HeaderHMACVerifier checks an HMAC-SHA256 signature of the raw body carried
// in a request header. Handlers use it from Authenticate.
type HeaderHMACVerifier struct {
	Header   string
	Prefix   string
	Secret   string
	Encoding string // hex | base64
}

func (v HeaderHMACVerifier) Verify(_ context.Context, req core.InboundRequest) error {
	return v.verify(req.Headers, req.Body)
}

func (v HeaderHMACVerifier) VerifyEvent(_ context.Context, event core.InboundEvent) error {
	return v.verify(event.Headers, event.Body)
}

func (v HeaderHMACVerifier) verify(headers map[string]string, body []byte) error {
	header := core.HeaderValue(headers, v.Header)
	if header == "" {
		return fmt.Errorf("webhooks: %s signature header is required", strings.TrimSpace(v.Header))
	}
	secret := strings.TrimSpace(v.Secret)
	if secret == "" {
		return fmt.Errorf("webhooks: signature secret is required")
	}
	signature := strings.TrimSpace(strings.TrimPrefix(header, strings.TrimSpace(v.Prefix)))
	if signature == "" {
		return fmt.Errorf("webhooks: signature value is required")
	}

	var (
		decoded []byte
		err     error
	)
	switch strings.ToLower(strings.TrimSpace(v.Encoding)) {
	case "base64":
		decoded, err = base64.StdEncoding.DecodeString(signature)
	default:
		decoded, err = hex.DecodeString(signature)
	}
	if err != nil {
		return fmt.Errorf("webhooks: decode signature: %w", err)
	}
	if subtle.ConstantTimeCompare(decoded, Sign(secret, body)) != 1 {
		return fmt.Errorf("webhooks: signature verification failed")
	}
	return nil
}

// Sign returns the HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return mac.Sum(nil)
}

// HeaderTokenVerifier compares a shared token carried in a header.
type HeaderTokenVerifier struct {
	Header string
	Token  string
}

func (v HeaderTokenVerifier) Verify(_ context.Context, req core.InboundRequest) error {
	return v.verify(req.Headers)
}

func (v HeaderTokenVerifier) VerifyEvent(_ context.Context, event core.InboundEvent) error {
	return v.verify(event.Headers)
}

func (v HeaderTokenVerifier) verify(headers map[string]string) error {
	expected := strings.TrimSpace(v.Token)
	if expected == "" {
		return fmt.Errorf("webhooks: verification token is required")
	}
	actual := core.HeaderValue(headers, v.Header)
	if actual == "" {
		return fmt.Errorf("webhooks: %s verification header is required", strings.TrimSpace(v.Header))
	}
	if subtle.ConstantTimeCompare([]byte(actual), []byte(expected)) != 1 {
		return fmt.Errorf("webhooks: verification token mismatch")
	}
	return nil
}

// GitHubSignatureVerifier verifies X-Hub-Signature-256 deliveries.
func GitHubSignatureVerifier(secret string) HeaderHMACVerifier {
	return HeaderHMACVerifier{
		Header:   "X-Hub-Signature-256",
		Prefix:   "sha256=",
		Secret:   strings.TrimSpace(secret),
		Encoding: "hex",
	}
}

// GitLabTokenVerifier verifies X-Gitlab-Token deliveries.
func GitLabTokenVerifier(token string) HeaderTokenVerifier {
	return HeaderTokenVerifier{
		Header: "X-Gitlab-Token",
		Token:  strings.TrimSpace(token),
	}
}
