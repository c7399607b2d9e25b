package webhooks

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"testing"

	"github.com/port-labs/ocean-sub007/core"
)

func TestHeaderHMACVerifierAcceptsValidSignatures(t *testing.T) {
	body := []byte(`{"action":"opened"}`)

	github := GitHubSignatureVerifier("gh_secret")
	event := core.InboundEvent{
		Body: body,
		Headers: map[string]string{
			"x-hub-signature-256": "sha256=" + hex.EncodeToString(Sign("gh_secret", body)),
		},
	}
	if err := github.VerifyEvent(context.Background(), event); err != nil {
		t.Fatalf("verify hex signature: %v", err)
	}

	base64Verifier := HeaderHMACVerifier{Header: "X-Signature", Secret: "b64_secret", Encoding: "base64"}
	req := core.InboundRequest{
		Body: body,
		Headers: map[string]string{
			"X-Signature": base64.StdEncoding.EncodeToString(Sign("b64_secret", body)),
		},
	}
	if err := base64Verifier.Verify(context.Background(), req); err != nil {
		t.Fatalf("verify base64 signature: %v", err)
	}
}

func TestHeaderHMACVerifierRejectsTamperedBody(t *testing.T) {
	verifier := GitHubSignatureVerifier("gh_secret")
	signature := "sha256=" + hex.EncodeToString(Sign("gh_secret", []byte(`{"a":1}`)))
	err := verifier.VerifyEvent(context.Background(), core.InboundEvent{
		Body:    []byte(`{"a":2}`),
		Headers: map[string]string{"X-Hub-Signature-256": signature},
	})
	if err == nil {
		t.Fatalf("expected signature mismatch")
	}
	if err := verifier.VerifyEvent(context.Background(), core.InboundEvent{}); err == nil {
		t.Fatalf("expected missing header error")
	}
}

func TestHeaderTokenVerifier(t *testing.T) {
	verifier := GitLabTokenVerifier("token-1")
	if err := verifier.VerifyEvent(context.Background(), core.InboundEvent{
		Headers: map[string]string{"X-Gitlab-Token": "token-1"},
	}); err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if err := verifier.VerifyEvent(context.Background(), core.InboundEvent{
		Headers: map[string]string{"X-Gitlab-Token": "other"},
	}); err == nil {
		t.Fatalf("expected token mismatch")
	}
}
