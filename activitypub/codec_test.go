package activitypub

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
)

func TestParseSignatureHeaderFull(t *testing.T) {
	raw := `keyId="https://remote.example/users/alice#main-key",algorithm="rsa-sha256",headers="(request-target) host date digest",signature="c2lnbmF0dXJl"`

	params, err := ParseSignatureHeader(raw)
	if err != nil {
		t.Fatalf("ParseSignatureHeader failed: %v", err)
	}
	if params.KeyID != "https://remote.example/users/alice#main-key" {
		t.Errorf("unexpected keyId: %s", params.KeyID)
	}
	if params.Algorithm != "rsa-sha256" {
		t.Errorf("unexpected algorithm: %s", params.Algorithm)
	}
	want := []string{"(request-target)", "host", "date", "digest"}
	if len(params.Headers) != len(want) {
		t.Fatalf("expected %d headers, got %d", len(want), len(params.Headers))
	}
	for i, h := range want {
		if params.Headers[i] != h {
			t.Errorf("header %d: expected %q, got %q", i, h, params.Headers[i])
		}
	}
	if params.Signature != "c2lnbmF0dXJl" {
		t.Errorf("unexpected signature: %s", params.Signature)
	}
}

func TestParseSignatureHeaderDefaults(t *testing.T) {
	params, err := ParseSignatureHeader(`keyId="https://remote.example/users/alice",signature="c2ln"`)
	if err != nil {
		t.Fatalf("ParseSignatureHeader failed: %v", err)
	}
	if params.Algorithm != "rsa-sha256" {
		t.Errorf("expected default algorithm rsa-sha256, got %s", params.Algorithm)
	}
	if len(params.Headers) != 1 || params.Headers[0] != "date" {
		t.Errorf("expected default headers [date], got %v", params.Headers)
	}
}

func TestParseSignatureHeaderMissingKeyId(t *testing.T) {
	_, err := ParseSignatureHeader(`algorithm="rsa-sha256",signature="c2ln"`)
	if err == nil {
		t.Fatal("expected error for missing keyId")
	}
}

func TestParseSignatureHeaderMissingSignature(t *testing.T) {
	_, err := ParseSignatureHeader(`keyId="https://remote.example/users/alice"`)
	if err == nil {
		t.Fatal("expected error for missing signature")
	}
}

func TestParseSignatureHeaderEmpty(t *testing.T) {
	if _, err := ParseSignatureHeader(""); err == nil {
		t.Fatal("expected error for empty header")
	}
}

func TestSignatureParamsActorURI(t *testing.T) {
	p := &SignatureParams{KeyID: "https://remote.example/users/alice#main-key"}
	if p.ActorURI() != "https://remote.example/users/alice" {
		t.Errorf("unexpected actor URI: %s", p.ActorURI())
	}

	p = &SignatureParams{KeyID: "https://remote.example/actor"}
	if p.ActorURI() != "https://remote.example/actor" {
		t.Errorf("keyId without fragment should pass through, got %s", p.ActorURI())
	}
}

func TestFormatSignatureHeaderRoundtrip(t *testing.T) {
	raw := FormatSignatureHeader(
		"https://local.example/users/bob#main-key",
		"rsa-sha256",
		[]string{"(request-target)", "host", "date"},
		"YWJjZGVm",
	)

	params, err := ParseSignatureHeader(raw)
	if err != nil {
		t.Fatalf("parsing formatted header failed: %v", err)
	}
	if params.KeyID != "https://local.example/users/bob#main-key" {
		t.Errorf("keyId did not survive the roundtrip: %s", params.KeyID)
	}
	if len(params.Headers) != 3 {
		t.Errorf("headers did not survive the roundtrip: %v", params.Headers)
	}
	if params.Signature != "YWJjZGVm" {
		t.Errorf("signature did not survive the roundtrip: %s", params.Signature)
	}
}

func TestBuildSigningString(t *testing.T) {
	headers := map[string]string{
		"Host": "remote.example",
		"Date": "Mon, 05 Jan 2026 12:00:00 GMT",
	}
	got, err := BuildSigningString("POST", "/users/alice/inbox", headers, []string{"(request-target)", "host", "date"})
	if err != nil {
		t.Fatalf("BuildSigningString failed: %v", err)
	}

	want := "(request-target): post /users/alice/inbox\n" +
		"host: remote.example\n" +
		"date: Mon, 05 Jan 2026 12:00:00 GMT"
	if got != want {
		t.Errorf("signing string mismatch:\ngot:  %q\nwant: %q", got, want)
	}
}

func TestBuildSigningStringOrderMatters(t *testing.T) {
	headers := map[string]string{
		"Host": "remote.example",
		"Date": "Mon, 05 Jan 2026 12:00:00 GMT",
	}
	a, err := BuildSigningString("GET", "/users/alice", headers, []string{"host", "date"})
	if err != nil {
		t.Fatalf("BuildSigningString failed: %v", err)
	}
	b, err := BuildSigningString("GET", "/users/alice", headers, []string{"date", "host"})
	if err != nil {
		t.Fatalf("BuildSigningString failed: %v", err)
	}
	if a == b {
		t.Error("different header orders must produce different signing strings")
	}
}

func TestBuildSigningStringMissingHeader(t *testing.T) {
	_, err := BuildSigningString("POST", "/inbox", map[string]string{"Host": "remote.example"}, []string{"host", "date"})
	if err == nil {
		t.Fatal("expected error for header named in order but absent from request")
	}
}

func TestComputeDigest(t *testing.T) {
	digest := ComputeDigest([]byte(`{"type":"Follow"}`))
	if !strings.HasPrefix(digest, "SHA-256=") {
		t.Errorf("digest missing SHA-256 prefix: %s", digest)
	}
	if digest == ComputeDigest([]byte(`{"type":"Undo"}`)) {
		t.Error("different bodies must produce different digests")
	}
	if digest != ComputeDigest([]byte(`{"type":"Follow"}`)) {
		t.Error("same body must produce the same digest")
	}
}

func TestSignAndVerifyString(t *testing.T) {
	privateKey, publicKey, err := generateTestKeyPair()
	if err != nil {
		t.Fatalf("failed to generate key pair: %v", err)
	}

	signingString := "(request-target): post /inbox\nhost: remote.example\ndate: Mon, 05 Jan 2026 12:00:00 GMT"
	sig, err := SignString(privateKey, signingString)
	if err != nil {
		t.Fatalf("SignString failed: %v", err)
	}

	if err := VerifyString(publicKey, signingString, sig); err != nil {
		t.Errorf("VerifyString rejected a valid signature: %v", err)
	}

	if err := VerifyString(publicKey, signingString+"tampered", sig); err == nil {
		t.Error("VerifyString accepted a signature over a different string")
	}
}

func TestVerifyRequestDigestMismatch(t *testing.T) {
	privateKey, publicKey, err := generateTestKeyPair()
	if err != nil {
		t.Fatalf("failed to generate key pair: %v", err)
	}
	publicPem, err := publicKeyToPEM(publicKey)
	if err != nil {
		t.Fatalf("failed to encode public key: %v", err)
	}

	body := []byte(`{"type":"Follow"}`)
	req, err := http.NewRequest("POST", "https://local.example/users/bob/inbox", strings.NewReader(string(body)))
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("Host", "local.example")
	req.Header.Set("Date", "Mon, 05 Jan 2026 12:00:00 GMT")
	req.Header.Set("Digest", ComputeDigest(body))
	if err := SignRequest(req, privateKey, "https://remote.example/users/alice#main-key"); err != nil {
		t.Fatalf("SignRequest failed: %v", err)
	}

	// Swap the body after signing; the digest no longer matches.
	req.Body = io.NopCloser(strings.NewReader(`{"type":"Undo"}`))

	_, err = VerifyRequest(req, publicPem)
	if !errors.Is(err, ErrDigestMismatch) {
		t.Fatalf("expected ErrDigestMismatch, got %v", err)
	}
}

func TestVerifyRequestRequiresDigestForBody(t *testing.T) {
	privateKey, publicKey, err := generateTestKeyPair()
	if err != nil {
		t.Fatalf("failed to generate key pair: %v", err)
	}
	publicPem, err := publicKeyToPEM(publicKey)
	if err != nil {
		t.Fatalf("failed to encode public key: %v", err)
	}

	// A valid signature over (request-target) host date only: the
	// payload is not bound, so verification must refuse the request.
	body := []byte(`{"type":"Follow"}`)
	req, err := http.NewRequest("POST", "https://local.example/users/bob/inbox", strings.NewReader(string(body)))
	if err != nil {
		t.Fatalf("failed to create request: %v", err)
	}
	req.Header.Set("Host", "local.example")
	req.Header.Set("Date", "Mon, 05 Jan 2026 12:00:00 GMT")

	order := []string{RequestTarget, "host", "date"}
	signingString, err := BuildSigningString("POST", "/users/bob/inbox", map[string]string{
		"host": "local.example",
		"date": req.Header.Get("Date"),
	}, order)
	if err != nil {
		t.Fatalf("BuildSigningString failed: %v", err)
	}
	signature, err := SignString(privateKey, signingString)
	if err != nil {
		t.Fatalf("SignString failed: %v", err)
	}
	req.Header.Set("Signature", FormatSignatureHeader(
		"https://remote.example/users/alice#main-key", "rsa-sha256", order, signature))

	_, err = VerifyRequest(req, publicPem)
	if !errors.Is(err, ErrDigestMismatch) {
		t.Fatalf("expected ErrDigestMismatch for unbound body, got %v", err)
	}
}
