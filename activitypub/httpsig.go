package activitypub

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"strings"

	"code.superseriousbusiness.org/httpsig"
)

// RequestTarget is the draft-cavage pseudo-header covering the HTTP method
// and path of a request.
const RequestTarget = "(request-target)"

// SignatureParams holds the parsed fields of a Signature header.
type SignatureParams struct {
	KeyID     string
	Algorithm string
	Headers   []string
	Signature string
}

// ActorURI returns the key owner's actor URI: the keyId without its
// fragment (Mastodon-style keys look like https://host/users/name#main-key).
func (p *SignatureParams) ActorURI() string {
	return strings.SplitN(p.KeyID, "#", 2)[0]
}

// ParsePrivateKey parses a PEM-encoded RSA private key in either PKCS#1
// ("RSA PRIVATE KEY") or PKCS#8 ("PRIVATE KEY") format.
func ParsePrivateKey(pemString string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}
	return rsaKey, nil
}

// ParsePublicKey parses a PEM-encoded RSA public key in either PKCS#1
// ("RSA PUBLIC KEY") or PKIX ("PUBLIC KEY") format. Older fediverse
// software still publishes PKCS#1 keys.
func ParsePublicKey(pemString string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block")
	}

	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	rsaKey, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not RSA")
	}
	return rsaKey, nil
}

// ComputeDigest returns the Digest header value for a request body.
func ComputeDigest(body []byte) string {
	hash := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(hash[:])
}

// BuildSigningString assembles the draft-cavage signing string for the
// given header order. Header names are matched case-insensitively; the
// output uses the lowercased name. A header named in the order but absent
// from the map is an error, because signer and verifier must agree on the
// exact byte sequence.
func BuildSigningString(method, pathAndQuery string, headers map[string]string, order []string) (string, error) {
	canonical := make(map[string]string, len(headers))
	for k, v := range headers {
		canonical[strings.ToLower(k)] = strings.TrimSpace(v)
	}

	lines := make([]string, 0, len(order))
	for _, name := range order {
		name = strings.ToLower(name)
		if name == RequestTarget {
			lines = append(lines, fmt.Sprintf("%s: %s %s", RequestTarget, strings.ToLower(method), pathAndQuery))
			continue
		}
		value, ok := canonical[name]
		if !ok {
			return "", fmt.Errorf("signed header %q not present in request", name)
		}
		lines = append(lines, name+": "+value)
	}
	return strings.Join(lines, "\n"), nil
}

// SignString signs a signing string with RSA-SHA256 and returns the
// base64-encoded signature.
func SignString(privateKey *rsa.PrivateKey, signingString string) (string, error) {
	hashed := sha256.Sum256([]byte(signingString))
	sig, err := rsa.SignPKCS1v15(rand.Reader, privateKey, crypto.SHA256, hashed[:])
	if err != nil {
		return "", fmt.Errorf("failed to sign: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifyString verifies a base64-encoded RSA-SHA256 signature over a
// signing string.
func VerifyString(publicKey *rsa.PublicKey, signingString, signatureB64 string) error {
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return fmt.Errorf("%w: bad base64 signature", ErrSignatureParse)
	}
	hashed := sha256.Sum256([]byte(signingString))
	if err := rsa.VerifyPKCS1v15(publicKey, crypto.SHA256, hashed[:], sig); err != nil {
		return ErrSignatureVerification
	}
	return nil
}

// FormatSignatureHeader renders a Signature header value from its parts.
func FormatSignatureHeader(keyID, algorithm string, headers []string, signature string) string {
	return fmt.Sprintf(`keyId="%s",algorithm="%s",headers="%s",signature="%s"`,
		keyID, algorithm, strings.Join(headers, " "), signature)
}

// ParseSignatureHeader parses a Signature header into its fields. Per
// draft-cavage, a missing algorithm defaults to rsa-sha256 and a missing
// headers list defaults to just "date".
func ParseSignatureHeader(raw string) (*SignatureParams, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: empty header", ErrSignatureParse)
	}

	params := &SignatureParams{
		Algorithm: "rsa-sha256",
		Headers:   []string{"date"},
	}

	for _, part := range splitSignatureHeader(raw) {
		key, value, found := strings.Cut(part, "=")
		if !found {
			return nil, fmt.Errorf("%w: malformed pair %q", ErrSignatureParse, part)
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"`)

		switch strings.ToLower(key) {
		case "keyid":
			params.KeyID = value
		case "algorithm":
			params.Algorithm = strings.ToLower(value)
		case "headers":
			params.Headers = strings.Fields(strings.ToLower(value))
		case "signature":
			params.Signature = value
		}
	}

	if params.KeyID == "" {
		return nil, fmt.Errorf("%w: missing keyId", ErrSignatureParse)
	}
	if params.Signature == "" {
		return nil, fmt.Errorf("%w: missing signature", ErrSignatureParse)
	}
	return params, nil
}

// splitSignatureHeader splits on commas outside of quoted values; base64
// signatures never contain commas but quoted header lists keep spaces.
func splitSignatureHeader(raw string) []string {
	var parts []string
	var sb strings.Builder
	inQuotes := false
	for _, r := range raw {
		switch {
		case r == '"':
			inQuotes = !inQuotes
			sb.WriteRune(r)
		case r == ',' && !inQuotes:
			parts = append(parts, sb.String())
			sb.Reset()
		default:
			sb.WriteRune(r)
		}
	}
	if sb.Len() > 0 {
		parts = append(parts, sb.String())
	}
	return parts
}

// SignRequest signs an outgoing HTTP request with RSA-SHA256. The caller
// sets Host, Date and (for POST) Digest headers first; the Digest covers
// the serialized body, so the signature transitively covers the payload.
func SignRequest(req *http.Request, privateKey *rsa.PrivateKey, keyID string) error {
	headers := []string{httpsig.RequestTarget, "host", "date"}
	if req.Header.Get("Digest") != "" {
		headers = append(headers, "digest")
	}

	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		headers,
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("failed to create signer: %w", err)
	}

	// Body is nil because the Digest header is already set; passing it
	// again would make the signer refuse to overwrite the header.
	if err := signer.SignRequest(privateKey, keyID, req, nil); err != nil {
		return fmt.Errorf("failed to sign request: %w", err)
	}
	return nil
}

// VerifyRequest verifies the HTTP signature of an incoming request against
// a PEM public key and returns the signer's actor URI. A request with a
// body must declare digest among its signed headers; the Digest header is
// recomputed from the body and compared before any RSA work happens.
func VerifyRequest(r *http.Request, publicKeyPem string) (string, error) {
	publicKey, err := ParsePublicKey(publicKeyPem)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoPublicKey, err)
	}

	params, err := ParseSignatureHeader(r.Header.Get("Signature"))
	if err != nil {
		return "", err
	}

	if params.Algorithm != "rsa-sha256" && params.Algorithm != "hs2019" {
		return "", fmt.Errorf("%w: unsupported algorithm %q", ErrSignatureParse, params.Algorithm)
	}

	headers := map[string]string{}
	for name := range r.Header {
		headers[strings.ToLower(name)] = r.Header.Get(name)
	}
	if _, ok := headers["host"]; !ok && r.Host != "" {
		headers["host"] = r.Host
	}

	var body []byte
	if r.Body != nil {
		body, err = io.ReadAll(r.Body)
		if err != nil {
			return "", fmt.Errorf("failed to read body: %w", err)
		}
		r.Body.Close()
	}

	digestDeclared := false
	for _, name := range params.Headers {
		if name == "digest" {
			digestDeclared = true
		}
	}

	// A signature over a bodied request must cover the payload: without a
	// digest entry in the signed header list, the body could be swapped
	// without invalidating the signature.
	if len(body) > 0 && !digestDeclared {
		return "", fmt.Errorf("%w: request body not covered by signed headers", ErrDigestMismatch)
	}
	if digestDeclared && ComputeDigest(body) != headers["digest"] {
		return "", ErrDigestMismatch
	}

	signingString, err := BuildSigningString(r.Method, r.URL.RequestURI(), headers, params.Headers)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSignatureParse, err)
	}

	if err := VerifyString(publicKey, signingString, params.Signature); err != nil {
		return "", err
	}
	return params.ActorURI(), nil
}
