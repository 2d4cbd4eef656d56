package activitypub

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/url"
	"strings"
	"testing"
)

// generateTestKeyPair generates an RSA key pair for testing
func generateTestKeyPair(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate key pair: %v", err)
	}
	return privateKey
}

// privateKeyToPEM converts a private key to a PEM string
func privateKeyToPEM(key *rsa.PrivateKey) string {
	keyBytes := x509.MarshalPKCS1PrivateKey(key)
	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: keyBytes,
	})
	return string(keyPEM)
}

// publicKeyToPEM converts a public key to a PEM string
func publicKeyToPEM(t *testing.T, key *rsa.PublicKey) string {
	t.Helper()
	keyBytes, err := x509.MarshalPKIXPublicKey(key)
	if err != nil {
		t.Fatalf("Failed to marshal public key: %v", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PUBLIC KEY",
		Bytes: keyBytes,
	})
	return string(keyPEM)
}

// newTestSigner builds a signer with a fresh key
func newTestSigner(t *testing.T, keyId string) (*Signer, *rsa.PrivateKey) {
	t.Helper()
	key := generateTestKeyPair(t)
	signer, err := NewSigner(privateKeyToPEM(key), keyId)
	if err != nil {
		t.Fatalf("NewSigner failed: %v", err)
	}
	return signer, key
}

func TestBuildDigestEmptyBody(t *testing.T) {
	// SHA-256 of the empty string, base64 encoded
	expected := "SHA-256=47DEQpj8HBSa+/TImW+5JCeuQeRkm5NMpJWZG3hSuFU="
	if got := BuildDigest([]byte{}); got != expected {
		t.Errorf("BuildDigest(empty) = %s, want %s", got, expected)
	}
}

func TestBuildSigningString(t *testing.T) {
	got := BuildSigningString("POST", "/inbox", "a.example", "Mon, 02 Jan 2006 15:04:05 GMT", "SHA-256=abc")
	want := "(request-target): post /inbox\nhost: a.example\ndate: Mon, 02 Jan 2006 15:04:05 GMT\ndigest: SHA-256=abc"
	if got != want {
		t.Errorf("Signing string mismatch:\ngot:  %q\nwant: %q", got, want)
	}
}

func TestBuildSigningStringWithoutDigest(t *testing.T) {
	got := BuildSigningString("GET", "/users/bob", "a.example", "Mon, 02 Jan 2006 15:04:05 GMT", "")
	want := "(request-target): get /users/bob\nhost: a.example\ndate: Mon, 02 Jan 2006 15:04:05 GMT"
	if got != want {
		t.Errorf("Signing string mismatch:\ngot:  %q\nwant: %q", got, want)
	}
}

func TestSignIsDeterministic(t *testing.T) {
	signer, _ := newTestSigner(t, "https://blog.example/@blog#main-key")

	u, _ := url.Parse("https://a.example/inbox")
	date := "Mon, 02 Jan 2006 15:04:05 GMT"
	digest := BuildDigest([]byte(`{"type":"Accept"}`))

	first, err := signer.Sign("POST", u, date, digest)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	second, err := signer.Sign("POST", u, date, digest)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	if first != second {
		t.Error("Identical inputs produced different signature headers")
	}
}

func TestSignHeaderFormat(t *testing.T) {
	signer, _ := newTestSigner(t, "https://blog.example/@blog#main-key")

	u, _ := url.Parse("https://a.example/inbox")
	header, err := signer.Sign("POST", u, "Mon, 02 Jan 2006 15:04:05 GMT", "SHA-256=abc")
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	if !strings.HasPrefix(header, `keyId="https://blog.example/@blog#main-key",`) {
		t.Errorf("Header missing keyId prefix: %s", header)
	}
	if !strings.Contains(header, `headers="(request-target) host date digest"`) {
		t.Errorf("Header missing headers list: %s", header)
	}
	if !strings.HasSuffix(header, `,algorithm="rsa-sha256"`) {
		t.Errorf("Header missing algorithm suffix: %s", header)
	}
}

func TestSignHeaderFormatWithoutBody(t *testing.T) {
	signer, _ := newTestSigner(t, "https://blog.example/@blog#main-key")

	u, _ := url.Parse("https://a.example/users/bob")
	header, err := signer.Sign("GET", u, "Mon, 02 Jan 2006 15:04:05 GMT", "")
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	if !strings.Contains(header, `headers="(request-target) host date"`) {
		t.Errorf("GET header should not list digest: %s", header)
	}
}

func TestSignRequestSetsHeaders(t *testing.T) {
	signer, _ := newTestSigner(t, "https://blog.example/@blog#main-key")

	body := []byte(`{"type":"Accept"}`)
	req, err := http.NewRequest("POST", "https://a.example/inbox", strings.NewReader(string(body)))
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	if err := signer.SignRequest(req, body); err != nil {
		t.Fatalf("SignRequest failed: %v", err)
	}

	if req.Header.Get("Date") == "" {
		t.Error("Date header not set")
	}
	if req.Header.Get("Digest") != BuildDigest(body) {
		t.Errorf("Digest header mismatch: %s", req.Header.Get("Digest"))
	}
	if req.Header.Get("Signature") == "" {
		t.Error("Signature header not set")
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	signer, key := newTestSigner(t, "https://blog.example/@blog#main-key")

	body := []byte(`{"type":"Follow"}`)
	req, err := http.NewRequest("POST", "https://a.example/inbox", strings.NewReader(string(body)))
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	if err := signer.SignRequest(req, body); err != nil {
		t.Fatalf("SignRequest failed: %v", err)
	}

	actorURI, err := VerifyRequest(req, publicKeyToPEM(t, &key.PublicKey))
	if err != nil {
		t.Fatalf("VerifyRequest failed: %v", err)
	}

	if actorURI != "https://blog.example/@blog" {
		t.Errorf("Expected actor URI from keyId, got '%s'", actorURI)
	}
}

func TestVerifyRequestRejectsWrongKey(t *testing.T) {
	signer, _ := newTestSigner(t, "https://blog.example/@blog#main-key")
	otherKey := generateTestKeyPair(t)

	body := []byte(`{"type":"Follow"}`)
	req, _ := http.NewRequest("POST", "https://a.example/inbox", strings.NewReader(string(body)))
	if err := signer.SignRequest(req, body); err != nil {
		t.Fatalf("SignRequest failed: %v", err)
	}

	if _, err := VerifyRequest(req, publicKeyToPEM(t, &otherKey.PublicKey)); err == nil {
		t.Error("Expected verification failure with the wrong key")
	}
}

func TestParsePrivateKey(t *testing.T) {
	key := generateTestKeyPair(t)

	parsed, err := ParsePrivateKey(privateKeyToPEM(key))
	if err != nil {
		t.Fatalf("ParsePrivateKey failed: %v", err)
	}

	if parsed.N.Cmp(key.N) != 0 {
		t.Error("Parsed key doesn't match original")
	}
}

func TestParsePrivateKeyPKCS8(t *testing.T) {
	key := generateTestKeyPair(t)

	keyBytes, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("Failed to marshal PKCS#8 key: %v", err)
	}
	pemString := string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes}))

	parsed, err := ParsePrivateKey(pemString)
	if err != nil {
		t.Fatalf("ParsePrivateKey failed for PKCS#8: %v", err)
	}

	if parsed.N.Cmp(key.N) != 0 {
		t.Error("Parsed key doesn't match original")
	}
}

func TestParsePrivateKeyInvalidPEM(t *testing.T) {
	if _, err := ParsePrivateKey("not a valid PEM"); err == nil {
		t.Error("Expected error for invalid PEM")
	}
}

func TestParsePublicKey(t *testing.T) {
	key := generateTestKeyPair(t)

	parsed, err := ParsePublicKey(publicKeyToPEM(t, &key.PublicKey))
	if err != nil {
		t.Fatalf("ParsePublicKey failed: %v", err)
	}

	if parsed.N.Cmp(key.PublicKey.N) != 0 {
		t.Error("Parsed key doesn't match original")
	}
}
