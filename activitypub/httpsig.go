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
	"net/http"
	"net/url"
	"strings"
	"time"

	"code.superseriousbusiness.org/httpsig"
)

// Signer produces draft-cavage HTTP signatures for outbound requests
// with the site actor's key. It is built once at startup and passed to
// every component that sends signed requests.
type Signer struct {
	privateKey *rsa.PrivateKey
	keyId      string
}

// NewSigner parses the PEM private key and binds it to the key id
// published in the actor document, ex. "https://blog.example/@blog#main-key".
func NewSigner(privatePem, keyId string) (*Signer, error) {
	privateKey, err := ParsePrivateKey(privatePem)
	if err != nil {
		return nil, err
	}
	return &Signer{privateKey: privateKey, keyId: keyId}, nil
}

// KeyId returns the key id the signer signs with.
func (s *Signer) KeyId() string {
	return s.keyId
}

// PublicKeyPem returns the PKIX PEM encoding of the signing key's
// public half, as published in the actor document.
func (s *Signer) PublicKeyPem() (string, error) {
	keyBytes, err := x509.MarshalPKIXPublicKey(&s.privateKey.PublicKey)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: keyBytes})), nil
}

// BuildDigest returns the Digest header value for a request body:
// "SHA-256=<base64 of the body's SHA-256>".
func BuildDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(sum[:])
}

// BuildSigningString assembles the canonical newline-joined text that is
// signed. The pseudo-header, host and date always appear in that order;
// digest is appended only for requests with a body.
func BuildSigningString(method, path, host, date, digest string) string {
	signedString := fmt.Sprintf("(request-target): %s %s\nhost: %s\ndate: %s",
		strings.ToLower(method), path, host, date)
	if digest != "" {
		signedString += fmt.Sprintf("\ndigest: %s", digest)
	}
	return signedString
}

// Sign signs the request line and returns the Signature header value.
// The signature is RSA-SHA256 with PKCS#1 v1.5 padding over the signing
// string, so identical inputs always produce an identical header.
func (s *Signer) Sign(method string, u *url.URL, date, digest string) (string, error) {
	path := u.Path
	if path == "" {
		path = "/"
	}

	signingString := BuildSigningString(method, path, u.Host, date, digest)

	hashed := sha256.Sum256([]byte(signingString))
	signatureBytes, err := rsa.SignPKCS1v15(rand.Reader, s.privateKey, crypto.SHA256, hashed[:])
	if err != nil {
		return "", fmt.Errorf("failed to sign request: %w", err)
	}

	signature := base64.StdEncoding.EncodeToString(signatureBytes)

	headers := "(request-target) host date"
	if digest != "" {
		headers += " digest"
	}

	return fmt.Sprintf(`keyId="%s",headers="%s",signature="%s",algorithm="rsa-sha256"`,
		s.keyId, headers, signature), nil
}

// SignRequest sets the Host, Date, Digest (for bodies) and Signature
// headers on an outgoing request.
func (s *Signer) SignRequest(req *http.Request, body []byte) error {
	date := time.Now().UTC().Format(http.TimeFormat)

	digest := ""
	if body != nil {
		digest = BuildDigest(body)
	}

	header, err := s.Sign(req.Method, req.URL, date, digest)
	if err != nil {
		return err
	}

	req.Host = req.URL.Host
	req.Header.Set("Host", req.URL.Host)
	req.Header.Set("Date", date)
	if digest != "" {
		req.Header.Set("Digest", digest)
	}
	req.Header.Set("Signature", header)
	return nil
}

// VerifyRequest verifies the HTTP signature on an incoming request
// against the claimed actor's public key. Returns the key id's actor URI
// if valid, error otherwise.
func VerifyRequest(req *http.Request, publicKeyPem string) (string, error) {
	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return "", fmt.Errorf("failed to create verifier: %w", err)
	}

	publicKey, err := ParsePublicKey(publicKeyPem)
	if err != nil {
		return "", err
	}

	keyId := verifier.KeyId()
	if err := verifier.Verify(publicKey, httpsig.RSA_SHA256); err != nil {
		return "", fmt.Errorf("signature verification failed: %w", err)
	}

	// keyId is usually "https://example.com/users/alice#main-key",
	// the part before the fragment is the actor URI
	return strings.Split(keyId, "#")[0], nil
}

// ParsePrivateKey converts a PEM string to *rsa.PrivateKey. Both PKCS#1
// and PKCS#8 encodings are accepted.
func ParsePrivateKey(pemString string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	privateKey, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err == nil {
		return privateKey, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA private key")
	}

	return rsaKey, nil
}

// ParsePublicKey converts a PEM string to *rsa.PublicKey.
func ParsePublicKey(pemString string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemString))
	if block == nil {
		return nil, fmt.Errorf("failed to parse PEM block")
	}

	pubKey, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}

	rsaPubKey, ok := pubKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}

	return rsaPubKey, nil
}
