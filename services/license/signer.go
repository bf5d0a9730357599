package license

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"

	"github.com/gowebpki/jcs"
	"go.uber.org/zap"
)

// Signer signs and verifies license payloads with RSA PKCS#1 v1.5 over SHA-256.
// It holds no state and is safe for concurrent use.
type Signer struct{}

func NewSigner() *Signer {
	return &Signer{}
}

type signedDocument struct {
	Version string `json:"version"`
	Payload
}

// Canonical returns the RFC 8785 bytes covered by the signature.
func Canonical(p Payload) ([]byte, error) {
	raw, err := json.Marshal(signedDocument{Version: SchemaVersion, Payload: p.normalized()})
	if err != nil {
		return nil, err
	}
	return jcs.Transform(raw)
}

func (s *Signer) Sign(p Payload, key *rsa.PrivateKey) (string, error) {
	if key == nil {
		return "", signingError("signing key is missing", nil)
	}

	msg, err := Canonical(p)
	if err != nil {
		return "", signingError("failed to canonicalize payload", err)
	}

	digest := sha256.Sum256(msg)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return "", signingError("failed to sign payload", err)
	}

	return base64.StdEncoding.EncodeToString(sig), nil
}

// Verify reports whether signature is valid for p under key. Every failure,
// including malformed input and a nil key, yields false.
func (s *Signer) Verify(p Payload, signature string, key *rsa.PublicKey) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			zap.L().Warn("license signature verification panicked", zap.Any("panic", r))
			ok = false
		}
	}()

	if key == nil || key.N == nil {
		return false
	}

	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}

	msg, err := Canonical(p)
	if err != nil {
		return false
	}

	digest := sha256.Sum256(msg)
	return rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], sig) == nil
}

// VerifyFile parses a license file document and verifies its signature. Unknown
// schema versions are rejected.
func (s *Signer) VerifyFile(doc []byte, key *rsa.PublicKey) (*File, bool) {
	f, err := ParseFile(doc)
	if err != nil {
		return nil, false
	}
	if f.Version != SchemaVersion {
		return f, false
	}
	return f, s.Verify(f.Payload, f.Signature, key)
}
