package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Signer computes and verifies keyed digests
type Signer interface {
	Sign(data []byte) []byte
	Verify(data, digest []byte) bool
}

// HMACSigner implements Signer with HMAC-SHA256
type HMACSigner struct {
	key []byte
}

// NewHMACSigner derives the signing key from a shared secret
func NewHMACSigner(secret string) (*HMACSigner, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	return &HMACSigner{key: deriveKey("sign", secret)}, nil
}

// Sign returns the HMAC-SHA256 digest of data
func (s *HMACSigner) Sign(data []byte) []byte {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(data)
	return mac.Sum(nil)
}

// Verify reports whether digest matches data in constant time
func (s *HMACSigner) Verify(data, digest []byte) bool {
	return hmac.Equal(s.Sign(data), digest)
}

// Proof returns the handshake proof binding a secret to an identity code
func Proof(secret, code string) string {
	mac := hmac.New(sha256.New, deriveKey("proof", secret))
	mac.Write([]byte(code))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyProof checks a handshake proof in constant time
func VerifyProof(secret, code, proof string) bool {
	want, err := hex.DecodeString(proof)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, deriveKey("proof", secret))
	mac.Write([]byte(code))
	return hmac.Equal(mac.Sum(nil), want)
}
