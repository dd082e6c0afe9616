// Package sigenv signs outbound Data blocks and verifies inbound ones.
//
// Signatures are RSA-PKCS1v15 over SHA-256. Outbound documents sign the
// canonical XML byte stream produced by wire.CanonicalData; inbound
// documents are verified over the raw Data byte span exactly as
// received, so any byte mutation of the signed region fails, including
// ones a parse-and-reserialize round trip would erase. Verification
// fails closed: any decoding or key problem is reported as
// ErrVerificationFailed, never as a panic or a partial success.
package sigenv

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/umojafsp/essbridge/pkg/wire"
)

var (
	ErrVerificationFailed = errors.New("signature verification failed")
	ErrInvalidKey         = errors.New("invalid key material")
)

// Signer holds the FSP's issued private key. Key pair generation and CSR
// handling happen outside the bridge.
type Signer struct {
	key *rsa.PrivateKey
}

func NewSigner(key *rsa.PrivateKey) *Signer {
	return &Signer{key: key}
}

// Sign returns the base64 signature over the exact byte sequence given.
func (s *Signer) Sign(data []byte) (string, error) {
	if s == nil || s.key == nil {
		return "", ErrInvalidKey
	}
	sum := sha256.Sum256(data)
	sig, err := rsa.SignPKCS1v15(rand.Reader, s.key, crypto.SHA256, sum[:])
	if err != nil {
		return "", fmt.Errorf("sign: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// SealDocument canonicalizes the message's Data block, signs it, and
// returns the complete Document bytes ready for the wire.
func (s *Signer) SealDocument(m *wire.Message) ([]byte, error) {
	sig, err := s.Sign(wire.CanonicalData(m))
	if err != nil {
		return nil, err
	}
	return wire.EncodeDocument(m, sig), nil
}

// Verify checks a base64 signature against the exact byte sequence given.
func Verify(data []byte, signatureB64 string, pub *rsa.PublicKey) error {
	if pub == nil {
		return ErrVerificationFailed
	}
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return ErrVerificationFailed
	}
	sum := sha256.Sum256(data)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, sum[:], sig); err != nil {
		return ErrVerificationFailed
	}
	return nil
}

// OpenDocument decodes a wire Document and verifies its signature against
// the embedded Data bytes exactly as received. Malformed documents
// surface the codec error; a document that parses but does not verify
// yields ErrVerificationFailed and must never reach the state machine.
func OpenDocument(raw []byte, pub *rsa.PublicKey) (*wire.Message, error) {
	m, sig, err := wire.DecodeDocument(raw)
	if err != nil {
		return nil, err
	}
	if sig == "" {
		return nil, ErrVerificationFailed
	}
	region, err := wire.SignedRegion(raw)
	if err != nil {
		return nil, err
	}
	if err := Verify(region, sig, pub); err != nil {
		return nil, err
	}
	return m, nil
}

// LoadPrivateKeyPEM parses a PEM encoded RSA private key in either PKCS#1
// or PKCS#8 form.
func LoadPrivateKeyPEM(pemBytes []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrInvalidKey)
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key", ErrInvalidKey)
	}
	return key, nil
}

// LoadPublicKeyPEM parses the counterpart's PEM material: an X.509
// certificate, a PKIX public key, or a PKCS#1 public key.
func LoadPublicKeyPEM(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block", ErrInvalidKey)
	}
	if cert, err := x509.ParseCertificate(block.Bytes); err == nil {
		pub, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: certificate key is not RSA", ErrInvalidKey)
		}
		return pub, nil
	}
	if parsed, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		pub, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: not an RSA key", ErrInvalidKey)
		}
		return pub, nil
	}
	pub, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return pub, nil
}
