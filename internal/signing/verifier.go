// Package signing verifies minisign signatures over configuration restores.
package signing

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	minisign "github.com/jedisct1/go-minisign"
)

// ErrInvalidSignature is returned when a signature is missing, malformed or
// does not match the payload.
var ErrInvalidSignature = errors.New("invalid signature")

// Verifier checks detached minisign signatures against one trusted key.
type Verifier struct {
	publicKey minisign.PublicKey
}

// NewVerifier parses a minisign public key. The untrusted comment line is
// optional.
func NewVerifier(pubKey string) (*Verifier, error) {
	pubKey = strings.TrimSpace(pubKey)
	if pubKey == "" {
		return nil, errors.New("minisign public key is required")
	}
	lines := strings.Split(pubKey, "\n")
	publicKey, err := minisign.NewPublicKey(strings.TrimSpace(lines[len(lines)-1]))
	if err != nil {
		return nil, fmt.Errorf("parse minisign public key: %w", err)
	}
	return &Verifier{publicKey: publicKey}, nil
}

// LoadVerifier reads the public key from path.
func LoadVerifier(path string) (*Verifier, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key %q: %w", path, err)
	}
	return NewVerifier(string(data))
}

// Verify validates signature, the full text of a .minisig file, over data.
func (v *Verifier) Verify(data []byte, signature string) error {
	if v == nil {
		return errors.New("signature verifier not configured")
	}
	if strings.TrimSpace(signature) == "" {
		return fmt.Errorf("%w: signature is required", ErrInvalidSignature)
	}
	sig, err := minisign.DecodeSignature(signature)
	if err != nil {
		return fmt.Errorf("%w: decode: %v", ErrInvalidSignature, err)
	}
	ok, err := v.publicKey.Verify(data, sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	if !ok {
		return ErrInvalidSignature
	}
	return nil
}

// EncodeHeader packs a multi-line .minisig file into a single header value.
func EncodeHeader(minisig []byte) string {
	return base64.StdEncoding.EncodeToString(minisig)
}

// DecodeHeader reverses EncodeHeader.
func DecodeHeader(value string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(value))
	if err != nil {
		return "", fmt.Errorf("%w: header is not base64: %v", ErrInvalidSignature, err)
	}
	return string(raw), nil
}
