package security

import (
	"crypto"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"software.sslmate.com/src/go-pkcs12"
)

// ErrMissingCredentials is returned when no certificate or passphrase is configured.
var ErrMissingCredentials = errors.New("signing certificate or passphrase is not configured")

// SigningCredentials locates a PKCS#12 bundle. Exactly one of Path or Base64
// is expected; Path wins when both are set.
type SigningCredentials struct {
	Path       string `json:"path"`
	Base64     string `json:"base64"`
	Passphrase string `json:"-"`
}

// Configured reports whether a source and a passphrase are present.
func (c SigningCredentials) Configured() bool {
	return (c.Path != "" || c.Base64 != "") && c.Passphrase != ""
}

// Credential is a decoded signing identity.
type Credential struct {
	Key         crypto.Signer
	Certificate *x509.Certificate
	Chain       []*x509.Certificate
}

// Load reads and decodes the bundle.
func (c SigningCredentials) Load() (*Credential, error) {
	if !c.Configured() {
		return nil, ErrMissingCredentials
	}

	var raw []byte
	var err error
	if c.Path != "" {
		raw, err = os.ReadFile(c.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to read certificate bundle: %w", err)
		}
	} else {
		raw, err = base64.StdEncoding.DecodeString(strings.TrimSpace(c.Base64))
		if err != nil {
			return nil, fmt.Errorf("failed to decode certificate bundle: %w", err)
		}
	}

	return DecodePKCS12(raw, c.Passphrase)
}

// DecodePKCS12 decodes a PKCS#12 bundle holding a private key, its
// certificate and an optional CA chain.
func DecodePKCS12(raw []byte, passphrase string) (*Credential, error) {
	key, cert, chain, err := pkcs12.DecodeChain(raw, passphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to decode certificate bundle: %w", err)
	}

	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type %T", key)
	}
	if err := matchKey(signer, cert); err != nil {
		return nil, err
	}

	return &Credential{Key: signer, Certificate: cert, Chain: chain}, nil
}

func matchKey(key crypto.Signer, cert *x509.Certificate) error {
	type equaler interface {
		Equal(crypto.PublicKey) bool
	}
	pub, ok := key.Public().(equaler)
	if !ok {
		return fmt.Errorf("unsupported public key type %T", key.Public())
	}
	if !pub.Equal(cert.PublicKey) {
		return errors.New("certificate does not match private key")
	}
	return nil
}
