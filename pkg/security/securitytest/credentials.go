// Package securitytest builds signing identities for tests.
package securitytest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"math/big"
	"testing"
	"time"

	"software.sslmate.com/src/go-pkcs12"

	"signdesk/portal-backend/pkg/security"
)

// Passphrase protects bundles produced by Bundle.
const Passphrase = "test-passphrase"

// Bundle returns a PKCS#12 bundle holding a fresh self-signed identity.
func Bundle(t testing.TB) []byte {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject: pkix.Name{
			CommonName:   "SignDesk Test Signer",
			Organization: []string{"SignDesk"},
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("failed to create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("failed to parse certificate: %v", err)
	}
	bundle, err := pkcs12.Modern.Encode(key, cert, nil, Passphrase)
	if err != nil {
		t.Fatalf("failed to encode bundle: %v", err)
	}
	return bundle
}

// Credentials returns signing credentials carrying a fresh bundle as base64.
func Credentials(t testing.TB) security.SigningCredentials {
	t.Helper()
	return security.SigningCredentials{
		Base64:     base64.StdEncoding.EncodeToString(Bundle(t)),
		Passphrase: Passphrase,
	}
}
