package security

import (
	"fmt"

	"github.com/digitorus/pkcs7"
)

// CMSSigner produces detached PKCS#7 signatures with SHA-256.
type CMSSigner struct {
	credential *Credential
}

// NewCMSSigner creates a signer for the given identity.
func NewCMSSigner(credential *Credential) *CMSSigner {
	return &CMSSigner{credential: credential}
}

// SignDetached signs content and returns the DER encoded SignedData without the content.
func (s *CMSSigner) SignDetached(content []byte) ([]byte, error) {
	sd, err := pkcs7.NewSignedData(content)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize signed data: %w", err)
	}
	sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)

	if err := sd.AddSignerChain(s.credential.Certificate, s.credential.Key, s.credential.Chain, pkcs7.SignerInfoConfig{}); err != nil {
		return nil, fmt.Errorf("failed to add signer: %w", err)
	}
	sd.Detach()

	der, err := sd.Finish()
	if err != nil {
		return nil, fmt.Errorf("failed to finish signed data: %w", err)
	}
	return der, nil
}
