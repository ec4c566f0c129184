package security

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/digitorus/pkcs7"

	"signdesk/portal-backend/pkg/pdf"
)

type SignatureInfo struct {
	SignerName        string
	SignerOrg         string
	CertificateIssuer string
	SerialNumber      string
	SigningTime       time.Time
	NotAfter          time.Time
	IsValid           bool
	Details           map[string]interface{}
}

// Validator checks the detached signature embedded in a sealed PDF.
type Validator interface {
	ValidatePDF(ctx context.Context, pdf io.Reader) ([]SignatureInfo, error)
}

type cmsValidator struct{}

func NewValidator() Validator {
	return &cmsValidator{}
}

// ValidatePDF verifies the last byte-range signature of the document. A
// signature that does not match the signed bytes is reported with IsValid
// false rather than as an error.
func (v *cmsValidator) ValidatePDF(ctx context.Context, r io.Reader) ([]SignatureInfo, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read document: %w", err)
	}

	content, sig, err := pdf.ExtractSignature(data)
	if err != nil {
		return nil, err
	}

	p7, err := pkcs7.Parse(sig)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signature: %w", err)
	}
	p7.Content = content

	info := SignatureInfo{Details: map[string]interface{}{"sub_filter": "adbe.pkcs7.detached"}}
	if cert := p7.GetOnlySigner(); cert != nil {
		info.SignerName = cert.Subject.CommonName
		if len(cert.Subject.Organization) > 0 {
			info.SignerOrg = cert.Subject.Organization[0]
		}
		info.CertificateIssuer = cert.Issuer.CommonName
		info.SerialNumber = cert.SerialNumber.String()
		info.NotAfter = cert.NotAfter
		info.Details["algorithm"] = cert.SignatureAlgorithm.String()
	}

	var signingTime time.Time
	if err := p7.UnmarshalSignedAttribute(pkcs7.OIDAttributeSigningTime, &signingTime); err == nil {
		info.SigningTime = signingTime
	}

	if err := p7.Verify(); err != nil {
		info.Details["error"] = err.Error()
		return []SignatureInfo{info}, nil
	}
	info.IsValid = true
	return []SignatureInfo{info}, nil
}
