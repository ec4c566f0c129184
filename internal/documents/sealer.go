package documents

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"signdesk/portal-backend/pkg/pdf"
	"signdesk/portal-backend/pkg/security"
	"signdesk/portal-backend/pkg/storage"
)

// SealerConfig holds the signing material. It is passed in explicitly and
// read on every seal.
type SealerConfig struct {
	Credentials      security.SigningCredentials
	OwnerPassword    string
	SignatureReserve int
	FieldName        string
}

// Sealer turns a source PDF and its placements into a sealed artifact in the
// blob store.
type Sealer struct {
	blobs  storage.BlobStore
	qr     pdf.QRGenerator
	config SealerConfig
	logger *zap.Logger
}

func NewSealer(blobs storage.BlobStore, qr pdf.QRGenerator, config SealerConfig, logger *zap.Logger) *Sealer {
	return &Sealer{blobs: blobs, qr: qr, config: config, logger: logger}
}

// SealRequest describes one sealing run.
type SealRequest struct {
	DocumentID      uuid.UUID
	VersionID       uuid.UUID
	Source          []byte
	Placements      []pdf.Placement
	VerificationURL string
}

// SealResult is an uploaded sealed artifact.
type SealResult struct {
	StorageRef string
	Signed     []byte
	SignedHash string
	Applied    int
	Skipped    []pdf.SkippedPlacement
}

// Seal composites, locks and signs the source, then uploads the result. Nothing
// is uploaded unless every step succeeded.
func (s *Sealer) Seal(ctx context.Context, req SealRequest) (*SealResult, error) {
	credential, err := s.loadCredential()
	if err != nil {
		return nil, err
	}

	var mark *pdf.AuditMark
	if req.VerificationURL != "" {
		mark = &pdf.AuditMark{VerificationURL: req.VerificationURL}
	}

	comp, err := pdf.Compose(req.Source, req.Placements, mark, s.qr)
	if err != nil {
		switch {
		case errors.Is(err, pdf.ErrSourceEncrypted):
			return nil, err
		case errors.Is(err, pdf.ErrNothingToStamp):
			return nil, fmt.Errorf("%w: no valid signature placements", ErrValidation)
		}
		return nil, fmt.Errorf("%w: failed to composite signatures: %v", ErrSigning, err)
	}
	for _, skipped := range comp.Skipped {
		s.logger.Warn("Signature placement skipped",
			zap.String("document_id", req.DocumentID.String()),
			zap.Int("index", skipped.Index),
			zap.String("reason", skipped.Reason))
	}

	locked, err := pdf.Lock(comp, s.config.OwnerPassword)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigning, err)
	}
	placeholdered, err := locked.Placeholder(pdf.PlaceholderOptions{
		Reserve:   s.config.SignatureReserve,
		FieldName: s.config.FieldName,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigning, err)
	}
	sealed, err := placeholdered.Seal(security.NewCMSSigner(credential))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigning, err)
	}

	signed := sealed.Bytes()
	path := fmt.Sprintf("documents/%s/signed/%s.pdf", req.DocumentID, uuid.New())
	ref, err := s.blobs.Upload(ctx, path, signed, "application/pdf")
	if err != nil {
		return nil, fmt.Errorf("failed to upload sealed document: %w", err)
	}

	s.logger.Info("Document sealed",
		zap.String("document_id", req.DocumentID.String()),
		zap.String("source_version_id", req.VersionID.String()),
		zap.Int("stamps", comp.Applied),
		zap.String("storage_ref", ref))

	return &SealResult{
		StorageRef: ref,
		Signed:     signed,
		SignedHash: HashBytes(signed),
		Applied:    comp.Applied,
		Skipped:    comp.Skipped,
	}, nil
}

func (s *Sealer) loadCredential() (*security.Credential, error) {
	if s.config.OwnerPassword == "" {
		s.logger.Error("PDF owner password is not configured; signing is disabled")
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, pdf.ErrMissingOwnerPassword)
	}
	credential, err := s.config.Credentials.Load()
	if err != nil {
		s.logger.Error("Signing certificate could not be loaded; signing is disabled", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	return credential, nil
}
