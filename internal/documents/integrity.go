package documents

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// HashBytes returns the lowercase hex SHA-256 of b.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// VerifyVersion compares candidate against the sealed artifact of a version.
// A mismatch is reported as INVALID, not as an error. Signer identities are
// never included. Versions protected by an access code answer LOCKED; they
// are verified through Unlock and VerifyUploadedFile.
func (s *Service) VerifyVersion(ctx context.Context, versionID uuid.UUID, candidate []byte) (*VerificationResult, error) {
	version, err := s.repo.GetVersionByID(ctx, versionID)
	if err != nil {
		return nil, err
	}
	return s.verifyUnprotected(ctx, version, candidate)
}

// VerifyDocument verifies candidate against the document's current version.
func (s *Service) VerifyDocument(ctx context.Context, documentID uuid.UUID, candidate []byte) (*VerificationResult, error) {
	doc, err := s.repo.GetDocumentByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	version, err := s.currentVersion(ctx, doc)
	if err != nil {
		return nil, err
	}
	return s.verifyUnprotected(ctx, version, candidate)
}

func (s *Service) verifyUnprotected(ctx context.Context, version *DocumentVersion, candidate []byte) (*VerificationResult, error) {
	if version.IsPINProtected() {
		return lockedResult(version), nil
	}
	return s.verifyCandidate(ctx, version, candidate)
}

func lockedResult(version *DocumentVersion) *VerificationResult {
	return &VerificationResult{
		Status:     VerificationLocked,
		DocumentID: version.DocumentID,
		VersionID:  version.ID,
	}
}

func (s *Service) verifyCandidate(ctx context.Context, version *DocumentVersion, candidate []byte) (*VerificationResult, error) {
	result := &VerificationResult{
		DocumentID: version.DocumentID,
		VersionID:  version.ID,
	}
	if !version.IsSealed() {
		result.Status = VerificationNotFinalized
		return result, nil
	}

	result.Hash = HashBytes(candidate)
	if result.Hash != *version.SignedHash {
		result.Status = VerificationInvalid
		return result, nil
	}
	result.Status = VerificationValid

	infos, err := s.validator.ValidatePDF(ctx, bytes.NewReader(candidate))
	if err != nil {
		s.logger.Warn("Embedded signature could not be validated",
			zap.String("version_id", version.ID.String()),
			zap.Error(err))
		return result, nil
	}
	if len(infos) > 0 {
		info := infos[0]
		result.Certificate = &CertificateInfo{
			SignerName:        info.SignerName,
			SignerOrg:         info.SignerOrg,
			CertificateIssuer: info.CertificateIssuer,
			SerialNumber:      info.SerialNumber,
			SigningTime:       info.SigningTime,
			Valid:             info.IsValid,
		}
	}
	return result, nil
}
