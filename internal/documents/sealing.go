package documents

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"signdesk/portal-backend/internal/notifications"
	"signdesk/portal-backend/pkg/pdf"
	"signdesk/portal-backend/pkg/storage"
)

type sealInput struct {
	doc     *Document
	source  *DocumentVersion
	sigs    []SignatureRecord
	actorID uuid.UUID
	protect bool
	// promoteDrafts marks sigs final in the same transaction that records the
	// sealed version.
	promoteDrafts bool
	meta          RequestMeta
}

// sealKey identifies one sealing run by its source version and signatures.
func sealKey(source uuid.UUID, sigs []SignatureRecord) string {
	ids := make([]string, 0, len(sigs))
	for _, sig := range sigs {
		ids = append(ids, sig.ID.String())
	}
	sort.Strings(ids)
	return HashBytes([]byte(source.String() + ":" + strings.Join(ids, ",")))
}

// sealVersion seals sigs onto the source version and records the result as
// the document's new current version. Repeating a run with the same source and
// signatures returns the version the first run produced.
func (s *Service) sealVersion(ctx context.Context, in sealInput) (*FinalizeResult, error) {
	key := sealKey(in.source.ID, in.sigs)
	existing, err := s.repo.FindVersionBySealKey(ctx, in.doc.ID, key)
	if err != nil {
		return nil, fmt.Errorf("failed to check for sealed version: %w", err)
	}
	if existing != nil {
		s.logger.Info("Source version already sealed",
			zap.String("document_id", in.doc.ID.String()),
			zap.String("version_id", existing.ID.String()))
		return s.adoptSealed(ctx, in.doc, existing)
	}

	source, err := s.blobs.Download(ctx, in.source.StorageRef)
	if err != nil {
		return nil, fmt.Errorf("failed to download source document: %w", err)
	}
	placements, err := s.loadPlacements(ctx, in.sigs)
	if err != nil {
		return nil, err
	}

	sealed, err := s.sealer.Seal(ctx, SealRequest{
		DocumentID:      in.doc.ID,
		VersionID:       in.source.ID,
		Source:          source,
		Placements:      placements,
		VerificationURL: s.verificationURL(in.doc.ID),
	})
	if err != nil {
		return nil, err
	}

	sigs := append([]SignatureRecord(nil), in.sigs...)
	if in.promoteDrafts {
		signedAt := s.now()
		for i := range sigs {
			promote(&sigs[i], in.meta, signedAt)
		}
	}
	signers, err := snapshotSigners(sigs)
	if err != nil {
		return nil, err
	}

	version := &DocumentVersion{
		ID:            uuid.New(),
		DocumentID:    in.doc.ID,
		StorageRef:    sealed.StorageRef,
		SourceHash:    in.source.SourceHash,
		SignedHash:    &sealed.SignedHash,
		DerivedFromID: &in.source.ID,
		SealKey:       &key,
		SealedSigners: signers,
		CreatedBy:     in.actorID,
		CreatedAt:     s.now(),
	}
	var accessCode string
	if in.protect {
		if accessCode, err = generateAccessCode(); err != nil {
			return nil, err
		}
		version.AccessCode = &accessCode
	}

	doc := *in.doc
	err = s.repo.WithinTx(ctx, func(tx Repository) error {
		if in.promoteDrafts {
			for i := range sigs {
				if err := tx.UpdateSignature(ctx, &sigs[i]); err != nil {
					return fmt.Errorf("failed to finalize signature: %w", err)
				}
			}
		}
		if err := tx.CreateVersion(ctx, version); err != nil {
			return fmt.Errorf("failed to create version: %w", err)
		}
		if err := s.transition(&doc, StatusCompleted); err != nil {
			return err
		}
		doc.CurrentVersionID = &version.ID
		doc.SignedFileRef = &version.StorageRef
		return tx.UpdateDocumentState(ctx, &doc)
	})
	if err != nil {
		if delErr := s.blobs.Delete(context.WithoutCancel(ctx), sealed.StorageRef); delErr != nil {
			s.logger.Warn("Failed to remove unrecorded sealed artifact",
				zap.String("storage_ref", sealed.StorageRef),
				zap.Error(delErr))
		}
		return nil, err
	}

	s.audit(ActionSeal, &in.actorID, doc.ID, "document sealed", in.meta, map[string]interface{}{
		"version_id":  version.ID.String(),
		"signed_hash": sealed.SignedHash,
		"stamps":      sealed.Applied,
		"skipped":     len(sealed.Skipped),
		"pin":         in.protect,
	})
	s.notify(notifications.EventSealed, doc.ID, &in.actorID, map[string]interface{}{
		"version_id": version.ID.String(),
	})

	return &FinalizeResult{Document: &doc, Version: version, AccessCode: accessCode}, nil
}

// adoptSealed makes an existing sealed version current again.
func (s *Service) adoptSealed(ctx context.Context, doc *Document, version *DocumentVersion) (*FinalizeResult, error) {
	updated := *doc
	if updated.CurrentVersionID == nil || *updated.CurrentVersionID != version.ID {
		if err := s.transition(&updated, StatusCompleted); err != nil {
			return nil, err
		}
		updated.CurrentVersionID = &version.ID
		updated.SignedFileRef = &version.StorageRef
		if err := s.repo.UpdateDocumentState(ctx, &updated); err != nil {
			return nil, err
		}
	}
	return &FinalizeResult{Document: &updated, Version: version}, nil
}

// loadPlacements downloads the signature images concurrently. A missing image
// leaves the placement without one so the compositor skips it.
func (s *Service) loadPlacements(ctx context.Context, sigs []SignatureRecord) ([]pdf.Placement, error) {
	placements := make([]pdf.Placement, len(sigs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.DownloadConcurrency)

	for i, sig := range sigs {
		placements[i] = pdf.Placement{
			Page:   sig.PageNumber,
			X:      sig.PositionX,
			Y:      sig.PositionY,
			Width:  sig.Width,
			Height: sig.Height,
		}
		if sig.ImageRef == "" {
			continue
		}
		g.Go(func() error {
			data, err := s.blobs.Download(gctx, sig.ImageRef)
			if errors.Is(err, storage.ErrNotFound) {
				s.logger.Warn("Signature image missing",
					zap.String("signature_id", sig.ID.String()),
					zap.String("image_ref", sig.ImageRef))
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to download signature image: %w", err)
			}
			placements[i].Image = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return placements, nil
}

func generateAccessCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", fmt.Errorf("failed to generate access code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// PersonalSealRequest seals the owner's drafts on a document without a group.
type PersonalSealRequest struct {
	DocumentID     uuid.UUID
	OwnerID        uuid.UUID
	ProtectWithPIN bool
	Meta           RequestMeta
}

// SealPersonal seals the owner's draft signatures into a new version and
// promotes them to final.
func (s *Service) SealPersonal(ctx context.Context, req PersonalSealRequest) (*FinalizeResult, error) {
	doc, err := s.repo.GetDocumentByID(ctx, req.DocumentID)
	if err != nil {
		return nil, err
	}
	if doc.IsGrouped() {
		return nil, validationError("group documents are sealed with FinalizeGroup")
	}
	if doc.OwnerID != req.OwnerID {
		return nil, ErrForbidden
	}

	version, err := s.currentVersion(ctx, doc)
	if err != nil {
		return nil, err
	}
	if version.IsSealed() {
		return &FinalizeResult{Document: doc, Version: version}, nil
	}

	drafts, err := s.repo.ListSignaturesByVersion(ctx, version.ID, SignatureDraft)
	if err != nil {
		return nil, fmt.Errorf("failed to list drafts: %w", err)
	}
	var own []SignatureRecord
	for _, sig := range drafts {
		if sig.SignerID == req.OwnerID {
			own = append(own, sig)
		}
	}
	if len(own) == 0 {
		return nil, validationError("no signature placements")
	}

	return s.sealVersion(ctx, sealInput{
		doc:           doc,
		source:        version,
		sigs:          own,
		actorID:       req.OwnerID,
		protect:       req.ProtectWithPIN,
		promoteDrafts: true,
		meta:          req.Meta,
	})
}
