package documents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"signdesk/portal-backend/internal/notifications"
)

var errDraftConflict = errors.New("failed to create draft")

// DraftRequest places or moves a signer's draft signature on the current version.
type DraftRequest struct {
	DocumentID uuid.UUID
	SignerID   uuid.UUID
	// ClientID is the identifier the client generated for the draft. A
	// different ClientID for an existing draft does not create a second row.
	ClientID *string
	Position Position
	ImageRef string
	Meta     RequestMeta
}

func validatePosition(p Position) error {
	switch {
	case p.PageNumber < 1:
		return validationError("page number must be at least 1")
	case p.Width <= 0 || p.Width > 1 || p.Height <= 0 || p.Height > 1:
		return validationError("width and height must be within (0, 1]")
	case p.X < 0 || p.X > 1 || p.Y < 0 || p.Y > 1:
		return validationError("position must be within [0, 1]")
	}
	return nil
}

// authorizeSigner checks that signerID may place signatures on doc.
func (s *Service) authorizeSigner(ctx context.Context, repo Repository, doc *Document, signerID uuid.UUID) error {
	if !doc.IsGrouped() {
		if doc.OwnerID != signerID {
			return fmt.Errorf("%w: only the owner can sign this document", ErrForbidden)
		}
		return nil
	}
	a, err := repo.GetAssignment(ctx, doc.ID, signerID)
	if errors.Is(err, ErrNotFound) {
		return ErrNotAssigned
	}
	if err != nil {
		return err
	}
	if a.Status == AssignmentSigned {
		return ErrAlreadySigned
	}
	return nil
}

// authorizeAdmin checks that actorID owns doc or administers its group.
func (s *Service) authorizeAdmin(ctx context.Context, repo Repository, doc *Document, actorID uuid.UUID) error {
	if doc.OwnerID == actorID {
		return nil
	}
	if doc.IsGrouped() {
		member, err := repo.GetGroupMember(ctx, *doc.GroupID, actorID)
		if err != nil {
			return fmt.Errorf("failed to load group membership: %w", err)
		}
		if member != nil && member.Role == RoleAdmin {
			return nil
		}
	}
	return ErrForbidden
}

// editableVersion returns the current version, refusing sealed ones.
func (s *Service) editableVersion(ctx context.Context, repo Repository, doc *Document) (*DocumentVersion, error) {
	if doc.CurrentVersionID == nil {
		return nil, fmt.Errorf("current version: %w", ErrNotFound)
	}
	version, err := repo.GetVersionByID(ctx, *doc.CurrentVersionID)
	if err != nil {
		return nil, err
	}
	if version.IsSealed() {
		return nil, validationError("current version is sealed, roll back to an unsigned version to sign again")
	}
	return version, nil
}

// SaveDraft creates the signer's draft on the current version or updates the
// existing one in place.
func (s *Service) SaveDraft(ctx context.Context, req DraftRequest) (*SignatureRecord, error) {
	if err := validatePosition(req.Position); err != nil {
		return nil, err
	}
	if req.ImageRef == "" {
		return nil, validationError("signature image is required")
	}

	var saved *SignatureRecord
	save := func(tx Repository) error {
		doc, err := tx.GetDocumentByID(ctx, req.DocumentID)
		if err != nil {
			return err
		}
		if err := s.authorizeSigner(ctx, tx, doc, req.SignerID); err != nil {
			return err
		}
		version, err := s.editableVersion(ctx, tx, doc)
		if err != nil {
			return err
		}

		draft, err := tx.FindDraftBySignerAndVersion(ctx, req.SignerID, version.ID)
		if err != nil {
			return fmt.Errorf("failed to find draft: %w", err)
		}
		if draft == nil {
			draft = &SignatureRecord{
				ID:                uuid.New(),
				DocumentVersionID: version.ID,
				SignerID:          req.SignerID,
				Status:            SignatureDraft,
			}
			applyDraft(draft, req)
			if err := tx.CreateSignature(ctx, draft); err != nil {
				return fmt.Errorf("%w: %v", errDraftConflict, err)
			}
		} else {
			applyDraft(draft, req)
			if err := tx.UpdateSignature(ctx, draft); err != nil {
				return fmt.Errorf("failed to update draft: %w", err)
			}
		}
		saved = draft

		if doc.Status == StatusDraft {
			if err := s.transition(doc, StatusPending); err != nil {
				return err
			}
			return tx.UpdateDocumentState(ctx, doc)
		}
		return nil
	}

	// A concurrent save may create the draft first; the retry then updates it.
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		err = s.repo.WithinTx(ctx, save)
		if !errors.Is(err, errDraftConflict) {
			break
		}
	}
	if err != nil {
		return nil, err
	}

	s.audit(ActionDraftSaved, &req.SignerID, req.DocumentID, "signature draft saved", req.Meta,
		map[string]interface{}{"signature_id": saved.ID.String()})
	s.notify(notifications.EventDraftSaved, req.DocumentID, &req.SignerID,
		map[string]interface{}{"signature_id": saved.ID.String()})
	return saved, nil
}

func applyDraft(sig *SignatureRecord, req DraftRequest) {
	sig.PageNumber = req.Position.PageNumber
	sig.PositionX = req.Position.X
	sig.PositionY = req.Position.Y
	sig.Width = req.Position.Width
	sig.Height = req.Position.Height
	sig.ImageRef = req.ImageRef
	if req.ClientID != nil {
		sig.ClientID = req.ClientID
	}
}

func (s *Service) ownDraft(ctx context.Context, repo Repository, signatureID, signerID uuid.UUID) (*SignatureRecord, error) {
	sig, err := repo.GetSignatureByID(ctx, signatureID)
	if err != nil {
		return nil, err
	}
	if sig.SignerID != signerID {
		return nil, ErrForbidden
	}
	if sig.Status == SignatureFinal {
		return nil, ErrSignatureFinal
	}
	return sig, nil
}

// UpdateDraftPosition moves or resizes a draft without changing its identity.
func (s *Service) UpdateDraftPosition(ctx context.Context, signatureID, signerID uuid.UUID, pos Position) (*SignatureRecord, error) {
	if err := validatePosition(pos); err != nil {
		return nil, err
	}
	sig, err := s.ownDraft(ctx, s.repo, signatureID, signerID)
	if err != nil {
		return nil, err
	}
	sig.PageNumber = pos.PageNumber
	sig.PositionX = pos.X
	sig.PositionY = pos.Y
	sig.Width = pos.Width
	sig.Height = pos.Height
	if err := s.repo.UpdateSignature(ctx, sig); err != nil {
		return nil, fmt.Errorf("failed to update draft: %w", err)
	}
	return sig, nil
}

// DeleteDraft removes a draft signature.
func (s *Service) DeleteDraft(ctx context.Context, signatureID, signerID uuid.UUID) error {
	sig, err := s.ownDraft(ctx, s.repo, signatureID, signerID)
	if err != nil {
		return err
	}
	if err := s.repo.DeleteSignature(ctx, sig.ID); err != nil {
		return fmt.Errorf("failed to delete draft: %w", err)
	}
	version, err := s.repo.GetVersionByID(ctx, sig.DocumentVersionID)
	if err == nil {
		s.audit(ActionDraftDeleted, &signerID, version.DocumentID, "signature draft deleted", RequestMeta{},
			map[string]interface{}{"signature_id": sig.ID.String()})
	}
	return nil
}

// DistributeForSigning assigns users to sign a group document. Users already
// assigned keep their current status.
func (s *Service) DistributeForSigning(ctx context.Context, documentID, actorID uuid.UUID, userIDs []uuid.UUID) ([]GroupSignerAssignment, error) {
	seen := make(map[uuid.UUID]bool, len(userIDs))
	var assignments []GroupSignerAssignment
	now := s.now()
	for _, id := range userIDs {
		if id == uuid.Nil || seen[id] {
			continue
		}
		seen[id] = true
		assignments = append(assignments, GroupSignerAssignment{
			ID:         uuid.New(),
			DocumentID: documentID,
			UserID:     id,
			Status:     AssignmentPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		})
	}
	if len(assignments) == 0 {
		return nil, validationError("at least one signer is required")
	}

	var out []GroupSignerAssignment
	err := s.repo.WithinTx(ctx, func(tx Repository) error {
		doc, err := tx.GetDocumentByID(ctx, documentID)
		if err != nil {
			return err
		}
		if !doc.IsGrouped() {
			return validationError("document does not belong to a group")
		}
		if err := s.authorizeAdmin(ctx, tx, doc, actorID); err != nil {
			return err
		}
		if _, err := s.editableVersion(ctx, tx, doc); err != nil {
			return err
		}
		if err := tx.CreateAssignments(ctx, assignments); err != nil {
			return fmt.Errorf("failed to create assignments: %w", err)
		}
		if err := s.transition(doc, StatusPending); err != nil {
			return err
		}
		if err := tx.UpdateDocumentState(ctx, doc); err != nil {
			return err
		}
		out, err = tx.ListAssignments(ctx, documentID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.audit(ActionDistribute, &actorID, documentID, "document distributed for signing", RequestMeta{},
		map[string]interface{}{"signers": len(assignments)})
	return out, nil
}

// SignRequest finalizes a signer's signature on a group document. Placement
// and ImageRef are only needed when the signer has no draft.
type SignRequest struct {
	DocumentID uuid.UUID
	SignerID   uuid.UUID
	Placement  *Position
	ImageRef   string
	Meta       RequestMeta
}

// SignResult reports the final signature and how many signers remain.
type SignResult struct {
	Signature    *SignatureRecord
	PendingCount int64
}

// SignDocument promotes the signer's draft to final, marks the assignment
// signed and returns the remaining pending count, all in one transaction.
func (s *Service) SignDocument(ctx context.Context, req SignRequest) (*SignResult, error) {
	if req.Placement != nil {
		if err := validatePosition(*req.Placement); err != nil {
			return nil, err
		}
	}

	result := &SignResult{}
	err := s.repo.WithinTx(ctx, func(tx Repository) error {
		doc, err := tx.GetDocumentByID(ctx, req.DocumentID)
		if err != nil {
			return err
		}
		if !doc.IsGrouped() {
			return ErrNotAssigned
		}
		if err := s.authorizeSigner(ctx, tx, doc, req.SignerID); err != nil {
			return err
		}
		version, err := s.editableVersion(ctx, tx, doc)
		if err != nil {
			return err
		}

		now := s.now()
		sig, err := tx.FindDraftBySignerAndVersion(ctx, req.SignerID, version.ID)
		if err != nil {
			return fmt.Errorf("failed to find draft: %w", err)
		}
		isNew := sig == nil
		if isNew {
			if req.Placement == nil || req.ImageRef == "" {
				return validationError("placement and signature image are required without a draft")
			}
			sig = &SignatureRecord{
				ID:                uuid.New(),
				DocumentVersionID: version.ID,
				SignerID:          req.SignerID,
			}
		}
		if req.Placement != nil {
			sig.PageNumber = req.Placement.PageNumber
			sig.PositionX = req.Placement.X
			sig.PositionY = req.Placement.Y
			sig.Width = req.Placement.Width
			sig.Height = req.Placement.Height
		}
		if req.ImageRef != "" {
			sig.ImageRef = req.ImageRef
		}
		promote(sig, req.Meta, now)

		if isNew {
			err = tx.CreateSignature(ctx, sig)
		} else {
			err = tx.UpdateSignature(ctx, sig)
		}
		if err != nil {
			return fmt.Errorf("failed to save signature: %w", err)
		}

		flipped, err := tx.MarkAssignmentSigned(ctx, doc.ID, req.SignerID, sig.ID)
		if err != nil {
			return fmt.Errorf("failed to update assignment: %w", err)
		}
		if !flipped {
			return ErrAlreadySigned
		}

		pending, err := tx.CountPendingSigners(ctx, doc.ID)
		if err != nil {
			return fmt.Errorf("failed to count pending signers: %w", err)
		}
		result.Signature = sig
		result.PendingCount = pending
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Document signed",
		zap.String("document_id", req.DocumentID.String()),
		zap.String("signer_id", req.SignerID.String()),
		zap.Int64("pending", result.PendingCount))
	s.audit(ActionSign, &req.SignerID, req.DocumentID, "signature finalized", req.Meta,
		map[string]interface{}{"signature_id": result.Signature.ID.String(), "pending": result.PendingCount})
	s.notify(notifications.EventSigned, req.DocumentID, &req.SignerID,
		map[string]interface{}{"pending": result.PendingCount})
	if result.PendingCount == 0 {
		s.notify(notifications.EventReadyToFinalize, req.DocumentID, nil, nil)
	}
	return result, nil
}

func promote(sig *SignatureRecord, meta RequestMeta, at time.Time) {
	sig.Status = SignatureFinal
	sig.IPAddress = meta.IPAddress
	sig.UserAgent = meta.UserAgent
	signedAt := at
	sig.SignedAt = &signedAt
}

// CountPendingSigners returns how many assignments are still pending.
func (s *Service) CountPendingSigners(ctx context.Context, documentID uuid.UUID) (int64, error) {
	return s.repo.CountPendingSigners(ctx, documentID)
}

// FinalizeRequest seals a group document once every signer has signed.
type FinalizeRequest struct {
	DocumentID     uuid.UUID
	AdminID        uuid.UUID
	ProtectWithPIN bool
	Meta           RequestMeta
}

// FinalizeResult is the sealed group version. AccessCode is set only when the
// version was newly sealed with PIN protection.
type FinalizeResult struct {
	Document   *Document
	Version    *DocumentVersion
	AccessCode string
}

// FinalizeGroup claims the document, seals every final signature into a new
// version and marks the document completed. The claim succeeds only once and
// only when no signer is pending; it is released if sealing fails.
func (s *Service) FinalizeGroup(ctx context.Context, req FinalizeRequest) (*FinalizeResult, error) {
	doc, err := s.repo.GetDocumentByID(ctx, req.DocumentID)
	if err != nil {
		return nil, err
	}
	if !doc.IsGrouped() {
		return nil, validationError("document does not belong to a group")
	}
	if err := s.authorizeAdmin(ctx, s.repo, doc, req.AdminID); err != nil {
		return nil, err
	}

	version, err := s.currentVersion(ctx, doc)
	if err != nil {
		return nil, err
	}
	if version.IsSealed() {
		return &FinalizeResult{Document: doc, Version: version}, nil
	}

	assignments, err := s.repo.ListAssignments(ctx, doc.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list assignments: %w", err)
	}
	if len(assignments) == 0 {
		return nil, validationError("document has no assigned signers")
	}

	claimed, err := s.repo.ClaimFinalization(ctx, doc.ID, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to claim finalization: %w", err)
	}
	if !claimed {
		pending, err := s.repo.CountPendingSigners(ctx, doc.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to count pending signers: %w", err)
		}
		if pending > 0 {
			return nil, fmt.Errorf("%w: %d remaining", ErrPendingSigners, pending)
		}
		return nil, validationError("finalization is already in progress")
	}

	sigs, err := s.repo.ListSignaturesByVersion(ctx, version.ID, SignatureFinal)
	if err == nil && len(sigs) == 0 {
		err = validationError("document has no final signatures")
	}
	var result *FinalizeResult
	if err == nil {
		result, err = s.sealVersion(ctx, sealInput{
			doc:     doc,
			source:  version,
			sigs:    sigs,
			actorID: req.AdminID,
			protect: req.ProtectWithPIN,
			meta:    req.Meta,
		})
	}
	if err != nil {
		if releaseErr := s.repo.ReleaseFinalization(context.WithoutCancel(ctx), doc.ID); releaseErr != nil {
			s.logger.Error("Failed to release finalization claim",
				zap.String("document_id", doc.ID.String()),
				zap.Error(releaseErr))
		}
		return nil, err
	}
	return result, nil
}
