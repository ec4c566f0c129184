package documents

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"signdesk/portal-backend/internal/notifications"
)

// RollbackRequest makes an earlier version current.
type RollbackRequest struct {
	DocumentID uuid.UUID
	VersionID  uuid.UUID
	ActorID    uuid.UUID
	Meta       RequestMeta
}

// ListVersions returns the versions of a document, oldest first.
func (s *Service) ListVersions(ctx context.Context, documentID uuid.UUID) ([]DocumentVersion, error) {
	if _, err := s.repo.GetDocumentByID(ctx, documentID); err != nil {
		return nil, err
	}
	versions, err := s.repo.FindVersionsByDocumentID(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	return versions, nil
}

// RollbackToVersion makes the version current and unwinds signing state.
//
// Rolling back to the original version deletes every signature on it, resets
// all group assignments to pending and clears the public signed file. Rolling
// back to a later version restores it as the public signed file when it is
// sealed and leaves the document pending otherwise.
func (s *Service) RollbackToVersion(ctx context.Context, req RollbackRequest) (*Document, error) {
	var (
		doc      *Document
		original bool
		removed  int64
	)
	err := s.repo.WithinTx(ctx, func(tx Repository) error {
		var err error
		doc, err = tx.GetDocumentByID(ctx, req.DocumentID)
		if err != nil {
			return err
		}
		target, err := tx.GetVersionByID(ctx, req.VersionID)
		if err != nil {
			return err
		}
		if target.DocumentID != doc.ID {
			return fmt.Errorf("version %s of document %s: %w", target.ID, doc.ID, ErrNotFound)
		}
		if err := s.authorizeAdmin(ctx, tx, doc, req.ActorID); err != nil {
			return err
		}

		versions, err := tx.FindVersionsByDocumentID(ctx, doc.ID)
		if err != nil {
			return fmt.Errorf("failed to list versions: %w", err)
		}
		original = len(versions) > 0 && versions[0].ID == target.ID

		switch {
		case original:
			removed, err = tx.DeleteSignaturesByVersion(ctx, target.ID)
			if err != nil {
				return fmt.Errorf("failed to delete signatures: %w", err)
			}
			if doc.IsGrouped() {
				if err := tx.ResetSigners(ctx, doc.ID); err != nil {
					return fmt.Errorf("failed to reset signers: %w", err)
				}
				if err := tx.ReleaseFinalization(ctx, doc.ID); err != nil {
					return fmt.Errorf("failed to release finalization: %w", err)
				}
			}
			if err := s.transition(doc, StatusPending); err != nil {
				return err
			}
			doc.SignedFileRef = nil
		case target.IsSealed():
			if err := s.transition(doc, StatusCompleted); err != nil {
				return err
			}
			ref := target.StorageRef
			doc.SignedFileRef = &ref
		default:
			if err := s.transition(doc, StatusPending); err != nil {
				return err
			}
			doc.SignedFileRef = nil
		}

		doc.CurrentVersionID = &target.ID
		return tx.UpdateDocumentState(ctx, doc)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Document rolled back",
		zap.String("document_id", doc.ID.String()),
		zap.String("version_id", req.VersionID.String()),
		zap.Bool("original", original),
		zap.Int64("signatures_removed", removed),
		zap.String("status", string(doc.Status)))
	s.audit(ActionRollback, &req.ActorID, doc.ID, "document rolled back", req.Meta, map[string]interface{}{
		"version_id":         req.VersionID.String(),
		"original":           original,
		"signatures_removed": removed,
	})
	s.notify(notifications.EventRolledBack, doc.ID, &req.ActorID, map[string]interface{}{
		"version_id": req.VersionID.String(),
		"status":     string(doc.Status),
	})
	return doc, nil
}
