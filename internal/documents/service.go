package documents

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"signdesk/portal-backend/internal/notifications"
	"signdesk/portal-backend/pkg/pdf"
	"signdesk/portal-backend/pkg/security"
	"signdesk/portal-backend/pkg/storage"
	"signdesk/portal-backend/pkg/workflows"
)

// Notifier delivers document events to interested clients.
type Notifier interface {
	Notify(ctx context.Context, event notifications.Event) error
}

// ServiceConfig contains service configuration
type ServiceConfig struct {
	MaxPINAttempts      int
	LockoutPeriod       time.Duration
	UnlockSecret        string
	UnlockTokenTTL      time.Duration
	SignedURLTTL        time.Duration
	DownloadConcurrency int
	// VerificationBaseURL prefixes the verification link embedded as a QR code.
	// Empty disables the mark.
	VerificationBaseURL string
	AsyncTimeout        time.Duration
}

func (c *ServiceConfig) withDefaults() ServiceConfig {
	out := *c
	if out.MaxPINAttempts <= 0 {
		out.MaxPINAttempts = 3
	}
	if out.LockoutPeriod <= 0 {
		out.LockoutPeriod = 30 * time.Minute
	}
	if out.SignedURLTTL <= 0 {
		out.SignedURLTTL = 15 * time.Minute
	}
	if out.DownloadConcurrency <= 0 {
		out.DownloadConcurrency = 4
	}
	if out.AsyncTimeout <= 0 {
		out.AsyncTimeout = 5 * time.Second
	}
	return out
}

// Service is the document signing and verification engine.
type Service struct {
	repo      Repository
	blobs     storage.BlobStore
	sealer    *Sealer
	validator security.Validator
	tokens    *unlockTokens
	workflow  *workflows.StateMachine
	auditSink AuditSink
	notifier  Notifier
	config    ServiceConfig
	logger    *zap.Logger
	now       func() time.Time
	pending   sync.WaitGroup
}

// NewService creates a document service. Audit entries go to the log and
// notifications are dropped until SetAuditSink and SetNotifier are called.
func NewService(repo Repository, blobs storage.BlobStore, sealer *Sealer, config *ServiceConfig, logger *zap.Logger) *Service {
	cfg := config.withDefaults()
	return &Service{
		repo:      repo,
		blobs:     blobs,
		sealer:    sealer,
		validator: security.NewValidator(),
		tokens:    newUnlockTokens(cfg.UnlockSecret, cfg.UnlockTokenTTL),
		workflow:  workflows.NewStateMachine(),
		auditSink: NewLogAuditSink(logger),
		config:    cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) SetAuditSink(sink AuditSink) { s.auditSink = sink }

func (s *Service) SetNotifier(n Notifier) { s.notifier = n }

// Wait blocks until background audit and notification tasks finish.
func (s *Service) Wait() { s.pending.Wait() }

func (s *Service) background(fn func(ctx context.Context)) {
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.config.AsyncTimeout)
		defer cancel()
		fn(ctx)
	}()
}

func (s *Service) notify(eventType notifications.EventType, documentID uuid.UUID, actorID *uuid.UUID, data map[string]interface{}) {
	if s.notifier == nil {
		return
	}
	event := notifications.Event{
		Type:       eventType,
		DocumentID: documentID,
		ActorID:    actorID,
		Data:       data,
		Timestamp:  s.now(),
	}
	s.background(func(ctx context.Context) {
		if err := s.notifier.Notify(ctx, event); err != nil {
			s.logger.Warn("Failed to deliver document event",
				zap.String("type", string(eventType)),
				zap.String("document_id", documentID.String()),
				zap.Error(err))
		}
	})
}

// transition validates a status change and applies it to doc.
func (s *Service) transition(doc *Document, to DocumentStatus) error {
	if !s.workflow.CanTransition(string(doc.Status), string(to)) {
		return validationError("cannot move document from %s to %s", doc.Status, to)
	}
	doc.Status = to
	return nil
}

// UploadRequest creates a document from a source PDF.
type UploadRequest struct {
	Title   string
	OwnerID uuid.UUID
	GroupID *uuid.UUID
	File    []byte
	Meta    RequestMeta
}

// UploadDocument stores the source PDF as the original version. Uploading the
// same bytes again for the same owner returns the existing document.
func (s *Service) UploadDocument(ctx context.Context, req UploadRequest) (*Document, error) {
	if req.Title == "" {
		return nil, validationError("title is required")
	}
	if len(req.File) == 0 {
		return nil, validationError("file is empty")
	}
	encrypted, err := pdf.IsEncrypted(req.File)
	if err != nil {
		return nil, validationError("file is not a readable PDF: %v", err)
	}
	if encrypted {
		return nil, ErrSourceEncrypted
	}

	hash := HashBytes(req.File)
	existing, err := s.repo.FindDocumentBySourceHash(ctx, req.OwnerID, hash)
	if err != nil {
		return nil, fmt.Errorf("failed to check for duplicate upload: %w", err)
	}
	if existing != nil {
		s.logger.Info("Duplicate upload detected",
			zap.String("document_id", existing.ID.String()),
			zap.String("owner_id", req.OwnerID.String()))
		return existing, nil
	}

	docID := uuid.New()
	versionID := uuid.New()
	ref, err := s.blobs.Upload(ctx, fmt.Sprintf("documents/%s/source/%s.pdf", docID, versionID), req.File, "application/pdf")
	if err != nil {
		return nil, fmt.Errorf("failed to upload document: %w", err)
	}

	now := s.now()
	doc := &Document{
		ID:               docID,
		Title:            req.Title,
		Status:           StatusDraft,
		CurrentVersionID: &versionID,
		GroupID:          req.GroupID,
		OwnerID:          req.OwnerID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	version := &DocumentVersion{
		ID:         versionID,
		DocumentID: docID,
		StorageRef: ref,
		SourceHash: hash,
		CreatedBy:  req.OwnerID,
		CreatedAt:  now,
	}

	err = s.repo.WithinTx(ctx, func(tx Repository) error {
		if err := tx.CreateDocument(ctx, doc); err != nil {
			return fmt.Errorf("failed to create document: %w", err)
		}
		if err := tx.CreateVersion(ctx, version); err != nil {
			return fmt.Errorf("failed to create version: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Document uploaded",
		zap.String("document_id", doc.ID.String()),
		zap.String("version_id", version.ID.String()),
		zap.String("owner_id", req.OwnerID.String()))
	s.audit(ActionUpload, &req.OwnerID, doc.ID, "document uploaded", req.Meta,
		map[string]interface{}{"version_id": version.ID.String(), "source_hash": hash})

	return doc, nil
}

// GetDocument retrieves a document by ID
func (s *Service) GetDocument(ctx context.Context, id uuid.UUID) (*Document, error) {
	return s.repo.GetDocumentByID(ctx, id)
}

// SignedFileURL returns a short-lived download URL for the document's current
// public signed file.
func (s *Service) SignedFileURL(ctx context.Context, documentID uuid.UUID) (string, error) {
	doc, err := s.repo.GetDocumentByID(ctx, documentID)
	if err != nil {
		return "", err
	}
	if doc.SignedFileRef == nil {
		return "", fmt.Errorf("signed file: %w", ErrNotFound)
	}
	return s.blobs.SignedURL(ctx, *doc.SignedFileRef, s.config.SignedURLTTL, doc.Title+".pdf")
}

func (s *Service) currentVersion(ctx context.Context, doc *Document) (*DocumentVersion, error) {
	if doc.CurrentVersionID == nil {
		return nil, fmt.Errorf("current version: %w", ErrNotFound)
	}
	return s.repo.GetVersionByID(ctx, *doc.CurrentVersionID)
}

func (s *Service) verificationURL(documentID uuid.UUID) string {
	if s.config.VerificationBaseURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/verify/%s", s.config.VerificationBaseURL, documentID)
}
