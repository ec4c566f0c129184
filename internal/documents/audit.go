package documents

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

const (
	ActionUpload            = "UPLOAD"
	ActionDraftSaved        = "DRAFT_SAVED"
	ActionDraftDeleted      = "DRAFT_DELETED"
	ActionDistribute        = "DISTRIBUTE"
	ActionSign              = "SIGN"
	ActionSeal              = "SEAL"
	ActionUnlock            = "UNLOCK"
	ActionUnlockFailed      = "UNLOCK_FAILED"
	ActionVerify            = "VERIFY"
	ActionRollback          = "ROLLBACK"
	ActionIntegrityMismatch = "INTEGRITY_MISMATCH"
)

// AuditEntry is one row of the document access log.
type AuditEntry struct {
	ID          uuid.UUID      `db:"id"`
	DocumentID  uuid.UUID      `db:"document_id"`
	UserID      *uuid.UUID     `db:"user_id"`
	Action      string         `db:"action"`
	Description string         `db:"description"`
	IPAddress   string         `db:"ip_address"`
	UserAgent   string         `db:"user_agent"`
	Metadata    datatypes.JSON `db:"metadata"`
	PerformedAt time.Time      `db:"performed_at"`
}

// AuditSink records access log entries.
type AuditSink interface {
	Log(ctx context.Context, entry AuditEntry) error
}

// SQLAuditSink writes entries to the document_access_logs table.
type SQLAuditSink struct {
	db *sqlx.DB
}

func NewSQLAuditSink(db *sqlx.DB) *SQLAuditSink {
	return &SQLAuditSink{db: db}
}

func (s *SQLAuditSink) Log(ctx context.Context, entry AuditEntry) error {
	query := `
		INSERT INTO document_access_logs (
			id, document_id, user_id, action, description, ip_address, user_agent, metadata, performed_at
		) VALUES (
			:id, :document_id, :user_id, :action, :description, :ip_address, :user_agent, :metadata, :performed_at
		)`
	_, err := s.db.NamedExecContext(ctx, query, entry)
	return err
}

// LogAuditSink writes entries to the application log when no audit database is configured.
type LogAuditSink struct {
	logger *zap.Logger
}

func NewLogAuditSink(logger *zap.Logger) *LogAuditSink {
	return &LogAuditSink{logger: logger}
}

func (s *LogAuditSink) Log(ctx context.Context, entry AuditEntry) error {
	fields := []zap.Field{
		zap.String("action", entry.Action),
		zap.String("document_id", entry.DocumentID.String()),
		zap.String("description", entry.Description),
		zap.String("ip_address", entry.IPAddress),
	}
	if entry.UserID != nil {
		fields = append(fields, zap.String("user_id", entry.UserID.String()))
	}
	s.logger.Info("Audit", fields...)
	return nil
}

// audit records an entry in the background. Failures are logged and never
// reach the caller.
func (s *Service) audit(action string, actorID *uuid.UUID, documentID uuid.UUID, description string, meta RequestMeta, metadata map[string]interface{}) {
	entry := AuditEntry{
		ID:          uuid.New(),
		DocumentID:  documentID,
		UserID:      actorID,
		Action:      action,
		Description: description,
		IPAddress:   meta.IPAddress,
		UserAgent:   meta.UserAgent,
		PerformedAt: s.now(),
	}
	if len(metadata) > 0 {
		if raw, err := json.Marshal(metadata); err == nil {
			entry.Metadata = datatypes.JSON(raw)
		}
	}

	s.background(func(ctx context.Context) {
		if err := s.auditSink.Log(ctx, entry); err != nil {
			s.logger.Warn("Failed to write audit entry",
				zap.String("action", action),
				zap.String("document_id", documentID.String()),
				zap.Error(err))
		}
	})
}
