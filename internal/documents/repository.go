package documents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// casRetries bounds optimistic concurrency retries on version rows.
const casRetries = 8

var errConcurrentUpdate = errors.New("concurrent update, retries exhausted")

type Repository interface {
	CreateDocument(ctx context.Context, doc *Document) error
	GetDocumentByID(ctx context.Context, id uuid.UUID) (*Document, error)
	FindDocumentBySourceHash(ctx context.Context, ownerID uuid.UUID, hash string) (*Document, error)
	ListCompletedDocuments(ctx context.Context) ([]Document, error)
	UpdateDocumentState(ctx context.Context, doc *Document) error
	ClaimFinalization(ctx context.Context, documentID uuid.UUID, at time.Time) (bool, error)
	ReleaseFinalization(ctx context.Context, documentID uuid.UUID) error

	CreateVersion(ctx context.Context, version *DocumentVersion) error
	GetVersionByID(ctx context.Context, id uuid.UUID) (*DocumentVersion, error)
	FindVersionsByDocumentID(ctx context.Context, documentID uuid.UUID) ([]DocumentVersion, error)
	FindVersionBySealKey(ctx context.Context, documentID uuid.UUID, key string) (*DocumentVersion, error)
	RecordFailedPINAttempt(ctx context.Context, versionID uuid.UUID, maxAttempts int, lockout time.Duration, now time.Time) (*DocumentVersion, error)
	ResetPINAttempts(ctx context.Context, versionID uuid.UUID, now time.Time) (bool, error)

	CreateSignature(ctx context.Context, sig *SignatureRecord) error
	GetSignatureByID(ctx context.Context, id uuid.UUID) (*SignatureRecord, error)
	UpdateSignature(ctx context.Context, sig *SignatureRecord) error
	DeleteSignature(ctx context.Context, id uuid.UUID) error
	FindDraftBySignerAndVersion(ctx context.Context, signerID, versionID uuid.UUID) (*SignatureRecord, error)
	ListSignaturesByVersion(ctx context.Context, versionID uuid.UUID, status SignatureStatus) ([]SignatureRecord, error)
	DeleteSignaturesByVersion(ctx context.Context, versionID uuid.UUID) (int64, error)

	CreateAssignments(ctx context.Context, assignments []GroupSignerAssignment) error
	GetAssignment(ctx context.Context, documentID, userID uuid.UUID) (*GroupSignerAssignment, error)
	ListAssignments(ctx context.Context, documentID uuid.UUID) ([]GroupSignerAssignment, error)
	MarkAssignmentSigned(ctx context.Context, documentID, userID, signatureID uuid.UUID) (bool, error)
	CountPendingSigners(ctx context.Context, documentID uuid.UUID) (int64, error)
	ResetSigners(ctx context.Context, documentID uuid.UUID) error

	GetGroupMember(ctx context.Context, groupID, userID uuid.UUID) (*GroupMember, error)
	GetUserProfiles(ctx context.Context, ids []uuid.UUID) ([]UserProfile, error)

	// WithinTx runs fn against a repository bound to a single transaction.
	WithinTx(ctx context.Context, fn func(repo Repository) error) error
}

type gormRepository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

// AutoMigrate creates or updates the signing tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Document{},
		&DocumentVersion{},
		&SignatureRecord{},
		&GroupSignerAssignment{},
		&GroupMember{},
		&UserProfile{},
	)
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return err
}

func (r *gormRepository) WithinTx(ctx context.Context, fn func(repo Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormRepository{db: tx})
	})
}

func (r *gormRepository) CreateDocument(ctx context.Context, doc *Document) error {
	return r.db.WithContext(ctx).Create(doc).Error
}

func (r *gormRepository) GetDocumentByID(ctx context.Context, id uuid.UUID) (*Document, error) {
	var doc Document
	if err := r.db.WithContext(ctx).First(&doc, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "document")
	}
	return &doc, nil
}

// FindDocumentBySourceHash returns the document whose original version has the
// given source hash, or nil.
func (r *gormRepository) FindDocumentBySourceHash(ctx context.Context, ownerID uuid.UUID, hash string) (*Document, error) {
	var doc Document
	err := r.db.WithContext(ctx).
		Joins("JOIN document_versions ON document_versions.document_id = documents.id").
		Where("documents.owner_id = ? AND document_versions.source_hash = ? AND document_versions.derived_from_id IS NULL", ownerID, hash).
		Order("documents.created_at ASC").
		First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (r *gormRepository) ListCompletedDocuments(ctx context.Context) ([]Document, error) {
	var docs []Document
	err := r.db.WithContext(ctx).
		Where("status = ? AND current_version_id IS NOT NULL", StatusCompleted).
		Order("updated_at DESC").
		Find(&docs).Error
	return docs, err
}

// UpdateDocumentState writes status, current version and signed file reference.
// The finalization claim is managed separately.
func (r *gormRepository) UpdateDocumentState(ctx context.Context, doc *Document) error {
	res := r.db.WithContext(ctx).Model(&Document{}).Where("id = ?", doc.ID).Updates(map[string]interface{}{
		"status":             doc.Status,
		"current_version_id": doc.CurrentVersionID,
		"signed_file_ref":    doc.SignedFileRef,
		"updated_at":         time.Now().UTC(),
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("document: %w", ErrNotFound)
	}
	return nil
}

// ClaimFinalization marks the document as being finalized. It succeeds only
// once and only while no assignment is pending.
func (r *gormRepository) ClaimFinalization(ctx context.Context, documentID uuid.UUID, at time.Time) (bool, error) {
	db := r.db.WithContext(ctx)
	pending := db.Session(&gorm.Session{NewDB: true}).
		Model(&GroupSignerAssignment{}).
		Select("1").
		Where("document_id = ? AND status = ?", documentID, AssignmentPending)

	res := db.Model(&Document{}).
		Where("id = ? AND finalization_claimed_at IS NULL", documentID).
		Where("NOT EXISTS (?)", pending).
		Update("finalization_claimed_at", at)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *gormRepository) ReleaseFinalization(ctx context.Context, documentID uuid.UUID) error {
	return r.db.WithContext(ctx).Model(&Document{}).
		Where("id = ?", documentID).
		Update("finalization_claimed_at", nil).Error
}

func (r *gormRepository) CreateVersion(ctx context.Context, version *DocumentVersion) error {
	return r.db.WithContext(ctx).Create(version).Error
}

func (r *gormRepository) GetVersionByID(ctx context.Context, id uuid.UUID) (*DocumentVersion, error) {
	var v DocumentVersion
	if err := r.db.WithContext(ctx).First(&v, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "version")
	}
	return &v, nil
}

// FindVersionsByDocumentID returns versions oldest first.
func (r *gormRepository) FindVersionsByDocumentID(ctx context.Context, documentID uuid.UUID) ([]DocumentVersion, error) {
	var versions []DocumentVersion
	err := r.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Order("created_at ASC").
		Find(&versions).Error
	return versions, err
}

// FindVersionBySealKey returns the sealed version produced from the same
// source and signatures, or nil.
func (r *gormRepository) FindVersionBySealKey(ctx context.Context, documentID uuid.UUID, key string) (*DocumentVersion, error) {
	var v DocumentVersion
	err := r.db.WithContext(ctx).
		Where("document_id = ? AND seal_key = ? AND signed_hash IS NOT NULL", documentID, key).
		Order("created_at DESC").
		First(&v).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// RecordFailedPINAttempt increments the retry counter with a compare-and-swap
// on lock_version. Reaching maxAttempts sets locked_until. A version that is
// currently locked is returned unchanged.
func (r *gormRepository) RecordFailedPINAttempt(ctx context.Context, versionID uuid.UUID, maxAttempts int, lockout time.Duration, now time.Time) (*DocumentVersion, error) {
	db := r.db.WithContext(ctx)
	for i := 0; i < casRetries; i++ {
		var v DocumentVersion
		if err := db.First(&v, "id = ?", versionID).Error; err != nil {
			return nil, notFound(err, "version")
		}
		if v.LockedUntil != nil && v.LockedUntil.After(now) {
			return &v, nil
		}

		next := v.RetryCount + 1
		if next > maxAttempts {
			next = maxAttempts
		}
		var lockedUntil *time.Time
		if next >= maxAttempts {
			until := now.Add(lockout)
			lockedUntil = &until
		}

		res := db.Model(&DocumentVersion{}).
			Where("id = ? AND lock_version = ?", v.ID, v.LockVersion).
			Updates(map[string]interface{}{
				"retry_count":  next,
				"locked_until": lockedUntil,
				"lock_version": v.LockVersion + 1,
			})
		if res.Error != nil {
			return nil, fmt.Errorf("failed to record pin attempt: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			v.RetryCount = next
			v.LockedUntil = lockedUntil
			v.LockVersion++
			return &v, nil
		}
	}
	return nil, fmt.Errorf("failed to record pin attempt: %w", errConcurrentUpdate)
}

// ResetPINAttempts clears the counter and any expired lock. It reports false
// when an active lock prevented the reset.
func (r *gormRepository) ResetPINAttempts(ctx context.Context, versionID uuid.UUID, now time.Time) (bool, error) {
	res := r.db.WithContext(ctx).Model(&DocumentVersion{}).
		Where("id = ? AND (locked_until IS NULL OR locked_until <= ?)", versionID, now).
		Updates(map[string]interface{}{
			"retry_count":  0,
			"locked_until": nil,
			"lock_version": gorm.Expr("lock_version + 1"),
		})
	if res.Error != nil {
		return false, fmt.Errorf("failed to reset pin attempts: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *gormRepository) CreateSignature(ctx context.Context, sig *SignatureRecord) error {
	return r.db.WithContext(ctx).Create(sig).Error
}

func (r *gormRepository) GetSignatureByID(ctx context.Context, id uuid.UUID) (*SignatureRecord, error) {
	var sig SignatureRecord
	if err := r.db.WithContext(ctx).First(&sig, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "signature")
	}
	return &sig, nil
}

func (r *gormRepository) UpdateSignature(ctx context.Context, sig *SignatureRecord) error {
	return r.db.WithContext(ctx).Save(sig).Error
}

func (r *gormRepository) DeleteSignature(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).Delete(&SignatureRecord{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("signature: %w", ErrNotFound)
	}
	return nil
}

func (r *gormRepository) FindDraftBySignerAndVersion(ctx context.Context, signerID, versionID uuid.UUID) (*SignatureRecord, error) {
	var sig SignatureRecord
	err := r.db.WithContext(ctx).
		Where("signer_id = ? AND document_version_id = ? AND status = ?", signerID, versionID, SignatureDraft).
		First(&sig).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sig, nil
}

// ListSignaturesByVersion returns signatures in signing order. An empty status
// matches all rows.
func (r *gormRepository) ListSignaturesByVersion(ctx context.Context, versionID uuid.UUID, status SignatureStatus) ([]SignatureRecord, error) {
	var sigs []SignatureRecord
	query := r.db.WithContext(ctx).Where("document_version_id = ?", versionID)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	err := query.Order("signed_at ASC").Order("created_at ASC").Find(&sigs).Error
	return sigs, err
}

func (r *gormRepository) DeleteSignaturesByVersion(ctx context.Context, versionID uuid.UUID) (int64, error) {
	res := r.db.WithContext(ctx).Where("document_version_id = ?", versionID).Delete(&SignatureRecord{})
	return res.RowsAffected, res.Error
}

// CreateAssignments inserts assignments, skipping users already assigned.
func (r *gormRepository) CreateAssignments(ctx context.Context, assignments []GroupSignerAssignment) error {
	if len(assignments) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "document_id"}, {Name: "user_id"}},
			DoNothing: true,
		}).
		Create(&assignments).Error
}

func (r *gormRepository) GetAssignment(ctx context.Context, documentID, userID uuid.UUID) (*GroupSignerAssignment, error) {
	var a GroupSignerAssignment
	err := r.db.WithContext(ctx).Where("document_id = ? AND user_id = ?", documentID, userID).First(&a).Error
	if err != nil {
		return nil, notFound(err, "assignment")
	}
	return &a, nil
}

func (r *gormRepository) ListAssignments(ctx context.Context, documentID uuid.UUID) ([]GroupSignerAssignment, error) {
	var out []GroupSignerAssignment
	err := r.db.WithContext(ctx).Where("document_id = ?", documentID).Order("created_at ASC").Find(&out).Error
	return out, err
}

// MarkAssignmentSigned flips a pending assignment to signed. It reports false
// when the assignment was not pending.
func (r *gormRepository) MarkAssignmentSigned(ctx context.Context, documentID, userID, signatureID uuid.UUID) (bool, error) {
	res := r.db.WithContext(ctx).Model(&GroupSignerAssignment{}).
		Where("document_id = ? AND user_id = ? AND status = ?", documentID, userID, AssignmentPending).
		Updates(map[string]interface{}{
			"status":       AssignmentSigned,
			"signature_id": signatureID,
			"updated_at":   time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *gormRepository) CountPendingSigners(ctx context.Context, documentID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&GroupSignerAssignment{}).
		Where("document_id = ? AND status = ?", documentID, AssignmentPending).
		Count(&count).Error
	return count, err
}

// ResetSigners returns every assignment of the document to pending.
func (r *gormRepository) ResetSigners(ctx context.Context, documentID uuid.UUID) error {
	return r.db.WithContext(ctx).Model(&GroupSignerAssignment{}).
		Where("document_id = ?", documentID).
		Updates(map[string]interface{}{
			"status":       AssignmentPending,
			"signature_id": nil,
			"updated_at":   time.Now().UTC(),
		}).Error
}

func (r *gormRepository) GetGroupMember(ctx context.Context, groupID, userID uuid.UUID) (*GroupMember, error) {
	var m GroupMember
	err := r.db.WithContext(ctx).Where("group_id = ? AND user_id = ?", groupID, userID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *gormRepository) GetUserProfiles(ctx context.Context, ids []uuid.UUID) ([]UserProfile, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var users []UserProfile
	err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&users).Error
	return users, err
}
