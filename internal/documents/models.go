package documents

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type DocumentStatus string

const (
	StatusDraft     DocumentStatus = "draft"
	StatusPending   DocumentStatus = "pending"
	StatusCompleted DocumentStatus = "completed"
)

type SignatureStatus string

const (
	SignatureDraft SignatureStatus = "draft"
	SignatureFinal SignatureStatus = "final"
)

type AssignmentStatus string

const (
	AssignmentPending AssignmentStatus = "pending"
	AssignmentSigned  AssignmentStatus = "signed"
)

type MemberRole string

const (
	RoleAdmin  MemberRole = "admin"
	RoleMember MemberRole = "member"
)

type Document struct {
	ID                    uuid.UUID      `json:"id" gorm:"type:uuid;primaryKey"`
	Title                 string         `json:"title" gorm:"not null"`
	Status                DocumentStatus `json:"status" gorm:"type:varchar(20);not null;index"`
	CurrentVersionID      *uuid.UUID     `json:"current_version_id,omitempty" gorm:"type:uuid"`
	GroupID               *uuid.UUID     `json:"group_id,omitempty" gorm:"type:uuid;index"`
	OwnerID               uuid.UUID      `json:"owner_id" gorm:"type:uuid;not null;index"`
	SignedFileRef         *string        `json:"signed_file_ref,omitempty"`
	FinalizationClaimedAt *time.Time     `json:"-"`
	CreatedAt             time.Time      `json:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at"`
}

// IsGrouped reports whether the document is signed by a group.
func (d *Document) IsGrouped() bool {
	return d.GroupID != nil
}

type DocumentVersion struct {
	ID            uuid.UUID      `json:"id" gorm:"type:uuid;primaryKey"`
	DocumentID    uuid.UUID      `json:"document_id" gorm:"type:uuid;not null;index"`
	StorageRef    string         `json:"storage_ref" gorm:"not null"`
	SourceHash    string         `json:"source_hash" gorm:"type:varchar(64);index"`
	SignedHash    *string        `json:"signed_hash,omitempty" gorm:"type:varchar(64)"`
	AccessCode    *string        `json:"-" gorm:"type:varchar(32)"`
	RetryCount    int            `json:"retry_count" gorm:"not null;default:0"`
	LockedUntil   *time.Time     `json:"locked_until,omitempty"`
	DerivedFromID *uuid.UUID     `json:"derived_from_id,omitempty" gorm:"type:uuid;index"`
	SealKey       *string        `json:"-" gorm:"type:varchar(64);index"`
	// SealedSigners is written once when the version is sealed.
	SealedSigners datatypes.JSON `json:"-"`
	LockVersion   int            `json:"-" gorm:"not null;default:0"`
	CreatedBy     uuid.UUID      `json:"created_by" gorm:"type:uuid"`
	CreatedAt     time.Time      `json:"created_at"`
}

// IsSealed reports whether the version carries a sealed artifact.
func (v *DocumentVersion) IsSealed() bool {
	return v.SignedHash != nil && *v.SignedHash != ""
}

// SealedSigner is the record of one final signature kept on the version it
// was sealed into.
type SealedSigner struct {
	SignatureID uuid.UUID  `json:"signature_id"`
	SignerID    uuid.UUID  `json:"signer_id"`
	IPAddress   string     `json:"ip_address"`
	UserAgent   string     `json:"user_agent"`
	SignedAt    *time.Time `json:"signed_at"`
}

func sealedSigner(sig SignatureRecord) SealedSigner {
	return SealedSigner{
		SignatureID: sig.ID,
		SignerID:    sig.SignerID,
		IPAddress:   sig.IPAddress,
		UserAgent:   sig.UserAgent,
		SignedAt:    sig.SignedAt,
	}
}

func snapshotSigners(sigs []SignatureRecord) (datatypes.JSON, error) {
	signers := make([]SealedSigner, 0, len(sigs))
	for _, sig := range sigs {
		signers = append(signers, sealedSigner(sig))
	}
	data, err := json.Marshal(signers)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal sealed signers: %w", err)
	}
	return datatypes.JSON(data), nil
}

// Signers decodes the signer snapshot of a sealed version.
func (v *DocumentVersion) Signers() ([]SealedSigner, error) {
	if len(v.SealedSigners) == 0 {
		return nil, nil
	}
	var signers []SealedSigner
	if err := json.Unmarshal(v.SealedSigners, &signers); err != nil {
		return nil, fmt.Errorf("failed to decode sealed signers: %w", err)
	}
	return signers, nil
}

// IsPINProtected reports whether disclosure requires an access code.
func (v *DocumentVersion) IsPINProtected() bool {
	return v.AccessCode != nil && *v.AccessCode != ""
}

type SignatureRecord struct {
	ID                uuid.UUID       `json:"id" gorm:"type:uuid;primaryKey"`
	DocumentVersionID uuid.UUID       `json:"document_version_id" gorm:"type:uuid;not null;index;index:idx_signature_one_draft,unique,where:status = 'draft'"`
	SignerID          uuid.UUID       `json:"signer_id" gorm:"type:uuid;not null;index:idx_signature_one_draft,unique,where:status = 'draft'"`
	ClientID          *string         `json:"client_id,omitempty"`
	Status            SignatureStatus `json:"status" gorm:"type:varchar(10);not null"`
	PageNumber        int             `json:"page_number"`
	PositionX         float64         `json:"position_x"`
	PositionY         float64         `json:"position_y"`
	Width             float64         `json:"width"`
	Height            float64         `json:"height"`
	ImageRef          string          `json:"image_ref"`
	IPAddress         string          `json:"ip_address,omitempty"`
	UserAgent         string          `json:"user_agent,omitempty"`
	SignedAt          *time.Time      `json:"signed_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

type GroupSignerAssignment struct {
	ID          uuid.UUID        `json:"id" gorm:"type:uuid;primaryKey"`
	DocumentID  uuid.UUID        `json:"document_id" gorm:"type:uuid;not null;uniqueIndex:idx_assignment_document_user"`
	UserID      uuid.UUID        `json:"user_id" gorm:"type:uuid;not null;uniqueIndex:idx_assignment_document_user"`
	Status      AssignmentStatus `json:"status" gorm:"type:varchar(10);not null;index"`
	SignatureID *uuid.UUID       `json:"signature_id,omitempty" gorm:"type:uuid"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

type GroupMember struct {
	GroupID uuid.UUID  `json:"group_id" gorm:"type:uuid;primaryKey"`
	UserID  uuid.UUID  `json:"user_id" gorm:"type:uuid;primaryKey"`
	Role    MemberRole `json:"role" gorm:"type:varchar(10);not null"`
}

type UserProfile struct {
	ID    uuid.UUID `json:"id" gorm:"type:uuid;primaryKey"`
	Name  string    `json:"name"`
	Email string    `json:"email"`
}

// Position is the placement of a stamp in page fractions, origin top-left.
type Position struct {
	PageNumber int     `json:"page_number"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
}

// RequestMeta identifies the client of a request for audit purposes.
type RequestMeta struct {
	IPAddress string
	UserAgent string
}

type VerificationStatus string

const (
	VerificationValid        VerificationStatus = "VALID"
	VerificationInvalid      VerificationStatus = "INVALID"
	VerificationNotFinalized VerificationStatus = "NOT_FINALIZED"
	VerificationLocked       VerificationStatus = "LOCKED"
)

// SignerDisclosure describes a signer. Identity fields are nil while a PIN
// protected version has not been proven by upload.
type SignerDisclosure struct {
	UserID    *uuid.UUID `json:"user_id"`
	Name      *string    `json:"name"`
	Email     *string    `json:"email"`
	IPAddress *string    `json:"ip_address"`
	SignedAt  *time.Time `json:"signed_at"`
}

type VerificationResult struct {
	Status      VerificationStatus `json:"status"`
	DocumentID  uuid.UUID          `json:"document_id"`
	VersionID   uuid.UUID          `json:"version_id"`
	Hash        string             `json:"hash,omitempty"`
	Owner       *SignerDisclosure  `json:"owner,omitempty"`
	Signers     []SignerDisclosure `json:"signers,omitempty"`
	Certificate *CertificateInfo   `json:"certificate,omitempty"`
}

// CertificateInfo summarizes the embedded signature of a sealed artifact.
type CertificateInfo struct {
	SignerName        string    `json:"signer_name"`
	SignerOrg         string    `json:"signer_org,omitempty"`
	CertificateIssuer string    `json:"certificate_issuer"`
	SerialNumber      string    `json:"serial_number"`
	SigningTime       time.Time `json:"signing_time"`
	Valid             bool      `json:"valid"`
}

type UnlockResponse struct {
	DocumentID    uuid.UUID          `json:"document_id"`
	VersionID     uuid.UUID          `json:"version_id"`
	RequireUpload bool               `json:"require_upload"`
	UnlockToken   string             `json:"unlock_token"`
	ExpiresAt     time.Time          `json:"expires_at"`
	Owner         SignerDisclosure   `json:"owner"`
	Signers       []SignerDisclosure `json:"signers"`
}
