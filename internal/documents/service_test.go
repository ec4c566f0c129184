package documents

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"signdesk/portal-backend/internal/notifications"
	"signdesk/portal-backend/pkg/pdf"
	"signdesk/portal-backend/pkg/pdf/pdftest"
	"signdesk/portal-backend/pkg/qr"
	"signdesk/portal-backend/pkg/security/securitytest"
	"signdesk/portal-backend/pkg/storage"
)

// testClock advances one second per reading so rows get distinct timestamps.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notifications.Event
}

func (n *recordingNotifier) Notify(ctx context.Context, event notifications.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *recordingNotifier) Types() []notifications.EventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notifications.EventType, 0, len(n.events))
	for _, e := range n.events {
		out = append(out, e.Type)
	}
	return out
}

type harness struct {
	svc      *Service
	repo     Repository
	db       *gorm.DB
	blobs    *storage.MemoryStore
	clock    *testClock
	notifier *recordingNotifier
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	require.NoError(t, AutoMigrate(db))
	return db
}

func newHarness(t *testing.T, configure ...func(*SealerConfig)) *harness {
	t.Helper()
	db := newTestDB(t)
	blobs := storage.NewMemoryStore()

	sealerConfig := SealerConfig{
		Credentials:   securitytest.Credentials(t),
		OwnerPassword: "owner-secret",
	}
	for _, fn := range configure {
		fn(&sealerConfig)
	}

	repo := NewRepository(db)
	sealer := NewSealer(blobs, qr.NewGenerator(128), sealerConfig, zap.NewNop())
	svc := NewService(repo, blobs, sealer, &ServiceConfig{
		UnlockSecret:        "unlock-secret",
		VerificationBaseURL: "https://sign.example",
	}, zap.NewNop())

	clock := &testClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	svc.now = clock.Now
	notifier := &recordingNotifier{}
	svc.SetNotifier(notifier)
	t.Cleanup(svc.Wait)

	return &harness{svc: svc, repo: repo, db: db, blobs: blobs, clock: clock, notifier: notifier}
}

func (h *harness) upload(t *testing.T, ownerID uuid.UUID, groupID *uuid.UUID) *Document {
	t.Helper()
	doc, err := h.svc.UploadDocument(context.Background(), UploadRequest{
		Title:   "Service agreement",
		OwnerID: ownerID,
		GroupID: groupID,
		File:    pdftest.Document(t, 2),
	})
	require.NoError(t, err)
	return doc
}

func (h *harness) signatureImage(t *testing.T) string {
	t.Helper()
	ref, err := h.blobs.Upload(context.Background(), "signatures/"+uuid.NewString()+".png",
		pdftest.PNG(t, 120, 40, true), "image/png")
	require.NoError(t, err)
	return ref
}

func (h *harness) signedFile(t *testing.T, doc *Document) []byte {
	t.Helper()
	require.NotNil(t, doc.SignedFileRef)
	data, err := h.blobs.Download(context.Background(), *doc.SignedFileRef)
	require.NoError(t, err)
	return data
}

var testPosition = Position{PageNumber: 1, X: 0.1, Y: 0.7, Width: 0.25, Height: 0.1}

// sealPersonal drafts one owner signature and seals it.
func (h *harness) sealPersonal(t *testing.T, protect bool) (*Document, *FinalizeResult) {
	t.Helper()
	ctx := context.Background()
	owner := uuid.New()
	doc := h.upload(t, owner, nil)

	_, err := h.svc.SaveDraft(ctx, DraftRequest{
		DocumentID: doc.ID,
		SignerID:   owner,
		Position:   testPosition,
		ImageRef:   h.signatureImage(t),
	})
	require.NoError(t, err)

	result, err := h.svc.SealPersonal(ctx, PersonalSealRequest{DocumentID: doc.ID, OwnerID: owner, ProtectWithPIN: protect})
	require.NoError(t, err)
	return doc, result
}

func TestUploadDocument(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := uuid.New()
	file := pdftest.Document(t, 1)

	doc, err := h.svc.UploadDocument(ctx, UploadRequest{Title: "Lease", OwnerID: owner, File: file})
	require.NoError(t, err)
	assert.Equal(t, StatusDraft, doc.Status)
	require.NotNil(t, doc.CurrentVersionID)

	version, err := h.repo.GetVersionByID(ctx, *doc.CurrentVersionID)
	require.NoError(t, err)
	assert.Equal(t, HashBytes(file), version.SourceHash)
	assert.False(t, version.IsSealed())

	t.Run("same bytes return the existing document", func(t *testing.T) {
		again, err := h.svc.UploadDocument(ctx, UploadRequest{Title: "Lease again", OwnerID: owner, File: file})
		require.NoError(t, err)
		assert.Equal(t, doc.ID, again.ID)
		assert.Equal(t, 1, h.blobs.Len())
	})

	t.Run("other owner gets a new document", func(t *testing.T) {
		other, err := h.svc.UploadDocument(ctx, UploadRequest{Title: "Lease", OwnerID: uuid.New(), File: file})
		require.NoError(t, err)
		assert.NotEqual(t, doc.ID, other.ID)
	})

	t.Run("encrypted source is rejected", func(t *testing.T) {
		locked, err := pdf.LockDocument(pdftest.Document(t, 1), "secret")
		require.NoError(t, err)
		_, err = h.svc.UploadDocument(ctx, UploadRequest{Title: "Locked", OwnerID: owner, File: locked.Bytes()})
		assert.ErrorIs(t, err, ErrSourceEncrypted)
	})

	t.Run("garbage is a validation error", func(t *testing.T) {
		_, err := h.svc.UploadDocument(ctx, UploadRequest{Title: "Junk", OwnerID: owner, File: []byte("not a pdf")})
		assert.ErrorIs(t, err, ErrValidation)
	})
}

func TestSaveDraft_UpdatesExistingDraft(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := uuid.New()
	doc := h.upload(t, owner, nil)
	image := h.signatureImage(t)

	first, second := "client-a", "client-b"
	draft, err := h.svc.SaveDraft(ctx, DraftRequest{
		DocumentID: doc.ID, SignerID: owner, ClientID: &first, Position: testPosition, ImageRef: image,
	})
	require.NoError(t, err)

	moved := testPosition
	moved.X = 0.4
	again, err := h.svc.SaveDraft(ctx, DraftRequest{
		DocumentID: doc.ID, SignerID: owner, ClientID: &second, Position: moved, ImageRef: image,
	})
	require.NoError(t, err)
	assert.Equal(t, draft.ID, again.ID)

	sigs, err := h.repo.ListSignaturesByVersion(ctx, *doc.CurrentVersionID, "")
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.InDelta(t, 0.4, sigs[0].PositionX, 1e-9)

	stored, err := h.repo.GetDocumentByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, stored.Status)

	t.Run("other users cannot sign a personal document", func(t *testing.T) {
		_, err := h.svc.SaveDraft(ctx, DraftRequest{
			DocumentID: doc.ID, SignerID: uuid.New(), Position: testPosition, ImageRef: image,
		})
		assert.ErrorIs(t, err, ErrForbidden)
	})

	t.Run("invalid position", func(t *testing.T) {
		bad := testPosition
		bad.Width = 0
		_, err := h.svc.SaveDraft(ctx, DraftRequest{DocumentID: doc.ID, SignerID: owner, Position: bad, ImageRef: image})
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("update position and delete", func(t *testing.T) {
		updated, err := h.svc.UpdateDraftPosition(ctx, draft.ID, owner, testPosition)
		require.NoError(t, err)
		assert.InDelta(t, testPosition.X, updated.PositionX, 1e-9)

		assert.ErrorIs(t, h.svc.DeleteDraft(ctx, draft.ID, uuid.New()), ErrForbidden)
		require.NoError(t, h.svc.DeleteDraft(ctx, draft.ID, owner))
		_, err = h.repo.GetSignatureByID(ctx, draft.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestSealPersonal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	doc, result := h.sealPersonal(t, false)

	assert.Equal(t, StatusCompleted, result.Document.Status)
	assert.Empty(t, result.AccessCode)
	require.True(t, result.Version.IsSealed())
	assert.Equal(t, *doc.CurrentVersionID, *result.Version.DerivedFromID)

	stored, err := h.repo.GetDocumentByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, result.Version.ID, *stored.CurrentVersionID)
	signed := h.signedFile(t, stored)
	assert.Equal(t, HashBytes(signed), *result.Version.SignedHash)

	sigs, err := h.repo.ListSignaturesByVersion(ctx, *doc.CurrentVersionID, SignatureFinal)
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.NotNil(t, sigs[0].SignedAt)

	url, err := h.svc.SignedFileURL(ctx, doc.ID)
	require.NoError(t, err)
	assert.Contains(t, url, "memory://documents/")

	t.Run("sealing again returns the sealed version", func(t *testing.T) {
		again, err := h.svc.SealPersonal(ctx, PersonalSealRequest{DocumentID: doc.ID, OwnerID: doc.OwnerID})
		require.NoError(t, err)
		assert.Equal(t, result.Version.ID, again.Version.ID)
	})

	t.Run("drafts are refused on a sealed version", func(t *testing.T) {
		_, err := h.svc.SaveDraft(ctx, DraftRequest{
			DocumentID: doc.ID, SignerID: doc.OwnerID, Position: testPosition, ImageRef: h.signatureImage(t),
		})
		assert.ErrorIs(t, err, ErrValidation)
	})

	h.svc.Wait()
	assert.Contains(t, h.notifier.Types(), notifications.EventSealed)
}

func TestSealPersonal_MissingCredentials(t *testing.T) {
	h := newHarness(t, func(c *SealerConfig) { c.Credentials.Passphrase = "" })
	ctx := context.Background()
	owner := uuid.New()
	doc := h.upload(t, owner, nil)

	_, err := h.svc.SaveDraft(ctx, DraftRequest{
		DocumentID: doc.ID, SignerID: owner, Position: testPosition, ImageRef: h.signatureImage(t),
	})
	require.NoError(t, err)
	stored := h.blobs.Len()

	_, err = h.svc.SealPersonal(ctx, PersonalSealRequest{DocumentID: doc.ID, OwnerID: owner})
	assert.ErrorIs(t, err, ErrConfiguration)
	assert.Equal(t, stored, h.blobs.Len())

	current, err := h.repo.GetDocumentByID(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, current.Status)
	assert.Nil(t, current.SignedFileRef)
}

func TestSealPersonal_MissingImageIsSkipped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := uuid.New()
	doc := h.upload(t, owner, nil)

	_, err := h.svc.SaveDraft(ctx, DraftRequest{
		DocumentID: doc.ID, SignerID: owner, Position: testPosition, ImageRef: "signatures/missing.png",
	})
	require.NoError(t, err)

	// The verification QR mark is still drawn, so sealing succeeds.
	result, err := h.svc.SealPersonal(ctx, PersonalSealRequest{DocumentID: doc.ID, OwnerID: owner})
	require.NoError(t, err)
	assert.True(t, result.Version.IsSealed())
}
