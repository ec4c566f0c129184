package documents

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func seedVersion(t *testing.T, repo Repository) (*Document, *DocumentVersion) {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	group := uuid.New()
	doc := &Document{ID: uuid.New(), Title: "Deed", Status: StatusPending, GroupID: &group, OwnerID: uuid.New(), CreatedAt: now, UpdatedAt: now}
	code := "123456"
	version := &DocumentVersion{ID: uuid.New(), DocumentID: doc.ID, StorageRef: "documents/x.pdf", AccessCode: &code, CreatedAt: now}
	doc.CurrentVersionID = &version.ID
	require.NoError(t, repo.CreateDocument(ctx, doc))
	require.NoError(t, repo.CreateVersion(ctx, version))
	return doc, version
}

func TestRepository_RecordFailedPINAttemptIsAtomic(t *testing.T) {
	repo := NewRepository(newTestDB(t))
	ctx := context.Background()
	_, version := seedVersion(t, repo)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.RecordFailedPINAttempt(ctx, version.ID, 100, time.Minute, now)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stored, err := repo.GetVersionByID(ctx, version.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, stored.RetryCount)
	assert.Nil(t, stored.LockedUntil)
}

// bumpLockVersion makes every update of a version row race with a concurrent
// writer: before the statement runs, lock_version is incremented behind the
// repository's back. It stops after limit bumps.
func bumpLockVersion(t *testing.T, db *gorm.DB, limit int) *int {
	t.Helper()
	bumps := 0
	err := db.Callback().Update().Before("gorm:update").Register("test:bump_lock_version", func(tx *gorm.DB) {
		if tx.Statement.Table != "document_versions" || bumps >= limit {
			return
		}
		bumps++
		require.NoError(t, db.Exec("UPDATE document_versions SET lock_version = lock_version + 1").Error)
	})
	require.NoError(t, err)
	return &bumps
}

func TestRepository_RecordFailedPINAttemptRetriesStaleRow(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()
	_, version := seedVersion(t, repo)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	bumps := bumpLockVersion(t, db, 1)
	updated, err := repo.RecordFailedPINAttempt(ctx, version.ID, 3, time.Minute, now)
	require.NoError(t, err)
	assert.Equal(t, 1, *bumps)
	assert.Equal(t, 1, updated.RetryCount)
	assert.Nil(t, updated.LockedUntil)

	stored, err := repo.GetVersionByID(ctx, version.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.RetryCount)
	assert.Equal(t, 2, stored.LockVersion)
}

func TestRepository_RecordFailedPINAttemptGivesUp(t *testing.T) {
	db := newTestDB(t)
	repo := NewRepository(db)
	ctx := context.Background()
	_, version := seedVersion(t, repo)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	bumps := bumpLockVersion(t, db, casRetries)
	_, err := repo.RecordFailedPINAttempt(ctx, version.ID, 3, time.Minute, now)
	assert.ErrorIs(t, err, errConcurrentUpdate)
	assert.Equal(t, casRetries, *bumps)

	stored, err := repo.GetVersionByID(ctx, version.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.RetryCount)
}

func TestRepository_PINLockAndReset(t *testing.T) {
	repo := NewRepository(newTestDB(t))
	ctx := context.Background()
	_, version := seedVersion(t, repo)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	v, err := repo.RecordFailedPINAttempt(ctx, version.ID, 2, time.Minute, now)
	require.NoError(t, err)
	assert.Nil(t, v.LockedUntil)

	v, err = repo.RecordFailedPINAttempt(ctx, version.ID, 2, time.Minute, now)
	require.NoError(t, err)
	require.NotNil(t, v.LockedUntil)
	assert.True(t, v.LockedUntil.Equal(now.Add(time.Minute)))

	v, err = repo.RecordFailedPINAttempt(ctx, version.ID, 2, time.Minute, now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 2, v.RetryCount)

	reset, err := repo.ResetPINAttempts(ctx, version.ID, now.Add(30*time.Second))
	require.NoError(t, err)
	assert.False(t, reset)

	reset, err = repo.ResetPINAttempts(ctx, version.ID, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.True(t, reset)

	stored, err := repo.GetVersionByID(ctx, version.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.RetryCount)
	assert.Nil(t, stored.LockedUntil)
}

func TestRepository_ClaimFinalization(t *testing.T) {
	repo := NewRepository(newTestDB(t))
	ctx := context.Background()
	doc, _ := seedVersion(t, repo)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	signer := uuid.New()

	require.NoError(t, repo.CreateAssignments(ctx, []GroupSignerAssignment{{
		ID: uuid.New(), DocumentID: doc.ID, UserID: signer, Status: AssignmentPending,
	}}))

	claimed, err := repo.ClaimFinalization(ctx, doc.ID, now)
	require.NoError(t, err)
	assert.False(t, claimed, "pending signer blocks the claim")

	flipped, err := repo.MarkAssignmentSigned(ctx, doc.ID, signer, uuid.New())
	require.NoError(t, err)
	assert.True(t, flipped)
	flipped, err = repo.MarkAssignmentSigned(ctx, doc.ID, signer, uuid.New())
	require.NoError(t, err)
	assert.False(t, flipped)

	claimed, err = repo.ClaimFinalization(ctx, doc.ID, now)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = repo.ClaimFinalization(ctx, doc.ID, now)
	require.NoError(t, err)
	assert.False(t, claimed, "claim succeeds once")

	require.NoError(t, repo.ReleaseFinalization(ctx, doc.ID))
	claimed, err = repo.ClaimFinalization(ctx, doc.ID, now)
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestRepository_CreateAssignmentsSkipsExisting(t *testing.T) {
	repo := NewRepository(newTestDB(t))
	ctx := context.Background()
	doc, _ := seedVersion(t, repo)
	signer := uuid.New()

	require.NoError(t, repo.CreateAssignments(ctx, []GroupSignerAssignment{{
		ID: uuid.New(), DocumentID: doc.ID, UserID: signer, Status: AssignmentPending,
	}}))
	_, err := repo.MarkAssignmentSigned(ctx, doc.ID, signer, uuid.New())
	require.NoError(t, err)

	require.NoError(t, repo.CreateAssignments(ctx, []GroupSignerAssignment{{
		ID: uuid.New(), DocumentID: doc.ID, UserID: signer, Status: AssignmentPending,
	}}))
	assignments, err := repo.ListAssignments(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, assignments, 1)
	assert.Equal(t, AssignmentSigned, assignments[0].Status)

	require.NoError(t, repo.ResetSigners(ctx, doc.ID))
	pending, err := repo.CountPendingSigners(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)
}

func TestRepository_OneDraftPerSigner(t *testing.T) {
	repo := NewRepository(newTestDB(t))
	ctx := context.Background()
	_, version := seedVersion(t, repo)
	signer := uuid.New()

	newDraft := func(status SignatureStatus) *SignatureRecord {
		return &SignatureRecord{ID: uuid.New(), DocumentVersionID: version.ID, SignerID: signer, Status: status, PageNumber: 1}
	}
	require.NoError(t, repo.CreateSignature(ctx, newDraft(SignatureDraft)))
	assert.Error(t, repo.CreateSignature(ctx, newDraft(SignatureDraft)))
	require.NoError(t, repo.CreateSignature(ctx, newDraft(SignatureFinal)))

	draft, err := repo.FindDraftBySignerAndVersion(ctx, signer, version.ID)
	require.NoError(t, err)
	require.NotNil(t, draft)

	none, err := repo.FindDraftBySignerAndVersion(ctx, uuid.New(), version.ID)
	require.NoError(t, err)
	assert.Nil(t, none)
}
