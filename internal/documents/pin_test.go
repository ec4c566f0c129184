package documents

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnlock_LockoutAndReset(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, sealed := h.sealPersonal(t, true)
	require.Len(t, sealed.AccessCode, 6)
	versionID := sealed.Version.ID

	var mismatch *PINMismatchError
	_, err := h.svc.Unlock(ctx, UnlockRequest{VersionID: versionID, PIN: "wrong!"})
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, 2, mismatch.RemainingAttempts)

	_, err = h.svc.Unlock(ctx, UnlockRequest{VersionID: versionID, PIN: ""})
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, 1, mismatch.RemainingAttempts)

	var lockout *LockoutError
	_, err = h.svc.Unlock(ctx, UnlockRequest{VersionID: versionID, PIN: "wrong!"})
	require.ErrorAs(t, err, &lockout)
	assert.Greater(t, lockout.Remaining, 29*time.Minute)

	_, err = h.svc.Unlock(ctx, UnlockRequest{VersionID: versionID, PIN: sealed.AccessCode})
	require.ErrorAs(t, err, &lockout, "correct code is refused while locked")

	version, err := h.repo.GetVersionByID(ctx, versionID)
	require.NoError(t, err)
	assert.Equal(t, 3, version.RetryCount)

	h.clock.Advance(31 * time.Minute)

	resp, err := h.svc.Unlock(ctx, UnlockRequest{VersionID: versionID, PIN: sealed.AccessCode})
	require.NoError(t, err)
	assert.True(t, resp.RequireUpload)
	assert.NotEmpty(t, resp.UnlockToken)
	assert.Nil(t, resp.Owner.UserID)
	require.Len(t, resp.Signers, 1)
	assert.Nil(t, resp.Signers[0].UserID)
	assert.Nil(t, resp.Signers[0].IPAddress)

	version, err = h.repo.GetVersionByID(ctx, versionID)
	require.NoError(t, err)
	assert.Equal(t, 0, version.RetryCount)
	assert.Nil(t, version.LockedUntil)
}

func TestUnlock_ExpiredLockRelocksOnNextFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, sealed := h.sealPersonal(t, true)

	for i := 0; i < 3; i++ {
		_, _ = h.svc.Unlock(ctx, UnlockRequest{VersionID: sealed.Version.ID, PIN: "nope"})
	}
	h.clock.Advance(31 * time.Minute)

	var lockout *LockoutError
	_, err := h.svc.Unlock(ctx, UnlockRequest{VersionID: sealed.Version.ID, PIN: "nope"})
	assert.ErrorAs(t, err, &lockout)
}

func TestUnlock_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, open := h.sealPersonal(t, false)

	_, err := h.svc.Unlock(ctx, UnlockRequest{VersionID: open.Version.ID, PIN: "123456"})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = h.svc.Unlock(ctx, UnlockRequest{VersionID: open.Version.ID, PIN: string(make([]byte, maxPINLength+1))})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = h.svc.Unlock(ctx, UnlockRequest{VersionID: uuid.New(), PIN: "123456"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestVerifyUploadedFile_RequiresUnlock(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	doc, sealed := h.sealPersonal(t, true)
	file := h.signedFile(t, sealed.Document)

	result, err := h.svc.VerifyUploadedFile(ctx, VerifyUploadRequest{VersionID: sealed.Version.ID, File: file})
	require.NoError(t, err)
	assert.Equal(t, VerificationLocked, result.Status)
	assert.Nil(t, result.Owner)
	assert.Empty(t, result.Hash)

	resp, err := h.svc.Unlock(ctx, UnlockRequest{VersionID: sealed.Version.ID, PIN: sealed.AccessCode})
	require.NoError(t, err)

	result, err = h.svc.VerifyUploadedFile(ctx, VerifyUploadRequest{
		VersionID: sealed.Version.ID, UnlockToken: resp.UnlockToken, File: file,
	})
	require.NoError(t, err)
	assert.Equal(t, VerificationValid, result.Status)
	require.NotNil(t, result.Owner)
	assert.Equal(t, doc.OwnerID, *result.Owner.UserID)
	require.Len(t, result.Signers, 1)
	assert.Equal(t, doc.OwnerID, *result.Signers[0].UserID)
	assert.NotNil(t, result.Signers[0].SignedAt)

	t.Run("mismatching upload discloses nothing", func(t *testing.T) {
		tampered := append([]byte(nil), file...)
		tampered[len(tampered)/2] ^= 0x01
		result, err := h.svc.VerifyUploadedFile(ctx, VerifyUploadRequest{
			VersionID: sealed.Version.ID, UnlockToken: resp.UnlockToken, File: tampered,
		})
		require.NoError(t, err)
		assert.Equal(t, VerificationInvalid, result.Status)
		assert.Nil(t, result.Owner)
		assert.Empty(t, result.Signers)
	})

	t.Run("expired token is refused", func(t *testing.T) {
		h.clock.Advance(11 * time.Minute)
		result, err := h.svc.VerifyUploadedFile(ctx, VerifyUploadRequest{
			VersionID: sealed.Version.ID, UnlockToken: resp.UnlockToken, File: file,
		})
		require.NoError(t, err)
		assert.Equal(t, VerificationLocked, result.Status)
	})
}

func TestVerify_ProtectedVersionIsLocked(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	doc, sealed := h.sealPersonal(t, true)
	file := h.signedFile(t, sealed.Document)

	result, err := h.svc.VerifyDocument(ctx, doc.ID, file)
	require.NoError(t, err)
	assert.Equal(t, VerificationLocked, result.Status)
	assert.Empty(t, result.Hash)
	assert.Nil(t, result.Certificate)

	tampered := append([]byte(nil), file...)
	tampered[100] ^= 0x01
	result, err = h.svc.VerifyVersion(ctx, sealed.Version.ID, tampered)
	require.NoError(t, err)
	assert.Equal(t, VerificationLocked, result.Status)
	assert.Nil(t, result.Certificate)

	stored, err := h.repo.GetVersionByID(ctx, sealed.Version.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.RetryCount)
}

func TestUnlockTokens_BoundToVersion(t *testing.T) {
	tokens := newUnlockTokens("secret", time.Minute)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	code, other := "123456", "654321"
	v := &DocumentVersion{ID: uuid.New(), AccessCode: &code}

	token, expires, err := tokens.issue(v, now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Minute), expires)
	assert.True(t, tokens.valid(token, v, now.Add(30*time.Second)))

	assert.False(t, tokens.valid(token, v, now.Add(2*time.Minute)))
	assert.False(t, tokens.valid(token, &DocumentVersion{ID: uuid.New(), AccessCode: &code}, now))
	assert.False(t, tokens.valid(token, &DocumentVersion{ID: v.ID, AccessCode: &other}, now))
	assert.False(t, newUnlockTokens("another", time.Minute).valid(token, v, now))
	assert.False(t, tokens.valid("", v, now))

	_, _, err = newUnlockTokens("", time.Minute).issue(v, now)
	assert.ErrorIs(t, err, ErrConfiguration)
}
