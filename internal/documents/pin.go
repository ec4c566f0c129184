package documents

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"
)

// maxPINLength bounds access code input.
const maxPINLength = 32

// unlockTokens issues proofs that an access code was presented. Each token is
// bound to one version and its current access code.
type unlockTokens struct {
	secret []byte
	ttl    time.Duration
}

func newUnlockTokens(secret string, ttl time.Duration) *unlockTokens {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &unlockTokens{secret: []byte(secret), ttl: ttl}
}

func (t *unlockTokens) key(v *DocumentVersion) ([]byte, error) {
	if len(t.secret) == 0 {
		return nil, fmt.Errorf("%w: unlock token secret is empty", ErrConfiguration)
	}
	code := ""
	if v.AccessCode != nil {
		code = *v.AccessCode
	}
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, t.secret, v.ID[:], []byte(code)), key); err != nil {
		return nil, fmt.Errorf("failed to derive unlock key: %w", err)
	}
	return key, nil
}

func (t *unlockTokens) issue(v *DocumentVersion, now time.Time) (string, time.Time, error) {
	key, err := t.key(v)
	if err != nil {
		return "", time.Time{}, err
	}
	expires := now.Add(t.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   v.ID.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
		ID:        uuid.NewString(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign unlock token: %w", err)
	}
	return signed, expires, nil
}

func (t *unlockTokens) valid(token string, v *DocumentVersion, now time.Time) bool {
	if token == "" {
		return false
	}
	key, err := t.key(v)
	if err != nil {
		return false
	}
	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithSubject(v.ID.String()),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	return err == nil && parsed.Valid
}

// UnlockRequest presents an access code for a PIN protected version.
type UnlockRequest struct {
	VersionID uuid.UUID
	PIN       string
	Meta      RequestMeta
}

// Unlock checks an access code. A wrong or empty code counts as a failed
// attempt; the last allowed failure locks the version for the lockout period.
// A correct code returns an unlock token and signer records with identifying
// fields withheld until the file is uploaded for verification.
func (s *Service) Unlock(ctx context.Context, req UnlockRequest) (*UnlockResponse, error) {
	if len(req.PIN) > maxPINLength {
		return nil, validationError("access code is too long")
	}

	version, err := s.repo.GetVersionByID(ctx, req.VersionID)
	if err != nil {
		return nil, err
	}
	if !version.IsPINProtected() {
		return nil, validationError("version is not protected by an access code")
	}

	now := s.now()
	if lockErr := lockoutFor(version, now); lockErr != nil {
		s.audit(ActionUnlockFailed, nil, version.DocumentID, "access code rejected while locked", req.Meta, nil)
		return nil, lockErr
	}

	if req.PIN == "" || subtle.ConstantTimeCompare([]byte(req.PIN), []byte(*version.AccessCode)) != 1 {
		updated, err := s.repo.RecordFailedPINAttempt(ctx, version.ID, s.config.MaxPINAttempts, s.config.LockoutPeriod, now)
		if err != nil {
			return nil, err
		}
		s.audit(ActionUnlockFailed, nil, version.DocumentID, "incorrect access code", req.Meta,
			map[string]interface{}{"version_id": version.ID.String(), "retry_count": updated.RetryCount})

		if lockErr := lockoutFor(updated, now); lockErr != nil {
			s.logger.Warn("Version locked after failed access code attempts",
				zap.String("version_id", version.ID.String()),
				zap.Time("locked_until", *updated.LockedUntil))
			return nil, lockErr
		}
		return nil, &PINMismatchError{RemainingAttempts: s.config.MaxPINAttempts - updated.RetryCount}
	}

	reset, err := s.repo.ResetPINAttempts(ctx, version.ID, now)
	if err != nil {
		return nil, err
	}
	if !reset {
		current, err := s.repo.GetVersionByID(ctx, version.ID)
		if err != nil {
			return nil, err
		}
		if lockErr := lockoutFor(current, now); lockErr != nil {
			return nil, lockErr
		}
		return nil, fmt.Errorf("failed to reset access code attempts: %w", errConcurrentUpdate)
	}

	token, expires, err := s.tokens.issue(version, now)
	if err != nil {
		return nil, err
	}

	doc, err := s.repo.GetDocumentByID(ctx, version.DocumentID)
	if err != nil {
		return nil, err
	}
	owner, signers, err := s.disclose(ctx, doc, version, false)
	if err != nil {
		return nil, err
	}

	s.audit(ActionUnlock, nil, version.DocumentID, "access code accepted", req.Meta,
		map[string]interface{}{"version_id": version.ID.String()})

	return &UnlockResponse{
		DocumentID:    version.DocumentID,
		VersionID:     version.ID,
		RequireUpload: true,
		UnlockToken:   token,
		ExpiresAt:     expires,
		Owner:         owner,
		Signers:       signers,
	}, nil
}

// VerifyUploadRequest submits a file for verification against a version.
type VerifyUploadRequest struct {
	VersionID   uuid.UUID
	UnlockToken string
	File        []byte
	Meta        RequestMeta
}

// VerifyUploadedFile verifies a candidate file and, when it matches, discloses
// the signers. PIN protected versions answer LOCKED unless a valid unlock
// token from Unlock is presented.
func (s *Service) VerifyUploadedFile(ctx context.Context, req VerifyUploadRequest) (*VerificationResult, error) {
	version, err := s.repo.GetVersionByID(ctx, req.VersionID)
	if err != nil {
		return nil, err
	}

	if version.IsPINProtected() && !s.tokens.valid(req.UnlockToken, version, s.now()) {
		s.audit(ActionVerify, nil, version.DocumentID, "upload verification refused without unlock", req.Meta, nil)
		return lockedResult(version), nil
	}

	result, err := s.verifyCandidate(ctx, version, req.File)
	if err != nil {
		return nil, err
	}

	if result.Status == VerificationValid {
		doc, err := s.repo.GetDocumentByID(ctx, version.DocumentID)
		if err != nil {
			return nil, err
		}
		owner, signers, err := s.disclose(ctx, doc, version, true)
		if err != nil {
			return nil, err
		}
		result.Owner = &owner
		result.Signers = signers
	}

	s.audit(ActionVerify, nil, version.DocumentID, "uploaded file verified", req.Meta,
		map[string]interface{}{"version_id": version.ID.String(), "status": string(result.Status)})
	return result, nil
}

func lockoutFor(v *DocumentVersion, now time.Time) error {
	if v.LockedUntil == nil || !v.LockedUntil.After(now) {
		return nil
	}
	return &LockoutError{Until: *v.LockedUntil, Remaining: v.LockedUntil.Sub(now)}
}

// disclose builds the owner record and one record per final signer of the
// version. With full false every identifying field is nil.
func (s *Service) disclose(ctx context.Context, doc *Document, version *DocumentVersion, full bool) (SignerDisclosure, []SignerDisclosure, error) {
	sigs, err := s.signersForDisclosure(ctx, version)
	if err != nil {
		return SignerDisclosure{}, nil, err
	}

	if !full {
		return SignerDisclosure{}, make([]SignerDisclosure, len(sigs)), nil
	}

	ids := []uuid.UUID{doc.OwnerID}
	for _, sig := range sigs {
		ids = append(ids, sig.SignerID)
	}
	users, err := s.repo.GetUserProfiles(ctx, ids)
	if err != nil {
		return SignerDisclosure{}, nil, fmt.Errorf("failed to load signer profiles: %w", err)
	}
	byID := make(map[uuid.UUID]UserProfile, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}

	identify := func(id uuid.UUID) SignerDisclosure {
		d := SignerDisclosure{UserID: &id}
		if u, ok := byID[id]; ok {
			name, email := u.Name, u.Email
			d.Name, d.Email = &name, &email
		}
		return d
	}

	owner := identify(doc.OwnerID)
	signers := make([]SignerDisclosure, 0, len(sigs))
	for _, sig := range sigs {
		d := identify(sig.SignerID)
		ip := sig.IPAddress
		d.IPAddress = &ip
		d.SignedAt = sig.SignedAt
		signers = append(signers, d)
	}
	return owner, signers, nil
}

// signersForDisclosure returns the signers of a version. A sealed version
// answers from the snapshot taken when it was sealed; later rollbacks and
// signing rounds do not change it.
func (s *Service) signersForDisclosure(ctx context.Context, version *DocumentVersion) ([]SealedSigner, error) {
	if version.IsSealed() {
		return version.Signers()
	}
	sigs, err := s.repo.ListSignaturesByVersion(ctx, version.ID, SignatureFinal)
	if err != nil {
		return nil, fmt.Errorf("failed to list signatures: %w", err)
	}
	signers := make([]SealedSigner, 0, len(sigs))
	for _, sig := range sigs {
		signers = append(signers, sealedSigner(sig))
	}
	return signers, nil
}
