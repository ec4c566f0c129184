package documents

import (
	"errors"
	"fmt"
	"time"

	"signdesk/portal-backend/pkg/pdf"
	"signdesk/portal-backend/pkg/storage"
)

var (
	ErrValidation      = errors.New("validation error")
	ErrNotFound        = errors.New("not found")
	ErrForbidden       = errors.New("forbidden")
	ErrNotAssigned     = errors.New("signer is not assigned to this document")
	ErrAlreadySigned   = errors.New("signer has already signed this document")
	ErrSignatureFinal  = errors.New("signature is final and cannot be changed")
	ErrPendingSigners  = errors.New("document still has pending signers")
	ErrSourceEncrypted = pdf.ErrSourceEncrypted
	ErrConfiguration   = errors.New("signing is not configured")
	ErrSigning         = errors.New("signing failed")
	ErrStorage         = storage.ErrStorage
)

// LockoutError is returned while a version refuses PIN attempts.
type LockoutError struct {
	Until     time.Time
	Remaining time.Duration
}

func (e *LockoutError) Error() string {
	minutes := int(e.Remaining.Round(time.Minute) / time.Minute)
	if minutes < 1 {
		minutes = 1
	}
	return fmt.Sprintf("too many failed attempts, try again in %d minute(s)", minutes)
}

// PINMismatchError is returned for a wrong access code that did not trigger a lockout.
type PINMismatchError struct {
	RemainingAttempts int
}

func (e *PINMismatchError) Error() string {
	return fmt.Sprintf("incorrect access code, %d attempt(s) remaining", e.RemainingAttempts)
}

func validationError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
