package documents

import (
	"bytes"
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signdesk/portal-backend/pkg/pdf"
)

func TestCompletionCertificate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	doc, _ := h.sealPersonal(t, true)
	require.NoError(t, h.db.Create(&UserProfile{ID: doc.OwnerID, Name: "Ada Lovelace", Email: "ada@example.com"}).Error)

	data, err := h.svc.CompletionCertificate(ctx, doc.ID, doc.OwnerID)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("%PDF-")))
	pages, err := pdf.PageCount(data)
	require.NoError(t, err)
	assert.Equal(t, 1, pages)

	_, err = h.svc.CompletionCertificate(ctx, doc.ID, uuid.New())
	assert.ErrorIs(t, err, ErrForbidden)

	unsealed := h.upload(t, uuid.New(), nil)
	_, err = h.svc.CompletionCertificate(ctx, unsealed.ID, unsealed.OwnerID)
	assert.ErrorIs(t, err, ErrValidation)
}
