package pdf

import (
	"bytes"
	"testing"

	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signdesk/portal-backend/pkg/pdf/pdftest"
)

// fakeSigner returns a fixed DER sequence and records what it signed.
type fakeSigner struct {
	signature []byte
	signed    []byte
}

func (f *fakeSigner) SignDetached(content []byte) ([]byte, error) {
	f.signed = append([]byte(nil), content...)
	return f.signature, nil
}

func composed(t *testing.T) *Composition {
	t.Helper()
	comp, err := Compose(pdftest.Document(t, 2), []Placement{{
		Page: 2, X: 0.6, Y: 0.8, Width: 0.3, Height: 0.1, Image: pdftest.PNG(t, 120, 40, true),
	}}, nil, nil)
	require.NoError(t, err)
	return comp
}

func TestSealPipeline(t *testing.T) {
	locked, err := Lock(composed(t), "owner-secret")
	require.NoError(t, err)

	placeholdered, err := locked.Placeholder(PlaceholderOptions{})
	require.NoError(t, err)

	data := placeholdered.data
	br := placeholdered.ByteRange()
	assert.Equal(t, 0, br[0])
	assert.Equal(t, len(data), br[2]+br[3])
	assert.Equal(t, byte('<'), data[br[1]])
	assert.Equal(t, byte('>'), data[br[2]-1])
	assert.Equal(t, DefaultSignatureReserve*2+2, br[2]-br[1])
	assert.Contains(t, string(data), "/SubFilter /adbe.pkcs7.detached")
	assert.Contains(t, string(data), "/SigFlags 3")

	signer := &fakeSigner{signature: []byte{0x30, 0x03, 0x02, 0x01, 0x05}}
	sealed, err := placeholdered.Seal(signer)
	require.NoError(t, err)
	assert.Equal(t, len(data), len(sealed.Bytes()))
	assert.Equal(t, placeholdered.SignedContent(), signer.signed)

	content, sig, err := ExtractSignature(sealed.Bytes())
	require.NoError(t, err)
	assert.Equal(t, signer.signature, sig)
	assert.True(t, bytes.Equal(signer.signed, content))

	encrypted, err := IsEncrypted(sealed.Bytes())
	require.NoError(t, err)
	assert.True(t, encrypted)
}

func TestPlaceholder_EncryptsFieldStrings(t *testing.T) {
	locked, err := Lock(composed(t), "owner-secret")
	require.NoError(t, err)
	placeholdered, err := locked.Placeholder(PlaceholderOptions{FieldName: "ApprovalSeal"})
	require.NoError(t, err)

	assert.NotContains(t, string(placeholdered.data), "(ApprovalSeal)")

	doc, err := openDocument(placeholdered.data, "owner-secret")
	require.NoError(t, err)
	cat, _, err := doc.catalog()
	require.NoError(t, err)
	form, err := doc.dereferenceDict(cat["AcroForm"])
	require.NoError(t, err)
	require.NotNil(t, form)
	fields, err := doc.ctx.DereferenceArray(form["Fields"])
	require.NoError(t, err)
	require.NotEmpty(t, fields)

	widget, err := doc.dereferenceDict(fields[len(fields)-1])
	require.NoError(t, err)
	name, ok := widget["T"].(types.StringLiteral)
	require.True(t, ok)
	assert.Equal(t, "ApprovalSeal", name.Value())
}

func TestLock_MissingOwnerPassword(t *testing.T) {
	_, err := Lock(composed(t), "")
	assert.ErrorIs(t, err, ErrMissingOwnerPassword)
}

func TestSeal_SignatureTooLarge(t *testing.T) {
	locked, err := Lock(composed(t), "owner-secret")
	require.NoError(t, err)
	placeholdered, err := locked.Placeholder(PlaceholderOptions{Reserve: 16})
	require.NoError(t, err)

	_, err = placeholdered.Seal(&fakeSigner{signature: make([]byte, 64)})
	assert.ErrorIs(t, err, ErrSignatureTooLarge)
}

func TestExtractSignature_Unsigned(t *testing.T) {
	_, _, err := ExtractSignature(pdftest.Document(t, 1))
	assert.ErrorIs(t, err, ErrNoSignature)
}
