package pdf

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

// DefaultSignatureReserve is the number of bytes reserved for the detached signature.
const DefaultSignatureReserve = 8192

const byteRangePlaceholder = "/ByteRange [0 0000000000 0000000000 0000000000]"

var (
	// ErrMissingOwnerPassword is returned by Lock when no owner password is configured.
	ErrMissingOwnerPassword = errors.New("owner password is not configured")
	// ErrSignatureTooLarge is returned when the signature does not fit the reserved space.
	ErrSignatureTooLarge = errors.New("signature exceeds reserved placeholder space")
	// ErrNoSignature is returned by ExtractSignature for documents without a byte-range signature.
	ErrNoSignature = errors.New("document carries no byte-range signature")
)

// DetachedSigner produces a detached signature block over content.
type DetachedSigner interface {
	SignDetached(content []byte) ([]byte, error)
}

// Locked is a document whose permissions forbid modification, copying and
// form filling. It can only be produced by Lock.
type Locked struct {
	data          []byte
	ownerPassword string
}

// Bytes returns the serialized locked document.
func (l *Locked) Bytes() []byte { return l.data }

// Placeholdered is a locked document carrying an empty signature field whose
// byte range is already fixed. It can only be produced by Locked.Placeholder.
type Placeholdered struct {
	data          []byte
	contentsStart int
	contentsEnd   int
}

// ByteRange returns the two signed ranges as [start1, len1, start2, len2].
func (p *Placeholdered) ByteRange() [4]int {
	return [4]int{0, p.contentsStart, p.contentsEnd, len(p.data) - p.contentsEnd}
}

// SignedContent returns the bytes covered by the byte range.
func (p *Placeholdered) SignedContent() []byte {
	out := make([]byte, 0, len(p.data)-(p.contentsEnd-p.contentsStart))
	out = append(out, p.data[:p.contentsStart]...)
	return append(out, p.data[p.contentsEnd:]...)
}

// Sealed is a locked document with an embedded detached signature.
type Sealed struct {
	data []byte
}

// Bytes returns the sealed artifact.
func (s *Sealed) Bytes() []byte { return s.data }

// Lock encrypts the composition with an empty user password and the given
// owner password, allowing printing only.
func Lock(c *Composition, ownerPassword string) (*Locked, error) {
	if c == nil || len(c.data) == 0 {
		return nil, ErrNothingToStamp
	}
	return lockBytes(c.data, ownerPassword)
}

// LockDocument locks an unstamped document.
func LockDocument(src []byte, ownerPassword string) (*Locked, error) {
	encrypted, err := IsEncrypted(src)
	if err != nil {
		return nil, err
	}
	if encrypted {
		return nil, ErrSourceEncrypted
	}
	return lockBytes(src, ownerPassword)
}

func lockBytes(src []byte, ownerPassword string) (*Locked, error) {
	if ownerPassword == "" {
		return nil, ErrMissingOwnerPassword
	}

	conf := model.NewAESConfiguration("", ownerPassword, 256)
	conf.Permissions = model.PermissionsPrint
	conf.ValidationMode = model.ValidationRelaxed
	conf.WriteObjectStream = false
	conf.WriteXRefStream = false

	var out bytes.Buffer
	if err := api.Encrypt(bytes.NewReader(src), &out, conf); err != nil {
		return nil, fmt.Errorf("failed to apply permissions: %w", err)
	}
	return &Locked{data: out.Bytes(), ownerPassword: ownerPassword}, nil
}

// PlaceholderOptions configures the signature field.
type PlaceholderOptions struct {
	// Reserve is the signature size in bytes; DefaultSignatureReserve when zero.
	Reserve int
	// FieldName names the signature form field.
	FieldName string
}

// Placeholder appends an invisible signature widget on the last page and a
// signature dictionary whose /Contents reserves space for the signature.
func (l *Locked) Placeholder(opts PlaceholderOptions) (*Placeholdered, error) {
	reserve := opts.Reserve
	if reserve <= 0 {
		reserve = DefaultSignatureReserve
	}
	field := opts.FieldName
	if field == "" {
		field = "Signature1"
	}

	doc, err := openDocument(l.data, l.ownerPassword)
	if err != nil {
		return nil, err
	}
	cat, rootRef, err := doc.catalog()
	if err != nil {
		return nil, err
	}
	last, err := doc.page(doc.pageCount)
	if err != nil {
		return nil, err
	}

	u := newIncrementalUpdate(doc)

	// The signature dictionary holds no strings besides /Contents, which
	// stays unencrypted in an encrypted file.
	sig := u.add(strings.Join([]string{
		"<<",
		"/Type /Sig",
		"/Filter /Adobe.PPKLite",
		"/SubFilter /adbe.pkcs7.detached",
		byteRangePlaceholder,
		"/Contents <" + strings.Repeat("0", reserve*2) + ">",
		">>",
	}, "\n"))

	widget, err := u.addObject(types.Dict{
		"Type":    types.Name("Annot"),
		"Subtype": types.Name("Widget"),
		"FT":      types.Name("Sig"),
		"Rect":    types.Array{types.Integer(0), types.Integer(0), types.Integer(0), types.Integer(0)},
		"V":       sig,
		"T":       types.StringLiteral(field),
		"F":       types.Integer(132),
		"P":       *last.ref,
	})
	if err != nil {
		return nil, err
	}

	fields := types.Array{widget}
	if obj, ok := cat.Find("AcroForm"); ok {
		form, err := doc.dereferenceDict(obj)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve acroform: %w", err)
		}
		if existing, ok := form.Find("Fields"); ok {
			resolved, err := doc.ctx.DereferenceArray(existing)
			if err != nil {
				return nil, fmt.Errorf("failed to resolve acroform fields: %w", err)
			}
			fields = append(append(types.Array{}, resolved...), widget)
		}
	}
	acroForm, err := u.addObject(types.Dict{
		"Fields":   fields,
		"SigFlags": types.Integer(3),
	})
	if err != nil {
		return nil, err
	}

	newCat := cloneDict(cat)
	newCat["AcroForm"] = acroForm
	if err := u.replaceObject(*rootRef, newCat); err != nil {
		return nil, err
	}

	annots := types.Array{}
	if obj, ok := last.dict.Find("Annots"); ok {
		resolved, err := doc.ctx.DereferenceArray(obj)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve annotations: %w", err)
		}
		annots = append(annots, resolved...)
	}
	annots = append(annots, widget)
	pageDict := cloneDict(last.dict)
	pageDict["Annots"] = annots
	if err := u.replaceObject(*last.ref, pageDict); err != nil {
		return nil, err
	}

	out, err := u.bytes()
	if err != nil {
		return nil, err
	}

	rangeAt := bytes.LastIndex(out, []byte(byteRangePlaceholder))
	contentsAt := bytes.LastIndex(out, []byte("/Contents <"+strings.Repeat("0", 16)))
	if rangeAt < 0 || contentsAt < 0 {
		return nil, fmt.Errorf("%w: signature placeholder not found", ErrMalformed)
	}
	start := contentsAt + len("/Contents ")
	end := start + reserve*2 + 2

	p := &Placeholdered{data: out, contentsStart: start, contentsEnd: end}
	br := p.ByteRange()
	value := fmt.Sprintf("/ByteRange [%d %d %d %d]", br[0], br[1], br[2], br[3])
	if len(value) > len(byteRangePlaceholder) {
		return nil, fmt.Errorf("%w: byte range does not fit placeholder", ErrMalformed)
	}
	value += strings.Repeat(" ", len(byteRangePlaceholder)-len(value))
	copy(out[rangeAt:], value)

	return p, nil
}

// Seal signs the byte range with signer and splices the signature into the
// reserved /Contents. The placeholdered document is not modified.
func (p *Placeholdered) Seal(signer DetachedSigner) (*Sealed, error) {
	sig, err := signer.SignDetached(p.SignedContent())
	if err != nil {
		return nil, err
	}

	encoded := strings.ToUpper(hex.EncodeToString(sig))
	capacity := p.contentsEnd - p.contentsStart - 2
	if len(encoded) > capacity {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrSignatureTooLarge, len(sig), capacity/2)
	}

	out := append([]byte(nil), p.data...)
	copy(out[p.contentsStart+1:], encoded)
	return &Sealed{data: out}, nil
}

// ExtractSignature locates the last signature dictionary in data and returns
// the signed content and the raw signature bytes.
func ExtractSignature(data []byte) (content, signature []byte, err error) {
	idx := bytes.LastIndex(data, []byte("/ByteRange"))
	if idx < 0 {
		return nil, nil, ErrNoSignature
	}
	open := bytes.IndexByte(data[idx:], '[')
	closing := bytes.IndexByte(data[idx:], ']')
	if open < 0 || closing < open {
		return nil, nil, fmt.Errorf("%w: invalid byte range", ErrMalformed)
	}

	fields := strings.Fields(string(data[idx+open+1 : idx+closing]))
	if len(fields) != 4 {
		return nil, nil, fmt.Errorf("%w: invalid byte range", ErrMalformed)
	}
	var br [4]int
	for i, f := range fields {
		if br[i], err = strconv.Atoi(f); err != nil {
			return nil, nil, fmt.Errorf("%w: invalid byte range: %v", ErrMalformed, err)
		}
	}
	if br[0] != 0 || br[1] <= 0 || br[2] <= br[1] || br[2]+br[3] != len(data) {
		return nil, nil, fmt.Errorf("%w: byte range does not cover the document", ErrMalformed)
	}

	raw := data[br[1]+1 : br[2]-1]
	decoded := make([]byte, hex.DecodedLen(len(raw)))
	if _, err := hex.Decode(decoded, raw); err != nil {
		return nil, nil, fmt.Errorf("%w: invalid signature contents: %v", ErrMalformed, err)
	}
	n, err := derLength(decoded)
	if err != nil {
		return nil, nil, err
	}
	signature = decoded[:n]

	content = make([]byte, 0, br[1]+br[3])
	content = append(content, data[:br[1]]...)
	content = append(content, data[br[2]:br[2]+br[3]]...)
	return content, signature, nil
}

// derLength returns the encoded length of the DER element at the start of b,
// so zero padding after the signature is ignored.
func derLength(b []byte) (int, error) {
	if len(b) < 2 || b[0] == 0 {
		return 0, ErrNoSignature
	}
	l := int(b[1])
	if l < 0x80 {
		if 2+l > len(b) {
			return 0, fmt.Errorf("%w: truncated signature", ErrMalformed)
		}
		return 2 + l, nil
	}
	octets := l & 0x7f
	if octets == 0 || octets > 4 || 2+octets > len(b) {
		return 0, fmt.Errorf("%w: unsupported signature length encoding", ErrMalformed)
	}
	l = 0
	for _, c := range b[2 : 2+octets] {
		l = l<<8 | int(c)
	}
	total := 2 + octets + l
	if total > len(b) {
		return 0, fmt.Errorf("%w: truncated signature", ErrMalformed)
	}
	return total, nil
}
