package pdf

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"

	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

// incrementalUpdate appends new and replaced objects to an existing PDF
// followed by an xref section chained to the previous one via /Prev.
type incrementalUpdate struct {
	base    []byte
	doc     *document
	nextObj int
	objects map[int]pendingObject
}

type pendingObject struct {
	gen  int
	body []byte
}

func newIncrementalUpdate(doc *document) *incrementalUpdate {
	return &incrementalUpdate{
		base:    doc.data,
		doc:     doc,
		nextObj: doc.size(),
		objects: map[int]pendingObject{},
	}
}

// add reserves an object number for body and returns a reference to it.
func (u *incrementalUpdate) add(body string) types.IndirectRef {
	nr := u.nextObj
	u.nextObj++
	u.objects[nr] = pendingObject{body: []byte(body)}
	return *types.NewIndirectRef(nr, 0)
}

// addObject adds obj, encrypting its strings when the document is encrypted.
func (u *incrementalUpdate) addObject(obj types.Object) (types.IndirectRef, error) {
	nr := u.nextObj
	body, err := u.encode(obj, nr, 0)
	if err != nil {
		return types.IndirectRef{}, err
	}
	u.nextObj++
	u.objects[nr] = pendingObject{body: []byte(body)}
	return *types.NewIndirectRef(nr, 0), nil
}

// replaceObject overrides an existing object with obj, encrypting its strings
// when the document is encrypted.
func (u *incrementalUpdate) replaceObject(ref types.IndirectRef, obj types.Object) error {
	body, err := u.encode(obj, ref.ObjectNumber.Value(), ref.GenerationNumber.Value())
	if err != nil {
		return err
	}
	u.replace(ref, body)
	return nil
}

// encode serializes obj. pdfcpu hands out decrypted objects, so strings of
// objects written back into an encrypted file are encrypted with the file key.
func (u *incrementalUpdate) encode(obj types.Object, nr, gen int) (string, error) {
	ctx := u.doc.ctx
	if ctx.EncKey == nil || ctx.E == nil {
		return obj.PDFString(), nil
	}
	clone := obj.Clone()
	encrypted, err := model.EncryptDeepObject(clone, nr, gen, ctx.EncKey, ctx.AES4Strings, ctx.E.R)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt object %d: %w", nr, err)
	}
	if encrypted != nil {
		clone = encrypted
	}
	return clone.PDFString(), nil
}

// addStream adds a stream object. Only used on unencrypted documents. dict must not contain /Length.
func (u *incrementalUpdate) addStream(dict types.Dict, data []byte) types.IndirectRef {
	d := cloneDict(dict)
	d["Length"] = types.Integer(len(data))

	var buf bytes.Buffer
	buf.WriteString(d.PDFString())
	buf.WriteString("\nstream\n")
	buf.Write(data)
	buf.WriteString("\nendstream")
	return u.add(buf.String())
}

// replace overrides an existing object. Generation numbers are kept.
func (u *incrementalUpdate) replace(ref types.IndirectRef, body string) {
	u.objects[ref.ObjectNumber.Value()] = pendingObject{gen: ref.GenerationNumber.Value(), body: []byte(body)}
}

// bytes serializes the base document plus the update.
func (u *incrementalUpdate) bytes() ([]byte, error) {
	prev, err := lastStartXRef(u.base)
	if err != nil {
		return nil, err
	}

	var out bytes.Buffer
	out.Grow(len(u.base) + 4096)
	out.Write(u.base)
	if len(u.base) > 0 && u.base[len(u.base)-1] != '\n' {
		out.WriteByte('\n')
	}

	numbers := make([]int, 0, len(u.objects))
	for nr := range u.objects {
		numbers = append(numbers, nr)
	}
	sort.Ints(numbers)

	offsets := make(map[int]int, len(numbers))
	for _, nr := range numbers {
		offsets[nr] = out.Len()
		obj := u.objects[nr]
		fmt.Fprintf(&out, "%d %d obj\n", nr, obj.gen)
		out.Write(obj.body)
		out.WriteString("\nendobj\n")
	}

	xrefOffset := out.Len()
	out.WriteString("xref\n")
	for _, nr := range numbers {
		fmt.Fprintf(&out, "%d 1\n%010d %05d n \n", nr, offsets[nr], u.objects[nr].gen)
	}

	trailer := u.doc.trailerEntries()
	size := u.nextObj
	if s := u.doc.size(); s > size {
		size = s
	}
	trailer["Size"] = types.Integer(size)
	trailer["Prev"] = types.Integer(prev)

	out.WriteString("trailer\n")
	out.WriteString(trailer.PDFString())
	fmt.Fprintf(&out, "\nstartxref\n%d\n%%%%EOF\n", xrefOffset)

	return out.Bytes(), nil
}

// lastStartXRef returns the offset recorded after the last startxref keyword.
func lastStartXRef(data []byte) (int, error) {
	idx := bytes.LastIndex(data, []byte("startxref"))
	if idx < 0 {
		return 0, fmt.Errorf("%w: startxref not found", ErrMalformed)
	}
	rest := bytes.TrimLeft(data[idx+len("startxref"):], " \r\n\t")
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, fmt.Errorf("%w: invalid startxref", ErrMalformed)
	}
	return strconv.Atoi(string(rest[:end]))
}
