package pdf

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

var (
	// ErrSourceEncrypted is returned when a source document is already password protected.
	ErrSourceEncrypted = errors.New("source document is encrypted")
	// ErrNothingToStamp is returned when no placement survived validation and no mark was requested.
	ErrNothingToStamp = errors.New("no valid placements to stamp")
	// ErrMalformed is returned for input that cannot be parsed as a PDF.
	ErrMalformed = errors.New("malformed pdf")
)

// page describes a single page as needed for drawing on it.
type page struct {
	number    int
	ref       *types.IndirectRef
	dict      types.Dict
	resources types.Dict
	contents  []types.Object
	llx, lly  float64
	width     float64
	height    float64
}

// document is the read-only view of a parsed PDF used to build incremental updates.
type document struct {
	data      []byte
	ctx       *model.Context
	pageCount int
	encrypted bool
}

func readConfiguration(ownerPassword string) *model.Configuration {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	conf.OwnerPW = ownerPassword
	return conf
}

// openDocument parses data with pdfcpu. Documents that can not be opened because
// they require a password are reported as ErrSourceEncrypted.
func openDocument(data []byte, ownerPassword string) (*document, error) {
	ctx, err := api.ReadContext(bytes.NewReader(data), readConfiguration(ownerPassword))
	if err != nil {
		if bytes.Contains(data, []byte("/Encrypt")) {
			return nil, ErrSourceEncrypted
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := ctx.EnsurePageCount(); err != nil {
		return nil, fmt.Errorf("%w: failed to count pages: %v", ErrMalformed, err)
	}

	return &document{
		data:      data,
		ctx:       ctx,
		pageCount: ctx.PageCount,
		encrypted: ctx.Encrypt != nil,
	}, nil
}

// PageCount returns the number of pages of a PDF.
func PageCount(data []byte) (int, error) {
	doc, err := openDocument(data, "")
	if err != nil {
		return 0, err
	}
	return doc.pageCount, nil
}

// IsEncrypted reports whether data carries an encryption dictionary.
func IsEncrypted(data []byte) (bool, error) {
	doc, err := openDocument(data, "")
	if errors.Is(err, ErrSourceEncrypted) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return doc.encrypted, nil
}

func (d *document) page(number int) (*page, error) {
	if number < 1 || number > d.pageCount {
		return nil, fmt.Errorf("page %d out of range 1..%d", number, d.pageCount)
	}

	dict, ref, inherited, err := d.ctx.PageDict(number, false)
	if err != nil {
		return nil, fmt.Errorf("failed to load page %d: %w", number, err)
	}
	if dict == nil || ref == nil {
		return nil, fmt.Errorf("page %d has no dictionary", number)
	}

	p := &page{number: number, ref: ref, dict: dict}

	if inherited != nil && inherited.MediaBox != nil {
		box := inherited.MediaBox
		p.llx, p.lly = box.LL.X, box.LL.Y
		p.width, p.height = box.Width(), box.Height()
	} else {
		dims, err := d.ctx.PageDims()
		if err != nil {
			return nil, fmt.Errorf("failed to read page dimensions: %w", err)
		}
		p.width, p.height = dims[number-1].Width, dims[number-1].Height
	}

	if obj, ok := dict.Find("Resources"); ok {
		res, err := d.ctx.DereferenceDict(obj)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve resources of page %d: %w", number, err)
		}
		p.resources = res
	} else if inherited != nil {
		p.resources = inherited.Resources
	}

	if obj, ok := dict.Find("Contents"); ok {
		contents, err := d.contentRefs(obj)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve contents of page %d: %w", number, err)
		}
		p.contents = contents
	}

	return p, nil
}

// contentRefs flattens a page /Contents entry into a list of stream references.
func (d *document) contentRefs(obj types.Object) ([]types.Object, error) {
	ref, isRef := obj.(types.IndirectRef)
	if !isRef {
		if ptr, ok := obj.(*types.IndirectRef); ok {
			ref, isRef = *ptr, true
		}
	}

	resolved, err := d.ctx.Dereference(obj)
	if err != nil {
		return nil, err
	}

	switch v := resolved.(type) {
	case types.Array:
		return append([]types.Object(nil), v...), nil
	case types.StreamDict:
		if isRef {
			return []types.Object{ref}, nil
		}
	}
	if isRef {
		return []types.Object{ref}, nil
	}
	return nil, fmt.Errorf("unexpected contents type %T", resolved)
}

// dereferenceDict resolves obj into a dictionary, tolerating nil.
func (d *document) dereferenceDict(obj types.Object) (types.Dict, error) {
	if obj == nil {
		return nil, nil
	}
	return d.ctx.DereferenceDict(obj)
}

func (d *document) catalog() (types.Dict, *types.IndirectRef, error) {
	root := d.ctx.Root
	if root == nil {
		return nil, nil, fmt.Errorf("%w: missing document catalog", ErrMalformed)
	}
	cat, err := d.ctx.Catalog()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load catalog: %w", err)
	}
	return cat, root, nil
}

// trailerEntries returns the entries an incremental update must repeat.
func (d *document) trailerEntries() types.Dict {
	entries := types.Dict{}
	if d.ctx.Root != nil {
		entries["Root"] = *d.ctx.Root
	}
	if d.ctx.Info != nil {
		entries["Info"] = *d.ctx.Info
	}
	if d.ctx.Encrypt != nil {
		entries["Encrypt"] = *d.ctx.Encrypt
	}
	if len(d.ctx.ID) > 0 {
		entries["ID"] = d.ctx.ID
	}
	return entries
}

func (d *document) size() int {
	if d.ctx.Size == nil {
		return 0
	}
	return *d.ctx.Size
}

func cloneDict(d types.Dict) types.Dict {
	out := types.Dict{}
	for k, v := range d {
		out[k] = v
	}
	return out
}
