package pdf

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

// QR mark geometry in points, anchored to the bottom-right corner of the last page.
const (
	qrMarkSize   = 56.0
	qrMarkMargin = 24.0
)

// Placement positions an image on a page using page fractions with the
// origin at the top-left corner and Y growing downward.
type Placement struct {
	Page   int     `json:"page"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
	Image  []byte  `json:"-"`
}

// AuditMark requests a QR code pointing at a verification page.
type AuditMark struct {
	VerificationURL string
}

// QRGenerator renders a URL into an image.
type QRGenerator interface {
	ToImage(url string) ([]byte, error)
}

// SkippedPlacement records why a placement was not drawn.
type SkippedPlacement struct {
	Index  int
	Reason string
}

// Composition is a stamped, unsealed document.
type Composition struct {
	data    []byte
	Applied int
	Skipped []SkippedPlacement
	Drawn   []DrawnImage
}

// Bytes returns the composited document.
func (c *Composition) Bytes() []byte { return c.data }

// DrawnImage is the final rectangle an image was drawn into, in PDF user space.
type DrawnImage struct {
	Page   int
	X, Y   float64
	Width  float64
	Height float64
}

// FitBox fits an image of imgW x imgH inside a box of boxW x boxH, keeping the
// aspect ratio, and returns the drawn size and the padding that centers it.
func FitBox(imgW, imgH, boxW, boxH float64) (w, h, padX, padY float64) {
	ratio := imgW / imgH
	w, h = boxW, boxW/ratio
	if h > boxH {
		h = boxH
		w = boxH * ratio
	}
	return w, h, (boxW - w) / 2, (boxH - h) / 2
}

type stamp struct {
	image *decodedImage
	rect  DrawnImage
}

// Compose draws every valid placement, plus an optional QR audit mark on the
// last page, and returns the composited document. Invalid placements are
// skipped and reported in Composition.Skipped.
func Compose(src []byte, placements []Placement, mark *AuditMark, qr QRGenerator) (*Composition, error) {
	doc, err := openDocument(src, "")
	if err != nil {
		return nil, err
	}
	if doc.encrypted {
		return nil, ErrSourceEncrypted
	}

	comp := &Composition{}
	stamps := map[int][]stamp{}
	pages := map[int]*page{}

	loadPage := func(n int) (*page, error) {
		if p, ok := pages[n]; ok {
			return p, nil
		}
		p, err := doc.page(n)
		if err != nil {
			return nil, err
		}
		pages[n] = p
		return p, nil
	}

	for i, pl := range placements {
		skip := func(reason string) {
			comp.Skipped = append(comp.Skipped, SkippedPlacement{Index: i, Reason: reason})
		}

		switch {
		case len(pl.Image) == 0:
			skip("missing image")
			continue
		case pl.Width <= 0 || pl.Height <= 0:
			skip("missing or non-positive size")
			continue
		case pl.Page < 1 || pl.Page > doc.pageCount:
			skip(fmt.Sprintf("page %d out of range", pl.Page))
			continue
		}

		img, err := decodeImage(pl.Image)
		if err != nil {
			skip(err.Error())
			continue
		}
		p, err := loadPage(pl.Page)
		if err != nil {
			return nil, err
		}

		left, top := pl.X*p.width, pl.Y*p.height
		boxW, boxH := pl.Width*p.width, pl.Height*p.height
		w, h, padX, padY := FitBox(float64(img.width), float64(img.height), boxW, boxH)

		rect := DrawnImage{
			Page:   pl.Page,
			X:      p.llx + left + padX,
			Y:      p.lly + p.height - (top + padY + h),
			Width:  w,
			Height: h,
		}
		stamps[pl.Page] = append(stamps[pl.Page], stamp{image: img, rect: rect})
		comp.Applied++
	}

	if mark != nil && mark.VerificationURL != "" && qr != nil {
		raw, err := qr.ToImage(mark.VerificationURL)
		if err != nil {
			return nil, fmt.Errorf("failed to render verification qr: %w", err)
		}
		img, err := decodeImage(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to decode verification qr: %w", err)
		}
		last, err := loadPage(doc.pageCount)
		if err != nil {
			return nil, err
		}
		rect := DrawnImage{
			Page:   last.number,
			X:      last.llx + last.width - qrMarkMargin - qrMarkSize,
			Y:      last.lly + qrMarkMargin,
			Width:  qrMarkSize,
			Height: qrMarkSize,
		}
		stamps[last.number] = append(stamps[last.number], stamp{image: img, rect: rect})
	}

	if len(stamps) == 0 {
		return nil, ErrNothingToStamp
	}

	order := make([]int, 0, len(stamps))
	for n := range stamps {
		order = append(order, n)
	}
	sort.Ints(order)

	update := newIncrementalUpdate(doc)
	for _, n := range order {
		list := stamps[n]
		if err := drawStamps(doc, update, pages[n], list); err != nil {
			return nil, err
		}
		for _, s := range list {
			comp.Drawn = append(comp.Drawn, s.rect)
		}
	}

	out, err := update.bytes()
	if err != nil {
		return nil, err
	}
	comp.data = out
	return comp, nil
}

// drawStamps wraps the existing page content in q/Q and appends a content
// stream painting every stamp, then replaces the page dictionary.
func drawStamps(doc *document, u *incrementalUpdate, p *page, list []stamp) error {
	resources := cloneDict(p.resources)
	xobjects := types.Dict{}
	if obj, ok := resources.Find("XObject"); ok {
		existing, err := doc.dereferenceDict(obj)
		if err != nil {
			return fmt.Errorf("failed to resolve xobjects of page %d: %w", p.number, err)
		}
		xobjects = cloneDict(existing)
	}

	var ops strings.Builder
	ops.WriteString("Q\n")
	seq := 0
	for _, s := range list {
		name := ""
		for {
			seq++
			name = "SdStamp" + strconv.Itoa(seq)
			if _, taken := xobjects[name]; !taken {
				break
			}
		}
		xobjects[name] = s.image.embed(u)
		fmt.Fprintf(&ops, "q\n%s 0 0 %s %s %s cm\n/%s Do\nQ\n",
			num(s.rect.Width), num(s.rect.Height), num(s.rect.X), num(s.rect.Y), name)
	}
	resources["XObject"] = xobjects

	save := u.addStream(types.Dict{}, []byte("q\n"))
	draw := u.addStream(types.Dict{}, []byte(ops.String()))

	contents := types.Array{save}
	contents = append(contents, p.contents...)
	contents = append(contents, draw)

	dict := cloneDict(p.dict)
	dict["Contents"] = contents
	dict["Resources"] = resources
	u.replace(*p.ref, dict.PDFString())
	return nil
}

func num(f float64) string {
	return strconv.FormatFloat(f, 'f', 4, 64)
}
