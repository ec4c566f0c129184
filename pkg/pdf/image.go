package pdf

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

// decodedImage is an image ready to be embedded as an image XObject.
type decodedImage struct {
	width, height int
	colorSpace    string
	filter        string
	data          []byte
	alpha         []byte
}

// decodeImage turns PNG, JPEG or GIF bytes into XObject data. Baseline JPEGs
// in RGB or gray are passed through with DCTDecode; everything else is
// re-encoded with FlateDecode and an optional soft mask.
func decodeImage(raw []byte) (*decodedImage, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("image has no pixels")
	}

	if format == "jpeg" {
		switch cfg.ColorModel {
		case color.YCbCrModel:
			return &decodedImage{width: cfg.Width, height: cfg.Height, colorSpace: "DeviceRGB", filter: "DCTDecode", data: raw}, nil
		case color.GrayModel:
			return &decodedImage{width: cfg.Width, height: cfg.Height, colorSpace: "DeviceGray", filter: "DCTDecode", data: raw}, nil
		}
		img, err := jpeg.Decode(bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("failed to decode jpeg: %w", err)
		}
		return flateImage(img)
	}

	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", format, err)
	}
	return flateImage(img)
}

func flateImage(img image.Image) (*decodedImage, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	rgb := make([]byte, 0, w*h*3)
	alpha := make([]byte, 0, w*h)
	translucent := false

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
			rgb = append(rgb, c.R, c.G, c.B)
			alpha = append(alpha, c.A)
			if c.A != 0xff {
				translucent = true
			}
		}
	}

	data, err := deflate(rgb)
	if err != nil {
		return nil, err
	}
	out := &decodedImage{width: w, height: h, colorSpace: "DeviceRGB", filter: "FlateDecode", data: data}

	if translucent {
		mask, err := deflate(alpha)
		if err != nil {
			return nil, err
		}
		out.alpha = mask
	}
	return out, nil
}

func deflate(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, fmt.Errorf("failed to compress image data: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress image data: %w", err)
	}
	return buf.Bytes(), nil
}

// embed writes the image (and its soft mask) into u and returns the XObject reference.
func (img *decodedImage) embed(u *incrementalUpdate) types.IndirectRef {
	dict := types.Dict{
		"Type":             types.Name("XObject"),
		"Subtype":          types.Name("Image"),
		"Width":            types.Integer(img.width),
		"Height":           types.Integer(img.height),
		"ColorSpace":       types.Name(img.colorSpace),
		"BitsPerComponent": types.Integer(8),
		"Filter":           types.Name(img.filter),
	}

	if img.alpha != nil {
		mask := u.addStream(types.Dict{
			"Type":             types.Name("XObject"),
			"Subtype":          types.Name("Image"),
			"Width":            types.Integer(img.width),
			"Height":           types.Integer(img.height),
			"ColorSpace":       types.Name("DeviceGray"),
			"BitsPerComponent": types.Integer(8),
			"Filter":           types.Name("FlateDecode"),
		}, img.alpha)
		dict["SMask"] = mask
	}

	return u.addStream(dict, img.data)
}
