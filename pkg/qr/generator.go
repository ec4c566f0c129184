package qr

import (
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

// Generator renders URLs into PNG QR codes.
type Generator struct {
	size  int
	level qrcode.RecoveryLevel
}

// NewGenerator creates a generator producing size x size pixel images.
func NewGenerator(size int) *Generator {
	if size <= 0 {
		size = 256
	}
	return &Generator{size: size, level: qrcode.Medium}
}

// ToImage encodes url as a PNG.
func (g *Generator) ToImage(url string) ([]byte, error) {
	png, err := qrcode.Encode(url, g.level, g.size)
	if err != nil {
		return nil, fmt.Errorf("failed to encode qr code: %w", err)
	}
	return png, nil
}
