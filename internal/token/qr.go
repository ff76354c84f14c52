package token

import (
	"errors"

	qrcode "github.com/skip2/go-qrcode"
)

// DefaultQRSize is the rendered image edge in pixels.
const DefaultQRSize = 320

// RenderPNG encodes a token as a scannable QR code image.
func RenderPNG(tok string, size int) ([]byte, error) {
	if tok == "" {
		return nil, errors.New("empty token")
	}
	if size <= 0 {
		size = DefaultQRSize
	}
	return qrcode.Encode(tok, qrcode.Medium, size)
}
