package payload

import (
	"fmt"

	"github.com/skip2/go-qrcode"
)

// QRCodePNG renders a student's personal code as a PNG of the given pixel size.
func QRCodePNG(eventDateID, studentIDNumber int64, secret string, size int) ([]byte, error) {
	if size <= 0 {
		size = 256
	}
	raw, err := Encode(eventDateID, studentIDNumber, secret)
	if err != nil {
		return nil, err
	}
	png, err := qrcode.Encode(raw, qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("payload: render qr: %w", err)
	}
	return png, nil
}
