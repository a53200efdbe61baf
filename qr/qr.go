// Package qr renders QR codes as PNG data URIs.
package qr

import (
	"encoding/base64"

	qrcode "github.com/skip2/go-qrcode"
)

// Encoder implements the QREncoder interface with go-qrcode.
type Encoder struct{}

// DataURI renders data as a size-by-size PNG data URI.
func (Encoder) DataURI(data string, size int) (string, error) {
	png, err := qrcode.Encode(data, qrcode.Medium, size)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
