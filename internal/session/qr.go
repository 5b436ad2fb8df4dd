package session

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/skip2/go-qrcode"
)

const qrDataURLPrefix = "data:image/png;base64,"

// EncodeQR renders a pairing code as a PNG data URL.
func EncodeQR(code string, size int) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, size)
	if err != nil {
		return "", fmt.Errorf("encode qr: %w", err)
	}
	return qrDataURLPrefix + base64.StdEncoding.EncodeToString(png), nil
}

// DecodeQR returns the PNG bytes of a data URL produced by EncodeQR.
func DecodeQR(dataURL string) ([]byte, error) {
	if !strings.HasPrefix(dataURL, qrDataURLPrefix) {
		return nil, fmt.Errorf("decode qr: not a png data url")
	}
	return base64.StdEncoding.DecodeString(strings.TrimPrefix(dataURL, qrDataURLPrefix))
}
