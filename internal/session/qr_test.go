package session

import (
	"bytes"
	"encoding/base64"
	"image/png"
	"strings"
	"testing"
)

func TestEncodeQRProducesPNGDataURL(t *testing.T) {
	out, err := EncodeQR("2@Zm9vYmFy,cXV4,YmF6", 128)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.HasPrefix(out, qrDataURLPrefix) {
		t.Fatalf("missing data url prefix: %.40s", out)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(out, qrDataURLPrefix))
	if err != nil {
		t.Fatalf("decode base64: %v", err)
	}
	cfg, err := png.DecodeConfig(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("decode png: %v", err)
	}
	if cfg.Width != 128 || cfg.Height != 128 {
		t.Fatalf("unexpected size %dx%d", cfg.Width, cfg.Height)
	}
}

func TestEncodeQRRejectsEmptyCode(t *testing.T) {
	if _, err := EncodeQR("", 128); err == nil {
		t.Fatal("expected error for empty code")
	}
}

func TestDecodeQRRoundTrip(t *testing.T) {
	out, err := EncodeQR("2@abc", 64)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	raw, err := DecodeQR(out)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, err := png.DecodeConfig(bytes.NewReader(raw)); err != nil {
		t.Fatalf("not a png: %v", err)
	}
	if _, err := DecodeQR("https://example.com/qr.png"); err == nil {
		t.Fatal("expected error for non data url")
	}
}
