package qr

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

var pngMagic = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}

func TestPNGEncoder_Encode(t *testing.T) {
	t.Parallel()

	enc := NewPNGEncoder(128)
	a, err := enc.Encode("2@abc,def,ghi")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.HasPrefix(a.PNG, pngMagic) {
		t.Fatalf("expected PNG output")
	}
	if a.Payload != "2@abc,def,ghi" {
		t.Fatalf("payload not recorded: %q", a.Payload)
	}
	if a.Empty() {
		t.Fatalf("artifact should not be empty")
	}
	if !strings.HasPrefix(a.DataURL(), "data:image/png;base64,") {
		t.Fatalf("unexpected data url prefix: %s", a.DataURL()[:30])
	}
}

func TestPNGEncoder_EmptyPayload(t *testing.T) {
	t.Parallel()

	if _, err := (PNGEncoder{}).Encode(""); !errors.Is(err, ErrEmptyPayload) {
		t.Fatalf("expected ErrEmptyPayload, got %v", err)
	}
}

func TestPNGEncoder_Deterministic(t *testing.T) {
	t.Parallel()

	enc := NewPNGEncoder(0)
	a, err := enc.Encode("same")
	if err != nil {
		t.Fatalf("encode a: %v", err)
	}
	b, err := enc.Encode("same")
	if err != nil {
		t.Fatalf("encode b: %v", err)
	}
	if !bytes.Equal(a.PNG, b.PNG) {
		t.Fatalf("encoding the same payload twice produced different images")
	}
}
