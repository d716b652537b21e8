// Package qr renders pairing payloads into displayable PNG artifacts.
package qr

import (
	"encoding/base64"
	"errors"
	"time"

	qrcode "github.com/skip2/go-qrcode"
)

// DefaultSize is the edge length in pixels of rendered codes.
const DefaultSize = 256

// ErrEmptyPayload is returned when asked to render an empty payload.
var ErrEmptyPayload = errors.New("qr: empty payload")

// Artifact is a rendered pairing payload.
type Artifact struct {
	// Payload is the raw string that was encoded.
	Payload string
	// PNG holds the encoded image.
	PNG        []byte
	RenderedAt time.Time
}

// DataURL returns the PNG as a data URL suitable for an <img> src attribute.
func (a Artifact) DataURL() string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(a.PNG)
}

// Empty reports whether the artifact carries no image.
func (a Artifact) Empty() bool { return len(a.PNG) == 0 }

// Encoder renders a payload. Implementations must be pure and safe for
// concurrent use.
type Encoder interface {
	Encode(payload string) (Artifact, error)
}

// EncoderFunc adapts a function to the Encoder interface.
type EncoderFunc func(payload string) (Artifact, error)

// Encode implements Encoder.
func (f EncoderFunc) Encode(payload string) (Artifact, error) { return f(payload) }

// PNGEncoder renders QR codes as PNG images.
type PNGEncoder struct {
	// Size is the image edge length in pixels. Zero means DefaultSize.
	Size int
	// Level is the error recovery level. The zero value is qrcode.Low.
	Level qrcode.RecoveryLevel
}

// NewPNGEncoder returns a PNGEncoder with medium error recovery.
func NewPNGEncoder(size int) PNGEncoder {
	return PNGEncoder{Size: size, Level: qrcode.Medium}
}

// Encode implements Encoder.
func (e PNGEncoder) Encode(payload string) (Artifact, error) {
	if payload == "" {
		return Artifact{}, ErrEmptyPayload
	}
	size := e.Size
	if size <= 0 {
		size = DefaultSize
	}
	png, err := qrcode.Encode(payload, e.Level, size)
	if err != nil {
		return Artifact{}, err
	}
	return Artifact{Payload: payload, PNG: png, RenderedAt: time.Now()}, nil
}
