package imageprocessor

import (
	"bytes"
	"errors"
	"fmt"
	"image"
)

// Fingerprint is an immutable 8-bit grayscale raster at native resolution.
// It is safe for concurrent use.
type Fingerprint struct {
	width   int
	height  int
	pix     []uint8
	digest  string
	avgHash string
}

// newFingerprint copies the gray image into a tightly packed raster
func newFingerprint(gray *image.Gray, digest string) (*Fingerprint, error) {
	if gray == nil {
		return nil, errors.New("nil raster")
	}
	bounds := gray.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("empty raster %dx%d", width, height)
	}

	pix := make([]uint8, width*height)
	for y := 0; y < height; y++ {
		start := gray.PixOffset(bounds.Min.X, bounds.Min.Y+y)
		copy(pix[y*width:(y+1)*width], gray.Pix[start:start+width])
	}

	return &Fingerprint{
		width:   width,
		height:  height,
		pix:     pix,
		digest:  digest,
		avgHash: computeAverageHash(pix, width, height),
	}, nil
}

// RestoreFingerprint rebuilds a fingerprint from persisted row-major gray levels
func RestoreFingerprint(width, height int, pix []uint8, digest string) (*Fingerprint, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid fingerprint dimensions %dx%d", width, height)
	}
	if len(pix) != width*height {
		return nil, fmt.Errorf("fingerprint has %d levels, want %d", len(pix), width*height)
	}
	gray := &image.Gray{
		Pix:    pix,
		Stride: width,
		Rect:   image.Rect(0, 0, width, height),
	}
	return newFingerprint(gray, digest)
}

// Width returns the raster width in pixels
func (f *Fingerprint) Width() int { return f.width }

// Height returns the raster height in pixels
func (f *Fingerprint) Height() int { return f.height }

// At returns the gray level at (x, y) normalized into [0, 1]
func (f *Fingerprint) At(x, y int) float64 {
	return float64(f.pix[y*f.width+x]) / 255
}

// Pix returns a copy of the row-major gray levels
func (f *Fingerprint) Pix() []uint8 {
	out := make([]uint8, len(f.pix))
	copy(out, f.pix)
	return out
}

// Digest is the hex SHA-256 of the bytes the fingerprint was decoded from
func (f *Fingerprint) Digest() string { return f.digest }

// AverageHash is a 64-bit average hash in hex, used as an index key
func (f *Fingerprint) AverageHash() string { return f.avgHash }

// SameShape reports whether both fingerprints have equal dimensions
func (f *Fingerprint) SameShape(other *Fingerprint) bool {
	return other != nil && f.width == other.width && f.height == other.height
}

// Equal reports whether two fingerprints hold identical rasters
func (f *Fingerprint) Equal(other *Fingerprint) bool {
	return f.SameShape(other) && bytes.Equal(f.pix, other.pix)
}
