// Package testutil provides in-memory image fixtures shared by package tests.
package testutil

import (
	"bytes"
	"image"
	"image/color"
	"image/gif"
	"image/png"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
)

// PNG encodes a grayscale image whose pixel levels come from fn
func PNG(t testing.TB, width, height int, fn func(x, y int) uint8) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetGray(x, y, color.Gray{Y: fn(x, y)})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// PNG16 encodes a 16-bit grayscale image whose pixel levels come from fn
func PNG16(t testing.TB, width, height int, fn func(x, y int) uint16) []byte {
	t.Helper()
	img := image.NewGray16(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetGray16(x, y, color.Gray16{Y: fn(x, y)})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// GIF encodes a paletted image over a 256-level gray palette, so every level
// survives the round trip
func GIF(t testing.TB, width, height int, fn func(x, y int) uint8) []byte {
	t.Helper()
	grays := make(color.Palette, 256)
	for i := range grays {
		grays[i] = color.Gray{Y: uint8(i)}
	}
	img := image.NewPaletted(image.Rect(0, 0, width, height), grays)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.Gray{Y: fn(x, y)})
		}
	}
	var buf bytes.Buffer
	if err := gif.Encode(&buf, img, nil); err != nil {
		t.Fatalf("encode gif: %v", err)
	}
	return buf.Bytes()
}

// Gradient is a diagonal ramp
func Gradient(t testing.TB, width, height int) []byte {
	return PNG(t, width, height, func(x, y int) uint8 {
		return uint8((x*255/max(width-1, 1) + y*255/max(height-1, 1)) / 2)
	})
}

// Checkerboard alternates black and white squares of the given cell size
func Checkerboard(t testing.TB, width, height, cell int) []byte {
	return PNG(t, width, height, func(x, y int) uint8 {
		if (x/cell+y/cell)%2 == 0 {
			return 255
		}
		return 0
	})
}

// Noise draws uniformly random levels from a seeded source
func Noise(t testing.TB, width, height int, seed int64) []byte {
	rng := rand.New(rand.NewSource(seed))
	return PNG(t, width, height, func(x, y int) uint8 {
		return uint8(rng.Intn(256))
	})
}

// Solid fills the whole image with one level
func Solid(t testing.TB, width, height int, level uint8) []byte {
	return PNG(t, width, height, func(x, y int) uint8 { return level })
}

// WriteFile stores data under dir and returns the full path
func WriteFile(t testing.TB, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}
