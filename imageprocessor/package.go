// Package imageprocessor turns encoded image bytes into grayscale fingerprints
// and scores how structurally similar two fingerprints are.
package imageprocessor

import "image"

// Decoder is the interface that all image decoders must implement
type Decoder interface {
	// Name identifies the decoder in logs and errors
	Name() string

	// CanDecode checks if the decoder can handle the sniffed format
	CanDecode(format FormatType) bool

	// Decode returns the image as an 8-bit grayscale raster
	Decode(data []byte) (*image.Gray, error)
}
