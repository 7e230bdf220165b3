package imageprocessor

import "bytes"

// FormatType represents a known image format type
type FormatType string

// Known image format constants
const (
	FormatUnknown FormatType = "unknown"
	FormatJPEG    FormatType = "jpeg"
	FormatPNG     FormatType = "png"
	FormatGIF     FormatType = "gif"
	FormatTIFF    FormatType = "tiff"
	FormatBMP     FormatType = "bmp"
	FormatWEBP    FormatType = "webp"
)

type signature struct {
	format FormatType
	offset int
	magic  []byte
}

// Magic numbers at the start of each supported container
var formatSignatures = []signature{
	{FormatJPEG, 0, []byte{0xff, 0xd8, 0xff}},
	{FormatPNG, 0, []byte("\x89PNG\r\n\x1a\n")},
	{FormatGIF, 0, []byte("GIF87a")},
	{FormatGIF, 0, []byte("GIF89a")},
	{FormatTIFF, 0, []byte("II*\x00")},
	{FormatTIFF, 0, []byte("MM\x00*")},
	{FormatBMP, 0, []byte("BM")},
	{FormatWEBP, 8, []byte("WEBP")},
}

// DetectFormat sniffs the image format from the leading bytes
func DetectFormat(data []byte) FormatType {
	for _, sig := range formatSignatures {
		end := sig.offset + len(sig.magic)
		if len(data) < end {
			continue
		}
		if !bytes.Equal(data[sig.offset:end], sig.magic) {
			continue
		}
		// WEBP lives inside a RIFF container
		if sig.format == FormatWEBP && !bytes.HasPrefix(data, []byte("RIFF")) {
			continue
		}
		return sig.format
	}
	return FormatUnknown
}

// IsKnownFormat reports whether a pure-Go decoder is registered for the format
func IsKnownFormat(format FormatType) bool {
	return format != FormatUnknown
}
