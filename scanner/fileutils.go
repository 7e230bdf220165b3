package scanner

import (
	"path/filepath"
	"strings"
)

// IsImageFile checks if a file extension belongs to a decodable image
func IsImageFile(path string) bool {
	switch GetFileFormat(path) {
	case "jpg", "jpeg", "png", "gif", "bmp", "webp", "tif", "tiff":
		return true
	default:
		return false
	}
}

// GetFileFormat returns the lowercase file extension without the dot
func GetFileFormat(path string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
}

// ResolveImagePath resolves a manifest image reference against the manifest's
// directory. Absolute references are returned unchanged.
func ResolveImagePath(manifestDir, ref string) string {
	if ref == "" || filepath.IsAbs(ref) {
		return ref
	}
	return filepath.Join(manifestDir, filepath.FromSlash(ref))
}
