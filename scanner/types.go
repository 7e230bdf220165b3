package scanner

import (
	"context"
	"io"
	"time"

	"nftguard/imageprocessor"
	"nftguard/types"
)

// ScanOptions defines the options for ingesting a manifest
type ScanOptions struct {
	ManifestPath string
	// Workers bounds concurrent fingerprinting; zero means DefaultWorkers
	Workers   int
	DebugMode bool
	// SkipExisting treats ids already in the store or catalog as done
	SkipExisting bool
	// Progress receives the progress line and summary; nil discards them
	Progress         io.Writer
	ProgressInterval time.Duration
}

// Fingerprinter turns an image file into a fingerprint
type Fingerprinter interface {
	FingerprintFile(ctx context.Context, path string) (*imageprocessor.Fingerprint, error)
}

// AssetStore persists ingested assets
type AssetStore interface {
	AssetExists(ctx context.Context, id string) (bool, error)
	StoreAsset(ctx context.Context, asset *types.Asset) error
}

// ProcessResult holds the outcome of one manifest record
type ProcessResult struct {
	AssetID string
	Success bool
	Skipped bool
	Error   error
}

// RecordFailure is a manifest record that could not be ingested
type RecordFailure struct {
	Index   int
	AssetID string
	Err     error
}

// ScanStats summarises a finished scan
type ScanStats struct {
	Total    int
	Ingested int
	Skipped  int
	Failed   int
	Failures []RecordFailure
	Elapsed  time.Duration
}

// fingerprintJob carries a record through the fingerprint stage
type fingerprintJob struct {
	index  int
	record types.AssetRecord
	path   string
	fp     *imageprocessor.Fingerprint
	err    error
	skip   bool
}
