// Package scanner ingests asset manifests into the catalog and the database.
package scanner

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"nftguard/catalog"
	"nftguard/logging"
	"nftguard/types"
)

// DefaultWorkers bounds concurrent fingerprinting when ScanOptions.Workers is zero
const DefaultWorkers = 8

// ScanAndIngest reads the manifest at options.ManifestPath and ingests every
// record. Per-record failures are reported in the stats, not as an error; the
// returned error is set only when the manifest is unreadable or ctx ends.
func ScanAndIngest(ctx context.Context, store AssetStore, cat *catalog.Catalog, engine Fingerprinter, options ScanOptions) (*ScanStats, error) {
	records, err := ReadManifest(options.ManifestPath)
	if err != nil {
		return nil, err
	}
	return IngestRecords(ctx, store, cat, engine, records, filepath.Dir(options.ManifestPath), options)
}

// IngestRecords fingerprints the records' images concurrently, then ingests
// them one by one in the given order so catalog order does not depend on
// scheduling. Image references are resolved against baseDir.
func IngestRecords(ctx context.Context, store AssetStore, cat *catalog.Catalog, engine Fingerprinter, records []types.AssetRecord, baseDir string, options ScanOptions) (*ScanStats, error) {
	startTime := time.Now()

	// Display initial information
	PrintStartupInfo(options.Progress, len(records), options)

	// Set up progress tracking
	tracker := NewProgressTracker(options.Progress, len(records), options.ProgressInterval)

	jobs := prepareJobs(ctx, store, cat, records, baseDir, options)
	fingerprintAll(ctx, engine, jobs, options)

	stats := &ScanStats{Total: len(records)}
	for i := range jobs {
		result := ingestOne(ctx, store, cat, &jobs[i])
		tracker.Track(result)

		switch {
		case !result.Success:
			stats.Failed++
			stats.Failures = append(stats.Failures, RecordFailure{
				Index:   jobs[i].index,
				AssetID: result.AssetID,
				Err:     result.Error,
			})
		case result.Skipped:
			stats.Skipped++
		default:
			stats.Ingested++
		}
	}

	tracker.Stop()
	stats.Elapsed = time.Since(startTime)

	// Print final statistics
	PrintCompletionStats(options.Progress, stats, options)

	if err := ctx.Err(); err != nil {
		return stats, fmt.Errorf("ingestion interrupted: %w", err)
	}
	return stats, nil
}

// prepareJobs validates records and resolves image paths before any decoding
func prepareJobs(ctx context.Context, store AssetStore, cat *catalog.Catalog, records []types.AssetRecord, baseDir string, options ScanOptions) []fingerprintJob {
	jobs := make([]fingerprintJob, len(records))
	for i, rec := range records {
		job := &jobs[i]
		job.index = i
		job.record = rec
		job.path = ResolveImagePath(baseDir, rec.Image)

		if _, _, err := catalog.ParseRecord(rec); err != nil {
			job.err = err
			continue
		}
		if rec.Image == "" {
			job.err = &catalog.IngestError{AssetID: rec.ID, Field: "image", Reason: "is required"}
			continue
		}
		if !IsImageFile(rec.Image) {
			job.err = &catalog.IngestError{AssetID: rec.ID, Field: "image",
				Reason: fmt.Sprintf("unsupported image format %q", GetFileFormat(rec.Image))}
			continue
		}
		if !options.SkipExisting {
			continue
		}

		skip, err := checkAndSkipExisting(ctx, store, cat, rec.ID, options)
		if err != nil {
			job.err = err
			continue
		}
		job.skip = skip
	}
	return jobs
}

// fingerprintAll decodes every pending job, bounded by a semaphore
func fingerprintAll(ctx context.Context, engine Fingerprinter, jobs []fingerprintJob, options ScanOptions) {
	workers := options.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, workers) // Limit concurrent goroutines

	for i := range jobs {
		job := &jobs[i]
		if job.err != nil || job.skip {
			continue
		}

		// Acquire semaphore
		select {
		case semaphore <- struct{}{}:
		case <-ctx.Done():
			job.err = ctx.Err()
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-semaphore }() // Release semaphore when done

			fp, err := engine.FingerprintFile(ctx, job.path)
			if err != nil {
				job.err = fmt.Errorf("failed to fingerprint %s: %w", job.path, err)
				return
			}
			job.fp = fp
			if options.DebugMode {
				logging.DebugLog("Fingerprinted %s (%dx%d)", job.path, fp.Width(), fp.Height())
			}
		}()
	}

	// Wait for all processing to complete
	wg.Wait()
}

// ingestOne persists and catalogs a fingerprinted record
func ingestOne(ctx context.Context, store AssetStore, cat *catalog.Catalog, job *fingerprintJob) ProcessResult {
	result := ProcessResult{AssetID: job.record.ID}

	if job.skip {
		result.Success = true
		result.Skipped = true
		return result
	}
	if job.err != nil {
		result.Error = job.err
		return result
	}
	if err := ctx.Err(); err != nil {
		result.Error = err
		return result
	}

	asset, err := catalog.ValidateRecord(job.record, job.fp)
	if err != nil {
		result.Error = err
		return result
	}
	if cat.Contains(asset.ID) {
		result.Error = &catalog.DuplicateAssetError{AssetID: asset.ID}
		return result
	}

	// Store in database first so the catalog never holds an unpersisted asset
	if store != nil {
		if err := store.StoreAsset(ctx, asset); err != nil {
			result.Error = fmt.Errorf("cannot store data for %s: %w", asset.ID, err)
			return result
		}
	}
	if err := cat.Add(asset); err != nil {
		result.Error = err
		return result
	}

	result.Success = true
	return result
}
