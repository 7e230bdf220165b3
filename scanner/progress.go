package scanner

import (
	"fmt"
	"io"
	"sync"
	"time"

	"nftguard/logging"
)

// DefaultProgressInterval is how often the progress line is redrawn
const DefaultProgressInterval = 500 * time.Millisecond

// ProgressTracker tracks progress of the scan operation
type ProgressTracker struct {
	processed int
	ingested  int
	skipped   int
	errors    int
	total     int

	out     io.Writer
	results chan ProcessResult
	ticker  *time.Ticker
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	once    sync.Once
}

// NewProgressTracker initializes the progress tracker and starts its goroutines
func NewProgressTracker(out io.Writer, total int, interval time.Duration) *ProgressTracker {
	if out == nil {
		out = io.Discard
	}
	if interval <= 0 {
		interval = DefaultProgressInterval
	}

	tracker := &ProgressTracker{
		total:   total,
		out:     out,
		results: make(chan ProcessResult, 100),
		ticker:  time.NewTicker(interval),
		done:    make(chan struct{}),
	}

	tracker.wg.Add(2)
	// Start progress display goroutine
	go tracker.displayProgress()
	// Start result processor goroutine
	go tracker.processResults()

	return tracker
}

// Track queues one record outcome
func (p *ProgressTracker) Track(result ProcessResult) {
	p.results <- result
}

// displayProgress shows the progress periodically
func (p *ProgressTracker) displayProgress() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case <-p.ticker.C:
			p.printLine()
		}
	}
}

func (p *ProgressTracker) printLine() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.errors > 0 {
		fmt.Fprintf(p.out, "\rProgress: %d/%d (Ingested: %d, Skipped: %d, Errors: %d)",
			p.processed, p.total, p.ingested, p.skipped, p.errors)
	} else {
		fmt.Fprintf(p.out, "\rProgress: %d/%d (Ingested: %d, Skipped: %d)",
			p.processed, p.total, p.ingested, p.skipped)
	}
}

// processResults updates the tracker state based on processing results
func (p *ProgressTracker) processResults() {
	defer p.wg.Done()
	for result := range p.results {
		p.mu.Lock()
		p.processed++

		switch {
		case !result.Success:
			p.errors++
			if result.Error != nil {
				logging.LogAssetProcessed(result.AssetID, false, result.Error.Error())
			}
		case result.Skipped:
			p.skipped++
		default:
			p.ingested++
			logging.LogAssetProcessed(result.AssetID, true, "")
		}

		p.mu.Unlock()
	}
}

// Stop drains queued results and ends the progress display. It is safe to
// call more than once; Track must not be called afterwards.
func (p *ProgressTracker) Stop() {
	p.once.Do(func() {
		close(p.results)
		p.ticker.Stop()
		close(p.done)
		p.wg.Wait()
		p.printLine()
	})
}

// Counts returns processed, ingested, skipped and error counts
func (p *ProgressTracker) Counts() (processed, ingested, skipped, errors int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.processed, p.ingested, p.skipped, p.errors
}

// PrintStartupInfo displays information about the scan before starting
func PrintStartupInfo(out io.Writer, total int, options ScanOptions) {
	if out == nil {
		out = io.Discard
	}
	fmt.Fprintf(out, "Starting asset ingestion...\nManifest: %s\nTotal records to process: %d\n",
		options.ManifestPath, total)
	fmt.Fprintf(out, "Skip existing: %v\n", options.SkipExisting)

	if options.DebugMode {
		fmt.Fprintf(out, "Debug mode: enabled\n")
		logging.DebugLog("Found %d records in %s", total, options.ManifestPath)
	}
}

// PrintCompletionStats displays statistics after scan completion
func PrintCompletionStats(out io.Writer, stats *ScanStats, options ScanOptions) {
	if out == nil {
		out = io.Discard
	}

	// Log final statistics
	if options.DebugMode {
		logging.DebugLog("Scan completed in %v. Total: %d, Ingested: %d, Skipped: %d, Errors: %d",
			stats.Elapsed, stats.Total, stats.Ingested, stats.Skipped, stats.Failed)
	}

	fmt.Fprintln(out, "\nIngestion complete.")
	fmt.Fprintf(out, "Ingested %d of %d assets in %v.\n", stats.Ingested, stats.Total, stats.Elapsed.Round(time.Millisecond))

	if stats.Skipped > 0 {
		fmt.Fprintf(out, "Skipped %d assets already in the catalog.\n", stats.Skipped)
	}

	if stats.Failed > 0 {
		fmt.Fprintf(out, "Encountered %d errors during ingestion.\n", stats.Failed)
		for _, f := range stats.Failures {
			fmt.Fprintf(out, "  #%d %s: %v\n", f.Index, f.AssetID, f.Err)
		}
		fmt.Fprintln(out, "Check the log file for details.")
	}
}
