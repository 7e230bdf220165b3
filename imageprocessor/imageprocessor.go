package imageprocessor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"time"

	"nftguard/logging"

	gocache "github.com/patrickmn/go-cache"
)

// Default boundary guards for untrusted image bytes
const (
	DefaultMaxBytes      = 32 << 20
	DefaultMaxPixels     = 64 << 20
	DefaultDecodeTimeout = 10 * time.Second
	DefaultCacheTTL      = 10 * time.Minute
)

// CacheObserver is notified about fingerprint cache lookups
type CacheObserver interface {
	ObserveFingerprintCache(hit bool)
}

// EngineOptions defines the limits and collaborators of an Engine
type EngineOptions struct {
	MaxBytes      int64
	MaxPixels     int
	DecodeTimeout time.Duration
	// CacheTTL of zero uses DefaultCacheTTL, a negative value disables caching
	CacheTTL      time.Duration
	Registry      *DecoderRegistry
	CacheObserver CacheObserver
}

// DefaultEngineOptions returns the options used when a field is left zero
func DefaultEngineOptions() EngineOptions {
	return EngineOptions{
		MaxBytes:      DefaultMaxBytes,
		MaxPixels:     DefaultMaxPixels,
		DecodeTimeout: DefaultDecodeTimeout,
		CacheTTL:      DefaultCacheTTL,
	}
}

// Engine converts image bytes into fingerprints. Identical bytes always yield
// identical fingerprints, so results are cached by content digest.
type Engine struct {
	registry *DecoderRegistry
	opts     EngineOptions
	cache    *gocache.Cache
}

// NewEngine creates an engine, filling zero options with defaults
func NewEngine(opts EngineOptions) *Engine {
	defaults := DefaultEngineOptions()
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = defaults.MaxBytes
	}
	if opts.MaxPixels <= 0 {
		opts.MaxPixels = defaults.MaxPixels
	}
	if opts.DecodeTimeout <= 0 {
		opts.DecodeTimeout = defaults.DecodeTimeout
	}
	if opts.CacheTTL == 0 {
		opts.CacheTTL = defaults.CacheTTL
	}

	engine := &Engine{
		registry: opts.Registry,
		opts:     opts,
	}
	if engine.registry == nil {
		engine.registry = NewDecoderRegistry()
	}
	if opts.CacheTTL > 0 {
		engine.cache = gocache.New(opts.CacheTTL, 2*opts.CacheTTL)
	}
	return engine
}

// Options returns the effective engine options
func (e *Engine) Options() EngineOptions {
	return e.opts
}

// Fingerprint decodes image bytes into a grayscale fingerprint
func (e *Engine) Fingerprint(data []byte) (*Fingerprint, error) {
	return e.FingerprintContext(context.Background(), data)
}

// FingerprintContext decodes image bytes, giving up when ctx is done or the
// decode timeout elapses
func (e *Engine) FingerprintContext(ctx context.Context, data []byte) (*Fingerprint, error) {
	if len(data) == 0 {
		return nil, &DecodeError{Reason: "empty input"}
	}
	if int64(len(data)) > e.opts.MaxBytes {
		return nil, &DecodeError{Reason: fmt.Sprintf("input is %d bytes, limit is %d", len(data), e.opts.MaxBytes)}
	}

	digest := contentDigest(data)
	if fp, ok := e.cached(digest); ok {
		return fp, nil
	}

	if err := e.checkPixelBudget(data); err != nil {
		return nil, err
	}

	gray, err := e.decodeWithTimeout(ctx, data)
	if err != nil {
		return nil, err
	}
	// Formats the header check could not read are measured after decoding
	if err := e.checkRaster(gray); err != nil {
		return nil, err
	}

	fp, err := newFingerprint(gray, digest)
	if err != nil {
		return nil, &DecodeError{Reason: "invalid raster", Err: err}
	}

	if e.cache != nil {
		e.cache.Set(digest, fp, gocache.DefaultExpiration)
	}
	return fp, nil
}

// FingerprintFile reads an image from disk, enforcing the byte limit before
// the file is read
func (e *Engine) FingerprintFile(ctx context.Context, path string) (*Fingerprint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open image %s: %w", path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat image %s: %w", path, err)
	}
	if info.Size() > e.opts.MaxBytes {
		return nil, &DecodeError{Reason: fmt.Sprintf("%s is %d bytes, limit is %d", path, info.Size(), e.opts.MaxBytes)}
	}

	data, err := io.ReadAll(io.LimitReader(file, e.opts.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read image %s: %w", path, err)
	}
	return e.FingerprintContext(ctx, data)
}

// cached looks the digest up and reports the outcome to the observer
func (e *Engine) cached(digest string) (*Fingerprint, bool) {
	if e.cache == nil {
		return nil, false
	}
	value, found := e.cache.Get(digest)
	if e.opts.CacheObserver != nil {
		e.opts.CacheObserver.ObserveFingerprintCache(found)
	}
	if !found {
		return nil, false
	}
	return value.(*Fingerprint), true
}

// checkPixelBudget reads only the header to reject oversized rasters before
// decoding. Formats the image package cannot sniff are checked by checkRaster.
func (e *Engine) checkPixelBudget(data []byte) error {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return &DecodeError{Reason: fmt.Sprintf("invalid dimensions %dx%d", cfg.Width, cfg.Height)}
	}
	if int64(cfg.Width)*int64(cfg.Height) > int64(e.opts.MaxPixels) {
		return &DecodeError{Reason: fmt.Sprintf("image is %dx%d, limit is %d pixels", cfg.Width, cfg.Height, e.opts.MaxPixels)}
	}
	return nil
}

// checkRaster applies the pixel limit to a decoded raster
func (e *Engine) checkRaster(gray *image.Gray) error {
	w, h := gray.Bounds().Dx(), gray.Bounds().Dy()
	if int64(w)*int64(h) > int64(e.opts.MaxPixels) {
		return &DecodeError{Reason: fmt.Sprintf("decoded image is %dx%d, limit is %d pixels", w, h, e.opts.MaxPixels)}
	}
	return nil
}

type decodeResult struct {
	gray *image.Gray
	err  error
}

// decodeWithTimeout runs the registry in a goroutine so a stuck decoder
// cannot block the caller past the deadline
func (e *Engine) decodeWithTimeout(ctx context.Context, data []byte) (*image.Gray, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.DecodeTimeout)
	defer cancel()

	results := make(chan decodeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logging.LogError("Decoder panic: %v", r)
				results <- decodeResult{err: &DecodeError{Reason: fmt.Sprintf("decoder panic: %v", r)}}
			}
		}()
		gray, err := e.registry.Decode(data)
		results <- decodeResult{gray: gray, err: err}
	}()

	select {
	case res := <-results:
		if res.err != nil {
			var decodeErr *DecodeError
			if errors.As(res.err, &decodeErr) {
				return nil, res.err
			}
			return nil, &DecodeError{Reason: "decoder failed", Err: res.err}
		}
		return res.gray, nil
	case <-ctx.Done():
		return nil, &DecodeError{Reason: "decode did not finish", Err: ctx.Err()}
	}
}
