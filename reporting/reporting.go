// Package reporting forwards verdicts to the collaborators that act on them.
// Reporters surface failures to the caller and never retry.
package reporting

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"nftguard/types"
	"nftguard/verdict"
)

// Reporter publishes a verdict
type Reporter interface {
	Report(ctx context.Context, v *types.Verdict) error
}

// Multi fans a verdict out to every reporter and joins their errors
type Multi []Reporter

// Report calls every reporter even when an earlier one fails
func (m Multi) Report(ctx context.Context, v *types.Verdict) error {
	var errs []error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.Report(ctx, v); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// JSONWriter writes one JSON document per line
type JSONWriter struct {
	mu sync.Mutex
	w  io.Writer
}

// NewJSONWriter creates a line writer on w
func NewJSONWriter(w io.Writer) *JSONWriter {
	return &JSONWriter{w: w}
}

// Report writes the formatted verdict followed by a newline
func (j *JSONWriter) Report(_ context.Context, v *types.Verdict) error {
	data, err := verdict.FormatJSON(v)
	if err != nil {
		return fmt.Errorf("format verdict %s: %w", v.ID, err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write verdict %s: %w", v.ID, err)
	}
	return nil
}
