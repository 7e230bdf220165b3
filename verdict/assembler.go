// Package verdict combines similarity scoring and valuation into a verdict for
// one asset against a catalog snapshot.
package verdict

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"nftguard/catalog"
	"nftguard/imageprocessor"
	"nftguard/logging"
	"nftguard/types"
	"nftguard/valuation"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Predictor estimates a price from attributes
type Predictor interface {
	Predict(attrs types.Attributes, opts ...valuation.PredictOption) (float64, error)
}

// Fingerprinter turns image bytes into a fingerprint
type Fingerprinter interface {
	FingerprintContext(ctx context.Context, data []byte) (*imageprocessor.Fingerprint, error)
}

// Recorder receives evaluation metrics
type Recorder interface {
	ObserveEvaluation(status string, elapsed time.Duration)
	ObserveComparisons(n int)
	ObserveFlagged()
}

type nopRecorder struct{}

func (nopRecorder) ObserveEvaluation(string, time.Duration) {}
func (nopRecorder) ObserveComparisons(int)                  {}
func (nopRecorder) ObserveFlagged()                         {}

// Request is one asset to evaluate: its metadata record and raw image bytes
type Request struct {
	Record types.AssetRecord
	Image  []byte
}

// Assembler evaluates assets. It holds no catalog or model state of its own;
// both are passed per call.
type Assembler struct {
	engine    Fingerprinter
	threshold float64
	workers   int
	lenient   bool
	clamp     bool
	recorder  Recorder
	now       func() time.Time
}

// Option configures an Assembler
type Option func(*Assembler)

// WithThreshold sets the duplicate threshold
func WithThreshold(threshold float64) Option {
	return func(a *Assembler) { a.threshold = threshold }
}

// WithWorkers bounds the number of concurrent comparisons
func WithWorkers(n int) Option {
	return func(a *Assembler) { a.workers = n }
}

// WithLenientDimensions records mismatched catalog entries as incomparable
// instead of failing the evaluation
func WithLenientDimensions(lenient bool) Option {
	return func(a *Assembler) { a.lenient = lenient }
}

// WithClampedPredictions floors predicted prices at zero
func WithClampedPredictions(clamp bool) Option {
	return func(a *Assembler) { a.clamp = clamp }
}

// WithRecorder sets the metrics recorder
func WithRecorder(r Recorder) Option {
	return func(a *Assembler) { a.recorder = r }
}

// WithClock overrides the evaluation timestamp source
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) { a.now = now }
}

// NewAssembler creates an assembler using engine to fingerprint requests
func NewAssembler(engine Fingerprinter, opts ...Option) (*Assembler, error) {
	if engine == nil {
		return nil, errors.New("verdict: fingerprint engine is required")
	}
	a := &Assembler{
		engine:    engine,
		threshold: imageprocessor.DefaultThreshold,
		workers:   4,
		recorder:  nopRecorder{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if err := imageprocessor.ValidateThreshold(a.threshold); err != nil {
		return nil, fmt.Errorf("verdict: %w", err)
	}
	if a.workers < 1 {
		a.workers = 1
	}
	if a.recorder == nil {
		a.recorder = nopRecorder{}
	}
	return a, nil
}

// Threshold returns the duplicate threshold in use
func (a *Assembler) Threshold() float64 {
	return a.threshold
}

// Evaluate scores the request against every asset of the snapshot and
// predicts its price. Every snapshot entry is compared, including one that
// shares the request's id.
func (a *Assembler) Evaluate(ctx context.Context, req Request, snap *catalog.Snapshot, model Predictor) (v *types.Verdict, err error) {
	start := time.Now()
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
		}
		a.recorder.ObserveEvaluation(status, time.Since(start))
	}()

	if snap == nil {
		return nil, errors.New("verdict: catalog snapshot is required")
	}
	if model == nil {
		return nil, errors.New("verdict: valuation model is required")
	}

	attrs, _, err := catalog.ParseRecord(req.Record)
	if err != nil {
		return nil, err
	}
	id := req.Record.ID

	var predictOpts []valuation.PredictOption
	if a.clamp {
		predictOpts = append(predictOpts, valuation.WithClamp())
	}
	price, err := model.Predict(attrs, predictOpts...)
	if err != nil {
		return nil, fmt.Errorf("predict price for %s: %w", id, err)
	}

	fp, err := a.engine.FingerprintContext(ctx, req.Image)
	if err != nil {
		return nil, fmt.Errorf("fingerprint %s: %w", id, err)
	}

	results, incomparable, err := a.compareAll(ctx, id, fp, snap)
	if err != nil {
		return nil, err
	}

	verdict := &types.Verdict{
		ID:                uuid.NewString(),
		AssetID:           id,
		SimilarityResults: results,
		PredictedPrice:    price,
		Threshold:         a.threshold,
		CatalogSize:       snap.Len(),
		Incomparable:      incomparable,
		EvaluatedAt:       a.now().UTC(),
	}
	for _, r := range results {
		if r.IsDuplicate {
			verdict.Flagged = true
			break
		}
	}
	if verdict.Flagged {
		a.recorder.ObserveFlagged()
		logging.LogWarning("Asset %s flagged as potential duplicate of %s", id, results[0].AssetB)
	} else {
		logging.DebugLog("Asset %s is unique among %d catalog assets", id, snap.Len())
	}
	return verdict, nil
}

// compareAll fans the comparisons out over a bounded group, gathers every
// score and only then sorts, so the result order never depends on timing
func (a *Assembler) compareAll(ctx context.Context, id string, fp *imageprocessor.Fingerprint, snap *catalog.Snapshot) ([]types.SimilarityResult, []types.ComparisonFailure, error) {
	entries := snap.Assets()
	scores := make([]*types.SimilarityResult, len(entries))
	failures := make([]error, len(entries))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)

	for i, entry := range entries {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			score, err := imageprocessor.Compare(fp, entry.Fingerprint)
			if err != nil {
				if a.lenient && errors.Is(err, imageprocessor.ErrDimensionMismatch) {
					failures[i] = err
					return nil
				}
				return fmt.Errorf("compare %s with %s: %w", id, entry.ID, err)
			}
			scores[i] = &types.SimilarityResult{
				AssetA:      id,
				AssetB:      entry.ID,
				Score:       score,
				IsDuplicate: imageprocessor.Classify(score, a.threshold),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	a.recorder.ObserveComparisons(len(entries))

	results := make([]types.SimilarityResult, 0, len(entries))
	var incomparable []types.ComparisonFailure
	for i, entry := range entries {
		switch {
		case scores[i] != nil:
			results = append(results, *scores[i])
		case failures[i] != nil:
			incomparable = append(incomparable, types.ComparisonFailure{AssetID: entry.ID, Err: failures[i].Error()})
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].AssetB < results[j].AssetB
	})
	return results, incomparable, nil
}

// EvaluateBatch evaluates every request against the same snapshot. A failing
// request is recorded and never stops the others; verdicts and failures keep
// request order.
func (a *Assembler) EvaluateBatch(ctx context.Context, reqs []Request, snap *catalog.Snapshot, model Predictor) *types.BatchResult {
	result := &types.BatchResult{}
	for _, req := range reqs {
		v, err := a.Evaluate(ctx, req, snap, model)
		if err != nil {
			logging.LogAssetProcessed(req.Record.ID, false, err.Error())
			result.Failures = append(result.Failures, types.EvaluationFailure{AssetID: req.Record.ID, Err: err})
			continue
		}
		logging.LogAssetProcessed(req.Record.ID, true, "")
		result.Verdicts = append(result.Verdicts, v)
	}
	return result
}
