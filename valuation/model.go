// Package valuation estimates asset prices with an ordinary least squares
// regression over a fixed attribute schema.
package valuation

import (
	"fmt"
	"math"
	"sync/atomic"

	"nftguard/logging"
	"nftguard/types"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// FeatureNames is the fixed regressor schema, in coefficient order
var FeatureNames = []string{"rarity_score", "num_sales", "artist_reputation"}

const numFeatures = 3

// Coefficients is an immutable trained state
type Coefficients struct {
	Intercept float64
	Weights   [numFeatures]float64
	Samples   int
}

// apply evaluates the linear model
func (c *Coefficients) apply(a types.Attributes) float64 {
	x := features(a)
	v := c.Intercept
	for i := range x {
		v += c.Weights[i] * x[i]
	}
	return v
}

func features(a types.Attributes) [numFeatures]float64 {
	return [numFeatures]float64{a.RarityScore, float64(a.NumSales), a.ArtistReputation}
}

// modelState is swapped atomically so readers see a whole state or none
type modelState struct {
	coef    *Coefficients
	loadErr error
}

// Model is a linear price regressor. Predict may run concurrently with Fit and
// Load; it observes either the previous or the new coefficients.
type Model struct {
	state atomic.Pointer[modelState]
}

// New creates an untrained model
func New() *Model {
	return &Model{}
}

// Trained reports whether the model can predict
func (m *Model) Trained() bool {
	s := m.state.Load()
	return s != nil && s.coef != nil
}

// Coefficients returns a copy of the trained coefficients
func (m *Model) Coefficients() (Coefficients, bool) {
	s := m.state.Load()
	if s == nil || s.coef == nil {
		return Coefficients{}, false
	}
	return *s.coef, true
}

// PredictOption adjusts a single prediction
type PredictOption func(*predictConfig)

type predictConfig struct {
	clamp bool
}

// WithClamp floors negative predictions at zero
func WithClamp() PredictOption {
	return func(c *predictConfig) { c.clamp = true }
}

// Predict estimates the price for the given attributes
func (m *Model) Predict(attrs types.Attributes, opts ...PredictOption) (float64, error) {
	s := m.state.Load()
	if s == nil || s.coef == nil {
		var loadErr error
		if s != nil {
			loadErr = s.loadErr
		}
		return 0, &NotTrainedError{LoadErr: loadErr}
	}

	var cfg predictConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	price := s.coef.apply(attrs)
	if cfg.clamp && price < 0 {
		price = 0
	}
	return price, nil
}

// WarningKind classifies a degenerate training set
type WarningKind string

const (
	WarnTooFewSamples   WarningKind = "too_few_samples"
	WarnRankDeficient   WarningKind = "rank_deficient"
	WarnUnderdetermined WarningKind = "underdetermined"
)

// DegenerateTrainingSetWarning describes a training set that produced a model
// with ill-determined coefficients
type DegenerateTrainingSetWarning struct {
	Kind    WarningKind
	Samples int
	Rank    int
}

func (w DegenerateTrainingSetWarning) String() string {
	switch w.Kind {
	case WarnTooFewSamples:
		return fmt.Sprintf("only %d training sample(s); coefficients are not identifiable", w.Samples)
	case WarnRankDeficient:
		return fmt.Sprintf("attributes are constant or collinear (rank %d of %d); minimum-norm solution used", w.Rank, numFeatures)
	case WarnUnderdetermined:
		return fmt.Sprintf("%d samples for %d estimated parameters; no residual degrees of freedom", w.Samples, w.Rank+1)
	default:
		return string(w.Kind)
	}
}

// FitReport summarizes a completed fit
type FitReport struct {
	Coefficients   Coefficients
	Samples        int
	Rank           int
	RSquared       float64
	ResidualStdErr float64
	Warnings       []DegenerateTrainingSetWarning
}

// Degenerate reports whether any warning was raised
func (r *FitReport) Degenerate() bool {
	return len(r.Warnings) > 0
}

// Fit trains the model by least squares with an intercept. The attribute
// columns and the target are centered and the centered system is solved
// through a thin SVD, which yields the minimum-norm solution when the design
// is rank deficient. The new coefficients replace the old ones atomically.
func (m *Model) Fit(samples []types.TrainingSample) (*FitReport, error) {
	n := len(samples)
	if n == 0 {
		return nil, ErrEmptyTrainingSet
	}
	if err := validateSamples(samples); err != nil {
		return nil, err
	}

	columns := make([][]float64, numFeatures)
	for k := range columns {
		columns[k] = make([]float64, n)
	}
	prices := make([]float64, n)
	for i, s := range samples {
		x := features(s.Attributes)
		for k := range x {
			columns[k][i] = x[k]
		}
		prices[i] = s.Price
	}

	var means [numFeatures]float64
	for k := range columns {
		means[k] = stat.Mean(columns[k], nil)
	}
	priceMean := stat.Mean(prices, nil)

	design := mat.NewDense(n, numFeatures, nil)
	target := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		for k := 0; k < numFeatures; k++ {
			design.Set(i, k, columns[k][i]-means[k])
		}
		target.SetVec(i, prices[i]-priceMean)
	}

	var svd mat.SVD
	if ok := svd.Factorize(design, mat.SVDThin); !ok {
		return nil, fmt.Errorf("valuation: SVD factorization did not converge")
	}

	eps := math.Nextafter(1, 2) - 1
	rank := svd.Rank(eps * float64(max(n, numFeatures)))

	beta := mat.NewVecDense(numFeatures, nil)
	if rank > 0 {
		svd.SolveVecTo(beta, target, rank)
	}

	coef := &Coefficients{Intercept: priceMean, Samples: n}
	for k := 0; k < numFeatures; k++ {
		coef.Weights[k] = beta.AtVec(k)
		coef.Intercept -= means[k] * coef.Weights[k]
	}

	report := &FitReport{
		Coefficients: *coef,
		Samples:      n,
		Rank:         rank,
	}
	report.RSquared, report.ResidualStdErr = goodnessOfFit(coef, samples, prices, rank)

	if n < 2 {
		report.Warnings = append(report.Warnings, DegenerateTrainingSetWarning{Kind: WarnTooFewSamples, Samples: n, Rank: rank})
	}
	if rank < numFeatures {
		report.Warnings = append(report.Warnings, DegenerateTrainingSetWarning{Kind: WarnRankDeficient, Samples: n, Rank: rank})
	}
	// No residual degrees of freedom are left once n <= rank+1
	if n >= 2 && n <= rank+1 {
		report.Warnings = append(report.Warnings, DegenerateTrainingSetWarning{Kind: WarnUnderdetermined, Samples: n, Rank: rank})
	}
	for _, w := range report.Warnings {
		logging.LogWarning("Degenerate training set: %s", w)
	}

	m.state.Store(&modelState{coef: coef})
	logging.LogInfo("Valuation model fitted on %d samples (rank %d, R2 %.4f)", n, rank, report.RSquared)
	return report, nil
}

// goodnessOfFit returns R² and the residual standard error of a fit that
// estimated rank slopes plus the intercept
func goodnessOfFit(coef *Coefficients, samples []types.TrainingSample, prices []float64, rank int) (float64, float64) {
	estimates := make([]float64, len(samples))
	var rss float64
	for i, s := range samples {
		estimates[i] = coef.apply(s.Attributes)
		r := prices[i] - estimates[i]
		rss += r * r
	}

	var rSquared float64
	if stat.Variance(prices, nil) > 0 {
		rSquared = stat.RSquaredFrom(estimates, prices, nil)
	} else if rss == 0 {
		rSquared = 1
	}

	var stdErr float64
	if dof := len(samples) - rank - 1; dof > 0 {
		stdErr = math.Sqrt(rss / float64(dof))
	}
	return rSquared, stdErr
}

// validateSamples rejects non-finite values and negative prices or counts
func validateSamples(samples []types.TrainingSample) error {
	for i, s := range samples {
		values := []struct {
			name string
			v    float64
		}{
			{"rarity_score", s.RarityScore},
			{"artist_reputation", s.ArtistReputation},
			{"price", s.Price},
		}
		for _, f := range values {
			name, v := f.name, f.v
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("valuation: sample %d: %s is not finite", i, name)
			}
			if v < 0 {
				return fmt.Errorf("valuation: sample %d: %s is negative", i, name)
			}
		}
		if s.NumSales < 0 {
			return fmt.Errorf("valuation: sample %d: num_sales is negative", i)
		}
	}
	return nil
}
