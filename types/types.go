package types

import (
	"time"

	"nftguard/imageprocessor"
)

// Bounds of the artist reputation scale
const (
	MinArtistReputation = 0.0
	MaxArtistReputation = 10.0
)

// Attributes holds the numeric features the valuation model is trained on
type Attributes struct {
	RarityScore      float64 `json:"rarity_score" yaml:"rarity_score"`
	NumSales         int     `json:"num_sales" yaml:"num_sales"`
	ArtistReputation float64 `json:"artist_reputation" yaml:"artist_reputation"`
}

// AssetRecord is an asset metadata record as received from a collaborator.
// Numeric fields are pointers so a missing field can be told apart from zero.
type AssetRecord struct {
	ID               string   `json:"id" yaml:"id"`
	RarityScore      *float64 `json:"rarity_score,omitempty" yaml:"rarity_score,omitempty"`
	NumSales         *int     `json:"num_sales,omitempty" yaml:"num_sales,omitempty"`
	ArtistReputation *float64 `json:"artist_reputation,omitempty" yaml:"artist_reputation,omitempty"`
	Price            *float64 `json:"price,omitempty" yaml:"price,omitempty"`
	Image            string   `json:"image,omitempty" yaml:"image,omitempty"`
}

// Asset is a validated catalog entry. It is never modified after creation.
type Asset struct {
	ID            string
	Attributes    Attributes
	ObservedPrice *float64
	Fingerprint   *imageprocessor.Fingerprint
	ImageRef      string
}

// HasObservedPrice reports whether the asset can be used for training
func (a *Asset) HasObservedPrice() bool {
	return a.ObservedPrice != nil
}

// TrainingSample pairs attributes with an observed market price
type TrainingSample struct {
	Attributes
	Price float64 `json:"price"`
}

// SimilarityResult holds the similarity score between two assets
type SimilarityResult struct {
	AssetA      string  `json:"asset_a"`
	AssetB      string  `json:"asset_b"`
	Score       float64 `json:"score"`
	IsDuplicate bool    `json:"is_duplicate"`
}

// ComparisonFailure records a catalog entry that could not be compared
type ComparisonFailure struct {
	AssetID string `json:"asset_id"`
	Err     string `json:"error"`
}

// Verdict is the combined duplicate and valuation judgment for one asset
type Verdict struct {
	ID                string              `json:"id"`
	AssetID           string              `json:"asset_id"`
	SimilarityResults []SimilarityResult  `json:"similarity_results"`
	PredictedPrice    float64             `json:"predicted_price"`
	Flagged           bool                `json:"flagged"`
	Threshold         float64             `json:"threshold"`
	CatalogSize       int                 `json:"catalog_size"`
	Incomparable      []ComparisonFailure `json:"incomparable,omitempty"`
	EvaluatedAt       time.Time           `json:"evaluated_at"`
}

// TopMatch returns the most similar catalog asset, if any
func (v *Verdict) TopMatch() (SimilarityResult, bool) {
	if len(v.SimilarityResults) == 0 {
		return SimilarityResult{}, false
	}
	return v.SimilarityResults[0], true
}

// Duplicates returns the results above the threshold
func (v *Verdict) Duplicates() []SimilarityResult {
	var out []SimilarityResult
	for _, r := range v.SimilarityResults {
		if r.IsDuplicate {
			out = append(out, r)
		}
	}
	return out
}

// EvaluationFailure records one asset of a batch that could not be evaluated
type EvaluationFailure struct {
	AssetID string
	Err     error
}

// BatchResult holds the outcome of a batch evaluation in request order
type BatchResult struct {
	Verdicts []*Verdict
	Failures []EvaluationFailure
}
