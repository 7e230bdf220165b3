package verdict

import (
	"encoding/json"
	"time"

	"nftguard/types"
)

// Reasons attached to a verdict report
const (
	ReasonDuplicate = "potential plagiarism detected"
	ReasonUnique    = "asset is unique"
)

// Report is the condensed form of a verdict handed to reporting collaborators
type Report struct {
	VerdictID      string    `json:"verdict_id"`
	AssetID        string    `json:"asset_id"`
	Flagged        bool      `json:"flagged"`
	Reason         string    `json:"reason"`
	TopMatch       string    `json:"top_match,omitempty"`
	TopScore       float64   `json:"top_score"`
	Duplicates     []string  `json:"duplicates,omitempty"`
	PredictedPrice float64   `json:"predicted_price"`
	Threshold      float64   `json:"threshold"`
	EvaluatedAt    time.Time `json:"evaluated_at"`
}

// Summarize condenses a verdict into a report
func Summarize(v *types.Verdict) Report {
	r := Report{
		VerdictID:      v.ID,
		AssetID:        v.AssetID,
		Flagged:        v.Flagged,
		Reason:         ReasonUnique,
		PredictedPrice: v.PredictedPrice,
		Threshold:      v.Threshold,
		EvaluatedAt:    v.EvaluatedAt,
	}
	if v.Flagged {
		r.Reason = ReasonDuplicate
	}
	if top, ok := v.TopMatch(); ok {
		r.TopMatch = top.AssetB
		r.TopScore = top.Score
	}
	for _, d := range v.Duplicates() {
		r.Duplicates = append(r.Duplicates, d.AssetB)
	}
	return r
}

// Message is the JSON document published for each verdict
type Message struct {
	Summary Report         `json:"summary"`
	Verdict *types.Verdict `json:"verdict"`
}

// FormatJSON renders the verdict and its summary as one JSON document
func FormatJSON(v *types.Verdict) ([]byte, error) {
	return json.Marshal(Message{Summary: Summarize(v), Verdict: v})
}
