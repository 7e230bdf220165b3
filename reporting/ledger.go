package reporting

import (
	"context"
	"fmt"

	"nftguard/database"
	"nftguard/types"
	"nftguard/verdict"
)

// VerdictStore persists ledger rows
type VerdictStore interface {
	RecordVerdict(ctx context.Context, row database.VerdictRow) error
}

// Ledger records every verdict, flagged or not, with the reason text a fraud
// report would carry
type Ledger struct {
	store VerdictStore
}

// NewLedger creates a ledger reporter on store
func NewLedger(store VerdictStore) *Ledger {
	return &Ledger{store: store}
}

// Report appends the verdict to the ledger
func (l *Ledger) Report(ctx context.Context, v *types.Verdict) error {
	payload, err := verdict.FormatJSON(v)
	if err != nil {
		return fmt.Errorf("format verdict %s: %w", v.ID, err)
	}

	summary := verdict.Summarize(v)
	return l.store.RecordVerdict(ctx, database.VerdictRow{
		ID:             summary.VerdictID,
		AssetID:        summary.AssetID,
		Flagged:        summary.Flagged,
		Reason:         summary.Reason,
		TopMatch:       summary.TopMatch,
		TopScore:       summary.TopScore,
		PredictedPrice: summary.PredictedPrice,
		Threshold:      summary.Threshold,
		CatalogSize:    v.CatalogSize,
		Payload:        string(payload),
		EvaluatedAt:    summary.EvaluatedAt,
	})
}
