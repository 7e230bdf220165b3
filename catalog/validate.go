package catalog

import (
	"math"
	"strings"

	"nftguard/imageprocessor"
	"nftguard/types"
)

// ParseRecord validates the attribute fields of a record and returns them in
// typed form together with the optional observed price. It is the only place
// where record fields are checked.
func ParseRecord(rec types.AssetRecord) (types.Attributes, *float64, error) {
	id := strings.TrimSpace(rec.ID)
	if id == "" {
		return types.Attributes{}, nil, &IngestError{Field: "id", Reason: "is required"}
	}
	if id != rec.ID {
		return types.Attributes{}, nil, &IngestError{AssetID: rec.ID, Field: "id", Reason: "has surrounding whitespace"}
	}

	fail := func(field, reason string) error {
		return &IngestError{AssetID: id, Field: field, Reason: reason}
	}

	if rec.RarityScore == nil {
		return types.Attributes{}, nil, fail("rarity_score", "is required")
	}
	if rec.NumSales == nil {
		return types.Attributes{}, nil, fail("num_sales", "is required")
	}
	if rec.ArtistReputation == nil {
		return types.Attributes{}, nil, fail("artist_reputation", "is required")
	}

	attrs := types.Attributes{
		RarityScore:      *rec.RarityScore,
		NumSales:         *rec.NumSales,
		ArtistReputation: *rec.ArtistReputation,
	}

	if !finite(attrs.RarityScore) || attrs.RarityScore < 0 {
		return types.Attributes{}, nil, fail("rarity_score", "must be a finite number >= 0")
	}
	if attrs.NumSales < 0 {
		return types.Attributes{}, nil, fail("num_sales", "must be >= 0")
	}
	if !finite(attrs.ArtistReputation) ||
		attrs.ArtistReputation < types.MinArtistReputation ||
		attrs.ArtistReputation > types.MaxArtistReputation {
		return types.Attributes{}, nil, fail("artist_reputation", "must be within [0, 10]")
	}

	var price *float64
	if rec.Price != nil {
		if !finite(*rec.Price) || *rec.Price < 0 {
			return types.Attributes{}, nil, fail("price", "must be a finite number >= 0")
		}
		p := *rec.Price
		price = &p
	}

	return attrs, price, nil
}

// ValidateRecord turns a record and its fingerprint into an immutable asset
func ValidateRecord(rec types.AssetRecord, fp *imageprocessor.Fingerprint) (*types.Asset, error) {
	attrs, price, err := ParseRecord(rec)
	if err != nil {
		return nil, err
	}
	if fp == nil {
		return nil, &IngestError{AssetID: rec.ID, Field: "fingerprint", Reason: "is required"}
	}
	return &types.Asset{
		ID:            rec.ID,
		Attributes:    attrs,
		ObservedPrice: price,
		Fingerprint:   fp,
		ImageRef:      rec.Image,
	}, nil
}

// validateAsset re-checks the attributes of an asset built outside
// ValidateRecord, such as a row restored from storage
func validateAsset(asset *types.Asset) error {
	attrs := asset.Attributes
	_, _, err := ParseRecord(types.AssetRecord{
		ID:               asset.ID,
		RarityScore:      &attrs.RarityScore,
		NumSales:         &attrs.NumSales,
		ArtistReputation: &attrs.ArtistReputation,
		Price:            asset.ObservedPrice,
	})
	return err
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
