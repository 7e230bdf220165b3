package catalog

import (
	"fmt"
	"math"
	"sync"
	"testing"

	"nftguard/imageprocessor"
	"nftguard/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func fingerprint(t *testing.T, level uint8) *imageprocessor.Fingerprint {
	t.Helper()
	fp, err := imageprocessor.RestoreFingerprint(2, 2, []uint8{level, level, level, level}, "")
	require.NoError(t, err)
	return fp
}

func record(id string, price *float64) types.AssetRecord {
	return types.AssetRecord{
		ID:               id,
		RarityScore:      ptr(45.0),
		NumSales:         ptr(3),
		ArtistReputation: ptr(7.0),
		Price:            price,
		Image:            id + ".png",
	}
}

func TestIngestAndGet(t *testing.T) {
	c := New()
	asset, err := c.Ingest(record("A1", ptr(2.1)), fingerprint(t, 10))
	require.NoError(t, err)

	assert.Equal(t, "A1", asset.ID)
	assert.Equal(t, types.Attributes{RarityScore: 45, NumSales: 3, ArtistReputation: 7}, asset.Attributes)
	require.NotNil(t, asset.ObservedPrice)
	assert.Equal(t, 2.1, *asset.ObservedPrice)
	assert.Equal(t, "A1.png", asset.ImageRef)

	got, ok := c.Get("A1")
	require.True(t, ok)
	assert.Same(t, asset, got)
	assert.Equal(t, 1, c.Len())
}

func TestIngestDuplicateLeavesCatalogUnchanged(t *testing.T) {
	c := New()
	first, err := c.Ingest(record("X", nil), fingerprint(t, 1))
	require.NoError(t, err)

	_, err = c.Ingest(record("X", ptr(9.0)), fingerprint(t, 2))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicateAsset)

	var dup *DuplicateAssetError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "X", dup.AssetID)

	assert.Equal(t, 1, c.Len())
	got, _ := c.Get("X")
	assert.Same(t, first, got)
}

func TestIngestValidation(t *testing.T) {
	tests := []struct {
		name  string
		mut   func(*types.AssetRecord)
		field string
	}{
		{"missing id", func(r *types.AssetRecord) { r.ID = "" }, "id"},
		{"blank id", func(r *types.AssetRecord) { r.ID = "  " }, "id"},
		{"padded id", func(r *types.AssetRecord) { r.ID = " A1" }, "id"},
		{"missing rarity", func(r *types.AssetRecord) { r.RarityScore = nil }, "rarity_score"},
		{"missing sales", func(r *types.AssetRecord) { r.NumSales = nil }, "num_sales"},
		{"missing reputation", func(r *types.AssetRecord) { r.ArtistReputation = nil }, "artist_reputation"},
		{"negative rarity", func(r *types.AssetRecord) { r.RarityScore = ptr(-1.0) }, "rarity_score"},
		{"nan rarity", func(r *types.AssetRecord) { r.RarityScore = ptr(math.NaN()) }, "rarity_score"},
		{"negative sales", func(r *types.AssetRecord) { r.NumSales = ptr(-2) }, "num_sales"},
		{"reputation above scale", func(r *types.AssetRecord) { r.ArtistReputation = ptr(10.5) }, "artist_reputation"},
		{"reputation below scale", func(r *types.AssetRecord) { r.ArtistReputation = ptr(-0.1) }, "artist_reputation"},
		{"negative price", func(r *types.AssetRecord) { r.Price = ptr(-5.0) }, "price"},
		{"infinite price", func(r *types.AssetRecord) { r.Price = ptr(math.Inf(1)) }, "price"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New()
			rec := record("A1", nil)
			tt.mut(&rec)

			_, err := c.Ingest(rec, fingerprint(t, 5))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrIngest)

			var ingestErr *IngestError
			require.ErrorAs(t, err, &ingestErr)
			assert.Equal(t, tt.field, ingestErr.Field)
			assert.Equal(t, 0, c.Len())
		})
	}
}

func TestIngestRequiresFingerprint(t *testing.T) {
	_, err := New().Ingest(record("A1", nil), nil)
	var ingestErr *IngestError
	require.ErrorAs(t, err, &ingestErr)
	assert.Equal(t, "fingerprint", ingestErr.Field)
}

func TestReputationScaleBoundsAreInclusive(t *testing.T) {
	c := New()
	low := record("low", nil)
	low.ArtistReputation = ptr(0.0)
	high := record("high", nil)
	high.ArtistReputation = ptr(10.0)

	_, err := c.Ingest(low, fingerprint(t, 1))
	assert.NoError(t, err)
	_, err = c.Ingest(high, fingerprint(t, 1))
	assert.NoError(t, err)
}

func TestParseRecordCopiesPrice(t *testing.T) {
	rec := record("A1", ptr(3.0))
	_, price, err := ParseRecord(rec)
	require.NoError(t, err)

	*rec.Price = 99
	assert.Equal(t, 3.0, *price)
}

func TestSnapshotIsIsolatedFromLaterIngest(t *testing.T) {
	c := New()
	_, err := c.Ingest(record("A1", ptr(1.0)), fingerprint(t, 1))
	require.NoError(t, err)

	snap := c.Snapshot()
	_, err = c.Ingest(record("A2", ptr(2.0)), fingerprint(t, 2))
	require.NoError(t, err)

	assert.Equal(t, 1, snap.Len())
	_, ok := snap.Get("A2")
	assert.False(t, ok)
	assert.Equal(t, 2, c.Snapshot().Len())

	assets := snap.Assets()
	assets[0] = nil
	assert.NotNil(t, snap.Assets()[0])
}

func TestSnapshotKeepsIngestOrder(t *testing.T) {
	c := New()
	ids := []string{"c", "a", "b", "e", "d"}
	for _, id := range ids {
		_, err := c.Ingest(record(id, nil), fingerprint(t, 1))
		require.NoError(t, err)
	}

	var got []string
	for _, a := range c.Snapshot().Assets() {
		got = append(got, a.ID)
	}
	assert.Equal(t, ids, got)
}

func TestTrainingSamplesSkipsUnpricedAssets(t *testing.T) {
	c := New()
	_, err := c.Ingest(record("priced", ptr(4.2)), fingerprint(t, 1))
	require.NoError(t, err)
	_, err = c.Ingest(record("unpriced", nil), fingerprint(t, 1))
	require.NoError(t, err)

	samples := c.TrainingSamples()
	require.Len(t, samples, 1)
	assert.Equal(t, 4.2, samples[0].Price)
	assert.Equal(t, 45.0, samples[0].RarityScore)
	assert.Equal(t, 1, c.Snapshot().PricedCount())
}

func TestConcurrentIngestAndSnapshot(t *testing.T) {
	c := New()
	fp := fingerprint(t, 3)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_, err := c.Ingest(record(fmt.Sprintf("w%d-%d", w, i), nil), fp)
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			snap := c.Snapshot()
			for _, a := range snap.Assets() {
				assert.NotNil(t, a)
			}
		}
	}()
	wg.Wait()

	assert.Equal(t, 200, c.Len())
}

func TestAddRejectsIncompleteAssets(t *testing.T) {
	c := New()
	assert.Error(t, c.Add(nil))
	assert.ErrorIs(t, c.Add(&types.Asset{ID: "x"}), ErrIngest)
	assert.ErrorIs(t, c.Add(&types.Asset{Fingerprint: fingerprint(t, 1)}), ErrIngest)
}

func TestAddRechecksAttributes(t *testing.T) {
	c := New()
	price := -1.0
	tests := []struct {
		name  string
		asset *types.Asset
		field string
	}{
		{"reputation out of range", &types.Asset{ID: "a", Attributes: types.Attributes{RarityScore: 1, ArtistReputation: 50}}, "artist_reputation"},
		{"negative rarity", &types.Asset{ID: "b", Attributes: types.Attributes{RarityScore: -3, ArtistReputation: 5}}, "rarity_score"},
		{"negative sales", &types.Asset{ID: "c", Attributes: types.Attributes{NumSales: -1, ArtistReputation: 5}}, "num_sales"},
		{"negative price", &types.Asset{ID: "d", Attributes: types.Attributes{ArtistReputation: 5}, ObservedPrice: &price}, "price"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.asset.Fingerprint = fingerprint(t, 10)
			err := c.Add(tt.asset)
			require.ErrorIs(t, err, ErrIngest)

			var ingestErr *IngestError
			require.ErrorAs(t, err, &ingestErr)
			assert.Equal(t, tt.field, ingestErr.Field)
		})
	}
	assert.Zero(t, c.Len())
}
