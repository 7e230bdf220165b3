// Package catalog holds the append-only set of known assets and hands out
// immutable snapshots for evaluation and training.
package catalog

import (
	"errors"
	"sync"

	"nftguard/imageprocessor"
	"nftguard/logging"
	"nftguard/types"
)

// Catalog is safe for concurrent use. Ingestion takes the write lock;
// snapshots copy the entry list under the read lock.
type Catalog struct {
	mu    sync.RWMutex
	byID  map[string]*types.Asset
	order []*types.Asset
}

// New creates an empty catalog
func New() *Catalog {
	return &Catalog{byID: make(map[string]*types.Asset)}
}

// Ingest validates a record and adds it to the catalog
func (c *Catalog) Ingest(rec types.AssetRecord, fp *imageprocessor.Fingerprint) (*types.Asset, error) {
	asset, err := ValidateRecord(rec, fp)
	if err != nil {
		return nil, err
	}
	if err := c.Add(asset); err != nil {
		return nil, err
	}
	return asset, nil
}

// Add inserts an asset built elsewhere, e.g. one restored from storage. Its
// attributes are checked with the same rules as ParseRecord. A duplicate id
// leaves the catalog unchanged.
func (c *Catalog) Add(asset *types.Asset) error {
	if asset == nil {
		return errors.New("catalog: nil asset")
	}
	if asset.ID == "" {
		return &IngestError{Field: "id", Reason: "is required"}
	}
	if asset.Fingerprint == nil {
		return &IngestError{AssetID: asset.ID, Field: "fingerprint", Reason: "is required"}
	}
	if err := validateAsset(asset); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.byID[asset.ID]; exists {
		return &DuplicateAssetError{AssetID: asset.ID}
	}
	c.byID[asset.ID] = asset
	c.order = append(c.order, asset)

	logging.DebugLog("Catalog ingested %s (%dx%d, hash %s)", asset.ID,
		asset.Fingerprint.Width(), asset.Fingerprint.Height(), asset.Fingerprint.AverageHash())
	return nil
}

// Len returns the number of assets
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}

// Get looks an asset up by id
func (c *Catalog) Get(id string) (*types.Asset, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	asset, ok := c.byID[id]
	return asset, ok
}

// Contains reports whether the id is already known
func (c *Catalog) Contains(id string) bool {
	_, ok := c.Get(id)
	return ok
}

// Snapshot returns a consistent view that later ingestion does not affect
func (c *Catalog) Snapshot() *Snapshot {
	c.mu.RLock()
	assets := make([]*types.Asset, len(c.order))
	copy(assets, c.order)
	c.mu.RUnlock()

	return &Snapshot{assets: assets}
}

// TrainingSamples returns (attributes, price) pairs of every priced asset
func (c *Catalog) TrainingSamples() []types.TrainingSample {
	return c.Snapshot().TrainingSamples()
}

// Snapshot is an immutable view of the catalog at one point in time
type Snapshot struct {
	assets []*types.Asset

	indexOnce sync.Once
	index     map[string]*types.Asset
}

// Len returns the number of assets in the snapshot
func (s *Snapshot) Len() int {
	return len(s.assets)
}

// Assets returns the assets in ingest order
func (s *Snapshot) Assets() []*types.Asset {
	out := make([]*types.Asset, len(s.assets))
	copy(out, s.assets)
	return out
}

// Get looks an asset up by id
func (s *Snapshot) Get(id string) (*types.Asset, bool) {
	s.indexOnce.Do(func() {
		s.index = make(map[string]*types.Asset, len(s.assets))
		for _, a := range s.assets {
			s.index[a.ID] = a
		}
	})
	asset, ok := s.index[id]
	return asset, ok
}

// TrainingSamples returns the priced assets as training samples, skipping
// assets without an observed price
func (s *Snapshot) TrainingSamples() []types.TrainingSample {
	samples := make([]types.TrainingSample, 0, len(s.assets))
	for _, a := range s.assets {
		if !a.HasObservedPrice() {
			continue
		}
		samples = append(samples, types.TrainingSample{
			Attributes: a.Attributes,
			Price:      *a.ObservedPrice,
		})
	}
	return samples
}

// PricedCount returns how many assets carry an observed price
func (s *Snapshot) PricedCount() int {
	n := 0
	for _, a := range s.assets {
		if a.HasObservedPrice() {
			n++
		}
	}
	return n
}
