package scanner

import (
	"context"
	"fmt"

	"nftguard/catalog"
	"nftguard/logging"
)

// checkAndSkipExisting reports whether id is already known to the catalog or
// the store and can be skipped
func checkAndSkipExisting(ctx context.Context, store AssetStore, cat *catalog.Catalog, id string, options ScanOptions) (bool, error) {
	if cat.Contains(id) {
		if options.DebugMode {
			logging.DebugLog("Skipping asset already in catalog: %s", id)
		}
		return true, nil
	}
	if store == nil {
		return false, nil
	}

	exists, err := store.AssetExists(ctx, id)
	if err != nil {
		return false, fmt.Errorf("database error for %s: %w", id, err)
	}
	if exists && options.DebugMode {
		logging.DebugLog("Skipping stored asset: %s", id)
	}
	return exists, nil
}
