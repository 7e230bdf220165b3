package catalog

import (
	"errors"
	"fmt"
)

var (
	// ErrIngest matches every *IngestError
	ErrIngest = errors.New("catalog: invalid asset record")

	// ErrDuplicateAsset matches every *DuplicateAssetError
	ErrDuplicateAsset = errors.New("catalog: duplicate asset id")
)

// IngestError reports a record that failed schema validation
type IngestError struct {
	AssetID string
	Field   string
	Reason  string
}

func (e *IngestError) Error() string {
	id := e.AssetID
	if id == "" {
		id = "<no id>"
	}
	if e.Field == "" {
		return fmt.Sprintf("catalog: asset %s: %s", id, e.Reason)
	}
	return fmt.Sprintf("catalog: asset %s: %s %s", id, e.Field, e.Reason)
}

func (e *IngestError) Is(target error) bool { return target == ErrIngest }

// DuplicateAssetError reports an id that is already in the catalog
type DuplicateAssetError struct {
	AssetID string
}

func (e *DuplicateAssetError) Error() string {
	return fmt.Sprintf("catalog: asset %s already exists", e.AssetID)
}

func (e *DuplicateAssetError) Is(target error) bool { return target == ErrDuplicateAsset }
