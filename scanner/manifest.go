package scanner

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"nftguard/types"

	"gopkg.in/yaml.v3"
)

// MaxManifestBytes bounds the manifest file size
const MaxManifestBytes = 16 << 20

// Manifest lists the asset records to ingest. Image paths are relative to the
// manifest file unless absolute.
type Manifest struct {
	Assets []types.AssetRecord `yaml:"assets" json:"assets"`
}

// ReadManifest loads a YAML or JSON manifest. Both a top-level list of records
// and a mapping with an "assets" key are accepted.
func ReadManifest(path string) ([]types.AssetRecord, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("cannot stat manifest %s: %w", path, err)
	}
	if info.Size() > MaxManifestBytes {
		return nil, fmt.Errorf("manifest %s is %d bytes, limit is %d", path, info.Size(), MaxManifestBytes)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read manifest %s: %w", path, err)
	}
	records, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return records, nil
}

// ParseManifest decodes manifest bytes
func ParseManifest(data []byte) ([]types.AssetRecord, error) {
	var root yaml.Node
	if err := yaml.NewDecoder(bytes.NewReader(data)).Decode(&root); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	if len(root.Content) == 0 {
		return nil, errors.New("manifest is empty")
	}

	doc := root.Content[0]
	switch doc.Kind {
	case yaml.SequenceNode:
		var records []types.AssetRecord
		if err := doc.Decode(&records); err != nil {
			return nil, fmt.Errorf("invalid manifest records: %w", err)
		}
		return records, nil
	case yaml.MappingNode:
		var m Manifest
		if err := doc.Decode(&m); err != nil {
			return nil, fmt.Errorf("invalid manifest records: %w", err)
		}
		return m.Assets, nil
	default:
		return nil, errors.New("manifest must be a list of records or a mapping with an assets key")
	}
}
