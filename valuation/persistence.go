package valuation

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"slices"

	"nftguard/logging"
)

const (
	blobMagic   = "nftguard/valuation"
	blobVersion = 1
)

// envelope is the outer record of a model blob
type envelope struct {
	Magic    string
	Version  int
	Features []string
	Checksum []byte
	Payload  []byte
}

// payload carries the coefficients; float64 values survive gob bit-exact
type payload struct {
	Intercept float64
	Weights   []float64
	Samples   int
}

// MarshalBinary serializes the trained coefficients into a gob+gzip blob
func (m *Model) MarshalBinary() ([]byte, error) {
	coef, ok := m.Coefficients()
	if !ok {
		return nil, &PersistenceError{Op: "encode", Err: &NotTrainedError{}}
	}

	var inner bytes.Buffer
	if err := gob.NewEncoder(&inner).Encode(payload{
		Intercept: coef.Intercept,
		Weights:   coef.Weights[:],
		Samples:   coef.Samples,
	}); err != nil {
		return nil, &PersistenceError{Op: "encode", Err: err}
	}
	sum := sha256.Sum256(inner.Bytes())

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if err := gob.NewEncoder(gz).Encode(envelope{
		Magic:    blobMagic,
		Version:  blobVersion,
		Features: FeatureNames,
		Checksum: sum[:],
		Payload:  inner.Bytes(),
	}); err != nil {
		gz.Close()
		return nil, &PersistenceError{Op: "encode", Err: err}
	}
	if err := gz.Close(); err != nil {
		return nil, &PersistenceError{Op: "encode", Err: err}
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary restores coefficients from a blob. On failure the model is
// left untrained.
func (m *Model) UnmarshalBinary(blob []byte) error {
	coef, err := decodeBlob(blob)
	if err != nil {
		perr := &PersistenceError{Op: "decode", Err: err}
		m.state.Store(&modelState{loadErr: perr})
		return perr
	}
	m.state.Store(&modelState{coef: coef})
	return nil
}

// WriteTo writes the model blob to w
func (m *Model) WriteTo(w io.Writer) (int64, error) {
	blob, err := m.MarshalBinary()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(blob)
	if err != nil {
		return int64(n), &PersistenceError{Op: "write", Err: err}
	}
	return int64(n), nil
}

// ReadFrom reads a whole model blob from r
func (m *Model) ReadFrom(r io.Reader) (int64, error) {
	blob, err := io.ReadAll(r)
	if err != nil {
		perr := &PersistenceError{Op: "read", Err: err}
		m.state.Store(&modelState{loadErr: perr})
		return int64(len(blob)), perr
	}
	return int64(len(blob)), m.UnmarshalBinary(blob)
}

// Save writes the model to path atomically through a temporary file
func (m *Model) Save(path string) error {
	blob, err := m.MarshalBinary()
	if err != nil {
		var perr *PersistenceError
		if errors.As(err, &perr) {
			perr.Path = path
		}
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &PersistenceError{Op: "save", Path: path, Err: err}
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return &PersistenceError{Op: "save", Path: path, Err: err}
	}
	tmpName := tmp.Name()
	cleanup := func(cause error) error {
		tmp.Close()
		os.Remove(tmpName)
		return &PersistenceError{Op: "save", Path: path, Err: cause}
	}

	if _, err := tmp.Write(blob); err != nil {
		return cleanup(err)
	}
	if err := tmp.Sync(); err != nil {
		return cleanup(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &PersistenceError{Op: "save", Path: path, Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return &PersistenceError{Op: "save", Path: path, Err: err}
	}

	logging.LogInfo("Saved valuation model to %s (%d bytes)", path, len(blob))
	return nil
}

// Load restores the model from path. Missing, malformed or corrupt files leave
// the model untrained and return a *PersistenceError.
func (m *Model) Load(path string) error {
	blob, err := os.ReadFile(path)
	if err != nil {
		perr := &PersistenceError{Op: "load", Path: path, Err: err}
		m.state.Store(&modelState{loadErr: perr})
		return perr
	}

	if err := m.UnmarshalBinary(blob); err != nil {
		var perr *PersistenceError
		if errors.As(err, &perr) {
			perr.Op = "load"
			perr.Path = path
		}
		return err
	}

	logging.LogInfo("Loaded valuation model from %s", path)
	return nil
}

// decodeBlob validates the envelope and returns the coefficients
func decodeBlob(blob []byte) (*Coefficients, error) {
	if len(blob) == 0 {
		return nil, errors.New("empty model blob")
	}

	gz, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gz.Close()

	var env envelope
	if err := gob.NewDecoder(gz).Decode(&env); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	if env.Magic != blobMagic {
		return nil, fmt.Errorf("not a valuation model blob (magic %q)", env.Magic)
	}
	if env.Version != blobVersion {
		return nil, fmt.Errorf("unsupported model format version %d", env.Version)
	}
	if !slices.Equal(env.Features, FeatureNames) {
		return nil, fmt.Errorf("feature schema %v does not match %v", env.Features, FeatureNames)
	}
	sum := sha256.Sum256(env.Payload)
	if !bytes.Equal(sum[:], env.Checksum) {
		return nil, errors.New("payload checksum mismatch")
	}

	var p payload
	if err := gob.NewDecoder(bytes.NewReader(env.Payload)).Decode(&p); err != nil {
		return nil, fmt.Errorf("failed to decode coefficients: %w", err)
	}
	if len(p.Weights) != numFeatures {
		return nil, fmt.Errorf("expected %d weights, found %d", numFeatures, len(p.Weights))
	}

	coef := &Coefficients{Intercept: p.Intercept, Samples: p.Samples}
	copy(coef.Weights[:], p.Weights)
	for _, v := range append([]float64{coef.Intercept}, p.Weights...) {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, errors.New("non-finite coefficient")
		}
	}
	return coef, nil
}
