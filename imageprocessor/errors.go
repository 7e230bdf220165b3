package imageprocessor

import (
	"errors"
	"fmt"
)

var (
	// ErrDecode matches every *DecodeError
	ErrDecode = errors.New("image decode failed")

	// ErrDimensionMismatch matches every *DimensionMismatchError
	ErrDimensionMismatch = errors.New("fingerprint dimensions differ")
)

// DecodeError reports image bytes that could not be turned into a fingerprint
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode image: %s: %v", e.Reason, e.Err)
	}
	return "decode image: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// DimensionMismatchError reports two fingerprints of different shape
type DimensionMismatchError struct {
	WidthA, HeightA int
	WidthB, HeightB int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("fingerprint dimensions differ: %dx%d vs %dx%d",
		e.WidthA, e.HeightA, e.WidthB, e.HeightB)
}

func (e *DimensionMismatchError) Is(target error) bool { return target == ErrDimensionMismatch }
