package valuation

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyTrainingSet is returned by Fit when there are no samples
	ErrEmptyTrainingSet = errors.New("valuation: empty training set")

	// ErrNotTrained matches every *NotTrainedError
	ErrNotTrained = errors.New("valuation: model not trained")

	// ErrPersistence matches every *PersistenceError
	ErrPersistence = errors.New("valuation: model persistence failed")
)

// NotTrainedError is returned by Predict before a successful Fit or Load
type NotTrainedError struct {
	// LoadErr is set when the most recent Load failed
	LoadErr error
}

func (e *NotTrainedError) Error() string {
	if e.LoadErr != nil {
		return fmt.Sprintf("valuation: model not trained (last load failed: %v)", e.LoadErr)
	}
	return "valuation: model not trained"
}

func (e *NotTrainedError) Is(target error) bool { return target == ErrNotTrained }

// PersistenceError reports a model blob that could not be written or read back
type PersistenceError struct {
	Op   string
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("valuation: %s %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("valuation: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }
