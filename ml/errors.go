package ml

import (
	"errors"
	"fmt"
)

// ErrNoModel is returned by a Provider that has not loaded an artifact yet.
var ErrNoModel = errors.New("no model loaded")

// UnknownCategoryError reports a categorical value that was not seen when the
// encoder was fitted.
type UnknownCategoryError struct {
	Field string
	Value string
}

func (e *UnknownCategoryError) Error() string {
	return fmt.Sprintf("unknown category %q for field %s", e.Value, e.Field)
}

// DimensionMismatchError reports a feature vector whose length does not match
// the model (encoder/model version skew).
type DimensionMismatchError struct {
	Expected int
	Got      int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("dimension mismatch: model expects %d features, got %d", e.Expected, e.Got)
}

// ModelLoadError wraps any failure to read or validate a persisted artifact.
type ModelLoadError struct {
	Path string
	Err  error
}

func (e *ModelLoadError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("load model: %v", e.Err)
	}
	return fmt.Sprintf("load model %s: %v", e.Path, e.Err)
}

func (e *ModelLoadError) Unwrap() error {
	return e.Err
}

// FieldError reports a record field that is missing or cannot be encoded.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("field %s: %s", e.Field, e.Reason)
}
