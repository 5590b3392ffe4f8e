package ml

import (
	"errors"
)

// LoadScorer loads the artifact at path and builds a scorer for its model
// type.
func LoadScorer(path string) (*Scorer, error) {
	a, err := LoadArtifact(path)
	if err != nil {
		return nil, err
	}
	switch a.ModelType {
	case ModelTypeLogistic:
		s, err := a.Scorer()
		if err != nil {
			return nil, &ModelLoadError{Path: path, Err: err}
		}
		return s, nil
	default:
		return nil, &ModelLoadError{Path: path, Err: errors.New("unsupported model type")}
	}
}
