package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

const (
	ArtifactFormatVersion = 1
	ModelTypeLogistic     = "logistic_regression"
)

// Artifact is the persisted form of a trained scorer.
type Artifact struct {
	FormatVersion int            `json:"format_version"`
	ID            string         `json:"id"`
	ModelType     string         `json:"model_type"`
	Encoder       *Encoder       `json:"encoder"`
	Model         *LogisticModel `json:"model"`
	Metrics       *Metrics       `json:"metrics,omitempty"`
	Training      *TrainReport   `json:"training,omitempty"`
	TrainedAt     time.Time      `json:"trained_at"`
}

func NewArtifact(encoder *Encoder, model *LogisticModel) *Artifact {
	return &Artifact{
		FormatVersion: ArtifactFormatVersion,
		ID:            uuid.NewString(),
		ModelType:     ModelTypeLogistic,
		Encoder:       encoder,
		Model:         model,
		TrainedAt:     time.Now().UTC(),
	}
}

func (a *Artifact) Validate() error {
	if a.FormatVersion != ArtifactFormatVersion {
		return fmt.Errorf("unsupported format version %d", a.FormatVersion)
	}
	if a.ModelType != ModelTypeLogistic {
		return fmt.Errorf("unsupported model type %q", a.ModelType)
	}
	if a.Encoder == nil || a.Model == nil {
		return errors.New("artifact is missing encoder or model")
	}
	if err := a.Encoder.validate(); err != nil {
		return fmt.Errorf("encoder: %w", err)
	}
	if err := a.Model.Validate(); err != nil {
		return fmt.Errorf("model: %w", err)
	}
	if a.Encoder.Dimension() != a.Model.Dimension() {
		return &DimensionMismatchError{Expected: a.Model.Dimension(), Got: a.Encoder.Dimension()}
	}
	return nil
}

func (a *Artifact) Scorer() (*Scorer, error) {
	s, err := NewScorer(a.ID, a.Encoder, a.Model)
	if err != nil {
		return nil, err
	}
	s.metrics = a.Metrics
	return s, nil
}

// SaveArtifact writes the artifact to a temporary file next to path and
// renames it into place, so readers never observe a partial file.
func SaveArtifact(path string, a *Artifact) error {
	if err := a.Validate(); err != nil {
		return err
	}
	payload, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// LoadArtifact reads and validates an artifact. Every failure is a
// *ModelLoadError.
func LoadArtifact(path string) (*Artifact, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, &ModelLoadError{Path: path, Err: err}
	}
	a, err := DecodeArtifact(payload)
	if err != nil {
		var le *ModelLoadError
		if errors.As(err, &le) {
			le.Path = path
		}
		return nil, err
	}
	return a, nil
}

func DecodeArtifact(payload []byte) (*Artifact, error) {
	var a Artifact
	if err := json.Unmarshal(payload, &a); err != nil {
		return nil, &ModelLoadError{Err: err}
	}
	if err := a.Validate(); err != nil {
		return nil, &ModelLoadError{Err: err}
	}
	return &a, nil
}
