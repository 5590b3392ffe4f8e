package ml

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"
)

// Scorer pairs a fitted encoder with a model. It is immutable and may be
// shared by any number of goroutines.
type Scorer struct {
	id      string
	encoder *Encoder
	model   *LogisticModel
	metrics *Metrics
}

func NewScorer(id string, encoder *Encoder, model *LogisticModel) (*Scorer, error) {
	if encoder == nil || model == nil {
		return nil, errors.New("encoder and model are required")
	}
	if encoder.Dimension() != model.Dimension() {
		return nil, &DimensionMismatchError{Expected: model.Dimension(), Got: encoder.Dimension()}
	}
	return &Scorer{id: id, encoder: encoder, model: model}, nil
}

func (s *Scorer) ID() string { return s.id }

func (s *Scorer) Encoder() *Encoder { return s.encoder }

func (s *Scorer) Model() *LogisticModel { return s.model }

func (s *Scorer) Threshold() float64 { return s.model.Threshold }

// Metrics are the held-out evaluation results stored with the artifact, if any.
func (s *Scorer) Metrics() *Metrics { return s.metrics }

func (s *Scorer) Score(rec CustomerRecord) (ScoreResult, error) {
	x, err := s.encoder.Encode(rec)
	if err != nil {
		return ScoreResult{}, err
	}
	return s.model.Score(x)
}

// WithThreshold returns a scorer sharing encoder and weights but labelling
// with a different threshold.
func (s *Scorer) WithThreshold(t float64) (*Scorer, error) {
	if t == s.model.Threshold {
		return s, nil
	}
	m, err := s.model.WithThreshold(t)
	if err != nil {
		return nil, err
	}
	return &Scorer{id: s.id, encoder: s.encoder, model: m, metrics: s.metrics}, nil
}

// ScoreBatch scores records on up to workers goroutines. Results are in input
// order. The first failure cancels the remaining work and is returned with
// the index of the offending record.
func (s *Scorer) ScoreBatch(ctx context.Context, records []CustomerRecord, workers int) ([]ScoreResult, error) {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	results := make([]ScoreResult, len(records))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, rec := range records {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			r, err := s.Score(rec)
			if err != nil {
				return fmt.Errorf("record %d: %w", i, err)
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}
