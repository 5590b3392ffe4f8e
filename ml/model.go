package ml

import "context"

// Classifier scores an already encoded feature vector.
type Classifier interface {
	Dimension() int
	Score(x []float64) (ScoreResult, error)
}

// RecordScorer is the boundary consumed by reporting code.
type RecordScorer interface {
	Score(rec CustomerRecord) (ScoreResult, error)
}

// ScorerSource hands out the scorer currently in service.
type ScorerSource interface {
	Current() (*Scorer, error)
}

// BatchScorer scores many records at once, keeping input order.
type BatchScorer interface {
	ScoreBatch(ctx context.Context, records []CustomerRecord, workers int) ([]ScoreResult, error)
}

var (
	_ Classifier   = (*LogisticModel)(nil)
	_ RecordScorer = (*Scorer)(nil)
	_ BatchScorer  = (*Scorer)(nil)
	_ ScorerSource = (*Provider)(nil)
)
