package ml

import (
	"errors"
	"fmt"
	"math"
)

const DefaultThreshold = 0.5

// ScoreResult is the outcome of scoring one customer.
type ScoreResult struct {
	Probability float64 `json:"probability"`
	HighRisk    bool    `json:"high_risk"`
}

// LogisticModel is a frozen linear classifier. Do not mutate a model that has
// been handed to a Scorer; use WithThreshold to derive a new one.
type LogisticModel struct {
	Weights   []float64 `json:"weights"`
	Bias      float64   `json:"bias"`
	Threshold float64   `json:"threshold"`
}

func NewLogisticModel(weights []float64, bias, threshold float64) (*LogisticModel, error) {
	m := &LogisticModel{
		Weights:   append([]float64(nil), weights...),
		Bias:      bias,
		Threshold: threshold,
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *LogisticModel) Validate() error {
	if len(m.Weights) == 0 {
		return errors.New("model has no weights")
	}
	for i, w := range m.Weights {
		if math.IsNaN(w) || math.IsInf(w, 0) {
			return fmt.Errorf("weight %d is not finite", i)
		}
	}
	if math.IsNaN(m.Bias) || math.IsInf(m.Bias, 0) {
		return errors.New("bias is not finite")
	}
	return ValidateThreshold(m.Threshold)
}

func ValidateThreshold(t float64) error {
	if math.IsNaN(t) || t < 0 || t > 1 {
		return fmt.Errorf("threshold %v outside [0, 1]", t)
	}
	return nil
}

func (m *LogisticModel) Dimension() int {
	return len(m.Weights)
}

func (m *LogisticModel) Logit(x []float64) (float64, error) {
	if len(x) != len(m.Weights) {
		return 0, &DimensionMismatchError{Expected: len(m.Weights), Got: len(x)}
	}
	z := m.Bias
	for i, w := range m.Weights {
		z += w * x[i]
	}
	if math.IsNaN(z) {
		return 0, errors.New("logit is NaN")
	}
	return z, nil
}

func (m *LogisticModel) Probability(x []float64) (float64, error) {
	z, err := m.Logit(x)
	if err != nil {
		return 0, err
	}
	return Sigmoid(z), nil
}

func (m *LogisticModel) Score(x []float64) (ScoreResult, error) {
	p, err := m.Probability(x)
	if err != nil {
		return ScoreResult{}, err
	}
	return ScoreResult{Probability: p, HighRisk: p >= m.Threshold}, nil
}

// WithThreshold returns a copy of the model sharing its weights.
func (m *LogisticModel) WithThreshold(t float64) (*LogisticModel, error) {
	if err := ValidateThreshold(t); err != nil {
		return nil, err
	}
	return &LogisticModel{Weights: m.Weights, Bias: m.Bias, Threshold: t}, nil
}

// Sigmoid never evaluates exp of a positive argument, so it cannot overflow.
func Sigmoid(z float64) float64 {
	if z >= 0 {
		return 1 / (1 + math.Exp(-z))
	}
	e := math.Exp(z)
	return e / (1 + e)
}
