package ml

import (
	"errors"
	"math"
)

type Normalization string

const (
	NormalizeNone   Normalization = "none"
	NormalizeZScore Normalization = "zscore"
	NormalizeMinMax Normalization = "minmax"
)

// ScalingParams are the per-dimension statistics captured at fit time.
type ScalingParams struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
}

func NormalizeFeature(value, min, max float64) float64 {
	if max == min {
		return 0
	}
	return (value - min) / (max - min)
}

func StandardizeFeature(value, mean, std float64) float64 {
	if std == 0 {
		return value - mean
	}
	return (value - mean) / std
}

func (n Normalization) apply(value float64, p ScalingParams) float64 {
	switch n {
	case NormalizeZScore:
		return StandardizeFeature(value, p.Mean, p.Std)
	case NormalizeMinMax:
		return NormalizeFeature(value, p.Min, p.Max)
	default:
		return value
	}
}

func (n Normalization) valid() bool {
	switch n {
	case NormalizeNone, NormalizeZScore, NormalizeMinMax:
		return true
	}
	return false
}

// computeScaling returns population mean/std and min/max per column. A
// constant column gets std 1 so standardizing it yields 0.
func computeScaling(vectors [][]float64) ([]ScalingParams, error) {
	if len(vectors) == 0 {
		return nil, errors.New("vectors is empty")
	}
	dim := len(vectors[0])
	params := make([]ScalingParams, dim)
	for j := 0; j < dim; j++ {
		params[j].Min = vectors[0][j]
		params[j].Max = vectors[0][j]
	}
	for _, v := range vectors {
		if len(v) != dim {
			return nil, &DimensionMismatchError{Expected: dim, Got: len(v)}
		}
		for j, x := range v {
			params[j].Mean += x
			if x < params[j].Min {
				params[j].Min = x
			}
			if x > params[j].Max {
				params[j].Max = x
			}
		}
	}
	n := float64(len(vectors))
	for j := range params {
		params[j].Mean /= n
	}
	for _, v := range vectors {
		for j, x := range v {
			d := x - params[j].Mean
			params[j].Std += d * d
		}
	}
	for j := range params {
		params[j].Std = math.Sqrt(params[j].Std / n)
		if params[j].Std == 0 {
			params[j].Std = 1
		}
	}
	return params, nil
}
