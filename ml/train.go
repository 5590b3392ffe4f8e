package ml

import (
	"errors"
	"fmt"
	"math"
)

type TrainOptions struct {
	// C is the inverse L2 regularization strength.
	C            float64
	MaxIter      int
	LearningRate float64
	// Tolerance stops training once the gradient norm falls below it.
	Tolerance float64
	Threshold float64
}

func DefaultTrainOptions() TrainOptions {
	return TrainOptions{
		C:            1.0,
		MaxIter:      1000,
		LearningRate: 1.0,
		Tolerance:    1e-4,
		Threshold:    DefaultThreshold,
	}
}

type TrainReport struct {
	Iterations int     `json:"iterations"`
	Loss       float64 `json:"loss"`
	Converged  bool    `json:"converged"`
}

// TrainLogistic fits a logistic regression by full-batch gradient descent with
// backtracking line search. The result depends only on the inputs.
func TrainLogistic(features [][]float64, labels []int, opts TrainOptions) (*LogisticModel, TrainReport, error) {
	var report TrainReport
	if len(features) == 0 || len(labels) == 0 {
		return nil, report, errors.New("features or labels empty")
	}
	if len(features) != len(labels) {
		return nil, report, errors.New("features and labels size mismatch")
	}
	if opts.C <= 0 {
		return nil, report, fmt.Errorf("C must be positive, got %v", opts.C)
	}
	if opts.MaxIter <= 0 {
		return nil, report, errors.New("max iterations must be positive")
	}
	if opts.LearningRate <= 0 {
		opts.LearningRate = 1.0
	}
	if err := ValidateThreshold(opts.Threshold); err != nil {
		return nil, report, err
	}

	dim := len(features[0])
	positives := 0
	for i, x := range features {
		if len(x) != dim {
			return nil, report, fmt.Errorf("row %d: %w", i, &DimensionMismatchError{Expected: dim, Got: len(x)})
		}
		switch labels[i] {
		case 0:
		case 1:
			positives++
		default:
			return nil, report, fmt.Errorf("row %d: label must be 0 or 1, got %d", i, labels[i])
		}
	}
	if positives == 0 || positives == len(labels) {
		return nil, report, errors.New("training labels contain a single class")
	}

	obj := objective{x: features, y: labels, lambda: 1 / (opts.C * float64(len(labels)))}
	w := make([]float64, dim)
	b := 0.0
	step := opts.LearningRate
	loss, gw, gb := obj.eval(w, b)

	for report.Iterations = 0; report.Iterations < opts.MaxIter; report.Iterations++ {
		norm := gb * gb
		for _, g := range gw {
			norm += g * g
		}
		if math.Sqrt(norm) < opts.Tolerance {
			report.Converged = true
			break
		}

		nw := make([]float64, dim)
		var nb, nloss float64
		var ngw []float64
		var ngb float64
		for {
			for j := range w {
				nw[j] = w[j] - step*gw[j]
			}
			nb = b - step*gb
			nloss, ngw, ngb = obj.eval(nw, nb)
			if nloss <= loss-0.5*step*norm || step < 1e-12 {
				break
			}
			step /= 2
		}
		w, b, loss, gw, gb = nw, nb, nloss, ngw, ngb
		step = math.Min(step*2, opts.LearningRate)
	}
	report.Loss = loss

	model, err := NewLogisticModel(w, b, opts.Threshold)
	if err != nil {
		return nil, report, err
	}
	return model, report, nil
}

type objective struct {
	x      [][]float64
	y      []int
	lambda float64
}

// eval returns mean log-loss plus lambda/2*||w||^2 and its gradient.
func (o objective) eval(w []float64, b float64) (float64, []float64, float64) {
	n := float64(len(o.y))
	gw := make([]float64, len(w))
	gb := 0.0
	loss := 0.0
	for i, row := range o.x {
		z := b
		for j, v := range row {
			z += w[j] * v
		}
		y := float64(o.y[i])
		loss += softplus(z) - y*z
		r := Sigmoid(z) - y
		gb += r
		for j, v := range row {
			gw[j] += r * v
		}
	}
	loss /= n
	gb /= n
	for j := range gw {
		gw[j] = gw[j]/n + o.lambda*w[j]
		loss += 0.5 * o.lambda * w[j] * w[j]
	}
	return loss, gw, gb
}

// softplus computes log(1+e^z) without overflow.
func softplus(z float64) float64 {
	if z > 0 {
		return z + math.Log1p(math.Exp(-z))
	}
	return math.Log1p(math.Exp(z))
}
