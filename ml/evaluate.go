package ml

import (
	"errors"
	"sort"
)

type Confusion struct {
	TP int `json:"tp"`
	FP int `json:"fp"`
	TN int `json:"tn"`
	FN int `json:"fn"`
}

func (c Confusion) Total() int {
	return c.TP + c.FP + c.TN + c.FN
}

type Metrics struct {
	Accuracy  float64   `json:"accuracy"`
	Precision float64   `json:"precision"`
	Recall    float64   `json:"recall"`
	F1        float64   `json:"f1"`
	AUC       float64   `json:"auc"`
	Threshold float64   `json:"threshold"`
	Support   int       `json:"support"`
	Confusion Confusion `json:"confusion"`
}

// Evaluate compares churn probabilities with 0/1 labels. Ratios with a zero
// denominator are reported as 0, and so is AUC when only one class is present.
func Evaluate(labels []int, probabilities []float64, threshold float64) (Metrics, error) {
	if len(labels) == 0 {
		return Metrics{}, errors.New("labels is empty")
	}
	if len(labels) != len(probabilities) {
		return Metrics{}, errors.New("labels and probabilities size mismatch")
	}
	if err := ValidateThreshold(threshold); err != nil {
		return Metrics{}, err
	}

	var c Confusion
	for i, label := range labels {
		predicted := probabilities[i] >= threshold
		switch {
		case predicted && label == 1:
			c.TP++
		case predicted:
			c.FP++
		case label == 1:
			c.FN++
		default:
			c.TN++
		}
	}

	m := Metrics{
		Accuracy:  ratio(c.TP+c.TN, c.Total()),
		Precision: ratio(c.TP, c.TP+c.FP),
		Recall:    ratio(c.TP, c.TP+c.FN),
		AUC:       rocAUC(labels, probabilities),
		Threshold: threshold,
		Support:   len(labels),
		Confusion: c,
	}
	if m.Precision+m.Recall > 0 {
		m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	}
	return m, nil
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// rocAUC is the Mann-Whitney statistic with tied scores sharing their average
// rank.
func rocAUC(labels []int, scores []float64) float64 {
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return scores[idx[a]] < scores[idx[b]] })

	var positives, negatives int
	rankSum := 0.0
	for i := 0; i < len(idx); {
		j := i
		for j < len(idx) && scores[idx[j]] == scores[idx[i]] {
			j++
		}
		avg := float64(i+j+1) / 2
		for k := i; k < j; k++ {
			if labels[idx[k]] == 1 {
				positives++
				rankSum += avg
			} else {
				negatives++
			}
		}
		i = j
	}
	if positives == 0 || negatives == 0 {
		return 0
	}
	p := float64(positives)
	return (rankSum - p*(p+1)/2) / (p * float64(negatives))
}
