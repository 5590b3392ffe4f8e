package dataset

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"churnlens/ml"
)

const (
	MonthlyChargesField = "MonthlyCharges"
	TenureField         = "tenure"
)

// Labels 把目标列转换成 0/1 标签
func Labels(records []ml.CustomerRecord, schema ml.Schema) ([]int, error) {
	labels := make([]int, len(records))
	for i, rec := range records {
		v, ok := rec[schema.TargetField]
		if !ok || strings.TrimSpace(v) == "" {
			return nil, fmt.Errorf("record %d: %w", i, &ml.FieldError{Field: schema.TargetField, Reason: "missing label"})
		}
		if strings.TrimSpace(v) == schema.PositiveLabel {
			labels[i] = 1
		}
	}
	return labels, nil
}

// Segment 某个分类取值的流失情况
type Segment struct {
	Field     string  `json:"field"`
	Value     string  `json:"value"`
	Customers int     `json:"customers"`
	Churned   int     `json:"churned"`
	ChurnRate float64 `json:"churn_rate"`
}

// Summary 数据集概览
type Summary struct {
	Customers         int       `json:"customers"`
	Churned           int       `json:"churned"`
	ChurnRate         float64   `json:"churn_rate"`
	AvgMonthlyCharges float64   `json:"avg_monthly_charges"`
	AvgTenure         float64   `json:"avg_tenure"`
	Segments          []Segment `json:"segments"`
}

// Describe 统计数据集，分段按流失率从高到低排序
func Describe(records []ml.CustomerRecord, schema ml.Schema) (Summary, error) {
	var s Summary
	s.Customers = len(records)
	if len(records) == 0 {
		return s, nil
	}
	labels, err := Labels(records, schema)
	if err != nil {
		return s, err
	}

	type key struct{ field, value string }
	counts := make(map[key]*Segment)
	var monthly, tenure float64
	for i, rec := range records {
		s.Churned += labels[i]
		monthly += parseOrZero(rec[MonthlyChargesField])
		tenure += parseOrZero(rec[TenureField])
		for _, f := range schema.Fields {
			if f.Kind != ml.Categorical {
				continue
			}
			k := key{f.Name, strings.TrimSpace(rec[f.Name])}
			seg, ok := counts[k]
			if !ok {
				seg = &Segment{Field: k.field, Value: k.value}
				counts[k] = seg
			}
			seg.Customers++
			seg.Churned += labels[i]
		}
	}

	n := float64(len(records))
	s.ChurnRate = float64(s.Churned) / n
	s.AvgMonthlyCharges = monthly / n
	s.AvgTenure = tenure / n

	s.Segments = make([]Segment, 0, len(counts))
	for _, seg := range counts {
		seg.ChurnRate = float64(seg.Churned) / float64(seg.Customers)
		s.Segments = append(s.Segments, *seg)
	}
	sort.Slice(s.Segments, func(i, j int) bool {
		a, b := s.Segments[i], s.Segments[j]
		if a.ChurnRate != b.ChurnRate {
			return a.ChurnRate > b.ChurnRate
		}
		if a.Field != b.Field {
			return a.Field < b.Field
		}
		return a.Value < b.Value
	})
	return s, nil
}

func parseOrZero(v string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0
	}
	return f
}
