package report

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"churnlens/ml"
)

var segmentFields = []string{"Contract", "PaymentMethod", "InternetService"}

// ScoredCustomer is one customer with its churn score and revenue.
type ScoredCustomer struct {
	CustomerID     string          `json:"customer_id"`
	MonthlyCharges decimal.Decimal `json:"monthly_charges"`
	Contract       string          `json:"contract,omitempty"`
	PaymentMethod  string          `json:"payment_method,omitempty"`
	Internet       string          `json:"internet_service,omitempty"`
	Probability    float64         `json:"probability"`
	HighRisk       bool            `json:"high_risk"`
	Tier           ml.Tier         `json:"tier"`
}

func (c ScoredCustomer) segment(field string) string {
	switch field {
	case "Contract":
		return c.Contract
	case "PaymentMethod":
		return c.PaymentMethod
	case "InternetService":
		return c.Internet
	}
	return ""
}

// ScoreCustomers scores every record and attaches the fields reports need.
func ScoreCustomers(ctx context.Context, scorer ml.BatchScorer, records []ml.CustomerRecord, schema ml.Schema, tiers ml.Tiering, workers int) ([]ScoredCustomer, error) {
	results, err := scorer.ScoreBatch(ctx, records, workers)
	if err != nil {
		return nil, err
	}
	out := make([]ScoredCustomer, len(records))
	for i, rec := range records {
		monthly, err := MonthlyCharges(rec)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		out[i] = ScoredCustomer{
			CustomerID:     rec[schema.IDField],
			MonthlyCharges: monthly,
			Contract:       strings.TrimSpace(rec["Contract"]),
			PaymentMethod:  strings.TrimSpace(rec["PaymentMethod"]),
			Internet:       strings.TrimSpace(rec["InternetService"]),
			Probability:    results[i].Probability,
			HighRisk:       results[i].HighRisk,
			Tier:           tiers.Tier(results[i].Probability),
		}
	}
	return out, nil
}

func MonthlyCharges(rec ml.CustomerRecord) (decimal.Decimal, error) {
	raw := strings.TrimSpace(rec["MonthlyCharges"])
	if raw == "" {
		return decimal.Zero, &ml.FieldError{Field: "MonthlyCharges", Reason: "missing"}
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, &ml.FieldError{Field: "MonthlyCharges", Reason: "not a number: " + raw}
	}
	return d, nil
}

// AnnualCustomerValue is the mean monthly charge times twelve.
func AnnualCustomerValue(records []ml.CustomerRecord) (decimal.Decimal, error) {
	if len(records) == 0 {
		return decimal.Zero, nil
	}
	total := decimal.Zero
	for i, rec := range records {
		m, err := MonthlyCharges(rec)
		if err != nil {
			return decimal.Zero, fmt.Errorf("record %d: %w", i, err)
		}
		total = total.Add(m)
	}
	return total.Div(decimal.NewFromInt(int64(len(records)))).Mul(decimal.NewFromInt(12)), nil
}

type SegmentRisk struct {
	Field         string          `json:"field"`
	Value         string          `json:"value"`
	Customers     int             `json:"customers"`
	HighRisk      int             `json:"high_risk"`
	HighRiskRate  float64         `json:"high_risk_rate"`
	RevenueAtRisk decimal.Decimal `json:"monthly_revenue_at_risk"`
}

type RiskSummary struct {
	Scored               int             `json:"scored"`
	HighRisk             int             `json:"high_risk"`
	HighRiskRate         float64         `json:"high_risk_rate"`
	AvgProbability       float64         `json:"avg_probability"`
	Tiers                map[ml.Tier]int `json:"tiers"`
	MonthlyRevenueAtRisk decimal.Decimal `json:"monthly_revenue_at_risk"`
	AnnualRevenueAtRisk  decimal.Decimal `json:"annual_revenue_at_risk"`
	Segments             []SegmentRisk   `json:"segments"`
}

// Summarize aggregates scored customers. Revenue at risk counts the monthly
// charges of high-risk customers only.
func Summarize(customers []ScoredCustomer) RiskSummary {
	s := RiskSummary{
		Scored: len(customers),
		Tiers:  map[ml.Tier]int{ml.TierHigh: 0, ml.TierMedium: 0, ml.TierLow: 0},
	}
	s.MonthlyRevenueAtRisk = decimal.Zero

	type key struct{ field, value string }
	segs := make(map[key]*SegmentRisk)
	probSum := 0.0
	for _, c := range customers {
		probSum += c.Probability
		s.Tiers[c.Tier]++
		if c.HighRisk {
			s.HighRisk++
			s.MonthlyRevenueAtRisk = s.MonthlyRevenueAtRisk.Add(c.MonthlyCharges)
		}
		for _, field := range segmentFields {
			value := c.segment(field)
			if value == "" {
				continue
			}
			k := key{field, value}
			seg, ok := segs[k]
			if !ok {
				seg = &SegmentRisk{Field: field, Value: value, RevenueAtRisk: decimal.Zero}
				segs[k] = seg
			}
			seg.Customers++
			if c.HighRisk {
				seg.HighRisk++
				seg.RevenueAtRisk = seg.RevenueAtRisk.Add(c.MonthlyCharges)
			}
		}
	}
	s.AnnualRevenueAtRisk = s.MonthlyRevenueAtRisk.Mul(decimal.NewFromInt(12))
	if len(customers) > 0 {
		s.HighRiskRate = float64(s.HighRisk) / float64(len(customers))
		s.AvgProbability = probSum / float64(len(customers))
	}

	s.Segments = make([]SegmentRisk, 0, len(segs))
	for _, seg := range segs {
		seg.HighRiskRate = float64(seg.HighRisk) / float64(seg.Customers)
		s.Segments = append(s.Segments, *seg)
	}
	sort.Slice(s.Segments, func(i, j int) bool {
		a, b := s.Segments[i], s.Segments[j]
		if !a.RevenueAtRisk.Equal(b.RevenueAtRisk) {
			return a.RevenueAtRisk.GreaterThan(b.RevenueAtRisk)
		}
		if a.Field != b.Field {
			return a.Field < b.Field
		}
		return a.Value < b.Value
	})
	return s
}

// AtRisk returns high-risk customers, most likely to churn first. A limit of
// zero or less returns all of them.
func AtRisk(customers []ScoredCustomer, limit int) []ScoredCustomer {
	out := make([]ScoredCustomer, 0)
	for _, c := range customers {
		if c.HighRisk {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Probability != out[j].Probability {
			return out[i].Probability > out[j].Probability
		}
		return out[i].CustomerID < out[j].CustomerID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
