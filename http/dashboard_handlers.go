package http

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"churnlens/dataset"
	"churnlens/ml"
	"churnlens/report"
)

const (
	defaultListLimit = 20
	maxListLimit     = 1000
)

func (a *API) handleDatasetSummary(w http.ResponseWriter, r *http.Request) {
	if a.data == nil {
		a.fail(w, r, notFound("no dataset loaded"))
		return
	}
	summary, err := dataset.Describe(a.data.Records, a.data.Schema)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

func (a *API) handleDatasetQuality(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		a.fail(w, r, notFound("no database configured"))
		return
	}
	limit, err := parseLimit(r, 100)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	issues, err := a.store.QualityIssues(r.Context(), a.source, limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"source": a.source,
		"issues": issues,
	})
}

type riskSummaryResponse struct {
	ModelID   string  `json:"model_id"`
	Threshold float64 `json:"threshold"`
	report.RiskSummary
}

func (a *API) handleRiskSummary(w http.ResponseWriter, r *http.Request) {
	s, customers, err := a.scoreDataset(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, riskSummaryResponse{
		ModelID:     s.ID(),
		Threshold:   s.Threshold(),
		RiskSummary: report.Summarize(customers),
	})
}

type atRiskCustomer struct {
	report.ScoredCustomer
	Recommendation string       `json:"recommendation"`
	Offer          report.Offer `json:"offer"`
}

func (a *API) handleRiskCustomers(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, defaultListLimit)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	s, customers, err := a.scoreDataset(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}

	top := report.AtRisk(customers, limit)
	out := make([]atRiskCustomer, len(top))
	for i, c := range top {
		out[i] = atRiskCustomer{
			ScoredCustomer: c,
			Recommendation: ml.Recommendation(c.Probability),
			Offer:          report.CustomerOffer(c.MonthlyCharges, c.Tier),
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"model_id":  s.ID(),
		"threshold": s.Threshold(),
		"customers": out,
	})
}

// handlePredictions 当前模型已保存的预测, ?high_risk=true 只返回高风险
func (a *API) handlePredictions(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		a.fail(w, r, notFound("no database configured"))
		return
	}
	s, err := a.scorers.Current()
	if err != nil {
		a.fail(w, r, err)
		return
	}
	limit, err := parseLimit(r, 100)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	highOnly := false
	if raw := r.URL.Query().Get("high_risk"); raw != "" {
		if highOnly, err = strconv.ParseBool(raw); err != nil {
			a.fail(w, r, badRequest("high_risk must be a boolean"))
			return
		}
	}

	total, high, err := a.store.CountPredictions(r.Context(), s.ID())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	predictions, err := a.store.TopPredictions(r.Context(), s.ID(), highOnly, limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"model_id":    s.ID(),
		"total":       total,
		"high_risk":   high,
		"predictions": predictions,
	})
}

// handleROI 挽留活动ROI计算, 未给出的字段使用默认值
func (a *API) handleROI(w http.ResponseWriter, r *http.Request) {
	in := report.DefaultROIInputs()
	if err := decodeBody(r.Body, &in); err != nil && !errors.Is(err, errEmptyBody) {
		a.fail(w, r, err)
		return
	}
	if err := in.Validate(); err != nil {
		a.fail(w, r, badRequest(err.Error()))
		return
	}
	result, err := report.ROI(in)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"inputs": in,
		"result": result,
	})
}

func (a *API) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("format") == "json" {
		respondJSON(w, http.StatusOK, a.metrics.Snapshot())
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	io.WriteString(w, a.metrics.ExportPrometheus())
}

func parseLimit(r *http.Request, def int) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, badRequest("limit must be a positive integer")
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit, nil
}
