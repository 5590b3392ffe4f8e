package http

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"churnlens/dataset"
	"churnlens/db"
	"churnlens/ml"
	"churnlens/monitoring"
	"churnlens/report"
)

const maxBatchRecords = 10000

// Options API依赖
type Options struct {
	Store   *db.Store
	Hub     *monitoring.Hub
	Metrics *monitoring.MetricsCollector
	// Dataset backs the dataset and risk endpoints. DatasetSource names it in
	// the data quality table.
	Dataset       *dataset.Dataset
	DatasetSource string
	Tiers         ml.Tiering
	Costs         report.Costs
	Workers       int
	CacheSize     int
	Logger        *zap.Logger
}

// API 流失评分服务
type API struct {
	scorers ml.ScorerSource
	store   *db.Store
	hub     *monitoring.Hub
	metrics *monitoring.MetricsCollector
	data    *dataset.Dataset
	source  string
	tiers   ml.Tiering
	costs   report.Costs
	workers int
	logger  *zap.Logger
	cache   *lru.Cache[string, ml.ScoreResult]

	mu     sync.Mutex
	scored *scoredDataset
}

type scoredDataset struct {
	modelID   string
	threshold float64
	customers []report.ScoredCustomer
}

// NewAPI 创建评分服务
func NewAPI(scorers ml.ScorerSource, opts Options) (*API, error) {
	if scorers == nil {
		return nil, errors.New("scorer source is required")
	}
	a := &API{
		scorers: scorers,
		store:   opts.Store,
		hub:     opts.Hub,
		metrics: opts.Metrics,
		data:    opts.Dataset,
		source:  opts.DatasetSource,
		tiers:   opts.Tiers,
		costs:   opts.Costs,
		workers: opts.Workers,
		logger:  opts.Logger,
	}
	if a.metrics == nil {
		a.metrics = monitoring.NewMetricsCollector()
	}
	if a.tiers == (ml.Tiering{}) {
		a.tiers = ml.DefaultTiering()
	}
	if err := a.tiers.Validate(); err != nil {
		return nil, err
	}
	if a.costs.RetentionCost.IsZero() && a.costs.AcquisitionCost.IsZero() {
		a.costs = report.DefaultCosts()
	}
	if a.logger == nil {
		a.logger = zap.NewNop()
	}
	if opts.CacheSize > 0 {
		cache, err := lru.New[string, ml.ScoreResult](opts.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("score cache: %w", err)
		}
		a.cache = cache
	}
	return a, nil
}

// Register 注册所有路由
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", a.handleHealth)
	mux.HandleFunc("GET /api/model", a.handleModel)
	mux.HandleFunc("GET /api/model/history", a.handleModelHistory)
	mux.HandleFunc("POST /api/score", a.handleScore)
	mux.HandleFunc("POST /api/score/batch", a.handleScoreBatch)
	mux.HandleFunc("GET /api/dataset/summary", a.handleDatasetSummary)
	mux.HandleFunc("GET /api/dataset/quality", a.handleDatasetQuality)
	mux.HandleFunc("GET /api/risk/summary", a.handleRiskSummary)
	mux.HandleFunc("GET /api/risk/customers", a.handleRiskCustomers)
	mux.HandleFunc("GET /api/predictions", a.handlePredictions)
	mux.HandleFunc("POST /api/roi", a.handleROI)
	mux.HandleFunc("GET /api/metrics", a.handleMetrics)
	if a.hub != nil {
		mux.HandleFunc("GET /api/ws/dashboard", a.hub.HandleWebSocket)
	}
}

// ModelChanged 模型切换后清空评分缓存
func (a *API) ModelChanged(s *ml.Scorer) {
	if a.cache != nil {
		a.cache.Purge()
	}
	a.metrics.IncrCounter(monitoring.MetricModelReloads, 1, nil)
	if a.hub != nil {
		a.hub.Publish(monitoring.ModelReloaded, monitoring.ModelReloadedMessage{
			ModelID:   s.ID(),
			Dimension: s.Model().Dimension(),
			Threshold: s.Threshold(),
			Timestamp: time.Now(),
		})
	}
}

func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, kind := errorStatus(err)
	a.metrics.ObserveError(kind)
	if status >= http.StatusInternalServerError {
		a.logger.Error("request failed",
			zap.String("request_id", GetRequestID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	respondError(w, status, err.Error())
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok", "model_loaded": false}
	if s, err := a.scorers.Current(); err == nil {
		resp["model_loaded"] = true
		resp["model_id"] = s.ID()
	}
	if a.hub != nil {
		resp["dashboard"] = a.hub.Stats()
	}
	respondJSON(w, http.StatusOK, resp)
}

type modelResponse struct {
	ID              string           `json:"id"`
	Type            string           `json:"type"`
	Dimension       int              `json:"dimension"`
	Threshold       float64          `json:"threshold"`
	Normalization   ml.Normalization `json:"normalization"`
	UnknownPolicy   ml.UnknownPolicy `json:"unknown_policy"`
	DerivedFeatures bool             `json:"derived_features"`
	Features        []string         `json:"features"`
	Metrics         *ml.Metrics      `json:"metrics,omitempty"`
	BusinessImpact  *report.Impact   `json:"business_impact,omitempty"`
}

func (a *API) handleModel(w http.ResponseWriter, r *http.Request) {
	s, err := a.scorers.Current()
	if err != nil {
		a.fail(w, r, err)
		return
	}
	enc := s.Encoder()
	resp := modelResponse{
		ID:              s.ID(),
		Type:            ml.ModelTypeLogistic,
		Dimension:       s.Model().Dimension(),
		Threshold:       s.Threshold(),
		Normalization:   enc.Normalization,
		UnknownPolicy:   enc.Unknown,
		DerivedFeatures: enc.Schema.DerivedFeature,
		Features:        enc.FeatureNames(),
		Metrics:         s.Metrics(),
	}
	if m := s.Metrics(); m != nil && a.data != nil && len(a.data.Records) > 0 {
		if value, err := report.AnnualCustomerValue(a.data.Records); err == nil {
			impact := report.BusinessImpact(m.Confusion, value, a.costs)
			resp.BusinessImpact = &impact
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

func (a *API) handleModelHistory(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		a.fail(w, r, notFound("no database configured"))
		return
	}
	logs, err := a.store.LoadTrainingLog(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, logs)
}

type scoreResponse struct {
	CustomerID     string        `json:"customer_id,omitempty"`
	ModelID        string        `json:"model_id"`
	Probability    float64       `json:"probability"`
	HighRisk       bool          `json:"high_risk"`
	Threshold      float64       `json:"threshold"`
	Tier           ml.Tier       `json:"tier"`
	Recommendation string        `json:"recommendation"`
	MonthlyCharges string        `json:"monthly_charges,omitempty"`
	Offer          *report.Offer `json:"offer,omitempty"`
}

func (a *API) handleScore(w http.ResponseWriter, r *http.Request) {
	start := requestStart(r)
	s, err := a.scorerFor(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	var raw map[string]any
	if err := decodeBody(r.Body, &raw); err != nil {
		a.fail(w, r, err)
		return
	}
	rec, err := toRecord(raw)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	res, err := a.score(s, rec)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	resp := a.describe(s, rec, res)
	a.metrics.ObserveScore(1, boolCount(res.HighRisk), time.Since(start))
	a.publish(resp)
	respondJSON(w, http.StatusOK, resp)
}

type batchResponse struct {
	ModelID  string          `json:"model_id"`
	Count    int             `json:"count"`
	HighRisk int             `json:"high_risk"`
	Results  []scoreResponse `json:"results"`
}

func (a *API) handleScoreBatch(w http.ResponseWriter, r *http.Request) {
	start := requestStart(r)
	s, err := a.scorerFor(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	var raw []map[string]any
	if err := decodeBody(r.Body, &raw); err != nil {
		a.fail(w, r, err)
		return
	}
	if len(raw) > maxBatchRecords {
		a.fail(w, r, badRequest(fmt.Sprintf("batch exceeds %d records", maxBatchRecords)))
		return
	}
	records := make([]ml.CustomerRecord, len(raw))
	for i, m := range raw {
		rec, err := toRecord(m)
		if err != nil {
			a.fail(w, r, fmt.Errorf("record %d: %w", i, err))
			return
		}
		records[i] = rec
	}

	results, err := s.ScoreBatch(r.Context(), records, a.workers)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	resp := batchResponse{ModelID: s.ID(), Count: len(results), Results: make([]scoreResponse, len(results))}
	for i, res := range results {
		resp.Results[i] = a.describe(s, records[i], res)
		if res.HighRisk {
			resp.HighRisk++
		}
		a.publish(resp.Results[i])
		if a.cache != nil {
			a.cache.Add(cacheKey(s, records[i]), res)
		}
	}
	a.metrics.ObserveScore(len(results), resp.HighRisk, time.Since(start))
	respondJSON(w, http.StatusOK, resp)
}

// scorerFor applies an optional ?threshold= override to the current scorer.
func (a *API) scorerFor(r *http.Request) (*ml.Scorer, error) {
	s, err := a.scorers.Current()
	if err != nil {
		return nil, err
	}
	raw := r.URL.Query().Get("threshold")
	if raw == "" {
		return s, nil
	}
	t, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, badRequest("threshold must be a number")
	}
	override, err := s.WithThreshold(t)
	if err != nil {
		return nil, badRequest(err.Error())
	}
	return override, nil
}

func (a *API) score(s *ml.Scorer, rec ml.CustomerRecord) (ml.ScoreResult, error) {
	if a.cache == nil {
		return s.Score(rec)
	}
	key := cacheKey(s, rec)
	if res, ok := a.cache.Get(key); ok {
		a.metrics.IncrCounter(monitoring.MetricCacheHits, 1, nil)
		return res, nil
	}
	a.metrics.IncrCounter(monitoring.MetricCacheMisses, 1, nil)
	res, err := s.Score(rec)
	if err != nil {
		return res, err
	}
	a.cache.Add(key, res)
	return res, nil
}

func (a *API) describe(s *ml.Scorer, rec ml.CustomerRecord, res ml.ScoreResult) scoreResponse {
	tier := a.tiers.Tier(res.Probability)
	resp := scoreResponse{
		CustomerID:     rec[s.Encoder().Schema.IDField],
		ModelID:        s.ID(),
		Probability:    res.Probability,
		HighRisk:       res.HighRisk,
		Threshold:      s.Threshold(),
		Tier:           tier,
		Recommendation: ml.Recommendation(res.Probability),
	}
	if monthly, err := report.MonthlyCharges(rec); err == nil {
		offer := report.CustomerOffer(monthly, tier)
		resp.MonthlyCharges = monthly.String()
		resp.Offer = &offer
	}
	return resp
}

func (a *API) publish(resp scoreResponse) {
	if a.hub == nil {
		return
	}
	event := monitoring.ScoreEventMessage{
		CustomerID:     resp.CustomerID,
		ModelID:        resp.ModelID,
		Probability:    resp.Probability,
		HighRisk:       resp.HighRisk,
		Threshold:      resp.Threshold,
		Tier:           string(resp.Tier),
		MonthlyCharges: resp.MonthlyCharges,
		Recommendation: resp.Recommendation,
	}
	if err := a.hub.PublishScore(event); err != nil {
		a.logger.Warn("publish score event failed", zap.Error(err))
	}
}

// scoreDataset scores the loaded dataset once per model and threshold and
// persists the predictions.
func (a *API) scoreDataset(ctx context.Context) (*ml.Scorer, []report.ScoredCustomer, error) {
	if a.data == nil || len(a.data.Records) == 0 {
		return nil, nil, notFound("no dataset loaded")
	}
	s, err := a.scorers.Current()
	if err != nil {
		return nil, nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if c := a.scored; c != nil && c.modelID == s.ID() && c.threshold == s.Threshold() {
		return s, c.customers, nil
	}

	customers, err := report.ScoreCustomers(ctx, s, a.data.Records, a.data.Schema, a.tiers, a.workers)
	if err != nil {
		return nil, nil, err
	}
	a.scored = &scoredDataset{modelID: s.ID(), threshold: s.Threshold(), customers: customers}
	a.persist(ctx, s, customers)
	return s, customers, nil
}

func (a *API) persist(ctx context.Context, s *ml.Scorer, customers []report.ScoredCustomer) {
	if a.store == nil {
		return
	}
	now := time.Now().UTC()
	predictions := make([]db.Prediction, 0, len(customers))
	for _, c := range customers {
		if c.CustomerID == "" {
			continue
		}
		predictions = append(predictions, db.Prediction{
			CustomerID:     c.CustomerID,
			ModelID:        s.ID(),
			Probability:    c.Probability,
			HighRisk:       c.HighRisk,
			Tier:           string(c.Tier),
			MonthlyCharges: c.MonthlyCharges.String(),
			ScoredAt:       now,
		})
	}
	if err := a.store.SavePredictions(ctx, predictions); err != nil {
		a.logger.Error("save predictions failed", zap.String("model_id", s.ID()), zap.Error(err))
		return
	}
	a.logger.Info("predictions saved", zap.String("model_id", s.ID()), zap.Int("count", len(predictions)))
}

// cacheKey identifies a score by model, threshold and record contents.
func cacheKey(s *ml.Scorer, rec ml.CustomerRecord) string {
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	io.WriteString(h, s.ID())
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(s.Threshold()))
	h.Write(buf[:])
	for _, k := range keys {
		h.Write([]byte{0})
		io.WriteString(h, k)
		h.Write([]byte{1})
		io.WriteString(h, rec[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

func decodeBody(body io.Reader, v any) error {
	dec := json.NewDecoder(body)
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		var maxBytes *http.MaxBytesError
		if errors.As(err, &maxBytes) {
			return err
		}
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return badRequest("invalid json: " + err.Error())
	}
	return nil
}

// toRecord accepts string and number values; null leaves the field unset.
func toRecord(raw map[string]any) (ml.CustomerRecord, error) {
	if raw == nil {
		return nil, badRequest("record must be a json object")
	}
	rec := make(ml.CustomerRecord, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case nil:
		case string:
			rec[k] = val
		case json.Number:
			rec[k] = val.String()
		default:
			return nil, badRequest(fmt.Sprintf("field %s must be a string or number", k))
		}
	}
	return rec, nil
}

func requestStart(r *http.Request) time.Time {
	if t := GetStartTime(r.Context()); !t.IsZero() {
		return t
	}
	return time.Now()
}

func boolCount(b bool) int {
	if b {
		return 1
	}
	return 0
}
