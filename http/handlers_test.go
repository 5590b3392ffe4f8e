package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"churnlens/dataset"
	"churnlens/db"
	"churnlens/ml"
	"churnlens/monitoring"
)

const testModelID = "test-model"

func contractSchema() ml.Schema {
	return ml.Schema{
		IDField:       "customerID",
		TargetField:   "Churn",
		PositiveLabel: "Yes",
		Fields: []ml.Field{
			{Name: "Contract", Kind: ml.Categorical},
			{Name: "MonthlyCharges", Kind: ml.Numeric},
		},
	}
}

func contractRecords() []ml.CustomerRecord {
	return []ml.CustomerRecord{
		{"customerID": "A", "Contract": "Month-to-month", "MonthlyCharges": "70.70", "Churn": "Yes"},
		{"customerID": "B", "Contract": "Two year", "MonthlyCharges": "20", "Churn": "No"},
		{"customerID": "C", "Contract": "One year", "MonthlyCharges": "50", "Churn": "No"},
	}
}

// testScorer: Month-to-month/70.70 -> 0.97, Two year/20 -> 0.05,
// One year/50 -> 0.62.
func testScorer(t *testing.T) *ml.Scorer {
	t.Helper()
	enc, err := ml.FitEncoder(contractSchema(), contractRecords(), ml.EncoderOptions{Normalization: ml.NormalizeNone})
	require.NoError(t, err)
	model, err := ml.NewLogisticModel([]float64{-2, 0.05}, 0, 0.5)
	require.NoError(t, err)
	s, err := ml.NewScorer(testModelID, enc, model)
	require.NoError(t, err)
	return s
}

type fixture struct {
	api      *API
	provider *ml.Provider
	store    *db.Store
	metrics  *monitoring.MetricsCollector
	handler  http.Handler
}

func newFixture(t *testing.T, withModel bool) *fixture {
	t.Helper()
	store, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "api.db")})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	provider := ml.NewProvider(filepath.Join(t.TempDir(), "missing.json"), nil)
	if withModel {
		provider.Set(testScorer(t))
	}
	metrics := monitoring.NewMetricsCollector()
	api, err := NewAPI(provider, Options{
		Store:         store,
		Metrics:       metrics,
		Dataset:       &dataset.Dataset{Schema: contractSchema(), Records: contractRecords()},
		DatasetSource: "contracts.csv",
		Workers:       2,
		CacheSize:     16,
	})
	require.NoError(t, err)

	srv := NewServer(DefaultServerConfig(), api, nil)
	return &fixture{api: api, provider: provider, store: store, metrics: metrics, handler: srv.Handler()}
}

func (f *fixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	f := newFixture(t, false)
	w := f.do(t, http.MethodGet, "/api/health", "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, false, body["model_loaded"])
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))

	f.provider.Set(testScorer(t))
	body = decode[map[string]any](t, f.do(t, http.MethodGet, "/api/health", ""))
	assert.Equal(t, true, body["model_loaded"])
	assert.Equal(t, testModelID, body["model_id"])
}

func TestModelInfo(t *testing.T) {
	f := newFixture(t, true)
	w := f.do(t, http.MethodGet, "/api/model", "")
	require.Equal(t, http.StatusOK, w.Code)

	body := decode[modelResponse](t, w)
	assert.Equal(t, testModelID, body.ID)
	assert.Equal(t, ml.ModelTypeLogistic, body.Type)
	assert.Equal(t, 2, body.Dimension)
	assert.Equal(t, []string{"Contract", "MonthlyCharges"}, body.Features)
	assert.Equal(t, ml.UnknownReject, body.UnknownPolicy)
	assert.Nil(t, body.Metrics)
	assert.Nil(t, body.BusinessImpact)
}

func TestScore(t *testing.T) {
	f := newFixture(t, true)
	w := f.do(t, http.MethodPost, "/api/score",
		`{"customerID":"A","Contract":"Month-to-month","MonthlyCharges":70.70,"SeniorCitizen":null}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decode[scoreResponse](t, w)
	assert.Equal(t, "A", body.CustomerID)
	assert.Equal(t, testModelID, body.ModelID)
	assert.InDelta(t, ml.Sigmoid(0.05*70.70), body.Probability, 1e-12)
	assert.True(t, body.HighRisk)
	assert.Equal(t, ml.TierHigh, body.Tier)
	assert.Equal(t, 0.5, body.Threshold)
	assert.Equal(t, "70.7", body.MonthlyCharges)
	assert.True(t, strings.HasPrefix(body.Recommendation, "Immediate intervention"))
	require.NotNil(t, body.Offer)
	assert.Equal(t, "50", body.Offer.Investment.String())
}

func TestScoreThresholdOverride(t *testing.T) {
	f := newFixture(t, true)
	record := `{"customerID":"C","Contract":"One year","MonthlyCharges":"50"}`

	body := decode[scoreResponse](t, f.do(t, http.MethodPost, "/api/score", record))
	assert.True(t, body.HighRisk)
	assert.Equal(t, ml.TierMedium, body.Tier)

	w := f.do(t, http.MethodPost, "/api/score?threshold=0.7", record)
	require.Equal(t, http.StatusOK, w.Code)
	body = decode[scoreResponse](t, w)
	assert.False(t, body.HighRisk)
	assert.Equal(t, 0.7, body.Threshold)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/score?threshold=1.5", record).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/api/score?threshold=high", record).Code)
}

func TestScoreErrors(t *testing.T) {
	f := newFixture(t, true)
	cases := []struct {
		name   string
		body   string
		status int
		substr string
	}{
		{"unknown category", `{"Contract":"Three year","MonthlyCharges":10}`, http.StatusUnprocessableEntity, "Three year"},
		{"missing field", `{"Contract":"One year"}`, http.StatusUnprocessableEntity, "MonthlyCharges"},
		{"bad number", `{"Contract":"One year","MonthlyCharges":"lots"}`, http.StatusUnprocessableEntity, "MonthlyCharges"},
		{"boolean value", `{"Contract":"One year","MonthlyCharges":true}`, http.StatusBadRequest, "string or number"},
		{"not json", `{"Contract":`, http.StatusBadRequest, "invalid json"},
		{"empty body", ``, http.StatusBadRequest, "empty"},
		{"null", `null`, http.StatusBadRequest, "json object"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, "/api/score", tc.body)
			assert.Equal(t, tc.status, w.Code)
			assert.Contains(t, decode[map[string]string](t, w)["error"], tc.substr)
		})
	}
	assert.Equal(t, 2.0, f.metrics.Counter(monitoring.MetricScoreErrors, map[string]string{"kind": "field"}))
}

func TestScoreWithoutModel(t *testing.T) {
	f := newFixture(t, false)
	w := f.do(t, http.MethodPost, "/api/score", `{"Contract":"One year","MonthlyCharges":50}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodGet, "/api/model", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, f.do(t, http.MethodGet, "/api/risk/summary", "").Code)
}

func TestScoreUsesCache(t *testing.T) {
	f := newFixture(t, true)
	record := `{"Contract":"Two year","MonthlyCharges":20}`
	first := decode[scoreResponse](t, f.do(t, http.MethodPost, "/api/score", record))
	second := decode[scoreResponse](t, f.do(t, http.MethodPost, "/api/score", record))

	assert.Equal(t, first.Probability, second.Probability)
	assert.Equal(t, 1.0, f.metrics.Counter(monitoring.MetricCacheMisses, nil))
	assert.Equal(t, 1.0, f.metrics.Counter(monitoring.MetricCacheHits, nil))
	assert.Equal(t, 1, f.api.cache.Len())

	// a different threshold is a different entry
	f.do(t, http.MethodPost, "/api/score?threshold=0.9", record)
	assert.Equal(t, 2, f.api.cache.Len())

	s, err := f.provider.Current()
	require.NoError(t, err)
	f.api.ModelChanged(s)
	assert.Equal(t, 0, f.api.cache.Len())
	assert.Equal(t, 1.0, f.metrics.Counter(monitoring.MetricModelReloads, nil))
}

func TestCacheKey(t *testing.T) {
	s := testScorer(t)
	a := ml.CustomerRecord{"Contract": "One year", "MonthlyCharges": "50"}
	b := ml.CustomerRecord{"MonthlyCharges": "50", "Contract": "One year"}
	c := ml.CustomerRecord{"Contract": "One year", "MonthlyCharges": "51"}
	assert.Equal(t, cacheKey(s, a), cacheKey(s, b))
	assert.NotEqual(t, cacheKey(s, a), cacheKey(s, c))

	s2, err := s.WithThreshold(0.6)
	require.NoError(t, err)
	assert.NotEqual(t, cacheKey(s, a), cacheKey(s2, a))
}

func TestScoreBatch(t *testing.T) {
	f := newFixture(t, true)
	w := f.do(t, http.MethodPost, "/api/score/batch", `[
		{"customerID":"A","Contract":"Month-to-month","MonthlyCharges":70.70},
		{"customerID":"B","Contract":"Two year","MonthlyCharges":20},
		{"customerID":"C","Contract":"One year","MonthlyCharges":50}
	]`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decode[batchResponse](t, w)
	assert.Equal(t, 3, body.Count)
	assert.Equal(t, 2, body.HighRisk)
	require.Len(t, body.Results, 3)
	assert.Equal(t, []string{"A", "B", "C"}, []string{body.Results[0].CustomerID, body.Results[1].CustomerID, body.Results[2].CustomerID})
	assert.Equal(t, ml.TierLow, body.Results[1].Tier)
	assert.Equal(t, 3.0, f.metrics.Counter(monitoring.MetricScoredRecords, nil))
}

func TestScoreBatchReportsFailingRecord(t *testing.T) {
	f := newFixture(t, true)
	w := f.do(t, http.MethodPost, "/api/score/batch", `[
		{"Contract":"Two year","MonthlyCharges":20},
		{"Contract":"Lifetime","MonthlyCharges":20}
	]`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, decode[map[string]string](t, w)["error"], "record 1")

	w = f.do(t, http.MethodPost, "/api/score/batch", `[{"Contract":"Two year"}, null]`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodPost, "/api/score/batch", `{"Contract":"Two year"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRiskSummaryPersistsPredictions(t *testing.T) {
	f := newFixture(t, true)
	w := f.do(t, http.MethodGet, "/api/risk/summary", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decode[map[string]any](t, w)
	assert.Equal(t, testModelID, body["model_id"])
	assert.Equal(t, 3.0, body["scored"])
	assert.Equal(t, 2.0, body["high_risk"])
	assert.Equal(t, "120.7", body["monthly_revenue_at_risk"])
	assert.Equal(t, "1448.4", body["annual_revenue_at_risk"])

	total, high, err := f.store.CountPredictions(context.Background(), testModelID)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Equal(t, 2, high)
}

func TestPredictions(t *testing.T) {
	f := newFixture(t, true)
	require.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/api/risk/summary", "").Code)

	w := f.do(t, http.MethodGet, "/api/predictions?high_risk=true&limit=1", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var body struct {
		ModelID     string          `json:"model_id"`
		Total       int             `json:"total"`
		HighRisk    int             `json:"high_risk"`
		Predictions []db.Prediction `json:"predictions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, testModelID, body.ModelID)
	assert.Equal(t, 3, body.Total)
	assert.Equal(t, 2, body.HighRisk)
	require.Len(t, body.Predictions, 1)
	assert.Equal(t, "A", body.Predictions[0].CustomerID)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/predictions?high_risk=maybe", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, newFixture(t, false).do(t, http.MethodGet, "/api/predictions", "").Code)
}

func TestRiskCustomers(t *testing.T) {
	f := newFixture(t, true)
	w := f.do(t, http.MethodGet, "/api/risk/customers?limit=1", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var body struct {
		Customers []atRiskCustomer `json:"customers"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Customers, 1)
	assert.Equal(t, "A", body.Customers[0].CustomerID)
	assert.Equal(t, ml.TierHigh, body.Customers[0].Tier)
	assert.Equal(t, "50", body.Customers[0].Offer.Investment.String())
	assert.NotEmpty(t, body.Customers[0].Recommendation)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/api/risk/customers?limit=-3", "").Code)
}

func TestDatasetEndpoints(t *testing.T) {
	f := newFixture(t, false)
	w := f.do(t, http.MethodGet, "/api/dataset/summary", "")
	require.Equal(t, http.StatusOK, w.Code)
	summary := decode[dataset.Summary](t, w)
	assert.Equal(t, 3, summary.Customers)
	assert.Equal(t, 1, summary.Churned)

	require.NoError(t, f.store.SaveQualityIssues(context.Background(), []db.QualityIssue{
		{Source: "contracts.csv", Row: 4, Rule: "numeric_validation", Severity: "high", Message: "bad charge"},
	}))
	w = f.do(t, http.MethodGet, "/api/dataset/quality", "")
	require.Equal(t, http.StatusOK, w.Code)
	var quality struct {
		Source string            `json:"source"`
		Issues []db.QualityIssue `json:"issues"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &quality))
	assert.Equal(t, "contracts.csv", quality.Source)
	require.Len(t, quality.Issues, 1)
	assert.Equal(t, 4, quality.Issues[0].Row)
}

func TestModelHistory(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.store.SaveTrainingLog(context.Background(), db.TrainingLog{
		ModelID: testModelID, ModelType: ml.ModelTypeLogistic, AUC: 0.84, TrainedAt: time.Now(),
	}))
	w := f.do(t, http.MethodGet, "/api/model/history", "")
	require.Equal(t, http.StatusOK, w.Code)
	logs := decode[[]db.TrainingLog](t, w)
	require.Len(t, logs, 1)
	assert.Equal(t, testModelID, logs[0].ModelID)
}

func TestROI(t *testing.T) {
	f := newFixture(t, false)

	w := f.do(t, http.MethodPost, "/api/roi", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode[map[string]map[string]any](t, w)
	assert.Equal(t, "677.12", body["result"]["roi_percent"])
	assert.Equal(t, 300.0, body["result"]["customers_retained"])

	w = f.do(t, http.MethodPost, "/api/roi", `{"target_customers":500,"success_rate_percent":"20"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body = decode[map[string]map[string]any](t, w)
	assert.Equal(t, 100.0, body["result"]["customers_retained"])
	assert.Equal(t, "15000", body["result"]["total_investment"])

	w = f.do(t, http.MethodPost, "/api/roi", `{"success_rate_percent":150}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, true)
	f.do(t, http.MethodPost, "/api/score", `{"Contract":"Two year","MonthlyCharges":20}`)

	w := f.do(t, http.MethodGet, "/api/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "churn_score_requests_total 1")

	snap := decode[monitoring.Snapshot](t, f.do(t, http.MethodGet, "/api/metrics?format=json", ""))
	assert.Equal(t, 1.0, snap.Counters[monitoring.MetricScoredRecords])
}

// dashboardServer serves the full handler chain with a running hub and
// returns a connected dashboard client.
func dashboardServer(t *testing.T) (*httptest.Server, *websocket.Conn) {
	t.Helper()
	store, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "ws.db")})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	hub := monitoring.NewHub(nil, []string{"*"})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		<-hub.Done()
	})
	go hub.Run(ctx)

	provider := ml.NewProvider("", nil)
	provider.Set(testScorer(t))
	api, err := NewAPI(provider, Options{Store: store, Hub: hub})
	require.NoError(t, err)

	srv := httptest.NewServer(NewServer(DefaultServerConfig(), api, nil).Handler())
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/ws/dashboard", nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return hub.Stats().ConnectedClients == 1 }, 2*time.Second, 10*time.Millisecond)
	return srv, conn
}

func readTypes(t *testing.T, conn *websocket.Conn, n int) []monitoring.MessageType {
	t.Helper()
	var types []monitoring.MessageType
	for len(types) < n {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var msg monitoring.Message
		require.NoError(t, json.Unmarshal(data, &msg))
		types = append(types, msg.Type)
	}
	return types
}

func TestDashboardWebSocket(t *testing.T) {
	srv, conn := dashboardServer(t)

	resp, err := http.Post(srv.URL+"/api/score", "application/json",
		strings.NewReader(`{"customerID":"A","Contract":"Month-to-month","MonthlyCharges":70.70}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, []monitoring.MessageType{monitoring.ScoreEvent, monitoring.HighRiskAlert}, readTypes(t, conn, 2))
}

func TestDashboardWebSocketBatchPublishesEveryScore(t *testing.T) {
	srv, conn := dashboardServer(t)

	resp, err := http.Post(srv.URL+"/api/score/batch", "application/json", strings.NewReader(`[
		{"customerID":"B","Contract":"Two year","MonthlyCharges":20},
		{"customerID":"A","Contract":"Month-to-month","MonthlyCharges":70.70}
	]`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, []monitoring.MessageType{
		monitoring.ScoreEvent,
		monitoring.ScoreEvent,
		monitoring.HighRiskAlert,
	}, readTypes(t, conn, 3))
}
