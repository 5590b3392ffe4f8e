package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T) (*Hub, *websocket.Conn) {
	t.Helper()
	hub := NewHub(nil, []string{"*"})
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-hub.Done()
	})

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return hub.Stats().ConnectedClients == 1 }, 2*time.Second, 10*time.Millisecond)
	return hub, conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestHubPublishesScoreAndAlert(t *testing.T) {
	hub, conn := startHub(t)

	require.NoError(t, hub.PublishScore(ScoreEventMessage{
		CustomerID:  "7590-VHVEG",
		ModelID:     "m1",
		Probability: 0.82,
		HighRisk:    true,
		Threshold:   0.5,
		Tier:        "high",
	}))

	first := readMessage(t, conn)
	assert.Equal(t, ScoreEvent, first.Type)
	assert.NotEmpty(t, first.ID)
	var event ScoreEventMessage
	require.NoError(t, json.Unmarshal(first.Data, &event))
	assert.Equal(t, "7590-VHVEG", event.CustomerID)
	assert.InDelta(t, 0.82, event.Probability, 1e-12)

	second := readMessage(t, conn)
	assert.Equal(t, HighRiskAlert, second.Type)
	var alert HighRiskAlertMessage
	require.NoError(t, json.Unmarshal(second.Data, &alert))
	assert.Equal(t, "high", alert.Tier)

	require.Eventually(t, func() bool { return hub.Stats().MessagesSent == 2 }, time.Second, 10*time.Millisecond)
}

func TestHubLowRiskHasNoAlert(t *testing.T) {
	hub, conn := startHub(t)

	require.NoError(t, hub.PublishScore(ScoreEventMessage{ModelID: "m1", Probability: 0.1, Tier: "low"}))
	require.NoError(t, hub.Publish(ModelReloaded, ModelReloadedMessage{ModelID: "m2", Dimension: 19}))

	assert.Equal(t, ScoreEvent, readMessage(t, conn).Type)
	assert.Equal(t, ModelReloaded, readMessage(t, conn).Type)
}

func TestHubClosesClientsOnShutdown(t *testing.T) {
	hub := NewHub(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer srv.Close()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Stats().ConnectedClients == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-hub.Done()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
	assert.Equal(t, 0, hub.Stats().ConnectedClients)
}

func TestClientSubscriptions(t *testing.T) {
	c := &Client{subscriptions: make(map[MessageType]bool)}
	assert.True(t, c.wants(ScoreEvent))

	c.handleClientMessage(ClientMessage{Type: "subscribe", Topic: string(HighRiskAlert)})
	assert.False(t, c.wants(ScoreEvent))
	assert.True(t, c.wants(HighRiskAlert))

	c.handleClientMessage(ClientMessage{Type: "unsubscribe", Topic: string(HighRiskAlert)})
	assert.True(t, c.wants(ScoreEvent))
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"http://dash.local"})

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.True(t, check(r))

	r.Header.Set("Origin", "http://dash.local")
	assert.True(t, check(r))

	r.Header.Set("Origin", "http://evil.example")
	assert.False(t, check(r))
}

func TestMetricsCollector(t *testing.T) {
	mc := NewMetricsCollector()
	for i := 1; i <= 10; i++ {
		mc.ObserveScore(2, 1, time.Duration(i)*time.Millisecond)
	}
	mc.ObserveError("unknown_category")
	mc.ObserveError("unknown_category")
	mc.IncrCounter(MetricCacheHits, 3, nil)

	snap := mc.Snapshot()
	assert.Equal(t, 10.0, snap.Counters[MetricScoreRequests])
	assert.Equal(t, 20.0, snap.Counters[MetricScoredRecords])
	assert.Equal(t, 10.0, snap.Counters[MetricHighRisk])
	assert.Equal(t, 2.0, mc.Counter(MetricScoreErrors, map[string]string{"kind": "unknown_category"}))
	assert.Equal(t, 10, snap.Latency.Count)
	assert.InDelta(t, 0.005, snap.Latency.P50, 1e-12)
	assert.InDelta(t, 0.010, snap.Latency.P95, 1e-12)
	assert.InDelta(t, 0.0055, snap.Latency.Mean, 1e-12)

	text := mc.ExportPrometheus()
	assert.Contains(t, text, "# TYPE churn_score_requests_total counter")
	assert.Contains(t, text, `churn_score_errors_total{kind="unknown_category"} 2`)
	assert.Contains(t, text, "churn_score_cache_hits_total 3")
	assert.Contains(t, text, "churn_score_latency_seconds_count 10")
}

func TestLatencyWindowIsBounded(t *testing.T) {
	mc := NewMetricsCollector()
	for i := 0; i < latencyWindow+50; i++ {
		mc.ObserveScore(1, 0, time.Millisecond)
	}
	assert.Equal(t, latencyWindow, mc.Snapshot().Latency.Count)
}
