package ml

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func saveTestArtifact(t *testing.T, dir string, threshold float64) (string, *Artifact) {
	t.Helper()
	s := trainedPlanScorer(t, UnknownOther)
	model, err := s.Model().WithThreshold(threshold)
	require.NoError(t, err)

	a := NewArtifact(s.Encoder(), model)
	a.Metrics = &Metrics{Accuracy: 0.849, Threshold: threshold}
	path := filepath.Join(dir, "model.json")
	require.NoError(t, SaveArtifact(path, a))
	return path, a
}

func TestArtifactRoundTripIsBitIdentical(t *testing.T) {
	path, a := saveTestArtifact(t, t.TempDir(), DefaultThreshold)
	original, err := a.Scorer()
	require.NoError(t, err)

	loaded, err := LoadScorer(path)
	require.NoError(t, err)
	assert.Equal(t, a.ID, loaded.ID())
	require.NotNil(t, loaded.Metrics())
	assert.Equal(t, 0.849, loaded.Metrics().Accuracy)

	records := append(planRecords(),
		CustomerRecord{"plan": "weekly", "tenure": "13"},
		CustomerRecord{"plan": "yearly", "tenure": "0.333333333333"},
	)
	for _, rec := range records {
		want, err := original.Score(rec)
		require.NoError(t, err)
		got, err := loaded.Score(rec)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, original.Model().Weights, loaded.Model().Weights)
	assert.Equal(t, original.Model().Bias, loaded.Model().Bias)
}

func TestSaveArtifactLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	saveTestArtifact(t, dir, DefaultThreshold)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "model.json", entries[0].Name())
}

func TestLoadArtifactFailures(t *testing.T) {
	dir := t.TempDir()
	good, _ := saveTestArtifact(t, dir, DefaultThreshold)
	payload, err := os.ReadFile(good)
	require.NoError(t, err)

	write := func(name, body string) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
		return p
	}
	cases := map[string]string{
		"missing file": filepath.Join(dir, "absent.json"),
		"corrupt json": write("corrupt.json", "{not json"),
		"empty object": write("empty.json", "{}"),
		"wrong version": write("version.json",
			strings.Replace(string(payload), `"format_version": 1`, `"format_version": 99`, 1)),
		"wrong type": write("type.json",
			strings.Replace(string(payload), `"model_type": "logistic_regression"`, `"model_type": "xgboost"`, 1)),
		"bad threshold": write("threshold.json",
			strings.Replace(string(payload), `"threshold": 0.5`, `"threshold": 1.5`, 1)),
		"dimension skew": write("skew.json",
			strings.Replace(string(payload), `"weights": [`, `"weights": [0.25,`, 1)),
	}
	for name, path := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadScorer(path)
			var le *ModelLoadError
			require.ErrorAs(t, err, &le)
			assert.Equal(t, path, le.Path)
		})
	}
}

func TestProviderReloadAndWatch(t *testing.T) {
	dir := t.TempDir()
	path, _ := saveTestArtifact(t, dir, DefaultThreshold)

	p := NewProvider(path, nil)
	_, err := p.Current()
	assert.ErrorIs(t, err, ErrNoModel)

	require.NoError(t, p.Reload())
	first, err := p.Current()
	require.NoError(t, err)
	assert.Equal(t, DefaultThreshold, first.Threshold())

	reloaded := make(chan *Scorer, 4)
	p.OnReload(func(s *Scorer) { reloaded <- s })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.Watch(ctx) }()
	time.Sleep(100 * time.Millisecond)

	saveTestArtifact(t, dir, 0.8)
	select {
	case s := <-reloaded:
		assert.Equal(t, 0.8, s.Threshold())
	case <-time.After(5 * time.Second):
		t.Fatal("expected model reload")
	}
	current, err := p.Current()
	require.NoError(t, err)
	assert.Equal(t, 0.8, current.Threshold())
	assert.Equal(t, DefaultThreshold, first.Threshold())

	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o600))
	time.Sleep(200 * time.Millisecond)
	current, err = p.Current()
	require.NoError(t, err)
	assert.Equal(t, 0.8, current.Threshold())

	cancel()
	assert.NoError(t, <-done)
}

func TestProviderSetNotifiesListeners(t *testing.T) {
	p := NewProvider("", nil)
	s := trainedPlanScorer(t, UnknownReject)

	var got []string
	p.OnReload(func(s *Scorer) { got = append(got, "first:"+s.ID()) })
	p.OnReload(func(s *Scorer) { got = append(got, "second:"+s.ID()) })
	p.Set(s)

	assert.Equal(t, []string{"first:" + s.ID(), "second:" + s.ID()}, got)
	current, err := p.Current()
	require.NoError(t, err)
	assert.Same(t, s, current)
}
