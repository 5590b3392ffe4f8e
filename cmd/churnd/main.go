package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"churnlens/config"
	"churnlens/dataset"
	"churnlens/db"
	chttp "churnlens/http"
	"churnlens/logging"
	"churnlens/ml"
	"churnlens/monitoring"
	"churnlens/report"
)

var (
	version = "v0.1.0-dev"
	commit  = ""
)

func main() {
	cmd := &cli.Command{
		Name:    "churnd",
		Usage:   "Customer churn scoring service",
		Version: fmt.Sprintf("%s (commit: %s)", version, commit),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   fmt.Sprintf("Path to the YAML config (default: $%s, then %s)", config.EnvPath, config.DefaultPath),
			},
		},
		Action: run,
	}
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "churnd: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	// 1. Load config
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. Initialize database
	store, err := db.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()
	logger.Info("database initialized", zap.String("path", cfg.Database.Path))

	// 3. Load model; the service starts without one and answers 503 until it appears
	provider := ml.NewProvider(cfg.Model.Path, logger)
	if err := provider.Reload(); err != nil {
		logger.Warn("no model loaded", zap.String("path", cfg.Model.Path), zap.Error(err))
	}
	var scorers ml.ScorerSource = provider
	if cfg.Model.Threshold != nil {
		scorers = thresholdOverride{source: provider, threshold: *cfg.Model.Threshold}
	}

	// 4. Load dataset for the dashboard endpoints
	data := loadDataset(ctx, cfg, store, logger)

	hub := monitoring.NewHub(logger, cfg.HTTP.AllowedOrigins)
	go hub.Run(ctx)

	api, err := chttp.NewAPI(scorers, chttp.Options{
		Store:         store,
		Hub:           hub,
		Metrics:       monitoring.NewMetricsCollector(),
		Dataset:       data,
		DatasetSource: cfg.Dataset.Path,
		Tiers:         cfg.Risk,
		Costs: report.Costs{
			RetentionCost:   decimal.NewFromFloat(cfg.Business.RetentionCost),
			AcquisitionCost: decimal.NewFromFloat(cfg.Business.AcquisitionCost),
		},
		Workers:   cfg.Scoring.Workers,
		CacheSize: cfg.Scoring.CacheSize,
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("init api: %w", err)
	}
	provider.OnReload(func(*ml.Scorer) {
		if s, err := scorers.Current(); err == nil {
			api.ModelChanged(s)
		}
	})

	if cfg.Model.Watch {
		go func() {
			if err := provider.Watch(ctx); err != nil {
				logger.Warn("model watch stopped", zap.String("path", cfg.Model.Path), zap.Error(err))
			}
		}()
	}

	// 5. Start HTTP server
	server := chttp.NewServer(chttp.ServerConfig{
		Port:           cfg.HTTP.Port,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		RequestTimeout: cfg.HTTP.RequestTimeout,
		MaxBodyBytes:   chttp.DefaultServerConfig().MaxBodyBytes,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	}, api, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	// 6. Handle graceful shutdown
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			stop()
			<-hub.Done()
			return err
		}
	}
	if err := server.Stop(); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}
	stop()
	<-hub.Done()
	logger.Info("exiting")
	return nil
}

// loadDataset returns nil when the file is missing or unreadable; the
// dataset and risk endpoints then answer 404.
func loadDataset(ctx context.Context, cfg config.Config, store *db.Store, logger *zap.Logger) *dataset.Dataset {
	if cfg.Dataset.Path == "" {
		return nil
	}
	if _, err := os.Stat(cfg.Dataset.Path); err != nil {
		logger.Warn("dataset not available", zap.String("path", cfg.Dataset.Path), zap.Error(err))
		return nil
	}
	data, issues, err := dataset.Prepare(cfg.Dataset.Path, dataset.ReadOptions{
		Schema:   ml.TelcoSchema(cfg.Model.DerivedFeatures),
		Encoding: cfg.Dataset.Encoding,
	}, logger)
	if err != nil {
		logger.Warn("dataset load failed", zap.String("path", cfg.Dataset.Path), zap.Error(err))
		return nil
	}
	if err := store.SaveQualityIssues(ctx, qualityRecords(cfg.Dataset.Path, issues)); err != nil {
		logger.Warn("save quality issues failed", zap.Error(err))
	}
	return data
}

func qualityRecords(source string, issues []dataset.QualityIssue) []db.QualityIssue {
	out := make([]db.QualityIssue, len(issues))
	for i, is := range issues {
		out[i] = db.QualityIssue{
			Source:     source,
			Row:        is.Row,
			CustomerID: is.CustomerID,
			Rule:       is.Rule,
			Severity:   is.Severity,
			Message:    is.Message,
			CreatedAt:  is.Timestamp,
		}
	}
	return out
}

// thresholdOverride serves the provider's scorer with a fixed threshold.
type thresholdOverride struct {
	source    ml.ScorerSource
	threshold float64
}

func (o thresholdOverride) Current() (*ml.Scorer, error) {
	s, err := o.source.Current()
	if err != nil {
		return nil, err
	}
	return s.WithThreshold(o.threshold)
}
