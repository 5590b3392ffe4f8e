package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"churnlens/dataset"
	"churnlens/db"
	"churnlens/ml"
	"churnlens/report"
)

func trainCmd() *cli.Command {
	return &cli.Command{
		Name:  "train",
		Usage: "Train a churn model from a labelled CSV and save the artifact",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "data", Usage: "Labelled customer CSV (default: dataset.path)"},
			&cli.StringFlag{Name: "out", Usage: "Artifact output path (default: model.path)"},
			&cli.FloatFlag{Name: "test-ratio", Usage: "Share of rows held out for evaluation", Value: ml.DefaultTestRatio},
			&cli.Int64Flag{Name: "seed", Usage: "Split seed", Value: ml.DefaultSeed},
			&cli.FloatFlag{Name: "threshold", Usage: "Decision threshold stored in the artifact", Value: ml.DefaultThreshold},
			&cli.StringFlag{Name: "normalization", Usage: "Feature scaling [none, zscore, minmax] (default: model.normalization)"},
			&cli.StringFlag{Name: "unknown", Usage: "Unseen category policy [reject, other] (default: model.unknown_policy)"},
			&cli.BoolFlag{Name: "derived", Usage: "Add engineered features (default: model.derived_features)"},
			&cli.StringFlag{Name: "db", Usage: "SQLite database for the training log (default: database.path)"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			defer e.logger.Sync()

			derived := e.cfg.Model.DerivedFeatures
			if cmd.IsSet("derived") {
				derived = cmd.Bool("derived")
			}
			encOpts := e.cfg.Model.EncoderOptions()
			if cmd.IsSet("normalization") {
				encOpts.Normalization = ml.Normalization(cmd.String("normalization"))
			}
			if cmd.IsSet("unknown") {
				encOpts.Unknown = ml.UnknownPolicy(cmd.String("unknown"))
			}
			p := trainParams{
				DataPath:  stringOr(cmd, "data", e.cfg.Dataset.Path),
				OutPath:   stringOr(cmd, "out", e.cfg.Model.Path),
				Encoding:  e.cfg.Dataset.Encoding,
				TestRatio: cmd.Float("test-ratio"),
				Seed:      cmd.Int64("seed"),
				Threshold: cmd.Float("threshold"),
				Derived:   derived,
				Encoder:   encOpts,
				Costs: report.Costs{
					RetentionCost:   decimal.NewFromFloat(e.cfg.Business.RetentionCost),
					AcquisitionCost: decimal.NewFromFloat(e.cfg.Business.AcquisitionCost),
				},
			}

			dbCfg := e.cfg.Database
			dbCfg.Path = stringOr(cmd, "db", dbCfg.Path)
			store, err := db.Open(dbCfg)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer store.Close()

			res, err := train(ctx, p, store, e.logger)
			if err != nil {
				return err
			}
			printTraining(os.Stdout, p, res)
			return nil
		},
	}
}

type trainParams struct {
	DataPath  string
	OutPath   string
	Encoding  string
	TestRatio float64
	Seed      int64
	Threshold float64
	Derived   bool
	Encoder   ml.EncoderOptions
	Costs     report.Costs
}

type trainResult struct {
	Artifact  *ml.Artifact
	Rows      int
	TrainRows int
	TestRows  int
	Issues    int
	Impact    report.Impact
}

// train runs load, clean, split, fit, evaluate and save. The store is
// optional; when set it receives the training log and the quality issues.
func train(ctx context.Context, p trainParams, store *db.Store, logger *zap.Logger) (*trainResult, error) {
	if err := ml.ValidateThreshold(p.Threshold); err != nil {
		return nil, err
	}
	schema := ml.TelcoSchema(p.Derived)
	data, issues, err := dataset.Prepare(p.DataPath, dataset.ReadOptions{
		Schema:        schema,
		Encoding:      p.Encoding,
		RequireTarget: true,
	}, logger)
	if err != nil {
		return nil, err
	}
	labels, err := dataset.Labels(data.Records, schema)
	if err != nil {
		return nil, err
	}

	trainIdx, testIdx, err := ml.StratifiedSplit(labels, p.TestRatio, p.Seed)
	if err != nil {
		return nil, fmt.Errorf("split dataset: %w", err)
	}
	trainRecs, trainY := ml.Subset(data.Records, labels, trainIdx)
	testRecs, testY := ml.Subset(data.Records, labels, testIdx)

	encoder, err := ml.FitEncoderSplit(schema, data.Records, trainRecs, p.Encoder)
	if err != nil {
		return nil, fmt.Errorf("fit encoder: %w", err)
	}
	trainX, err := encoder.EncodeAll(trainRecs)
	if err != nil {
		return nil, err
	}

	opts := ml.DefaultTrainOptions()
	opts.Threshold = p.Threshold
	model, trainReport, err := ml.TrainLogistic(trainX, trainY, opts)
	if err != nil {
		return nil, fmt.Errorf("train model: %w", err)
	}
	logger.Info("model trained",
		zap.Int("rows", len(trainRecs)),
		zap.Int("iterations", trainReport.Iterations),
		zap.Float64("loss", trainReport.Loss),
		zap.Bool("converged", trainReport.Converged),
	)

	scorer, err := ml.NewScorer("", encoder, model)
	if err != nil {
		return nil, err
	}
	results, err := scorer.ScoreBatch(ctx, testRecs, 0)
	if err != nil {
		return nil, fmt.Errorf("score test split: %w", err)
	}
	probs := make([]float64, len(results))
	for i, r := range results {
		probs[i] = r.Probability
	}
	metrics, err := ml.Evaluate(testY, probs, model.Threshold)
	if err != nil {
		return nil, err
	}

	annual, err := report.AnnualCustomerValue(data.Records)
	if err != nil {
		return nil, err
	}
	impact := report.BusinessImpact(metrics.Confusion, annual, p.Costs)

	artifact := ml.NewArtifact(encoder, model)
	artifact.Metrics = &metrics
	artifact.Training = &trainReport
	if err := ml.SaveArtifact(p.OutPath, artifact); err != nil {
		return nil, fmt.Errorf("save artifact: %w", err)
	}
	logger.Info("artifact saved", zap.String("path", p.OutPath), zap.String("model_id", artifact.ID))

	if store != nil {
		err := store.SaveTrainingLog(ctx, db.TrainingLog{
			ModelID:      artifact.ID,
			ModelType:    artifact.ModelType,
			Accuracy:     metrics.Accuracy,
			Precision:    metrics.Precision,
			Recall:       metrics.Recall,
			F1:           metrics.F1,
			AUC:          metrics.AUC,
			Threshold:    metrics.Threshold,
			DataPoints:   len(data.Records),
			ArtifactPath: p.OutPath,
			TrainedAt:    artifact.TrainedAt,
		})
		if err != nil {
			logger.Warn("save training log failed", zap.Error(err))
		}
		if err := store.SaveQualityIssues(ctx, qualityRecords(p.DataPath, issues)); err != nil {
			logger.Warn("save quality issues failed", zap.Error(err))
		}
	}

	return &trainResult{
		Artifact:  artifact,
		Rows:      len(data.Records),
		TrainRows: len(trainRecs),
		TestRows:  len(testRecs),
		Issues:    len(issues),
		Impact:    impact,
	}, nil
}

func printTraining(w io.Writer, p trainParams, res *trainResult) {
	fmt.Fprintf(w, "model %s trained on %s\n", res.Artifact.ID, p.DataPath)
	fmt.Fprintf(w, "rows=%d train=%d test=%d rejected=%d features=%d\n",
		res.Rows, res.TrainRows, res.TestRows, res.Issues, res.Artifact.Encoder.Dimension())
	printMetrics(w, *res.Artifact.Metrics)

	im := res.Impact
	fmt.Fprintln(w, "business impact (test split):")
	fmt.Fprintf(w, "  prevented churn value  $%s\n", im.PreventedChurnValue.StringFixed(2))
	fmt.Fprintf(w, "  false alarm cost       $%s\n", im.FalseAlarmCost.StringFixed(2))
	fmt.Fprintf(w, "  missed churn cost      $%s\n", im.MissedChurnCost.StringFixed(2))
	fmt.Fprintf(w, "  net benefit            $%s\n", im.NetBenefit.StringFixed(2))
	fmt.Fprintf(w, "  roi                    %s%%\n", im.ROI.StringFixed(2))
	fmt.Fprintf(w, "artifact saved to %s (%s)\n", p.OutPath, res.Artifact.TrainedAt.Format(time.RFC3339))
}

func printMetrics(w io.Writer, m ml.Metrics) {
	fmt.Fprintf(w, "threshold=%.2f support=%d\n", m.Threshold, m.Support)
	fmt.Fprintf(w, "accuracy=%.4f precision=%.4f recall=%.4f f1=%.4f auc=%.4f\n",
		m.Accuracy, m.Precision, m.Recall, m.F1, m.AUC)
	c := m.Confusion
	fmt.Fprintf(w, "confusion: tp=%d fp=%d tn=%d fn=%d\n", c.TP, c.FP, c.TN, c.FN)
}
