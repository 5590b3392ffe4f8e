package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"churnlens/dataset"
	"churnlens/ml"
)

func evaluateCmd() *cli.Command {
	return &cli.Command{
		Name:  "evaluate",
		Usage: "Score a labelled CSV with a saved model and print its metrics",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "data", Usage: "Labelled customer CSV (default: dataset.path)"},
			&cli.StringFlag{Name: "model", Usage: "Model artifact (default: model.path)"},
			&cli.FloatFlag{Name: "threshold", Usage: "Override the artifact's decision threshold"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			defer e.logger.Sync()

			scorer, err := loadScorer(cmd, stringOr(cmd, "model", e.cfg.Model.Path))
			if err != nil {
				return err
			}
			dataPath := stringOr(cmd, "data", e.cfg.Dataset.Path)
			m, err := evaluate(ctx, scorer, dataPath, e.cfg.Dataset.Encoding, e.logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "model %s on %s\n", scorer.ID(), dataPath)
			printMetrics(os.Stdout, m)
			return nil
		},
	}
}

// loadScorer reads the artifact and applies --threshold when given.
func loadScorer(cmd *cli.Command, path string) (*ml.Scorer, error) {
	scorer, err := ml.LoadScorer(path)
	if err != nil {
		return nil, err
	}
	if cmd.IsSet("threshold") {
		return scorer.WithThreshold(cmd.Float("threshold"))
	}
	return scorer, nil
}

// evaluate reads the file with the schema the model was trained on.
func evaluate(ctx context.Context, scorer *ml.Scorer, path, encoding string, logger *zap.Logger) (ml.Metrics, error) {
	schema := scorer.Encoder().Schema
	data, _, err := dataset.Prepare(path, dataset.ReadOptions{
		Schema:        schema,
		Encoding:      encoding,
		RequireTarget: true,
	}, logger)
	if err != nil {
		return ml.Metrics{}, err
	}
	labels, err := dataset.Labels(data.Records, schema)
	if err != nil {
		return ml.Metrics{}, err
	}
	results, err := scorer.ScoreBatch(ctx, data.Records, 0)
	if err != nil {
		return ml.Metrics{}, err
	}
	probs := make([]float64, len(results))
	for i, r := range results {
		probs[i] = r.Probability
	}
	return ml.Evaluate(labels, probs, scorer.Threshold())
}
