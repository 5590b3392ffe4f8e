package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"churnlens/dataset"
	"churnlens/ml"
	"churnlens/report"
)

const scoreLimitDefault = 20

func scoreCmd() *cli.Command {
	return &cli.Command{
		Name:  "score",
		Usage: "Score a customer CSV and list the customers most likely to churn",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "data", Usage: "Customer CSV, label column optional (default: dataset.path)"},
			&cli.StringFlag{Name: "model", Usage: "Model artifact (default: model.path)"},
			&cli.FloatFlag{Name: "threshold", Usage: "Override the artifact's decision threshold"},
			&cli.IntFlag{Name: "limit", Usage: "Number of at-risk customers to list", Value: scoreLimitDefault},
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
			schema := scorer.Encoder().Schema
			data, _, err := dataset.Prepare(stringOr(cmd, "data", e.cfg.Dataset.Path), dataset.ReadOptions{
				Schema:   schema,
				Encoding: e.cfg.Dataset.Encoding,
			}, e.logger)
			if err != nil {
				return err
			}
			customers, err := report.ScoreCustomers(ctx, scorer, data.Records, schema, e.cfg.Risk, e.cfg.Scoring.Workers)
			if err != nil {
				return err
			}
			printRisk(os.Stdout, scorer, customers, cmd.Int("limit"))
			return nil
		},
	}
}

func printRisk(w io.Writer, scorer *ml.Scorer, customers []report.ScoredCustomer, limit int) {
	s := report.Summarize(customers)
	fmt.Fprintf(w, "model %s threshold=%.2f\n", scorer.ID(), scorer.Threshold())
	fmt.Fprintf(w, "scored=%d high_risk=%d (%.1f%%) avg_probability=%.4f\n",
		s.Scored, s.HighRisk, s.HighRiskRate*100, s.AvgProbability)
	fmt.Fprintf(w, "tiers: high=%d medium=%d low=%d\n",
		s.Tiers[ml.TierHigh], s.Tiers[ml.TierMedium], s.Tiers[ml.TierLow])
	fmt.Fprintf(w, "revenue at risk: $%s/month, $%s/year\n",
		s.MonthlyRevenueAtRisk.StringFixed(2), s.AnnualRevenueAtRisk.StringFixed(2))

	top := report.AtRisk(customers, limit)
	if len(top) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CUSTOMER\tPROBABILITY\tTIER\tMONTHLY\tCONTRACT\tRECOMMENDATION")
	for _, c := range top {
		fmt.Fprintf(tw, "%s\t%.4f\t%s\t$%s\t%s\t%s\n",
			c.CustomerID, c.Probability, c.Tier, c.MonthlyCharges.StringFixed(2), c.Contract,
			ml.Recommendation(c.Probability))
	}
	tw.Flush()
}
