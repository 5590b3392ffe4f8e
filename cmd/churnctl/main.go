package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
	"go.uber.org/zap"

	"churnlens/config"
	"churnlens/dataset"
	"churnlens/db"
	"churnlens/logging"
)

var (
	version = "v0.1.0-dev"
	commit  = ""

	configFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   fmt.Sprintf("Path to the YAML config (default: $%s, then %s)", config.EnvPath, config.DefaultPath),
	}

	debugFlag = &cli.BoolFlag{
		Name:  "debug",
		Usage: "Prints verbose logs (optional, default: false)",
	}
)

func main() {
	if err := newApp().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "churnctl: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:    "churnctl",
		Usage:   "Train, evaluate and run the customer churn model",
		Version: fmt.Sprintf("%s (commit: %s)", version, commit),
		Flags: []cli.Flag{
			configFlag,
			debugFlag,
		},
		Commands: []*cli.Command{
			trainCmd(),
			evaluateCmd(),
			scoreCmd(),
		},
	}
}

// env carries what every subcommand needs.
type env struct {
	cfg    config.Config
	logger *zap.Logger
}

func setup(cmd *cli.Command) (*env, error) {
	cfg, err := config.Load(cmd.String(configFlag.Name))
	if err != nil {
		return nil, err
	}
	logCfg := cfg.Log
	logCfg.Format = "console"
	logCfg.File = ""
	if cmd.Bool(debugFlag.Name) {
		logCfg.Level = "debug"
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}
	return &env{cfg: cfg, logger: logger}, nil
}

// stringOr returns the flag value when it was given, otherwise def.
func stringOr(cmd *cli.Command, name, def string) string {
	if cmd.IsSet(name) {
		return cmd.String(name)
	}
	return def
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
