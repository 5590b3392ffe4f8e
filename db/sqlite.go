package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Config selects the database file and journal mode.
type Config struct {
	Path      string `yaml:"path"`
	EnableWAL bool   `yaml:"wal"`
}

// Store persists predictions, training runs and data quality issues.
type Store struct {
	db *sql.DB
}

const schema = `
    CREATE TABLE IF NOT EXISTS predictions (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        customer_id TEXT NOT NULL,
        model_id TEXT NOT NULL,
        probability REAL NOT NULL,
        high_risk INTEGER NOT NULL,
        tier TEXT NOT NULL,
        monthly_charges TEXT,
        scored_at DATETIME NOT NULL,
        UNIQUE(customer_id, model_id)
    );
    CREATE INDEX IF NOT EXISTS idx_predictions_model ON predictions(model_id, probability);
    CREATE TABLE IF NOT EXISTS training_log (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        model_id TEXT NOT NULL,
        model_type TEXT NOT NULL,
        accuracy REAL,
        precision REAL,
        recall REAL,
        f1 REAL,
        auc REAL,
        threshold REAL,
        data_points INTEGER,
        artifact_path TEXT,
        trained_at DATETIME NOT NULL
    );
    CREATE TABLE IF NOT EXISTS data_quality (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        source TEXT NOT NULL,
        row_number INTEGER NOT NULL,
        customer_id TEXT,
        rule TEXT NOT NULL,
        severity TEXT NOT NULL,
        message TEXT,
        created_at DATETIME NOT NULL
    );
    `

// Open opens (creating if needed) the SQLite database and its tables.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("database path is required")
	}
	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, err
		}
	}

	dsn := cfg.Path
	if cfg.EnableWAL {
		dsn += "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"
	} else {
		dsn += "?_busy_timeout=5000"
	}
	database, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database failed: %w", err)
	}
	if cfg.Path == ":memory:" {
		database.SetMaxOpenConns(1)
	} else {
		database.SetMaxOpenConns(10)
		database.SetMaxIdleConns(5)
	}
	database.SetConnMaxLifetime(time.Hour)

	if _, err := database.Exec(schema); err != nil {
		database.Close()
		return nil, fmt.Errorf("create tables failed: %w", err)
	}
	return &Store{db: database}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

type Prediction struct {
	CustomerID     string    `json:"customer_id"`
	ModelID        string    `json:"model_id"`
	Probability    float64   `json:"probability"`
	HighRisk       bool      `json:"high_risk"`
	Tier           string    `json:"tier"`
	MonthlyCharges string    `json:"monthly_charges"`
	ScoredAt       time.Time `json:"scored_at"`
}

// SavePredictions upserts predictions in a single transaction. A customer
// has at most one prediction per model.
func (s *Store) SavePredictions(ctx context.Context, predictions []Prediction) error {
	if len(predictions) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
        INSERT OR REPLACE INTO predictions (
            customer_id, model_id, probability, high_risk, tier, monthly_charges, scored_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?)
    `)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, p := range predictions {
		if p.CustomerID == "" || p.ModelID == "" {
			return errors.New("prediction needs customer and model id")
		}
		scoredAt := p.ScoredAt
		if scoredAt.IsZero() {
			scoredAt = now
		}
		if _, err := stmt.ExecContext(ctx, p.CustomerID, p.ModelID, p.Probability, p.HighRisk, p.Tier, p.MonthlyCharges, scoredAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// TopPredictions returns the highest-probability predictions of a model.
// With highRiskOnly set, low-label rows are skipped.
func (s *Store) TopPredictions(ctx context.Context, modelID string, highRiskOnly bool, limit int) ([]Prediction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT customer_id, model_id, probability, high_risk, tier, COALESCE(monthly_charges, ''), scored_at
        FROM predictions
        WHERE model_id = ? AND (? = 0 OR high_risk = 1)
        ORDER BY probability DESC, customer_id
        LIMIT ?`, modelID, highRiskOnly, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Prediction, 0)
	for rows.Next() {
		var p Prediction
		if err := rows.Scan(&p.CustomerID, &p.ModelID, &p.Probability, &p.HighRisk, &p.Tier, &p.MonthlyCharges, &p.ScoredAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) CountPredictions(ctx context.Context, modelID string) (total, highRisk int, err error) {
	err = s.db.QueryRowContext(ctx, `
        SELECT COUNT(*), COALESCE(SUM(high_risk), 0)
        FROM predictions
        WHERE model_id = ?`, modelID).Scan(&total, &highRisk)
	return total, highRisk, err
}

type TrainingLog struct {
	ModelID      string    `json:"model_id"`
	ModelType    string    `json:"model_type"`
	Accuracy     float64   `json:"accuracy"`
	Precision    float64   `json:"precision"`
	Recall       float64   `json:"recall"`
	F1           float64   `json:"f1"`
	AUC          float64   `json:"auc"`
	Threshold    float64   `json:"threshold"`
	DataPoints   int       `json:"data_points"`
	ArtifactPath string    `json:"artifact_path"`
	TrainedAt    time.Time `json:"trained_at"`
}

func (s *Store) SaveTrainingLog(ctx context.Context, l TrainingLog) error {
	if l.ModelID == "" {
		return errors.New("model id required")
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO training_log (
            model_id, model_type, accuracy, precision, recall, f1, auc, threshold,
            data_points, artifact_path, trained_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ModelID, l.ModelType, l.Accuracy, l.Precision, l.Recall, l.F1, l.AUC, l.Threshold,
		l.DataPoints, l.ArtifactPath, l.TrainedAt.UTC(),
	)
	return err
}

// LoadTrainingLog returns training runs, newest first.
func (s *Store) LoadTrainingLog(ctx context.Context) ([]TrainingLog, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT model_id, model_type, accuracy, precision, recall, f1, auc, threshold,
               data_points, COALESCE(artifact_path, ''), trained_at
        FROM training_log
        ORDER BY trained_at DESC, id DESC
    `)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]TrainingLog, 0)
	for rows.Next() {
		var l TrainingLog
		if err := rows.Scan(&l.ModelID, &l.ModelType, &l.Accuracy, &l.Precision, &l.Recall, &l.F1, &l.AUC,
			&l.Threshold, &l.DataPoints, &l.ArtifactPath, &l.TrainedAt); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

type QualityIssue struct {
	Source     string    `json:"source"`
	Row        int       `json:"row"`
	CustomerID string    `json:"customer_id"`
	Rule       string    `json:"rule"`
	Severity   string    `json:"severity"`
	Message    string    `json:"message"`
	CreatedAt  time.Time `json:"created_at"`
}

func (s *Store) SaveQualityIssues(ctx context.Context, issues []QualityIssue) error {
	if len(issues) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
        INSERT INTO data_quality (source, row_number, customer_id, rule, severity, message, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, is := range issues {
		created := is.CreatedAt
		if created.IsZero() {
			created = time.Now()
		}
		if _, err := stmt.ExecContext(ctx, is.Source, is.Row, is.CustomerID, is.Rule, is.Severity, is.Message, created.UTC()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) QualityIssues(ctx context.Context, source string, limit int) ([]QualityIssue, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT source, row_number, COALESCE(customer_id, ''), rule, severity, COALESCE(message, ''), created_at
        FROM data_quality
        WHERE source = ?
        ORDER BY row_number
        LIMIT ?`, source, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]QualityIssue, 0)
	for rows.Next() {
		var is QualityIssue
		if err := rows.Scan(&is.Source, &is.Row, &is.CustomerID, &is.Rule, &is.Severity, &is.Message, &is.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, is)
	}
	return out, rows.Err()
}
