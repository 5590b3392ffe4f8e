package dataset

import (
	"fmt"
	"maps"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"churnlens/ml"
)

// CleaningRule 清洗规则
type CleaningRule interface {
	Apply(ml.CustomerRecord) (ml.CustomerRecord, error)
	Name() string
}

// QualityIssue 质量问题
type QualityIssue struct {
	Row        int       `json:"row"`
	CustomerID string    `json:"customer_id"`
	Rule       string    `json:"rule"`
	Severity   string    `json:"severity"` // low, medium, high
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

// CleaningStats 清洗统计
type CleaningStats struct {
	TotalProcessed int64            `json:"total_processed"`
	Passed         int64            `json:"passed"`
	Rejected       int64            `json:"rejected"`
	Corrected      int64            `json:"corrected"`
	Issues         map[string]int64 `json:"issues"`
	LastClean      time.Time        `json:"last_clean"`
}

// Cleaner 数据清洗器
type Cleaner struct {
	schema ml.Schema
	logger *zap.Logger

	rules []CleaningRule

	stats     CleaningStats
	statsLock sync.RWMutex
}

// NewCleaner 创建带默认规则的清洗器
func NewCleaner(schema ml.Schema, logger *zap.Logger) *Cleaner {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Cleaner{
		schema: schema,
		logger: logger,
		stats:  CleaningStats{Issues: make(map[string]int64)},
	}

	c.AddRule(TrimSpaceRule{})
	if _, ok := schema.Field("TotalCharges"); ok {
		c.AddRule(FillBlankRule{Field: "TotalCharges", From: "MonthlyCharges"})
	}
	c.AddRule(NewRequiredFieldsRule(schema))
	c.AddRule(NewNumericRule(schema))
	c.AddRule(NewDuplicateIDRule(schema.IDField))
	return c
}

// AddRule 添加清洗规则
func (c *Cleaner) AddRule(rule CleaningRule) {
	c.rules = append(c.rules, rule)
	c.logger.Debug("added cleaning rule", zap.String("rule", rule.Name()))
}

// Clean 清洗数据，返回通过的记录和问题列表。输入记录不会被修改。
func (c *Cleaner) Clean(records []ml.CustomerRecord) ([]ml.CustomerRecord, []QualityIssue) {
	var cleaned []ml.CustomerRecord
	var issues []QualityIssue

	c.statsLock.Lock()
	defer c.statsLock.Unlock()

	for i, original := range records {
		c.stats.TotalProcessed++

		rec := maps.Clone(original)
		var issue *QualityIssue
		// A row stops at its first failing rule, so later rules never see it.
		for _, rule := range c.rules {
			out, err := rule.Apply(rec)
			if err != nil {
				issue = &QualityIssue{
					Row:        i + 1,
					CustomerID: original[c.schema.IDField],
					Rule:       rule.Name(),
					Severity:   "high",
					Message:    err.Error(),
					Timestamp:  time.Now(),
				}
				c.stats.Issues[rule.Name()]++
				break
			}
			if out != nil {
				rec = out
			}
		}

		if issue != nil {
			c.stats.Rejected++
			issues = append(issues, *issue)
			continue
		}
		if !maps.Equal(original, rec) {
			c.stats.Corrected++
		}
		c.stats.Passed++
		cleaned = append(cleaned, rec)
	}
	c.stats.LastClean = time.Now()

	if len(issues) > 0 {
		c.logger.Warn("rejected records during cleaning",
			zap.Int("rejected", len(records)-len(cleaned)),
			zap.Int("issues", len(issues)))
	}
	return cleaned, issues
}

// Stats 获取统计信息
func (c *Cleaner) Stats() CleaningStats {
	c.statsLock.RLock()
	defer c.statsLock.RUnlock()

	stats := c.stats
	stats.Issues = maps.Clone(c.stats.Issues)
	return stats
}

// ============ 清洗规则实现 ============

// TrimSpaceRule 去除首尾空白
type TrimSpaceRule struct{}

func (TrimSpaceRule) Name() string {
	return "trim_space"
}

func (TrimSpaceRule) Apply(rec ml.CustomerRecord) (ml.CustomerRecord, error) {
	for k, v := range rec {
		rec[k] = strings.TrimSpace(v)
	}
	return rec, nil
}

// FillBlankRule 用另一列填充空值（新客户的 TotalCharges 为空）
type FillBlankRule struct {
	Field string
	From  string
}

func (r FillBlankRule) Name() string {
	return "fill_" + r.Field
}

func (r FillBlankRule) Apply(rec ml.CustomerRecord) (ml.CustomerRecord, error) {
	if v, ok := rec[r.Field]; ok && strings.TrimSpace(v) == "" {
		rec[r.Field] = rec[r.From]
	}
	return rec, nil
}

// RequiredFieldsRule 必填字段检查
type RequiredFieldsRule struct {
	Fields []string
}

func NewRequiredFieldsRule(schema ml.Schema) RequiredFieldsRule {
	fields := []string{}
	if schema.IDField != "" {
		fields = append(fields, schema.IDField)
	}
	for _, f := range schema.Fields {
		if f.Kind == ml.Numeric && isDerived(schema, f.Name) {
			continue
		}
		fields = append(fields, f.Name)
	}
	return RequiredFieldsRule{Fields: fields}
}

func (r RequiredFieldsRule) Name() string {
	return "required_fields"
}

func (r RequiredFieldsRule) Apply(rec ml.CustomerRecord) (ml.CustomerRecord, error) {
	var missing []string
	for _, f := range r.Fields {
		if _, ok := rec[f]; !ok {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing fields: %s", strings.Join(missing, ", "))
	}
	return rec, nil
}

// NumericRule 数值字段检查
type NumericRule struct {
	Fields []string
}

func NewNumericRule(schema ml.Schema) NumericRule {
	var fields []string
	for _, f := range schema.Fields {
		if f.Kind == ml.Numeric && !isDerived(schema, f.Name) {
			fields = append(fields, f.Name)
		}
	}
	return NumericRule{Fields: fields}
}

func (r NumericRule) Name() string {
	return "numeric_validation"
}

func (r NumericRule) Apply(rec ml.CustomerRecord) (ml.CustomerRecord, error) {
	for _, f := range r.Fields {
		v, ok := rec[f]
		if !ok {
			continue
		}
		x, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil || math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, fmt.Errorf("field %s is not numeric: %q", f, v)
		}
	}
	return rec, nil
}

// DuplicateIDRule 重复客户检测
type DuplicateIDRule struct {
	Field string

	seen map[string]struct{}
	mu   *sync.Mutex
}

func NewDuplicateIDRule(field string) DuplicateIDRule {
	return DuplicateIDRule{Field: field, seen: make(map[string]struct{}), mu: &sync.Mutex{}}
}

func (r DuplicateIDRule) Name() string {
	return "duplicate_detection"
}

func (r DuplicateIDRule) Apply(rec ml.CustomerRecord) (ml.CustomerRecord, error) {
	if r.Field == "" {
		return rec, nil
	}
	id := rec[r.Field]

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.seen[id]; exists {
		return nil, fmt.Errorf("duplicate customer %s", id)
	}
	r.seen[id] = struct{}{}
	return rec, nil
}

func isDerived(schema ml.Schema, name string) bool {
	if !schema.DerivedFeature {
		return false
	}
	for _, d := range ml.DerivedFieldNames() {
		if d == name {
			return true
		}
	}
	return false
}

// Prepare 加载并清洗数据集, 被拒绝的行以问题列表返回
func Prepare(path string, opts ReadOptions, logger *zap.Logger) (*Dataset, []QualityIssue, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	ds, err := LoadCSV(path, opts)
	if err != nil {
		return nil, nil, err
	}
	cleaner := NewCleaner(opts.Schema, logger)
	cleaned, issues := cleaner.Clean(ds.Records)
	stats := cleaner.Stats()
	logger.Info("dataset loaded",
		zap.String("path", path),
		zap.Int64("rows", stats.TotalProcessed),
		zap.Int64("passed", stats.Passed),
		zap.Int64("rejected", stats.Rejected),
		zap.Int64("corrected", stats.Corrected),
	)
	ds.Records = cleaned
	return ds, issues, nil
}
