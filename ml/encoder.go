package ml

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

type UnknownPolicy string

const (
	// UnknownReject fails encoding with *UnknownCategoryError.
	UnknownReject UnknownPolicy = "reject"
	// UnknownOther maps unseen values to the reserved code len(values).
	UnknownOther UnknownPolicy = "other"
)

type EncoderOptions struct {
	Normalization Normalization
	Unknown       UnknownPolicy
}

func DefaultEncoderOptions() EncoderOptions {
	return EncoderOptions{
		Normalization: NormalizeZScore,
		Unknown:       UnknownReject,
	}
}

// Encoder turns CustomerRecords into FeatureVectors. It is immutable once
// fitted or loaded and safe for concurrent use.
type Encoder struct {
	Schema        Schema              `json:"schema"`
	Categories    map[string][]string `json:"categories"`
	Scaling       []ScalingParams     `json:"scaling"`
	Normalization Normalization       `json:"normalization"`
	Unknown       UnknownPolicy       `json:"unknown_policy"`

	codes map[string]map[string]int
}

// FitEncoder learns the categorical enumerations and scaling parameters from
// the training records.
func FitEncoder(schema Schema, records []CustomerRecord, opts EncoderOptions) (*Encoder, error) {
	return FitEncoderSplit(schema, records, records, opts)
}

// FitEncoderSplit learns the categorical enumerations from all records and
// the scaling parameters from the training partition only, so a value that
// only occurs in the held-out rows still has a code.
func FitEncoderSplit(schema Schema, all, train []CustomerRecord, opts EncoderOptions) (*Encoder, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	if len(all) == 0 || len(train) == 0 {
		return nil, errors.New("records is empty")
	}
	if opts.Normalization == "" {
		opts.Normalization = NormalizeZScore
	}
	if opts.Unknown == "" {
		opts.Unknown = UnknownReject
	}

	categories := make(map[string][]string)
	for _, f := range schema.Fields {
		if f.Kind != Categorical {
			continue
		}
		seen := make(map[string]bool)
		for i, rec := range all {
			raw, ok := rec[f.Name]
			if !ok {
				return nil, fmt.Errorf("record %d: %w", i, &FieldError{Field: f.Name, Reason: "missing"})
			}
			seen[strings.TrimSpace(raw)] = true
		}
		values := make([]string, 0, len(seen))
		for v := range seen {
			values = append(values, v)
		}
		sort.Strings(values)
		categories[f.Name] = values
	}

	enc := &Encoder{
		Schema:        schema,
		Categories:    categories,
		Normalization: opts.Normalization,
		Unknown:       opts.Unknown,
	}
	enc.buildCodes()

	raw := make([][]float64, len(train))
	for i, rec := range train {
		v, err := enc.rawVector(rec)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		raw[i] = v
	}
	scaling, err := computeScaling(raw)
	if err != nil {
		return nil, err
	}
	enc.Scaling = scaling

	if err := enc.validate(); err != nil {
		return nil, err
	}
	return enc, nil
}

func (e *Encoder) Dimension() int {
	return len(e.Schema.Fields)
}

func (e *Encoder) FeatureNames() []string {
	names := make([]string, len(e.Schema.Fields))
	for i, f := range e.Schema.Fields {
		names[i] = f.Name
	}
	return names
}

func (e *Encoder) Encode(rec CustomerRecord) (FeatureVector, error) {
	raw, err := e.rawVector(rec)
	if err != nil {
		return nil, err
	}
	for i := range raw {
		raw[i] = e.Normalization.apply(raw[i], e.Scaling[i])
	}
	return FeatureVector(raw), nil
}

func (e *Encoder) EncodeAll(records []CustomerRecord) ([][]float64, error) {
	out := make([][]float64, len(records))
	for i, rec := range records {
		v, err := e.Encode(rec)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

func (e *Encoder) rawVector(rec CustomerRecord) ([]float64, error) {
	var derived map[string]float64
	if e.Schema.DerivedFeature {
		d, err := Derive(rec)
		if err != nil {
			return nil, err
		}
		derived = d
	}

	vector := make([]float64, len(e.Schema.Fields))
	for i, f := range e.Schema.Fields {
		if f.Kind == Categorical {
			code, err := e.code(f.Name, rec)
			if err != nil {
				return nil, err
			}
			vector[i] = float64(code)
			continue
		}
		if v, ok := derived[f.Name]; ok {
			vector[i] = v
			continue
		}
		v, err := numericField(rec, f.Name)
		if err != nil {
			return nil, err
		}
		vector[i] = v
	}
	return vector, nil
}

func (e *Encoder) code(field string, rec CustomerRecord) (int, error) {
	raw, ok := rec[field]
	if !ok {
		return 0, &FieldError{Field: field, Reason: "missing"}
	}
	value := strings.TrimSpace(raw)
	if code, ok := e.codes[field][value]; ok {
		return code, nil
	}
	if e.Unknown == UnknownOther {
		return len(e.Categories[field]), nil
	}
	return 0, &UnknownCategoryError{Field: field, Value: value}
}

func (e *Encoder) buildCodes() {
	e.codes = make(map[string]map[string]int, len(e.Categories))
	for field, values := range e.Categories {
		m := make(map[string]int, len(values))
		for i, v := range values {
			m[v] = i
		}
		e.codes[field] = m
	}
}

// validate checks a fitted or deserialized encoder and prepares its lookup
// tables.
func (e *Encoder) validate() error {
	if err := e.Schema.Validate(); err != nil {
		return err
	}
	if !e.Normalization.valid() {
		return fmt.Errorf("unknown normalization %q", e.Normalization)
	}
	switch e.Unknown {
	case UnknownReject, UnknownOther:
	default:
		return fmt.Errorf("unknown category policy %q", e.Unknown)
	}
	if len(e.Scaling) != e.Dimension() {
		return &DimensionMismatchError{Expected: e.Dimension(), Got: len(e.Scaling)}
	}
	for i, p := range e.Scaling {
		for _, x := range []float64{p.Mean, p.Std, p.Min, p.Max} {
			if math.IsNaN(x) || math.IsInf(x, 0) {
				return fmt.Errorf("scaling for %s is not finite", e.Schema.Fields[i].Name)
			}
		}
	}
	for _, f := range e.Schema.Fields {
		if f.Kind != Categorical {
			continue
		}
		values, ok := e.Categories[f.Name]
		if !ok {
			return fmt.Errorf("no categories for field %s", f.Name)
		}
		if !sort.StringsAreSorted(values) {
			return fmt.Errorf("categories for field %s are not sorted", f.Name)
		}
	}
	e.buildCodes()
	return nil
}
