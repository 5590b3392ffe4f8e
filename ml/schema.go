package ml

import (
	"errors"
	"fmt"
)

// CustomerRecord is one raw row of customer data keyed by column name.
type CustomerRecord map[string]string

// FeatureVector is the fixed-width numeric encoding of a CustomerRecord.
type FeatureVector []float64

type FieldKind string

const (
	Categorical FieldKind = "categorical"
	Numeric     FieldKind = "numeric"
)

type Field struct {
	Name string    `json:"name"`
	Kind FieldKind `json:"kind"`
}

// Schema describes the columns of a dataset. Fields are encoded in order;
// IDField and TargetField are never part of the feature vector.
type Schema struct {
	IDField        string  `json:"id_field"`
	TargetField    string  `json:"target_field"`
	PositiveLabel  string  `json:"positive_label"`
	Fields         []Field `json:"fields"`
	DerivedFeature bool    `json:"derived_features"`
}

var telcoCategorical = []string{
	"gender",
	"Partner",
	"Dependents",
	"PhoneService",
	"MultipleLines",
	"InternetService",
	"OnlineSecurity",
	"OnlineBackup",
	"DeviceProtection",
	"TechSupport",
	"StreamingTV",
	"StreamingMovies",
	"Contract",
	"PaperlessBilling",
	"PaymentMethod",
}

var telcoNumeric = []string{
	"SeniorCitizen",
	"tenure",
	"MonthlyCharges",
	"TotalCharges",
}

// TelcoSchema returns the IBM Telco customer churn schema. When derived is
// true the engineered fields produced by Derive are appended as numeric
// features.
func TelcoSchema(derived bool) Schema {
	fields := make([]Field, 0, len(telcoCategorical)+len(telcoNumeric)+len(DerivedFieldNames()))
	for _, name := range telcoCategorical {
		fields = append(fields, Field{Name: name, Kind: Categorical})
	}
	for _, name := range telcoNumeric {
		fields = append(fields, Field{Name: name, Kind: Numeric})
	}
	if derived {
		for _, name := range DerivedFieldNames() {
			fields = append(fields, Field{Name: name, Kind: Numeric})
		}
	}
	return Schema{
		IDField:        "customerID",
		TargetField:    "Churn",
		PositiveLabel:  "Yes",
		Fields:         fields,
		DerivedFeature: derived,
	}
}

// Columns lists the raw columns a dataset file must carry: id, every
// non-derived field and the target.
func (s Schema) Columns() []string {
	derived := make(map[string]bool)
	if s.DerivedFeature {
		for _, name := range DerivedFieldNames() {
			derived[name] = true
		}
	}
	cols := make([]string, 0, len(s.Fields)+2)
	if s.IDField != "" {
		cols = append(cols, s.IDField)
	}
	for _, f := range s.Fields {
		if derived[f.Name] {
			continue
		}
		cols = append(cols, f.Name)
	}
	if s.TargetField != "" {
		cols = append(cols, s.TargetField)
	}
	return cols
}

func (s Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

func (s Schema) Validate() error {
	if len(s.Fields) == 0 {
		return errors.New("schema has no fields")
	}
	seen := make(map[string]bool, len(s.Fields))
	for _, f := range s.Fields {
		if f.Name == "" {
			return errors.New("schema field without name")
		}
		if seen[f.Name] {
			return fmt.Errorf("duplicate schema field %s", f.Name)
		}
		if f.Name == s.IDField || f.Name == s.TargetField {
			return fmt.Errorf("field %s cannot be both feature and id/target", f.Name)
		}
		switch f.Kind {
		case Categorical, Numeric:
		default:
			return fmt.Errorf("field %s has unknown kind %q", f.Name, f.Kind)
		}
		seen[f.Name] = true
	}
	return nil
}
