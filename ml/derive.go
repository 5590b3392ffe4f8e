package ml

import (
	"math"
	"strconv"
	"strings"
)

var contractStability = map[string]float64{
	"Month-to-month": 0,
	"One year":       0.5,
	"Two year":       1,
}

var paymentStability = map[string]float64{
	"Electronic check":          0,
	"Mailed check":              0.33,
	"Bank transfer (automatic)": 0.67,
	"Credit card (automatic)":   1,
}

var protectionServices = []string{"OnlineSecurity", "OnlineBackup", "DeviceProtection", "TechSupport"}

var addOnServices = []string{"OnlineSecurity", "OnlineBackup", "DeviceProtection", "TechSupport", "StreamingTV", "StreamingMovies"}

func DerivedFieldNames() []string {
	return []string{
		"IsMonthToMonth",
		"ContractStability",
		"IsElectronicCheck",
		"PaymentStability",
		"FinancialRiskScore",
		"TenureRisk",
		"IsNewCustomer",
		"ProtectionScore",
		"ServiceCount",
		"RevenuePerService",
	}
}

// Derive computes the engineered churn-risk features of a Telco record.
// Unknown contract or payment values count as the least stable option.
func Derive(rec CustomerRecord) (map[string]float64, error) {
	tenure, err := numericField(rec, "tenure")
	if err != nil {
		return nil, err
	}
	monthly, err := numericField(rec, "MonthlyCharges")
	if err != nil {
		return nil, err
	}

	contract := strings.TrimSpace(rec["Contract"])
	payment := strings.TrimSpace(rec["PaymentMethod"])

	isMonthToMonth := boolFloat(contract == "Month-to-month")
	isElectronicCheck := boolFloat(payment == "Electronic check")
	payStability := paymentStability[payment]

	protection := 0.0
	for _, svc := range protectionServices {
		protection += boolFloat(strings.TrimSpace(rec[svc]) == "Yes")
	}

	services := boolFloat(strings.TrimSpace(rec["PhoneService"]) == "Yes")
	if internet := strings.TrimSpace(rec["InternetService"]); internet != "" && internet != "No" {
		services++
	}
	for _, svc := range addOnServices {
		services += boolFloat(strings.TrimSpace(rec[svc]) == "Yes")
	}

	return map[string]float64{
		"IsMonthToMonth":     isMonthToMonth,
		"ContractStability":  contractStability[contract],
		"IsElectronicCheck":  isElectronicCheck,
		"PaymentStability":   payStability,
		"FinancialRiskScore": isMonthToMonth*0.427 + isElectronicCheck*0.453 + (1-payStability)*0.12,
		"TenureRisk":         math.Exp(-tenure / 12),
		"IsNewCustomer":      boolFloat(tenure <= 12),
		"ProtectionScore":    protection,
		"ServiceCount":       services,
		"RevenuePerService":  monthly / (services + 1),
	}, nil
}

func numericField(rec CustomerRecord, name string) (float64, error) {
	raw, ok := rec[name]
	if !ok {
		return 0, &FieldError{Field: name, Reason: "missing"}
	}
	return parseNumeric(name, raw)
}

func parseNumeric(name, raw string) (float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, &FieldError{Field: name, Reason: "empty numeric value"}
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, &FieldError{Field: name, Reason: "not a number: " + strconv.Quote(raw)}
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, &FieldError{Field: name, Reason: "non-finite value"}
	}
	return v, nil
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
