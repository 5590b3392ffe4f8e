package report

import (
	"errors"

	"github.com/shopspring/decimal"

	"churnlens/ml"
)

var (
	twelve  = decimal.NewFromInt(12)
	hundred = decimal.NewFromInt(100)
)

// Costs are the campaign economics used to price model decisions.
type Costs struct {
	RetentionCost   decimal.Decimal `json:"retention_cost"`
	AcquisitionCost decimal.Decimal `json:"acquisition_cost"`
}

func DefaultCosts() Costs {
	return Costs{
		RetentionCost:   decimal.NewFromInt(50),
		AcquisitionCost: decimal.NewFromInt(500),
	}
}

type Impact struct {
	PreventedChurnValue decimal.Decimal `json:"prevented_churn_value"`
	FalseAlarmCost      decimal.Decimal `json:"false_alarm_cost"`
	MissedChurnCost     decimal.Decimal `json:"missed_churn_cost"`
	NetBenefit          decimal.Decimal `json:"net_benefit"`
	ROI                 decimal.Decimal `json:"roi_percent"`
}

// BusinessImpact prices a confusion matrix. A caught churner keeps a year of
// revenue; ROI is the net benefit over the total retention spend.
func BusinessImpact(c ml.Confusion, annualCustomerValue decimal.Decimal, costs Costs) Impact {
	tp := decimal.NewFromInt(int64(c.TP))
	fp := decimal.NewFromInt(int64(c.FP))
	fn := decimal.NewFromInt(int64(c.FN))

	im := Impact{
		PreventedChurnValue: tp.Mul(annualCustomerValue),
		FalseAlarmCost:      fp.Mul(costs.RetentionCost),
		MissedChurnCost:     fn.Mul(costs.AcquisitionCost),
		ROI:                 decimal.Zero,
	}
	im.NetBenefit = im.PreventedChurnValue.Sub(im.FalseAlarmCost).Sub(im.MissedChurnCost)

	spend := im.FalseAlarmCost.Add(costs.RetentionCost.Mul(tp))
	if spend.IsPositive() {
		im.ROI = im.NetBenefit.Div(spend).Mul(hundred).Round(2)
	}
	return im
}

// ROIInputs drive the retention campaign calculator.
type ROIInputs struct {
	TargetCustomers int             `json:"target_customers"`
	AvgMonthlyValue decimal.Decimal `json:"avg_monthly_value"`
	CostPerCustomer decimal.Decimal `json:"cost_per_customer"`
	SuccessRate     decimal.Decimal `json:"success_rate_percent"`
}

func DefaultROIInputs() ROIInputs {
	return ROIInputs{
		TargetCustomers: 1000,
		AvgMonthlyValue: decimal.RequireFromString("64.76"),
		CostPerCustomer: decimal.NewFromInt(30),
		SuccessRate:     decimal.NewFromInt(30),
	}
}

func (in ROIInputs) Validate() error {
	if in.TargetCustomers <= 0 {
		return errors.New("target customers must be positive")
	}
	if !in.AvgMonthlyValue.IsPositive() {
		return errors.New("average monthly value must be positive")
	}
	if in.CostPerCustomer.IsNegative() {
		return errors.New("cost per customer must not be negative")
	}
	if in.SuccessRate.IsNegative() || in.SuccessRate.GreaterThan(hundred) {
		return errors.New("success rate must be between 0 and 100")
	}
	return nil
}

type ROIResult struct {
	CustomersRetained  int64           `json:"customers_retained"`
	AnnualRevenueSaved decimal.Decimal `json:"annual_revenue_saved"`
	TotalInvestment    decimal.Decimal `json:"total_investment"`
	NetBenefit         decimal.Decimal `json:"net_benefit"`
	ROI                decimal.Decimal `json:"roi_percent"`
	BreakEvenMonths    decimal.Decimal `json:"break_even_months"`
}

// ROI projects a retention campaign. Retained customers are rounded down.
func ROI(in ROIInputs) (ROIResult, error) {
	if err := in.Validate(); err != nil {
		return ROIResult{}, err
	}
	target := decimal.NewFromInt(int64(in.TargetCustomers))
	retained := target.Mul(in.SuccessRate).Div(hundred).Floor()

	r := ROIResult{
		CustomersRetained:  retained.IntPart(),
		AnnualRevenueSaved: retained.Mul(in.AvgMonthlyValue).Mul(twelve),
		TotalInvestment:    target.Mul(in.CostPerCustomer),
		ROI:                decimal.Zero,
	}
	r.NetBenefit = r.AnnualRevenueSaved.Sub(r.TotalInvestment)
	if r.TotalInvestment.IsPositive() {
		r.ROI = r.NetBenefit.Div(r.TotalInvestment).Mul(hundred).Round(2)
	}
	r.BreakEvenMonths = in.CostPerCustomer.Div(in.AvgMonthlyValue).Round(2)
	return r, nil
}

// Offer is the suggested retention spend for a single customer.
type Offer struct {
	Investment    decimal.Decimal `json:"investment"`
	PotentialLoss decimal.Decimal `json:"potential_loss"`
	ROI           decimal.Decimal `json:"roi_percent"`
}

// CustomerOffer sizes the retention budget by tier against a year of the
// customer's charges.
func CustomerOffer(monthly decimal.Decimal, tier ml.Tier) Offer {
	var invest decimal.Decimal
	switch tier {
	case ml.TierHigh:
		invest = decimal.NewFromInt(50)
	case ml.TierMedium:
		invest = decimal.NewFromInt(30)
	default:
		invest = decimal.NewFromInt(10)
	}
	loss := monthly.Mul(twelve)
	return Offer{
		Investment:    invest,
		PotentialLoss: loss,
		ROI:           loss.Sub(invest).Div(invest).Mul(hundred).Round(2),
	}
}
