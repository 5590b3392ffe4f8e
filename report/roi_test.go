package report

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"churnlens/ml"
)

func TestBusinessImpact(t *testing.T) {
	c := ml.Confusion{TP: 10, FP: 4, TN: 80, FN: 6}
	im := BusinessImpact(c, decimal.NewFromInt(780), DefaultCosts())

	assert.Equal(t, "7800", im.PreventedChurnValue.String())
	assert.Equal(t, "200", im.FalseAlarmCost.String())
	assert.Equal(t, "3000", im.MissedChurnCost.String())
	assert.Equal(t, "4600", im.NetBenefit.String())
	// 4600 / (200 + 500) * 100
	assert.Equal(t, "657.14", im.ROI.String())
}

func TestBusinessImpactWithoutSpend(t *testing.T) {
	im := BusinessImpact(ml.Confusion{TN: 5, FN: 2}, decimal.NewFromInt(780), DefaultCosts())
	assert.True(t, im.ROI.IsZero())
	assert.Equal(t, "-1000", im.NetBenefit.String())
}

func TestROIDefaults(t *testing.T) {
	r, err := ROI(DefaultROIInputs())
	require.NoError(t, err)

	assert.Equal(t, int64(300), r.CustomersRetained)
	assert.Equal(t, "233136", r.AnnualRevenueSaved.String())
	assert.Equal(t, "30000", r.TotalInvestment.String())
	assert.Equal(t, "203136", r.NetBenefit.String())
	assert.Equal(t, "677.12", r.ROI.String())
	assert.Equal(t, "0.46", r.BreakEvenMonths.String())
}

func TestROIRoundsRetainedDown(t *testing.T) {
	in := DefaultROIInputs()
	in.TargetCustomers = 105
	in.SuccessRate = decimal.NewFromInt(15)

	r, err := ROI(in)
	require.NoError(t, err)
	assert.Equal(t, int64(15), r.CustomersRetained)
}

func TestROIValidation(t *testing.T) {
	cases := map[string]func(*ROIInputs){
		"no customers":      func(in *ROIInputs) { in.TargetCustomers = 0 },
		"zero value":        func(in *ROIInputs) { in.AvgMonthlyValue = decimal.Zero },
		"negative cost":     func(in *ROIInputs) { in.CostPerCustomer = decimal.NewFromInt(-1) },
		"success above 100": func(in *ROIInputs) { in.SuccessRate = decimal.NewFromInt(101) },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			in := DefaultROIInputs()
			mutate(&in)
			_, err := ROI(in)
			assert.Error(t, err)
		})
	}
}

func TestROIFreeCampaign(t *testing.T) {
	in := DefaultROIInputs()
	in.CostPerCustomer = decimal.Zero
	r, err := ROI(in)
	require.NoError(t, err)
	assert.True(t, r.ROI.IsZero())
	assert.True(t, r.BreakEvenMonths.IsZero())
}

func TestCustomerOffer(t *testing.T) {
	o := CustomerOffer(decimal.RequireFromString("70.70"), ml.TierHigh)
	assert.Equal(t, "50", o.Investment.String())
	assert.Equal(t, "848.4", o.PotentialLoss.String())
	assert.Equal(t, "1596.8", o.ROI.String())

	assert.Equal(t, "30", CustomerOffer(decimal.NewFromInt(10), ml.TierMedium).Investment.String())
	assert.Equal(t, "10", CustomerOffer(decimal.NewFromInt(10), ml.TierLow).Investment.String())
}
