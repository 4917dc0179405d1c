package tariff

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/openutility/flume/internal/domain"
)

func testPlan() *domain.TariffPlan {
	return &domain.TariffPlan{
		ID:       "plan-1",
		PolicyID: "pol-1",
		Name:     "Domestic Water 2026",
		Currency: "INR",
	}
}

func component(t *testing.T, typ domain.ComponentType, model domain.CalculationModel, params any) *domain.TariffComponent {
	t.Helper()
	raw, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("marshal params: %v", err)
	}
	return &domain.TariffComponent{
		ID:               "comp-" + string(typ),
		TariffPlanID:     "plan-1",
		ComponentType:    typ,
		CalculationModel: model,
		Parameters:       raw,
		IsActive:         true,
	}
}

func f(v float64) *float64 { return &v }

func testComponents(t *testing.T) []*domain.TariffComponent {
	t.Helper()
	return []*domain.TariffComponent{
		component(t, domain.ComponentVolumetricRate, domain.ModelStepped, domain.VolumetricParams{
			Slabs: []domain.Slab{
				{StartUnit: 0, EndUnit: f(10), Rate: 5},
				{StartUnit: 10.01, EndUnit: f(20), Rate: 8},
				{StartUnit: 20.01, Rate: 12},
			},
		}),
		component(t, domain.ComponentFixedCharge, domain.ModelCapacityBased, domain.FixedChargeParams{
			MinimumBills: []domain.MinimumBill{
				{Category: "Domestic", Amount: 30},
				{Category: "Commercial", Amount: 150},
				{Category: "Group Housing", Amount: 25, MultiUnit: true},
			},
			PipeSizeRates: []domain.PipeSizeRate{
				{SizeMM: 15, Amount: 20},
				{SizeMM: 25, Amount: 60},
				{SizeMM: 40, Amount: 200},
			},
		}),
		component(t, domain.ComponentSurcharge, domain.ModelStepped, domain.SurchargeParams{
			SeweragePercent: 25,
			ServiceSlabs: []domain.Slab{
				{StartUnit: 0, EndUnit: f(100), Rate: 10},
				{StartUnit: 100.01, Rate: 25},
			},
		}),
	}
}

func newTestCalculator(t *testing.T) *Calculator {
	t.Helper()
	calc, err := NewCalculator(testPlan(), testComponents(t))
	if err != nil {
		t.Fatalf("NewCalculator: %v", err)
	}
	return calc
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestComputeSlabLookup(t *testing.T) {
	calc := newTestCalculator(t)

	// Consumption 8 sits in the first slab, so the whole volume prices
	// at that slab's rate.
	out, err := calc.Compute(Input{Consumption: 8, Category: "Domestic", PipeSizeMM: 15})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if !approx(out.ConsumptionCharge, 40) {
		t.Errorf("expected consumption charge 40, got %.2f", out.ConsumptionCharge)
	}

	out, err = calc.Compute(Input{Consumption: 15, Category: "Domestic", PipeSizeMM: 15})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if !approx(out.ConsumptionCharge, 120) {
		t.Errorf("expected consumption charge 120 (15 * 8), got %.2f", out.ConsumptionCharge)
	}

	out, err = calc.Compute(Input{Consumption: 50, Category: "Domestic", PipeSizeMM: 15})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if !approx(out.ConsumptionCharge, 600) {
		t.Errorf("expected consumption charge 600 (50 * 12), got %.2f", out.ConsumptionCharge)
	}
}

func TestComputeWaterCessFloor(t *testing.T) {
	calc := newTestCalculator(t)

	// Low consumption: minimum bill (30) beats consumption (10) and
	// pipe size (20).
	out, err := calc.Compute(Input{Consumption: 2, Category: "Domestic", PipeSizeMM: 15})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if !approx(out.WaterCess, 30) {
		t.Errorf("expected water cess 30 (minimum bill floor), got %.2f", out.WaterCess)
	}

	// Big pipe: pipe size charge (200) beats both.
	out, err = calc.Compute(Input{Consumption: 2, Category: "Domestic", PipeSizeMM: 40})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if !approx(out.WaterCess, 200) {
		t.Errorf("expected water cess 200 (pipe size floor), got %.2f", out.WaterCess)
	}

	// High consumption dominates.
	out, err = calc.Compute(Input{Consumption: 50, Category: "Domestic", PipeSizeMM: 15})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if !approx(out.WaterCess, 600) {
		t.Errorf("expected water cess 600 (consumption), got %.2f", out.WaterCess)
	}

	// The floor guarantee: water cess never drops below any of the three.
	for _, consumption := range []float64{0, 1, 5, 9, 15, 30, 100} {
		out, err := calc.Compute(Input{Consumption: consumption, Category: "Domestic", PipeSizeMM: 25})
		if err != nil {
			t.Fatalf("Compute(%v): %v", consumption, err)
		}
		if out.WaterCess < out.ConsumptionCharge || out.WaterCess < out.PipeSizeCharge || out.WaterCess < out.MinimumBillCharge {
			t.Errorf("consumption %.0f: water cess %.2f below a floor (%.2f/%.2f/%.2f)",
				consumption, out.WaterCess, out.ConsumptionCharge, out.PipeSizeCharge, out.MinimumBillCharge)
		}
	}
}

func TestComputeSurchargesAndTotal(t *testing.T) {
	calc := newTestCalculator(t)

	out, err := calc.Compute(Input{Consumption: 8, Category: "Domestic", PipeSizeMM: 15})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}

	// waterCess = max(40, 20, 30) = 40; sewerage = 25% -> 10;
	// service slab on 50 -> 10; total = 60.
	if !approx(out.WaterCess, 40) {
		t.Errorf("water cess: expected 40, got %.2f", out.WaterCess)
	}
	if !approx(out.SewerageCess, 10) {
		t.Errorf("sewerage cess: expected 10, got %.2f", out.SewerageCess)
	}
	if !approx(out.ServiceCharge, 10) {
		t.Errorf("service charge: expected 10, got %.2f", out.ServiceCharge)
	}
	if !approx(out.TotalAmount, 60) {
		t.Errorf("total: expected 60, got %.2f", out.TotalAmount)
	}
	if out.Currency != "INR" {
		t.Errorf("currency: expected INR, got %s", out.Currency)
	}

	// Larger bill crosses into the upper service slab.
	out, err = calc.Compute(Input{Consumption: 50, Category: "Domestic", PipeSizeMM: 15})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if !approx(out.ServiceCharge, 25) {
		t.Errorf("service charge: expected 25, got %.2f", out.ServiceCharge)
	}
	if !approx(out.TotalAmount, 600+150+25) {
		t.Errorf("total: expected 775, got %.2f", out.TotalAmount)
	}
}

func TestComputeMultiUnitMinimum(t *testing.T) {
	calc := newTestCalculator(t)

	out, err := calc.Compute(Input{Consumption: 1, Category: "Group Housing", PipeSizeMM: 15, UnitCount: 8})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if !approx(out.MinimumBillCharge, 200) {
		t.Errorf("expected minimum bill 200 (25 * 8 flats), got %.2f", out.MinimumBillCharge)
	}
	if !approx(out.WaterCess, 200) {
		t.Errorf("expected water cess 200, got %.2f", out.WaterCess)
	}
}

func TestComputePipeSizeRoundsDown(t *testing.T) {
	calc := newTestCalculator(t)

	// 32mm is between the 25mm and 40mm steps and pays the 25mm rate.
	out, err := calc.Compute(Input{Consumption: 1, Category: "Domestic", PipeSizeMM: 32})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if !approx(out.PipeSizeCharge, 60) {
		t.Errorf("expected pipe size charge 60, got %.2f", out.PipeSizeCharge)
	}

	// Below the smallest configured size: no pipe charge.
	out, err = calc.Compute(Input{Consumption: 1, Category: "Domestic", PipeSizeMM: 10})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if out.PipeSizeCharge != 0 {
		t.Errorf("expected zero pipe size charge, got %.2f", out.PipeSizeCharge)
	}
}

func TestComputeUnknownCategory(t *testing.T) {
	calc := newTestCalculator(t)

	out, err := calc.Compute(Input{Consumption: 8, Category: "Industrial", PipeSizeMM: 15})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if out.MinimumBillCharge != 0 {
		t.Errorf("unknown category should carry no minimum bill, got %.2f", out.MinimumBillCharge)
	}
}

func TestComputeConsumptionBeyondSlabs(t *testing.T) {
	// A plan whose slab table stops at 10 units: consumption past the
	// table prices at zero and the fixed floors carry the bill.
	comps := []*domain.TariffComponent{
		component(t, domain.ComponentVolumetricRate, domain.ModelStepped, domain.VolumetricParams{
			Slabs: []domain.Slab{
				{StartUnit: 0, EndUnit: f(10), Rate: 5},
			},
		}),
		component(t, domain.ComponentFixedCharge, domain.ModelCapacityBased, domain.FixedChargeParams{
			MinimumBills: []domain.MinimumBill{
				{Category: "Domestic", Amount: 30},
			},
		}),
	}
	calc, err := NewCalculator(testPlan(), comps)
	if err != nil {
		t.Fatalf("NewCalculator: %v", err)
	}

	out, err := calc.Compute(Input{Consumption: 15, Category: "Domestic"})
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if out.ConsumptionCharge != 0 {
		t.Errorf("expected zero consumption charge past the slab table, got %.2f", out.ConsumptionCharge)
	}
	if !approx(out.WaterCess, 30) {
		t.Errorf("expected water cess 30 (minimum bill floor), got %.2f", out.WaterCess)
	}
	for _, line := range out.Breakdown {
		if line.ComponentType == domain.ComponentVolumetricRate {
			t.Errorf("unexpected volumetric breakdown line: %+v", line)
		}
	}
}

func TestComputeNegativeConsumption(t *testing.T) {
	calc := newTestCalculator(t)

	if _, err := calc.Compute(Input{Consumption: -1, Category: "Domestic"}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestNewCalculatorRequiresVolumetric(t *testing.T) {
	comps := []*domain.TariffComponent{
		component(t, domain.ComponentFixedCharge, domain.ModelCapacityBased, domain.FixedChargeParams{}),
	}
	if _, err := NewCalculator(testPlan(), comps); !errors.Is(err, domain.ErrPolicyNotFound) {
		t.Errorf("expected ErrPolicyNotFound without a volumetric component, got %v", err)
	}
}

func TestNewCalculatorBadParams(t *testing.T) {
	comps := []*domain.TariffComponent{
		{
			ID:            "bad",
			ComponentType: domain.ComponentVolumetricRate,
			Parameters:    json.RawMessage(`{"slabs":"nope"}`),
		},
	}
	if _, err := NewCalculator(testPlan(), comps); err == nil {
		t.Error("expected error for malformed parameter document")
	}
}
