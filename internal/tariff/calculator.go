// Package tariff computes water charges from a policy's tariff plan:
// slab-based consumption charge, fixed charges by pipe size and category
// minimum, the max-of-three water cess floor, and percentage surcharges.
package tariff

import (
	"fmt"

	"github.com/openutility/flume/internal/domain"
)

// Input carries the billing facts a charge computation needs.
type Input struct {
	Consumption  float64
	Category     string
	PipeSizeMM   float64
	UnitCount    int
	ConnectionID string
}

// Calculator computes charge breakdowns for one tariff plan. It is pure
// and safe for concurrent use.
type Calculator struct {
	plan       *domain.TariffPlan
	volumetric *domain.VolumetricParams
	fixed      *domain.FixedChargeParams
	surcharge  *domain.SurchargeParams
}

// NewCalculator indexes a plan's components by type. A plan without a
// volumetric component cannot price consumption and is rejected.
func NewCalculator(plan *domain.TariffPlan, components []*domain.TariffComponent) (*Calculator, error) {
	c := &Calculator{plan: plan}

	for _, comp := range components {
		switch comp.ComponentType {
		case domain.ComponentVolumetricRate:
			var p domain.VolumetricParams
			if err := comp.DecodeParams(&p); err != nil {
				return nil, fmt.Errorf("volumetric component %s: %w", comp.ID, err)
			}
			c.volumetric = &p
		case domain.ComponentFixedCharge:
			var p domain.FixedChargeParams
			if err := comp.DecodeParams(&p); err != nil {
				return nil, fmt.Errorf("fixed charge component %s: %w", comp.ID, err)
			}
			c.fixed = &p
		case domain.ComponentSurcharge:
			var p domain.SurchargeParams
			if err := comp.DecodeParams(&p); err != nil {
				return nil, fmt.Errorf("surcharge component %s: %w", comp.ID, err)
			}
			c.surcharge = &p
		}
	}

	if c.volumetric == nil {
		return nil, fmt.Errorf("plan %s has no volumetric component: %w", plan.ID, domain.ErrPolicyNotFound)
	}
	return c, nil
}

// Compute prices one billing input against the plan.
//
// The water cess is the greatest of the consumption charge, the pipe size
// charge and the category minimum bill, so a connection never pays less
// than its fixed floor. Sewerage cess is a percentage of the water cess,
// and the service charge is slab-priced on water cess plus sewerage cess.
func (c *Calculator) Compute(in Input) (*domain.ChargeBreakdown, error) {
	if in.Consumption < 0 {
		return nil, fmt.Errorf("%w: negative consumption %.2f", domain.ErrInvalidInput, in.Consumption)
	}

	out := &domain.ChargeBreakdown{Currency: c.plan.Currency}

	// Consumption outside every slab prices at zero; the pipe size and
	// minimum bill floors below still bill the connection.
	if slab, ok := findSlab(c.volumetric.Slabs, in.Consumption); ok {
		out.ConsumptionCharge = in.Consumption * slab.Rate
		out.Breakdown = append(out.Breakdown, domain.ChargeLine{
			ComponentType: domain.ComponentVolumetricRate,
			Description:   fmt.Sprintf("consumption %.2f @ %.2f", in.Consumption, slab.Rate),
			Amount:        out.ConsumptionCharge,
		})
	}

	if c.fixed != nil {
		out.PipeSizeCharge = pipeSizeCharge(c.fixed.PipeSizeRates, in.PipeSizeMM)
		out.MinimumBillCharge = minimumBillCharge(c.fixed.MinimumBills, in.Category, in.UnitCount)
	}

	out.WaterCess = maxOf(out.ConsumptionCharge, out.PipeSizeCharge, out.MinimumBillCharge)
	out.Breakdown = append(out.Breakdown, domain.ChargeLine{
		ComponentType: domain.ComponentFixedCharge,
		Description:   "water cess",
		Amount:        out.WaterCess,
	})

	if c.surcharge != nil {
		out.SewerageCess = out.WaterCess * c.surcharge.SeweragePercent / 100
		if out.SewerageCess > 0 {
			out.Breakdown = append(out.Breakdown, domain.ChargeLine{
				ComponentType: domain.ComponentSurcharge,
				Description:   fmt.Sprintf("sewerage cess %.1f%%", c.surcharge.SeweragePercent),
				Amount:        out.SewerageCess,
			})
		}

		if base := out.WaterCess + out.SewerageCess; len(c.surcharge.ServiceSlabs) > 0 {
			if slab, ok := findSlab(c.surcharge.ServiceSlabs, base); ok {
				out.ServiceCharge = slab.Rate
				out.Breakdown = append(out.Breakdown, domain.ChargeLine{
					ComponentType: domain.ComponentSurcharge,
					Description:   "service charge",
					Amount:        out.ServiceCharge,
				})
			}
		}
	}

	out.TotalAmount = out.WaterCess + out.SewerageCess + out.ServiceCharge
	return out, nil
}

// findSlab returns the slab whose [StartUnit, EndUnit] range contains v.
// Slabs are checked in order; the first match wins.
func findSlab(slabs []domain.Slab, v float64) (domain.Slab, bool) {
	for _, s := range slabs {
		if s.Contains(v) {
			return s, true
		}
	}
	return domain.Slab{}, false
}

// pipeSizeCharge picks the rate for the connection's pipe size. Sizes
// between configured steps round down to the nearest configured size;
// sizes below the smallest configured size pay nothing.
func pipeSizeCharge(rates []domain.PipeSizeRate, sizeMM float64) float64 {
	var best float64
	var bestSize float64 = -1
	for _, r := range rates {
		if r.SizeMM <= sizeMM && r.SizeMM > bestSize {
			bestSize = r.SizeMM
			best = r.Amount
		}
	}
	return best
}

// minimumBillCharge looks up the category floor. MultiUnit entries scale
// by the number of dwellings on the connection.
func minimumBillCharge(bills []domain.MinimumBill, category string, unitCount int) float64 {
	for _, b := range bills {
		if b.Category != category {
			continue
		}
		if b.MultiUnit && unitCount > 1 {
			return b.Amount * float64(unitCount)
		}
		return b.Amount
	}
	return 0
}

func maxOf(vals ...float64) float64 {
	m := vals[0]
	for _, v := range vals[1:] {
		if v > m {
			m = v
		}
	}
	return m
}
