package domain

import (
	"encoding/json"
	"time"
)

// ComponentType identifies what a tariff component charges for.
type ComponentType string

const (
	ComponentFixedCharge    ComponentType = "FixedCharge"
	ComponentVolumetricRate ComponentType = "VolumetricRate"
	ComponentDemandCharge   ComponentType = "DemandCharge"
	ComponentTimeOfUse      ComponentType = "TimeOfUse"
	ComponentSurcharge      ComponentType = "Surcharge"
	ComponentRebate         ComponentType = "Rebate"
)

// CalculationModel identifies how a component's parameters are applied.
type CalculationModel string

const (
	ModelStepped       CalculationModel = "Stepped"
	ModelBlocked       CalculationModel = "Blocked"
	ModelSeasonal      CalculationModel = "Seasonal"
	ModelTimeOfDay     CalculationModel = "TimeOfDay"
	ModelCapacityBased CalculationModel = "CapacityBased"
)

// TariffPlan owns an ordered set of tariff components.
type TariffPlan struct {
	ID               string     `json:"id"`
	PolicyID         string     `json:"policyId"`
	Name             string     `json:"name"`
	BillingFrequency string     `json:"billingFrequency"`
	Currency         string     `json:"currency"`
	EffectiveStart   time.Time  `json:"effectiveStart"`
	EffectiveEnd     *time.Time `json:"effectiveEnd,omitempty"`
	IsDefault        bool       `json:"isDefault"`
	CreatedAt        time.Time  `json:"createdAt,omitempty"`
}

// TariffComponent is one chargeable element of a plan. Parameters is an
// opaque document whose shape depends on ComponentType + CalculationModel;
// Precedence defines application order.
type TariffComponent struct {
	ID               string           `json:"id"`
	TariffPlanID     string           `json:"tariffPlanId"`
	ComponentType    ComponentType    `json:"componentType"`
	CalculationModel CalculationModel `json:"calculationModel"`
	Parameters       json.RawMessage  `json:"parameters"`
	Precedence       int              `json:"precedence"`
	IsActive         bool             `json:"isActive"`
	CreatedAt        time.Time        `json:"createdAt,omitempty"`
}

// DecodeParams unmarshals the component's parameter document into dst.
func (c *TariffComponent) DecodeParams(dst any) error {
	return json.Unmarshal(c.Parameters, dst)
}

// Slab maps a [StartUnit, EndUnit] range to a rate. Slab sets are
// non-overlapping and sorted ascending. A nil EndUnit is open-ended.
type Slab struct {
	StartUnit float64  `json:"startUnit"`
	EndUnit   *float64 `json:"endUnit,omitempty"`
	Rate      float64  `json:"rate"`
}

// Contains reports whether the slab's inclusive range covers v.
func (s Slab) Contains(v float64) bool {
	if v < s.StartUnit {
		return false
	}
	return s.EndUnit == nil || v <= *s.EndUnit
}

// PipeSizeRate maps a connection pipe size in millimeters to a fixed charge.
type PipeSizeRate struct {
	SizeMM float64 `json:"sizeMM"`
	Amount float64 `json:"amount"`
}

// MinimumBill is the category-keyed bill floor. Categories marked MultiUnit
// scale the amount by the connection's number of flats.
type MinimumBill struct {
	Category  string  `json:"category"`
	Amount    float64 `json:"amount"`
	MultiUnit bool    `json:"multiUnit,omitempty"`
}

// VolumetricParams is the parameter document of a VolumetricRate component.
type VolumetricParams struct {
	Slabs []Slab `json:"slabs"`
}

// FixedChargeParams is the parameter document of a FixedCharge component.
// Stepped model uses MinimumBills; CapacityBased uses PipeSizeRates.
type FixedChargeParams struct {
	MinimumBills  []MinimumBill  `json:"minimumBills,omitempty"`
	PipeSizeRates []PipeSizeRate `json:"pipeSizeRates,omitempty"`
}

// SurchargeParams is the parameter document of a Surcharge component.
// SeweragePercent applies over the water cess; service charges resolve
// from a slab keyed on waterCess + sewerageCess.
type SurchargeParams struct {
	SeweragePercent float64 `json:"seweragePercent,omitempty"`
	ServiceSlabs    []Slab  `json:"serviceSlabs,omitempty"`
}

// ChargeBreakdown is the output of the tariff calculator.
type ChargeBreakdown struct {
	ConsumptionCharge float64 `json:"consumptionCharge"`
	PipeSizeCharge    float64 `json:"pipeSizeCharge"`
	MinimumBillCharge float64 `json:"minimumBillCharge"`
	WaterCess         float64 `json:"waterCess"`
	SewerageCess      float64 `json:"sewerageCess"`
	ServiceCharge     float64 `json:"serviceCharge"`
	TotalAmount       float64 `json:"totalAmount"`
	Currency          string  `json:"currency,omitempty"`

	// Breakdown lists each component's contribution in precedence order.
	Breakdown []ChargeLine `json:"breakdown,omitempty"`
}

// ChargeLine is one line of the charge breakdown.
type ChargeLine struct {
	ComponentType ComponentType `json:"componentType"`
	Description   string        `json:"description"`
	Amount        float64       `json:"amount"`
}
