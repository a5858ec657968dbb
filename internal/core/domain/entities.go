package domain

import "math"

// BillState is derived from a bill's evidence and payment sub-states.
type BillState string

const (
	BillStateRecorded         BillState = "RECORDED"
	BillStateEvidenceAttached BillState = "EVIDENCE_ATTACHED"
	BillStateConfirmed        BillState = "CONFIRMED"
)

// ResolveBillState maps the two sub-state flags onto the lifecycle.
func ResolveBillState(hasEvidence, paymentConfirmed bool) BillState {
	switch {
	case paymentConfirmed:
		return BillStateConfirmed
	case hasEvidence:
		return BillStateEvidenceAttached
	default:
		return BillStateRecorded
	}
}

// Occupancy of a room
const (
	OccupancyOccupied = "occupied"
	OccupancyVacant   = "vacant"
)

// Utility identifies a metered utility.
type Utility string

const (
	UtilityElectricity Utility = "electricity"
	UtilityWater       Utility = "water"
)

// MeterReading is one validated meter reading with its unit price.
type MeterReading struct {
	Previous float64
	Current  float64
	Rate     float64
}

// Charge is the computed usage for a reading.
type Charge struct {
	Units float64
	Total float64
}

// Compute returns units = current - previous and total = units * rate,
// both rounded to 2 decimals.
func (m MeterReading) Compute() Charge {
	units := Round2(m.Current - m.Previous)
	return Charge{
		Units: units,
		Total: Round2(units * m.Rate),
	}
}

// Validate enforces current >= previous for the given utility.
func (m MeterReading) Validate(u Utility) error {
	if m.Previous < 0 {
		return Invalid(string(u)+".previous", "previous reading must not be negative")
	}
	if m.Rate < 0 {
		return Invalid(string(u)+".rate", "rate must not be negative")
	}
	if m.Current < m.Previous {
		return Invalid(string(u)+".current",
			"current reading (%.2f) is lower than previous reading (%.2f)", m.Current, m.Previous)
	}
	return nil
}

// ReceiptTotal is the amount shown on the QR receipt: utilities only.
func ReceiptTotal(electricityTotal, waterTotal float64) float64 {
	return Round2(electricityTotal + waterTotal)
}

// InvoiceTotal adds rent and recurring add-ons on top of the receipt total.
func InvoiceTotal(receiptTotal, rent float64, addOns []float64) float64 {
	total := receiptTotal + rent
	for _, price := range addOns {
		total += price
	}
	return Round2(total)
}

// RoundRate rounds a unit rate to the 4 decimal places a bill stores.
func RoundRate(v float64) float64 {
	return math.Round(v*10000) / 10000
}

// Round2 rounds to 2 decimal places.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
