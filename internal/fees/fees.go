// Package fees computes delivery fees and courier earnings.
//
// All money is expressed in integer cents. A quote is symmetric: both legs
// of an assisted delivery carry the same per-leg fee, derived from the
// great-circle distance between the two parties' addresses.
package fees

import "math"

const (
	// BaseFeeCents is the flat component of a leg fee.
	BaseFeeCents int64 = 300
	// PerKmCents is the distance component per kilometre.
	PerKmCents int64 = 90
	// MinFeeCents is the floor applied after the distance formula.
	MinFeeCents int64 = 400
	// EarningRate is the courier's share of a leg fee.
	EarningRate = 0.70
)

// Quote is the computed cost of one delivery leg.
type Quote struct {
	DistanceKm    float64 `json:"distance_km"`
	FeeCents      int64   `json:"fee_cents"`
	EarningCents  int64   `json:"earning_cents"`
}

// ForDistance prices one leg for the given distance.
// fee = max(min, base + perKm × km), rounded to the nearest cent.
func ForDistance(distanceKm float64) Quote {
	if distanceKm < 0 {
		distanceKm = 0
	}

	raw := float64(BaseFeeCents) + float64(PerKmCents)*distanceKm
	fee := int64(math.Round(raw))
	if fee < MinFeeCents {
		fee = MinFeeCents
	}

	return Quote{
		DistanceKm:   distanceKm,
		FeeCents:     fee,
		EarningCents: int64(math.Round(float64(fee) * EarningRate)),
	}
}

// TotalCents is the combined fee for both legs of an assisted delivery.
func TotalCents(q Quote) int64 { return q.FeeCents * 2 }
