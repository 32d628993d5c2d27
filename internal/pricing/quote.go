package pricing

import "math"

// Tariff constants, minor currency units.
const (
	baseCost      = 500.0
	perKmRate     = 150.0
	perMinuteRate = 0.6

	weightThresholdGrams = 5000
	weightRatePerKg      = 100.0
	volumeThresholdM3    = 0.2
	volumeSurcharge      = 500.0
	fragileSurcharge     = 300.0

	driverShare  = 0.95
	clientMarkup = 1.05

	minDriverRemuneration = 300
	minClientFee          = 500
)

// MentionFragile on a package triggers the fragile surcharge (applied once
// per order, not per package).
const MentionFragile = "fragile"

// Package describes one parcel line on an order.
type Package struct {
	WeightGrams    int
	DepthCm        float64
	WidthCm        float64
	HeightCm       float64
	Quantity       int
	MentionWarning string
}

// VolumeM3 returns the line's total volume in cubic metres.
func (p Package) VolumeM3() float64 {
	qty := p.Quantity
	if qty <= 0 {
		qty = 1
	}
	return p.DepthCm * p.WidthCm * p.HeightCm / 1e6 * float64(qty)
}

// Quote is the priced result for an order.
type Quote struct {
	ClientFee          int64 `json:"client_fee"`
	DriverRemuneration int64 `json:"driver_remuneration"`

	TotalWeightGrams int     `json:"total_weight_grams"`
	TotalVolumeM3    float64 `json:"total_volume_m3"`
	Fragile          bool    `json:"fragile"`
}

// Compute prices an order from route metrics and its package list.
// Deterministic; all rounding happens once at the end of each output.
func Compute(distanceMeters, durationSeconds int, packages []Package) Quote {
	km := float64(distanceMeters) / 1000.0
	minutes := float64(durationSeconds) / 60.0

	cost := baseCost + km*perKmRate + minutes*perMinuteRate

	var totalWeight int
	var totalVolume float64
	fragile := false
	for _, p := range packages {
		qty := p.Quantity
		if qty <= 0 {
			qty = 1
		}
		totalWeight += p.WeightGrams * qty
		totalVolume += p.VolumeM3()
		if p.MentionWarning == MentionFragile {
			fragile = true
		}
	}

	if totalWeight > weightThresholdGrams {
		cost += float64(totalWeight-weightThresholdGrams) / 1000.0 * weightRatePerKg
	}
	if totalVolume > volumeThresholdM3 {
		cost += volumeSurcharge
	}
	if fragile {
		cost += fragileSurcharge
	}

	remuneration := int64(math.Round(0.5*baseCost + (cost-baseCost)*driverShare))
	if remuneration < minDriverRemuneration {
		remuneration = minDriverRemuneration
	}

	fee := int64(math.Round(cost * clientMarkup))
	if fee < minClientFee {
		fee = minClientFee
	}

	return Quote{
		ClientFee:          fee,
		DriverRemuneration: remuneration,
		TotalWeightGrams:   totalWeight,
		TotalVolumeM3:      totalVolume,
		Fragile:            fragile,
	}
}

// Prorate scales a remuneration by completed/total waypoints using integer
// division. Used when a mission ends PARTIALLY_COMPLETED.
func Prorate(remuneration int64, completed, total int) int64 {
	if total <= 0 {
		return 0
	}
	return remuneration * int64(completed) / int64(total)
}
