package domain

import "github.com/shopspring/decimal"

// VNDScale is the minor-unit factor used by the Vietnamese brokerages:
// amounts arrive in VND and are reported in thousand-VND.
const VNDScale = 1000

// FromMinor converts a vendor minor-unit amount to display units.
func FromMinor(v float64, scale int64) float64 {
	f, _ := decimal.NewFromFloat(v).Div(decimal.NewFromInt(scale)).Float64()
	return f
}

// ToMinor converts a display-unit amount to the vendor minor-unit scale.
func ToMinor(v float64, scale int64) float64 {
	f, _ := decimal.NewFromFloat(v).Mul(decimal.NewFromInt(scale)).Round(0).Float64()
	return f
}
