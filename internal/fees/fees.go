// Package fees computes the platform's cut of a sale. The same functions back
// the display estimator and the amounts persisted on a transaction, so a quoted
// fee can never diverge from a charged one.
package fees

import (
	"errors"

	"github.com/shopspring/decimal"
)

// PlatformFeeBasisPoints is the platform fee rate: 300 bps = 3%.
const PlatformFeeBasisPoints = 300

var (
	ErrNegativeAmount = errors.New("amount must be non-negative")

	platformFeeRate = decimal.New(PlatformFeeBasisPoints, -4)
)

// Split is the breakdown of a gross amount in minor currency units.
type Split struct {
	TotalAmount  int64 `json:"total_amount"`
	PlatformFee  int64 `json:"platform_fee"`
	SellerAmount int64 `json:"seller_amount"`
}

// Fee returns the platform fee for amount, rounded half-up to the minor unit.
func Fee(amount int64) int64 {
	return decimal.NewFromInt(amount).Mul(platformFeeRate).Round(0).IntPart()
}

// Net returns what the seller receives for amount.
func Net(amount int64) int64 {
	return amount - Fee(amount)
}

// Quote splits a gross amount into platform fee and seller proceeds.
func Quote(total int64) (Split, error) {
	if total < 0 {
		return Split{}, ErrNegativeAmount
	}
	fee := Fee(total)
	return Split{
		TotalAmount:  total,
		PlatformFee:  fee,
		SellerAmount: total - fee,
	}, nil
}

// Balanced reports whether the split still satisfies fee + proceeds == total.
func (s Split) Balanced() bool {
	return s.PlatformFee+s.SellerAmount == s.TotalAmount && s.PlatformFee >= 0
}
