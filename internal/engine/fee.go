package engine

import (
	"fmt"
	"math"

	"github.com/nathanyu/pocket-pal/internal/domain"
)

// FeePolicy computes the platform fee for a transfer amount.
type FeePolicy interface {
	Fee(amount int64) int64
}

// FeeFunc adapts a plain function to FeePolicy.
type FeeFunc func(amount int64) int64

func (f FeeFunc) Fee(amount int64) int64 { return f(amount) }

// ThresholdFee charges Flat for amounts at or above Threshold and nothing
// below it.
type ThresholdFee struct {
	Threshold int64
	Flat      int64
}

func (p ThresholdFee) Fee(amount int64) int64 {
	if amount >= p.Threshold {
		return p.Flat
	}
	return 0
}

// DefaultFeePolicy charges 5 on transfers of 100 or more.
var DefaultFeePolicy = ThresholdFee{Threshold: 100, Flat: 5}

// split returns how much leaves the sender and how much reaches the receiver.
// The collector always receives exactly fee, so
// debit == credit + fee under every sourcing.
func split(sourcing domain.FeeSourcing, amount, fee int64) (debit, credit int64, err error) {
	if fee < 0 {
		return 0, 0, fmt.Errorf("fee policy returned negative fee %d", fee)
	}
	switch sourcing {
	case domain.ReceiverPaysFee:
		if fee > amount {
			return 0, 0, fmt.Errorf("amount %d does not cover the fee %d", amount, fee)
		}
		return amount, amount - fee, nil
	default:
		if amount > math.MaxInt64-fee {
			return 0, 0, fmt.Errorf("amount %d plus fee %d overflows", amount, fee)
		}
		return amount + fee, amount, nil
	}
}
