package escrow

import (
	"fmt"
	"math/big"
)

const (
	// BpsDenominator is the basis-point scale: 10000 bps == 100%.
	BpsDenominator = 10_000
	// MinNativeFee is the floor applied to native-currency payouts whose
	// proportional fee would otherwise round down to dust.
	MinNativeFee = 1_000_000
)

// ComputeFee splits a gross payout into (fee, net) at the supplied basis-point
// rate. The fee floors at MinNativeFee for native-currency payouts. The
// function is pure: equal inputs always yield equal outputs, and fee + net
// equals gross whenever it succeeds.
//
// A floor fee exceeding the gross amount rejects the operation rather than
// paying out a zero or negative net.
func ComputeFee(gross *big.Int, bps uint32, native bool) (*big.Int, *big.Int, error) {
	if gross == nil || gross.Sign() < 0 {
		return nil, nil, fmt.Errorf("%w: gross amount must be non-negative", ErrInvalidArgument)
	}
	if bps > BpsDenominator {
		return nil, nil, fmt.Errorf("%w: fee bps %d exceeds denominator", ErrInvalidArgument, bps)
	}
	fee := new(big.Int).Mul(gross, new(big.Int).SetUint64(uint64(bps)))
	fee.Div(fee, big.NewInt(BpsDenominator))
	if native {
		floor := big.NewInt(MinNativeFee)
		if fee.Cmp(floor) < 0 {
			fee = floor
		}
	}
	if fee.Cmp(gross) > 0 {
		return nil, nil, fmt.Errorf("%w: fee %s exceeds gross %s", ErrArithmeticOverflow, fee, gross)
	}
	net := new(big.Int).Sub(gross, fee)
	return fee, net, nil
}
