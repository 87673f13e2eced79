package units

import (
	"math/big"

	"github.com/holiman/uint256"

	"github.com/mbd888/escrowd/internal/faults"
)

// BpsDenominator is 100% in basis points.
const BpsDenominator = 10_000

var (
	ErrOverflow  = faults.New(faults.KindEconomic, "arithmetic_overflow", "arithmetic overflow")
	ErrUnderflow = faults.New(faults.KindEconomic, "arithmetic_underflow", "arithmetic underflow")
)

func toU256(x *big.Int) (*uint256.Int, error) {
	if x == nil {
		return new(uint256.Int), nil
	}
	if x.Sign() < 0 {
		return nil, ErrUnderflow.Withf("negative operand %s", x)
	}
	u, overflow := uint256.FromBig(x)
	if overflow {
		return nil, ErrOverflow.Withf("operand exceeds 256 bits")
	}
	return u, nil
}

// Add returns a+b, failing if the sum exceeds 256 bits.
func Add(a, b *big.Int) (*big.Int, error) {
	x, err := toU256(a)
	if err != nil {
		return nil, err
	}
	y, err := toU256(b)
	if err != nil {
		return nil, err
	}
	sum, overflow := new(uint256.Int).AddOverflow(x, y)
	if overflow {
		return nil, ErrOverflow
	}
	return sum.ToBig(), nil
}

// Sum adds every operand.
func Sum(xs ...*big.Int) (*big.Int, error) {
	total := new(big.Int)
	for _, x := range xs {
		var err error
		if total, err = Add(total, x); err != nil {
			return nil, err
		}
	}
	return total, nil
}

// Sub returns a-b, failing if b > a.
func Sub(a, b *big.Int) (*big.Int, error) {
	x, err := toU256(a)
	if err != nil {
		return nil, err
	}
	y, err := toU256(b)
	if err != nil {
		return nil, err
	}
	diff, underflow := new(uint256.Int).SubOverflow(x, y)
	if underflow {
		return nil, ErrUnderflow.Withf("%s - %s", a, b)
	}
	return diff.ToBig(), nil
}

// MulBps returns amount*bps/10000, rounding down.
func MulBps(amount *big.Int, bps uint64) (*big.Int, error) {
	x, err := toU256(amount)
	if err != nil {
		return nil, err
	}
	prod, overflow := new(uint256.Int).MulOverflow(x, uint256.NewInt(bps))
	if overflow {
		return nil, ErrOverflow.Withf("%s * %d bps", amount, bps)
	}
	return prod.Div(prod, uint256.NewInt(BpsDenominator)).ToBig(), nil
}

// Clamp bounds v to [lo, hi]. A nil bound is ignored.
func Clamp(v, lo, hi *big.Int) *big.Int {
	out := new(big.Int).Set(v)
	if lo != nil && out.Cmp(lo) < 0 {
		out.Set(lo)
	}
	if hi != nil && out.Cmp(hi) > 0 {
		out.Set(hi)
	}
	return out
}

// Max returns the larger of a and b.
func Max(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}
