// internal/math/fixedpoint.go
package math

import (
	"errors"

	"github.com/holiman/uint256"
)

var (
	ErrDivisionByZero = errors.New("division by zero")
	ErrOverflow       = errors.New("uint256 overflow")
)

type RoundingMode int

const (
	RoundDown   RoundingMode = iota // floor
	RoundUp                         // ceil
	RoundHalfUp                     // nearest, ties away from zero
)

func (m RoundingMode) String() string {
	switch m {
	case RoundDown:
		return "down"
	case RoundUp:
		return "up"
	case RoundHalfUp:
		return "half_up"
	default:
		return "unknown"
	}
}

// RAY is the 27-decimal fixed-point unit used for interest indices.
var RAY = uint256.MustFromDecimal("1000000000000000000000000000")

// Zero returns a fresh zero value. Callers may mutate the result.
func Zero() *uint256.Int {
	return new(uint256.Int)
}

// MulDiv computes x * y / d with a 512-bit intermediate and the given rounding.
// The inputs are never mutated.
func MulDiv(x, y, d *uint256.Int, mode RoundingMode) (*uint256.Int, error) {
	if d.IsZero() {
		return nil, ErrDivisionByZero
	}

	z, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return nil, ErrOverflow
	}

	if mode == RoundDown {
		return z, nil
	}

	rem := new(uint256.Int).MulMod(x, y, d)
	if rem.IsZero() {
		return z, nil
	}

	bump := mode == RoundUp
	if mode == RoundHalfUp {
		// 2*rem >= d  <=>  rem >= d - rem
		bump = !rem.Lt(new(uint256.Int).Sub(d, rem))
	}
	if !bump {
		return z, nil
	}

	if _, carry := z.AddOverflow(z, uint256.NewInt(1)); carry {
		return nil, ErrOverflow
	}
	return z, nil
}

// RayMul multiplies an amount by a ray-scaled factor, rounding half up.
func RayMul(a, b *uint256.Int) (*uint256.Int, error) {
	return MulDiv(a, b, RAY, RoundHalfUp)
}

// RayDiv divides an amount by a ray-scaled factor, rounding half up.
func RayDiv(a, b *uint256.Int) (*uint256.Int, error) {
	return MulDiv(a, RAY, b, RoundHalfUp)
}

// Min returns a copy of the smaller operand.
func Min(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return a.Clone()
	}
	return b.Clone()
}

// SubFloor returns a - b, or zero when b > a.
func SubFloor(a, b *uint256.Int) *uint256.Int {
	if b.Gt(a) {
		return Zero()
	}
	return new(uint256.Int).Sub(a, b)
}
