// Package position implements rational position keys that order chat
// messages and allow inserting between any two neighbours without
// renumbering.
//
// New keys are the simplest fraction strictly between two bounds, the first
// one met walking down the Stern-Brocot tree. Repeatedly inserting at the
// same spot grows numerators and denominators by at most one per insertion
// instead of doubling them, which keeps keys small enough for int64.
package position

import (
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// ErrEmptyRange indicates low is not strictly below high.
var ErrEmptyRange = errors.New("position range is empty")

// ErrInvalidKey indicates a key has a non-positive denominator.
var ErrInvalidKey = errors.New("position denominator must be positive")

// ErrOverflow indicates the key between two bounds does not fit in int64.
var ErrOverflow = errors.New("position overflows int64")

// Key is the rational number P/Q. Q is always positive.
type Key struct {
	P int64 `json:"p"`
	Q int64 `json:"q"`
}

// New returns p/q reduced to lowest terms.
func New(p, q int64) (Key, error) {
	if q <= 0 {
		return Key{}, ErrInvalidKey
	}
	g := gcd(abs(p), q)
	if g > 1 {
		p, q = p/g, q/g
	}
	return Key{P: p, Q: q}, nil
}

// Int returns the key n/1.
func Int(n int64) Key { return Key{P: n, Q: 1} }

// Valid reports whether k has a positive denominator.
func (k Key) Valid() bool { return k.Q > 0 }

func (k Key) String() string { return fmt.Sprintf("%d/%d", k.P, k.Q) }

// Parse reads the "p/q" form produced by String; a bare integer means n/1.
func Parse(value string) (Key, error) {
	value = strings.TrimSpace(value)
	num, den, found := strings.Cut(value, "/")
	p, err := strconv.ParseInt(num, 10, 64)
	if err != nil {
		return Key{}, fmt.Errorf("parse position %q: %w", value, err)
	}
	if !found {
		return Int(p), nil
	}
	q, err := strconv.ParseInt(den, 10, 64)
	if err != nil {
		return Key{}, fmt.Errorf("parse position %q: %w", value, err)
	}
	return New(p, q)
}

// Compare returns -1, 0 or +1 as k is less than, equal to or greater than o.
func (k Key) Compare(o Key) int {
	left := new(big.Int).Mul(big.NewInt(k.P), big.NewInt(o.Q))
	right := new(big.Int).Mul(big.NewInt(o.P), big.NewInt(k.Q))
	return left.Cmp(right)
}

// Less reports whether k orders before o.
func (k Key) Less(o Key) bool { return k.Compare(o) < 0 }

// Float returns an approximate value for display and SQL ordering.
func (k Key) Float() float64 {
	if k.Q == 0 {
		return 0
	}
	return float64(k.P) / float64(k.Q)
}

// After returns the smallest integer key strictly greater than k.
func After(k Key) Key {
	return Int(floorDiv(k.P, k.Q) + 1)
}

// Before returns the largest integer key strictly less than k.
func Before(k Key) Key {
	return Int(-floorDiv(-k.P, k.Q) - 1)
}

// Between returns the key with the smallest denominator strictly between low
// and high.
func Between(low, high Key) (Key, error) {
	if !low.Valid() || !high.Valid() {
		return Key{}, ErrInvalidKey
	}
	if low.Compare(high) >= 0 {
		return Key{}, ErrEmptyRange
	}
	r := simplest(low.rat(), high.rat())
	if !r.Num().IsInt64() || !r.Denom().IsInt64() {
		return Key{}, ErrOverflow
	}
	return Key{P: r.Num().Int64(), Q: r.Denom().Int64()}, nil
}

func (k Key) rat() *big.Rat {
	return new(big.Rat).SetFrac64(k.P, k.Q)
}

// simplest returns the fraction with the smallest denominator in the open
// interval (lo, hi). A nil hi stands for +infinity.
func simplest(lo, hi *big.Rat) *big.Rat {
	zero := new(big.Rat)
	if lo.Sign() < 0 {
		if hi == nil || hi.Sign() > 0 {
			return zero
		}
		// Mirror intervals left of zero onto the positive axis.
		mirrored := simplest(new(big.Rat).Neg(hi), new(big.Rat).Neg(lo))
		return mirrored.Neg(mirrored)
	}

	whole := floorRat(lo)
	next := new(big.Rat).SetInt(new(big.Int).Add(whole, big.NewInt(1)))
	if hi == nil || next.Cmp(hi) < 0 {
		return next
	}

	// lo and hi share the integer part; continue on the reciprocals of the
	// fractional parts.
	base := new(big.Rat).SetInt(whole)
	loFrac := new(big.Rat).Sub(lo, base)
	hiFrac := new(big.Rat).Sub(hi, base)
	var upper *big.Rat
	if loFrac.Sign() != 0 {
		upper = new(big.Rat).Inv(loFrac)
	}
	inner := simplest(new(big.Rat).Inv(hiFrac), upper)
	return base.Add(base, inner.Inv(inner))
}

func floorRat(r *big.Rat) *big.Int {
	// Euclidean division floors for a positive divisor.
	q, _ := new(big.Int).DivMod(r.Num(), r.Denom(), new(big.Int))
	return q
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

func gcd(a, b int64) int64 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
