// Package money implements fixed-point monetary amounts as integer
// minor units. No float ever enters monetary arithmetic; parsing and
// formatting go through decimal strings, and allocation rounds
// half-to-even with the remainder assigned to the last share so the
// shares always sum exactly to the total.
package money

import (
	"fmt"
	"strconv"
	"strings"
)

// DefaultExponent is the minor-unit exponent used when none is given.
// Two covers the currencies this system handles.
const DefaultExponent = 2

// Amount is a monetary value in minor units. The zero value is zero
// currency units with the default exponent.
type Amount struct {
	Units    int64 `json:"units"`
	Exponent int   `json:"exponent,omitempty"`
}

func (a Amount) exponent() int {
	if a.Exponent == 0 {
		return DefaultExponent
	}
	return a.Exponent
}

// FromUnits builds an amount from minor units with the default exponent.
func FromUnits(units int64) Amount {
	return Amount{Units: units, Exponent: DefaultExponent}
}

// Parse reads a decimal string such as "110.00" or "-3.5" into an
// amount with the default exponent. Fractional digits beyond the
// exponent are rejected rather than rounded.
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Amount{}, fmt.Errorf("money: empty amount")
	}

	negative := false
	switch s[0] {
	case '-':
		negative = true
		s = s[1:]
	case '+':
		s = s[1:]
	}
	if s == "" {
		return Amount{}, fmt.Errorf("money: sign without digits")
	}

	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > DefaultExponent {
		return Amount{}, fmt.Errorf("money: %q has more than %d fractional digits", s, DefaultExponent)
	}
	for len(frac) < DefaultExponent {
		frac += "0"
	}

	units, err := strconv.ParseInt(whole+frac, 10, 64)
	if err != nil {
		return Amount{}, fmt.Errorf("money: invalid amount %q: %w", s, err)
	}
	if negative {
		units = -units
	}
	return FromUnits(units), nil
}

// MustParse is Parse for literals in tests and fixtures; it panics on
// malformed input.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// String renders the amount as a plain decimal, e.g. "36.67" or "-0.05".
func (a Amount) String() string {
	exp := a.exponent()
	scale := pow10(exp)
	units := a.Units
	sign := ""
	if units < 0 {
		sign = "-"
		units = -units
	}
	return fmt.Sprintf("%s%d.%0*d", sign, units/scale, exp, units%scale)
}

// Add returns a+b. Exponents must agree.
func (a Amount) Add(b Amount) Amount {
	mustMatch(a, b)
	return Amount{Units: a.Units + b.Units, Exponent: a.exponent()}
}

// Sub returns a-b. Exponents must agree.
func (a Amount) Sub(b Amount) Amount {
	mustMatch(a, b)
	return Amount{Units: a.Units - b.Units, Exponent: a.exponent()}
}

// Neg returns the negated amount.
func (a Amount) Neg() Amount {
	return Amount{Units: -a.Units, Exponent: a.exponent()}
}

// IsZero reports whether the amount is zero.
func (a Amount) IsZero() bool { return a.Units == 0 }

// IsNegative reports whether the amount is below zero.
func (a Amount) IsNegative() bool { return a.Units < 0 }

// Equal reports whether two amounts have the same value and exponent.
func (a Amount) Equal(b Amount) bool {
	return a.Units == b.Units && a.exponent() == b.exponent()
}

// Cmp returns -1, 0 or 1 comparing a to b. Exponents must agree.
func (a Amount) Cmp(b Amount) int {
	mustMatch(a, b)
	switch {
	case a.Units < b.Units:
		return -1
	case a.Units > b.Units:
		return 1
	}
	return 0
}

// Sum totals a list of amounts. An empty list sums to zero.
func Sum(amounts ...Amount) Amount {
	total := Amount{Exponent: DefaultExponent}
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

// Allocate divides the amount into n shares. Every share but the last
// is the total divided by n rounded half-to-even; the last share is
// the total minus everything already assigned, so the shares sum to
// the total exactly. 110.00 into 3 gives 36.67, 36.67, 36.66.
func (a Amount) Allocate(n int) ([]Amount, error) {
	if n <= 0 {
		return nil, fmt.Errorf("money: allocate requires a positive share count, got %d", n)
	}
	exp := a.exponent()
	shares := make([]Amount, n)
	var assigned int64
	for i := 0; i < n-1; i++ {
		units := divRoundHalfEven(a.Units, int64(n))
		shares[i] = Amount{Units: units, Exponent: exp}
		assigned += units
	}
	shares[n-1] = Amount{Units: a.Units - assigned, Exponent: exp}
	return shares, nil
}

// AllocateRatios divides the amount proportionally to the ratios,
// rounding each share half-to-even and assigning the remainder to the
// last share. Ratios must be positive integers.
func (a Amount) AllocateRatios(ratios []int64) ([]Amount, error) {
	if len(ratios) == 0 {
		return nil, fmt.Errorf("money: allocate requires at least one ratio")
	}
	var total int64
	for i, r := range ratios {
		if r <= 0 {
			return nil, fmt.Errorf("money: ratio %d must be positive, got %d", i, r)
		}
		total += r
	}

	exp := a.exponent()
	shares := make([]Amount, len(ratios))
	var assigned int64
	for i := 0; i < len(ratios)-1; i++ {
		units := divRoundHalfEven(a.Units*ratios[i], total)
		shares[i] = Amount{Units: units, Exponent: exp}
		assigned += units
	}
	shares[len(ratios)-1] = Amount{Units: a.Units - assigned, Exponent: exp}
	return shares, nil
}

// divRoundHalfEven divides num by den rounding the result to the
// nearest integer, ties to the even neighbour (banker's rounding).
func divRoundHalfEven(num, den int64) int64 {
	if den < 0 {
		num, den = -num, -den
	}
	neg := num < 0
	if neg {
		num = -num
	}

	quo := num / den
	rem := num % den
	switch {
	case rem*2 > den:
		quo++
	case rem*2 == den && quo%2 == 1:
		quo++
	}
	if neg {
		quo = -quo
	}
	return quo
}

func mustMatch(a, b Amount) {
	if a.exponent() != b.exponent() {
		panic(fmt.Sprintf("money: exponent mismatch %d vs %d", a.exponent(), b.exponent()))
	}
}

func pow10(n int) int64 {
	result := int64(1)
	for i := 0; i < n; i++ {
		result *= 10
	}
	return result
}
