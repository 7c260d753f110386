package money

import "testing"

func TestParseAndString(t *testing.T) {
	tests := []struct {
		in        string
		units     int64
		formatted string
		wantErr   bool
	}{
		{in: "110.00", units: 11000, formatted: "110.00"},
		{in: "0.05", units: 5, formatted: "0.05"},
		{in: "3.5", units: 350, formatted: "3.50"},
		{in: "-12.34", units: -1234, formatted: "-12.34"},
		{in: "7", units: 700, formatted: "7.00"},
		{in: ".99", units: 99, formatted: "0.99"},
		{in: "+1.25", units: 125, formatted: "1.25"},
		{in: "", wantErr: true},
		{in: "-", wantErr: true},
		{in: "1.005", wantErr: true},
		{in: "12a.00", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Parse(%q) succeeded, want error", tt.in)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tt.in, err)
			}
			if got.Units != tt.units {
				t.Errorf("Parse(%q).Units = %d, want %d", tt.in, got.Units, tt.units)
			}
			if s := got.String(); s != tt.formatted {
				t.Errorf("String() = %q, want %q", s, tt.formatted)
			}
		})
	}
}

func TestArithmetic(t *testing.T) {
	a := MustParse("10.50")
	b := MustParse("2.25")

	if got := a.Add(b); got.Units != 1275 {
		t.Errorf("Add = %s, want 12.75", got)
	}
	if got := a.Sub(b); got.Units != 825 {
		t.Errorf("Sub = %s, want 8.25", got)
	}
	if got := b.Neg(); got.Units != -225 {
		t.Errorf("Neg = %s, want -2.25", got)
	}
	if !Sum(a, b, b.Neg()).Equal(a) {
		t.Error("Sum(a, b, -b) should equal a")
	}
	if a.Cmp(b) != 1 || b.Cmp(a) != -1 || a.Cmp(a) != 0 {
		t.Error("Cmp ordering wrong")
	}
	if !MustParse("-0.01").IsNegative() || MustParse("0.01").IsNegative() {
		t.Error("IsNegative wrong")
	}
	if !FromUnits(0).IsZero() {
		t.Error("zero amount should report IsZero")
	}
}

func TestAllocateEqualShares(t *testing.T) {
	shares, err := MustParse("110.00").Allocate(3)
	if err != nil {
		t.Fatalf("Allocate() error: %v", err)
	}

	want := []string{"36.67", "36.67", "36.66"}
	for i, w := range want {
		if got := shares[i].String(); got != w {
			t.Errorf("share %d = %s, want %s", i, got, w)
		}
	}
	if !Sum(shares...).Equal(MustParse("110.00")) {
		t.Error("shares must sum to the total exactly")
	}
}

func TestAllocateExactness(t *testing.T) {
	totals := []string{"0.01", "0.02", "99.99", "100.00", "-10.00"}
	for _, total := range totals {
		amount := MustParse(total)
		for n := 1; n <= 7; n++ {
			shares, err := amount.Allocate(n)
			if err != nil {
				t.Fatalf("Allocate(%s, %d) error: %v", total, n, err)
			}
			if !Sum(shares...).Equal(amount) {
				t.Errorf("Allocate(%s, %d): shares sum to %s", total, n, Sum(shares...))
			}
		}
	}

	if _, err := MustParse("1.00").Allocate(0); err == nil {
		t.Error("Allocate(0) should fail")
	}
}

func TestAllocateRatios(t *testing.T) {
	shares, err := MustParse("100.00").AllocateRatios([]int64{1, 2, 2})
	if err != nil {
		t.Fatalf("AllocateRatios() error: %v", err)
	}
	want := []string{"20.00", "40.00", "40.00"}
	for i, w := range want {
		if got := shares[i].String(); got != w {
			t.Errorf("share %d = %s, want %s", i, got, w)
		}
	}

	// Non-dividing ratios: remainder lands on the last share.
	shares, err = MustParse("10.00").AllocateRatios([]int64{1, 1, 1})
	if err != nil {
		t.Fatalf("AllocateRatios() error: %v", err)
	}
	if !Sum(shares...).Equal(MustParse("10.00")) {
		t.Errorf("ratio shares sum to %s, want 10.00", Sum(shares...))
	}

	if _, err := MustParse("1.00").AllocateRatios(nil); err == nil {
		t.Error("empty ratios should fail")
	}
	if _, err := MustParse("1.00").AllocateRatios([]int64{1, 0}); err == nil {
		t.Error("zero ratio should fail")
	}
}

func TestDivRoundHalfEven(t *testing.T) {
	tests := []struct {
		num, den, want int64
	}{
		{5, 2, 2},   // 2.5 rounds to even 2
		{7, 2, 4},   // 3.5 rounds to even 4
		{-5, 2, -2}, // symmetric for negatives
		{-7, 2, -4},
		{11, 4, 3}, // 2.75 rounds up
		{9, 4, 2},  // 2.25 rounds down
		{10, 5, 2}, // exact
		{1, 3, 0},  // 0.33 rounds down
		{2, 3, 1},  // 0.67 rounds up
	}
	for _, tt := range tests {
		if got := divRoundHalfEven(tt.num, tt.den); got != tt.want {
			t.Errorf("divRoundHalfEven(%d, %d) = %d, want %d", tt.num, tt.den, got, tt.want)
		}
	}
}
