package num

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestDiv_TruncatesTowardZero(t *testing.T) {
	got := Div(d("2"), d("3"))
	want := d("0.666666666666666666666666666666")
	if !got.Equal(want) {
		t.Errorf("2/3: got %s want %s", got, want)
	}

	neg := Div(d("-2"), d("3"))
	if !neg.Equal(want.Neg()) {
		t.Errorf("-2/3: got %s want %s", neg, want.Neg())
	}
}

func TestDiv_ByZero(t *testing.T) {
	if got := Div(d("5"), Zero); !got.IsZero() {
		t.Errorf("expected 0 for division by zero, got %s", got)
	}
}

func TestDivUp_RoundsAwayFromZero(t *testing.T) {
	got := DivUp(d("2"), d("3"))
	want := d("0.666666666666666666666666666667")
	if !got.Equal(want) {
		t.Errorf("got %s want %s", got, want)
	}
	if exact := DivUp(d("6"), d("3")); !exact.Equal(d("2")) {
		t.Errorf("exact division should not round: got %s", exact)
	}
}

func TestSqrt(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"4", "2"},
		{"144", "12"},
		{"2", "1.414213562373095048801688724209"},
		{"0", "0"},
		{"-9", "0"},
	}
	for _, tt := range tests {
		got := Sqrt(d(tt.in))
		if !got.Equal(d(tt.want)) {
			t.Errorf("Sqrt(%s): got %s want %s", tt.in, got, tt.want)
		}
	}
}

func TestSqrt_NeverOvershoots(t *testing.T) {
	for _, s := range []string{"3", "10", "1000000000.5", "0.000123", "99999999999"} {
		x := d(s)
		y := Sqrt(x)
		if y.Mul(y).GreaterThan(x) {
			t.Errorf("Sqrt(%s)=%s squares above input", s, y)
		}
		up := y.Add(ULP)
		if up.Mul(up).LessThanOrEqual(x) {
			t.Errorf("Sqrt(%s)=%s is not the largest root at scale", s, y)
		}
	}
}

func TestFromBps(t *testing.T) {
	if got := FromBps(100); !got.Equal(d("0.01")) {
		t.Errorf("100 bps: got %s", got)
	}
	if got := FromBps(10000); !got.Equal(One) {
		t.Errorf("10000 bps: got %s", got)
	}
	if ValidBps(-1) || ValidBps(10001) || !ValidBps(0) || !ValidBps(10000) {
		t.Error("ValidBps bounds are wrong")
	}
}

func TestParse(t *testing.T) {
	got, err := Parse(" 12.50 ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.Equal(d("12.5")) {
		t.Errorf("got %s", got)
	}

	for _, bad := range []string{"", "-1", "1e5", "abc", "+3"} {
		if _, err := Parse(bad); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("Parse(%q): expected ErrInvalidAmount, got %v", bad, err)
		}
	}
}
