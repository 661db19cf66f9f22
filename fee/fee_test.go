package fee

import (
	"math"
	"math/big"
	"testing"
)

func TestCompute(t *testing.T) {
	cases := []struct {
		principal int64
		fee       int64
		net       int64
	}{
		{principal: 1000, fee: 20, net: 980},
		{principal: 1, fee: 0, net: 1},
		{principal: 49, fee: 0, net: 49},
		{principal: 50, fee: 1, net: 49},
		{principal: 99, fee: 1, net: 98},
		{principal: 10000, fee: 200, net: 9800},
		{principal: 12345, fee: 246, net: 12099},
	}

	for _, tc := range cases {
		fee, net := Compute(tc.principal)
		if fee != tc.fee || net != tc.net {
			t.Fatalf("Compute(%d) = (%d, %d), expected (%d, %d)", tc.principal, fee, net, tc.fee, tc.net)
		}
	}
}

func TestComputeMatchesFloorDivision(t *testing.T) {
	principals := []int64{2, 7, 333, 9999, 10001, 123456789, math.MaxInt64 / 3, math.MaxInt64 - 1, math.MaxInt64}
	for _, p := range principals {
		fee, net := Compute(p)

		want := new(big.Int).Mul(big.NewInt(p), big.NewInt(RateBps))
		want.Quo(want, big.NewInt(BpsDenominator))
		if want.Int64() != fee {
			t.Fatalf("Compute(%d): fee %d, expected %s", p, fee, want)
		}
		if fee+net != p {
			t.Fatalf("Compute(%d): fee %d + net %d != principal", p, fee, net)
		}
		if fee < 0 || net < 0 {
			t.Fatalf("Compute(%d): negative split (%d, %d)", p, fee, net)
		}
	}
}

func TestComputeNonPositive(t *testing.T) {
	if fee, net := Compute(0); fee != 0 || net != 0 {
		t.Fatalf("Compute(0) = (%d, %d)", fee, net)
	}
	if fee, net := Compute(-5); fee != 0 || net != -5 {
		t.Fatalf("Compute(-5) = (%d, %d)", fee, net)
	}
}
