package domain

import "testing"

func TestInitialLinkQuality(t *testing.T) {
	cases := []struct {
		hops int
		want int
	}{
		{0, 7},
		{1, 7},
		{2, 6},
		{5, 3},
		{7, 1},
		{10, 1},
	}
	for _, tc := range cases {
		if got := InitialLinkQuality(tc.hops); got != tc.want {
			t.Fatalf("InitialLinkQuality(%d) = %d, want %d", tc.hops, got, tc.want)
		}
	}
}

func TestLinkQualityDelta(t *testing.T) {
	cases := []struct {
		prev, cur int
		want      int
	}{
		{2, 2, 1},
		{2, 1, 1},
		{2, 3, 0},
		{2, 4, -1},
		{2, 6, -1},
	}
	for _, tc := range cases {
		if got := LinkQualityDelta(tc.prev, tc.cur); got != tc.want {
			t.Fatalf("LinkQualityDelta(%d, %d) = %d, want %d", tc.prev, tc.cur, got, tc.want)
		}
	}
}

func TestClampLinkQuality(t *testing.T) {
	if got := ClampLinkQuality(-3); got != 0 {
		t.Fatalf("clamp low = %d", got)
	}
	if got := ClampLinkQuality(12); got != 10 {
		t.Fatalf("clamp high = %d", got)
	}
	if got := ClampLinkQuality(5); got != 5 {
		t.Fatalf("clamp mid = %d", got)
	}
}
