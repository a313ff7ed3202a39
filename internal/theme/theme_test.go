package theme

import "testing"

func TestFreshnessColor(t *testing.T) {
	tests := []struct {
		frac float64
		want string
	}{
		{1, string(ColorFreshHigh)},
		{0.51, string(ColorFreshHigh)},
		{0.5, string(ColorFreshMid)},
		{0.21, string(ColorFreshMid)},
		{0.2, string(ColorFreshLow)},
		{0, string(ColorFreshLow)},
	}
	for _, tt := range tests {
		if got := string(FreshnessColor(tt.frac)); got != tt.want {
			t.Errorf("FreshnessColor(%v) = %s, want %s", tt.frac, got, tt.want)
		}
	}
}

func TestEmphasisColor(t *testing.T) {
	if EmphasisColor("expressed") != ColorExpressed || EmphasisColor("regular") != ColorRegular {
		t.Error("named emphasis mapped to the wrong color")
	}
	if EmphasisColor("") != ColorSubdued {
		t.Error("unknown emphasis should be subdued")
	}
}
