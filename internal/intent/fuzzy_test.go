package intent

import "testing"

func TestPartialRatio(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want int
	}{
		{"identical", "hello", "hello", 100},
		{"substring", "track order", "can you track order 12345 for me", 100},
		{"both empty", "", "", 100},
		{"one empty", "hello", "", 0},
		{"other empty", "", "hello", 0},
		{"disjoint", "xyz", "hello world", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := partialRatio(tt.a, tt.b); got != tt.want {
				t.Errorf("partialRatio(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestPartialRatioNearMatch(t *testing.T) {
	// One transposed region: "check order" against "track order" differs in
	// three positions of eleven.
	got := partialRatio("track order", "check order status please")
	if got < 70 || got >= 100 {
		t.Errorf("Expected a near-match in [70,100), got %d", got)
	}

	// Far apart strings stay under the default threshold.
	if got := partialRatio("goodbye", "what is the weather"); got >= 70 {
		t.Errorf("Expected a weak match below 70, got %d", got)
	}
}

func TestPartialRatioSymmetry(t *testing.T) {
	a, b := "order", "track my order now"
	if partialRatio(a, b) != partialRatio(b, a) {
		t.Error("partialRatio must not depend on argument order")
	}
}
