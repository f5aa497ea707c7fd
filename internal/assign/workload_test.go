package assign

import "testing"

func TestWorkloadScore(t *testing.T) {
	cases := []struct {
		active int
		want   float64
	}{
		{0, 1.0},
		{2, 0.75},
		{4, 0.5},
		{8, 0.0},
		{12, 0.0},
	}
	for _, c := range cases {
		if got := WorkloadScore(c.active); got != c.want {
			t.Errorf("WorkloadScore(%d) = %f, want %f", c.active, got, c.want)
		}
	}
}
