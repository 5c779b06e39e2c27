package activity

import "testing"

func TestNormalizeType(t *testing.T) {
	tests := []struct {
		raw  string
		want Type
	}{
		{"Run", TypeRun},
		{"run", TypeRun},
		{"TrailRun", TypeRun},
		{"trail_run", TypeRun},
		{"treadmill_run", TypeRun},
		{"VirtualRide", TypeRide},
		{"cycling", TypeRide},
		{"Mountain-Bike Ride", TypeRide},
		{"Swim", TypeSwim},
		{"WeightTraining", TypeWeightTraining},
		{"yoga", TypeYoga},
		{"Kitesurf", TypeWorkout},
		{"", TypeWorkout},
		{"   ", TypeWorkout},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			if got := NormalizeType(tt.raw); got != tt.want {
				t.Errorf("NormalizeType(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestNormalizeTypeIsTotal(t *testing.T) {
	known := make(map[Type]bool)
	for _, k := range KnownTypes() {
		known[k] = true
	}

	inputs := []string{"!!", "\x00", "ÄÖÜ", "run run", "RIDE", "unknown-sport-9000"}
	for _, in := range inputs {
		got := NormalizeType(in)
		if !known[got] {
			t.Errorf("NormalizeType(%q) = %q, not a canonical type", in, got)
		}
	}

	for key, typ := range typeTable {
		if !known[typ] {
			t.Errorf("table entry %q maps to non-canonical type %q", key, typ)
		}
	}
}

func TestFloatIfPositive(t *testing.T) {
	if FloatIfPositive(0) != nil {
		t.Error("expected nil for zero")
	}
	if FloatIfPositive(-1) != nil {
		t.Error("expected nil for negative")
	}
	if p := FloatIfPositive(12.5); p == nil || *p != 12.5 {
		t.Errorf("expected 12.5, got %v", p)
	}
}
