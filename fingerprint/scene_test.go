package fingerprint

import "testing"

func TestSceneFirstObservation(t *testing.T) {
	d := NewSceneDetector(DefaultScene())
	if d.Observe(Analysis{Luminance: 0.9, Entropy: 3}) {
		t.Fatal("first observation must not be a shift")
	}
}

func TestSceneShiftNeedsBothSignals(t *testing.T) {
	tests := []struct {
		name string
		next Analysis
		want bool
	}{
		{"both", Analysis{Luminance: 0.8, Entropy: 2.5}, true},
		{"luminance only", Analysis{Luminance: 0.8, Entropy: 1.1}, false},
		{"entropy only", Analysis{Luminance: 0.25, Entropy: 2.5}, false},
		{"neither", Analysis{Luminance: 0.22, Entropy: 1.05}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewSceneDetector(DefaultScene())
			d.Observe(Analysis{Luminance: 0.2, Entropy: 1.0})
			if got := d.Observe(tt.next); got != tt.want {
				t.Fatalf("shift = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSceneVolatilityWidensThreshold(t *testing.T) {
	d := NewSceneDetector(DefaultScene())
	// Flickering brightness with a stable histogram builds volatility.
	for i := 0; i < 10; i++ {
		lum := 0.2
		if i%2 == 1 {
			lum = 0.6
		}
		d.Observe(Analysis{Luminance: lum, Entropy: 1.0})
	}
	if d.Volatility() < 0.2 {
		t.Fatalf("volatility = %v, expected it to build up", d.Volatility())
	}
	// This jump would be a shift from a calm baseline.
	if d.Observe(Analysis{Luminance: 0.4, Entropy: 1.7}) {
		t.Fatal("volatile lighting should relax the thresholds")
	}

	calm := NewSceneDetector(DefaultScene())
	calm.Observe(Analysis{Luminance: 0.6, Entropy: 1.0})
	if !calm.Observe(Analysis{Luminance: 0.4, Entropy: 1.7}) {
		t.Fatal("same jump should shift from a calm baseline")
	}
}

func TestSceneReset(t *testing.T) {
	d := NewSceneDetector(SceneConfig{})
	d.Observe(Analysis{Luminance: 0.1, Entropy: 0.5})
	d.Reset()
	if d.Observe(Analysis{Luminance: 0.9, Entropy: 3}) {
		t.Fatal("observation after Reset must not shift")
	}
}
