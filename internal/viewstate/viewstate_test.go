package viewstate

import (
	"context"
	"testing"

	"viewguard-mcp-server/internal/driver/drivertest"
	"viewguard-mcp-server/internal/probe"
)

var th = Thresholds{StaticMin: 15, DynamicMax: 5}

func TestDecideTiers(t *testing.T) {
	tests := []struct {
		name     string
		signals  Signals
		expected ViewState
	}{
		{"3D control wins over everything", Signals{ViewAngleControl: true, PlaybackControl: true, Markers: 40, MapContainer: true}, ThreeD},
		{"playback control", Signals{PlaybackControl: true, Markers: 40}, TwoDDynamic},
		{"many markers", Signals{Markers: 18}, TwoDStatic},
		{"exactly static threshold", Signals{Markers: 15}, TwoDStatic},
		{"few markers with container", Signals{Markers: 3, MapContainer: true}, TwoDDynamic},
		{"ambiguous count with container", Signals{Markers: 9, MapContainer: true}, TwoDStatic},
		{"zero markers with container", Signals{Markers: 0, MapContainer: true}, TwoDStatic},
		{"ambiguous count without container", Signals{Markers: 9}, Unknown},
		{"nothing", Signals{}, Unknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := Decide(tt.signals, th)
			if got != tt.expected {
				t.Errorf("expected %s, got %s", tt.expected, got)
			}
		})
	}
}

func TestDecideMarkerRanges(t *testing.T) {
	for n := 15; n < 200; n++ {
		if got, _ := Decide(Signals{Markers: n}, th); got != TwoDStatic {
			t.Fatalf("n=%d: expected 2D-static, got %s", n, got)
		}
	}
	for n := 1; n < 5; n++ {
		for _, container := range []bool{false, true} {
			if got, _ := Decide(Signals{Markers: n, MapContainer: container}, th); got != TwoDDynamic {
				t.Fatalf("n=%d container=%v: expected 2D-dynamic, got %s", n, container, got)
			}
		}
	}
	for n := 0; n < 100; n++ {
		if got, _ := Decide(Signals{ViewAngleControl: true, PlaybackControl: n%2 == 0, Markers: n}, th); got != ThreeD {
			t.Fatalf("n=%d: expected 3D, got %s", n, got)
		}
	}
}

func newClassifier(fake *drivertest.Fake) *Classifier {
	return NewClassifier(probe.New(fake), probe.DefaultProfile())
}

func TestClassifyLivePage(t *testing.T) {
	profile := probe.DefaultProfile()
	fake := drivertest.New("https://example.test/track")
	fake.SetCount(profile.MarkerSelector, 18)
	c := newClassifier(fake)
	ctx := context.Background()

	if got := c.Classify(ctx); got != TwoDStatic {
		t.Fatalf("expected 2D-static with 18 markers, got %s", got)
	}

	fake.SetElements(drivertest.Button("pause"))
	if got := c.Classify(ctx); got != TwoDDynamic {
		t.Fatalf("expected 2D-dynamic with pause control, got %s", got)
	}

	fake.SetElements(drivertest.Button("视角1"), drivertest.Button("pause"))
	if got := c.Classify(ctx); got != ThreeD {
		t.Fatalf("expected 3D with view-angle control, got %s", got)
	}
}

func TestClassifyNeverCaches(t *testing.T) {
	profile := probe.DefaultProfile()
	fake := drivertest.New("https://example.test/track")
	c := newClassifier(fake)
	ctx := context.Background()

	if got := c.Classify(ctx); got != Unknown {
		t.Fatalf("expected unknown on empty page, got %s", got)
	}
	fake.SetCount(profile.MapContainerSelector, 1)
	if got := c.Classify(ctx); got != TwoDStatic {
		t.Fatalf("expected 2D-static after container appears, got %s", got)
	}
	fake.SetCount(profile.MarkerSelector, 2)
	exp := c.Explain(ctx)
	if exp.State != TwoDDynamic || exp.Rule != "few-markers" {
		t.Fatalf("expected few-markers rule, got %+v", exp)
	}
}

func TestClassifyUnknownWhenPageBroken(t *testing.T) {
	fake := drivertest.New("https://example.test/")
	fake.SetDead(true)
	if got := newClassifier(fake).Classify(context.Background()); got != Unknown {
		t.Errorf("expected unknown on detached page, got %s", got)
	}
}

func TestParseRoundTrip(t *testing.T) {
	for _, v := range []ViewState{Unknown, TwoDStatic, TwoDDynamic, ThreeD} {
		if Parse(v.String()) != v {
			t.Errorf("parse(%q) did not round-trip", v)
		}
	}
}
