package diagnostics

import (
	"strings"
	"testing"

	"viewguard-mcp-server/internal/config"
	"viewguard-mcp-server/internal/driver/drivertest"
)

func newMonitor(t *testing.T, cfg config.DiagnosticsConfig, opts ...Option) *Monitor {
	t.Helper()
	m, err := NewMonitor(cfg, opts...)
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}
	return m
}

func TestSetupIsIdempotent(t *testing.T) {
	fake := drivertest.New("https://example.test/")
	m := newMonitor(t, config.DiagnosticsConfig{})

	if !m.Setup(fake) {
		t.Fatal("first setup should attach")
	}
	if m.Setup(fake) {
		t.Fatal("second setup should be a no-op")
	}
	if c, p, r := fake.Subscribers(); c != 1 || p != 1 || r != 1 {
		t.Fatalf("expected one handler of each kind, got %d/%d/%d", c, p, r)
	}

	fake.EmitConsole("error", "boom")
	if got := m.Report().TotalEvents; got != 1 {
		t.Errorf("expected the event recorded once, got %d", got)
	}
}

func TestClassification(t *testing.T) {
	tests := []struct {
		name     string
		message  string
		retained bool
		critical bool
	}{
		{"plain error", "Failed to load track data", true, false},
		{"whitelisted vendor noise", "GET https://www.google-analytics.com/collect 404", false, false},
		{"whitelisted known issue", "Cannot read properties of undefined (reading 'x')", false, false},
		{"critical", "Uncaught TypeError: map is not a function", true, true},
		{"critical overrides whitelist", "fatal: hotjar script crashed", true, true},
		{"critical overrides known issue", "Unhandled promise rejection: gpx2d is undefined", true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMonitor(t, config.DiagnosticsConfig{})
			got := m.Observe(Event{Source: SourceConsole, Level: LevelError, Message: tt.message})
			if got != tt.retained {
				t.Fatalf("retained = %v, want %v", got, tt.retained)
			}
			r := m.Report()
			if (len(r.CriticalErrors) == 1) != tt.critical {
				t.Errorf("critical = %v, want %v", len(r.CriticalErrors) == 1, tt.critical)
			}
			if !tt.retained && r.Dropped != 1 {
				t.Errorf("expected a dropped count of 1, got %d", r.Dropped)
			}
		})
	}
}

func TestStageTaggingAndWarnings(t *testing.T) {
	fake := drivertest.New("https://example.test/")
	m := newMonitor(t, config.DiagnosticsConfig{CaptureWarnings: true})
	m.Setup(fake)

	fake.EmitConsole("warning", "slow frame")
	m.SetStage(3)
	fake.EmitConsole("warning", "slow frame")
	fake.EmitConsole("warning", "slow frame")
	fake.EmitConsole("log", "ignored without capture_logs")
	fake.EmitPageError("ReferenceError: cesium is not defined")

	r := m.Report()
	if r.WarningsByStage[1] != 1 || r.WarningsByStage[3] != 2 {
		t.Errorf("unexpected warnings by stage %v", r.WarningsByStage)
	}
	if r.TotalEvents != 4 {
		t.Errorf("expected 4 events, got %d", r.TotalEvents)
	}
	if r.PageErrors != 1 || r.ErrorsByCategory[CategoryReference] != 1 {
		t.Errorf("expected one reference page error, got %+v", r)
	}
	if len(m.EventsByStage(3)) != 3 {
		t.Errorf("expected 3 events in stage 3, got %d", len(m.EventsByStage(3)))
	}
}

func TestWarningsDroppedByDefault(t *testing.T) {
	fake := drivertest.New("https://example.test/")
	m := newMonitor(t, config.DiagnosticsConfig{})
	m.Setup(fake)
	fake.EmitConsole("warning", "deprecated api")
	if r := m.Report(); r.TotalEvents != 0 {
		t.Fatalf("expected warnings ignored, got %d events", r.TotalEvents)
	}
}

func TestNetworkErrors(t *testing.T) {
	fake := drivertest.New("https://example.test/")
	m := newMonitor(t, config.DiagnosticsConfig{})
	m.Setup(fake)

	fake.EmitResponse("https://example.test/api/ok", 200)
	fake.EmitResponse("https://example.test/api/missing", 404)
	fake.EmitResponse("https://example.test/api/ugetPigeonAllJsonInfo", 502)
	fake.EmitResponse("https://example.test/favicon.ico", 500)

	r := m.Report()
	if r.NetworkErrors != 1 || r.ErrorsByCategory[CategoryNetwork] != 1 {
		t.Fatalf("expected exactly one 5xx network error, got %+v", r)
	}
	if r.Dropped != 1 {
		t.Errorf("expected the favicon failure whitelisted, dropped=%d", r.Dropped)
	}
	if !r.HasCriticalIssues {
		t.Error("a 5xx response should flag critical issues")
	}
}

func TestCategorize(t *testing.T) {
	tests := map[string]string{
		"fetch failed":                       CategoryNetwork,
		"SyntaxError: Unexpected token <":    CategorySyntax,
		"TypeError: x is not a function":     CategoryTypeError,
		"value is null":                      CategoryTypeError,
		"ReferenceError: foo is not defined": CategoryReference,
		"something odd happened":             CategoryOther,
	}
	for msg, want := range tests {
		if got := Categorize(Event{Source: SourceConsole, Message: msg}); got != want {
			t.Errorf("Categorize(%q) = %s, want %s", msg, got, want)
		}
	}
}

func TestMaxEventsDropsOldest(t *testing.T) {
	m := newMonitor(t, config.DiagnosticsConfig{MaxEvents: 3})
	for _, msg := range []string{"e1", "e2", "e3", "e4", "e5"} {
		m.Observe(Event{Source: SourceConsole, Level: LevelError, Message: msg})
	}
	events := m.Events()
	if len(events) != 3 || events[0].Message != "e3" || events[2].Message != "e5" {
		t.Fatalf("expected e3..e5, got %+v", events)
	}
	if r := m.Report(); r.Evicted != 2 {
		t.Errorf("expected 2 evicted, got %d", r.Evicted)
	}
}

func TestTimelinePreviewAndLimit(t *testing.T) {
	m := newMonitor(t, config.DiagnosticsConfig{TimelineLimit: 2})
	long := strings.Repeat("x", 120)
	m.Observe(Event{Source: SourcePage, Level: LevelError, Message: "first"})
	m.Observe(Event{Source: SourcePage, Level: LevelError, Message: "second"})
	m.Observe(Event{Source: SourcePage, Level: LevelError, Message: long})

	tl := m.Report().Timeline
	if len(tl) != 2 || tl[0].Preview != "second" {
		t.Fatalf("expected the two most recent entries, got %+v", tl)
	}
	if want := strings.Repeat("x", 80) + "..."; tl[1].Preview != want {
		t.Errorf("expected truncated preview, got %q", tl[1].Preview)
	}
}

func TestExtraPatternsAndSink(t *testing.T) {
	var sunk []Event
	m := newMonitor(t, config.DiagnosticsConfig{
		ExtraWhitelist: []string{`tile server busy`},
		ExtraCritical:  []string{`trajectory lost`},
	}, WithSink(func(e Event) { sunk = append(sunk, e) }))

	m.Observe(Event{Source: SourceConsole, Level: LevelError, Message: "tile server busy"})
	m.Observe(Event{Source: SourceConsole, Level: LevelError, Message: "Trajectory lost for item 3"})

	if len(sunk) != 1 || !sunk[0].Critical {
		t.Fatalf("expected one critical event delivered to the sink, got %+v", sunk)
	}
	if _, err := NewMonitor(config.DiagnosticsConfig{ExtraCritical: []string{"("}}); err == nil {
		t.Error("expected an invalid pattern to be rejected")
	}
}

func TestReset(t *testing.T) {
	m := newMonitor(t, config.DiagnosticsConfig{})
	m.Observe(Event{Source: SourceConsole, Level: LevelError, Message: "boom"})
	m.Observe(Event{Source: SourceConsole, Level: LevelError, Message: "gtag failed"})
	m.Reset()
	r := m.Report()
	if r.TotalEvents != 0 || r.Dropped != 0 || r.HasCriticalIssues {
		t.Fatalf("expected empty report after reset, got %+v", r)
	}
	if !strings.Contains(r.Summary(), "events: 0") {
		t.Errorf("unexpected summary %q", r.Summary())
	}
}
