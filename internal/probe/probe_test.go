package probe

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"viewguard-mcp-server/internal/config"
	"viewguard-mcp-server/internal/driver/drivertest"
)

func TestHasControl(t *testing.T) {
	fake := drivertest.New("https://example.test/")
	fake.SetElements(drivertest.Button("3D模式"), drivertest.Button("pause"))
	lib := New(fake)
	ctx := context.Background()

	if !lib.HasControl(ctx, "button", regexp.MustCompile(`[23]D模式`)) {
		t.Error("expected mode toggle to be found")
	}
	if lib.HasControl(ctx, "checkbox", regexp.MustCompile(`[23]D模式`)) {
		t.Error("role mismatch should not match")
	}
	if lib.HasControl(ctx, "button", regexp.MustCompile(`视角1`)) {
		t.Error("absent control should not match")
	}
}

func TestProbesTolerateFailures(t *testing.T) {
	fake := drivertest.New("https://example.test/")
	fake.SetSnapshotErr(errors.New("snapshot failed"))
	fake.SetEvalErr(errors.New("eval failed"))
	lib := New(fake)
	ctx := context.Background()

	if lib.HasControl(ctx, "button", nil) {
		t.Error("expected false on snapshot failure")
	}
	if n := lib.CountElements(ctx, Query{Selector: ".marker"}); n != 0 {
		t.Errorf("expected 0 on eval failure, got %d", n)
	}
	if _, ok := lib.ReadLabel(ctx, Query{Role: "button"}); ok {
		t.Error("expected no label on snapshot failure")
	}
	if lib.Text(ctx) != "" || lib.Title(ctx) != "" {
		t.Error("expected empty text on eval failure")
	}
	if lib.PageValid(ctx) {
		t.Error("expected invalid page on eval failure")
	}
}

func TestCountElements(t *testing.T) {
	fake := drivertest.New("https://example.test/")
	fake.SetCount(".amap-icon > img", 18)
	fake.SetElements(drivertest.Checkbox("a", false), drivertest.Checkbox("b", true), drivertest.Button("x"))
	lib := New(fake)
	ctx := context.Background()

	if n := lib.CountElements(ctx, Query{Selector: ".amap-icon > img"}); n != 18 {
		t.Errorf("expected 18 markers, got %d", n)
	}
	if n := lib.CountElements(ctx, Query{Selector: ".missing"}); n != 0 {
		t.Errorf("expected 0 for unknown selector, got %d", n)
	}
	if n := lib.CountElements(ctx, Query{Role: "checkbox"}); n != 2 {
		t.Errorf("expected 2 checkboxes, got %d", n)
	}
}

func TestReadLabelAndRequire(t *testing.T) {
	fake := drivertest.New("https://example.test/")
	fake.SetElements(drivertest.Button("2D模式"))
	lib := New(fake)
	ctx := context.Background()
	q := Query{Role: "button", Name: regexp.MustCompile(`[23]D模式`)}

	label, ok := lib.ReadLabel(ctx, q)
	if !ok || label != "2D模式" {
		t.Errorf("expected label 2D模式, got %q (%v)", label, ok)
	}

	_, err := lib.RequireControl(ctx, "render button", Query{Role: "button", Name: regexp.MustCompile(`查看`)})
	var cnf *ControlNotFoundError
	if !errors.As(err, &cnf) || cnf.Control != "render button" {
		t.Fatalf("expected ControlNotFoundError, got %v", err)
	}
}

func TestFindText(t *testing.T) {
	fake := drivertest.New("https://example.test/")
	fake.SetText("header\n勾選清單 3\nfooter")
	lib := New(fake)

	m, ok := lib.FindText(context.Background(), regexp.MustCompile(`勾[选選]清[单單] (\d+)`))
	if !ok || m[1] != "3" {
		t.Fatalf("expected counter 3, got %v (%v)", m, ok)
	}
	if _, ok := lib.FindText(context.Background(), regexp.MustCompile(`nothing`)); ok {
		t.Error("expected no match")
	}
}

func TestTruthy(t *testing.T) {
	fake := drivertest.New("https://example.test/")
	fake.SetValue("window.AMap", true)
	fake.SetValue("getAnimations", float64(0))
	lib := New(fake)
	ctx := context.Background()

	if !lib.Truthy(ctx, "() => typeof window.AMap !== 'undefined'") {
		t.Error("expected truthy bool")
	}
	if lib.Truthy(ctx, "() => document.getAnimations().length") {
		t.Error("expected zero to be falsy")
	}
	if lib.Truthy(ctx, "() => undefined") {
		t.Error("expected nil to be falsy")
	}
}

func TestCompileProfile(t *testing.T) {
	p := DefaultProfile()
	if !p.ModeToggle.MatchString("3D模式") || !p.ModeToggle.MatchString("2d模式") {
		t.Error("mode toggle should match both labels case-insensitively")
	}
	if !p.Pause.MatchString("pause") || p.Pause.MatchString("pause_circle") {
		t.Error("pause pattern should be anchored")
	}
	if p.StaticMarkerMin != 15 || p.DynamicMarkerMax != 5 {
		t.Errorf("unexpected thresholds %d/%d", p.StaticMarkerMin, p.DynamicMarkerMax)
	}
	if p.SelectionOffset != 1 {
		t.Errorf("expected default selection offset 1, got %d", p.SelectionOffset)
	}

	custom := config.ProfileConfig{MarkerSelector: ".pin", StaticMarkerMin: 30}
	p, err := CompileProfile(custom)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if p.MarkerSelector != ".pin" || p.StaticMarkerMin != 30 {
		t.Errorf("overrides not applied: %+v", p)
	}
	if p.MapCanvasSelector != config.DefaultProfile().MapCanvasSelector {
		t.Errorf("expected default canvas selector, got %q", p.MapCanvasSelector)
	}

	if _, err := CompileProfile(config.ProfileConfig{RenderName: "("}); err == nil {
		t.Error("expected error for bad pattern")
	}
}
