package browser

import (
	"context"
	"strings"
	"testing"
	"time"

	"viewguard-mcp-server/internal/driver"

	"github.com/go-rod/rod/lib/proto"
)

func TestPageDriverClickRejectsUnknownRef(t *testing.T) {
	d := newPageDriver(nil, time.Second, 10)
	d.registry.Replace([]driver.Element{{Ref: "e1", Role: "button"}})

	err := d.Click(context.Background(), "e9")
	if err == nil || !strings.Contains(err.Error(), "not part of the current snapshot") {
		t.Fatalf("expected stale ref error, got %v", err)
	}
}

func TestPageDriverNavigationInvalidatesRefs(t *testing.T) {
	d := newPageDriver(nil, time.Second, 10)
	d.registry.Replace([]driver.Element{{Ref: "e1"}, {Ref: "e2"}})

	var seen string
	d.onNavigate = func(url string) { seen = url }
	d.navigated("https://example.com/next")

	if d.registry.Count() != 0 {
		t.Errorf("expected refs cleared, got %d", d.registry.Count())
	}
	if seen != "https://example.com/next" {
		t.Errorf("expected navigation hook to fire, got %q", seen)
	}
	if err := d.Click(context.Background(), "e1"); err == nil {
		t.Error("expected click on a pre-navigation ref to fail")
	}
}

func TestPageDriverNetworkLogIsBounded(t *testing.T) {
	d := newPageDriver(nil, time.Second, 3)
	var responses []driver.NetworkResponse
	d.OnNetworkResponse(func(r driver.NetworkResponse) { responses = append(responses, r) })

	for i, status := range []int{200, 201, 404, 500, 502} {
		d.dispatchResponse(driver.NetworkResponse{URL: "https://example.com/api/" + string(rune('a'+i)), Status: status})
	}

	reqs, err := d.ListNetworkRequests(context.Background())
	if err != nil {
		t.Fatalf("ListNetworkRequests: %v", err)
	}
	if len(reqs) != 3 || reqs[0].Status != 404 || reqs[2].Status != 502 {
		t.Fatalf("expected the last three responses, got %+v", reqs)
	}
	if len(responses) != 5 {
		t.Errorf("expected every response dispatched, got %d", len(responses))
	}
}

func TestPageDriverFansOutEvents(t *testing.T) {
	d := newPageDriver(nil, time.Second, 10)
	var console []driver.ConsoleMessage
	var pageErrors []driver.PageError
	d.OnConsoleMessage(func(m driver.ConsoleMessage) { console = append(console, m) })
	d.OnConsoleMessage(func(m driver.ConsoleMessage) { console = append(console, m) })
	d.OnPageError(func(e driver.PageError) { pageErrors = append(pageErrors, e) })

	d.dispatchConsole(driver.ConsoleMessage{Level: "error", Text: "boom"})
	d.dispatchPageError(driver.PageError{Message: "TypeError: x is undefined"})

	if len(console) != 2 {
		t.Errorf("expected both console handlers called, got %d", len(console))
	}
	if len(pageErrors) != 1 || pageErrors[0].Message != "TypeError: x is undefined" {
		t.Errorf("unexpected page errors %+v", pageErrors)
	}
}

func TestStringifyConsoleArgsUsesDescriptions(t *testing.T) {
	args := []*proto.RuntimeRemoteObject{
		nil,
		{Type: proto.RuntimeRemoteObjectTypeObject, Description: "Error: failed"},
		{Type: proto.RuntimeRemoteObjectTypeFunction, Description: "function f()"},
		{Type: proto.RuntimeRemoteObjectTypeUndefined},
	}
	if got := stringifyConsoleArgs(args); got != "Error: failed function f()" {
		t.Errorf("unexpected console text %q", got)
	}
}

func TestAppScriptURL(t *testing.T) {
	st := &proto.RuntimeStackTrace{CallFrames: []*proto.RuntimeCallFrame{
		{URL: "chrome-extension://abc/inject.js"},
		{URL: ""},
		{URL: "https://example.com/main.js"},
	}}
	if got := appScriptURL(st); got != "https://example.com/main.js" {
		t.Errorf("expected the first app frame, got %q", got)
	}
	if got := appScriptURL(nil); got != "" {
		t.Errorf("expected empty URL for nil stack, got %q", got)
	}
}

func TestPageDriverHandlersAddedDuringDispatch(t *testing.T) {
	d := newPageDriver(nil, time.Second, 10)
	var late, early int
	d.OnConsoleMessage(func(driver.ConsoleMessage) {
		early++
		d.OnConsoleMessage(func(driver.ConsoleMessage) { late++ })
	})
	d.OnNetworkResponse(func(driver.NetworkResponse) {
		d.OnNetworkResponse(func(driver.NetworkResponse) { late++ })
	})

	d.dispatchConsole(driver.ConsoleMessage{Level: "error", Text: "first"})
	d.dispatchResponse(driver.NetworkResponse{URL: "https://example.com/api", Status: 500})
	if early != 1 || late != 0 {
		t.Fatalf("handlers registered mid-dispatch should wait for the next event, got early=%d late=%d", early, late)
	}

	d.dispatchConsole(driver.ConsoleMessage{Level: "error", Text: "second"})
	if late != 1 {
		t.Errorf("expected the late console handler on the next event, got %d", late)
	}
}

func TestSnapshotScriptKeepsRefsStable(t *testing.T) {
	if strings.Contains(snapshotJS, "removeAttribute") {
		t.Error("snapshot must not strip refs handed out earlier")
	}
	for _, want := range []string{
		"el.getAttribute('data-vg-ref')",
		"window.__vgSeq++",
		"window.__vgDoc",
		"seen.has(ref)",
	} {
		if !strings.Contains(snapshotJS, want) {
			t.Errorf("snapshot script missing %q", want)
		}
	}
	if !strings.Contains(snapshotJS, RefAttribute) {
		t.Errorf("snapshot script should tag nodes with %s", RefAttribute)
	}
}

func TestPageDriverClickAcceptsRefAcrossSnapshots(t *testing.T) {
	d := newPageDriver(nil, time.Second, 10)
	toggle := driver.Element{Ref: "k3x9-e7", Role: "button", Name: "3D模式"}
	d.registry.Replace([]driver.Element{toggle})
	// A concurrent snapshot sees the same node under the same ref.
	d.registry.Replace([]driver.Element{{Ref: "k3x9-e8", Role: "button", Name: "播放"}, toggle})

	el, ok := d.registry.Get("k3x9-e7")
	if !ok || el.Name != "3D模式" {
		t.Fatalf("expected the toggle to keep its ref, got %+v %v", el, ok)
	}

	// Once the node leaves the snapshot its ref is no longer clickable.
	d.registry.Replace([]driver.Element{{Ref: "k3x9-e8", Role: "button", Name: "播放"}})
	if err := d.Click(context.Background(), "k3x9-e7"); err == nil {
		t.Error("expected a ref that left the snapshot to be rejected")
	}
}
