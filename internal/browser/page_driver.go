package browser

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"viewguard-mcp-server/internal/driver"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// RefAttribute marks elements tagged by the last structural snapshot.
const RefAttribute = "data-vg-ref"

const clickTimeout = 5 * time.Second

// snapshotJS returns role, accessible name and state for every visible
// interactive element. A node keeps its ref for the life of the document;
// untagged nodes draw the next number from a per-document counter, so a ref
// never moves to another node when snapshots interleave with clicks.
const snapshotJS = `() => {
	const doc = window.__vgDoc || (window.__vgDoc = Math.random().toString(36).slice(2, 8));
	window.__vgSeq = window.__vgSeq || 0;
	const prefix = doc + '-e';
	const seen = new Set();
	const selector = 'button, a[href], input, select, textarea, [role], [tabindex]:not([tabindex="-1"]), mat-checkbox, mat-button-toggle';
	const visible = (el) => {
		if (!el.getClientRects().length) return false;
		const style = window.getComputedStyle(el);
		return style.visibility !== 'hidden' && style.display !== 'none';
	};
	const roleOf = (el) => {
		const explicit = el.getAttribute('role');
		if (explicit) return explicit.split(' ')[0];
		const tag = el.tagName.toLowerCase();
		if (tag === 'button' || tag === 'mat-button-toggle') return 'button';
		if (tag === 'a') return 'link';
		if (tag === 'select') return 'combobox';
		if (tag === 'textarea') return 'textbox';
		if (tag === 'mat-checkbox') return 'checkbox';
		if (tag === 'input') {
			const type = (el.getAttribute('type') || 'text').toLowerCase();
			if (type === 'checkbox') return 'checkbox';
			if (type === 'radio') return 'radio';
			if (type === 'button' || type === 'submit' || type === 'reset') return 'button';
			return 'textbox';
		}
		return 'generic';
	};
	const nameOf = (el) => {
		const label = el.getAttribute('aria-label') || el.getAttribute('title') || '';
		if (label.trim()) return label.trim();
		if (el.labels && el.labels.length) return (el.labels[0].innerText || '').trim();
		const text = (el.innerText || el.value || el.getAttribute('alt') || '').trim();
		return text.replace(/\s+/g, ' ').slice(0, 200);
	};
	const out = [];
	document.querySelectorAll(selector).forEach((el) => {
		if (!visible(el)) return;
		let ref = el.getAttribute('data-vg-ref');
		// cloneNode copies the attribute; the clone gets its own ref.
		if (!ref || !ref.startsWith(prefix) || seen.has(ref)) {
			window.__vgSeq++;
			ref = prefix + window.__vgSeq;
			el.setAttribute('data-vg-ref', ref);
		}
		seen.add(ref);
		const checked = el.checked === true || el.getAttribute('aria-checked') === 'true' ||
			(el.classList && el.classList.contains('mat-checkbox-checked'));
		out.push({
			ref,
			role: roleOf(el),
			name: nameOf(el),
			id: el.id || '',
			tag: el.tagName.toLowerCase(),
			checked: !!checked,
			disabled: el.disabled === true || el.getAttribute('aria-disabled') === 'true',
		});
	});
	return out;
}`

// PageDriver adapts a rod page to the verification core's driver interface.
// It keeps a bounded log of network responses and fans console, exception
// and response events out to subscribers.
type PageDriver struct {
	page       *rod.Page
	navTimeout time.Duration
	registry   *ElementRegistry

	mu           sync.Mutex
	network      []driver.NetworkRequest
	networkLimit int
	consoleFns   []func(driver.ConsoleMessage)
	errorFns     []func(driver.PageError)
	responseFns  []func(driver.NetworkResponse)
	onNavigate   func(url string)
}

func newPageDriver(page *rod.Page, navTimeout time.Duration, networkLimit int) *PageDriver {
	return &PageDriver{
		page:         page,
		navTimeout:   navTimeout,
		networkLimit: networkLimit,
		registry:     NewElementRegistry(),
	}
}

// Page exposes the underlying rod page.
func (d *PageDriver) Page() *rod.Page {
	return d.page
}

// Registry returns the refs handed out by the last snapshot.
func (d *PageDriver) Registry() *ElementRegistry {
	return d.registry
}

func (d *PageDriver) Navigate(ctx context.Context, url string) error {
	p := d.page.Context(ctx).Timeout(d.navTimeout)
	if err := p.Navigate(url); err != nil {
		return fmt.Errorf("navigate to %s: %w", url, err)
	}
	if err := p.WaitLoad(); err != nil {
		return fmt.Errorf("wait load %s: %w", url, err)
	}
	return nil
}

func (d *PageDriver) CurrentURL(ctx context.Context) (string, error) {
	info, err := d.page.Context(ctx).Info()
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

func (d *PageDriver) Snapshot(ctx context.Context) (*driver.Snapshot, error) {
	obj, err := d.page.Context(ctx).Eval(snapshotJS)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	var elements []driver.Element
	if err := obj.Value.Unmarshal(&elements); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	d.registry.Replace(elements)

	url, _ := d.CurrentURL(ctx)
	return &driver.Snapshot{URL: url, Elements: elements}, nil
}

func (d *PageDriver) Click(ctx context.Context, ref driver.ElementRef) error {
	if _, ok := d.registry.Get(ref); !ok {
		return fmt.Errorf("element %s is not part of the current snapshot (generation %d)", ref, d.registry.GenerationID())
	}
	p := d.page.Context(ctx).Timeout(clickTimeout)
	el, err := p.Element(fmt.Sprintf("[%s=%q]", RefAttribute, ref))
	if err != nil {
		return fmt.Errorf("locate %s: %w", ref, err)
	}
	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		// Covered or visually hidden inputs still accept a DOM click.
		if _, evalErr := el.Eval(`() => this.click()`); evalErr != nil {
			return fmt.Errorf("click %s: %w", ref, err)
		}
	}
	return nil
}

func (d *PageDriver) Evaluate(ctx context.Context, script string) (interface{}, error) {
	obj, err := d.page.Context(ctx).Eval(script)
	if err != nil {
		return nil, err
	}
	return obj.Value.Val(), nil
}

func (d *PageDriver) Screenshot(ctx context.Context) ([]byte, error) {
	return d.page.Context(ctx).Screenshot(false, nil)
}

// ListNetworkRequests returns the retained responses, oldest first.
func (d *PageDriver) ListNetworkRequests(ctx context.Context) ([]driver.NetworkRequest, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]driver.NetworkRequest(nil), d.network...), nil
}

func (d *PageDriver) OnConsoleMessage(fn func(driver.ConsoleMessage)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.consoleFns = append(d.consoleFns, fn)
}

func (d *PageDriver) OnPageError(fn func(driver.PageError)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errorFns = append(d.errorFns, fn)
}

func (d *PageDriver) OnNetworkResponse(fn func(driver.NetworkResponse)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.responseFns = append(d.responseFns, fn)
}

func (d *PageDriver) dispatchConsole(msg driver.ConsoleMessage) {
	d.mu.Lock()
	fns := append([](func(driver.ConsoleMessage))(nil), d.consoleFns...)
	d.mu.Unlock()
	for _, fn := range fns {
		fn(msg)
	}
}

func (d *PageDriver) dispatchPageError(pe driver.PageError) {
	d.mu.Lock()
	fns := append([](func(driver.PageError))(nil), d.errorFns...)
	d.mu.Unlock()
	for _, fn := range fns {
		fn(pe)
	}
}

func (d *PageDriver) dispatchResponse(resp driver.NetworkResponse) {
	d.mu.Lock()
	d.network = append(d.network, driver.NetworkRequest{URL: resp.URL, Status: resp.Status})
	if d.networkLimit > 0 && len(d.network) > d.networkLimit {
		d.network = append(d.network[:0:0], d.network[len(d.network)-d.networkLimit:]...)
	}
	fns := append([](func(driver.NetworkResponse))(nil), d.responseFns...)
	d.mu.Unlock()
	for _, fn := range fns {
		fn(resp)
	}
}

func (d *PageDriver) navigated(url string) {
	if n := d.registry.Count(); n > 0 {
		log.Printf("[driver] navigation to %s invalidated %d element ref(s)", url, n)
	}
	d.registry.Clear()

	d.mu.Lock()
	hook := d.onNavigate
	d.mu.Unlock()
	if hook != nil {
		hook(url)
	}
}

// startEventStream subscribes to CDP events until ctx is done.
func (d *PageDriver) startEventStream(ctx context.Context, sessionID string) {
	wait := d.page.Context(ctx).EachEvent(
		func(ev *proto.PageFrameNavigated) {
			if ev.Frame != nil && ev.Frame.ParentID == "" {
				d.navigated(ev.Frame.URL)
			}
		},
		func(ev *proto.RuntimeConsoleAPICalled) {
			d.dispatchConsole(driver.ConsoleMessage{
				Level: string(ev.Type),
				Text:  stringifyConsoleArgs(ev.Args),
				URL:   appScriptURL(ev.StackTrace),
				Time:  time.Now(),
			})
		},
		func(ev *proto.RuntimeExceptionThrown) {
			if ev.ExceptionDetails == nil {
				return
			}
			details := ev.ExceptionDetails
			message := details.Text
			if details.Exception != nil {
				message = coalesceNonEmpty(details.Exception.Description, message)
			}
			stack := ""
			if details.StackTrace != nil {
				frames := make([]string, 0, len(details.StackTrace.CallFrames))
				for _, f := range details.StackTrace.CallFrames {
					frames = append(frames, fmt.Sprintf("%s (%s:%d)", f.FunctionName, f.URL, f.LineNumber))
				}
				stack = strings.Join(frames, "\n")
			}
			d.dispatchPageError(driver.PageError{Message: message, Stack: stack, Time: time.Now()})
		},
		func(ev *proto.NetworkResponseReceived) {
			if ev.Response == nil {
				return
			}
			d.dispatchResponse(driver.NetworkResponse{
				URL:        ev.Response.URL,
				Status:     ev.Response.Status,
				StatusText: ev.Response.StatusText,
				Time:       time.Now(),
			})
		},
	)
	go func() {
		wait()
		log.Printf("[session:%s] event stream closed", sessionID)
	}()
}

func stringifyConsoleArgs(args []*proto.RuntimeRemoteObject) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		if a == nil {
			continue
		}
		if !a.Value.Nil() {
			parts = append(parts, a.Value.String())
			continue
		}
		if a.Description != "" {
			parts = append(parts, a.Description)
		}
	}
	return strings.Join(parts, " ")
}

// appScriptURL returns the first stack frame that belongs to page code.
func appScriptURL(st *proto.RuntimeStackTrace) string {
	if st == nil {
		return ""
	}
	for _, f := range st.CallFrames {
		if f.URL != "" && !isInternalScript(f.URL) {
			return f.URL
		}
	}
	return ""
}

func coalesceNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// isInternalScript reports whether url belongs to the browser rather than the app.
func isInternalScript(url string) bool {
	internalPrefixes := []string{
		"chrome://",
		"chrome-extension://",
		"devtools://",
		"about:",
		"data:",
		"blob:",
	}
	for _, prefix := range internalPrefixes {
		if strings.HasPrefix(url, prefix) {
			return true
		}
	}
	return false
}

var (
	_ driver.Driver        = (*PageDriver)(nil)
	_ driver.NetworkLister = (*PageDriver)(nil)
	_ driver.EventSource   = (*PageDriver)(nil)
)
