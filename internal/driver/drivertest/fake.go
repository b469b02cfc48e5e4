// Package drivertest provides a programmable in-memory driver for tests.
package drivertest

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"viewguard-mcp-server/internal/driver"
)

// Fake is a scripted page. Selector counts answer querySelectorAll scripts,
// Values answer any script containing the key, and Elements back snapshots
// and clicks. Hooks run without the lock held, so they may call the Set*
// methods to mutate the page in response to clicks and navigations.
type Fake struct {
	mu sync.Mutex

	url      string
	elements []driver.Element
	counts   map[string]int
	values   map[string]interface{}
	text     string
	title    string
	requests []driver.NetworkRequest
	nextRef  int

	dead        bool
	snapshotErr error
	evalErr     error
	navigateErr error

	onClick    func(f *Fake, el driver.Element)
	onNavigate func(f *Fake, url string)

	clicks      []driver.Element
	navigations []string
	snapshots   int

	consoleHandlers  []func(driver.ConsoleMessage)
	errorHandlers    []func(driver.PageError)
	responseHandlers []func(driver.NetworkResponse)
}

// New returns an empty live page at url.
func New(url string) *Fake {
	return &Fake{
		url:    url,
		counts: make(map[string]int),
		values: make(map[string]interface{}),
	}
}

// Button is a shorthand for a button element.
func Button(name string) driver.Element {
	return driver.Element{Role: "button", Name: name, Tag: "button"}
}

// Checkbox is a shorthand for a checkbox element.
func Checkbox(name string, checked bool) driver.Element {
	return driver.Element{Role: "checkbox", Name: name, Tag: "input", Checked: checked}
}

// SetElements replaces the snapshot contents, assigning refs where missing.
func (f *Fake) SetElements(els ...driver.Element) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.elements = f.elements[:0]
	for _, el := range els {
		f.elements = append(f.elements, f.withRef(el))
	}
}

// AddElement appends one element to the snapshot.
func (f *Fake) AddElement(el driver.Element) driver.ElementRef {
	f.mu.Lock()
	defer f.mu.Unlock()
	el = f.withRef(el)
	f.elements = append(f.elements, el)
	return el.Ref
}

// RemoveElements drops every element whose name contains name.
func (f *Fake) RemoveElements(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.elements[:0]
	for _, el := range f.elements {
		if !strings.Contains(el.Name, name) {
			kept = append(kept, el)
		}
	}
	f.elements = kept
}

// RenameElement changes the accessible name of the element with ref.
func (f *Fake) RenameElement(ref driver.ElementRef, name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.elements {
		if f.elements[i].Ref == ref {
			f.elements[i].Name = name
		}
	}
}

// SetChecked updates the checked flag of the element with ref.
func (f *Fake) SetChecked(ref driver.ElementRef, checked bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.elements {
		if f.elements[i].Ref == ref {
			f.elements[i].Checked = checked
		}
	}
}

// SetCount sets how many nodes a CSS selector matches.
func (f *Fake) SetCount(selector string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counts[selector] = n
}

// SetValue answers any evaluated script containing key with v.
func (f *Fake) SetValue(key string, v interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = v
}

// SetText sets the page's visible text.
func (f *Fake) SetText(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.text = text
}

// SetTitle sets document.title.
func (f *Fake) SetTitle(title string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.title = title
}

// SetDead makes every page script fail as if the target were detached.
func (f *Fake) SetDead(dead bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dead = dead
}

// SetSnapshotErr makes Snapshot fail.
func (f *Fake) SetSnapshotErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshotErr = err
}

// SetEvalErr makes Evaluate fail.
func (f *Fake) SetEvalErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evalErr = err
}

// SetNavigateErr makes Navigate fail.
func (f *Fake) SetNavigateErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.navigateErr = err
}

// AddRequest appends a completed network request.
func (f *Fake) AddRequest(url string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, driver.NetworkRequest{URL: url, Status: status})
}

// OnClick installs a hook invoked after every successful click.
func (f *Fake) OnClick(fn func(f *Fake, el driver.Element)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onClick = fn
}

// OnNavigate installs a hook invoked after every successful navigation.
func (f *Fake) OnNavigate(fn func(f *Fake, url string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onNavigate = fn
}

// Clicks returns the clicked elements in order.
func (f *Fake) Clicks() []driver.Element {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]driver.Element(nil), f.clicks...)
}

// ClickCount returns how often an element whose name contains name was clicked.
func (f *Fake) ClickCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, el := range f.clicks {
		if strings.Contains(el.Name, name) {
			n++
		}
	}
	return n
}

// Navigations returns every URL passed to Navigate.
func (f *Fake) Navigations() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.navigations...)
}

// Element returns the first element whose name contains name.
func (f *Fake) Element(name string) (driver.Element, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, el := range f.elements {
		if strings.Contains(el.Name, name) {
			return el, true
		}
	}
	return driver.Element{}, false
}

func (f *Fake) withRef(el driver.Element) driver.Element {
	if el.Ref == "" {
		f.nextRef++
		el.Ref = driver.ElementRef("e" + strconv.Itoa(f.nextRef))
	}
	return el
}

var errDetached = errors.New("target detached")

func (f *Fake) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	if f.navigateErr != nil {
		err := f.navigateErr
		f.mu.Unlock()
		return err
	}
	f.url = url
	f.dead = false
	f.navigations = append(f.navigations, url)
	hook := f.onNavigate
	f.mu.Unlock()

	if hook != nil {
		hook(f, url)
	}
	return nil
}

func (f *Fake) CurrentURL(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.url, nil
}

func (f *Fake) Snapshot(ctx context.Context) (*driver.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snapshots++
	if f.snapshotErr != nil {
		return nil, f.snapshotErr
	}
	if f.dead {
		return nil, errDetached
	}
	return &driver.Snapshot{
		URL:      f.url,
		Elements: append([]driver.Element(nil), f.elements...),
	}, nil
}

func (f *Fake) Click(ctx context.Context, ref driver.ElementRef) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	if f.dead {
		f.mu.Unlock()
		return errDetached
	}
	var target *driver.Element
	for i := range f.elements {
		if f.elements[i].Ref == ref {
			el := f.elements[i]
			target = &el
			break
		}
	}
	if target == nil {
		f.mu.Unlock()
		return fmt.Errorf("element %s not found", ref)
	}
	f.clicks = append(f.clicks, *target)
	hook := f.onClick
	f.mu.Unlock()

	if hook != nil {
		hook(f, *target)
	}
	return nil
}

func (f *Fake) Evaluate(ctx context.Context, script string) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.evalErr != nil {
		return nil, f.evalErr
	}
	if f.dead {
		return nil, errDetached
	}
	for key, v := range f.values {
		if strings.Contains(script, key) {
			return v, nil
		}
	}
	switch {
	case strings.Contains(script, "document.readyState"):
		return "complete", nil
	case strings.Contains(script, "querySelectorAll("):
		for sel, n := range f.counts {
			if strings.Contains(script, strconv.Quote(sel)) {
				return float64(n), nil
			}
		}
		return float64(0), nil
	case strings.Contains(script, "innerText"):
		return f.text, nil
	case strings.Contains(script, "document.title"):
		return f.title, nil
	}
	return nil, nil
}

func (f *Fake) Screenshot(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dead {
		return nil, errDetached
	}
	return []byte("\x89PNG fake " + f.url), nil
}

func (f *Fake) ListNetworkRequests(ctx context.Context) ([]driver.NetworkRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]driver.NetworkRequest(nil), f.requests...), nil
}

func (f *Fake) OnConsoleMessage(fn func(driver.ConsoleMessage)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.consoleHandlers = append(f.consoleHandlers, fn)
}

func (f *Fake) OnPageError(fn func(driver.PageError)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errorHandlers = append(f.errorHandlers, fn)
}

func (f *Fake) OnNetworkResponse(fn func(driver.NetworkResponse)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responseHandlers = append(f.responseHandlers, fn)
}

// EmitConsole delivers a console message to subscribers.
func (f *Fake) EmitConsole(level, text string) {
	f.mu.Lock()
	hs := append([](func(driver.ConsoleMessage))(nil), f.consoleHandlers...)
	url := f.url
	f.mu.Unlock()
	msg := driver.ConsoleMessage{Level: level, Text: text, URL: url, Time: time.Now()}
	for _, h := range hs {
		h(msg)
	}
}

// EmitPageError delivers an uncaught exception to subscribers.
func (f *Fake) EmitPageError(message string) {
	f.mu.Lock()
	hs := append([](func(driver.PageError))(nil), f.errorHandlers...)
	f.mu.Unlock()
	pe := driver.PageError{Message: message, Time: time.Now()}
	for _, h := range hs {
		h(pe)
	}
}

// EmitResponse delivers a network response to subscribers and records it.
func (f *Fake) EmitResponse(url string, status int) {
	f.mu.Lock()
	f.requests = append(f.requests, driver.NetworkRequest{URL: url, Status: status})
	hs := append([](func(driver.NetworkResponse))(nil), f.responseHandlers...)
	f.mu.Unlock()
	resp := driver.NetworkResponse{URL: url, Status: status, Time: time.Now()}
	for _, h := range hs {
		h(resp)
	}
}

// Subscribers reports how many handlers of each kind are attached.
func (f *Fake) Subscribers() (console, pageErrors, responses int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.consoleHandlers), len(f.errorHandlers), len(f.responseHandlers)
}

var (
	_ driver.Driver        = (*Fake)(nil)
	_ driver.NetworkLister = (*Fake)(nil)
	_ driver.EventSource   = (*Fake)(nil)
)
