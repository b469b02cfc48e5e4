// Package probe implements read-only queries against the current page.
//
// Probes never fail: the rendering surfaces appear asynchronously, so an
// absent element, a failed snapshot or a script error all read as
// false / 0 / "".
package probe

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strconv"

	"viewguard-mcp-server/internal/driver"
)

// Query selects elements either structurally (role + accessible name, matched
// against a snapshot) or by CSS selector (evaluated in the page).
type Query struct {
	Role     string
	Name     *regexp.Regexp
	Selector string
	// VisibleOnly restricts selector queries to nodes with a layout box.
	VisibleOnly bool
}

func (q Query) String() string {
	switch {
	case q.Selector != "":
		return q.Selector
	case q.Name != nil && q.Role != "":
		return fmt.Sprintf("%s[name~=%s]", q.Role, q.Name)
	case q.Name != nil:
		return fmt.Sprintf("[name~=%s]", q.Name)
	default:
		return q.Role
	}
}

// Matches reports whether el satisfies the structural part of q.
func (q Query) Matches(el driver.Element) bool {
	if q.Role != "" && el.Role != q.Role {
		return false
	}
	if q.Name != nil && !q.Name.MatchString(el.Name) {
		return false
	}
	return true
}

// ControlNotFoundError reports that an expected interactive control is absent.
type ControlNotFoundError struct {
	Control string
}

func (e *ControlNotFoundError) Error() string {
	return fmt.Sprintf("control not found: %s", e.Control)
}

// Library runs probes against one driver.
type Library struct {
	drv driver.Driver
}

// New creates a probe library bound to drv.
func New(drv driver.Driver) *Library {
	return &Library{drv: drv}
}

// Driver exposes the underlying driver for components that act on the page.
func (l *Library) Driver() driver.Driver {
	return l.drv
}

// Snapshot returns the current structural snapshot, or an empty one on error.
func (l *Library) Snapshot(ctx context.Context) *driver.Snapshot {
	snap, err := l.drv.Snapshot(ctx)
	if err != nil || snap == nil {
		return &driver.Snapshot{}
	}
	return snap
}

// Find returns the first element of snap that matches q.
func Find(snap *driver.Snapshot, q Query) (driver.Element, bool) {
	if snap == nil {
		return driver.Element{}, false
	}
	for _, el := range snap.Elements {
		if q.Matches(el) {
			return el, true
		}
	}
	return driver.Element{}, false
}

// FindAll returns every element of snap that matches q, in document order.
func FindAll(snap *driver.Snapshot, q Query) []driver.Element {
	if snap == nil {
		return nil
	}
	var out []driver.Element
	for _, el := range snap.Elements {
		if q.Matches(el) {
			out = append(out, el)
		}
	}
	return out
}

// HasControl reports whether a control with role and a matching name exists.
func (l *Library) HasControl(ctx context.Context, role string, name *regexp.Regexp) bool {
	_, ok := l.FindControl(ctx, Query{Role: role, Name: name})
	return ok
}

// FindControl returns the first structural match for q.
func (l *Library) FindControl(ctx context.Context, q Query) (driver.Element, bool) {
	return Find(l.Snapshot(ctx), q)
}

// RequireControl is FindControl for callers that must act on the control.
func (l *Library) RequireControl(ctx context.Context, label string, q Query) (driver.Element, error) {
	el, ok := l.FindControl(ctx, q)
	if !ok {
		return driver.Element{}, &ControlNotFoundError{Control: label}
	}
	return el, nil
}

// CountElements counts matches for q. Selector queries are evaluated in the
// page; structural queries count snapshot matches.
func (l *Library) CountElements(ctx context.Context, q Query) int {
	if q.Selector == "" {
		return len(FindAll(l.Snapshot(ctx), q))
	}
	v, err := l.drv.Evaluate(ctx, countScript(q.Selector, q.VisibleOnly))
	if err != nil {
		return 0
	}
	return toInt(v)
}

// Exists reports whether q matches at least one element.
func (l *Library) Exists(ctx context.Context, q Query) bool {
	return l.CountElements(ctx, q) > 0
}

// ReadLabel returns the accessible name of the first control matching q.
func (l *Library) ReadLabel(ctx context.Context, q Query) (string, bool) {
	el, ok := l.FindControl(ctx, q)
	if !ok || el.Name == "" {
		return "", false
	}
	return el.Name, true
}

// FindText searches the visible page text and returns the first match with
// its submatches.
func (l *Library) FindText(ctx context.Context, pattern *regexp.Regexp) ([]string, bool) {
	text := l.Text(ctx)
	m := pattern.FindStringSubmatch(text)
	if m == nil {
		return nil, false
	}
	return m, true
}

// Text returns document.body.innerText.
func (l *Library) Text(ctx context.Context) string {
	v, err := l.drv.Evaluate(ctx, `() => document.body ? document.body.innerText : ""`)
	if err != nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Title returns document.title.
func (l *Library) Title(ctx context.Context) string {
	v, err := l.drv.Evaluate(ctx, `() => document.title`)
	if err != nil {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Truthy evaluates script and reports whether the result is truthy.
func (l *Library) Truthy(ctx context.Context, script string) bool {
	v, err := l.drv.Evaluate(ctx, script)
	if err != nil {
		return false
	}
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != ""
	case nil:
		return false
	default:
		return toInt(v) != 0
	}
}

// PageValid reports whether the page still answers scripts and has loaded.
func (l *Library) PageValid(ctx context.Context) bool {
	v, err := l.drv.Evaluate(ctx, `() => document.readyState`)
	if err != nil {
		log.Printf("[probe] page invalid: %v", err)
		return false
	}
	state, _ := v.(string)
	return state == "complete" || state == "interactive"
}

func countScript(selector string, visibleOnly bool) string {
	sel := strconv.Quote(selector)
	if visibleOnly {
		return fmt.Sprintf(`() => Array.from(document.querySelectorAll(%s)).filter(el => {
	const r = el.getBoundingClientRect();
	return r.width > 0 && r.height > 0;
}).length`, sel)
	}
	return fmt.Sprintf(`() => document.querySelectorAll(%s).length`, sel)
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	}
	return 0
}
