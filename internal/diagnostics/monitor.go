// Package diagnostics passively collects console messages, uncaught page
// errors and failed network responses, filters known noise and aggregates
// what remains per stage.
package diagnostics

import (
	"fmt"
	"log"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"viewguard-mcp-server/internal/config"
	"viewguard-mcp-server/internal/driver"
)

// Source names where an event was observed.
type Source string

const (
	SourceConsole Source = "console"
	SourcePage    Source = "page"
	SourceNetwork Source = "network"
)

// Level mirrors the console API level; page and network errors are "error".
type Level string

const (
	LevelError   Level = "error"
	LevelWarning Level = "warning"
	LevelLog     Level = "log"
	LevelInfo    Level = "info"
	LevelDebug   Level = "debug"
)

// Error categories used by Report.ErrorsByCategory.
const (
	CategoryNetwork   = "Network"
	CategorySyntax    = "Syntax"
	CategoryTypeError = "TypeError"
	CategoryReference = "ReferenceError"
	CategoryOther     = "Other"
)

// Whitelist is the built-in set of benign vendor, analytics and deprecation
// noise.
var Whitelist = []string{
	`favicon\.ico`,
	`chrome-extension`,
	`moz-extension`,
	`google.*analytics`,
	`gtag`,
	`hotjar`,
	`gpx2d.*undefined`,
	`Cannot read properties of undefined`,
	`_leaflet_id`,
	`Cesium.*deprecated`,
	`Canvas2D.*willReadFrequently`,
	`aria-hidden`,
	`net::ERR_BLOCKED`,
	`CORS`,
}

// CriticalPatterns always win over the whitelist.
var CriticalPatterns = []string{
	`uncaught.*error`,
	`unhandled.*rejection`,
	`fatal`,
	`crash`,
}

const previewLen = 80

// Event is one retained observation.
type Event struct {
	Source   Source    `json:"source"`
	Level    Level     `json:"level"`
	Message  string    `json:"message"`
	Details  string    `json:"details,omitempty"`
	Stage    int       `json:"stage"`
	Critical bool      `json:"critical"`
	Category string    `json:"category,omitempty"`
	Time     time.Time `json:"time"`
}

// TimelineEntry is a compact, truncated view of an event.
type TimelineEntry struct {
	Stage   int    `json:"stage"`
	Source  Source `json:"source"`
	Level   Level  `json:"level"`
	Time    string `json:"time"`
	Preview string `json:"preview"`
}

// Report aggregates the retained events.
type Report struct {
	TotalEvents       int             `json:"total_events"`
	CriticalErrors    []Event         `json:"critical_errors"`
	ConsoleErrors     int             `json:"console_errors"`
	PageErrors        int             `json:"page_errors"`
	NetworkErrors     int             `json:"network_errors"`
	WarningsByStage   map[int]int     `json:"warnings_by_stage"`
	ErrorsByCategory  map[string]int  `json:"errors_by_category"`
	Timeline          []TimelineEntry `json:"timeline"`
	Dropped           int             `json:"dropped"`
	Evicted           int             `json:"evicted"`
	HasCriticalIssues bool            `json:"has_critical_issues"`
}

// Sink receives every retained event, e.g. to feed the fact engine.
type Sink func(Event)

// Option configures a Monitor.
type Option func(*Monitor)

// WithSink registers a sink for retained events.
func WithSink(s Sink) Option {
	return func(m *Monitor) { m.sinks = append(m.sinks, s) }
}

// Monitor is attached once per session. It is safe for concurrent use; the
// browser delivers events from its own goroutines.
type Monitor struct {
	mu sync.Mutex

	cfg       config.DiagnosticsConfig
	whitelist []*regexp.Regexp
	critical  []*regexp.Regexp
	sinks     []Sink

	attached bool
	stage    int
	events   []Event
	dropped  int
	evicted  int
}

// NewMonitor compiles the built-in and configured patterns.
func NewMonitor(cfg config.DiagnosticsConfig, opts ...Option) (*Monitor, error) {
	whitelist, err := compile(append(append([]string{}, Whitelist...), cfg.ExtraWhitelist...))
	if err != nil {
		return nil, fmt.Errorf("whitelist: %w", err)
	}
	critical, err := compile(append(append([]string{}, CriticalPatterns...), cfg.ExtraCritical...))
	if err != nil {
		return nil, fmt.Errorf("critical patterns: %w", err)
	}
	m := &Monitor{cfg: cfg, whitelist: whitelist, critical: critical, stage: 1}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

func compile(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// Setup subscribes to src. Only the first call attaches; later calls return
// false and change nothing.
func (m *Monitor) Setup(src driver.EventSource) bool {
	m.mu.Lock()
	if m.attached {
		m.mu.Unlock()
		log.Printf("[diagnostics] monitor already attached; ignoring setup")
		return false
	}
	m.attached = true
	m.mu.Unlock()

	src.OnConsoleMessage(m.handleConsole)
	src.OnPageError(m.handlePageError)
	src.OnNetworkResponse(m.handleResponse)
	return true
}

// SetStage tags subsequent events with id.
func (m *Monitor) SetStage(id int) {
	m.mu.Lock()
	m.stage = id
	m.mu.Unlock()
}

// Stage returns the current stage tag.
func (m *Monitor) Stage() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stage
}

// Reset clears the event log and counters but stays attached.
func (m *Monitor) Reset() {
	m.mu.Lock()
	m.events = nil
	m.dropped = 0
	m.evicted = 0
	m.mu.Unlock()
}

func (m *Monitor) handleConsole(msg driver.ConsoleMessage) {
	level := normalizeLevel(msg.Level)
	switch level {
	case LevelError:
	case LevelWarning:
		if !m.cfg.CaptureWarnings {
			return
		}
	default:
		if !m.cfg.CaptureLogs {
			return
		}
	}
	m.Observe(Event{Source: SourceConsole, Level: level, Message: msg.Text, Details: msg.URL, Time: msg.Time})
}

func (m *Monitor) handlePageError(pe driver.PageError) {
	m.Observe(Event{Source: SourcePage, Level: LevelError, Message: pe.Message, Details: pe.Stack, Time: pe.Time})
}

func (m *Monitor) handleResponse(resp driver.NetworkResponse) {
	if resp.Status < 500 {
		return
	}
	msg := strings.TrimSpace(fmt.Sprintf("%d %s", resp.Status, resp.StatusText))
	m.Observe(Event{Source: SourceNetwork, Level: LevelError, Message: msg, Details: resp.URL, Time: resp.Time})
}

func normalizeLevel(level string) Level {
	switch strings.ToLower(level) {
	case "error", "assert":
		return LevelError
	case "warn", "warning":
		return LevelWarning
	case "info":
		return LevelInfo
	case "debug", "trace":
		return LevelDebug
	default:
		return LevelLog
	}
}

// Observe classifies and stores one event. Critical patterns override the
// whitelist; whitelisted messages are counted as dropped. It reports whether
// the event was retained.
func (m *Monitor) Observe(e Event) bool {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	m.mu.Lock()
	e.Stage = m.stage
	e.Critical = matchAny(m.critical, e.Message)
	if !e.Critical && (matchAny(m.whitelist, e.Message) || matchAny(m.whitelist, e.Details)) {
		m.dropped++
		m.mu.Unlock()
		return false
	}
	if e.Level == LevelError {
		e.Category = Categorize(e)
	}
	if limit := m.cfg.GetMaxEvents(); len(m.events) >= limit {
		n := len(m.events) - limit + 1
		m.events = append(m.events[:0:0], m.events[n:]...)
		m.evicted += n
	}
	m.events = append(m.events, e)
	sinks := m.sinks
	m.mu.Unlock()

	if e.Critical {
		log.Printf("[diagnostics] stage %d critical %s error: %s", e.Stage, e.Source, preview(e.Message))
	}
	for _, s := range sinks {
		s(e)
	}
	return true
}

func matchAny(patterns []*regexp.Regexp, s string) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

var (
	networkCategory   = regexp.MustCompile(`(?i)network|fetch|xhr`)
	syntaxCategory    = regexp.MustCompile(`(?i)syntax|parse`)
	typeCategory      = regexp.MustCompile(`(?i)type.*error|undefined|null`)
	referenceCategory = regexp.MustCompile(`(?i)reference`)
)

// Categorize buckets an error by substring heuristics.
func Categorize(e Event) string {
	if e.Source == SourceNetwork {
		return CategoryNetwork
	}
	switch msg := e.Message; {
	case networkCategory.MatchString(msg):
		return CategoryNetwork
	case syntaxCategory.MatchString(msg):
		return CategorySyntax
	case typeCategory.MatchString(msg):
		return CategoryTypeError
	case referenceCategory.MatchString(msg):
		return CategoryReference
	}
	return CategoryOther
}

func preview(s string) string {
	r := []rune(s)
	if len(r) <= previewLen {
		return s
	}
	return string(r[:previewLen]) + "..."
}

// Events returns a copy of the retained events, oldest first.
func (m *Monitor) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// EventsByStage returns the retained events tagged with stage id.
func (m *Monitor) EventsByStage(id int) []Event {
	var out []Event
	for _, e := range m.Events() {
		if e.Stage == id {
			out = append(out, e)
		}
	}
	return out
}

// Report aggregates everything retained so far.
func (m *Monitor) Report() Report {
	m.mu.Lock()
	events := append([]Event(nil), m.events...)
	dropped, evicted := m.dropped, m.evicted
	m.mu.Unlock()

	r := Report{
		TotalEvents:      len(events),
		CriticalErrors:   []Event{},
		WarningsByStage:  map[int]int{},
		ErrorsByCategory: map[string]int{},
		Dropped:          dropped,
		Evicted:          evicted,
	}
	for _, e := range events {
		if e.Critical {
			r.CriticalErrors = append(r.CriticalErrors, e)
		}
		switch e.Level {
		case LevelWarning:
			r.WarningsByStage[e.Stage]++
		case LevelError:
			r.ErrorsByCategory[e.Category]++
			switch e.Source {
			case SourceConsole:
				r.ConsoleErrors++
			case SourcePage:
				r.PageErrors++
			case SourceNetwork:
				r.NetworkErrors++
			}
		}
	}
	r.HasCriticalIssues = len(r.CriticalErrors) > 0 || r.ConsoleErrors+r.PageErrors+r.NetworkErrors > 0

	limit := m.cfg.GetTimelineLimit()
	start := 0
	if len(events) > limit {
		start = len(events) - limit
	}
	r.Timeline = make([]TimelineEntry, 0, len(events)-start)
	for _, e := range events[start:] {
		r.Timeline = append(r.Timeline, TimelineEntry{
			Stage:   e.Stage,
			Source:  e.Source,
			Level:   e.Level,
			Time:    e.Time.UTC().Format(time.RFC3339Nano),
			Preview: preview(e.Message),
		})
	}
	return r
}

// Summary renders a short multi-line description of a report.
func (r Report) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "events: %d (dropped %d, evicted %d)\n", r.TotalEvents, r.Dropped, r.Evicted)
	fmt.Fprintf(&b, "errors: console %d, page %d, network %d\n", r.ConsoleErrors, r.PageErrors, r.NetworkErrors)
	fmt.Fprintf(&b, "critical: %d\n", len(r.CriticalErrors))
	for i, e := range r.CriticalErrors {
		fmt.Fprintf(&b, "  %d. [stage %d] %s\n", i+1, e.Stage, preview(e.Message))
	}
	stages := make([]int, 0, len(r.WarningsByStage))
	for id := range r.WarningsByStage {
		stages = append(stages, id)
	}
	sort.Ints(stages)
	for _, id := range stages {
		fmt.Fprintf(&b, "stage %d: %d warning(s)\n", id, r.WarningsByStage[id])
	}
	return b.String()
}
