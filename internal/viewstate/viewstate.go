// Package viewstate classifies which rendering mode the page is showing.
//
// Classification is tiered by signal specificity and recomputed on every call:
// the surfaces can change between two calls without any explicit transition.
package viewstate

import (
	"context"

	"viewguard-mcp-server/internal/probe"
)

// ViewState is the classified rendering mode.
type ViewState int

const (
	Unknown ViewState = iota
	TwoDStatic
	TwoDDynamic
	ThreeD
)

func (v ViewState) String() string {
	switch v {
	case TwoDStatic:
		return "2D-static"
	case TwoDDynamic:
		return "2D-dynamic"
	case ThreeD:
		return "3D"
	default:
		return "unknown"
	}
}

// MarshalText renders the state as its string form in JSON output.
func (v ViewState) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// Is2D reports whether v is one of the 2D sub-modes.
func (v ViewState) Is2D() bool {
	return v == TwoDStatic || v == TwoDDynamic
}

// Parse maps a string form back to a ViewState.
func Parse(s string) ViewState {
	switch s {
	case "2D-static", "2d-static", "static":
		return TwoDStatic
	case "2D-dynamic", "2d-dynamic", "dynamic":
		return TwoDDynamic
	case "3D", "3d":
		return ThreeD
	}
	return Unknown
}

// Signals are the probe results a classification is derived from.
type Signals struct {
	ViewAngleControl bool `json:"view_angle_control"`
	PlaybackControl  bool `json:"playback_control"`
	Markers          int  `json:"markers"`
	MapContainer     bool `json:"map_container"`
}

// Thresholds bound the marker-count tier.
type Thresholds struct {
	StaticMin  int
	DynamicMax int
}

type rule struct {
	name  string
	match func(Signals, Thresholds) bool
	state ViewState
}

// rules are evaluated top to bottom; the first match wins.
var rules = []rule{
	{"view-angle-control", func(s Signals, _ Thresholds) bool { return s.ViewAngleControl }, ThreeD},
	{"playback-control", func(s Signals, _ Thresholds) bool { return s.PlaybackControl }, TwoDDynamic},
	{"many-markers", func(s Signals, th Thresholds) bool { return s.Markers >= th.StaticMin }, TwoDStatic},
	{"few-markers", func(s Signals, th Thresholds) bool { return s.Markers > 0 && s.Markers < th.DynamicMax }, TwoDDynamic},
	// Heuristic: an ambiguous marker count on a visible 2D map is treated as
	// static. A dynamic view with transiently zero markers lands here too.
	{"map-container", func(s Signals, _ Thresholds) bool { return s.MapContainer }, TwoDStatic},
}

// Decide is the pure classification function.
func Decide(s Signals, th Thresholds) (ViewState, string) {
	for _, r := range rules {
		if r.match(s, th) {
			return r.state, r.name
		}
	}
	return Unknown, "no-signal"
}

// Classification is one explained classification.
type Classification struct {
	State   ViewState `json:"state"`
	Rule    string    `json:"rule"`
	Signals Signals   `json:"signals"`
}

// Classifier derives ViewState from live probes.
type Classifier struct {
	probes  *probe.Library
	profile *probe.Profile
}

// NewClassifier binds a classifier to a probe library and page profile.
func NewClassifier(probes *probe.Library, profile *probe.Profile) *Classifier {
	return &Classifier{probes: probes, profile: profile}
}

// Collect gathers all signals using a single structural snapshot.
func (c *Classifier) Collect(ctx context.Context) Signals {
	snap := c.probes.Snapshot(ctx)
	_, viewAngle := probe.Find(snap, c.profile.ViewAngleQuery())
	_, play := probe.Find(snap, c.profile.PlayQuery())
	_, pause := probe.Find(snap, c.profile.PauseQuery())

	s := Signals{
		ViewAngleControl: viewAngle,
		PlaybackControl:  play || pause,
	}
	if s.ViewAngleControl || s.PlaybackControl {
		return s
	}
	s.Markers = c.probes.CountElements(ctx, c.profile.MarkerQuery())
	if s.Markers < c.profile.StaticMarkerMin && (s.Markers == 0 || s.Markers >= c.profile.DynamicMarkerMax) {
		s.MapContainer = c.probes.Exists(ctx, c.profile.ContainerQuery())
	}
	return s
}

// Explain classifies and reports which tier decided.
func (c *Classifier) Explain(ctx context.Context) Classification {
	s := c.Collect(ctx)
	state, name := Decide(s, Thresholds{StaticMin: c.profile.StaticMarkerMin, DynamicMax: c.profile.DynamicMarkerMax})
	return Classification{State: state, Rule: name, Signals: s}
}

// Classify returns the current ViewState. It never caches.
func (c *Classifier) Classify(ctx context.Context) ViewState {
	return c.Explain(ctx).State
}
