package probe

import (
	"fmt"
	"regexp"

	"viewguard-mcp-server/internal/config"
)

// Profile is the compiled form of config.ProfileConfig: every control and
// surface the verification core looks for on the page.
type Profile struct {
	ModeToggle    *regexp.Regexp
	ViewAngle     *regexp.Regexp
	Play          *regexp.Regexp
	Pause         *regexp.Regexp
	SubModeToggle *regexp.Regexp
	Timeline      *regexp.Regexp
	Back          *regexp.Regexp
	Enter         *regexp.Regexp
	Render        *regexp.Regexp
	// SelectionCounter must capture the selected count in group 1.
	SelectionCounter *regexp.Regexp

	LabelSemantics string
	Label2D        string
	Label3D        string

	MarkerSelector       string
	MapContainerSelector string
	MapCanvasSelector    string
	MapGlobal            string
	GlobeSelector        string
	ItemCardSelector     string
	ListRowSelector      string
	SelectionOffset      int

	APIPattern string

	StaticMarkerMin  int
	DynamicMarkerMax int
}

// CompileProfile compiles name patterns case-insensitively.
func CompileProfile(cfg config.ProfileConfig) (*Profile, error) {
	def := config.DefaultProfile()
	pick := func(v, fallback string) string {
		if v == "" {
			return fallback
		}
		return v
	}

	p := &Profile{
		LabelSemantics:       pick(cfg.LabelSemantics, def.LabelSemantics),
		Label2D:              pick(cfg.Label2D, def.Label2D),
		Label3D:              pick(cfg.Label3D, def.Label3D),
		MarkerSelector:       pick(cfg.MarkerSelector, def.MarkerSelector),
		MapContainerSelector: pick(cfg.MapContainerSelector, def.MapContainerSelector),
		MapCanvasSelector:    pick(cfg.MapCanvasSelector, def.MapCanvasSelector),
		MapGlobal:            pick(cfg.MapGlobal, def.MapGlobal),
		GlobeSelector:        pick(cfg.GlobeSelector, def.GlobeSelector),
		ItemCardSelector:     pick(cfg.ItemCardSelector, def.ItemCardSelector),
		ListRowSelector:      pick(cfg.ListRowSelector, def.ListRowSelector),
		SelectionOffset:      cfg.SelectionOffset,
		APIPattern:           pick(cfg.APIPattern, def.APIPattern),
		StaticMarkerMin:      cfg.StaticMarkerMin,
		DynamicMarkerMax:     cfg.DynamicMarkerMax,
	}
	if p.StaticMarkerMin <= 0 {
		p.StaticMarkerMin = def.StaticMarkerMin
	}
	if p.DynamicMarkerMax <= 0 {
		p.DynamicMarkerMax = def.DynamicMarkerMax
	}
	if p.SelectionOffset < 0 {
		p.SelectionOffset = 0
	}

	patterns := []struct {
		name   string
		raw    string
		def    string
		target **regexp.Regexp
	}{
		{"mode_toggle_name", cfg.ModeToggleName, def.ModeToggleName, &p.ModeToggle},
		{"view_angle_name", cfg.ViewAngleName, def.ViewAngleName, &p.ViewAngle},
		{"play_name", cfg.PlayName, def.PlayName, &p.Play},
		{"pause_name", cfg.PauseName, def.PauseName, &p.Pause},
		{"submode_toggle_name", cfg.SubModeToggleName, def.SubModeToggleName, &p.SubModeToggle},
		{"timeline_name", cfg.TimelineName, def.TimelineName, &p.Timeline},
		{"back_name", cfg.BackName, def.BackName, &p.Back},
		{"enter_name", cfg.EnterName, def.EnterName, &p.Enter},
		{"render_name", cfg.RenderName, def.RenderName, &p.Render},
		{"selection_counter", cfg.SelectionCounter, def.SelectionCounter, &p.SelectionCounter},
	}
	for _, pat := range patterns {
		re, err := regexp.Compile("(?i)" + pick(pat.raw, pat.def))
		if err != nil {
			return nil, fmt.Errorf("profile.%s: %w", pat.name, err)
		}
		*pat.target = re
	}
	return p, nil
}

// DefaultProfile compiles config.DefaultProfile.
func DefaultProfile() *Profile {
	p, err := CompileProfile(config.DefaultProfile())
	if err != nil {
		panic(err)
	}
	return p
}

func (p *Profile) ModeToggleQuery() Query    { return Query{Role: "button", Name: p.ModeToggle} }
func (p *Profile) ViewAngleQuery() Query     { return Query{Role: "button", Name: p.ViewAngle} }
func (p *Profile) PlayQuery() Query          { return Query{Role: "button", Name: p.Play} }
func (p *Profile) PauseQuery() Query         { return Query{Role: "button", Name: p.Pause} }
func (p *Profile) SubModeToggleQuery() Query { return Query{Role: "button", Name: p.SubModeToggle} }
func (p *Profile) TimelineQuery() Query      { return Query{Role: "button", Name: p.Timeline} }
func (p *Profile) BackQuery() Query          { return Query{Role: "button", Name: p.Back} }
func (p *Profile) EnterQuery() Query         { return Query{Role: "button", Name: p.Enter} }
func (p *Profile) RenderQuery() Query        { return Query{Role: "button", Name: p.Render} }
func (p *Profile) CheckboxQuery() Query      { return Query{Role: "checkbox"} }

func (p *Profile) MarkerQuery() Query    { return Query{Selector: p.MarkerSelector} }
func (p *Profile) CanvasQuery() Query    { return Query{Selector: p.MapCanvasSelector} }
func (p *Profile) ListRowQuery() Query   { return Query{Selector: p.ListRowSelector} }
func (p *Profile) ItemCardQuery() Query  { return Query{Selector: p.ItemCardSelector} }
func (p *Profile) GlobeQuery() Query     { return Query{Selector: p.GlobeSelector} }
func (p *Profile) ContainerQuery() Query { return Query{Selector: p.MapContainerSelector, VisibleOnly: true} }
