package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// WorkspaceDirName is the directory name for project-level ViewGuard config.
	WorkspaceDirName = ".viewguard"
	// WorkspaceConfigFile is the config file name inside the workspace directory.
	WorkspaceConfigFile = "config.yaml"
	// MaxSearchDepth limits how many parent directories to walk when discovering a workspace.
	MaxSearchDepth = 10

	// CIMultiplier scales every verification timeout when CI is detected and no
	// explicit multiplier is configured.
	CIMultiplier = 3.0
	// MinRenderTimeout and MaxRenderTimeout bound the scaled render poll window.
	MinRenderTimeout = 10 * time.Second
	MaxRenderTimeout = 45 * time.Second
)

// WorkspaceOptions controls workspace discovery behavior.
type WorkspaceOptions struct {
	// Disable skips workspace discovery entirely (--no-workspace flag).
	Disable bool
	// ExplicitDir uses this directory as workspace root instead of walking up (--workspace-dir flag).
	ExplicitDir string
}

// Config captures all tunable settings for the ViewGuard MCP server.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Browser     BrowserConfig     `yaml:"browser"`
	MCP         MCPConfig         `yaml:"mcp"`
	Mangle      MangleConfig      `yaml:"mangle"`
	Verify      VerifyConfig      `yaml:"verify"`
	Diagnostics DiagnosticsConfig `yaml:"diagnostics"`
	Profile     ProfileConfig     `yaml:"profile"`
	Trace       TraceConfig       `yaml:"trace"`
}

type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	LogFile string `yaml:"log_file"`
}

// BrowserConfig configures how we attach to or launch Chrome for Rod.
type BrowserConfig struct {
	// Control endpoint for Rod (e.g., ws://localhost:9222). Required when launch is empty.
	DebuggerURL string `yaml:"debugger_url"`
	// Optional launch command; the first element is the Chrome binary, the rest are flags.
	Launch []string `yaml:"launch"`
	// AutoStart controls whether the MCP server launches/attaches to Chrome at startup.
	AutoStart bool `yaml:"auto_start"`
	// Headless controls whether Chrome runs in headless mode (default: true).
	Headless *bool `yaml:"headless"`
	// Stealth creates pages through go-rod/stealth to mask automation fingerprints.
	Stealth bool `yaml:"stealth"`
	// Default navigation timeout (e.g., "15s").
	DefaultNavigationTimeout string `yaml:"default_navigation_timeout"`
	// Maximum number of network responses retained per session for API wait strategies.
	NetworkLogLimit int `yaml:"network_log_limit"`
	// Viewport width for new sessions (default: 1920).
	ViewportWidth int `yaml:"viewport_width"`
	// Viewport height for new sessions (default: 1080).
	ViewportHeight int `yaml:"viewport_height"`
}

type MCPConfig struct {
	// When set, starts an SSE server on this port instead of stdio-only.
	SSEPort int `yaml:"sse_port"`
}

// MangleConfig controls the embedded deductive engine.
type MangleConfig struct {
	Enable bool `yaml:"enable"`
	// SchemaPath loads an additional schema on top of the embedded journey rules.
	SchemaPath      string `yaml:"schema_path"`
	FactBufferLimit int    `yaml:"fact_buffer_limit"`
}

// VerifyConfig tunes waits, retries and the target site for verification runs.
type VerifyConfig struct {
	// BaseURL is the entry page of the application under verification.
	BaseURL string `yaml:"base_url"`
	// TimeoutMultiplier scales wait bounds. Zero means auto-detect (CI env => CIMultiplier).
	TimeoutMultiplier float64 `yaml:"timeout_multiplier"`
	// RenderTimeout is the unscaled convergence bound for 2D reloads.
	RenderTimeout string `yaml:"render_timeout"`
	// PollInterval is how often readiness predicates are re-evaluated.
	PollInterval string `yaml:"poll_interval"`
	// ModeSwitchTimeout bounds each wait after a mode toggle click.
	ModeSwitchTimeout string `yaml:"mode_switch_timeout"`
	// RecoveryRetries is the default attempt budget for 2D reloads.
	RecoveryRetries int `yaml:"recovery_retries"`
	// CheckpointAttempts is how often a checkpoint function is invoked before it fails.
	CheckpointAttempts int `yaml:"checkpoint_attempts"`
}

// DiagnosticsConfig tunes the passive console/network/page monitor.
type DiagnosticsConfig struct {
	CaptureWarnings bool `yaml:"capture_warnings"`
	CaptureLogs     bool `yaml:"capture_logs"`
	// MaxEvents bounds the in-memory event log; oldest events are dropped first.
	MaxEvents int `yaml:"max_events"`
	// TimelineLimit caps the number of entries in a report timeline.
	TimelineLimit int `yaml:"timeline_limit"`
	// ExtraWhitelist adds regex patterns treated as benign noise.
	ExtraWhitelist []string `yaml:"extra_whitelist"`
	// ExtraCritical adds regex patterns always reported as critical.
	ExtraCritical []string `yaml:"extra_critical"`
}

// ProfileConfig names every control and surface the probes look for.
// Name fields are case-insensitive regular expressions matched against
// accessible names; selector fields are CSS selectors.
type ProfileConfig struct {
	ModeToggleName string `yaml:"mode_toggle_name"`
	// LabelSemantics is "names_target" (label names the mode a click enters)
	// or "names_current".
	LabelSemantics string `yaml:"label_semantics"`
	Label2D        string `yaml:"label_2d"`
	Label3D        string `yaml:"label_3d"`

	ViewAngleName     string `yaml:"view_angle_name"`
	PlayName          string `yaml:"play_name"`
	PauseName         string `yaml:"pause_name"`
	SubModeToggleName string `yaml:"submode_toggle_name"`
	TimelineName      string `yaml:"timeline_name"`

	MarkerSelector       string `yaml:"marker_selector"`
	MapContainerSelector string `yaml:"map_container_selector"`
	MapCanvasSelector    string `yaml:"map_canvas_selector"`
	MapGlobal            string `yaml:"map_global"`
	GlobeSelector        string `yaml:"globe_selector"`
	ItemCardSelector     string `yaml:"item_card_selector"`

	ListRowSelector  string `yaml:"list_row_selector"`
	BackName         string `yaml:"back_name"`
	EnterName        string `yaml:"enter_name"`
	RenderName       string `yaml:"render_name"`
	SelectionCounter string `yaml:"selection_counter"`
	// SelectionOffset skips leading checkboxes (e.g. a select-all header) when
	// mapping an item index to a checkbox.
	SelectionOffset int `yaml:"selection_offset"`

	APIPattern string `yaml:"api_pattern"`

	StaticMarkerMin  int `yaml:"static_marker_min"`
	DynamicMarkerMax int `yaml:"dynamic_marker_max"`
}

// TraceConfig controls the JSONL run trace.
type TraceConfig struct {
	Enable bool   `yaml:"enable"`
	Dir    string `yaml:"dir"`
}

// DefaultConfig provides reasonable defaults for local development.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Name:    "viewguard-mcp",
			Version: "0.1.0",
			LogFile: "viewguard-mcp.log",
		},
		Browser: BrowserConfig{
			AutoStart:                true,
			DefaultNavigationTimeout: "30s",
			NetworkLogLimit:          500,
			ViewportWidth:            1920,
			ViewportHeight:           1080,
		},
		MCP: MCPConfig{
			SSEPort: 0,
		},
		Mangle: MangleConfig{
			Enable:          true,
			FactBufferLimit: 4096,
		},
		Verify: VerifyConfig{
			BaseURL:            "https://skyracing.com.cn/",
			RenderTimeout:      "15s",
			PollInterval:       "500ms",
			ModeSwitchTimeout:  "15s",
			RecoveryRetries:    3,
			CheckpointAttempts: 2,
		},
		Diagnostics: DiagnosticsConfig{
			MaxEvents:     1000,
			TimelineLimit: 50,
		},
		Profile: DefaultProfile(),
		Trace: TraceConfig{
			Enable: true,
			Dir:    "data/traces",
		},
	}
}

// DefaultProfile matches the race-tracking site the tool was built against.
func DefaultProfile() ProfileConfig {
	return ProfileConfig{
		ModeToggleName:       `[23]D模式`,
		LabelSemantics:       "names_target",
		Label2D:              "2D",
		Label3D:              "3D",
		ViewAngleName:        `[视視]角1`,
		PlayName:             `^play_arrow$`,
		PauseName:            `^pause$`,
		SubModeToggleName:    `切換動態/靜態模式|切换动态/静态模式`,
		TimelineName:         `^timeline$`,
		MarkerSelector:       `.amap-icon > img`,
		MapContainerSelector: `.amap-container`,
		MapCanvasSelector:    `canvas.amap-layer`,
		MapGlobal:            "AMap",
		GlobeSelector:        `.cesium-viewer, .cesium-widget`,
		ItemCardSelector:     `mat-card, .race-card`,
		ListRowSelector:      `table tbody tr`,
		BackName:             `返回|關閉|close|back|×`,
		EnterName:            `进入|進入`,
		RenderName:           `查看[轨軌][迹跡]`,
		SelectionCounter:     `勾[选選]清[单單] (\d+)`,
		SelectionOffset:      1,
		APIPattern:           "ugetPigeonAllJsonInfo",
		StaticMarkerMin:      15,
		DynamicMarkerMax:     5,
	}
}

// Load reads YAML config from disk and overlays defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, errors.New("config path is required")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// DiscoverWorkspace walks up from startDir looking for a .viewguard/config.yaml file.
// Returns the workspace root directory (parent of .viewguard/) or empty string if not found.
func DiscoverWorkspace(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("resolving start directory: %w", err)
	}

	for i := 0; i < MaxSearchDepth; i++ {
		candidate := filepath.Join(dir, WorkspaceDirName, WorkspaceConfigFile)
		if _, err := os.Stat(candidate); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", nil
}

// LoadWithWorkspace implements multi-layer config merge:
//
//	DefaultConfig() <- .viewguard/config.yaml <- explicit --config <- CLI flags
//
// Returns the merged config and the workspace directory (empty if none found).
func LoadWithWorkspace(explicitConfig string, opts WorkspaceOptions) (Config, string, error) {
	cfg := DefaultConfig()
	wsDir := ""

	if !opts.Disable {
		var err error
		if opts.ExplicitDir != "" {
			candidate := filepath.Join(opts.ExplicitDir, WorkspaceDirName, WorkspaceConfigFile)
			if _, statErr := os.Stat(candidate); statErr == nil {
				wsDir = opts.ExplicitDir
			}
		} else {
			cwd, cwdErr := os.Getwd()
			if cwdErr != nil {
				return cfg, "", fmt.Errorf("getting working directory: %w", cwdErr)
			}
			wsDir, err = DiscoverWorkspace(cwd)
			if err != nil {
				return cfg, "", fmt.Errorf("discovering workspace: %w", err)
			}
		}

		if wsDir != "" {
			wsConfigPath := filepath.Join(wsDir, WorkspaceDirName, WorkspaceConfigFile)
			raw, err := os.ReadFile(wsConfigPath)
			if err != nil {
				return cfg, "", fmt.Errorf("reading workspace config %s: %w", wsConfigPath, err)
			}
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return cfg, "", fmt.Errorf("parsing workspace config %s: %w", wsConfigPath, err)
			}
			cfg = resolveWorkspacePaths(cfg, wsDir)
		}
	}

	if explicitConfig != "" {
		raw, err := os.ReadFile(explicitConfig)
		if err != nil {
			return cfg, wsDir, fmt.Errorf("reading explicit config %s: %w", explicitConfig, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, wsDir, fmt.Errorf("parsing explicit config %s: %w", explicitConfig, err)
		}
	}

	return cfg, wsDir, cfg.Validate()
}

// InitWorkspace creates a .viewguard/ directory with template files at root.
func InitWorkspace(root string) error {
	wsDir := filepath.Join(root, WorkspaceDirName)

	if _, err := os.Stat(wsDir); err == nil {
		return fmt.Errorf("workspace directory already exists: %s", wsDir)
	}

	dirs := []string{
		wsDir,
		filepath.Join(wsDir, "schemas"),
		filepath.Join(wsDir, "data"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", d, err)
		}
	}

	templateConfig := `# ViewGuard project-level configuration
# Values here override defaults but are overridden by --config and CLI flags.

# verify:
#   base_url: "https://example.com/"
#   timeout_multiplier: 2
#   recovery_retries: 3

# diagnostics:
#   capture_warnings: true
#   extra_whitelist:
#     - "ResizeObserver loop"

# mangle:
#   schema_path: ".viewguard/schemas/project.mg"

# browser:
#   headless: false
#   stealth: true
`
	configPath := filepath.Join(wsDir, WorkspaceConfigFile)
	if err := os.WriteFile(configPath, []byte(templateConfig), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	gitignoreContent := "# Runtime data (logs, traces) - do not version control\ndata/\n"
	gitignorePath := filepath.Join(wsDir, ".gitignore")
	if err := os.WriteFile(gitignorePath, []byte(gitignoreContent), 0644); err != nil {
		return fmt.Errorf("writing .gitignore: %w", err)
	}

	return nil
}

// resolveWorkspacePaths resolves relative paths in the config against the workspace directory.
func resolveWorkspacePaths(cfg Config, wsDir string) Config {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(wsDir, p)
	}

	cfg.Server.LogFile = resolve(cfg.Server.LogFile)
	cfg.Mangle.SchemaPath = resolve(cfg.Mangle.SchemaPath)
	cfg.Trace.Dir = resolve(cfg.Trace.Dir)
	return cfg
}

// Validate ensures required fields exist so the server can start deterministically.
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return errors.New("server.name is required")
	}
	if c.Browser.AutoStart {
		if c.Browser.DebuggerURL == "" && len(c.Browser.Launch) == 0 {
			return errors.New("browser.debugger_url or browser.launch must be provided")
		}
	}
	if c.Verify.TimeoutMultiplier < 0 {
		return errors.New("verify.timeout_multiplier must not be negative")
	}
	switch c.Profile.LabelSemantics {
	case "", "names_target", "names_current":
	default:
		return fmt.Errorf("profile.label_semantics: unknown value %q", c.Profile.LabelSemantics)
	}
	for name, pattern := range c.Profile.patterns() {
		if pattern == "" {
			continue
		}
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("profile.%s: %w", name, err)
		}
	}
	for _, p := range append(append([]string{}, c.Diagnostics.ExtraWhitelist...), c.Diagnostics.ExtraCritical...) {
		if _, err := regexp.Compile(p); err != nil {
			return fmt.Errorf("diagnostics pattern %q: %w", p, err)
		}
	}
	return nil
}

func (p ProfileConfig) patterns() map[string]string {
	return map[string]string{
		"mode_toggle_name":    p.ModeToggleName,
		"view_angle_name":     p.ViewAngleName,
		"play_name":           p.PlayName,
		"pause_name":          p.PauseName,
		"submode_toggle_name": p.SubModeToggleName,
		"timeline_name":       p.TimelineName,
		"back_name":           p.BackName,
		"enter_name":          p.EnterName,
		"render_name":         p.RenderName,
		"selection_counter":   p.SelectionCounter,
	}
}

// NavigationTimeout returns the parsed navigation timeout with a sane default.
func (b BrowserConfig) NavigationTimeout() time.Duration {
	return parseDuration(b.DefaultNavigationTimeout, 30*time.Second)
}

// IsHeadless returns whether Chrome should run in headless mode (default: true).
func (b BrowserConfig) IsHeadless() bool {
	if b.Headless == nil {
		return true
	}
	return *b.Headless
}

// GetViewportWidth returns the viewport width with a sane default.
func (b BrowserConfig) GetViewportWidth() int {
	if b.ViewportWidth <= 0 {
		return 1920
	}
	return b.ViewportWidth
}

// GetViewportHeight returns the viewport height with a sane default.
func (b BrowserConfig) GetViewportHeight() int {
	if b.ViewportHeight <= 0 {
		return 1080
	}
	return b.ViewportHeight
}

// GetNetworkLogLimit returns the per-session response log bound.
func (b BrowserConfig) GetNetworkLogLimit() int {
	if b.NetworkLogLimit <= 0 {
		return 500
	}
	return b.NetworkLogLimit
}

// Multiplier returns the effective timeout multiplier. An explicit value wins;
// otherwise a truthy CI environment variable selects CIMultiplier.
func (v VerifyConfig) Multiplier() float64 {
	if v.TimeoutMultiplier > 0 {
		return v.TimeoutMultiplier
	}
	if isCI() {
		return CIMultiplier
	}
	return 1
}

func isCI() bool {
	ci := strings.ToLower(strings.TrimSpace(os.Getenv("CI")))
	return ci != "" && ci != "0" && ci != "false"
}

// Scale applies the multiplier to d.
func (v VerifyConfig) Scale(d time.Duration) time.Duration {
	return time.Duration(float64(d) * v.Multiplier())
}

// ScaledRenderTimeout is the render poll bound after scaling, clamped to
// [MinRenderTimeout, MaxRenderTimeout].
func (v VerifyConfig) ScaledRenderTimeout() time.Duration {
	d := v.Scale(parseDuration(v.RenderTimeout, 15*time.Second))
	if d < MinRenderTimeout {
		return MinRenderTimeout
	}
	if d > MaxRenderTimeout {
		return MaxRenderTimeout
	}
	return d
}

// GetPollInterval returns the readiness poll interval (default 500ms).
func (v VerifyConfig) GetPollInterval() time.Duration {
	return parseDuration(v.PollInterval, 500*time.Millisecond)
}

// ScaledModeSwitchTimeout returns the scaled wait bound after a mode toggle.
func (v VerifyConfig) ScaledModeSwitchTimeout() time.Duration {
	return v.Scale(parseDuration(v.ModeSwitchTimeout, 15*time.Second))
}

// GetRecoveryRetries returns the default reload attempt budget.
func (v VerifyConfig) GetRecoveryRetries() int {
	if v.RecoveryRetries <= 0 {
		return 3
	}
	return v.RecoveryRetries
}

// GetCheckpointAttempts returns how often a checkpoint is tried.
func (v VerifyConfig) GetCheckpointAttempts() int {
	if v.CheckpointAttempts <= 0 {
		return 2
	}
	return v.CheckpointAttempts
}

// GetMaxEvents returns the diagnostic event log bound.
func (d DiagnosticsConfig) GetMaxEvents() int {
	if d.MaxEvents <= 0 {
		return 1000
	}
	return d.MaxEvents
}

// GetTimelineLimit returns the report timeline bound.
func (d DiagnosticsConfig) GetTimelineLimit() int {
	if d.TimelineLimit <= 0 {
		return 50
	}
	return d.TimelineLimit
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
