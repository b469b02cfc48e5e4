package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Name != "viewguard-mcp" {
		t.Errorf("expected server name 'viewguard-mcp', got %q", cfg.Server.Name)
	}
	if cfg.Server.LogFile != "viewguard-mcp.log" {
		t.Errorf("expected log file 'viewguard-mcp.log', got %q", cfg.Server.LogFile)
	}

	if !cfg.Browser.AutoStart {
		t.Error("expected AutoStart to be true")
	}
	if cfg.Browser.Stealth {
		t.Error("expected Stealth to be false by default")
	}
	if cfg.Browser.NetworkLogLimit != 500 {
		t.Errorf("expected network log limit 500, got %d", cfg.Browser.NetworkLogLimit)
	}

	if cfg.Verify.RecoveryRetries != 3 {
		t.Errorf("expected 3 recovery retries, got %d", cfg.Verify.RecoveryRetries)
	}
	if cfg.Verify.CheckpointAttempts != 2 {
		t.Errorf("expected 2 checkpoint attempts, got %d", cfg.Verify.CheckpointAttempts)
	}
	if cfg.Verify.PollInterval != "500ms" {
		t.Errorf("expected poll interval '500ms', got %q", cfg.Verify.PollInterval)
	}

	if cfg.Diagnostics.MaxEvents != 1000 {
		t.Errorf("expected max events 1000, got %d", cfg.Diagnostics.MaxEvents)
	}
	if cfg.Diagnostics.CaptureWarnings || cfg.Diagnostics.CaptureLogs {
		t.Error("expected warning and log capture to be off by default")
	}

	if cfg.Profile.StaticMarkerMin != 15 || cfg.Profile.DynamicMarkerMax != 5 {
		t.Errorf("unexpected marker thresholds: %d/%d", cfg.Profile.StaticMarkerMin, cfg.Profile.DynamicMarkerMax)
	}
	if cfg.Profile.LabelSemantics != "names_target" {
		t.Errorf("expected names_target label semantics, got %q", cfg.Profile.LabelSemantics)
	}

	if !cfg.Mangle.Enable {
		t.Error("expected Mangle.Enable to be true")
	}
	if !cfg.Trace.Enable {
		t.Error("expected Trace.Enable to be true")
	}
}

func TestDefaultConfigValidatesWithoutAutoStart(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Browser.AutoStart = false
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadEmptyPath(t *testing.T) {
	_, err := Load("")
	if err == nil {
		t.Fatal("expected error for empty path")
	}
	if err.Error() != "config path is required" {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoadNonExistentFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("expected error for non-existent file")
	}
}

func TestLoadValidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  name: "test-server"
  version: "1.0.0"
  log_file: "test.log"

browser:
  debugger_url: "ws://localhost:9222"
  auto_start: true
  stealth: true
  viewport_width: 1280

verify:
  base_url: "http://localhost:4200/"
  timeout_multiplier: 2
  recovery_retries: 5

diagnostics:
  capture_warnings: true
  extra_whitelist:
    - "ResizeObserver loop"

profile:
  marker_selector: ".marker"
  static_marker_min: 20
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Server.Name != "test-server" {
		t.Errorf("expected server name 'test-server', got %q", cfg.Server.Name)
	}
	if !cfg.Browser.Stealth {
		t.Error("expected stealth to be enabled")
	}
	if cfg.Verify.BaseURL != "http://localhost:4200/" {
		t.Errorf("unexpected base url %q", cfg.Verify.BaseURL)
	}
	if cfg.Verify.Multiplier() != 2 {
		t.Errorf("expected multiplier 2, got %v", cfg.Verify.Multiplier())
	}
	if cfg.Verify.GetRecoveryRetries() != 5 {
		t.Errorf("expected 5 retries, got %d", cfg.Verify.GetRecoveryRetries())
	}
	if !cfg.Diagnostics.CaptureWarnings || len(cfg.Diagnostics.ExtraWhitelist) != 1 {
		t.Errorf("diagnostics not loaded: %+v", cfg.Diagnostics)
	}
	if cfg.Profile.MarkerSelector != ".marker" || cfg.Profile.StaticMarkerMin != 20 {
		t.Errorf("profile overrides not applied: %+v", cfg.Profile)
	}
	// Untouched profile fields keep their defaults.
	if cfg.Profile.ModeToggleName != DefaultProfile().ModeToggleName {
		t.Errorf("expected default mode toggle, got %q", cfg.Profile.ModeToggleName)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	if err := os.WriteFile(configPath, []byte("invalid: yaml: content:"), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	_, err := Load(configPath)
	if err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
		errMsg  string
	}{
		{
			name:    "empty server name",
			cfg:     Config{Server: ServerConfig{Name: ""}},
			wantErr: true,
			errMsg:  "server.name is required",
		},
		{
			name: "auto_start without debugger_url or launch",
			cfg: Config{
				Server:  ServerConfig{Name: "test"},
				Browser: BrowserConfig{AutoStart: true},
			},
			wantErr: true,
			errMsg:  "browser.debugger_url or browser.launch must be provided",
		},
		{
			name: "auto_start with launch",
			cfg: Config{
				Server:  ServerConfig{Name: "test"},
				Browser: BrowserConfig{AutoStart: true, Launch: []string{"chrome"}},
			},
			wantErr: false,
		},
		{
			name: "negative multiplier",
			cfg: Config{
				Server: ServerConfig{Name: "test"},
				Verify: VerifyConfig{TimeoutMultiplier: -1},
			},
			wantErr: true,
			errMsg:  "verify.timeout_multiplier must not be negative",
		},
		{
			name: "unknown label semantics",
			cfg: Config{
				Server:  ServerConfig{Name: "test"},
				Profile: ProfileConfig{LabelSemantics: "sideways"},
			},
			wantErr: true,
			errMsg:  `profile.label_semantics: unknown value "sideways"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				if err == nil {
					t.Error("expected error but got nil")
				} else if err.Error() != tt.errMsg {
					t.Errorf("expected error %q, got %q", tt.errMsg, err.Error())
				}
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidateRejectsBadPatterns(t *testing.T) {
	cfg := Config{Server: ServerConfig{Name: "test"}, Profile: ProfileConfig{RenderName: "("}}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for invalid profile regex")
	}

	cfg = Config{Server: ServerConfig{Name: "test"}, Diagnostics: DiagnosticsConfig{ExtraCritical: []string{"[bad"}}}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for invalid diagnostics regex")
	}
}

func TestNavigationTimeout(t *testing.T) {
	tests := []struct {
		name     string
		timeout  string
		expected time.Duration
	}{
		{"empty string", "", 30 * time.Second},
		{"valid duration", "20s", 20 * time.Second},
		{"invalid duration", "invalid", 30 * time.Second},
		{"milliseconds", "500ms", 500 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := BrowserConfig{DefaultNavigationTimeout: tt.timeout}
			if got := cfg.NavigationTimeout(); got != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestIsHeadless(t *testing.T) {
	t.Run("nil headless defaults to true", func(t *testing.T) {
		cfg := BrowserConfig{Headless: nil}
		if !cfg.IsHeadless() {
			t.Error("expected true when Headless is nil")
		}
	})

	t.Run("explicit false", func(t *testing.T) {
		val := false
		cfg := BrowserConfig{Headless: &val}
		if cfg.IsHeadless() {
			t.Error("expected false when Headless is false")
		}
	})
}

func TestGetViewport(t *testing.T) {
	cfg := BrowserConfig{}
	if cfg.GetViewportWidth() != 1920 || cfg.GetViewportHeight() != 1080 {
		t.Errorf("unexpected default viewport %dx%d", cfg.GetViewportWidth(), cfg.GetViewportHeight())
	}
	cfg = BrowserConfig{ViewportWidth: 1280, ViewportHeight: 720}
	if cfg.GetViewportWidth() != 1280 || cfg.GetViewportHeight() != 720 {
		t.Errorf("unexpected custom viewport %dx%d", cfg.GetViewportWidth(), cfg.GetViewportHeight())
	}
}

func TestMultiplier(t *testing.T) {
	tests := []struct {
		name     string
		explicit float64
		ci       string
		expected float64
	}{
		{"local default", 0, "", 1},
		{"ci detected", 0, "true", CIMultiplier},
		{"ci false", 0, "false", 1},
		{"explicit wins over ci", 2, "1", 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CI", tt.ci)
			v := VerifyConfig{TimeoutMultiplier: tt.explicit}
			if got := v.Multiplier(); got != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestScaledRenderTimeoutClamp(t *testing.T) {
	t.Setenv("CI", "")
	tests := []struct {
		name       string
		timeout    string
		multiplier float64
		expected   time.Duration
	}{
		{"default", "", 1, 15 * time.Second},
		{"clamped low", "2s", 1, MinRenderTimeout},
		{"clamped high", "30s", 4, MaxRenderTimeout},
		{"scaled within range", "10s", 2, 20 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := VerifyConfig{RenderTimeout: tt.timeout, TimeoutMultiplier: tt.multiplier}
			if got := v.ScaledRenderTimeout(); got != tt.expected {
				t.Errorf("expected %v, got %v", tt.expected, got)
			}
		})
	}
}

func TestVerifyDefaults(t *testing.T) {
	v := VerifyConfig{}
	if v.GetPollInterval() != 500*time.Millisecond {
		t.Errorf("expected 500ms poll interval, got %v", v.GetPollInterval())
	}
	if v.GetRecoveryRetries() != 3 {
		t.Errorf("expected 3 retries, got %d", v.GetRecoveryRetries())
	}
	if v.GetCheckpointAttempts() != 2 {
		t.Errorf("expected 2 attempts, got %d", v.GetCheckpointAttempts())
	}

	d := DiagnosticsConfig{}
	if d.GetMaxEvents() != 1000 || d.GetTimelineLimit() != 50 {
		t.Errorf("unexpected diagnostics defaults %d/%d", d.GetMaxEvents(), d.GetTimelineLimit())
	}
}
