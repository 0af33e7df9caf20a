package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// WorkspaceDirName is the directory name for project-level GLSnap config.
	WorkspaceDirName = ".glsnap"
	// WorkspaceConfigFile is the config file name inside the workspace directory.
	WorkspaceConfigFile = "config.yaml"
	// MaxSearchDepth limits how many parent directories to walk when discovering a workspace.
	MaxSearchDepth = 10
)

// WorkspaceOptions controls workspace discovery behavior.
type WorkspaceOptions struct {
	// Disable skips workspace discovery entirely (--no-workspace flag).
	Disable bool
	// ExplicitDir uses this directory as workspace root instead of walking up (--workspace-dir flag).
	ExplicitDir string
}

// Config captures all tunable settings for the GLSnap MCP server.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Browser    BrowserConfig    `yaml:"browser"`
	MCP        MCPConfig        `yaml:"mcp"`
	Comparator ComparatorConfig `yaml:"comparator"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	Facts      FactsConfig      `yaml:"facts"`
}

type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	LogFile string `yaml:"log_file"`
	// Directory for JSONL run records (visual tests, notifications).
	RunsDir string `yaml:"runs_dir"`
}

// BrowserConfig configures how we attach to or launch Chrome for Rod.
type BrowserConfig struct {
	// Control endpoint for Rod (e.g., ws://localhost:9222). Required when launch is empty.
	DebuggerURL string `yaml:"debugger_url"`
	// Optional launch command to start Chrome in detached mode (e.g., ["chrome", "--remote-debugging-port=9222"]).
	Launch []string `yaml:"launch"`
	// AutoStart controls whether the MCP server launches/attaches to Chrome at startup.
	AutoStart bool `yaml:"auto_start"`
	// Headless controls whether Chrome runs in headless mode (default: true).
	Headless *bool `yaml:"headless"`
	// Default navigation timeout (e.g., "15s").
	DefaultNavigationTimeout string `yaml:"default_navigation_timeout"`
	// Default timeout when attaching to an existing target (e.g., "10s").
	DefaultAttachTimeout string `yaml:"default_attach_timeout"`
	// Optional path to persist session metadata between server restarts.
	SessionStore string `yaml:"session_store"`
	// Inject the WebGL error probe into every session page (default: true).
	EnableWebGLProbe *bool `yaml:"enable_webgl_probe"`
	// How often the probe's in-page event buffer is drained, in ms (default: 500).
	ProbePollMs int `yaml:"probe_poll_ms"`
	// Fold console.error/warn entries that mention WebGL into the error stream (default: true).
	ConsoleCapture *bool `yaml:"console_capture"`
	// Optional throttle (ms) to sample high-frequency console events.
	EventThrottleMs int `yaml:"event_throttle_ms"`
	// Viewport width for new sessions (default: 1280).
	ViewportWidth int `yaml:"viewport_width"`
	// Viewport height for new sessions (default: 800).
	ViewportHeight int `yaml:"viewport_height"`
}

type MCPConfig struct {
	// When set, starts an SSE server on this port instead of stdio-only.
	SSEPort int `yaml:"sse_port"`
}

// ComparatorConfig tunes screenshot comparison and artifact placement.
type ComparatorConfig struct {
	// Mismatch tolerance as a percentage of differing pixels (default: 0.1).
	Threshold *float64 `yaml:"threshold"`
	// Per-channel delta a pixel must exceed to count as changed, in 8-bit units (default: 5).
	NoiseDelta *int `yaml:"noise_delta"`
	// Directory for named baseline images.
	BaselineDir string `yaml:"baseline_dir"`
	// Directory for generated diff artifacts.
	DiffDir string `yaml:"diff_dir"`
}

// AggregatorConfig sets the default error-collection windows per session.
// Each start-error-collection call may override these.
type AggregatorConfig struct {
	BatchIntervalMs      int `yaml:"batch_interval_ms"`
	MaxBatchSize         int `yaml:"max_batch_size"`
	CollectionDurationMs int `yaml:"collection_duration_ms"`
	MaxErrorsBeforeStop  int `yaml:"max_errors_before_stop"`
}

// FactsConfig controls the embedded deductive engine.
type FactsConfig struct {
	Enable          bool   `yaml:"enable"`
	SchemaPath      string `yaml:"schema_path"`
	DisableBuiltin  bool   `yaml:"disable_builtin_rules"`
	FactBufferLimit int    `yaml:"fact_buffer_limit"`
}

// DefaultConfig provides reasonable defaults for local development.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Name:    "glsnap-mcp",
			Version: "0.0.3",
			LogFile: "glsnap-mcp.log",
			RunsDir: "data/runs",
		},
		Browser: BrowserConfig{
			AutoStart:                true,
			DefaultNavigationTimeout: "15s",
			DefaultAttachTimeout:     "10s",
			SessionStore:             "sessions.json",
			ProbePollMs:              500,
			EventThrottleMs:          0,
			ViewportWidth:            1280,
			ViewportHeight:           800,
		},
		MCP: MCPConfig{
			SSEPort: 0,
		},
		Comparator: ComparatorConfig{
			BaselineDir: "data/baselines",
			DiffDir:     "data/diffs",
		},
		Aggregator: AggregatorConfig{
			BatchIntervalMs:      1000,
			MaxBatchSize:         50,
			CollectionDurationMs: 10000,
			MaxErrorsBeforeStop:  1000,
		},
		Facts: FactsConfig{
			Enable:          true,
			SchemaPath:      "schemas/webgl.mg",
			FactBufferLimit: 2048,
		},
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

// DiscoverWorkspace walks up from startDir looking for a .glsnap/config.yaml file.
// Returns the workspace root directory (parent of .glsnap/) or empty string if not found.
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
			// Reached filesystem root
			break
		}
		dir = parent
	}

	return "", nil
}

// LoadWithWorkspace implements multi-layer config merge:
//
//	DefaultConfig() <- .glsnap/config.yaml <- explicit --config <- CLI flags
//
// Returns the merged config and the workspace directory (empty if none found).
func LoadWithWorkspace(explicitConfig string, opts WorkspaceOptions) (Config, string, error) {
	cfg := DefaultConfig()
	wsDir := ""

	// Layer 1: Workspace config (if not disabled)
	if !opts.Disable {
		var err error
		if opts.ExplicitDir != "" {
			// Verify the explicit workspace dir has a config
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

	// Layer 2: Explicit config file (--config flag)
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

// InitWorkspace creates a .glsnap/ directory with template files at root.
func InitWorkspace(root string) error {
	wsDir := filepath.Join(root, WorkspaceDirName)

	// Check if already exists
	if _, err := os.Stat(wsDir); err == nil {
		return fmt.Errorf("workspace directory already exists: %s", wsDir)
	}

	// Create directory structure
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

	// Write template config
	templateConfig := `# GLSnap project-level configuration
# Values here override defaults but are overridden by --config and CLI flags.

# comparator:
#   threshold: 0.1
#   baseline_dir: ".glsnap/data/baselines"
#   diff_dir: ".glsnap/data/diffs"

# aggregator:
#   batch_interval_ms: 1000
#   collection_duration_ms: 10000

# browser:
#   headless: false
#   viewport_width: 1280
#   viewport_height: 720
`
	configPath := filepath.Join(wsDir, WorkspaceConfigFile)
	if err := os.WriteFile(configPath, []byte(templateConfig), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	// Write .gitignore for data directory
	gitignoreContent := "# Runtime data (logs, sessions, diffs) - do not version control\ndata/\n"
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
	cfg.Server.RunsDir = resolve(cfg.Server.RunsDir)
	cfg.Browser.SessionStore = resolve(cfg.Browser.SessionStore)
	cfg.Comparator.BaselineDir = resolve(cfg.Comparator.BaselineDir)
	cfg.Comparator.DiffDir = resolve(cfg.Comparator.DiffDir)
	cfg.Facts.SchemaPath = resolve(cfg.Facts.SchemaPath)
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
	if t := c.Comparator.Threshold; t != nil && (*t < 0 || *t > 100) {
		return fmt.Errorf("comparator.threshold must be between 0 and 100, got %v", *t)
	}
	if n := c.Comparator.NoiseDelta; n != nil && (*n < 0 || *n > 255) {
		return fmt.Errorf("comparator.noise_delta must be between 0 and 255, got %d", *n)
	}
	return nil
}

// NavigationTimeout returns the parsed navigation timeout with a sane default.
func (b BrowserConfig) NavigationTimeout() time.Duration {
	if b.DefaultNavigationTimeout == "" {
		return 15 * time.Second
	}
	d, err := time.ParseDuration(b.DefaultNavigationTimeout)
	if err != nil {
		return 15 * time.Second
	}
	return d
}

// AttachTimeout returns the parsed attach timeout with a sane default.
func (b BrowserConfig) AttachTimeout() time.Duration {
	if b.DefaultAttachTimeout == "" {
		return 10 * time.Second
	}
	d, err := time.ParseDuration(b.DefaultAttachTimeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// IsHeadless returns whether Chrome should run in headless mode (default: true).
func (b BrowserConfig) IsHeadless() bool {
	if b.Headless == nil {
		return true // default to headless
	}
	return *b.Headless
}

// ProbeEnabled returns whether the WebGL probe is injected into session pages (default: true).
func (b BrowserConfig) ProbeEnabled() bool {
	if b.EnableWebGLProbe == nil {
		return true
	}
	return *b.EnableWebGLProbe
}

// ConsoleCaptureEnabled returns whether WebGL console entries are ingested (default: true).
func (b BrowserConfig) ConsoleCaptureEnabled() bool {
	if b.ConsoleCapture == nil {
		return true
	}
	return *b.ConsoleCapture
}

// ProbePollInterval returns how often the in-page event buffer is drained.
func (b BrowserConfig) ProbePollInterval() time.Duration {
	if b.ProbePollMs <= 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(b.ProbePollMs) * time.Millisecond
}

// GetViewportWidth returns the viewport width with a sane default.
func (b BrowserConfig) GetViewportWidth() int {
	if b.ViewportWidth <= 0 {
		return 1280
	}
	return b.ViewportWidth
}

// GetViewportHeight returns the viewport height with a sane default.
func (b BrowserConfig) GetViewportHeight() int {
	if b.ViewportHeight <= 0 {
		return 800
	}
	return b.ViewportHeight
}

// GetThreshold returns the mismatch tolerance percentage (default: 0.1).
func (c ComparatorConfig) GetThreshold() float64 {
	if c.Threshold == nil {
		return 0.1
	}
	return *c.Threshold
}

// GetNoiseDelta returns the per-channel noise floor in 8-bit units (default: 5).
func (c ComparatorConfig) GetNoiseDelta() int {
	if c.NoiseDelta == nil {
		return 5
	}
	return *c.NoiseDelta
}

// BatchInterval returns the flush cadence, clamped to a 100ms floor.
func (a AggregatorConfig) BatchInterval() time.Duration {
	ms := a.BatchIntervalMs
	if ms <= 0 {
		ms = 1000
	}
	if ms < 100 {
		ms = 100
	}
	return time.Duration(ms) * time.Millisecond
}

// GetMaxBatchSize returns the group-count flush trigger, clamped to at least 1.
func (a AggregatorConfig) GetMaxBatchSize() int {
	if a.MaxBatchSize <= 0 {
		return 50
	}
	return a.MaxBatchSize
}

// CollectionDuration returns how long a collection session runs before auto-stop.
func (a AggregatorConfig) CollectionDuration() time.Duration {
	if a.CollectionDurationMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(a.CollectionDurationMs) * time.Millisecond
}

// GetMaxErrorsBeforeStop returns the total-weight circuit breaker.
func (a AggregatorConfig) GetMaxErrorsBeforeStop() int {
	if a.MaxErrorsBeforeStop <= 0 {
		return 1000
	}
	return a.MaxErrorsBeforeStop
}
