// Package config loads the user configuration from
// ~/.agent-fleet/config.toml.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	dark "github.com/thiagokokada/dark-mode-go"

	"github.com/asheshgoplani/agent-fleet/internal/git"
	"github.com/asheshgoplani/agent-fleet/internal/logging"
	"github.com/asheshgoplani/agent-fleet/internal/status"
)

const (
	// FileName is the config file inside the base directory.
	FileName = "config.toml"

	// DirName is the base directory under $HOME.
	DirName = ".agent-fleet"

	// EnvHome overrides the base directory.
	EnvHome = "AGENT_FLEET_HOME"

	// EnvProfile selects the profile when no flag is given.
	EnvProfile = "AGENT_FLEET_PROFILE"

	// DefaultProfile is used when nothing else selects one.
	DefaultProfile = "default"
)

// Duration is a time.Duration written as "2s" in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the whole user configuration.
type Config struct {
	DefaultProfile string `toml:"default_profile"`

	// Theme is "dark", "light" or "system".
	Theme string `toml:"theme"`

	Poller   PollerSettings     `toml:"poller"`
	Backend  BackendSettings    `toml:"backend"`
	Sandbox  SandboxSettings    `toml:"sandbox"`
	Tmux     TmuxSettings       `toml:"tmux"`
	Tools    map[string]ToolDef `toml:"tools"`
	Logs     LogSettings        `toml:"logs"`
	Web      WebSettings        `toml:"web"`
	Worktree WorktreeSettings   `toml:"worktree"`
}

// PollerSettings tunes the status scheduler.
type PollerSettings struct {
	Interval       Duration `toml:"interval"`
	CaptureTimeout Duration `toml:"capture_timeout"`
	MaxBackoff     Duration `toml:"max_backoff"`
	TailLines      int      `toml:"tail_lines"`
	DebounceCycles int      `toml:"debounce_cycles"`
	Concurrency    int      `toml:"concurrency"`
}

// BackendSettings picks the default backend for new sessions.
type BackendSettings struct {
	Default string `toml:"default"`

	// StartOnAttach starts a stopped session on attach. Default true.
	StartOnAttach *bool `toml:"start_on_attach"`
}

// SandboxSettings configures the docker backend.
type SandboxSettings struct {
	Image        string            `toml:"image"`
	CPULimit     string            `toml:"cpu_limit"`
	MemoryLimit  string            `toml:"memory_limit"`
	Environment  map[string]string `toml:"environment"`
	ExtraVolumes map[string]string `toml:"extra_volumes"`
}

// TmuxSettings are passed to set-option on every new session.
//
//	[tmux]
//	options = { "history-limit" = "50000" }
type TmuxSettings struct {
	Options map[string]string `toml:"options"`
}

// ToolDef customises one tool. Non-nil pattern lists replace the built-in
// ones; *_extra lists are appended.
type ToolDef struct {
	Command string `toml:"command"`

	BusyPatterns       []string `toml:"busy_patterns"`
	PermissionPatterns []string `toml:"permission_patterns"`
	QuestionPatterns   []string `toml:"question_patterns"`
	PromptPatterns     []string `toml:"prompt_patterns"`
	SpinnerChars       []string `toml:"spinner_chars"`

	BusyPatternsExtra       []string `toml:"busy_patterns_extra"`
	PermissionPatternsExtra []string `toml:"permission_patterns_extra"`
	QuestionPatternsExtra   []string `toml:"question_patterns_extra"`
	PromptPatternsExtra     []string `toml:"prompt_patterns_extra"`
	SpinnerCharsExtra       []string `toml:"spinner_chars_extra"`

	// Priority orders the states checked, e.g.
	// ["waiting_permission", "waiting_question", "running", "idle"].
	Priority []string `toml:"priority"`
}

// LogSettings map onto logging.Config.
type LogSettings struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
	Compress   *bool  `toml:"compress"`
	Debug      bool   `toml:"debug"`
	Pprof      bool   `toml:"pprof"`
}

// WebSettings configures the HTTP status surface.
type WebSettings struct {
	Listen string `toml:"listen"`
	Token  string `toml:"token"`

	// Push sends a web push notification when a session starts waiting.
	// Default true; it only has an effect once VAPID keys exist.
	Push *bool `toml:"push"`

	VAPIDPublicKey  string `toml:"vapid_public_key"`
	VAPIDPrivateKey string `toml:"vapid_private_key"`
	VAPIDSubject    string `toml:"vapid_subject"`
}

// WorktreeSettings places the git worktrees of `add --worktree`. The
// template understands {repo-name}, {repo-root}, {branch} and {session-id};
// relative paths start at the repo root.
type WorktreeSettings struct {
	PathTemplate string `toml:"path_template"`
}

// Default returns a config with every default applied.
func Default() *Config {
	c := &Config{
		DefaultProfile: DefaultProfile,
		Theme:          "dark",
		Poller: PollerSettings{
			Interval:       Duration{2 * time.Second},
			CaptureTimeout: Duration{3 * time.Second},
			MaxBackoff:     Duration{30 * time.Second},
			TailLines:      status.DefaultTailLines,
			DebounceCycles: 1,
			Concurrency:    8,
		},
		Backend:  BackendSettings{Default: "tmux"},
		Sandbox:  SandboxSettings{Image: "agent-fleet-sandbox:latest"},
		Tools:    make(map[string]ToolDef),
		Web:      WebSettings{Listen: "127.0.0.1:8420"},
		Worktree: WorktreeSettings{PathTemplate: git.DefaultPathTemplate},
	}
	return c
}

// normalize replaces out-of-range values with their defaults.
func (c *Config) normalize() {
	d := Default()
	if c.DefaultProfile == "" {
		c.DefaultProfile = d.DefaultProfile
	}
	switch c.Theme {
	case "dark", "light", "system":
	default:
		c.Theme = d.Theme
	}
	if strings.TrimSpace(c.Worktree.PathTemplate) == "" {
		c.Worktree.PathTemplate = d.Worktree.PathTemplate
	}
	p := &c.Poller
	if p.Interval.Duration <= 0 {
		p.Interval = d.Poller.Interval
	}
	if p.CaptureTimeout.Duration <= 0 {
		p.CaptureTimeout = d.Poller.CaptureTimeout
	}
	if p.MaxBackoff.Duration <= 0 {
		p.MaxBackoff = d.Poller.MaxBackoff
	}
	if p.MaxBackoff.Duration < p.Interval.Duration {
		p.MaxBackoff = p.Interval
	}
	if p.TailLines <= 0 {
		p.TailLines = d.Poller.TailLines
	}
	if p.DebounceCycles < 0 {
		p.DebounceCycles = 0
	}
	if p.Concurrency <= 0 {
		p.Concurrency = d.Poller.Concurrency
	}
	if c.Backend.Default == "" {
		c.Backend.Default = d.Backend.Default
	}
	if c.Sandbox.Image == "" {
		c.Sandbox.Image = d.Sandbox.Image
	}
	if c.Tools == nil {
		c.Tools = make(map[string]ToolDef)
	}
	if c.Web.Listen == "" {
		c.Web.Listen = d.Web.Listen
	}
}

// StartOnAttach reports whether attach may start a stopped session.
func (c *Config) StartOnAttach() bool {
	return c.Backend.StartOnAttach == nil || *c.Backend.StartOnAttach
}

// PushEnabled reports whether web push is switched on.
func (c *Config) PushEnabled() bool {
	return c.Web.Push == nil || *c.Web.Push
}

// ToolCommand is the command a new session of tool runs.
func (c *Config) ToolCommand(tool status.Tool) string {
	if def, ok := c.Tools[string(tool)]; ok && def.Command != "" {
		return def.Command
	}
	return tool.DefaultCommand()
}

// ToolPatterns merges the built-in patterns of tool with the user's
// overrides and extras.
func (c *Config) ToolPatterns(tool status.Tool) *status.RawPatterns {
	defaults := status.DefaultRawPatterns(tool)
	def, ok := c.Tools[string(tool)]
	if !ok {
		return defaults
	}
	overrides := &status.RawPatterns{
		BusyPatterns:       def.BusyPatterns,
		PermissionPatterns: def.PermissionPatterns,
		QuestionPatterns:   def.QuestionPatterns,
		PromptPatterns:     def.PromptPatterns,
		SpinnerChars:       def.SpinnerChars,
		Priority:           def.Priority,
	}
	extras := &status.RawPatterns{
		BusyPatterns:       def.BusyPatternsExtra,
		PermissionPatterns: def.PermissionPatternsExtra,
		QuestionPatterns:   def.QuestionPatternsExtra,
		PromptPatterns:     def.PromptPatternsExtra,
		SpinnerChars:       def.SpinnerCharsExtra,
	}
	return status.MergeRawPatterns(defaults, overrides, extras)
}

// LoggingConfig maps the [logs] section for logging.Init.
func (c *Config) LoggingConfig(dir string) logging.Config {
	compress := true
	if c.Logs.Compress != nil {
		compress = *c.Logs.Compress
	}
	return logging.Config{
		LogDir:       dir,
		Level:        c.Logs.Level,
		Format:       c.Logs.Format,
		MaxSizeMB:    c.Logs.MaxSizeMB,
		MaxBackups:   c.Logs.MaxBackups,
		MaxAgeDays:   c.Logs.MaxAgeDays,
		Compress:     compress,
		PprofEnabled: c.Logs.Pprof,
		Debug:        c.Logs.Debug,
	}
}

// ResolveTheme returns "dark" or "light", asking the OS when the theme is
// "system".
func (c *Config) ResolveTheme() string {
	if c.Theme != "system" {
		return c.Theme
	}
	isDark, err := dark.IsDarkMode()
	if err != nil || isDark {
		return "dark"
	}
	return "light"
}

// ResolveProfile picks the active profile: flag, then $AGENT_FLEET_PROFILE,
// then the config default.
func (c *Config) ResolveProfile(flag string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv(EnvProfile); env != "" {
		return env
	}
	if c != nil && c.DefaultProfile != "" {
		return c.DefaultProfile
	}
	return DefaultProfile
}

// Dir returns the base directory, honouring $AGENT_FLEET_HOME.
func Dir() (string, error) {
	if d := os.Getenv(EnvHome); d != "" {
		return d, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, DirName), nil
}

// Path returns the config file path.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, FileName), nil
}

// Load reads path. A missing file yields the defaults. Keys absent from
// the file keep their default values.
func Load(path string) (*Config, error) {
	c := Default()
	if _, err := toml.DecodeFile(path, c); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Default(), nil
		}
		return Default(), fmt.Errorf("%s parse error: %w", filepath.Base(path), err)
	}
	c.normalize()
	return c, nil
}

var (
	cacheMu sync.RWMutex
	cached  *Config
)

// Get returns the cached config, loading it on first use. On a parse
// error the defaults are cached and the error is returned once.
func Get() (*Config, error) {
	cacheMu.RLock()
	if cached != nil {
		defer cacheMu.RUnlock()
		return cached, nil
	}
	cacheMu.RUnlock()

	cacheMu.Lock()
	defer cacheMu.Unlock()
	if cached != nil {
		return cached, nil
	}
	path, err := Path()
	if err != nil {
		cached = Default()
		return cached, nil
	}
	c, err := Load(path)
	cached = c
	return c, err
}

// Reload drops the cache and loads again.
func Reload() (*Config, error) {
	ClearCache()
	return Get()
}

// ClearCache forgets the cached config.
func ClearCache() {
	cacheMu.Lock()
	cached = nil
	cacheMu.Unlock()
}

// Save writes c to path atomically: temp file, fsync, rename.
func Save(path string, c *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString("# agent-fleet configuration\n\n")
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	_ = f.Sync()
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to finalize config save: %w", err)
	}
	ClearCache()
	return nil
}
