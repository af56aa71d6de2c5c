package config

import (
	"bytes"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/conductor-dev/conductor/internal/util"
)

// Input formats understood by session subprocesses.
const (
	InputStreamJSON = "stream-json"
	InputText       = "text"
)

// Settings is the user-editable settings.toml.
//
// Example:
//
//	skipPermissions = true
//	agentCommand = "claude"
//	httpAddr = "127.0.0.1:7433"
type Settings struct {
	// SkipPermissions starts new sessions without interactive approval.
	SkipPermissions bool `toml:"skipPermissions"`

	// AgentCommand is the coding-agent executable spawned per session.
	AgentCommand string `toml:"agentCommand"`

	// AgentArgs are passed before any permission flag.
	AgentArgs []string `toml:"agentArgs"`

	// InputFormat selects how routed messages are framed on stdin.
	InputFormat string `toml:"inputFormat"`

	// UsePTY runs sessions inside a pseudo-terminal.
	UsePTY bool `toml:"usePTY"`

	// HTTPAddr enables the HTTP/websocket observer API when non-empty.
	HTTPAddr string `toml:"httpAddr"`

	// ScanDepth bounds discover-projects container scans.
	ScanDepth int `toml:"scanDepth"`

	// HookTimeout bounds fire-and-forget hook delivery.
	HookTimeout Duration `toml:"hookTimeout"`

	// JournalRetention is how long activity rows are kept.
	JournalRetention Duration `toml:"journalRetention"`
}

// Duration lets TOML carry values like "1s" or "168h".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults.
const (
	DefaultAgentCommand     = "claude"
	DefaultScanDepth        = 3
	DefaultHookTimeout      = time.Second
	DefaultJournalRetention = 7 * 24 * time.Hour
)

// DefaultSettings returns the settings used when no file exists.
func DefaultSettings() *Settings {
	return &Settings{
		AgentCommand:     DefaultAgentCommand,
		AgentArgs:        []string{"-p", "--input-format", "stream-json", "--output-format", "stream-json", "--verbose"},
		InputFormat:      InputStreamJSON,
		ScanDepth:        DefaultScanDepth,
		HookTimeout:      Duration{DefaultHookTimeout},
		JournalRetention: Duration{DefaultJournalRetention},
	}
}

// LoadSettings reads settings from path, always hitting the disk.
// A missing file yields defaults.
func LoadSettings(path string) (*Settings, error) {
	s := DefaultSettings()
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("reading settings: %w", err)
	}

	if _, err := toml.DecodeFile(path, s); err != nil {
		return nil, fmt.Errorf("parsing settings %s: %w", path, err)
	}
	s.applyDefaults()
	return s, nil
}

// SaveSettings writes settings to path.
func SaveSettings(path string, s *Settings) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(s); err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}
	if err := util.AtomicWriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("writing settings: %w", err)
	}
	return nil
}

func (s *Settings) applyDefaults() {
	if s.AgentCommand == "" {
		s.AgentCommand = DefaultAgentCommand
	}
	if s.InputFormat == "" {
		s.InputFormat = InputStreamJSON
	}
	if s.ScanDepth <= 0 {
		s.ScanDepth = DefaultScanDepth
	}
	if s.HookTimeout.Duration <= 0 {
		s.HookTimeout.Duration = DefaultHookTimeout
	}
	if s.JournalRetention.Duration <= 0 {
		s.JournalRetention.Duration = DefaultJournalRetention
	}
}

// Cache is a per-process read-through cache over settings.toml.
// The daemon invalidates it before every session creation so a flag
// flipped on disk takes effect for the next spawned session.
type Cache struct {
	path string

	mu       sync.Mutex
	settings *Settings
}

// NewCache creates a cache for the settings file at path.
func NewCache(path string) *Cache {
	return &Cache{path: path}
}

// Get returns cached settings, loading them on first use.
func (c *Cache) Get() (*Settings, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.settings != nil {
		return c.settings, nil
	}
	s, err := LoadSettings(c.path)
	if err != nil {
		return nil, err
	}
	c.settings = s
	return s, nil
}

// Invalidate drops the cached value.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.settings = nil
	c.mu.Unlock()
}

// Fresh invalidates and reloads.
func (c *Cache) Fresh() (*Settings, error) {
	c.Invalidate()
	return c.Get()
}
