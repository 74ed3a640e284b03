// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// LLMEndpoint represents one LLM provider in the fallback chain
type LLMEndpoint struct {
	URL       string `yaml:"url"`
	Model     string `yaml:"model"`
	APIKeyEnv string `yaml:"api_key_env"` // env var name for API key
	APIKey    string `yaml:"-"`           // resolved at load time
}

// Config holds the full application configuration
type Config struct {
	// Capture
	CaptureMode   string `yaml:"capture_mode"` // "proxy" or "sniffer"
	Mode          string `yaml:"mode"`         // preset: standard, extended, lab, custom
	PortRange     string `yaml:"port_range"`   // "2000-2004" or "2000,2001,2002"
	AutoDetect    bool   `yaml:"auto_detect"`
	TargetHost    string `yaml:"target_host"`
	ProxyOffset   int    `yaml:"proxy_offset"`
	LoopbackIface string `yaml:"loopback_iface"`

	// Normalizer tuning
	MinStutterLen int `yaml:"min_stutter_len"`
	MinDoubledRun int `yaml:"min_doubled_run"`

	// Log files and watching
	LogDir       string        `yaml:"log_dir"`
	PollInterval time.Duration `yaml:"poll_interval"`

	// Detection
	ContextLines int           `yaml:"context_lines"`
	DedupTTL     time.Duration `yaml:"dedup_ttl"`

	// Server and persistence
	ListenAddr string `yaml:"listen_addr"`
	DBPath     string `yaml:"db_path"`

	// AI analysis
	LLMEndpoints []LLMEndpoint `yaml:"llm_endpoints"` // fallback chain
	LLMRetries   int           `yaml:"llm_retries"`

	// Process log rotation (empty = stderr only)
	AppLogFile string `yaml:"app_log_file"`
}

// Mode presets map preset names to port ranges and auto-detect defaults.
var modePresets = map[string]struct {
	portRange  string
	autoDetect bool
}{
	"standard": {"2000-2004", true},
	"extended": {"2000-2010", true},
	"lab":      {"2000-2020", true},
	"custom":   {"2000-2004", false},
}

// Default returns configuration with sensible defaults
func Default() *Config {
	return &Config{
		CaptureMode:   "proxy",
		Mode:          "standard",
		PortRange:     "2000-2004",
		AutoDetect:    true,
		TargetHost:    "127.0.0.1",
		ProxyOffset:   1000,
		LoopbackIface: "lo",
		MinStutterLen: 2,
		MinDoubledRun: 4,
		LogDir:        "data/logs",
		PollInterval:  500 * time.Millisecond,
		ContextLines:  30,
		DedupTTL:      5 * time.Minute,
		ListenAddr:    "127.0.0.1:8000",
		DBPath:        "data/aiden.db",
		LLMRetries:    3,
	}
}

// Load reads config from a YAML file (optional), applies .env and environment
// overrides, and validates the result. An empty path loads defaults plus env.
func Load(path string) (*Config, error) {
	// .env is optional; ignore absence but not parse failures
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		if _, statErr := os.Stat(".env"); statErr == nil {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	}

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)

	// Preset supplies the port range unless the user set one explicitly
	if preset, ok := modePresets[cfg.Mode]; ok {
		if cfg.PortRange == Default().PortRange && cfg.Mode != "standard" {
			cfg.PortRange = preset.portRange
		}
		if cfg.Mode == "custom" {
			cfg.AutoDetect = preset.autoDetect
		}
	} else if cfg.Mode != "" {
		return nil, fmt.Errorf("unknown mode %q (want standard, extended, lab or custom)", cfg.Mode)
	}

	// Resolve LLM API keys from the environment
	for i := range cfg.LLMEndpoints {
		if cfg.LLMEndpoints[i].APIKeyEnv != "" {
			cfg.LLMEndpoints[i].APIKey = os.Getenv(cfg.LLMEndpoints[i].APIKeyEnv)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("AIDEN_CAPTURE_MODE"); v != "" {
		cfg.CaptureMode = v
	}
	if v := os.Getenv("AIDEN_MODE"); v != "" {
		cfg.Mode = v
	}
	if v := os.Getenv("AIDEN_PORT_RANGE"); v != "" {
		cfg.PortRange = v
	}
	if v := os.Getenv("AIDEN_AUTO_DETECT"); v != "" {
		cfg.AutoDetect = v == "true" || v == "1"
	}
	if v := os.Getenv("AIDEN_TARGET_HOST"); v != "" {
		cfg.TargetHost = v
	}
	if v := os.Getenv("AIDEN_PROXY_OFFSET"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ProxyOffset = n
		}
	}
	if v := os.Getenv("AIDEN_LOOPBACK_IFACE"); v != "" {
		cfg.LoopbackIface = v
	}
	if v := os.Getenv("AIDEN_LOG_DIR"); v != "" {
		cfg.LogDir = v
	}
	if v := os.Getenv("AIDEN_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("AIDEN_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("AIDEN_CONTEXT_LINES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ContextLines = n
		}
	}
	if v := os.Getenv("AIDEN_DEDUP_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.DedupTTL = d
		}
	}
	if v := os.Getenv("AIDEN_LLM_URL"); v != "" {
		cfg.LLMEndpoints = append([]LLMEndpoint{{
			URL:    v,
			Model:  os.Getenv("AIDEN_LLM_MODEL"),
			APIKey: os.Getenv("AIDEN_LLM_API_KEY"),
		}}, cfg.LLMEndpoints...)
	}
}

// Validate checks invariants that would otherwise fail at startup
func (c *Config) Validate() error {
	if c.CaptureMode != "proxy" && c.CaptureMode != "sniffer" && c.CaptureMode != "none" {
		return fmt.Errorf("capture_mode must be proxy, sniffer or none, got %q", c.CaptureMode)
	}
	if _, err := ParsePortRange(c.PortRange); err != nil {
		return fmt.Errorf("port_range: %w", err)
	}
	if c.ContextLines < 0 {
		return fmt.Errorf("context_lines must be >= 0, got %d", c.ContextLines)
	}
	if c.DedupTTL <= 0 {
		return fmt.Errorf("dedup_ttl must be positive, got %s", c.DedupTTL)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval)
	}
	return nil
}

// ConsolePorts returns the parsed set of console ports, sorted ascending
func (c *Config) ConsolePorts() ([]int, error) {
	return ParsePortRange(c.PortRange)
}

// ParsePortRange parses "2000-2004", "2000,2001" or a mix of both
func ParsePortRange(s string) ([]int, error) {
	seen := make(map[int]bool)
	var ports []int
	add := func(p int) {
		if p > 0 && p < 65536 && !seen[p] {
			seen[p] = true
			ports = append(ports, p)
		}
	}

	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			start, err1 := strconv.Atoi(strings.TrimSpace(lo))
			end, err2 := strconv.Atoi(strings.TrimSpace(hi))
			if err1 != nil || err2 != nil || start > end {
				return nil, fmt.Errorf("bad range %q", part)
			}
			for p := start; p <= end; p++ {
				add(p)
			}
		} else {
			p, err := strconv.Atoi(part)
			if err != nil {
				return nil, fmt.Errorf("bad port %q", part)
			}
			add(p)
		}
	}

	if len(ports) == 0 {
		return nil, fmt.Errorf("no ports in %q", s)
	}
	sort.Ints(ports)
	return ports, nil
}
