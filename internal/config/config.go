// Package config loads, validates, and merges Kingdom project settings.
//
// Project settings live in .kd/config.json with a strictly enumerated key
// set; unknown keys fail validation. Operator-level defaults may be placed
// in ~/.config/kd/config.toml and are merged underneath the project file
// (project values win).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/kingdom-dev/kingdom/internal/kderr"
)

// DefaultTimeout is the per-query council timeout in seconds.
const DefaultTimeout = 300

// Phases enumerates the per-agent prompt phases.
var Phases = []string{"ask", "design", "review", "work"}

// ChatModes enumerates valid council.chat.mode values.
var ChatModes = []string{"broadcast", "sequential"}

// Member is one configured council member.
type Member struct {
	Name    string            `json:"name" toml:"name"`
	Backend string            `json:"backend" toml:"backend"`
	Session string            `json:"session,omitempty" toml:"session"`
	Prompts map[string]string `json:"prompts,omitempty" toml:"prompts"`
}

// ChatConfig holds chat auto-turn settings.
type ChatConfig struct {
	// AutoMessages is the auto-turn budget. nil means "council size at
	// runtime"; 0 disables auto-turns.
	AutoMessages *int   `json:"auto_messages,omitempty" toml:"auto_messages"`
	Mode         string `json:"mode,omitempty" toml:"mode"`
}

// CouncilConfig holds council membership and behavior.
type CouncilConfig struct {
	Members    []Member   `json:"members,omitempty" toml:"members"`
	Timeout    int        `json:"timeout,omitempty" toml:"timeout"`
	AutoCommit *bool      `json:"auto_commit,omitempty" toml:"auto_commit"`
	Chat       ChatConfig `json:"chat,omitempty" toml:"chat"`
}

// AgentConfig is a per-backend override: CLI binary and phase prompts.
type AgentConfig struct {
	CLI     string            `json:"cli,omitempty" toml:"cli"`
	Prompts map[string]string `json:"prompts,omitempty" toml:"prompts"`
}

// Config is the full project configuration.
type Config struct {
	Council CouncilConfig          `json:"council" toml:"council"`
	Agents  map[string]AgentConfig `json:"agents,omitempty" toml:"agents"`
}

// Default returns the built-in configuration.
func Default() *Config {
	auto := true
	return &Config{
		Council: CouncilConfig{
			Timeout:    DefaultTimeout,
			AutoCommit: &auto,
			Chat:       ChatConfig{Mode: "broadcast"},
		},
	}
}

// AutoCommit reports the effective council.auto_commit value (default true).
func (c *Config) AutoCommit() bool {
	return c.Council.AutoCommit == nil || *c.Council.AutoCommit
}

// AutoMessages reports the effective chat auto-turn budget.
func (c *Config) AutoMessages() int {
	if c.Council.Chat.AutoMessages != nil {
		return *c.Council.Chat.AutoMessages
	}
	return len(c.Council.Members)
}

// MemberNames returns the configured member names in order.
func (c *Config) MemberNames() []string {
	names := make([]string, 0, len(c.Council.Members))
	for _, m := range c.Council.Members {
		names = append(names, m.Name)
	}
	return names
}

// FindMember returns the member with the given name.
func (c *Config) FindMember(name string) (Member, bool) {
	for _, m := range c.Council.Members {
		if m.Name == name {
			return m, true
		}
	}
	return Member{}, false
}

// UserDefaultsPath returns the operator-level defaults file location.
func UserDefaultsPath() string {
	if base := os.Getenv("XDG_CONFIG_HOME"); base != "" {
		return filepath.Join(base, "kd", "config.toml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "kd", "config.toml")
}

// Load reads the merged configuration for a project: built-in defaults,
// operator TOML defaults, then the project config.json on top.
func Load(projectPath string) (*Config, error) {
	cfg := Default()

	if userPath := UserDefaultsPath(); userPath != "" {
		if _, err := os.Stat(userPath); err == nil {
			var user Config
			md, err := toml.DecodeFile(userPath, &user)
			if err != nil {
				return nil, fmt.Errorf("parsing %s: %v: %w", userPath, err, kderr.ErrInvalidConfig)
			}
			if undec := md.Undecoded(); len(undec) > 0 {
				return nil, fmt.Errorf("%s: unknown key %q: %w", userPath, undec[0].String(), kderr.ErrInvalidConfig)
			}
			cfg.merge(&user)
		}
	}

	data, err := os.ReadFile(projectPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("reading %s: %w", projectPath, kderr.ErrIO)
	}
	if err := checkJSONKeys(data); err != nil {
		return nil, fmt.Errorf("%s: %w", projectPath, err)
	}
	var project Config
	if err := json.Unmarshal(data, &project); err != nil {
		return nil, fmt.Errorf("parsing %s: %v: %w", projectPath, err, kderr.ErrInvalidConfig)
	}
	cfg.merge(&project)
	return cfg, cfg.Validate()
}

// merge applies set fields of other on top of c.
func (c *Config) merge(other *Config) {
	if len(other.Council.Members) > 0 {
		c.Council.Members = other.Council.Members
	}
	if other.Council.Timeout > 0 {
		c.Council.Timeout = other.Council.Timeout
	}
	if other.Council.AutoCommit != nil {
		c.Council.AutoCommit = other.Council.AutoCommit
	}
	if other.Council.Chat.AutoMessages != nil {
		c.Council.Chat.AutoMessages = other.Council.Chat.AutoMessages
	}
	if other.Council.Chat.Mode != "" {
		c.Council.Chat.Mode = other.Council.Chat.Mode
	}
	if len(other.Agents) > 0 {
		if c.Agents == nil {
			c.Agents = make(map[string]AgentConfig)
		}
		for name, ac := range other.Agents {
			merged := c.Agents[name]
			if ac.CLI != "" {
				merged.CLI = ac.CLI
			}
			if len(ac.Prompts) > 0 {
				if merged.Prompts == nil {
					merged.Prompts = make(map[string]string)
				}
				for phase, p := range ac.Prompts {
					merged.Prompts[phase] = p
				}
			}
			c.Agents[name] = merged
		}
	}
}

// Validate enforces the enumerated schema.
func (c *Config) Validate() error {
	if c.Council.Timeout <= 0 {
		return fmt.Errorf("council.timeout must be positive: %w", kderr.ErrInvalidConfig)
	}
	if c.Council.Chat.Mode != "" && !contains(ChatModes, c.Council.Chat.Mode) {
		return fmt.Errorf("council.chat.mode must be one of %s: %w",
			strings.Join(ChatModes, ", "), kderr.ErrInvalidConfig)
	}
	if c.Council.Chat.AutoMessages != nil && *c.Council.Chat.AutoMessages < 0 {
		return fmt.Errorf("council.chat.auto_messages must be >= 0: %w", kderr.ErrInvalidConfig)
	}
	seen := make(map[string]bool)
	for _, m := range c.Council.Members {
		if m.Name == "" {
			return fmt.Errorf("council.members entry missing name: %w", kderr.ErrInvalidConfig)
		}
		if seen[m.Name] {
			return fmt.Errorf("council.members has duplicate name %q: %w", m.Name, kderr.ErrInvalidConfig)
		}
		seen[m.Name] = true
		if m.Backend == "" {
			return fmt.Errorf("council.members[%s] missing backend: %w", m.Name, kderr.ErrInvalidConfig)
		}
		if err := validatePhases(m.Prompts, "council.members["+m.Name+"].prompts"); err != nil {
			return err
		}
	}
	for name, ac := range c.Agents {
		if err := validatePhases(ac.Prompts, "agents."+name+".prompts"); err != nil {
			return err
		}
	}
	return nil
}

func validatePhases(prompts map[string]string, where string) error {
	phases := make([]string, 0, len(prompts))
	for p := range prompts {
		phases = append(phases, p)
	}
	sort.Strings(phases)
	for _, p := range phases {
		if !contains(Phases, p) {
			return fmt.Errorf("%s: unknown phase %q (valid: %s): %w",
				where, p, strings.Join(Phases, ", "), kderr.ErrInvalidConfig)
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Save writes the project config.json.
func Save(path string, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// allowedKeys is the strict key tree for config.json.
var allowedKeys = map[string][]string{
	"":             {"council", "agents"},
	"council":      {"members", "timeout", "auto_commit", "chat"},
	"council.chat": {"auto_messages", "mode"},
	"member":       {"name", "backend", "session", "prompts"},
	"agent":        {"cli", "prompts"},
}

// checkJSONKeys walks the raw document and rejects keys outside the schema.
func checkJSONKeys(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("not a JSON object: %v: %w", err, kderr.ErrInvalidConfig)
	}
	for key, val := range raw {
		switch key {
		case "council":
			if err := checkObjectKeys(val, "council"); err != nil {
				return err
			}
		case "agents":
			var agents map[string]json.RawMessage
			if err := json.Unmarshal(val, &agents); err != nil {
				return fmt.Errorf("agents must be an object: %w", kderr.ErrInvalidConfig)
			}
			for name, av := range agents {
				if err := checkLeafKeys(av, "agents."+name, allowedKeys["agent"]); err != nil {
					return err
				}
			}
		default:
			return fmt.Errorf("unknown key %q: %w", key, kderr.ErrInvalidConfig)
		}
	}
	return nil
}

func checkObjectKeys(data json.RawMessage, prefix string) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%s must be an object: %w", prefix, kderr.ErrInvalidConfig)
	}
	for key, val := range raw {
		if !contains(allowedKeys[prefix], key) {
			return fmt.Errorf("unknown key %q: %w", prefix+"."+key, kderr.ErrInvalidConfig)
		}
		switch prefix + "." + key {
		case "council.chat":
			if err := checkLeafKeys(val, "council.chat", allowedKeys["council.chat"]); err != nil {
				return err
			}
		case "council.members":
			var members []json.RawMessage
			if err := json.Unmarshal(val, &members); err != nil {
				return fmt.Errorf("council.members must be a list: %w", kderr.ErrInvalidConfig)
			}
			for _, mv := range members {
				if err := checkLeafKeys(mv, "council.members[]", allowedKeys["member"]); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func checkLeafKeys(data json.RawMessage, prefix string, allowed []string) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%s must be an object: %w", prefix, kderr.ErrInvalidConfig)
	}
	for key := range raw {
		if !contains(allowed, key) {
			return fmt.Errorf("unknown key %q: %w", prefix+"."+key, kderr.ErrInvalidConfig)
		}
	}
	return nil
}
