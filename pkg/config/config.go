package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bayhq/bay/pkg/types"
)

// Config is the full server configuration, read from a YAML file with
// environment overrides applied on top.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	APIKey     string `yaml:"api_key"`
	DataDir    string `yaml:"data_dir"`
	Driver     string `yaml:"driver"`      // "docker" or "memory"
	DockerHost string `yaml:"docker_host"` // empty = environment default

	Log      LogConfig     `yaml:"log"`
	GC       GCConfig      `yaml:"gc"`
	Timeouts TimeoutConfig `yaml:"timeouts"`
	Quota    QuotaConfig   `yaml:"quota"`

	Profiles []ProfileConfig `yaml:"profiles"`
}

// LogConfig controls the global logger.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// GCConfig controls the garbage-collection scheduler.
type GCConfig struct {
	IntervalSeconds           int `yaml:"interval_seconds"`
	OrphanGraceSeconds        int `yaml:"orphan_grace_seconds"`
	TombstoneRetentionSeconds int `yaml:"tombstone_retention_seconds"`
	IdempotencyRetentionHours int `yaml:"idempotency_retention_hours"`
}

// Interval returns the reconcile interval as a duration.
func (g GCConfig) Interval() time.Duration {
	return time.Duration(g.IntervalSeconds) * time.Second
}

// OrphanGrace returns the orphan-reaper grace window.
func (g GCConfig) OrphanGrace() time.Duration {
	return time.Duration(g.OrphanGraceSeconds) * time.Second
}

// TombstoneRetention returns how long tombstoned sandboxes are kept.
func (g GCConfig) TombstoneRetention() time.Duration {
	return time.Duration(g.TombstoneRetentionSeconds) * time.Second
}

// IdempotencyRetention returns the idempotency record retention window.
func (g GCConfig) IdempotencyRetention() time.Duration {
	return time.Duration(g.IdempotencyRetentionHours) * time.Hour
}

// TimeoutConfig groups the lifecycle and capability-call budget knobs.
type TimeoutConfig struct {
	ReadinessSeconds         int `yaml:"readiness_seconds"`
	CapabilityDefaultSeconds int `yaml:"capability_default_seconds"`
	CapabilityCeilingSeconds int `yaml:"capability_ceiling_seconds"`
	DriverSeconds            int `yaml:"driver_seconds"`
}

// Readiness returns the total readiness-probe budget.
func (t TimeoutConfig) Readiness() time.Duration {
	return time.Duration(t.ReadinessSeconds) * time.Second
}

// CapabilityDefault returns the default per-capability-call timeout.
func (t TimeoutConfig) CapabilityDefault() time.Duration {
	return time.Duration(t.CapabilityDefaultSeconds) * time.Second
}

// CapabilityCeiling returns the maximum caller-supplied call timeout.
func (t TimeoutConfig) CapabilityCeiling() time.Duration {
	return time.Duration(t.CapabilityCeilingSeconds) * time.Second
}

// Driver returns the timeout applied to driver operations. Kept at or above
// the readiness budget to avoid spurious transient errors under pressure.
func (t TimeoutConfig) Driver() time.Duration {
	return time.Duration(t.DriverSeconds) * time.Second
}

// QuotaConfig holds resource-quota enforcement points. Zero means unlimited.
type QuotaConfig struct {
	MaxSandboxesPerOwner int `yaml:"max_sandboxes_per_owner"`
}

// ProfileConfig is the YAML shape of a runtime profile.
type ProfileConfig struct {
	ID                 string            `yaml:"id"`
	IdleTimeoutSeconds int               `yaml:"idle_timeout_seconds"`
	DefaultTTLSeconds  int               `yaml:"default_ttl_seconds"`
	Containers         []ContainerConfig `yaml:"containers"`
}

// ContainerConfig is the YAML shape of one container spec.
type ContainerConfig struct {
	Name         string   `yaml:"name"`
	Image        string   `yaml:"image"`
	CPU          float64  `yaml:"cpu"`
	MemoryMB     int64    `yaml:"memory_mb"`
	Env          []string `yaml:"env"`
	RuntimePort  int      `yaml:"runtime_port"`
	RuntimeType  string   `yaml:"runtime_type"`
	Capabilities []string `yaml:"capabilities"`
	PrimaryFor   []string `yaml:"primary_for"`
}

// Default returns a Config with production defaults applied.
func Default() *Config {
	return &Config{
		ListenAddr: ":8880",
		DataDir:    "/var/lib/bay",
		Driver:     "docker",
		Log:        LogConfig{Level: "info"},
		GC: GCConfig{
			IntervalSeconds:           300,
			OrphanGraceSeconds:        60,
			TombstoneRetentionSeconds: 300,
			IdempotencyRetentionHours: 24,
		},
		Timeouts: TimeoutConfig{
			ReadinessSeconds:         120,
			CapabilityDefaultSeconds: 30,
			CapabilityCeilingSeconds: 300,
			DriverSeconds:            120,
		},
	}
}

// Load reads the config file at path (optional), applies environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("BAY_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("BAY_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("BAY_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("BAY_DRIVER"); v != "" {
		c.Driver = v
	}
	if v := os.Getenv("BAY_DOCKER_HOST"); v != "" {
		c.DockerHost = v
	}
	if v := os.Getenv("BAY_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("BAY_GC_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.GC.IntervalSeconds = n
		}
	}
}

// Validate checks the configuration, including every profile's internal
// consistency. Invalid configuration is a fatal startup error.
func (c *Config) Validate() error {
	if c.Driver != "docker" && c.Driver != "memory" {
		return fmt.Errorf("unknown driver: %q", c.Driver)
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	seen := make(map[string]bool, len(c.Profiles))
	for i := range c.Profiles {
		p := &c.Profiles[i]
		if seen[p.ID] {
			return fmt.Errorf("duplicate profile id: %q", p.ID)
		}
		seen[p.ID] = true
		if _, err := buildProfile(p); err != nil {
			return err
		}
	}
	return nil
}

// ProfileSet resolves the configured profiles into the domain model.
type ProfileSet struct {
	profiles map[string]*types.Profile
	order    []string
}

// Profiles builds the validated profile set.
func (c *Config) ProfileSet() (*ProfileSet, error) {
	set := &ProfileSet{profiles: make(map[string]*types.Profile, len(c.Profiles))}
	for i := range c.Profiles {
		p, err := buildProfile(&c.Profiles[i])
		if err != nil {
			return nil, err
		}
		set.profiles[p.ID] = p
		set.order = append(set.order, p.ID)
	}
	return set, nil
}

// Get returns the profile with the given id.
func (s *ProfileSet) Get(id string) (*types.Profile, bool) {
	p, ok := s.profiles[id]
	return p, ok
}

// List returns all profiles in configuration order.
func (s *ProfileSet) List() []*types.Profile {
	out := make([]*types.Profile, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.profiles[id])
	}
	return out
}

func buildProfile(pc *ProfileConfig) (*types.Profile, error) {
	if pc.ID == "" {
		return nil, fmt.Errorf("profile id must not be empty")
	}
	if len(pc.Containers) == 0 {
		return nil, fmt.Errorf("profile %q has no containers", pc.ID)
	}

	p := &types.Profile{
		ID:                 pc.ID,
		IdleTimeoutSeconds: pc.IdleTimeoutSeconds,
		DefaultTTLSeconds:  pc.DefaultTTLSeconds,
	}
	names := make(map[string]bool, len(pc.Containers))
	advertised := make(map[types.Capability]bool)
	for _, cc := range pc.Containers {
		if cc.Name == "" || cc.Image == "" {
			return nil, fmt.Errorf("profile %q: container name and image are required", pc.ID)
		}
		if names[cc.Name] {
			return nil, fmt.Errorf("profile %q: duplicate container name %q", pc.ID, cc.Name)
		}
		names[cc.Name] = true

		rt := types.RuntimeType(cc.RuntimeType)
		if rt != types.RuntimeTypeCode && rt != types.RuntimeTypeBrowser {
			return nil, fmt.Errorf("profile %q: container %q has unknown runtime_type %q", pc.ID, cc.Name, cc.RuntimeType)
		}
		if cc.RuntimePort <= 0 {
			return nil, fmt.Errorf("profile %q: container %q must set runtime_port", pc.ID, cc.Name)
		}

		caps, err := parseCapabilities(pc.ID, cc.Name, cc.Capabilities)
		if err != nil {
			return nil, err
		}
		primary, err := parseCapabilities(pc.ID, cc.Name, cc.PrimaryFor)
		if err != nil {
			return nil, err
		}
		for _, cap := range primary {
			found := false
			for _, have := range caps {
				if have == cap {
					found = true
					break
				}
			}
			if !found {
				return nil, fmt.Errorf("profile %q: container %q claims primary_for %q without advertising it", pc.ID, cc.Name, cap)
			}
		}
		for _, cap := range caps {
			advertised[cap] = true
		}

		p.Containers = append(p.Containers, types.ContainerSpec{
			Name:         cc.Name,
			Image:        cc.Image,
			Resources:    types.Resources{CPU: cc.CPU, MemoryMB: cc.MemoryMB},
			Env:          cc.Env,
			RuntimePort:  cc.RuntimePort,
			RuntimeType:  rt,
			Capabilities: caps,
			PrimaryFor:   primary,
		})
	}
	if len(advertised) == 0 {
		return nil, fmt.Errorf("profile %q advertises no capabilities", pc.ID)
	}
	return p, nil
}

func parseCapabilities(profileID, containerName string, raw []string) ([]types.Capability, error) {
	caps := make([]types.Capability, 0, len(raw))
	for _, s := range raw {
		cap := types.Capability(s)
		switch cap {
		case types.CapabilityPython, types.CapabilityShell, types.CapabilityFilesystem, types.CapabilityBrowser:
			caps = append(caps, cap)
		default:
			return nil, fmt.Errorf("profile %q: container %q has unknown capability %q", profileID, containerName, s)
		}
	}
	return caps, nil
}
