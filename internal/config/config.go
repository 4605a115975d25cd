// Package config loads and validates the gateway configuration. Everything
// here is fixed at process start: there is no hot reload and no runtime
// mutation path for the route table or the upstream target.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"bastion/internal/router"
)

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Routes   []RouteConfig  `mapstructure:"routes"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`

	// RoutesFile optionally appends rules from a YAML file to the inline
	// routes, for deployments that manage the rule list separately from
	// the main config.
	RoutesFile string `mapstructure:"routes_file"`
}

type ServerConfig struct {
	Port        int `mapstructure:"port"`
	GracePeriod int `mapstructure:"grace_period"` // seconds
}

// UpstreamConfig is the default target for route rules that do not carry
// their own, plus the transport policy shared by all forwarded calls.
type UpstreamConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Scheme       string        `mapstructure:"scheme"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxConns     int           `mapstructure:"max_conns"`
	MaxIdleConns int           `mapstructure:"max_idle_conns"`
}

type RouteConfig struct {
	Prefix      string        `mapstructure:"prefix" yaml:"prefix"`
	StripPrefix bool          `mapstructure:"strip_prefix" yaml:"strip_prefix"`
	Target      *TargetConfig `mapstructure:"target" yaml:"target,omitempty"`
}

type TargetConfig struct {
	Host   string `mapstructure:"host" yaml:"host"`
	Port   int    `mapstructure:"port" yaml:"port"`
	Scheme string `mapstructure:"scheme" yaml:"scheme,omitempty"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// MetricsConfig controls the operational metrics listener. It binds
// loopback by default so the public surface stays exactly the configured
// routes plus the local health path.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

func Load() (*Config, error) {
	var cfg Config

	// Set defaults
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.grace_period", 10)
	viper.SetDefault("upstream.scheme", "http")
	viper.SetDefault("upstream.timeout", "10s")
	viper.SetDefault("upstream.max_conns", 64)
	viper.SetDefault("upstream.max_idle_conns", 16)
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "text")
	viper.SetDefault("logging.max_size", 10)
	viper.SetDefault("logging.max_backups", 3)
	viper.SetDefault("logging.max_age", 28)
	viper.SetDefault("metrics.enabled", false)
	viper.SetDefault("metrics.listen", "127.0.0.1:9091")

	// Unmarshal the whole tree at once: per-section UnmarshalKey drops
	// registered defaults when a section is only partially present.
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if cfg.RoutesFile != "" {
		fileRoutes, err := loadRoutesFile(cfg.RoutesFile)
		if err != nil {
			return nil, err
		}
		log.Debug("loaded routes file", "path", cfg.RoutesFile, "routes", len(fileRoutes))
		cfg.Routes = append(cfg.Routes, fileRoutes...)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// routesFile is the shape of the optional YAML rules file.
type routesFile struct {
	Routes []RouteConfig `yaml:"routes"`
}

func loadRoutesFile(path string) ([]RouteConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read routes file: %w", err)
	}
	var rf routesFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("failed to parse routes file %s: %w", path, err)
	}
	return rf.Routes, nil
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.GracePeriod < 0 {
		return fmt.Errorf("server.grace_period must not be negative")
	}

	if c.Upstream.Host == "" {
		return fmt.Errorf("upstream.host is required")
	}
	if c.Upstream.Port <= 0 || c.Upstream.Port > 65535 {
		return fmt.Errorf("upstream.port must be between 1 and 65535, got %d", c.Upstream.Port)
	}
	if c.Upstream.Scheme != "http" && c.Upstream.Scheme != "https" {
		return fmt.Errorf("upstream.scheme must be http or https, got %q", c.Upstream.Scheme)
	}
	if c.Upstream.Timeout <= 0 {
		return fmt.Errorf("upstream.timeout must be positive")
	}
	if c.Upstream.MaxConns <= 0 {
		return fmt.Errorf("upstream.max_conns must be positive")
	}

	if len(c.Routes) == 0 {
		return fmt.Errorf("at least one route is required")
	}
	for _, r := range c.Routes {
		if r.Target == nil {
			continue
		}
		if r.Target.Host == "" {
			return fmt.Errorf("route %q target requires a host", r.Prefix)
		}
		if r.Target.Port <= 0 || r.Target.Port > 65535 {
			return fmt.Errorf("route %q target port must be between 1 and 65535", r.Prefix)
		}
		if s := r.Target.Scheme; s != "" && s != "http" && s != "https" {
			return fmt.Errorf("route %q target scheme must be http or https, got %q", r.Prefix, s)
		}
	}

	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen is required when metrics are enabled")
	}

	return nil
}

// GraceDuration returns the shutdown grace period.
func (c *Config) GraceDuration() time.Duration {
	return time.Duration(c.Server.GracePeriod) * time.Second
}

// DefaultTarget is the upstream destination used by rules without an
// explicit target.
func (c *Config) DefaultTarget() router.Target {
	return router.Target{
		Scheme: c.Upstream.Scheme,
		Host:   c.Upstream.Host,
		Port:   c.Upstream.Port,
	}
}

// Rules materializes the router rules, applying the default upstream target
// to rules without one. Structural validation (duplicate prefixes, reserved
// paths) happens in router.New, which is fatal at startup.
func (c *Config) Rules() []router.Rule {
	rules := make([]router.Rule, 0, len(c.Routes))
	for _, rc := range c.Routes {
		target := c.DefaultTarget()
		if rc.Target != nil {
			target.Host = rc.Target.Host
			target.Port = rc.Target.Port
			if rc.Target.Scheme != "" {
				target.Scheme = rc.Target.Scheme
			}
		}
		rules = append(rules, router.Rule{
			Prefix:      rc.Prefix,
			StripPrefix: rc.StripPrefix,
			Target:      target,
		})
	}
	return rules
}
