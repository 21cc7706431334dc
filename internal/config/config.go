// Package config provides YAML-based configuration loading for Switchboard.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Switchboard configuration, loaded from config.yaml.
type Config struct {
	DB      DBConfig       `yaml:"db"`
	Server  ServerConfig   `yaml:"server"`
	Queues  QueuesConfig   `yaml:"queues"`
	Workers WorkersConfig  `yaml:"workers"`
	Notify  NotifyConfig   `yaml:"notify"`
	Janitor JanitorConfig  `yaml:"janitor"`
	Engines []EngineConfig `yaml:"engines"`
}

// DBConfig selects and configures the relational store.
type DBConfig struct {
	Driver   string `yaml:"driver"` // "sqlite" or "mysql"
	Path     string `yaml:"path"`   // sqlite file path
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// ServerConfig holds the HTTP API settings.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// QueuesConfig configures retry limits per queue. MaxRetries -1 means
// unlimited.
type QueuesConfig struct {
	DefaultMaxRetries int           `yaml:"default_max_retries"`
	Definitions       []QueueConfig `yaml:"definitions"`
}

// QueueConfig overrides retry settings for one named queue.
type QueueConfig struct {
	Name       string `yaml:"name"`
	MaxRetries int    `yaml:"max_retries"`
}

// WorkersConfig controls the polling worker pool.
type WorkersConfig struct {
	Count        int    `yaml:"count"`
	PollInterval string `yaml:"poll_interval"`
	ClaimTTL     string `yaml:"claim_ttl"`
}

// PollDuration returns the parsed poll interval.
func (w WorkersConfig) PollDuration() time.Duration {
	d, _ := time.ParseDuration(w.PollInterval)
	return d
}

// ClaimTTLDuration returns the parsed claim expiry.
func (w WorkersConfig) ClaimTTLDuration() time.Duration {
	d, _ := time.ParseDuration(w.ClaimTTL)
	return d
}

// NotifyConfig selects the completion notification sink.
type NotifyConfig struct {
	Sink    string        `yaml:"sink"` // "log", "slack", or "discord"
	Slack   SlackConfig   `yaml:"slack"`
	Discord DiscordConfig `yaml:"discord"`
}

// SlackConfig holds Slack notifier credentials.
type SlackConfig struct {
	Token   string `yaml:"token"`
	Channel string `yaml:"channel"`
}

// DiscordConfig holds Discord notifier credentials.
type DiscordConfig struct {
	Token   string `yaml:"token"`
	Channel string `yaml:"channel"`
}

// JanitorConfig controls pruning of the dispatch audit log.
type JanitorConfig struct {
	Schedule           string `yaml:"schedule"` // cron expression or @hourly etc.
	Retention          string `yaml:"retention"`
	WarnSuspendedAfter string `yaml:"warn_suspended_after"`
}

// RetentionDuration returns the parsed retention window.
func (j JanitorConfig) RetentionDuration() time.Duration {
	d, _ := time.ParseDuration(j.Retention)
	return d
}

// WarnSuspendedDuration returns the parsed suspension warning threshold.
func (j JanitorConfig) WarnSuspendedDuration() time.Duration {
	d, _ := time.ParseDuration(j.WarnSuspendedAfter)
	return d
}

// EngineConfig binds a reasoning-engine tag to the queue its commands run on.
type EngineConfig struct {
	Tag   string `yaml:"tag"`
	Queue string `yaml:"queue"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.DB.Driver == "" {
		c.DB.Driver = "sqlite"
	}
	if c.DB.Driver == "sqlite" && c.DB.Path == "" {
		c.DB.Path = "switchboard.db"
	}
	if c.DB.Driver == "mysql" {
		if c.DB.Host == "" {
			c.DB.Host = "127.0.0.1"
		}
		if c.DB.Port == 0 {
			c.DB.Port = 3306
		}
		if c.DB.Database == "" {
			c.DB.Database = "switchboard"
		}
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Queues.DefaultMaxRetries == 0 {
		c.Queues.DefaultMaxRetries = 10
	}
	if c.Workers.Count == 0 {
		c.Workers.Count = 2
	}
	if c.Workers.PollInterval == "" {
		c.Workers.PollInterval = "2s"
	}
	if c.Workers.ClaimTTL == "" {
		c.Workers.ClaimTTL = "5m"
	}
	if c.Notify.Sink == "" {
		c.Notify.Sink = "log"
	}
	if c.Janitor.Schedule == "" {
		c.Janitor.Schedule = "@hourly"
	}
	if c.Janitor.Retention == "" {
		c.Janitor.Retention = "720h"
	}
	if c.Janitor.WarnSuspendedAfter == "" {
		c.Janitor.WarnSuspendedAfter = "72h"
	}
	if len(c.Engines) == 0 {
		c.Engines = []EngineConfig{{Tag: "echo", Queue: "chat-echo"}}
	}
	for i := range c.Engines {
		if c.Engines[i].Queue == "" {
			c.Engines[i].Queue = "chat-" + c.Engines[i].Tag
		}
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	switch c.DB.Driver {
	case "sqlite", "mysql":
	default:
		errs = append(errs, fmt.Sprintf("db.driver %q is not supported", c.DB.Driver))
	}
	for _, field := range []struct{ name, value string }{
		{"workers.poll_interval", c.Workers.PollInterval},
		{"workers.claim_ttl", c.Workers.ClaimTTL},
		{"janitor.retention", c.Janitor.Retention},
		{"janitor.warn_suspended_after", c.Janitor.WarnSuspendedAfter},
	} {
		if _, err := time.ParseDuration(field.value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: invalid duration %q", field.name, field.value))
		}
	}
	switch c.Notify.Sink {
	case "log":
	case "slack":
		if c.Notify.Slack.Token == "" || c.Notify.Slack.Channel == "" {
			errs = append(errs, "notify.slack requires token and channel")
		}
	case "discord":
		if c.Notify.Discord.Token == "" || c.Notify.Discord.Channel == "" {
			errs = append(errs, "notify.discord requires token and channel")
		}
	default:
		errs = append(errs, fmt.Sprintf("notify.sink %q is not supported", c.Notify.Sink))
	}
	for i, e := range c.Engines {
		if e.Tag == "" {
			errs = append(errs, fmt.Sprintf("engines[%d].tag is required", i))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// QueueNames returns the queue of every configured engine, deduplicated.
func (c *Config) QueueNames() []string {
	seen := make(map[string]bool)
	var names []string
	for _, e := range c.Engines {
		if !seen[e.Queue] {
			seen[e.Queue] = true
			names = append(names, e.Queue)
		}
	}
	return names
}

// MaxRetriesByQueue returns the per-queue retry limits as a map.
func (c *Config) MaxRetriesByQueue() map[string]int {
	m := make(map[string]int, len(c.Queues.Definitions))
	for _, q := range c.Queues.Definitions {
		m[q.Name] = q.MaxRetries
	}
	return m
}
