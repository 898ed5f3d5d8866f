// Copyright 2024-2026 Aiku AI

// Package config holds the yaml configuration model for the bridge.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// Duration parses yaml duration strings ("1s", "500ms"). Bare integers
// are taken as seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		secs, intErr := strconv.Atoi(raw)
		if intErr != nil {
			return fmt.Errorf("invalid duration %q: %w", raw, err)
		}
		parsed = time.Duration(secs) * time.Second
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root of the bridge configuration file.
type Config struct {
	Listen     string           `yaml:"listen"`
	LogLevel   string           `yaml:"log_level"`
	Homeserver HomeserverConfig `yaml:"homeserver"`
	Identity   IdentityConfig   `yaml:"identity"`
	Bridge     BridgeConfig     `yaml:"bridge"`
	Email      EmailConfig      `yaml:"email"`
	Storage    StorageConfig    `yaml:"storage"`
}

// HomeserverConfig describes the homeserver this appservice is registered
// with.
type HomeserverConfig struct {
	// Domain is the server_name part of Matrix ids.
	Domain string `yaml:"domain"`
	// URL is the client-server API base URL.
	URL string `yaml:"url"`
	// ASToken authenticates the bridge towards the homeserver.
	ASToken string `yaml:"as_token"`
	// HSToken authenticates the homeserver towards the bridge.
	HSToken string `yaml:"hs_token"`
	// Localpart of the bridge's own control user.
	Localpart string `yaml:"localpart"`
	// Users lists the virtual-user local-part templates, each containing a
	// single %EMAIL% placeholder. Order matters: decoding an incoming user
	// id tries them in order and the first structural match wins.
	Users []UserTemplate `yaml:"users"`
}

type UserTemplate struct {
	Template string `yaml:"template"`
}

// IdentityConfig drives 3PID lookups: the template used to mint a Matrix
// id for an e-mail address.
type IdentityConfig struct {
	Template string `yaml:"template"`
	Domain   string `yaml:"domain"`
}

// BridgeConfig holds bridge-level policy.
type BridgeConfig struct {
	// Command keyword for in-room bot commands, e.g. "!email".
	CommandKeyword string `yaml:"command_keyword"`
	// AllowedDomains restricts who may invite virtual users. Empty means
	// any domain is allowed.
	AllowedDomains []string `yaml:"allowed_domains"`
	// Notify gates the lifecycle notices posted into bridged rooms.
	Notify MatrixNotifyConfig `yaml:"notify"`
}

type MatrixNotifyConfig struct {
	OnCreateDisabled  bool `yaml:"on_create_disabled"`
	OnDestroyDisabled bool `yaml:"on_destroy_disabled"`
}

type EmailConfig struct {
	Receiver      ReceiverConfig     `yaml:"receiver"`
	Sender        SenderConfig       `yaml:"sender"`
	Notifications NotificationConfig `yaml:"notifications"`
}

// ReceiverConfig describes the polled inbox.
type ReceiverConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	Login    string `yaml:"login"`
	Password string `yaml:"password"`
	// Email is the receiver address template with a %KEY% placeholder,
	// e.g. "reply+%KEY%@bridge.example".
	Email string `yaml:"email"`
	// PollInterval between inbox scans.
	PollInterval Duration `yaml:"poll_interval"`
}

// SenderConfig describes outbound SMTP delivery.
type SenderConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	// TLS level: 0 none, 1 opportunistic STARTTLS, 2 required STARTTLS.
	TLS      int    `yaml:"tls"`
	Login    string `yaml:"login"`
	Password string `yaml:"password"`
	// Email is the From address of outbound mail.
	Email string `yaml:"email"`
	// Template is the Reply-To address template with a %KEY% placeholder.
	Template string `yaml:"template"`
	// Name is the human-readable From display name.
	Name string `yaml:"name"`
}

// NotificationConfig gates and customizes lifecycle notification messages
// per subscription event type.
type NotificationConfig struct {
	OnCreate  NotificationTemplate `yaml:"on_create"`
	OnDestroy NotificationTemplate `yaml:"on_destroy"`
}

type NotificationTemplate struct {
	Disabled bool   `yaml:"disabled"`
	Subject  string `yaml:"subject"`
	Body     string `yaml:"body"`
}

type StorageConfig struct {
	// Backend selects the subscription store: sqlite, redis or memory.
	Backend string `yaml:"backend"`
	SQLite  string `yaml:"sqlite"`
	Redis   string `yaml:"redis"`
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// PostProcess applies defaults and validates required fields.
func (c *Config) PostProcess() error {
	if c.Listen == "" {
		c.Listen = ":8090"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Bridge.CommandKeyword == "" {
		c.Bridge.CommandKeyword = "!email"
	}
	if c.Email.Receiver.PollInterval <= 0 {
		c.Email.Receiver.PollInterval = Duration(time.Second)
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}

	if len(c.Homeserver.Users) == 0 {
		return fmt.Errorf("at least one user template must be configured")
	}
	for _, tmpl := range c.Homeserver.Users {
		if !strings.Contains(tmpl.Template, "%EMAIL%") {
			return fmt.Errorf("user template %q is missing the %%EMAIL%% placeholder", tmpl.Template)
		}
	}
	if c.Email.Receiver.Email != "" && !strings.Contains(c.Email.Receiver.Email, "%KEY%") {
		return fmt.Errorf("receiver address template %q is missing the %%KEY%% placeholder", c.Email.Receiver.Email)
	}
	if c.Email.Sender.Template != "" && !strings.Contains(c.Email.Sender.Template, "%KEY%") {
		return fmt.Errorf("sender reply-to template %q is missing the %%KEY%% placeholder", c.Email.Sender.Template)
	}
	return nil
}

// UserTemplateStrings flattens the configured user templates.
func (c *HomeserverConfig) UserTemplateStrings() []string {
	out := make([]string, len(c.Users))
	for i, tmpl := range c.Users {
		out[i] = tmpl.Template
	}
	return out
}
