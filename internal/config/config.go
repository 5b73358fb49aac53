// Package config loads the service's root configuration, message
// templates, and command table from YAML, grounded on the teacher's
// internal/config/config.go (yaml.v3 struct + env overrides) and on the
// original securitybot's bot.py `_load_config`, which raises on a missing
// `messages_path` or `commands_path` — carried here as a fatal startup
// error (spec §6, §7b).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dropbox/securitybot/internal/model"
)

// RosterEntry configures one chat user the service is allowed to talk to.
// Telegram bots cannot enumerate their own DM partners, unlike Slack's
// users.list consumed by the original's chat/slack.py, so the roster is
// configured explicitly.
type RosterEntry struct {
	ID        int64  `yaml:"id"`
	Name      string `yaml:"name"`
	FirstName string `yaml:"first_name"`
}

func (r RosterEntry) toChatUser() model.ChatUser {
	return model.ChatUser{ID: r.ID, Name: r.Name, FirstName: r.FirstName}
}

// TelegramConfig configures the Telegram chat adapter.
type TelegramConfig struct {
	Token  string        `yaml:"token"`
	Roster []RosterEntry `yaml:"roster"`
}

// PushAuthConfig configures the HTTP push-2FA adapter.
type PushAuthConfig struct {
	BaseURL        string `yaml:"base_url"`
	IntegrationKey string `yaml:"integration_key"`
	SecretKey      string `yaml:"secret_key"`
}

// Config is the root configuration document.
type Config struct {
	DatabasePath      string         `yaml:"database_path"`
	MessagesPath      string         `yaml:"messages_path"`
	CommandsPath      string         `yaml:"commands_path"`
	IconURL           string         `yaml:"icon_url"`
	ReportingChannel  int64          `yaml:"reporting_channel"`
	Telegram          TelegramConfig `yaml:"telegram"`
	Auth              PushAuthConfig `yaml:"auth"`
}

// requiredMessageKeys enumerates the message template keys that must be
// present for the conversation engine to function (spec §6). Missing any
// of these is fatal at startup.
var requiredMessageKeys = []string{
	"greeting", "alert", "action_prompt", "bad_command", "hi", "2fa",
	"sending_push", "good_auth", "bad_auth", "escalated", "no_2fa",
	"no_response", "bwtm", "bye", "ignore_time", "ignore_no_time",
	"help_header", "help_usage", "help_footer", "report",
}

// Load reads and validates the root config file at path. A missing
// messages_path/commands_path, or a missing required message key once
// messages.yaml itself is loaded, is a fatal configuration error.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if cfg.MessagesPath == "" {
		return nil, fmt.Errorf("config: messages_path is required")
	}
	if cfg.CommandsPath == "" {
		return nil, fmt.Errorf("config: commands_path is required")
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "securitybot.db"
	}
	return &cfg, nil
}

// Roster returns the configured Telegram roster as ChatUsers.
func (c *Config) Roster() []model.ChatUser {
	users := make([]model.ChatUser, len(c.Telegram.Roster))
	for i, r := range c.Telegram.Roster {
		users[i] = r.toChatUser()
	}
	return users
}

// Messages is a key -> template map, loaded from Config.MessagesPath.
type Messages map[string]string

// LoadMessages reads the messages file and fails fatally if any of
// requiredMessageKeys is absent.
func LoadMessages(path string) (Messages, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading messages %s: %w", path, err)
	}
	var msgs Messages
	if err := yaml.Unmarshal(raw, &msgs); err != nil {
		return nil, fmt.Errorf("config: parsing messages %s: %w", path, err)
	}
	for _, key := range requiredMessageKeys {
		if _, ok := msgs[key]; !ok {
			return nil, fmt.Errorf("config: missing required message key %q", key)
		}
	}
	return msgs, nil
}
