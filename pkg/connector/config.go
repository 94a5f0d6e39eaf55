// Copyright 2024-2026 Aiku AI

package connector

import (
	_ "embed"
	"fmt"
	"strings"
	"time"

	up "go.mau.fi/util/configupgrade"
	"gopkg.in/yaml.v3"

	"github.com/aiku/ecolink/pkg/link"
)

//go:embed example-config.yaml
var ExampleConfig string

const (
	PlatformDiscord    = "discord"
	PlatformMattermost = "mattermost"
)

// Config holds the bridge configuration.
type Config struct {
	Platform string `yaml:"platform"`
	BotToken string `yaml:"bot_token"`

	Mattermost struct {
		ServerURL string `yaml:"server_url"`
	} `yaml:"mattermost"`

	Game struct {
		URL     string `yaml:"url"`
		BotName string `yaml:"bot_name"`
	} `yaml:"game"`

	CommandPrefix      string `yaml:"command_prefix"`
	EchoToken          string `yaml:"echo_token"`
	GameCommandChannel string `yaml:"game_command_channel"`

	ChatLinks       []link.ChannelLink `yaml:"chat_links"`
	StatusChannels  []link.StatusLink  `yaml:"status_channels"`
	SnippetChannels []link.ChannelRef  `yaml:"snippet_channels"`

	Snippets struct {
		FetchLimit int `yaml:"fetch_limit"`
	} `yaml:"snippets"`

	Chatlog struct {
		Enabled       bool          `yaml:"enabled"`
		Path          string        `yaml:"path"`
		FlushInterval time.Duration `yaml:"flush_interval"`
	} `yaml:"chatlog"`

	PlayerStore struct {
		Driver string `yaml:"driver"`
		Path   string `yaml:"path"`
	} `yaml:"player_store"`

	Verification struct {
		Timeout    time.Duration `yaml:"timeout"`
		ReadyDelay time.Duration `yaml:"ready_delay"`
		GuildDelay time.Duration `yaml:"guild_delay"`
	} `yaml:"verification"`

	SendTimeout time.Duration `yaml:"send_timeout"`

	Logging struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"logging"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess fills in defaults for fields left empty.
func (c *Config) PostProcess() error {
	c.Platform = strings.ToLower(strings.TrimSpace(c.Platform))
	if c.Platform == "" {
		c.Platform = PlatformDiscord
	}
	if c.Platform != PlatformDiscord && c.Platform != PlatformMattermost {
		return fmt.Errorf("unknown platform %q", c.Platform)
	}
	if c.Game.BotName == "" {
		c.Game.BotName = "Discord"
	}
	if c.CommandPrefix == "" {
		c.CommandPrefix = "?"
	}
	if c.GameCommandChannel == "" {
		c.GameCommandChannel = "General"
	}
	if c.PlayerStore.Driver == "" {
		c.PlayerStore.Driver = "memory"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	return nil
}

// StaticProblems lists configuration errors that can be found without
// contacting the external service.
func (c *Config) StaticProblems() []string {
	var problems []string
	if c.BotToken == "" {
		problems = append(problems, "bot token is not configured")
	}
	if c.Platform == PlatformMattermost && c.Mattermost.ServerURL == "" {
		problems = append(problems, "mattermost.server_url is required for the mattermost platform")
	}
	if strings.Contains(c.GameCommandChannel, "#") {
		problems = append(problems, "game_command_channel must not contain '#'")
	}
	for i, l := range c.ChatLinks {
		if !l.Valid() {
			problems = append(problems, fmt.Sprintf("chat link %d (%s) is incomplete or has an unknown direction", i+1, l.ID()))
		}
	}
	for i, s := range c.StatusChannels {
		if !s.ChannelRef.Valid() {
			problems = append(problems, fmt.Sprintf("status channel %d is missing a guild or channel", i+1))
		}
	}
	for i, s := range c.SnippetChannels {
		if !s.Valid() {
			problems = append(problems, fmt.Sprintf("snippet channel %d is missing a guild or channel", i+1))
		}
	}
	return problems
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "platform")
	helper.Copy(up.Str, "bot_token")
	helper.Copy(up.Str, "mattermost", "server_url")
	helper.Copy(up.Str, "game", "url")
	helper.Copy(up.Str, "game", "bot_name")
	helper.Copy(up.Str, "command_prefix")
	helper.Copy(up.Str, "echo_token")
	helper.Copy(up.Str, "game_command_channel")
	helper.Copy(up.List, "chat_links")
	helper.Copy(up.List, "status_channels")
	helper.Copy(up.List, "snippet_channels")
	helper.Copy(up.Int, "snippets", "fetch_limit")
	helper.Copy(up.Bool, "chatlog", "enabled")
	helper.Copy(up.Str, "chatlog", "path")
	helper.Copy(up.Str, "chatlog", "flush_interval")
	helper.Copy(up.Str, "player_store", "driver")
	helper.Copy(up.Str, "player_store", "path")
	helper.Copy(up.Str, "verification", "timeout")
	helper.Copy(up.Str, "verification", "ready_delay")
	helper.Copy(up.Str, "verification", "guild_delay")
	helper.Copy(up.Str, "send_timeout")
	helper.Copy(up.Str, "logging", "level")
	helper.Copy(up.Str, "logging", "file")
}

// Upgrader merges a user config onto the embedded example config.
var Upgrader = &up.StructUpgrader{
	SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
	Blocks: [][]string{
		{"mattermost"},
		{"game"},
		{"command_prefix"},
		{"chat_links"},
		{"snippets"},
		{"chatlog"},
		{"player_store"},
		{"verification"},
		{"send_timeout"},
		{"logging"},
	},
	Base: ExampleConfig,
}

// LoadConfig reads the config at path, upgrades it against the example
// config and, when save is set, writes the upgraded file back.
func LoadConfig(path string, save bool) (*Config, error) {
	data, _, err := up.Do(path, save, Upgrader)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes and post-processes YAML config data.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, fmt.Errorf("failed to post-process config: %w", err)
	}
	return &cfg, nil
}
