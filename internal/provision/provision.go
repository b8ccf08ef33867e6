// Package provision manages per-instance persistent storage and the
// agent configuration files mounted into every instance container.
package provision

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// providerEnvVars maps AI provider names to the environment variable
// the agent reads its API key from.
var providerEnvVars = map[string]string{
	"anthropic":  "ANTHROPIC_API_KEY",
	"openai":     "OPENAI_API_KEY",
	"gemini":     "GEMINI_API_KEY",
	"openrouter": "OPENROUTER_API_KEY",
}

// Provisioner writes instance storage under a data root directory.
type Provisioner struct {
	dataRoot string
}

// New returns a Provisioner rooted at dataRoot.
func New(dataRoot string) *Provisioner {
	return &Provisioner{dataRoot: dataRoot}
}

// GenerateGatewayToken returns a fresh 64-character hex token used to
// authenticate against an instance's gateway.
func GenerateGatewayToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating gateway token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Paths holds the storage locations for one instance.
type Paths struct {
	Base       string
	Config     string
	Workspace  string
	ConfigFile string
	EnvFile    string
}

// InstancePaths returns the storage layout for an instance.
func (p *Provisioner) InstancePaths(instanceID string) Paths {
	base := filepath.Join(p.dataRoot, instanceID)
	cfg := filepath.Join(base, "config")
	return Paths{
		Base:       base,
		Config:     cfg,
		Workspace:  filepath.Join(base, "workspace"),
		ConfigFile: filepath.Join(cfg, "openclaw.json"),
		EnvFile:    filepath.Join(cfg, ".env"),
	}
}

// CreateStorage creates the config and workspace directories for an
// instance. The daemon runs unprivileged and cannot chown to the
// container user's uid, so the directories get permissive modes
// instead.
func (p *Provisioner) CreateStorage(instanceID string) error {
	paths := p.InstancePaths(instanceID)

	for _, dir := range []string{paths.Config, paths.Workspace} {
		if err := os.MkdirAll(dir, 0o777); err != nil {
			return fmt.Errorf("creating instance storage %q: %w", dir, err)
		}
	}
	// MkdirAll honors the process umask, so re-apply the modes.
	for _, dir := range []string{paths.Base, paths.Config, paths.Workspace} {
		if err := os.Chmod(dir, 0o777); err != nil {
			return fmt.Errorf("setting mode on %q: %w", dir, err)
		}
	}
	return nil
}

// RemoveStorage deletes all storage for an instance. Missing storage
// is not an error; cleanup is best-effort by contract.
func (p *Provisioner) RemoveStorage(instanceID string) {
	paths := p.InstancePaths(instanceID)
	_ = os.RemoveAll(paths.Base)
}

// Params carries the instance settings rendered into the agent config.
type Params struct {
	InstanceID   string
	GatewayToken string
	Channel      string
	BotToken     string
	AIProvider   string
	APIKey       string
}

// AgentConfig is the configuration document the agent inside the
// container boots from.
type AgentConfig struct {
	Agents   agentsSection   `json:"agents"`
	Gateway  gatewaySection  `json:"gateway"`
	Channels *channelSection `json:"channels,omitempty"`
}

type agentsSection struct {
	Defaults struct {
		Workspace string `json:"workspace"`
	} `json:"defaults"`
}

type gatewaySection struct {
	Mode string `json:"mode"`
	Port int    `json:"port"`
	Bind string `json:"bind"`
	Auth struct {
		Mode  string `json:"mode"`
		Token string `json:"token"`
	} `json:"auth"`
	Tailscale struct {
		Mode string `json:"mode"`
	} `json:"tailscale"`
	ControlUI struct {
		AllowInsecureAuth bool `json:"allowInsecureAuth"`
	} `json:"controlUi"`
}

type channelSection struct {
	Telegram *telegramChannel `json:"telegram,omitempty"`
	Discord  *discordChannel  `json:"discord,omitempty"`
}

type telegramChannel struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"botToken"`
}

type discordChannel struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
}

// BuildAgentConfig renders the agent configuration for an instance.
// The gateway binds the LAN interface on its fixed in-container port
// and authenticates every connection with the instance token.
func BuildAgentConfig(params Params) AgentConfig {
	var cfg AgentConfig
	cfg.Agents.Defaults.Workspace = "/home/node/.openclaw/workspace"
	cfg.Gateway = gatewaySection{Mode: "local", Port: 18789, Bind: "lan"}
	cfg.Gateway.Auth.Mode = "token"
	cfg.Gateway.Auth.Token = params.GatewayToken
	cfg.Gateway.Tailscale.Mode = "off"
	// Hosted dashboards proxy the control UI; token auth still guards
	// it, so skip the browser device-pairing flow.
	cfg.Gateway.ControlUI.AllowInsecureAuth = true

	if params.Channel != "" && params.BotToken != "" {
		cfg.Channels = &channelSection{}
		switch params.Channel {
		case "telegram":
			cfg.Channels.Telegram = &telegramChannel{Enabled: true, BotToken: params.BotToken}
		case "discord":
			cfg.Channels.Discord = &discordChannel{Enabled: true, Token: params.BotToken}
		}
	}
	return cfg
}

// BuildEnvFile renders the instance .env content. Unknown providers
// contribute nothing; channel tokens are duplicated into env vars for
// agent features that read them from the environment.
func BuildEnvFile(params Params) string {
	var lines []string

	if params.APIKey != "" && params.AIProvider != "" {
		if envVar, ok := providerEnvVars[strings.ToLower(params.AIProvider)]; ok {
			lines = append(lines, envVar+"="+params.APIKey)
		}
	}

	if params.BotToken != "" {
		switch params.Channel {
		case "telegram":
			lines = append(lines, "TELEGRAM_BOT_TOKEN="+params.BotToken)
		case "discord":
			lines = append(lines, "DISCORD_BOT_TOKEN="+params.BotToken)
		}
	}

	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

// ContainerEnv returns the environment variables injected directly
// into the instance container, mirroring the provider key written to
// the .env file.
func ContainerEnv(params Params) map[string]string {
	env := map[string]string{}
	if params.APIKey != "" && params.AIProvider != "" {
		if envVar, ok := providerEnvVars[strings.ToLower(params.AIProvider)]; ok {
			env[envVar] = params.APIKey
		}
	}
	return env
}

// WriteConfig writes the agent config document and, when non-empty,
// the .env file into the instance's config directory.
func (p *Provisioner) WriteConfig(params Params) error {
	paths := p.InstancePaths(params.InstanceID)

	doc, err := json.MarshalIndent(BuildAgentConfig(params), "", "  ")
	if err != nil {
		return fmt.Errorf("encoding agent config: %w", err)
	}
	if err := writeWorldReadable(paths.ConfigFile, doc); err != nil {
		return err
	}

	if env := BuildEnvFile(params); strings.TrimSpace(env) != "" {
		if err := writeWorldReadable(paths.EnvFile, []byte(env)); err != nil {
			return err
		}
	}
	return nil
}

func writeWorldReadable(path string, data []byte) error {
	if err := os.WriteFile(path, data, 0o666); err != nil {
		return fmt.Errorf("writing %q: %w", path, err)
	}
	if err := os.Chmod(path, 0o666); err != nil {
		return fmt.Errorf("setting mode on %q: %w", path, err)
	}
	return nil
}
