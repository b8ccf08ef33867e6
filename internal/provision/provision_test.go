package provision

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateGatewayToken(t *testing.T) {
	tok, err := GenerateGatewayToken()
	require.NoError(t, err)
	assert.Len(t, tok, 64)
	assert.Regexp(t, "^[0-9a-f]{64}$", tok)

	other, err := GenerateGatewayToken()
	require.NoError(t, err)
	assert.NotEqual(t, tok, other)
}

func TestInstancePaths(t *testing.T) {
	p := New("/data/clawdeploy")
	paths := p.InstancePaths("inst_ab12cd34ef56")

	assert.Equal(t, "/data/clawdeploy/inst_ab12cd34ef56", paths.Base)
	assert.Equal(t, "/data/clawdeploy/inst_ab12cd34ef56/config/openclaw.json", paths.ConfigFile)
	assert.Equal(t, "/data/clawdeploy/inst_ab12cd34ef56/config/.env", paths.EnvFile)
	assert.Equal(t, "/data/clawdeploy/inst_ab12cd34ef56/workspace", paths.Workspace)
}

func TestCreateStorage(t *testing.T) {
	p := New(t.TempDir())
	require.NoError(t, p.CreateStorage("inst_ab12cd34ef56"))

	paths := p.InstancePaths("inst_ab12cd34ef56")
	for _, dir := range []string{paths.Base, paths.Config, paths.Workspace} {
		info, err := os.Stat(dir)
		require.NoError(t, err, dir)
		assert.True(t, info.IsDir())
		assert.Equal(t, os.FileMode(0o777), info.Mode().Perm(), dir)
	}
}

func TestRemoveStorage_MissingIsFine(t *testing.T) {
	p := New(t.TempDir())
	p.RemoveStorage("inst_never_created")
}

func TestRemoveStorage_DeletesEverything(t *testing.T) {
	p := New(t.TempDir())
	require.NoError(t, p.CreateStorage("inst_ab12cd34ef56"))
	require.NoError(t, p.WriteConfig(Params{
		InstanceID:   "inst_ab12cd34ef56",
		GatewayToken: "tok",
	}))

	p.RemoveStorage("inst_ab12cd34ef56")
	_, err := os.Stat(p.InstancePaths("inst_ab12cd34ef56").Base)
	assert.True(t, os.IsNotExist(err))
}

func TestBuildAgentConfig_Defaults(t *testing.T) {
	cfg := BuildAgentConfig(Params{GatewayToken: "secret"})

	assert.Equal(t, "/home/node/.openclaw/workspace", cfg.Agents.Defaults.Workspace)
	assert.Equal(t, "local", cfg.Gateway.Mode)
	assert.Equal(t, 18789, cfg.Gateway.Port)
	assert.Equal(t, "lan", cfg.Gateway.Bind)
	assert.Equal(t, "token", cfg.Gateway.Auth.Mode)
	assert.Equal(t, "secret", cfg.Gateway.Auth.Token)
	assert.Equal(t, "off", cfg.Gateway.Tailscale.Mode)
	assert.True(t, cfg.Gateway.ControlUI.AllowInsecureAuth)
	assert.Nil(t, cfg.Channels)
}

func TestBuildAgentConfig_Channels(t *testing.T) {
	tg := BuildAgentConfig(Params{GatewayToken: "tok", Channel: "telegram", BotToken: "bt"})
	require.NotNil(t, tg.Channels)
	require.NotNil(t, tg.Channels.Telegram)
	assert.True(t, tg.Channels.Telegram.Enabled)
	assert.Equal(t, "bt", tg.Channels.Telegram.BotToken)
	assert.Nil(t, tg.Channels.Discord)

	dc := BuildAgentConfig(Params{GatewayToken: "tok", Channel: "discord", BotToken: "bt"})
	require.NotNil(t, dc.Channels)
	require.NotNil(t, dc.Channels.Discord)
	assert.Equal(t, "bt", dc.Channels.Discord.Token)

	// A channel without a bot token is ignored.
	none := BuildAgentConfig(Params{GatewayToken: "tok", Channel: "telegram"})
	assert.Nil(t, none.Channels)
}

func TestBuildEnvFile(t *testing.T) {
	tests := []struct {
		name   string
		params Params
		want   string
	}{
		{
			name:   "anthropic key",
			params: Params{AIProvider: "anthropic", APIKey: "sk-1"},
			want:   "ANTHROPIC_API_KEY=sk-1\n",
		},
		{
			name:   "provider is case insensitive",
			params: Params{AIProvider: "OpenAI", APIKey: "sk-2"},
			want:   "OPENAI_API_KEY=sk-2\n",
		},
		{
			name:   "unknown provider contributes nothing",
			params: Params{AIProvider: "mystery", APIKey: "sk-3"},
			want:   "",
		},
		{
			name:   "telegram token",
			params: Params{Channel: "telegram", BotToken: "bt"},
			want:   "TELEGRAM_BOT_TOKEN=bt\n",
		},
		{
			name:   "key and discord token",
			params: Params{AIProvider: "gemini", APIKey: "g1", Channel: "discord", BotToken: "d1"},
			want:   "GEMINI_API_KEY=g1\nDISCORD_BOT_TOKEN=d1\n",
		},
		{
			name:   "empty",
			params: Params{},
			want:   "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BuildEnvFile(tt.params))
		})
	}
}

func TestWriteConfig(t *testing.T) {
	p := New(t.TempDir())
	require.NoError(t, p.CreateStorage("inst_ab12cd34ef56"))

	params := Params{
		InstanceID:   "inst_ab12cd34ef56",
		GatewayToken: "secret",
		AIProvider:   "anthropic",
		APIKey:       "sk-test",
	}
	require.NoError(t, p.WriteConfig(params))

	paths := p.InstancePaths("inst_ab12cd34ef56")

	raw, err := os.ReadFile(paths.ConfigFile)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	gateway := doc["gateway"].(map[string]any)
	assert.Equal(t, float64(18789), gateway["port"])

	env, err := os.ReadFile(paths.EnvFile)
	require.NoError(t, err)
	assert.Equal(t, "ANTHROPIC_API_KEY=sk-test\n", string(env))
}

func TestWriteConfig_NoEnvFileWhenEmpty(t *testing.T) {
	p := New(t.TempDir())
	require.NoError(t, p.CreateStorage("inst_ab12cd34ef56"))
	require.NoError(t, p.WriteConfig(Params{
		InstanceID:   "inst_ab12cd34ef56",
		GatewayToken: "secret",
	}))

	_, err := os.Stat(filepath.Join(p.InstancePaths("inst_ab12cd34ef56").Config, ".env"))
	assert.True(t, os.IsNotExist(err))
}
