package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/knadh/koanf/v2"
	"github.com/stretchr/testify/require"

	engine "github.com/darkhz/bluestream/api/config"
)

func loadConfig(t *testing.T, contents string) *Config {
	t.Helper()

	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	if contents != "" {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, "bluestream"), 0o700))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "bluestream", configFile), []byte(contents), 0o600))
	}

	cfg := NewConfig()
	require.NoError(t, cfg.Load(koanf.New("."), nil))

	return cfg
}

func TestLoadCreatesDirectory(t *testing.T) {
	cfg := loadConfig(t, "")

	require.Equal(t, filepath.Join(os.Getenv("XDG_CONFIG_HOME"), "bluestream"), cfg.Dir())
	require.FileExists(t, filepath.Join(cfg.Dir(), configFile))

	require.NoError(t, cfg.ValidateValues())
	require.Equal(t, filepath.Join(cfg.Dir(), keyStoreFile), cfg.Values.Engine.KeyStorePath)

	defaults := engine.New()
	defaults.KeyStorePath = cfg.Values.Engine.KeyStorePath
	require.Equal(t, defaults, cfg.Values.Engine)
}

func TestLoadValues(t *testing.T) {
	cfg := loadConfig(t, `{
		# signaling
		"request-timeout": "3s",
		"abort-timeout": "500ms",
		"disconnect-delay": "0s",
		"no-auto-disconnect": true,
		"power-strategy": "Delayed",
		"power-delay": "1s",
		"io-capability": "keyboard-display",
		"signal-mtu": 1024,
		"key-store": "/tmp/keys.json",
		"adapter-states": "powered:on, scan:off"
	}`)

	require.NoError(t, cfg.ValidateValues())

	e := cfg.Values.Engine
	require.Equal(t, 3*time.Second, e.RequestTimeout)
	require.Equal(t, 500*time.Millisecond, e.AbortTimeout)
	require.Zero(t, e.DisconnectDelay)
	require.False(t, e.AutoDisconnect)
	require.Equal(t, engine.PowerDelayed, e.PowerStrategy)
	require.Equal(t, time.Second, e.PowerDelay)
	require.Equal(t, engine.IOKeyboardDisplay, e.IOCapability)
	require.Equal(t, 1024, e.SignalMTU)
	require.Equal(t, "/tmp/keys.json", e.KeyStorePath)
	require.Equal(t, engine.DefaultAuthTimeout, e.AuthTimeout)

	require.Equal(t, map[string]string{
		"powered":  "yes",
		"scan":     "no",
		"sequence": "powered,scan",
	}, cfg.Values.AdapterStatesMap)
}

func TestValidateValuesRejects(t *testing.T) {
	for name, values := range map[string]Values{
		"duration":       {RequestTimeout: "soon"},
		"zero timeout":   {AbortTimeout: "0s"},
		"power strategy": {PowerStrategy: "eventually"},
		"io name":        {IOCapability: "telepathy"},
		"io number":      {IOCapability: "7"},
		"small mtu":      {SignalMTU: 23},
		"state format":   {AdapterStates: "powered"},
		"state property": {AdapterStates: "visible:yes"},
		"state value":    {AdapterStates: "powered:maybe"},
	} {
		t.Run(name, func(t *testing.T) {
			require.Error(t, values.validateValues())
		})
	}
}

func TestIOCapabilityNumber(t *testing.T) {
	v := Values{IOCapability: "1"}
	require.NoError(t, v.validateValues())
	require.Equal(t, engine.IODisplayYesNo, v.Engine.IOCapability)
}

func TestGenerateAndSave(t *testing.T) {
	cfg := loadConfig(t, `{"request-timeout": "4s"}`)

	k := koanf.New(".")
	require.NoError(t, cfg.Load(k, nil))
	require.NoError(t, k.Set("power-strategy", "delayed"))
	require.NoError(t, cfg.GenerateAndSave(k))

	reloaded := NewConfig()
	require.NoError(t, reloaded.Load(koanf.New("."), nil))
	require.NoError(t, reloaded.ValidateValues())
	require.Equal(t, 4*time.Second, reloaded.Values.Engine.RequestTimeout)
	require.Equal(t, engine.PowerDelayed, reloaded.Values.Engine.PowerStrategy)
}
