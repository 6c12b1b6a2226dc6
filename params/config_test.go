package params

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func valid() Config {
	cfg := Default()
	cfg.Account = "alice"
	cfg.Chain.XayaRPCURL = "http://127.0.0.1:8396"
	cfg.Chain.GspRPCURL = "http://127.0.0.1:8600"
	return cfg
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "nf", cfg.GameID)
	assert.Equal(t, 10*time.Minute, cfg.Trading.OrderTimeout)
	assert.Error(t, cfg.Validate(), "account and RPC URLs have no default")
	assert.NoError(t, valid().Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
		want   string
	}{
		{"no account", func(c *Config) { c.Account = "" }, "account"},
		{"multiline account", func(c *Config) { c.Account = "a\nb" }, "account"},
		{"no xaya", func(c *Config) { c.Chain.XayaRPCURL = "" }, "xaya_rpc_url"},
		{"no gsp", func(c *Config) { c.Chain.GspRPCURL = "" }, "gsp_rpc_url"},
		{"no game", func(c *Config) { c.GameID = "" }, "game_id"},
		{"no data dir", func(c *Config) { c.DataDir = "" }, "data_dir"},
		{"negative fee", func(c *Config) { c.Trading.FeeRate = -1 }, "fee_rate"},
		{"zero timeout", func(c *Config) { c.Trading.OrderTimeout = 0 }, "order_timeout"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.modify(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "democrit.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
account = "alice"
game_id = "tn"

[chain]
xaya_rpc_url = "http://xaya"
gsp_rpc_url = "http://gsp"

[trading]
fee_rate = 2.5
order_timeout = "5m"

[p2p]
bootstrap = ["/ip4/1.2.3.4/tcp/4001/p2p/QmPeer"]
`), 0o644))

	cfg, err := Load(path, filepath.Join(dir, "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, "alice", cfg.Account)
	assert.Equal(t, "tn", cfg.GameID)
	assert.Equal(t, 2.5, cfg.Trading.FeeRate)
	assert.Equal(t, 5*time.Minute, cfg.Trading.OrderTimeout)
	assert.Equal(t, time.Hour, cfg.Trading.StaleAfter, "unset keys keep defaults")
	assert.Equal(t, []string{"/ip4/1.2.3.4/tcp/4001/p2p/QmPeer"}, cfg.P2P.Bootstrap)
	assert.NoError(t, cfg.Validate())

	_, err = Load(filepath.Join(dir, "nope.toml"), "")
	assert.Error(t, err)
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("DEMOCRIT_GAME_ID=tn\n"), 0o644))

	t.Setenv("DEMOCRIT_ACCOUNT", "bob")
	t.Setenv("DEMOCRIT_XAYA_RPC_URL", "http://from-env")
	t.Setenv("DEMOCRIT_FEE_RATE", "1.5")
	t.Setenv("DEMOCRIT_STALE_AFTER", "90m")
	t.Setenv("DEMOCRIT_BOOTSTRAP", "a, b,,")
	// godotenv writes the process environment; never let it leak.
	os.Unsetenv("DEMOCRIT_GAME_ID")
	t.Cleanup(func() { os.Unsetenv("DEMOCRIT_GAME_ID") })

	cfg, err := Load("", envPath)
	require.NoError(t, err)
	assert.Equal(t, "bob", cfg.Account)
	assert.Equal(t, "tn", cfg.GameID)
	assert.Equal(t, "http://from-env", cfg.Chain.XayaRPCURL)
	assert.Equal(t, 1.5, cfg.Trading.FeeRate)
	assert.Equal(t, 90*time.Minute, cfg.Trading.StaleAfter)
	assert.Equal(t, []string{"a", "b"}, cfg.P2P.Bootstrap)

	t.Setenv("DEMOCRIT_FEE_RATE", "cheap")
	_, err = Load("", envPath)
	assert.Error(t, err)

	t.Setenv("DEMOCRIT_FEE_RATE", "")
	t.Setenv("DEMOCRIT_SWEEP_INTERVAL", "often")
	_, err = Load("", envPath)
	assert.Error(t, err)
}
