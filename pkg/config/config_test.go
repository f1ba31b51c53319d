package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testCfg struct {
	Name     string `mapstructure:"name"`
	HTTPAddr string `mapstructure:"http_addr"`
	Exchange struct {
		MarketBuyBuffer string `mapstructure:"market_buy_buffer"`
		MailboxSize     int    `mapstructure:"mailbox_size"`
	} `mapstructure:"exchange"`
}

func TestLoadAndWatch_FileDefaultsEnv(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte("name: exchange-service\nexchange:\n  market_buy_buffer: \"0.2\"\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cfg-test.yaml"), yaml, 0o644))

	t.Setenv("CFG_TEST_HTTP_ADDR", ":18080")

	var cfg testCfg
	_, err := LoadAndWatch("cfg-test", &cfg,
		WithPaths(dir),
		WithDefaults(map[string]any{"exchange.mailbox_size": 128, "http_addr": ":8080"}),
		WithoutWatch(),
	)
	require.NoError(t, err)

	assert.Equal(t, "exchange-service", cfg.Name)
	assert.Equal(t, "0.2", cfg.Exchange.MarketBuyBuffer)
	assert.Equal(t, 128, cfg.Exchange.MailboxSize)
	assert.Equal(t, ":18080", cfg.HTTPAddr)
}

func TestLoadAndWatch_Missing(t *testing.T) {
	var cfg testCfg
	_, err := LoadAndWatch("definitely-not-here", &cfg, WithPaths(t.TempDir()), WithoutWatch())
	assert.Error(t, err)
}
