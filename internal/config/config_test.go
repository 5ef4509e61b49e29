package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gregtusar/microflow/pkg/exchange"
	"github.com/gregtusar/microflow/pkg/imbalance"
	"github.com/gregtusar/microflow/pkg/trader"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultsDependOnMode(t *testing.T) {
	d := Defaults(trader.ModeDirectional)
	if d.Trader.Imbalance.Mode != imbalance.ModeDirectional || d.Trader.Imbalance.MinDepthLevels != 5 {
		t.Fatalf("directional imbalance defaults: %+v", d.Trader.Imbalance)
	}
	mm := Defaults(trader.ModeMarketMaking)
	if mm.Trader.Mode != trader.ModeMarketMaking {
		t.Fatalf("mode %s", mm.Trader.Mode)
	}
	if mm.Trader.Imbalance.Mode != imbalance.ModeMarketMaking || mm.Trader.Imbalance.MinDepthLevels != 3 {
		t.Fatalf("market-making imbalance defaults: %+v", mm.Trader.Imbalance)
	}
}

func TestLoadFileAndOverrides(t *testing.T) {
	path := writeConfig(t, `
exchange:
  api_key: key
  api_secret: secret
trader:
  mode: directional
  symbol: ethusdt
  risk_cap: 0.2
  setup_cooldown: 5s
  imbalance:
    impact_threshold: 0.4
server:
  port: 9090
`)
	cfg, err := Load(path, Overrides{Mode: "market_making", Symbol: "solusdt", DryRun: true})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Trader.Mode != trader.ModeMarketMaking {
		t.Fatalf("mode %s", cfg.Trader.Mode)
	}
	if cfg.Trader.Symbol != "SOLUSDT" {
		t.Fatalf("symbol %s", cfg.Trader.Symbol)
	}
	if !cfg.DryRun {
		t.Fatal("dry run override ignored")
	}
	if cfg.Trader.RiskCap != 0.2 || cfg.Trader.SetupCooldown != 5*time.Second {
		t.Fatalf("trader %+v", cfg.Trader)
	}
	// file values layer over the market-making defaults
	if cfg.Trader.Imbalance.ImpactThreshold != 0.4 || cfg.Trader.Imbalance.MinDepthLevels != 3 {
		t.Fatalf("imbalance %+v", cfg.Trader.Imbalance)
	}
	if cfg.Server.Port != 9090 {
		t.Fatalf("port %d", cfg.Server.Port)
	}
	if cfg.Exchange.BaseURL != exchange.MainnetURL {
		t.Fatalf("base url %s", cfg.Exchange.BaseURL)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestLoadRejectsUnknownMode(t *testing.T) {
	path := writeConfig(t, "trader:\n  mode: scalping\n")
	if _, err := Load(path, Overrides{}); err == nil {
		t.Fatal("expected mode error")
	}
}

func TestCredentialsFromEnv(t *testing.T) {
	t.Setenv("MICROFLOW_API_KEY", "env-key")
	t.Setenv("MICROFLOW_API_SECRET", "env-secret")
	t.Setenv("MICROFLOW_REDIS_PASSWORD", "hunter2")

	cfg, err := Load(writeConfig(t, "exchange:\n  api_key: file-key\n"), Overrides{})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Exchange.APIKey != "env-key" || cfg.Exchange.APISecret != "env-secret" {
		t.Fatalf("credentials %q %q", cfg.Exchange.APIKey, cfg.Exchange.APISecret)
	}
	if cfg.Redis.Password != "hunter2" {
		t.Fatalf("redis password %q", cfg.Redis.Password)
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		c := Defaults(trader.ModeDirectional)
		c.Exchange.APIKey = "k"
		c.Exchange.APISecret = "s"
		return c
	}
	base := valid()
	if err := base.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing hmac secret", func(c *Config) { c.Exchange.APISecret = "" }, "api_secret"},
		{"jwt without key", func(c *Config) { c.Exchange.AuthType = exchange.AuthTypeJWT }, "private_key_pem"},
		{"risk cap too large", func(c *Config) { c.Trader.RiskCap = 1.5 }, "risk_cap"},
		{"inverted atr band", func(c *Config) { c.Trader.MinATRBps = 80 }, "min_atr_bps"},
		{"short candle history", func(c *Config) { c.Trader.CandleCount = 14 }, "candle_count"},
		{"redis without addr", func(c *Config) { c.Redis.Enabled = true; c.Redis.Addr = "" }, "redis"},
		{"bad port", func(c *Config) { c.Server.Port = 0 }, "port"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "logging"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("got %v, want error mentioning %q", err, tt.want)
			}
		})
	}
}
