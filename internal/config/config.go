package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gregtusar/microflow/pkg/exchange"
	"github.com/gregtusar/microflow/pkg/imbalance"
	"github.com/gregtusar/microflow/pkg/secrets"
	"github.com/gregtusar/microflow/pkg/signalbus"
	"github.com/gregtusar/microflow/pkg/trader"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

type Config struct {
	Exchange exchange.ClientConfig `mapstructure:"exchange"`
	Stream   exchange.StreamConfig `mapstructure:"stream"`
	Trader   trader.Config         `mapstructure:"trader"`
	Redis    RedisConfig           `mapstructure:"redis"`
	Server   ServerConfig          `mapstructure:"server"`
	Logging  LoggingConfig         `mapstructure:"logging"`
	GCP      GCPConfig             `mapstructure:"gcp"`
	// DryRun keeps every order local; reads still hit the exchange.
	DryRun bool `mapstructure:"dry_run"`
}

type RedisConfig struct {
	Enabled          bool `mapstructure:"enabled"`
	signalbus.Config `mapstructure:",squash"`
}

type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type GCPConfig struct {
	ProjectID       string              `mapstructure:"project_id"`
	UseSecrets      bool                `mapstructure:"use_secrets"`
	CredentialsFile string              `mapstructure:"credentials_file"`
	SecretNames     secrets.SecretNames `mapstructure:"secret_names"`
}

// Overrides carry command-line flags; empty values leave the loaded config alone.
type Overrides struct {
	Mode   string
	Symbol string
	DryRun bool
}

// Defaults is the full configuration before any file or environment is
// applied. The imbalance thresholds depend on the trading mode.
func Defaults(mode trader.Mode) Config {
	tc := trader.DefaultConfig()
	tc.Mode = mode
	if mode == trader.ModeMarketMaking {
		tc.Imbalance = imbalance.DefaultConfig(imbalance.ModeMarketMaking)
	}
	return Config{
		Exchange: exchange.ClientConfig{
			BaseURL:           exchange.MainnetURL,
			AuthType:          exchange.AuthTypeHMAC,
			RecvWindow:        5 * time.Second,
			Timeout:           10 * time.Second,
			RequestsPerSecond: 10,
			Burst:             20,
			QuoteAsset:        "USDT",
			MakerFeeRate:      0.0002,
			TakerFeeRate:      0.0005,
		},
		Stream: exchange.DefaultStreamConfig(),
		Trader: tc,
		Redis: RedisConfig{
			Config: signalbus.Config{Addr: "localhost:6379", PoolSize: 10, MaxRetries: 3},
		},
		Server:  ServerConfig{Enabled: true, Port: 8080},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		GCP:     GCPConfig{SecretNames: secrets.DefaultSecretNames()},
	}
}

func Load(configPath string, ov Overrides) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/microflow")
	}

	v.SetEnvPrefix("MICROFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	if ov.Mode != "" {
		v.Set("trader.mode", ov.Mode)
	}
	if ov.Symbol != "" {
		v.Set("trader.symbol", strings.ToUpper(ov.Symbol))
	}
	if ov.DryRun {
		v.Set("dry_run", true)
	}

	mode, err := trader.ParseMode(v.GetString("trader.mode"))
	if err != nil {
		return nil, err
	}
	config := Defaults(mode)
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	config.Trader.Mode = mode

	overrideFromEnv(&config)

	if config.GCP.UseSecrets && config.GCP.ProjectID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := loadSecretsFromGCP(ctx, &config, logrus.New()); err != nil {
			return nil, fmt.Errorf("error loading secrets from GCP: %w", err)
		}
	}

	return &config, nil
}

// setDefaults registers the keys most often overridden from the environment.
// Everything else takes its default from Defaults.
func setDefaults(v *viper.Viper) {
	d := Defaults(trader.ModeDirectional)

	v.SetDefault("dry_run", false)

	v.SetDefault("exchange.base_url", d.Exchange.BaseURL)
	v.SetDefault("exchange.auth_type", string(d.Exchange.AuthType))
	v.SetDefault("exchange.testnet", false)
	v.SetDefault("exchange.recv_window", d.Exchange.RecvWindow)
	v.SetDefault("exchange.timeout", d.Exchange.Timeout)
	v.SetDefault("exchange.requests_per_second", d.Exchange.RequestsPerSecond)
	v.SetDefault("exchange.burst", d.Exchange.Burst)
	v.SetDefault("exchange.quote_asset", d.Exchange.QuoteAsset)

	v.SetDefault("stream.url", d.Stream.URL)
	v.SetDefault("stream.depth_levels", d.Stream.DepthLevels)
	v.SetDefault("stream.depth_speed", d.Stream.DepthSpeed)

	v.SetDefault("trader.mode", "directional")
	v.SetDefault("trader.symbol", "")
	v.SetDefault("trader.risk_cap", d.Trader.RiskCap)
	v.SetDefault("trader.market_making_risk_cap", d.Trader.MarketRiskCap)
	v.SetDefault("trader.max_leverage", d.Trader.MaxLeverage)
	v.SetDefault("trader.take_profit_atr", d.Trader.TakeProfitATR)
	v.SetDefault("trader.stop_loss_atr", d.Trader.StopLossATR)
	v.SetDefault("trader.min_atr_bps", d.Trader.MinATRBps)
	v.SetDefault("trader.max_atr_bps", d.Trader.MaxATRBps)
	v.SetDefault("trader.analytics_interval", d.Trader.AnalyticsInterval)
	v.SetDefault("trader.setup_cooldown", d.Trader.SetupCooldown)
	v.SetDefault("trader.resting_order_ttl", d.Trader.RestingOrderTTL)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.db", 0)

	v.SetDefault("server.enabled", d.Server.Enabled)
	v.SetDefault("server.port", d.Server.Port)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.file", "")

	v.SetDefault("gcp.use_secrets", false)
	v.SetDefault("gcp.project_id", "")
	v.SetDefault("gcp.credentials_file", "")
	v.SetDefault("gcp.secret_names.api_key", d.GCP.SecretNames.APIKey)
	v.SetDefault("gcp.secret_names.api_secret", d.GCP.SecretNames.APISecret)
	v.SetDefault("gcp.secret_names.api_key_name", d.GCP.SecretNames.APIKeyName)
	v.SetDefault("gcp.secret_names.private_key", d.GCP.SecretNames.PrivateKeyPEM)
	v.SetDefault("gcp.secret_names.redis_password", d.GCP.SecretNames.RedisPassword)
}

func overrideFromEnv(config *Config) {
	if apiKey := os.Getenv("MICROFLOW_API_KEY"); apiKey != "" {
		config.Exchange.APIKey = apiKey
	}
	if apiSecret := os.Getenv("MICROFLOW_API_SECRET"); apiSecret != "" {
		config.Exchange.APISecret = apiSecret
	}
	if keyName := os.Getenv("MICROFLOW_API_KEY_NAME"); keyName != "" {
		config.Exchange.APIKeyName = keyName
	}
	if privateKey := os.Getenv("MICROFLOW_PRIVATE_KEY"); privateKey != "" {
		config.Exchange.PrivateKeyPEM = privateKey
	}
	if password := os.Getenv("MICROFLOW_REDIS_PASSWORD"); password != "" {
		config.Redis.Password = password
	}

	if projectID := os.Getenv("GCP_PROJECT_ID"); projectID != "" {
		config.GCP.ProjectID = projectID
	}
	if useSecrets := os.Getenv("GCP_USE_SECRETS"); useSecrets == "true" {
		config.GCP.UseSecrets = true
	}
}

func loadSecretsFromGCP(ctx context.Context, config *Config, logger *logrus.Logger) error {
	sm, err := secrets.NewGCPSecretManager(ctx, config.GCP.ProjectID, config.GCP.CredentialsFile, logger)
	if err != nil {
		return fmt.Errorf("failed to create secret manager: %w", err)
	}
	defer sm.Close()

	names := config.GCP.SecretNames
	// Only load secrets that are not already set
	fill := func(dst *string, name string) {
		if *dst == "" {
			*dst = sm.GetSecretWithDefault(ctx, name, "")
		}
	}
	fill(&config.Exchange.APIKey, names.APIKey)
	fill(&config.Exchange.APISecret, names.APISecret)
	fill(&config.Exchange.APIKeyName, names.APIKeyName)
	fill(&config.Exchange.PrivateKeyPEM, names.PrivateKeyPEM)
	if config.Redis.Enabled {
		fill(&config.Redis.Password, names.RedisPassword)
	}

	logger.Info("Successfully loaded secrets from GCP Secret Manager")
	return nil
}

// Validate rejects configurations the controller cannot run with.
func (c *Config) Validate() error {
	var errs []error
	t := c.Trader

	switch c.Exchange.AuthType {
	case exchange.AuthTypeHMAC:
		if c.Exchange.APIKey == "" || c.Exchange.APISecret == "" {
			errs = append(errs, errors.New("exchange: api_key and api_secret are required for hmac auth"))
		}
	case exchange.AuthTypeJWT:
		if c.Exchange.APIKeyName == "" || c.Exchange.PrivateKeyPEM == "" {
			errs = append(errs, errors.New("exchange: api_key_name and private_key_pem are required for jwt auth"))
		}
	default:
		errs = append(errs, fmt.Errorf("exchange: unknown auth_type %q", c.Exchange.AuthType))
	}

	if t.RiskCap <= 0 || t.RiskCap > 1 {
		errs = append(errs, fmt.Errorf("trader: risk_cap %v outside (0, 1]", t.RiskCap))
	}
	if t.MarketRiskCap <= 0 || t.MarketRiskCap > 1 {
		errs = append(errs, fmt.Errorf("trader: market_making_risk_cap %v outside (0, 1]", t.MarketRiskCap))
	}
	if t.MaxLeverage <= 0 {
		errs = append(errs, errors.New("trader: max_leverage must be positive"))
	}
	if t.TakeProfitATR <= 0 || t.StopLossATR <= 0 {
		errs = append(errs, errors.New("trader: take_profit_atr and stop_loss_atr must be positive"))
	}
	if t.MinATRBps > t.MaxATRBps {
		errs = append(errs, fmt.Errorf("trader: min_atr_bps %v above max_atr_bps %v", t.MinATRBps, t.MaxATRBps))
	}
	if t.AnalyticsInterval <= 0 {
		errs = append(errs, errors.New("trader: analytics_interval must be positive"))
	}
	if t.ATRPeriod <= 0 || t.CandleCount <= t.ATRPeriod {
		errs = append(errs, fmt.Errorf("trader: candle_count %d must exceed atr_period %d", t.CandleCount, t.ATRPeriod))
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis: addr is required when enabled"))
	}
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		errs = append(errs, fmt.Errorf("server: invalid port %d", c.Server.Port))
	}
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}
	return errors.Join(errs...)
}
