package trader

import (
	"fmt"
	"strings"
	"time"

	"github.com/gregtusar/microflow/pkg/dynamics"
	"github.com/gregtusar/microflow/pkg/imbalance"
	"github.com/gregtusar/microflow/pkg/retry"
)

type Mode string

const (
	ModeDirectional  Mode = "DIRECTIONAL"
	ModeMarketMaking Mode = "MARKET_MAKING"
)

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "directional":
		return ModeDirectional, nil
	case "market_making", "market-making", "mm":
		return ModeMarketMaking, nil
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

type Config struct {
	Mode Mode `mapstructure:"mode"`
	// Symbol pins the market and skips the search.
	Symbol string `mapstructure:"symbol"`

	RiskCap        float64 `mapstructure:"risk_cap"`
	MarketRiskCap  float64 `mapstructure:"market_making_risk_cap"`
	MaxLeverage    float64 `mapstructure:"max_leverage"`
	TakeProfitATR  float64 `mapstructure:"take_profit_atr"`
	StopLossATR    float64 `mapstructure:"stop_loss_atr"`
	FallbackATRBps float64 `mapstructure:"fallback_atr_bps"`
	MinProfitTicks int     `mapstructure:"min_profit_ticks"`
	MinSpreadTicks int     `mapstructure:"min_spread_ticks"`
	// ProtectionTolerance is the relative price drift after which a
	// protective order is replaced.
	ProtectionTolerance float64 `mapstructure:"protection_tolerance"`
	ReversalStrength    float64 `mapstructure:"reversal_strength"`

	AnalyticsInterval       time.Duration `mapstructure:"analytics_interval"`
	SignalMaxAge            time.Duration `mapstructure:"signal_max_age"`
	SetupCooldown           time.Duration `mapstructure:"setup_cooldown"`
	RestingOrderTTL         time.Duration `mapstructure:"resting_order_ttl"`
	FillPollInterval        time.Duration `mapstructure:"fill_poll_interval"`
	ProtectionCheckInterval time.Duration `mapstructure:"protection_check_interval"`
	PositionCheckInterval   time.Duration `mapstructure:"position_check_interval"`
	CleanupInterval         time.Duration `mapstructure:"cleanup_interval"`
	MarketRefreshInterval   time.Duration `mapstructure:"market_refresh_interval"`
	SearchRetryInterval     time.Duration `mapstructure:"search_retry_interval"`
	CallTimeout             time.Duration `mapstructure:"call_timeout"`

	CandidateMarkets int     `mapstructure:"candidate_markets"`
	CandleInterval   string  `mapstructure:"candle_interval"`
	CandleCount      int     `mapstructure:"candle_count"`
	ATRPeriod        int     `mapstructure:"atr_period"`
	MinATRBps        float64 `mapstructure:"min_atr_bps"`
	MaxATRBps        float64 `mapstructure:"max_atr_bps"`

	Retry     retry.Config     `mapstructure:"retry"`
	Dynamics  dynamics.Config  `mapstructure:"dynamics"`
	Imbalance imbalance.Config `mapstructure:"imbalance"`
}

func DefaultConfig() Config {
	return Config{
		Mode:                    ModeDirectional,
		RiskCap:                 0.30,
		MarketRiskCap:           0.10,
		MaxLeverage:             2,
		TakeProfitATR:           0.5,
		StopLossATR:             1.0,
		FallbackATRBps:          10,
		MinProfitTicks:          2,
		MinSpreadTicks:          1,
		ProtectionTolerance:     0.001,
		ReversalStrength:        60,
		AnalyticsInterval:       time.Second,
		SignalMaxAge:            2 * time.Second,
		SetupCooldown:           2 * time.Second,
		RestingOrderTTL:         60 * time.Second,
		FillPollInterval:        time.Second,
		ProtectionCheckInterval: 5 * time.Second,
		PositionCheckInterval:   5 * time.Second,
		CleanupInterval:         30 * time.Second,
		MarketRefreshInterval:   15 * time.Minute,
		SearchRetryInterval:     30 * time.Second,
		CallTimeout:             10 * time.Second,
		CandidateMarkets:        20,
		CandleInterval:          "5m",
		CandleCount:             15,
		ATRPeriod:               14,
		MinATRBps:               10,
		MaxATRBps:               50,
		Retry:                   retry.DefaultConfig(),
		Dynamics:                dynamics.DefaultConfig(),
		Imbalance:               imbalance.DefaultConfig(imbalance.ModeDirectional),
	}
}

func (c Config) riskCap() float64 {
	if c.Mode == ModeMarketMaking {
		return c.MarketRiskCap
	}
	return c.RiskCap
}
