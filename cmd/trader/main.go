package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/gregtusar/microflow/api"
	"github.com/gregtusar/microflow/internal/config"
	"github.com/gregtusar/microflow/pkg/exchange"
	"github.com/gregtusar/microflow/pkg/signalbus"
	"github.com/gregtusar/microflow/pkg/trader"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	cfgFile   string
	overrides config.Overrides
	logger    *logrus.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "microflow",
		Short: "Order book microstructure trader",
		Long:  `Trades a single USD-M perpetual from order book dynamics and order flow imbalance, directionally or as a market maker`,
		Run:   runTrader,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.Flags().StringVar(&overrides.Mode, "mode", "", "trading mode: directional or market_making")
	rootCmd.Flags().StringVar(&overrides.Symbol, "symbol", "", "pin a market instead of searching")
	rootCmd.Flags().BoolVar(&overrides.DryRun, "dry-run", false, "simulate orders locally")

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func setupLogger(cfg config.LoggingConfig) (io.Closer, error) {
	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		logger.WithError(err).Error("Invalid log level, using INFO")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.File == "" {
		return nil, nil
	}
	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	logger.SetOutput(io.MultiWriter(os.Stdout, f))
	return f, nil
}

func runTrader(cmd *cobra.Command, args []string) {
	logger = logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(cfgFile, overrides)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}
	if closer, err := setupLogger(cfg.Logging); err != nil {
		logger.WithError(err).Fatal("Failed to set up logging")
	} else if closer != nil {
		defer closer.Close()
	}
	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := exchange.NewRESTClient(cfg.Exchange, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create exchange client")
	}
	var gw exchange.Gateway = client
	if cfg.DryRun {
		logger.Warn("Dry run: orders are simulated locally")
		gw = exchange.NewDryRunGateway(client, logger)
	}

	marketStream := exchange.NewMarketStream(cfg.Stream, logger)
	userStream := exchange.NewUserStream(cfg.Stream, client, cfg.Exchange.QuoteAsset, logger)

	opts := []trader.Option{trader.WithFeed(marketStream)}
	if cfg.Redis.Enabled {
		bus, err := signalbus.New(ctx, cfg.Redis.Config)
		if err != nil {
			logger.WithError(err).Warn("Signal bus unavailable, publishing disabled")
		} else {
			defer bus.Close()
			opts = append(opts, trader.WithPublisher(bus))
		}
	}

	controller := trader.New(cfg.Trader, gw, logger, opts...)
	if err := controller.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start trading controller")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return marketStream.Run(gctx) })
	g.Go(func() error { return userStream.Run(gctx) })
	g.Go(func() error {
		return controller.Run(gctx, trader.Streams{
			Books:    marketStream.Books(),
			Trades:   marketStream.Trades(),
			Orders:   userStream.Orders(),
			Accounts: userStream.Accounts(),
		})
	})
	if cfg.Server.Enabled {
		apiServer := api.NewServer(controller, logger, cfg.Server.Port)
		g.Go(func() error { return apiServer.Start(gctx) })
	}

	logger.WithFields(logrus.Fields{
		"mode":    string(cfg.Trader.Mode),
		"dry_run": cfg.DryRun,
	}).Info("Trader is running. Press Ctrl+C to stop.")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Error("Trader stopped with error")
		return
	}
	logger.Info("Trader stopped")
}
