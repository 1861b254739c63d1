package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"coinfeed/config"
	"coinfeed/internal/backoff"
	"coinfeed/internal/feed"
	"coinfeed/internal/metrics"
	"coinfeed/internal/poller"
	"coinfeed/internal/service"
	"coinfeed/internal/stream"
	"coinfeed/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	coins := flag.String("coins", "BTC,ETH", "Comma-separated coin ids to observe")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service": cfg.Coinfeed.Name,
		"version": cfg.Coinfeed.Version,
	}).Info("starting coinfeed")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleShutdown(cancel, log)

	metrics.Init()
	if cfg.Metrics.Enabled {
		metrics.Serve(cfg.Metrics.ListenAddr)
	}
	if cfg.Metrics.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace)
		logger.StartReport(ctx, log, 30*time.Second)
	}

	strategy := backoff.NewStrategy(
		cfg.Stream.Backoff.BaseDelay(),
		cfg.Stream.Backoff.MaxDelay(),
		cfg.Stream.Backoff.JitterFraction,
		time.Now().UnixNano(),
	)

	fallback := poller.New(cfg.Poller, cfg.Channels.UpdateBuffer)

	var repo *feed.Repository
	client := stream.NewClient(cfg.Stream, strategy, func() []string {
		if repo == nil {
			return nil
		}
		return repo.CurrentInterest()
	}, cfg.Channels.UpdateBuffer, cfg.Channels.StateBuffer)

	repo = feed.NewRepository(client, fallback, cfg.Channels.UpdateBuffer)
	defer repo.Close()

	if err := repo.Start(ctx); err != nil {
		log.WithError(err).Error("Failed to start feed repository")
		os.Exit(1)
	}

	observe := service.NewObservePrices(repo)
	sub, err := observe.Observe("main", splitCoins(*coins))
	if err != nil {
		log.WithError(err).Error("Failed to observe prices")
		os.Exit(1)
	}
	defer sub.Close()

	feedLog := log.WithComponent("feed")
	for {
		select {
		case <-ctx.Done():
			log.Info("shutdown requested")
			return
		case s, ok := <-sub.States:
			if !ok {
				return
			}
			feedLog.WithFields(logger.Fields{"state": s.String()}).Info("connection state")
		case u, ok := <-sub.Updates:
			if !ok {
				return
			}
			feedLog.WithFields(logger.Fields{
				"coin_id":   u.CoinID,
				"price":     u.Price.String(),
				"direction": u.Direction.String(),
				"source":    string(u.Source),
				"timestamp": u.Timestamp.UnixMilli(),
			}).Info("price update")
		}
	}
}

func splitCoins(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func handleShutdown(cancel context.CancelFunc, log *logger.Log) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	<-ch
	log.Info("received shutdown signal")
	cancel()
}
