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

	"tickerflow/config"
	"tickerflow/dispatcher"
	"tickerflow/facade"
	"tickerflow/internal/channel"
	"tickerflow/internal/metrics"
	"tickerflow/logger"
	"tickerflow/processor"
	"tickerflow/reader"
	"tickerflow/reader/coinone"
	"tickerflow/reader/gate"
	"tickerflow/reader/okx"
	"tickerflow/reader/upbit"
	"tickerflow/sink"
	"tickerflow/store"
	"tickerflow/supervisor"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
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
		"service": cfg.Tickerflow.Name,
		"version": cfg.Tickerflow.Version,
	}).Info("starting tickerflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.CloudWatch.Enabled {
		logger.InitCloudWatch(cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace, cfg.Logging.DashboardName)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	channels := channel.NewChannels(
		cfg.Channels.RawBuffer,
		cfg.Channels.UpdateBuffer,
	)

	go channels.StartMetricsReporting(ctx)

	registry := metrics.NewRegistry()
	tickStore := store.New(cfg.Buffer.Shards, cfg.Buffer.HistorySize)

	var connectors []reader.Connector
	if cfg.Source.Okx.Enabled {
		connectors = append(connectors, okx.NewReader(cfg, channels, registry.Exchange("okx")))
	}
	if cfg.Source.Upbit.Enabled {
		connectors = append(connectors, upbit.NewReader(cfg, channels, registry.Exchange("upbit")))
	}
	if cfg.Source.Coinone.Enabled {
		connectors = append(connectors, coinone.NewReader(cfg, channels, registry.Exchange("coinone")))
	}
	if cfg.Source.Gate.Enabled {
		connectors = append(connectors, gate.NewReader(cfg, channels, registry.Exchange("gate")))
	}
	if len(connectors) == 0 {
		log.WithComponent("main").Error("no sources enabled")
		os.Exit(1)
	}

	var sinks []sink.Sink
	if cfg.Sinks.Cache.Enabled {
		sinks = append(sinks, sink.NewCacheSink(cfg.Sinks.Cache.TTL))
	}
	if cfg.Sinks.Broadcast.Enabled {
		sinks = append(sinks, sink.NewBroadcastSink(cfg.Sinks.Broadcast.SubscriberBuffer))
	}
	if cfg.Sinks.Kafka.Enabled {
		kafkaSink, err := sink.NewKafkaSink(cfg)
		if err != nil {
			log.WithError(err).Error("failed to create kafka sink")
			os.Exit(1)
		}
		defer kafkaSink.Close()
		sinks = append(sinks, kafkaSink)
	}
	if cfg.Sinks.S3.Enabled {
		s3Sink, err := sink.NewS3Sink(cfg)
		if err != nil {
			log.WithError(err).Error("failed to create S3 sink")
			os.Exit(1)
		}
		sinks = append(sinks, s3Sink)
	} else {
		log.WithComponent("main").Info("S3 sink disabled; skipping archive writes")
	}

	normalizer := processor.NewNormalizer(cfg, channels, tickStore, registry)
	batcher := dispatcher.New(cfg, channels, sinks)
	views := facade.New(tickStore, registry)

	supervisors := make([]*supervisor.Supervisor, 0, len(connectors))
	for _, conn := range connectors {
		sup := supervisor.New(cfg, conn, registry.Exchange(conn.Exchange()))
		supervisors = append(supervisors, sup)
		views.Register(sup)
	}

	if err := normalizer.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start normalizer")
		os.Exit(1)
	}
	if err := batcher.Start(ctx); err != nil {
		log.WithError(err).Error("failed to start dispatcher")
		os.Exit(1)
	}
	for _, sup := range supervisors {
		if err := sup.Start(ctx); err != nil {
			log.WithError(err).WithFields(logger.Fields{"exchange": string(sup.Exchange())}).Error("failed to start supervisor")
			os.Exit(1)
		}
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	stats := views.GetStats()
	for _, es := range stats.Exchanges {
		log.WithComponent("main").WithFields(logger.Fields{
			"exchange":          string(es.Exchange),
			"state":             string(es.State),
			"messages_received": es.MessagesReceived,
			"malformed_ticks":   es.MalformedTicks,
			"out_of_order":      es.OutOfOrderDropped,
			"reconnects":        es.Reconnects,
			"tracked_symbols":   es.TrackedSymbols,
		}).Info("final ingestion stats")
	}

	log.Info("starting graceful shutdown")
	cancel()

	done := make(chan struct{})
	go func() {
		log.Info("stopping supervisors")
		for _, sup := range supervisors {
			sup.Stop()
		}

		log.Info("stopping normalizer")
		normalizer.Stop()

		log.Info("stopping dispatcher")
		batcher.Stop()

		// Safe only once every producer has stopped.
		channels.Close()

		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(cfg.Supervisor.ShutdownGrace):
		log.Warn("graceful shutdown timeout exceeded")
	}

	log.Info("tickerflow stopped")
}
