// Gasline: resilient gas price acquisition and caching for EVM chains.
//
// Gasline polls a rotation of JSON-RPC endpoints for base fee data,
// persists the observations, and fronts a prediction API with an edge
// cache. When every endpoint is down it serves a synthetic daily price
// pattern so consumers always get an answer.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gasline/gasline/pkg/cache"
	"github.com/gasline/gasline/pkg/chainrpc"
	"github.com/gasline/gasline/pkg/collector"
	"github.com/gasline/gasline/pkg/gasdb"
	"github.com/gasline/gasline/pkg/history"
	"github.com/gasline/gasline/pkg/proxy"
	"github.com/gasline/gasline/pkg/ws"
)

var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

// Default rotation when no endpoints are configured.
const defaultEndpoints = "https://mainnet.base.org,https://base.blockpi.network/v1/rpc/public,https://base-rpc.publicnode.com"

var (
	endpointsFlag   = flag.String("endpoints", envOr("GASLINE_RPC_ENDPOINTS", defaultEndpoints), "Comma-separated JSON-RPC endpoint rotation")
	upstreamURL     = flag.String("upstream", envOr("GASLINE_UPSTREAM_URL", "http://127.0.0.1:8000"), "Base URL of the prediction API to cache")
	listenAddr      = flag.String("listen", envOr("GASLINE_LISTEN_ADDR", ":8080"), "Cache proxy listen address")
	wsAddr          = flag.String("ws-listen", envOr("GASLINE_WS_ADDR", ":8081"), "Websocket feed listen address")
	dataDir         = flag.String("data-dir", envOr("GASLINE_DATA_DIR", "./data"), "Directory for cache and observation databases")
	collectInterval = flag.Duration("collect-interval", 15*time.Second, "Gas collection poll interval")
	backfillHours   = flag.Float64("backfill-hours", 0, "Backfill this many hours of sampled history at startup (0 disables)")
	rpcTimeout      = flag.Duration("rpc-timeout", chainrpc.DefaultTimeout, "Per-request JSON-RPC timeout")
	logLevel        = flag.String("log-level", envOr("GASLINE_LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
	enableCollector = flag.Bool("enable-collector", true, "Run the background gas collector")
	enableWS        = flag.Bool("enable-ws", true, "Serve the websocket live feed")
	showVersion     = flag.Bool("version", false, "Print version and exit")
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	flag.Parse()

	if *showVersion {
		os.Stdout.WriteString("gasline " + Version + " (" + GitCommit + ")\n")
		os.Exit(0)
	}

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		log.WithField("level", *logLevel).Warn("Unknown log level, using info")
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	log.WithFields(logrus.Fields{
		"version": Version,
		"commit":  GitCommit,
	}).Info("Starting gasline")

	endpoints := splitEndpoints(*endpointsFlag)
	rotor, err := chainrpc.NewRotor(endpoints)
	if err != nil {
		log.WithError(err).Fatal("No usable RPC endpoints")
	}
	client := chainrpc.New(rotor, *rpcTimeout)
	log.WithField("endpoints", len(endpoints)).Info("Endpoint rotation ready")

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		log.WithError(err).Fatal("Failed to create data directory")
	}

	store, err := cache.NewBadgerStore(cache.DefaultBadgerConfig(filepath.Join(*dataDir, "cache")))
	if err != nil {
		log.WithError(err).Fatal("Failed to open cache store")
	}
	defer store.Close()

	obsDB, err := gasdb.Open(filepath.Join(*dataDir, "observations.db"))
	if err != nil {
		log.WithError(err).Fatal("Failed to open observation store")
	}
	defer obsDB.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.WithField("signal", sig.String()).Info("Shutting down")
		cancel()
	}()

	if *backfillHours > 0 {
		fetcher := history.NewFetcher(client, history.WithLogger(log))
		obs, err := fetcher.FetchRange(ctx, *backfillHours)
		if err != nil {
			log.WithError(err).Warn("History backfill failed")
		}
		for _, o := range obs {
			if err := obsDB.Put(o); err != nil {
				log.WithError(err).Warn("Backfill persist failed")
				break
			}
		}
		log.WithFields(logrus.Fields{
			"hours":   *backfillHours,
			"samples": len(obs),
		}).Info("History backfill complete")
	}

	var wg sync.WaitGroup

	var hub *ws.Hub
	if *enableWS {
		hub = ws.NewHub(*wsAddr, log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := hub.Start(ctx); err != nil {
				log.WithError(err).Error("Websocket hub failed")
				cancel()
			}
		}()
	}

	if *enableCollector {
		opts := []collector.Option{collector.WithInterval(*collectInterval)}
		if hub != nil {
			opts = append(opts, collector.WithBroadcaster(hub))
		}
		coll := collector.New(client, obsDB, log, opts...)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := coll.Run(ctx); err != nil && err != context.Canceled {
				log.WithError(err).Error("Collector failed")
			}
		}()
	}

	cfg := proxy.DefaultConfig(*upstreamURL)
	cfg.Addr = *listenAddr
	srv := proxy.New(cfg, store, obsDB, log)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Start(ctx); err != nil {
			log.WithError(err).Error("Proxy server failed")
			cancel()
		}
	}()

	<-ctx.Done()
	wg.Wait()
	log.Info("Gasline stopped")
}

func splitEndpoints(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
