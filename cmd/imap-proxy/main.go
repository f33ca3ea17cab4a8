package main

import (
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"imap-sanitizer-proxy/internal/config"
	"imap-sanitizer-proxy/internal/metrics"
	"imap-sanitizer-proxy/internal/proxy"
	"imap-sanitizer-proxy/internal/sanitize"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	port := flag.Int("p", 0, "listen on the given port (default: 143, or 993 with a certificate)")
	certfile := flag.String("c", "", "enable TLS with the given PEM certificate (the key may live in the same file)")
	keyfile := flag.String("tls-key", "", "private key for -c when kept in a separate file")
	macKey := flag.String("k", "", "key used to sign messages appended by the proxy")
	nclient := flag.Int("n", 0, "maximum number of concurrent clients")
	verbose := flag.Bool("v", false, "echo IMAP payload")
	ipv6 := flag.Bool("6", false, "listen on IPv6")
	metricsListen := flag.String("metrics", "", "expose Prometheus metrics on the given address")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			slog.Error("failed to load config", "err", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	// Flags override file values.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "p":
			cfg.Server.Port = *port
		case "c":
			cfg.Server.CertFile = *certfile
		case "tls-key":
			cfg.Server.KeyFile = *keyfile
		case "k":
			cfg.Sanitizer.MACKey = *macKey
		case "n":
			cfg.Server.MaxClients = *nclient
		case "v":
			cfg.Server.Verbose = *verbose
		case "6":
			cfg.Server.IPv6 = *ipv6
		case "metrics":
			cfg.Metrics.Listen = *metricsListen
		}
	})
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.Server.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	var collector metrics.Collector = metrics.NoopCollector{}
	if cfg.Metrics.Listen != "" {
		reg := prometheus.NewRegistry()
		collector = metrics.NewPrometheusCollector(reg)
		go func() {
			logger.Info("metrics exposed", "listen", cfg.Metrics.Listen)
			if err := http.ListenAndServe(cfg.Metrics.Listen, metrics.Handler(reg)); err != nil {
				logger.Error("metrics server error", "err", err)
			}
		}()
	}

	groomer := sanitize.IdentityGroomer()
	if len(cfg.Sanitizer.GroomerCommand) > 0 {
		groomer = &sanitize.CommandGroomer{Argv: cfg.Sanitizer.GroomerCommand}
		logger.Info("using external groomer", "command", cfg.Sanitizer.GroomerCommand[0])
	} else {
		logger.Warn("no groomer configured, messages pass through unchanged")
	}

	logger.Info("starting imap-sanitizer-proxy",
		"port", cfg.ListenPort(),
		"tls", cfg.TLSEnabled(),
		"max_clients", cfg.Server.MaxClients,
	)

	srv := proxy.NewServer(cfg, logger, collector, groomer)

	// Handle signals for graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		srv.Close()
	}()

	if err := srv.ListenAndServe(); err != nil {
		logger.Error("server error", "err", err)
		os.Exit(1)
	}
}
