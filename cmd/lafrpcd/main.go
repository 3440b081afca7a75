// Command lafrpcd starts whichever transports a config file enables,
// wired to a single Rpc core, and blocks until interrupted. It exists to
// show the transport layer exercised end to end; RPC dispatch above the
// channel is out of this module's scope.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"lafrpc/pkg/config"
	"lafrpc/pkg/dnscache"
	"lafrpc/pkg/rpc"
	"lafrpc/pkg/transport"
	"lafrpc/pkg/transport/httptransport"
	"lafrpc/pkg/transport/kcp"
	"lafrpc/pkg/transport/kcpssl"
	"lafrpc/pkg/transport/ssl"
	"lafrpc/pkg/transport/tcp"
)

func main() {
	configPath := flag.String("config", "lafrpc.yaml", "path to the runtime config file")
	flag.Parse()

	logger := slog.Default()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	dnsTTL := cfg.DNSCacheTTL.Duration

	core := rpc.New(
		rpc.WithMaxPacketSize(cfg.MaxPacketSize),
		rpc.WithDNSCache(dnscache.New(dnsTTL)),
		rpc.WithLogger(logger),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var transports []transport.Transport

	if cfg.TCP != nil {
		t := tcp.New(core, tcp.WithServerOptions(&transport.ServerOptions{MaxConnections: cfg.TCP.MaxConnections}))
		transports = append(transports, t)
		go startServer(ctx, logger, "tcp", t, cfg.TCP.Address)
	}

	if cfg.SSL != nil {
		tlsCfg, err := config.BuildTLSConfig(&cfg.SSL.TLS)
		if err != nil {
			logger.Error("ssl: invalid tls material", "err", err)
			os.Exit(1)
		}
		t := ssl.New(core, tlsCfg, ssl.WithServerOptions(&transport.ServerOptions{MaxConnections: cfg.SSL.MaxConnections}))
		transports = append(transports, t)
		go startServer(ctx, logger, "ssl", t, cfg.SSL.Address)
	}

	if cfg.KCP != nil {
		if cfg.KCP.SSL != nil {
			tlsCfg, err := config.BuildTLSConfig(cfg.KCP.SSL)
			if err != nil {
				logger.Error("kcp+ssl: invalid tls material", "err", err)
				os.Exit(1)
			}
			t := kcpssl.New(core, tlsCfg, kcpssl.WithFEC(cfg.KCP.DataShards, cfg.KCP.ParityShards))
			transports = append(transports, t)
			go startServer(ctx, logger, "kcp+ssl", t, cfg.KCP.Address)
		} else {
			t := kcp.New(core, kcp.WithFEC(cfg.KCP.DataShards, cfg.KCP.ParityShards))
			transports = append(transports, t)
			go startServer(ctx, logger, "kcp", t, cfg.KCP.Address)
		}
	}

	if cfg.HTTP != nil {
		httpTLS, err := config.BuildTLSConfig(cfg.HTTP.TLS)
		if err != nil {
			logger.Error("http: invalid tls material", "err", err)
			os.Exit(1)
		}
		t := httptransport.New(core, cfg.HTTP.Path, cfg.HTTP.RootDir, httpTLS,
			httptransport.WithServerOptions(&transport.ServerOptions{MaxConnections: cfg.HTTP.MaxConnections}))
		transports = append(transports, t)
		go startServer(ctx, logger, "http", t, cfg.HTTP.Address)
	}

	<-ctx.Done()
	logger.Info("shutting down")

	for _, t := range transports {
		_ = t.Close()
	}
}

func startServer(ctx context.Context, logger *slog.Logger, name string, t transport.Transport, addr string) {
	if err := t.StartServer(ctx, addr); err != nil {
		logger.Warn("transport stopped", "transport", name, "addr", addr, "err", err)
	}
}
