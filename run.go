package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cppla/waterway/config"
	"github.com/cppla/waterway/internal/logging"
	"github.com/cppla/waterway/internal/registry"
	"github.com/cppla/waterway/transport"
	"github.com/cppla/waterway/tunnel"
)

func main() {
	conf := flag.String("config", "", "Path to config file")
	flag.Parse()

	if *conf != "" {
		if err := config.Reload(*conf); err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			os.Exit(1)
		}
	}
	if config.GlobalCfg == nil {
		fmt.Println("no configuration loaded, pass -config or set WATERWAY_CONFIG")
		os.Exit(1)
	}

	logger := logging.New(config.GlobalCfg.Log)
	defer logger.Sync()

	reg, err := registry.Default()
	if err != nil {
		logger.Fatal("failed to build node registry", zap.Error(err))
	}

	pool := tunnel.NewPool(config.GlobalCfg.Workers, 256, logger)
	defer pool.Stop()

	logger.Info("waterway starting")

	wg := &sync.WaitGroup{}
	for _, lc := range config.GlobalCfg.Listeners {
		chain, err := tunnel.Build(reg, logger, lc.NodeConfigs())
		if err != nil {
			logger.Fatal("failed to build chain", zap.String("listener", lc.Name), zap.Error(err))
		}

		wg.Add(1)
		go func(lc *config.ListenerConfig, chain *tunnel.Chain) {
			defer wg.Done()
			serveListener(logger, pool, lc, chain)
		}(lc, chain)
	}
	wg.Wait()

	logger.Info("waterway shut down")
}

func serveListener(logger *zap.Logger, pool *tunnel.Pool, lc *config.ListenerConfig, chain *tunnel.Chain) {
	rateLimit := transport.RateLimit{
		MaxConnections: lc.RateLimitPerWindow,
		Window:         time.Duration(lc.RateLimitWindowSec) * time.Second,
	}

	switch lc.Network {
	case "tcp":
		ls := transport.NewListener(lc.Listen, chain, pool, logger, rateLimit)
		if err := ls.ListenAndServe(); err != nil {
			logger.Error("tcp listener stopped", zap.String("listener", lc.Name), zap.Error(err))
		}
	case "quic":
		cert, err := tls.LoadX509KeyPair(lc.TLSCertFile, lc.TLSKeyFile)
		if err != nil {
			logger.Fatal("failed to load quic tls certificate", zap.String("listener", lc.Name), zap.Error(err))
		}
		tlsConf := &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{"waterway-rendezvous"},
		}
		rl := transport.NewRendezvousListener(lc.Listen, tlsConf, chain, pool, logger)
		if err := rl.ListenAndServe(context.Background()); err != nil {
			logger.Error("quic listener stopped", zap.String("listener", lc.Name), zap.Error(err))
		}
	}
}
