// Main package for the LiveAvatar relay: a REST forwarder and a WebSocket
// bridge that keep the LiveAvatar API key on the server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sessamekesh/avatar-relay/internal"
	"github.com/sessamekesh/avatar-relay/internal/obs"
	"github.com/sessamekesh/avatar-relay/pkg/config"
	"github.com/sessamekesh/avatar-relay/pkg/forwarder"
	"github.com/sessamekesh/avatar-relay/pkg/transport"
	"go.uber.org/zap"
)

func newLogger(production bool, debug bool) *zap.Logger {
	if !production {
		return zap.Must(zap.NewDevelopment())
	}

	zapConfig := zap.NewProductionConfig()
	if debug {
		zapConfig.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return zap.Must(zapConfig.Build())
}

func main() {
	//
	// Flags
	envFile := flag.String("env-file", ".env", "Optional dotenv file loaded before reading the environment")
	debug := flag.Bool("debug", false, "Enable debug logging in production mode")
	wsEndpoint := flag.String("ws-endpoint", "/", "HTTP endpoint that listens for bridge WebSocket connections")
	flag.Parse()

	// Loaded first so APP_ENV from the file picks the logger
	dotenvErr := config.LoadDotenv(*envFile)

	// Production is populated even when the rest of the config is invalid
	cfg, err := config.FromEnvironment()

	logger := newLogger(cfg.Production, *debug)
	defer logger.Sync()

	if dotenvErr != nil {
		logger.Warn("Failed to load dotenv file", zap.String("path", *envFile), zap.Error(dotenvErr))
	}
	if err != nil {
		logger.Fatal("Invalid relay configuration", zap.Error(err))
	}

	logger.Info("Starting LiveAvatar relay",
		zap.String("apiBase", cfg.APIBase.String()),
		zap.String("wsTarget", cfg.WebsocketTarget),
		zap.Int("wsPort", cfg.WsPort),
		zap.String("httpHost", cfg.HttpHost),
		zap.Int("httpPort", cfg.HttpPort),
		zap.Int("metricsPort", cfg.MetricsPort),
		zap.Int("forwardRoutes", len(cfg.ForwardRoutes)),
		zap.String("avatarId", cfg.AvatarID),
		zap.Bool("apiKey", cfg.HasAPIKey()))

	shutdownCtx, shutdownRelease := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer shutdownRelease()

	//
	// Socket bridge
	wsServer, err := transport.CreateWebsocketBridgeHandler(transport.WebsocketBridgeParams{
		ListenAddress:  fmt.Sprintf(":%d", cfg.WsPort),
		ListenEndpoint: *wsEndpoint,
		AllowAllHosts:  true,
		DefaultTarget:  cfg.WebsocketTarget,
		DefaultToken:   cfg.APIKey,
		IdleTimeout:    cfg.BridgeIdleTimeout,
		Store:          internal.CreateSessionStore(cfg.BridgeMaxSessions),
		Logger:         logger,
	})
	if err != nil {
		logger.Fatal("Failed to create WebSocket bridge", zap.Error(err))
	}

	//
	// REST forwarder
	restServer, err := forwarder.New(cfg, forwarder.Params{Logger: logger})
	if err != nil {
		logger.Fatal("Failed to create REST forwarder", zap.Error(err))
	}

	wg := sync.WaitGroup{}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := wsServer.Start(shutdownCtx); err != nil {
			logger.Error("WebSocket bridge stopped with error", zap.Error(err))
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := restServer.Start(shutdownCtx); err != nil {
			logger.Error("REST forwarder stopped with error", zap.Error(err))
		}
	}()

	if cfg.MetricsPort != 0 {
		metricsServer := obs.NewMetricsServer(fmt.Sprintf(":%d", cfg.MetricsPort), logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := metricsServer.Start(shutdownCtx); err != nil {
				logger.Error("Metrics server stopped with error", zap.Error(err))
			}
		}()
	}

	wg.Wait()
	logger.Info("LiveAvatar relay stopped")
}
