// Command gateway runs the x402 payment gateway: it verifies and settles
// micropayments attached to HTTP requests, then proxies them to the paid
// backend.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/artlu99/x402-gateway/config"
	"github.com/artlu99/x402-gateway/facilitator"
	"github.com/artlu99/x402-gateway/gateway"
	evmmech "github.com/artlu99/x402-gateway/mechanisms/evm"
	svmmech "github.com/artlu99/x402-gateway/mechanisms/svm"
	"github.com/artlu99/x402-gateway/server"
	"github.com/artlu99/x402-gateway/store"
)

func main() {
	// Absent .env is fine; the environment may be set by the platform.
	_ = godotenv.Load()

	log, err := buildLogger()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if err := run(log); err != nil {
		log.Fatal("gateway exited", zap.Error(err))
	}
}

func buildLogger() (*zap.Logger, error) {
	if os.Getenv("ENV") == "development" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func buildKV(log *zap.Logger) store.KV {
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		log.Warn("REDIS_URL not set, using in-memory store; nonce state will not survive restarts")
		return store.NewMemoryKV()
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Fatal("invalid REDIS_URL", zap.Error(err))
	}
	return store.NewRedisKV(redis.NewClient(opts))
}

func run(log *zap.Logger) error {
	networks := config.BuildNetworkRegistry(os.Getenv)
	routes := config.BuildRouteTable(os.Getenv)
	if len(routes.All()) == 0 {
		log.Warn("no routes configured; only health, metrics and discovery are served")
	}
	for _, n := range networks.Active() {
		log.Info("network active", zap.String("network", n.NetworkID), zap.String("vm", string(n.VM)))
	}

	kv := buildKV(log)
	nonces := store.NewNonceCoordinator(kv, log)
	idempotency := store.NewIdempotencyCache(kv, log)

	pool := evmmech.NewClientPool(networks)
	var evmSigner *evmmech.Signer
	if key := os.Getenv(config.SettlementKeyEnv); key != "" {
		signer, err := evmmech.NewSignerFromPrivateKey(key)
		if err != nil {
			return err
		}
		evmSigner = signer
		log.Info("EVM settlement signer ready", zap.String("address", evmSigner.Address()))
	} else {
		log.Warn("no EVM settlement key; local EVM settlement disabled",
			zap.String("env", config.SettlementKeyEnv))
	}

	evmLocal := evmmech.NewExactAdapter(pool, evmSigner, nonces, log)
	evmFacilitator := facilitator.NewAdapter(networks, nil, log)
	svmAdapter := svmmech.NewExactAdapter(networks, nil, os.Getenv, log)
	dispatcher := gateway.NewDispatcher(evmLocal, evmFacilitator, svmAdapter)

	feePayer := func() (string, error) {
		signer, err := svmmech.SharedSigner(os.Getenv)
		if err != nil {
			return "", err
		}
		return signer.Address().String(), nil
	}

	g := &gateway.Gateway{
		Networks:    networks,
		Routes:      routes,
		Dispatcher:  dispatcher,
		Nonces:      nonces,
		Idempotency: idempotency,
		Required:    gateway.NewRequiredBuilder(networks, feePayer, log),
		Proxy:       gateway.NewProxy(&http.Client{}, log),
		Metrics:     gateway.NewMetrics(prometheus.DefaultRegisterer),
		Log:         log,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	return server.New(g, log).Run(ctx, addr)
}
