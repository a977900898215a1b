package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/awnumar/memguard"
	"github.com/marketgate/marketgate/internal/auth"
	"github.com/marketgate/marketgate/internal/config"
	"github.com/marketgate/marketgate/internal/feed"
	"github.com/marketgate/marketgate/internal/kms"
	"github.com/marketgate/marketgate/internal/ops"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	defer memguard.Purge()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg.IsProduction())
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Error("marketgate stopped with error", zap.Error(err))
		os.Exit(1)
	}
	log.Info("marketgate stopped")
}

func newLogger(production bool) *zap.Logger {
	if production {
		return zap.Must(zap.NewProduction())
	}
	c := zap.NewDevelopmentConfig()
	c.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return zap.Must(c.Build())
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info("marketgate starting",
		zap.String("env", cfg.Env),
		zap.String("upstream", cfg.Upstream.URL),
		zap.Bool("encrypted_payloads", cfg.Upstream.EncryptedPayloads),
	)

	watchlist, err := feed.ParseWatchlist(cfg.Upstream.Watchlist)
	if err != nil {
		return err
	}

	var rdb redis.UniversalClient
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
		}
	}

	issuer, err := newIssuer(ctx, cfg, rdb, log)
	if err != nil {
		return err
	}
	defer issuer.Destroy()

	rates := feed.NewRateCache(feed.RateConfig{
		URL:      cfg.Rates.URL,
		Currency: cfg.Rates.Currency,
		Timeout:  cfg.Rates.Timeout,
		Fallback: cfg.Rates.Fallback,
	}, log)
	go rates.Run(ctx, cfg.Rates.RefreshInterval)

	upCfg := feed.DefaultUpstreamConfig(cfg.Upstream.URL)
	upCfg.HandshakeTimeout = cfg.Upstream.HandshakeTimeout
	upCfg.WriteTimeout = cfg.Upstream.WriteTimeout
	upCfg.PingInterval = cfg.Upstream.PingInterval
	upCfg.PingTimeout = cfg.Upstream.PingTimeout
	upCfg.CustType = cfg.Upstream.CustType
	upCfg.Encrypted = cfg.Upstream.EncryptedPayloads

	gw := feed.New(feed.Config{
		Upstream: upCfg,
		Fanout: feed.FanoutConfig{
			BufferSize:      cfg.Fanout.BufferSize,
			DeliveryTimeout: cfg.Fanout.DeliveryTimeout,
		},
	}, issuer, rates, log)

	if rdb != nil {
		sw := feed.NewSnapshotWriter(feed.NewRedisHashes(rdb), cfg.Redis.SnapshotTTL, log)
		gw.AddClient(sw)
		go sw.Run(ctx)
	}

	srv, err := ops.New(cfg.Ops.SocketPath, cfg.Ops.MetricsAddr, log)
	if err != nil {
		return err
	}
	monitor := ops.NewMonitor(ops.MonitorConfig{
		PollInterval:   cfg.Ops.PollInterval,
		StaleThreshold: cfg.Ops.StaleThreshold,
	}, gw, srv.Health(), log)
	gw.AddClient(monitor)
	go monitor.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve()
	}()

	if len(watchlist) > 0 {
		if err := gw.Subscribe(ctx, watchlist); err != nil {
			log.Warn("watchlist subscribe failed", zap.Error(err))
		} else {
			log.Info("watchlist subscribed", zap.Int("keys", len(gw.Subscriptions())))
		}
	}

	log.Info("marketgate ready", zap.String("ops_socket", cfg.Ops.SocketPath))

	select {
	case <-ctx.Done():
		log.Info("marketgate shutting down")
	case err = <-errCh:
		log.Error("ops server stopped", zap.Error(err))
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if serr := gw.Shutdown(shutdownCtx); serr != nil {
		log.Warn("gateway shutdown", zap.Error(serr))
	}
	srv.GracefulStop()
	return err
}

// newIssuer resolves the app secret, decrypting it with KMS when only the
// ciphertext is configured, and builds the approval-key issuer.
func newIssuer(ctx context.Context, cfg *config.Config, rdb redis.UniversalClient, log *zap.Logger) (*auth.Issuer, error) {
	var dec kms.Decrypter
	if cfg.Auth.AppSecretCiphertext != "" {
		c, err := kms.New(ctx, cfg.KMS.Region, cfg.KMS.LocalStackEndpoint)
		if err != nil {
			return nil, err
		}
		dec = c
	}

	secret, err := kms.ResolveSecret(ctx, dec, cfg.Auth.AppSecret, cfg.Auth.AppSecretCiphertext)
	if err != nil {
		return nil, err
	}

	var cache auth.KeyCache
	if rdb != nil {
		cache = auth.NewRedisKeyCache(rdb, "marketgate:token:")
	}
	return auth.NewIssuer(auth.Config{
		BaseURL: cfg.Auth.BaseURL,
		AppKey:  cfg.Auth.AppKey,
		TTL:     cfg.Auth.KeyTTL,
	}, secret, cache, log), nil
}
