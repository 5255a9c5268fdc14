package mintd

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/cutemonstersnft/solanapay-compression/core/types"
	"github.com/cutemonstersnft/solanapay-compression/gateway/middleware"
	"github.com/cutemonstersnft/solanapay-compression/ledger"
	"github.com/cutemonstersnft/solanapay-compression/observability"
	"github.com/cutemonstersnft/solanapay-compression/observability/logging"
	telemetry "github.com/cutemonstersnft/solanapay-compression/observability/otel"
)

// Main initialises and runs the mint daemon. passphrase unlocks a keystore
// signer and may be nil when the key is configured another way.
func Main(passphrase func() (string, error)) error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/mintd/config.yaml", "path to mintd configuration")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := strings.TrimSpace(os.Getenv("SOLPAY_ENV"))
	logger := logging.Setup("mintd", env, logging.WithLevel(cfg.LogLevel), logging.WithFile(cfg.LogFile, 100, 5))
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.ConfigFromEnv("mintd", env))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	logger.Info("configuration loaded",
		"config", cfgPath,
		"queue", cfg.QueuePath,
		logging.MaskEndpoint("rpc", cfg.RPC.Endpoint),
		logging.MaskField("auth_secret", cfg.Auth.Secret))

	signer, err := cfg.Signer.Load(passphrase)
	if err != nil {
		return fmt.Errorf("load signer: %w", err)
	}
	commitment, _ := types.ParseFinality(cfg.RPC.Commitment)
	finality, _ := types.ParseFinality(cfg.Retry.Finality)
	threshold, _ := cfg.threshold()
	collection, _ := cfg.Collection.resolve()
	metadata, _ := cfg.Metadata.resolve()

	rpcClient, err := ledger.New(cfg.RPC.Endpoint,
		ledger.WithTimeout(cfg.RPC.Timeout.Duration),
		ledger.WithCommitment(commitment),
		ledger.WithHeaders(cfg.RPC.Headers))
	if err != nil {
		return fmt.Errorf("ledger client: %w", err)
	}
	minter, err := NewMinter(rpcClient, signer, collection, metadata)
	if err != nil {
		return err
	}
	queue, err := OpenQueue(cfg.QueuePath)
	if err != nil {
		return err
	}
	defer queue.Close()

	metrics := observability.Mintd()
	processor, err := NewProcessor(queue, rpcClient, minter,
		WithRetry(cfg.Retry.Attempts, cfg.Retry.Delay.Duration),
		WithFinality(finality),
		WithThreshold(threshold),
		WithLogger(logger),
		WithMetrics(metrics))
	if err != nil {
		return err
	}
	defer processor.Close()
	if _, err := processor.Resume(context.Background()); err != nil {
		return fmt.Errorf("resume tasks: %w", err)
	}

	auth, err := middleware.NewAuthenticator(middleware.AuthConfig{
		Secret:      cfg.Auth.Secret,
		AllowStatic: *cfg.Auth.AllowStatic,
		Issuer:      cfg.Auth.Issuer,
		Audience:    cfg.Auth.Audience,
		OnReject:    metrics.RecordRejected,
	}, logger)
	if err != nil {
		return err
	}
	obs := middleware.NewObservability(middleware.ObservabilityConfig{ServiceName: "mintd", MetricsPrefix: "mintd_http"}, logger)
	server := NewServer(processor, auth, obs, logger)

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      otelhttp.NewHandler(server, "mintd"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 1)
	go func() {
		logger.Info("mintd listening", "addr", cfg.ListenAddress, "shop", signer.PublicKey().String())
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}
