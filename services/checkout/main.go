package checkout

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/cutemonstersnft/solanapay-compression/assetindex"
	"github.com/cutemonstersnft/solanapay-compression/core"
	"github.com/cutemonstersnft/solanapay-compression/core/compression"
	"github.com/cutemonstersnft/solanapay-compression/core/types"
	"github.com/cutemonstersnft/solanapay-compression/gateway/middleware"
	"github.com/cutemonstersnft/solanapay-compression/integrations/webhooks"
	"github.com/cutemonstersnft/solanapay-compression/ledger"
	"github.com/cutemonstersnft/solanapay-compression/observability/logging"
	telemetry "github.com/cutemonstersnft/solanapay-compression/observability/otel"
)

// Main initialises and runs the checkout daemon. passphrase unlocks a
// keystore signer and may be nil when the key is configured another way.
func Main(passphrase func() (string, error)) error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/checkout/config.yaml", "path to checkout configuration")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	env := strings.TrimSpace(os.Getenv("SOLPAY_ENV"))
	logger := logging.Setup("checkout", env, logging.WithLevel(cfg.LogLevel), logging.WithFile(cfg.LogFile, 100, 5))
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.ConfigFromEnv("checkout", env))
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
		"database", cfg.Database,
		"public_url", cfg.PublicURL,
		logging.MaskEndpoint("rpc", cfg.RPC.Endpoint),
		logging.MaskEndpoint("index", cfg.Index.Endpoint),
		logging.MaskEndpoint("mint_trigger", cfg.MintTrigger.Endpoint),
		logging.MaskField("index_token", cfg.Index.Token),
		logging.MaskField("mint_trigger_secret", cfg.MintTrigger.Secret),
		logging.MaskField("admin_secret", cfg.Admin.Secret))

	signer, err := cfg.Signer.Load(passphrase)
	if err != nil {
		return fmt.Errorf("load signer: %w", err)
	}
	commitment, _ := types.ParseFinality(cfg.RPC.Commitment)
	finality, _ := types.ParseFinality(cfg.Watcher.Finality)
	payee, _ := cfg.payee()
	mint, _ := cfg.mint()
	policy, _ := cfg.rewardPolicy()

	rpcClient, err := ledger.New(cfg.RPC.Endpoint,
		ledger.WithTimeout(cfg.RPC.Timeout.Duration),
		ledger.WithCommitment(commitment),
		ledger.WithHeaders(cfg.RPC.Headers))
	if err != nil {
		return fmt.Errorf("ledger client: %w", err)
	}

	opts := []core.AssemblerOption{core.WithMessage(cfg.Message), core.WithLogger(logger)}
	if policy.Gate != core.GateDisabled {
		index := assetindex.NewClient(cfg.Index.Endpoint, cfg.Index.Token, cfg.Index.Timeout.Duration)
		opts = append(opts, core.WithRewards(compression.NewProofFetcher(index, rpcClient), policy))
	}
	assembler, err := core.NewAssembler(rpcClient, signer, payee, mint, opts...)
	if err != nil {
		return err
	}

	if dir := filepath.Dir(cfg.Database); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create database dir: %w", err)
		}
	}
	store, err := OpenStore(cfg.Database)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	managerOpts := []ManagerOption{
		WithPolling(cfg.Watcher.Interval.Duration, cfg.Watcher.MaxAttempts),
		WithFinality(finality),
		WithLogger(logger),
	}
	if cfg.MintTrigger.Endpoint != "" {
		dispatchOpts := []webhooks.Option{webhooks.WithLogger(logger)}
		if cfg.MintTrigger.JWT {
			dispatchOpts = append(dispatchOpts, webhooks.WithJWT(cfg.MintTrigger.Issuer, cfg.MintTrigger.Audience))
		}
		dispatcher, err := webhooks.NewDispatcher(cfg.MintTrigger.Endpoint, cfg.MintTrigger.Secret, dispatchOpts...)
		if err != nil {
			return fmt.Errorf("mint trigger: %w", err)
		}
		defer dispatcher.Close()
		managerOpts = append(managerOpts, WithTriggerSink(dispatcher))
	}
	sessions, err := NewManager(store, rpcClient, managerOpts...)
	if err != nil {
		return err
	}
	defer sessions.Close()
	if _, err := sessions.Resume(context.Background()); err != nil {
		return fmt.Errorf("resume sessions: %w", err)
	}

	deps := ServerDeps{
		CORS:          middleware.CORS(middleware.CORSConfig{AllowedOrigins: cfg.CORS.AllowedOrigins}),
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{ServiceName: "checkout", MetricsPrefix: "checkout_http"}, logger),
		RateLimiter: middleware.NewRateLimiter(map[string]middleware.RateLimit{
			"pay":      {RatePerSecond: cfg.RateLimit.PayRPS, Burst: cfg.RateLimit.PayBurst},
			"sessions": {RatePerSecond: cfg.RateLimit.SessionRPS, Burst: cfg.RateLimit.SessionBurst},
		}, logger),
	}
	if cfg.Admin.Secret != "" {
		admin, err := middleware.NewAuthenticator(middleware.AuthConfig{Secret: cfg.Admin.Secret, AllowStatic: true}, logger)
		if err != nil {
			return err
		}
		deps.Admin = admin
	}
	server := NewServer(ServerConfig{
		Label:            cfg.Label,
		Icon:             cfg.Icon,
		PublicURL:        cfg.PublicURL,
		WebsocketOrigins: cfg.CORS.AllowedOrigins,
	}, assembler, sessions, store, deps, logger)

	httpServer := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      otelhttp.NewHandler(server, "checkout"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 1)
	go func() {
		logger.Info("checkout listening",
			"addr", cfg.ListenAddress,
			"shop", signer.PublicKey().String(),
			"reward_gate", string(policy.Gate))
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
