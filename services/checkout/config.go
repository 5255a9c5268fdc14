package checkout

import (
	"fmt"
	"math/big"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/cutemonstersnft/solanapay-compression/config"
	"github.com/cutemonstersnft/solanapay-compression/core"
	"github.com/cutemonstersnft/solanapay-compression/core/types"
	"github.com/cutemonstersnft/solanapay-compression/core/watcher"
)

// Config captures the runtime configuration for the checkout daemon.
type Config struct {
	ListenAddress string              `yaml:"listen" toml:"listen"`
	PublicURL     string              `yaml:"public_url" toml:"public_url"`
	Database      string              `yaml:"database" toml:"database"`
	Label         string              `yaml:"label" toml:"label"`
	Icon          string              `yaml:"icon" toml:"icon"`
	Message       string              `yaml:"message" toml:"message"`
	Payee         string              `yaml:"payee" toml:"payee"`
	Mint          string              `yaml:"mint" toml:"mint"`
	LogLevel      string              `yaml:"log_level" toml:"log_level"`
	LogFile       string              `yaml:"log_file" toml:"log_file"`
	RPC           config.RPCConfig    `yaml:"rpc" toml:"rpc"`
	Index         IndexConfig         `yaml:"index" toml:"index"`
	Signer        config.SignerConfig `yaml:"signer" toml:"signer"`
	Reward        RewardConfig        `yaml:"reward" toml:"reward"`
	Watcher       WatcherConfig       `yaml:"watcher" toml:"watcher"`
	MintTrigger   MintTriggerConfig   `yaml:"mint_trigger" toml:"mint_trigger"`
	Admin         AdminConfig         `yaml:"admin" toml:"admin"`
	CORS          CORSConfig          `yaml:"cors" toml:"cors"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit" toml:"rate_limit"`
}

// IndexConfig points at the compressed asset index (DAS).
type IndexConfig struct {
	Endpoint string          `yaml:"endpoint" toml:"endpoint"`
	Token    string          `yaml:"token" toml:"token"`
	TokenEnv string          `yaml:"token_env" toml:"token_env"`
	Timeout  config.Duration `yaml:"timeout" toml:"timeout"`
}

// RewardConfig selects when a reward transfer rides along with a payment.
type RewardConfig struct {
	Gate      string `yaml:"gate" toml:"gate"`
	Threshold string `yaml:"threshold" toml:"threshold"`
	Tree      string `yaml:"tree" toml:"tree"`
}

// WatcherConfig bounds the per-session confirmation watcher.
type WatcherConfig struct {
	Interval    config.Duration `yaml:"interval" toml:"interval"`
	MaxAttempts int             `yaml:"max_attempts" toml:"max_attempts"`
	Finality    string          `yaml:"finality" toml:"finality"`
}

// MintTriggerConfig points at mintd. An empty endpoint disables triggers.
type MintTriggerConfig struct {
	Endpoint   string `yaml:"endpoint" toml:"endpoint"`
	Secret     string `yaml:"secret" toml:"secret"`
	SecretEnv  string `yaml:"secret_env" toml:"secret_env"`
	SecretFile string `yaml:"secret_file" toml:"secret_file"`
	JWT        bool   `yaml:"jwt" toml:"jwt"`
	Issuer     string `yaml:"issuer" toml:"issuer"`
	Audience   string `yaml:"audience" toml:"audience"`
}

// AdminConfig protects operator routes. An empty secret leaves them unmounted.
type AdminConfig struct {
	Secret    string `yaml:"secret" toml:"secret"`
	SecretEnv string `yaml:"secret_env" toml:"secret_env"`
}

// CORSConfig lists the origins allowed to call the checkout API.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`
}

// RateLimitConfig bounds transaction requests and session creation per client.
type RateLimitConfig struct {
	PayRPS       float64 `yaml:"pay_rps" toml:"pay_rps"`
	PayBurst     int     `yaml:"pay_burst" toml:"pay_burst"`
	SessionRPS   float64 `yaml:"session_rps" toml:"session_rps"`
	SessionBurst int     `yaml:"session_burst" toml:"session_burst"`
}

const (
	defaultLabel     = "Monstrè Shop"
	defaultIcon      = "https://monstre.shop/icon.png"
	defaultThreshold = "10"
)

// LoadConfig reads configuration from path and applies CHECKOUT_* overrides.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	if err := config.LoadFile(path, &cfg); err != nil {
		return cfg, err
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := cfg.normalise(); err != nil {
		return cfg, err
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.ListenAddress = config.GetenvDefault("CHECKOUT_LISTEN", cfg.ListenAddress)
	cfg.PublicURL = config.GetenvDefault("CHECKOUT_PUBLIC_URL", cfg.PublicURL)
	cfg.Database = config.GetenvDefault("CHECKOUT_DATABASE", cfg.Database)
	cfg.LogLevel = config.GetenvDefault("CHECKOUT_LOG_LEVEL", cfg.LogLevel)
	cfg.RPC.Endpoint = config.GetenvDefault("CHECKOUT_RPC_URL", cfg.RPC.Endpoint)
	cfg.Index.Endpoint = config.GetenvDefault("CHECKOUT_INDEX_URL", cfg.Index.Endpoint)
	cfg.MintTrigger.Endpoint = config.GetenvDefault("CHECKOUT_MINT_TRIGGER_URL", cfg.MintTrigger.Endpoint)
	cfg.Reward.Gate = config.GetenvDefault("CHECKOUT_REWARD_GATE", cfg.Reward.Gate)
	if raw := config.GetenvDefault("CHECKOUT_WATCH_ATTEMPTS", ""); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			cfg.Watcher.MaxAttempts = n
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7080"
	}
	if cfg.Database == "" {
		cfg.Database = "checkout-data/checkout.db"
	}
	if cfg.Label == "" {
		cfg.Label = defaultLabel
	}
	if cfg.Icon == "" {
		cfg.Icon = defaultIcon
	}
	if cfg.Message == "" {
		cfg.Message = core.DefaultMessage
	}
	cfg.RPC.ApplyDefaults()
	if cfg.Index.Timeout.Duration <= 0 {
		cfg.Index.Timeout.Duration = 10 * time.Second
	}
	if strings.TrimSpace(cfg.Reward.Threshold) == "" {
		cfg.Reward.Threshold = defaultThreshold
	}
	if cfg.Watcher.Interval.Duration <= 0 {
		cfg.Watcher.Interval.Duration = watcher.DefaultInterval
	}
	if cfg.Watcher.MaxAttempts <= 0 {
		cfg.Watcher.MaxAttempts = watcher.DefaultMaxAttempts
	}
	if cfg.RateLimit.PayRPS <= 0 {
		cfg.RateLimit.PayRPS = 5
	}
	if cfg.RateLimit.PayBurst <= 0 {
		cfg.RateLimit.PayBurst = 10
	}
	if cfg.RateLimit.SessionRPS <= 0 {
		cfg.RateLimit.SessionRPS = 2
	}
	if cfg.RateLimit.SessionBurst <= 0 {
		cfg.RateLimit.SessionBurst = 5
	}
}

func (c *Config) normalise() error {
	c.PublicURL = strings.TrimRight(strings.TrimSpace(c.PublicURL), "/")
	token, err := optionalSecret("index.token", c.Index.Token, c.Index.TokenEnv, "")
	if err != nil {
		return err
	}
	c.Index.Token = token
	secret, err := optionalSecret("mint_trigger.secret", c.MintTrigger.Secret, c.MintTrigger.SecretEnv, c.MintTrigger.SecretFile)
	if err != nil {
		return err
	}
	c.MintTrigger.Secret = secret
	admin, err := optionalSecret("admin.secret", c.Admin.Secret, c.Admin.SecretEnv, "")
	if err != nil {
		return err
	}
	c.Admin.Secret = admin
	return nil
}

func optionalSecret(field, literal, envVar, file string) (string, error) {
	if strings.TrimSpace(literal+envVar+file) == "" {
		return "", nil
	}
	return config.ResolveSecret(field, literal, envVar, file)
}

func validateConfig(cfg Config) error {
	if cfg.RPC.Endpoint == "" {
		return fmt.Errorf("rpc endpoint must be configured")
	}
	if !cfg.Signer.Configured() {
		return fmt.Errorf("signer key must be configured")
	}
	if _, err := url.ParseRequestURI(cfg.PublicURL); err != nil || !strings.HasPrefix(cfg.PublicURL, "http") {
		return fmt.Errorf("public_url must be an absolute http(s) URL")
	}
	if _, err := cfg.payee(); err != nil {
		return err
	}
	if _, err := cfg.mint(); err != nil {
		return err
	}
	if _, err := types.ParseFinality(cfg.RPC.Commitment); err != nil {
		return err
	}
	if _, err := types.ParseFinality(cfg.Watcher.Finality); err != nil {
		return err
	}
	policy, err := cfg.rewardPolicy()
	if err != nil {
		return err
	}
	if policy.Gate != core.GateDisabled && cfg.Index.Endpoint == "" {
		return fmt.Errorf("index endpoint must be configured unless reward.gate is disabled")
	}
	if cfg.MintTrigger.Endpoint != "" && cfg.MintTrigger.Secret == "" {
		return fmt.Errorf("mint_trigger secret must be configured with an endpoint")
	}
	if cfg.Watcher.Interval.Duration > time.Minute {
		return fmt.Errorf("watcher interval %s exceeds 1m", cfg.Watcher.Interval.Duration)
	}
	return nil
}

func (c Config) payee() (solana.PublicKey, error) {
	return types.ParseAddress("payee", c.Payee)
}

func (c Config) mint() (solana.PublicKey, error) {
	return types.ParseAddress("mint", c.Mint)
}

func (c Config) rewardPolicy() (core.RewardPolicy, error) {
	gate, err := core.ParseRewardGate(c.Reward.Gate)
	if err != nil {
		return core.RewardPolicy{}, err
	}
	if gate == core.GateDisabled {
		return core.RewardPolicy{Gate: gate}, nil
	}
	var threshold *big.Rat
	if gate == core.GateAmountAndAsset {
		threshold, err = core.ParseAmount(c.Reward.Threshold)
		if err != nil {
			return core.RewardPolicy{}, fmt.Errorf("reward.threshold: %w", err)
		}
	}
	tree, err := types.ParseAddress("reward.tree", c.Reward.Tree)
	if err != nil {
		return core.RewardPolicy{}, err
	}
	return core.RewardPolicy{Gate: gate, Threshold: threshold, Tree: tree}, nil
}
