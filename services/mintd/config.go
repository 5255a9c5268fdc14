package mintd

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/cutemonstersnft/solanapay-compression/config"
	"github.com/cutemonstersnft/solanapay-compression/core"
	"github.com/cutemonstersnft/solanapay-compression/core/compression"
	"github.com/cutemonstersnft/solanapay-compression/core/types"
)

// Config captures the runtime configuration for mintd.
type Config struct {
	ListenAddress string              `yaml:"listen" toml:"listen"`
	QueuePath     string              `yaml:"queue_path" toml:"queue_path"`
	LogLevel      string              `yaml:"log_level" toml:"log_level"`
	LogFile       string              `yaml:"log_file" toml:"log_file"`
	RPC           config.RPCConfig    `yaml:"rpc" toml:"rpc"`
	Signer        config.SignerConfig `yaml:"signer" toml:"signer"`
	Auth          AuthConfig          `yaml:"auth" toml:"auth"`
	Retry         RetryConfig         `yaml:"retry" toml:"retry"`
	Threshold     string              `yaml:"threshold" toml:"threshold"`
	Collection    CollectionConfig    `yaml:"collection" toml:"collection"`
	Metadata      MetadataConfig      `yaml:"metadata" toml:"metadata"`
}

// AuthConfig holds the shared secret callers present.
type AuthConfig struct {
	Secret      string `yaml:"secret" toml:"secret"`
	SecretEnv   string `yaml:"secret_env" toml:"secret_env"`
	SecretFile  string `yaml:"secret_file" toml:"secret_file"`
	AllowStatic *bool  `yaml:"allow_static" toml:"allow_static"`
	Issuer      string `yaml:"issuer" toml:"issuer"`
	Audience    string `yaml:"audience" toml:"audience"`
}

// RetryConfig bounds the confirmation lookups performed before minting.
type RetryConfig struct {
	Attempts int             `yaml:"attempts" toml:"attempts"`
	Delay    config.Duration `yaml:"delay" toml:"delay"`
	Finality string          `yaml:"finality" toml:"finality"`
}

// CollectionConfig names the tree and verified collection rewards land in.
type CollectionConfig struct {
	Tree            string `yaml:"tree" toml:"tree"`
	Mint            string `yaml:"mint" toml:"mint"`
	Metadata        string `yaml:"metadata" toml:"metadata"`
	MasterEdition   string `yaml:"master_edition" toml:"master_edition"`
	AuthorityRecord string `yaml:"authority_record" toml:"authority_record"`
}

// CreatorConfig is one royalty recipient. Creators are always minted
// unverified since only the shop signs.
type CreatorConfig struct {
	Address string `yaml:"address" toml:"address"`
	Share   uint8  `yaml:"share" toml:"share"`
}

// MetadataConfig is the metadata every reward is minted with.
type MetadataConfig struct {
	Name                 string          `yaml:"name" toml:"name"`
	Symbol               string          `yaml:"symbol" toml:"symbol"`
	URI                  string          `yaml:"uri" toml:"uri"`
	SellerFeeBasisPoints uint16          `yaml:"seller_fee_basis_points" toml:"seller_fee_basis_points"`
	Creators             []CreatorConfig `yaml:"creators" toml:"creators"`
}

// LoadConfig reads configuration from path and applies MINTD_* overrides.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	if err := config.LoadFile(path, &cfg); err != nil {
		return cfg, err
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := cfg.Auth.normalise(); err != nil {
		return cfg, fmt.Errorf("auth: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.ListenAddress = config.GetenvDefault("MINTD_LISTEN", cfg.ListenAddress)
	cfg.QueuePath = config.GetenvDefault("MINTD_QUEUE_PATH", cfg.QueuePath)
	cfg.LogLevel = config.GetenvDefault("MINTD_LOG_LEVEL", cfg.LogLevel)
	cfg.RPC.Endpoint = config.GetenvDefault("MINTD_RPC_URL", cfg.RPC.Endpoint)
	if raw := config.GetenvDefault("MINTD_RETRY_ATTEMPTS", ""); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			cfg.Retry.Attempts = n
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.QueuePath == "" {
		cfg.QueuePath = "mintd-data/queue"
	}
	cfg.RPC.ApplyDefaults()
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry.Attempts = defaultAttempts
	}
	if cfg.Retry.Delay.Duration <= 0 {
		cfg.Retry.Delay.Duration = defaultDelay
	}
	if cfg.Auth.AllowStatic == nil {
		allow := true
		cfg.Auth.AllowStatic = &allow
	}
}

func validateConfig(cfg Config) error {
	if cfg.RPC.Endpoint == "" {
		return fmt.Errorf("rpc endpoint must be configured")
	}
	if !cfg.Signer.Configured() {
		return fmt.Errorf("signer key must be configured")
	}
	if _, err := types.ParseFinality(cfg.Retry.Finality); err != nil {
		return err
	}
	if _, err := types.ParseFinality(cfg.RPC.Commitment); err != nil {
		return err
	}
	if _, err := cfg.threshold(); err != nil {
		return err
	}
	if _, err := cfg.Collection.resolve(); err != nil {
		return err
	}
	if _, err := cfg.Metadata.resolve(); err != nil {
		return err
	}
	if cfg.Retry.Delay.Duration > 10*time.Minute {
		return fmt.Errorf("retry delay %s exceeds 10m", cfg.Retry.Delay.Duration)
	}
	return nil
}

func (a *AuthConfig) normalise() error {
	secret, err := config.ResolveSecret("secret", a.Secret, a.SecretEnv, a.SecretFile)
	if err != nil {
		return err
	}
	a.Secret = secret
	a.Issuer = strings.TrimSpace(a.Issuer)
	a.Audience = strings.TrimSpace(a.Audience)
	return nil
}

func (c Config) threshold() (*big.Rat, error) {
	if strings.TrimSpace(c.Threshold) == "" {
		return nil, nil
	}
	value, err := core.ParseAmount(c.Threshold)
	if err != nil {
		return nil, fmt.Errorf("threshold: %w", err)
	}
	return value, nil
}

func (c CollectionConfig) resolve() (compression.CollectionMint, error) {
	var out compression.CollectionMint
	fields := []struct {
		name     string
		raw      string
		dst      *solana.PublicKey
		optional bool
	}{
		{"collection.tree", c.Tree, &out.Tree, false},
		{"collection.mint", c.Mint, &out.Mint, false},
		{"collection.metadata", c.Metadata, &out.Metadata, false},
		{"collection.master_edition", c.MasterEdition, &out.MasterEdition, false},
		{"collection.authority_record", c.AuthorityRecord, &out.AuthorityRecordPDA, true},
	}
	for _, f := range fields {
		if f.optional && strings.TrimSpace(f.raw) == "" {
			continue
		}
		key, err := types.ParseAddress(f.name, f.raw)
		if err != nil {
			return out, err
		}
		*f.dst = key
	}
	return out, nil
}

func (m MetadataConfig) resolve() (compression.MetadataArgs, error) {
	out := compression.MetadataArgs{
		Name:                 strings.TrimSpace(m.Name),
		Symbol:               strings.TrimSpace(m.Symbol),
		URI:                  strings.TrimSpace(m.URI),
		SellerFeeBasisPoints: m.SellerFeeBasisPoints,
		IsMutable:            true,
	}
	if out.Name == "" || out.URI == "" {
		return out, fmt.Errorf("metadata name and uri must be configured")
	}
	if out.SellerFeeBasisPoints > 10000 {
		return out, fmt.Errorf("seller_fee_basis_points must not exceed 10000")
	}
	total := 0
	for i, c := range m.Creators {
		key, err := types.ParseAddress(fmt.Sprintf("metadata.creators[%d]", i), c.Address)
		if err != nil {
			return out, err
		}
		total += int(c.Share)
		out.Creators = append(out.Creators, compression.Creator{Address: key, Share: c.Share})
	}
	if len(m.Creators) > 0 && total != 100 {
		return out, fmt.Errorf("creator shares must total 100, got %d", total)
	}
	return out, nil
}
