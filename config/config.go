// Package config holds the file loading and secret resolution shared by the
// checkout and mint daemons.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/cutemonstersnft/solanapay-compression/crypto"
)

// Duration wraps time.Duration so YAML and TOML files can use "10s" strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalText renders the duration in time.Duration notation.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// LoadFile decodes path into out. Files ending in .toml are read as TOML,
// everything else as YAML. Unknown YAML keys are rejected.
func LoadFile(path string, out interface{}) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return errors.New("config path required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		meta, err := toml.Decode(string(data), out)
		if err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("decode config: unknown key %s", undecoded[0])
		}
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// ResolveSecret returns the first non-empty of the literal value, the named
// environment variable, or the trimmed contents of file.
func ResolveSecret(field, literal, envVar, file string) (string, error) {
	if value := strings.TrimSpace(literal); value != "" {
		return value, nil
	}
	if envVar = strings.TrimSpace(envVar); envVar != "" {
		value := strings.TrimSpace(os.Getenv(envVar))
		if value == "" {
			return "", fmt.Errorf("%s_env %s is empty", field, envVar)
		}
		return value, nil
	}
	if file = strings.TrimSpace(file); file != "" {
		contents, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("read %s_file: %w", field, err)
		}
		value := strings.TrimSpace(string(contents))
		if value == "" {
			return "", fmt.Errorf("%s_file %s is empty", field, file)
		}
		return value, nil
	}
	return "", fmt.Errorf("%s is required", field)
}

// GetenvDefault returns the trimmed environment value or def.
func GetenvDefault(key, def string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return def
}

// RPCConfig points at a Solana JSON-RPC endpoint.
type RPCConfig struct {
	Endpoint   string            `yaml:"endpoint" toml:"endpoint"`
	Headers    map[string]string `yaml:"headers" toml:"headers"`
	Timeout    Duration          `yaml:"timeout" toml:"timeout"`
	Commitment string            `yaml:"commitment" toml:"commitment"`
}

// ApplyDefaults fills the timeout and commitment.
func (r *RPCConfig) ApplyDefaults() {
	r.Endpoint = strings.TrimSpace(r.Endpoint)
	if r.Timeout.Duration <= 0 {
		r.Timeout.Duration = 15 * time.Second
	}
	if strings.TrimSpace(r.Commitment) == "" {
		r.Commitment = "confirmed"
	}
}

// SignerConfig locates the shop signing key. Exactly one source is used, in
// the order key, key_env, key_file, keystore.
type SignerConfig struct {
	Key      string `yaml:"key" toml:"key"`
	KeyEnv   string `yaml:"key_env" toml:"key_env"`
	KeyFile  string `yaml:"key_file" toml:"key_file"`
	Keystore string `yaml:"keystore" toml:"keystore"`
}

// Configured reports whether any key source is set.
func (s SignerConfig) Configured() bool {
	return strings.TrimSpace(s.Key) != "" || strings.TrimSpace(s.KeyEnv) != "" ||
		strings.TrimSpace(s.KeyFile) != "" || strings.TrimSpace(s.Keystore) != ""
}

// Load opens the configured key. passphrase is consulted only for keystores.
func (s SignerConfig) Load(passphrase func() (string, error)) (*crypto.KeypairSigner, error) {
	switch {
	case strings.TrimSpace(s.Key) != "":
		return crypto.SignerFromBase58(s.Key)
	case strings.TrimSpace(s.KeyEnv) != "":
		return crypto.SignerFromEnv(strings.TrimSpace(s.KeyEnv))
	case strings.TrimSpace(s.KeyFile) != "":
		return crypto.SignerFromFile(strings.TrimSpace(s.KeyFile))
	case strings.TrimSpace(s.Keystore) != "":
		if passphrase == nil {
			return nil, errors.New("keystore passphrase source not configured")
		}
		pass, err := passphrase()
		if err != nil {
			return nil, err
		}
		return crypto.LoadFromKeystore(strings.TrimSpace(s.Keystore), pass)
	default:
		return nil, errors.New("signer key must be configured")
	}
}
