package mintd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mintd.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func validConfigYAML(extra string) string {
	key := func() string { return solana.NewWallet().PublicKey().String() }
	return fmt.Sprintf(`rpc:
  endpoint: https://rpc.example
signer:
  key_env: MINTD_SHOP_KEY
auth:
  secret_env: MINTD_TEST_SECRET
collection:
  tree: %s
  mint: %s
  metadata: %s
  master_edition: %s
metadata:
  name: Cute Monster
  symbol: CM
  uri: https://example.invalid/cm.json
  creators:
    - address: %s
      share: 100
%s`, key(), key(), key(), key(), key(), extra)
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("MINTD_TEST_SECRET", "s3cret")
	cfg, err := LoadConfig(writeConfig(t, validConfigYAML("")))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":7090" || cfg.Retry.Attempts != 3 || cfg.Retry.Delay.Duration != 10*time.Second {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Auth.Secret != "s3cret" || cfg.Auth.AllowStatic == nil || !*cfg.Auth.AllowStatic {
		t.Fatalf("unexpected auth %+v", cfg.Auth)
	}
	meta, err := cfg.Metadata.resolve()
	if err != nil || len(meta.Creators) != 1 || meta.Creators[0].Verified {
		t.Fatalf("metadata %+v err=%v", meta, err)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("MINTD_TEST_SECRET", "s3cret")
	t.Setenv("MINTD_RETRY_ATTEMPTS", "5")
	t.Setenv("MINTD_LISTEN", ":9999")
	cfg, err := LoadConfig(writeConfig(t, validConfigYAML("retry:\n  delay: 2s\nthreshold: \"10\"\n")))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Retry.Attempts != 5 || cfg.Retry.Delay.Duration != 2*time.Second || cfg.ListenAddress != ":9999" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	threshold, err := cfg.threshold()
	if err != nil || threshold.RatString() != "10" {
		t.Fatalf("threshold %v err=%v", threshold, err)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	t.Setenv("MINTD_TEST_SECRET", "s3cret")
	cases := map[string]string{
		"bad finality":  "retry:\n  finality: eventually\n",
		"bad threshold": "threshold: ten\n",
		"long delay":    "retry:\n  delay: 1h\n",
	}
	for name, extra := range cases {
		if _, err := LoadConfig(writeConfig(t, validConfigYAML(extra))); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}

	t.Setenv("MINTD_TEST_SECRET", "")
	if _, err := LoadConfig(writeConfig(t, validConfigYAML(""))); err == nil || !strings.Contains(err.Error(), "auth") {
		t.Fatalf("expected missing secret to fail, got %v", err)
	}
}

func TestMetadataCreatorSharesMustTotal100(t *testing.T) {
	m := MetadataConfig{Name: "n", URI: "u", Creators: []CreatorConfig{{Address: solana.NewWallet().PublicKey().String(), Share: 60}}}
	if _, err := m.resolve(); err == nil {
		t.Fatalf("expected share validation error")
	}
}
