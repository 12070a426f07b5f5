package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const (
	testEscrow = "0x1111111111111111111111111111111111111111"
	testToken  = "0x2222222222222222222222222222222222222222"
)

func writeConfig(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadYAMLAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "valyra.yaml", fmt.Sprintf(`api:
  base_url: http://localhost:8000/api/v1
chain:
  rpc_url: https://sepolia.base.org
  escrow_contract: %s
  token_contract: %s
poll:
  interval: 2s
`, testEscrow, testToken))

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Chain.ChainID != BaseSepoliaChainID {
		t.Fatalf("expected default chain id, got %d", cfg.Chain.ChainID)
	}
	if cfg.Poll.Interval.Duration != 2*time.Second {
		t.Fatalf("poll interval not parsed: %s", cfg.Poll.Interval)
	}
	if cfg.Session.Validity.Duration != 24*time.Hour {
		t.Fatalf("expected 24h session validity, got %s", cfg.Session.Validity)
	}
	if cfg.Wallet.PassphraseEnv != "VALYRA_KEYSTORE_PASSPHRASE" {
		t.Fatalf("unexpected passphrase env %q", cfg.Wallet.PassphraseEnv)
	}
	if cfg.Server.Listen != ":7090" || cfg.Server.Burst != 20 {
		t.Fatalf("server defaults not applied: %+v", cfg.Server)
	}
	if cfg.Journal.RecoveryLease.Duration != 10*time.Minute {
		t.Fatalf("expected 10m recovery lease, got %s", cfg.Journal.RecoveryLease)
	}
	if !strings.HasPrefix(cfg.Journal.DSN, "file:") {
		t.Fatalf("expected sqlite journal default, got %q", cfg.Journal.DSN)
	}
}

func TestLoadTOML(t *testing.T) {
	path := writeConfig(t, "valyra.toml", fmt.Sprintf(`Environment = "staging"

[API]
BaseURL = "https://api.valyra.example/api/v1"
Timeout = "5s"

[Chain]
RPCURL = "https://sepolia.base.org"
ChainID = 84532
EscrowContract = "%s"
TokenContract = "%s"
ReceiptPollInterval = "500ms"

[Server]
Listen = "127.0.0.1:9000"
RateLimit = 2.5
TrustedProxies = ["10.0.0.1"]
`, testEscrow, testToken))

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Environment != "staging" {
		t.Fatalf("unexpected env %q", cfg.Environment)
	}
	if cfg.API.Timeout.Duration != 5*time.Second {
		t.Fatalf("api timeout not parsed: %s", cfg.API.Timeout)
	}
	if cfg.Chain.ReceiptPollInterval.Duration != 500*time.Millisecond {
		t.Fatalf("receipt poll interval not parsed: %s", cfg.Chain.ReceiptPollInterval)
	}
	if cfg.Server.RateLimit != 2.5 || cfg.Server.Listen != "127.0.0.1:9000" {
		t.Fatalf("server not parsed: %+v", cfg.Server)
	}
	if len(cfg.Server.TrustedProxies) != 1 || cfg.Server.TrustedProxies[0] != "10.0.0.1" {
		t.Fatalf("unexpected trusted proxies: %v", cfg.Server.TrustedProxies)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "valyra.toml", `Bogus = true`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "Bogus") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
	path = writeConfig(t, "valyra.yml", "bogus: true\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected unknown yaml field to fail")
	}
}

func TestLoadResolvesSecrets(t *testing.T) {
	dir := t.TempDir()
	passFile := filepath.Join(dir, "pass.txt")
	if err := os.WriteFile(passFile, []byte("hunter2\n"), 0o600); err != nil {
		t.Fatalf("write pass: %v", err)
	}
	t.Setenv("VALYRA_TEST_DSN", "postgres://valyra@localhost/valyra")
	path := writeConfig(t, "valyra.yaml", fmt.Sprintf(`api:
  base_url: http://localhost:8000/api/v1
chain:
  rpc_url: https://sepolia.base.org
  escrow_contract: %s
  token_contract: %s
wallet:
  keystore: ./key.json
  passphrase_file: %s
journal:
  dsn_env: VALYRA_TEST_DSN
`, testEscrow, testToken, passFile))

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Wallet.Passphrase != "hunter2" {
		t.Fatalf("passphrase not read from file")
	}
	if cfg.Journal.DSN != "postgres://valyra@localhost/valyra" {
		t.Fatalf("dsn not resolved from env: %q", cfg.Journal.DSN)
	}

	t.Setenv("VALYRA_TEST_DSN", "")
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "dsn_env") {
		t.Fatalf("expected empty dsn env to fail, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg := &Config{
			API:   APIConfig{BaseURL: "http://localhost:8000/api/v1"},
			Chain: ChainConfig{RPCURL: "http://localhost:8545", EscrowContract: testEscrow, TokenContract: testToken},
		}
		applyDefaults(cfg)
		return cfg
	}
	if err := Validate(base()); err != nil {
		t.Fatalf("expected valid config: %v", err)
	}

	cases := map[string]func(*Config){
		"api url":      func(c *Config) { c.API.BaseURL = "localhost" },
		"rpc url":      func(c *Config) { c.Chain.RPCURL = "" },
		"escrow":       func(c *Config) { c.Chain.EscrowContract = "0x1234" },
		"token":        func(c *Config) { c.Chain.TokenContract = "" },
		"poll":         func(c *Config) { c.Poll.Interval.Duration = time.Millisecond },
		"rate limit":   func(c *Config) { c.Server.RateLimit = -1 },
		"log level":    func(c *Config) { c.Logging.Level = "loud" },
		"bad chain id": func(c *Config) { c.Chain.ChainID = -1 },
		"sample ratio": func(c *Config) { c.Telemetry.SampleRatio = 1.5 },
		"lease":        func(c *Config) { c.Journal.RecoveryLease.Duration = -time.Second },
		"proxy":        func(c *Config) { c.Server.TrustedProxies = []string{"10.0.0.0/33"} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := base()
			mutate(cfg)
			if err := Validate(cfg); err == nil {
				t.Fatalf("expected %s to be rejected", name)
			}
		})
	}
}
