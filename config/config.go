// Package config loads the runtime settings shared by valyrad and valyra-cli.
// Files ending in .toml are decoded with BurntSushi/toml, everything else as
// YAML.
package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// BaseSepoliaChainID is the network the escrow contract is deployed on.
const BaseSepoliaChainID = 84532

// Duration wraps time.Duration to support YAML and TOML unmarshalling.
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

// UnmarshalText is used by the TOML decoder.
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

// MarshalText keeps durations readable when configs are written back out.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config captures the runtime configuration.
type Config struct {
	Environment string          `yaml:"environment" toml:"Environment"`
	API         APIConfig       `yaml:"api" toml:"API"`
	Chain       ChainConfig     `yaml:"chain" toml:"Chain"`
	Wallet      WalletConfig    `yaml:"wallet" toml:"Wallet"`
	Session     SessionConfig   `yaml:"session" toml:"Session"`
	Journal     JournalConfig   `yaml:"journal" toml:"Journal"`
	Poll        PollConfig      `yaml:"poll" toml:"Poll"`
	Sync        SyncConfig      `yaml:"sync" toml:"Sync"`
	Server      ServerConfig    `yaml:"server" toml:"Server"`
	Logging     LoggingConfig   `yaml:"logging" toml:"Logging"`
	Telemetry   TelemetryConfig `yaml:"telemetry" toml:"Telemetry"`
}

// APIConfig points at the off-chain records API.
type APIConfig struct {
	BaseURL string   `yaml:"base_url" toml:"BaseURL"`
	Timeout Duration `yaml:"timeout" toml:"Timeout"`
}

// ChainConfig configures the JSON-RPC endpoint and contract addresses.
type ChainConfig struct {
	RPCURL              string   `yaml:"rpc_url" toml:"RPCURL"`
	ChainID             int64    `yaml:"chain_id" toml:"ChainID"`
	EscrowContract      string   `yaml:"escrow_contract" toml:"EscrowContract"`
	TokenContract       string   `yaml:"token_contract" toml:"TokenContract"`
	GasBufferPct        uint64   `yaml:"gas_buffer_pct" toml:"GasBufferPct"`
	ReceiptPollInterval Duration `yaml:"receipt_poll_interval" toml:"ReceiptPollInterval"`
	ReceiptMaxErrors    int      `yaml:"receipt_max_errors" toml:"ReceiptMaxErrors"`
}

// WalletConfig locates the signing key.
type WalletConfig struct {
	Keystore       string `yaml:"keystore" toml:"Keystore"`
	PassphraseEnv  string `yaml:"passphrase_env" toml:"PassphraseEnv"`
	PassphraseFile string `yaml:"passphrase_file" toml:"PassphraseFile"`
	// Passphrase is resolved from PassphraseFile and never read from disk config.
	Passphrase string `yaml:"-" toml:"-"`
}

// SessionConfig controls the signature session cache.
type SessionConfig struct {
	Validity  Duration `yaml:"validity" toml:"Validity"`
	StorePath string   `yaml:"store_path" toml:"StorePath"`
}

// JournalConfig selects the flow journal database.
type JournalConfig struct {
	DSN    string `yaml:"dsn" toml:"DSN"`
	DSNEnv string `yaml:"dsn_env" toml:"DSNEnv"`
	// RecoveryLease is how long a handover entry must be idle before recovery
	// treats it as abandoned.
	RecoveryLease Duration `yaml:"recovery_lease" toml:"RecoveryLease"`
}

// PollConfig controls escrow view refreshes.
type PollConfig struct {
	Interval Duration `yaml:"interval" toml:"Interval"`
}

// SyncConfig bounds the best-effort off-chain sync.
type SyncConfig struct {
	RetryInterval Duration `yaml:"retry_interval" toml:"RetryInterval"`
	MaxElapsed    Duration `yaml:"max_elapsed" toml:"MaxElapsed"`
}

// ServerConfig configures valyrad's HTTP listener.
type ServerConfig struct {
	Listen    string  `yaml:"listen" toml:"Listen"`
	RateLimit float64 `yaml:"rate_limit" toml:"RateLimit"`
	Burst     int     `yaml:"burst" toml:"Burst"`
	// TrustedProxies lists addresses or CIDR ranges whose X-Forwarded-For
	// and X-Real-IP headers identify the client. Empty trusts none.
	TrustedProxies []string `yaml:"trusted_proxies" toml:"TrustedProxies"`
}

// LoggingConfig tunes the slog handler and optional rotating file.
type LoggingConfig struct {
	Level      string `yaml:"level" toml:"Level"`
	File       string `yaml:"file" toml:"File"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"MaxSizeMB"`
	MaxBackups int    `yaml:"max_backups" toml:"MaxBackups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"MaxAgeDays"`
	Compress   bool   `yaml:"compress" toml:"Compress"`
}

// TelemetryConfig overrides the OTEL_* environment when set.
type TelemetryConfig struct {
	Endpoint string            `yaml:"endpoint" toml:"Endpoint"`
	Insecure bool              `yaml:"insecure" toml:"Insecure"`
	Headers  map[string]string `yaml:"headers" toml:"Headers"`
	Metrics  bool              `yaml:"metrics" toml:"Metrics"`
	Traces   bool              `yaml:"traces" toml:"Traces"`
	// SampleRatio keeps this fraction of root spans. Zero keeps all.
	SampleRatio float64 `yaml:"sample_ratio" toml:"SampleRatio"`
}

// Load reads configuration from path.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if err := decode(path, cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Wallet.normalise(); err != nil {
		return nil, fmt.Errorf("wallet: %w", err)
	}
	if err := cfg.Journal.normalise(); err != nil {
		return nil, fmt.Errorf("journal: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("config file %s has unknown key %s", path, undecoded[0])
		}
		return nil
	default:
		file, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		dec := yaml.NewDecoder(file)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return fmt.Errorf("decode config: %w", err)
		}
		return nil
	}
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Environment) == "" {
		cfg.Environment = "dev"
	}
	if cfg.API.Timeout.Duration == 0 {
		cfg.API.Timeout.Duration = 15 * time.Second
	}
	if cfg.Chain.ChainID == 0 {
		cfg.Chain.ChainID = BaseSepoliaChainID
	}
	if cfg.Chain.GasBufferPct == 0 {
		cfg.Chain.GasBufferPct = 20
	}
	if cfg.Chain.ReceiptPollInterval.Duration == 0 {
		cfg.Chain.ReceiptPollInterval.Duration = 2 * time.Second
	}
	if cfg.Chain.ReceiptMaxErrors <= 0 {
		cfg.Chain.ReceiptMaxErrors = 5
	}
	if cfg.Wallet.PassphraseEnv == "" && cfg.Wallet.PassphraseFile == "" {
		cfg.Wallet.PassphraseEnv = "VALYRA_KEYSTORE_PASSPHRASE"
	}
	if cfg.Session.Validity.Duration == 0 {
		cfg.Session.Validity.Duration = 24 * time.Hour
	}
	if cfg.Session.StorePath == "" {
		cfg.Session.StorePath = "valyra-sessions.db"
	}
	if cfg.Journal.DSN == "" && cfg.Journal.DSNEnv == "" {
		cfg.Journal.DSN = "file:valyra-journal.db?_pragma=busy_timeout(5000)"
	}
	if cfg.Journal.RecoveryLease.Duration == 0 {
		cfg.Journal.RecoveryLease.Duration = 10 * time.Minute
	}
	if cfg.Poll.Interval.Duration == 0 {
		cfg.Poll.Interval.Duration = 5 * time.Second
	}
	if cfg.Sync.RetryInterval.Duration == 0 {
		cfg.Sync.RetryInterval.Duration = 30 * time.Second
	}
	if cfg.Sync.MaxElapsed.Duration == 0 {
		cfg.Sync.MaxElapsed.Duration = time.Minute
	}
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":7090"
	}
	if cfg.Server.RateLimit == 0 {
		cfg.Server.RateLimit = 10
	}
	if cfg.Server.Burst <= 0 {
		cfg.Server.Burst = 20
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.File != "" && cfg.Logging.MaxSizeMB == 0 {
		cfg.Logging.MaxSizeMB = 100
	}
}

// ChainIDBig returns the configured chain id as a big.Int.
func (c ChainConfig) ChainIDBig() *big.Int {
	return big.NewInt(c.ChainID)
}

func (w *WalletConfig) normalise() error {
	w.Keystore = strings.TrimSpace(w.Keystore)
	w.PassphraseEnv = strings.TrimSpace(w.PassphraseEnv)
	w.PassphraseFile = strings.TrimSpace(w.PassphraseFile)
	if w.PassphraseFile == "" {
		return nil
	}
	contents, err := os.ReadFile(w.PassphraseFile)
	if err != nil {
		return fmt.Errorf("read passphrase_file: %w", err)
	}
	w.Passphrase = strings.TrimRight(string(contents), "\r\n")
	return nil
}

func (j *JournalConfig) normalise() error {
	j.DSN = strings.TrimSpace(j.DSN)
	j.DSNEnv = strings.TrimSpace(j.DSNEnv)
	if j.DSN != "" || j.DSNEnv == "" {
		return nil
	}
	value := strings.TrimSpace(os.Getenv(j.DSNEnv))
	if value == "" {
		return fmt.Errorf("dsn_env %s is empty", j.DSNEnv)
	}
	j.DSN = value
	return nil
}
