package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// MinPollInterval keeps the escrow poller from hammering the RPC endpoint.
var MinPollInterval = 500 * time.Millisecond

// Validate checks a loaded configuration.
func Validate(cfg *Config) error {
	if err := validateURL("api.base_url", cfg.API.BaseURL); err != nil {
		return err
	}
	if err := validateURL("chain.rpc_url", cfg.Chain.RPCURL); err != nil {
		return err
	}
	if cfg.Chain.ChainID <= 0 {
		return fmt.Errorf("chain: chain_id must be positive")
	}
	if !common.IsHexAddress(cfg.Chain.EscrowContract) {
		return fmt.Errorf("chain: escrow_contract %q is not an address", cfg.Chain.EscrowContract)
	}
	if !common.IsHexAddress(cfg.Chain.TokenContract) {
		return fmt.Errorf("chain: token_contract %q is not an address", cfg.Chain.TokenContract)
	}
	if cfg.Poll.Interval.Duration < MinPollInterval {
		return fmt.Errorf("poll: interval below %s", MinPollInterval)
	}
	if cfg.Session.Validity.Duration <= 0 {
		return fmt.Errorf("session: validity must be positive")
	}
	if cfg.Journal.RecoveryLease.Duration < 0 {
		return fmt.Errorf("journal: recovery_lease must not be negative")
	}
	if cfg.Server.RateLimit < 0 {
		return fmt.Errorf("server: rate_limit < 0")
	}
	for _, proxy := range cfg.Server.TrustedProxies {
		entry := strings.TrimSpace(proxy)
		if _, _, err := net.ParseCIDR(entry); err != nil && net.ParseIP(entry) == nil {
			return fmt.Errorf("server: invalid trusted proxy %q", proxy)
		}
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry: sample_ratio must be within [0,1]")
	}
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging: unknown level %q", cfg.Logging.Level)
	}
	return nil
}

func validateURL(field, raw string) error {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fmt.Errorf("%s must be configured", field)
	}
	parsed, err := url.Parse(trimmed)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("%s %q is not a url", field, raw)
	}
	return nil
}
