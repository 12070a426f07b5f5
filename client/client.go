// Package client assembles a configured Valyra client from config.Config:
// the wallet, session manager, records API, chain adapter and flow journal,
// plus constructors for the engines built on top of them.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"valyra/auth"
	"valyra/config"
	"valyra/escrowview"
	"valyra/handover"
	"valyra/journal"
	"valyra/ledger"
	"valyra/offers"
	"valyra/records"
	"valyra/txflow"
	"valyra/vault"
	"valyra/wallet"
)

// ErrNoWallet is returned by constructors that need a signing account when
// the client was opened read-only.
var ErrNoWallet = errors.New("client: no wallet configured")

// Client holds the long-lived dependencies.
type Client struct {
	Config  *config.Config
	Logger  *slog.Logger
	Wallet  *wallet.Local
	Auth    *auth.Manager
	Records *records.Client
	Ledger  *ledger.EVM
	Waiter  *ledger.Waiter
	Guard   *txflow.ChainGuard
	Journal *journal.Store
	Syncer  *records.Syncer

	eth     *ethclient.Client
	closers []func() error
}

// Option customises Open.
type Option func(*openOptions)

type openOptions struct {
	readOnly   bool
	passphrase func() (string, error)
}

// ReadOnly skips the wallet, session store and journal.
func ReadOnly() Option {
	return func(o *openOptions) { o.readOnly = true }
}

// WithPassphrase overrides how the keystore passphrase is obtained.
func WithPassphrase(fn func() (string, error)) Option {
	return func(o *openOptions) { o.passphrase = fn }
}

// Open dials the chain and builds every dependency named in cfg.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("client: config required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	var o openOptions
	for _, opt := range opts {
		opt(&o)
	}
	c := &Client{Config: cfg, Logger: logger}
	if err := c.open(ctx, o); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) open(ctx context.Context, o openOptions) error {
	cfg := c.Config
	chainID := cfg.Chain.ChainIDBig()

	if !o.readOnly {
		if strings.TrimSpace(cfg.Wallet.Keystore) == "" {
			return fmt.Errorf("client: wallet.keystore required")
		}
		passphrase := o.passphrase
		if passphrase == nil {
			if cfg.Wallet.Passphrase != "" {
				value := cfg.Wallet.Passphrase
				passphrase = func() (string, error) { return value, nil }
			} else {
				passphrase = wallet.NewPassphraseSource(cfg.Wallet.PassphraseEnv).Get
			}
		}
		secret, err := passphrase()
		if err != nil {
			return fmt.Errorf("client: keystore passphrase: %w", err)
		}
		c.Wallet, err = wallet.LoadKeystore(cfg.Wallet.Keystore, secret, chainID)
		if err != nil {
			return fmt.Errorf("client: load keystore: %w", err)
		}

		cache, err := auth.OpenBoltCache(cfg.Session.StorePath)
		if err != nil {
			return fmt.Errorf("client: session store: %w", err)
		}
		c.closers = append(c.closers, cache.Close)
		c.Auth = auth.NewManager(c.Wallet,
			auth.WithCache(cache),
			auth.WithValidity(cfg.Session.Validity.Duration),
			auth.WithLogger(c.Logger))

		c.Journal, err = journal.Open(cfg.Journal.DSN)
		if err != nil {
			return err
		}
		c.closers = append(c.closers, c.Journal.Close)
	}

	var authn records.Authenticator
	if c.Auth != nil {
		authn = c.Auth
	}
	var err error
	c.Records, err = records.NewClient(cfg.API.BaseURL, authn,
		records.WithLogger(c.Logger),
		records.WithHTTPClient(&http.Client{
			Timeout:   cfg.API.Timeout.Duration,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}))
	if err != nil {
		return err
	}
	maxElapsed := cfg.Sync.MaxElapsed.Duration
	c.Syncer = records.NewSyncer(c.Records,
		records.WithSyncLogger(c.Logger),
		records.WithBackOff(func() backoff.BackOff {
			b := records.DefaultBackOff().(*backoff.ExponentialBackOff)
			b.MaxElapsedTime = maxElapsed
			return b
		}))

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	c.eth, err = ledger.Dial(dialCtx, cfg.Chain.RPCURL)
	cancel()
	if err != nil {
		return fmt.Errorf("client: dial rpc: %w", err)
	}
	c.closers = append(c.closers, func() error { c.eth.Close(); return nil })

	var signer ledger.Signer
	if c.Wallet != nil {
		signer = c.Wallet
	}
	c.Ledger, err = ledger.NewEVM(c.eth, signer, chainID,
		common.HexToAddress(cfg.Chain.EscrowContract),
		common.HexToAddress(cfg.Chain.TokenContract),
		ledger.WithGasBuffer(cfg.Chain.GasBufferPct),
		ledger.WithLogger(c.Logger))
	if err != nil {
		return err
	}
	c.Waiter = ledger.NewWaiter(c.Ledger,
		ledger.WithPollInterval(cfg.Chain.ReceiptPollInterval.Duration),
		ledger.WithMaxErrors(cfg.Chain.ReceiptMaxErrors),
		ledger.WithWaiterLogger(c.Logger))
	if c.Wallet != nil {
		c.Guard = txflow.NewChainGuard(c.Wallet, chainID, c.Logger)
	}
	return nil
}

// Account returns the connected address, or the zero address when read-only.
func (c *Client) Account() common.Address {
	if c.Wallet == nil {
		return common.Address{}
	}
	return c.Wallet.Address()
}

// FlowOptions returns the coordinator options every write shares.
func (c *Client) FlowOptions() []txflow.Option {
	opts := []txflow.Option{
		txflow.WithWaiter(c.Waiter),
		txflow.WithLogger(c.Logger),
	}
	if c.Guard != nil {
		opts = append(opts, txflow.WithGuard(c.Guard))
	}
	if c.Journal != nil {
		opts = append(opts, txflow.WithJournal(c.Journal))
	}
	return opts
}

// Offers builds the offer engine for the connected account.
func (c *Client) Offers() (*offers.Engine, error) {
	if c.Wallet == nil {
		return nil, ErrNoWallet
	}
	return offers.New(c.Ledger, c.Records, c.Syncer, c.Account(),
		offers.WithSessions(c.Auth),
		offers.WithFlowOptions(c.FlowOptions()...),
		offers.WithLogger(c.Logger))
}

// Handover builds the credential handover saga.
func (c *Client) Handover(refresh func(ctx context.Context)) (*handover.Saga, error) {
	if c.Wallet == nil {
		return nil, ErrNoWallet
	}
	return handover.New(c.Records, c.Ledger, c.Account(),
		handover.WithJournal(c.Journal),
		handover.WithWaiter(c.Waiter),
		handover.WithFlowOptions(c.FlowOptions()...),
		handover.WithRefresh(refresh),
		handover.WithRecoveryLease(c.Config.Journal.RecoveryLease.Duration),
		handover.WithLogger(c.Logger))
}

// Decryptor builds the buyer's credential decryptor.
func (c *Client) Decryptor() (*vault.Decryptor, error) {
	if c.Wallet == nil {
		return nil, ErrNoWallet
	}
	return vault.NewDecryptor(c.Records, c.Wallet, c.Logger), nil
}

// Fetcher reads escrows from both stores.
func (c *Client) Fetcher() escrowview.Fetcher {
	return escrowview.Fetcher{Records: c.Records, Chain: c.Ledger, Logger: c.Logger}
}

// Poller watches one escrow on behalf of viewer.
func (c *Client) Poller(escrowID, viewer string) *escrowview.Poller {
	return escrowview.NewPoller(c.Fetcher(), escrowID, viewer,
		escrowview.WithInterval(c.Config.Poll.Interval.Duration),
		escrowview.WithPollerLogger(c.Logger))
}

// Executor runs the escrow detail actions and refreshes through poller.
func (c *Client) Executor(poller *escrowview.Poller) (*escrowview.Executor, error) {
	if c.Wallet == nil {
		return nil, ErrNoWallet
	}
	return escrowview.NewExecutor(c.Ledger, poller.Refresh, c.Logger, c.FlowOptions()...), nil
}

// Close releases the session store, journal and RPC connection.
func (c *Client) Close() error {
	var errList []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errList = append(errList, err)
		}
	}
	c.closers = nil
	return errors.Join(errList...)
}
