// Package wallet abstracts the connected account that signs session
// challenges and transactions.
package wallet

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ErrUnsupportedChain is returned when the wallet cannot move to a network.
var ErrUnsupportedChain = errors.New("wallet: chain not supported")

// MessageSigner produces EIP-191 personal signatures.
type MessageSigner interface {
	Address() common.Address
	SignMessage(ctx context.Context, message []byte) ([]byte, error)
}

// Network reports and changes the wallet's active chain.
type Network interface {
	ChainID(ctx context.Context) (*big.Int, error)
	SwitchChain(ctx context.Context, chainID *big.Int) error
}

// Wallet captures everything the escrow flows need from the connected account.
type Wallet interface {
	MessageSigner
	Network
	SignTx(ctx context.Context, tx *gethtypes.Transaction, chainID *big.Int) (*gethtypes.Transaction, error)
}

// Local is a Wallet backed by an in-process private key.
type Local struct {
	key       *ecdsa.PrivateKey
	address   common.Address
	supported map[string]struct{}

	mu      sync.RWMutex
	chainID *big.Int
}

// LocalOption customises a Local wallet.
type LocalOption func(*Local)

// WithSupportedChains lists additional chains SwitchChain may select.
func WithSupportedChains(ids ...*big.Int) LocalOption {
	return func(l *Local) {
		for _, id := range ids {
			if id != nil {
				l.supported[id.String()] = struct{}{}
			}
		}
	}
}

// NewLocal wraps key, initially connected to chainID.
func NewLocal(key *ecdsa.PrivateKey, chainID *big.Int, opts ...LocalOption) (*Local, error) {
	if key == nil {
		return nil, fmt.Errorf("wallet: private key required")
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, fmt.Errorf("wallet: chain id required")
	}
	l := &Local{
		key:       key,
		address:   gethcrypto.PubkeyToAddress(key.PublicKey),
		supported: map[string]struct{}{chainID.String(): {}},
		chainID:   new(big.Int).Set(chainID),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// LoadKeystore decrypts a go-ethereum keystore file.
func LoadKeystore(path, passphrase string, chainID *big.Int, opts ...LocalOption) (*Local, error) {
	raw, err := os.ReadFile(strings.TrimSpace(path))
	if err != nil {
		return nil, fmt.Errorf("wallet: read keystore: %w", err)
	}
	key, err := keystore.DecryptKey(raw, passphrase)
	if err != nil {
		return nil, fmt.Errorf("wallet: decrypt keystore: %w", err)
	}
	return NewLocal(key.PrivateKey, chainID, opts...)
}

func (l *Local) Address() common.Address { return l.address }

// SignMessage returns a 65-byte personal signature with V in {27, 28}.
func (l *Local) SignMessage(_ context.Context, message []byte) ([]byte, error) {
	sig, err := gethcrypto.Sign(accounts.TextHash(message), l.key)
	if err != nil {
		return nil, fmt.Errorf("wallet: sign message: %w", err)
	}
	sig[gethcrypto.RecoveryIDOffset] += 27
	return sig, nil
}

func (l *Local) SignTx(_ context.Context, tx *gethtypes.Transaction, chainID *big.Int) (*gethtypes.Transaction, error) {
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(chainID), l.key)
	if err != nil {
		return nil, fmt.Errorf("wallet: sign tx: %w", err)
	}
	return signed, nil
}

func (l *Local) ChainID(context.Context) (*big.Int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return new(big.Int).Set(l.chainID), nil
}

func (l *Local) SwitchChain(_ context.Context, chainID *big.Int) error {
	if chainID == nil {
		return ErrUnsupportedChain
	}
	if _, ok := l.supported[chainID.String()]; !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedChain, chainID)
	}
	l.mu.Lock()
	l.chainID = new(big.Int).Set(chainID)
	l.mu.Unlock()
	return nil
}

// RecoverPersonal returns the address that produced sig over message.
func RecoverPersonal(message, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, fmt.Errorf("wallet: signature must be 65 bytes, got %d", len(sig))
	}
	normalized := make([]byte, 65)
	copy(normalized, sig)
	if normalized[gethcrypto.RecoveryIDOffset] >= 27 {
		normalized[gethcrypto.RecoveryIDOffset] -= 27
	}
	pub, err := gethcrypto.SigToPub(accounts.TextHash(message), normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("wallet: recover signer: %w", err)
	}
	return gethcrypto.PubkeyToAddress(*pub), nil
}

// FuncWallet adapts callback functions to the Wallet interface.
type FuncWallet struct {
	Addr        common.Address
	SignFunc    func(ctx context.Context, message []byte) ([]byte, error)
	SignTxFunc  func(ctx context.Context, tx *gethtypes.Transaction, chainID *big.Int) (*gethtypes.Transaction, error)
	ChainIDFunc func(ctx context.Context) (*big.Int, error)
	SwitchFunc  func(ctx context.Context, chainID *big.Int) error
}

func (w FuncWallet) Address() common.Address { return w.Addr }

// SignMessage delegates to the configured callback.
func (w FuncWallet) SignMessage(ctx context.Context, message []byte) ([]byte, error) {
	if w.SignFunc == nil {
		return nil, fmt.Errorf("wallet: signing not available")
	}
	return w.SignFunc(ctx, message)
}

// SignTx delegates to the configured callback.
func (w FuncWallet) SignTx(ctx context.Context, tx *gethtypes.Transaction, chainID *big.Int) (*gethtypes.Transaction, error) {
	if w.SignTxFunc == nil {
		return nil, fmt.Errorf("wallet: transaction signing not available")
	}
	return w.SignTxFunc(ctx, tx, chainID)
}

// ChainID delegates to the configured callback.
func (w FuncWallet) ChainID(ctx context.Context) (*big.Int, error) {
	if w.ChainIDFunc == nil {
		return nil, fmt.Errorf("wallet: chain id not available")
	}
	return w.ChainIDFunc(ctx)
}

// SwitchChain delegates to the configured callback.
func (w FuncWallet) SwitchChain(ctx context.Context, chainID *big.Int) error {
	if w.SwitchFunc == nil {
		return ErrUnsupportedChain
	}
	return w.SwitchFunc(ctx, chainID)
}
