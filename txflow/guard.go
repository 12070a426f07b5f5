package txflow

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"valyra/errs"
	"valyra/wallet"
)

// BaseSepoliaChainID is the network the escrow contracts are deployed on.
const BaseSepoliaChainID = 84532

// ChainGuard keeps transactions off the wrong network.
type ChainGuard struct {
	network  wallet.Network
	expected *big.Int
	logger   *slog.Logger
}

// NewChainGuard guards network against any chain other than expected. A nil
// expected id means Base Sepolia.
func NewChainGuard(network wallet.Network, expected *big.Int, logger *slog.Logger) *ChainGuard {
	if expected == nil {
		expected = big.NewInt(BaseSepoliaChainID)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChainGuard{network: network, expected: new(big.Int).Set(expected), logger: logger}
}

// Expected returns the required chain id.
func (g *ChainGuard) Expected() *big.Int { return new(big.Int).Set(g.expected) }

// Ensure asks the wallet to switch when it is connected elsewhere and checks
// again afterwards.
func (g *ChainGuard) Ensure(ctx context.Context) error {
	current, err := g.network.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("txflow: read chain id: %w", err)
	}
	if current != nil && current.Cmp(g.expected) == 0 {
		return nil
	}
	g.logger.Info("requesting network switch",
		slog.String("from", fmt.Sprint(current)),
		slog.String("to", g.expected.String()))
	if err := g.network.SwitchChain(ctx, g.expected); err != nil {
		return fmt.Errorf("%w: chain %v, want %s: %v", errs.ErrWrongNetwork, current, g.expected, err)
	}
	current, err = g.network.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("txflow: read chain id: %w", err)
	}
	if current == nil || current.Cmp(g.expected) != 0 {
		return fmt.Errorf("%w: chain %v, want %s", errs.ErrWrongNetwork, current, g.expected)
	}
	return nil
}
