package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"valyra/errs"
)

// Backend is the subset of the Ethereum RPC the adapter needs. *ethclient.Client
// satisfies it.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*gethtypes.Transaction, bool, error)
}

// Signer signs transactions for the connected account.
type Signer interface {
	Address() common.Address
	SignTx(ctx context.Context, tx *gethtypes.Transaction, chainID *big.Int) (*gethtypes.Transaction, error)
}

// Dial connects to an Ethereum JSON-RPC endpoint.
func Dial(ctx context.Context, endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("ledger: rpc endpoint required")
	}
	return ethclient.DialContext(ctx, trimmed)
}

// EVM implements Ledger against a live chain.
type EVM struct {
	backend   Backend
	signer    Signer
	chainID   *big.Int
	escrow    common.Address
	token     common.Address
	escrowABI abi.ABI
	tokenABI  abi.ABI
	gasBuffer uint64
	logger    *slog.Logger
}

// EVMOption customises the adapter.
type EVMOption func(*EVM)

// WithGasBuffer adds pct percent on top of the node's gas estimate.
func WithGasBuffer(pct uint64) EVMOption {
	return func(e *EVM) { e.gasBuffer = pct }
}

// WithLogger sets the adapter logger.
func WithLogger(logger *slog.Logger) EVMOption {
	return func(e *EVM) { e.logger = logger }
}

// NewEVM binds the escrow and token contracts on chainID. signer may be nil for
// read-only use; Submit then fails.
func NewEVM(backend Backend, signer Signer, chainID *big.Int, escrow, token common.Address, opts ...EVMOption) (*EVM, error) {
	if backend == nil {
		return nil, fmt.Errorf("ledger: backend required")
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, fmt.Errorf("ledger: chain id required")
	}
	if escrow == (common.Address{}) || token == (common.Address{}) {
		return nil, fmt.Errorf("ledger: escrow and token addresses required")
	}
	escrowDef, tokenDef, err := loadABIs()
	if err != nil {
		return nil, err
	}
	e := &EVM{
		backend:   backend,
		signer:    signer,
		chainID:   new(big.Int).Set(chainID),
		escrow:    escrow,
		token:     token,
		escrowABI: escrowDef,
		tokenABI:  tokenDef,
		gasBuffer: 20,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e, nil
}

// EscrowAddress returns the escrow contract, which is also the token spender.
func (e *EVM) EscrowAddress() common.Address { return e.escrow }

func (e *EVM) HasActiveOffer(ctx context.Context, listingID *big.Int, buyer common.Address) (bool, error) {
	out, err := e.view(ctx, EscrowContract, "hasActiveOffer", listingID, buyer)
	if err != nil {
		return false, err
	}
	active, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("ledger: hasActiveOffer returned %T", out[0])
	}
	return active, nil
}

func (e *EVM) Offer(ctx context.Context, offerID *big.Int) (*Offer, error) {
	out, err := e.view(ctx, EscrowContract, "getOffer", offerID)
	if err != nil {
		return nil, err
	}
	raw := *abi.ConvertType(out[0], new(offerTuple)).(*offerTuple)
	if raw.OfferId == nil || raw.OfferId.Sign() == 0 {
		return nil, fmt.Errorf("%w: offer %s", ErrNotFound, offerID)
	}
	return raw.offer(), nil
}

func (e *EVM) Escrow(ctx context.Context, escrowID *big.Int) (*Escrow, error) {
	out, err := e.view(ctx, EscrowContract, "getEscrow", escrowID)
	if err != nil {
		return nil, err
	}
	raw := *abi.ConvertType(out[0], new(escrowTuple)).(*escrowTuple)
	if raw.Id == nil || raw.Id.Sign() == 0 {
		return nil, fmt.Errorf("%w: escrow %s", ErrNotFound, escrowID)
	}
	return raw.escrow(), nil
}

func (e *EVM) TransitionHold(ctx context.Context, escrowID *big.Int) (*TransitionHold, error) {
	out, err := e.view(ctx, EscrowContract, "getTransitionHold", escrowID)
	if err != nil {
		return nil, err
	}
	raw := *abi.ConvertType(out[0], new(holdTuple)).(*holdTuple)
	return raw.hold(), nil
}

func (e *EVM) Allowance(ctx context.Context, owner, spender common.Address) (*big.Int, error) {
	out, err := e.view(ctx, TokenContract, "allowance", owner, spender)
	if err != nil {
		return nil, err
	}
	value, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("ledger: allowance returned %T", out[0])
	}
	return value, nil
}

// Simulate dry-runs call from the signer account.
func (e *EVM) Simulate(ctx context.Context, call Call) error {
	msg, err := e.message(call)
	if err != nil {
		return err
	}
	if _, err := e.backend.CallContract(ctx, msg, nil); err != nil {
		return e.revert(call.Method, "", err)
	}
	return nil
}

// Submit builds, signs and broadcasts an EIP-1559 transaction for call.
func (e *EVM) Submit(ctx context.Context, call Call) (common.Hash, error) {
	if e.signer == nil {
		return common.Hash{}, fmt.Errorf("ledger: signer not configured")
	}
	msg, err := e.message(call)
	if err != nil {
		return common.Hash{}, err
	}
	gas, err := e.backend.EstimateGas(ctx, msg)
	if err != nil {
		return common.Hash{}, e.revert(call.Method, "", err)
	}
	gas += gas * e.gasBuffer / 100
	nonce, err := e.backend.PendingNonceAt(ctx, msg.From)
	if err != nil {
		return common.Hash{}, fmt.Errorf("ledger: pending nonce: %w", err)
	}
	tip, err := e.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("ledger: gas tip: %w", err)
	}
	head, err := e.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("ledger: head: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head != nil && head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}
	tx := gethtypes.NewTx(&gethtypes.DynamicFeeTx{
		ChainID:   e.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        msg.To,
		Value:     new(big.Int),
		Data:      msg.Data,
	})
	signed, err := e.signer.SignTx(ctx, tx, e.chainID)
	if err != nil {
		return common.Hash{}, fmt.Errorf("ledger: sign %s: %w", call, err)
	}
	if err := e.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("ledger: send %s: %w", call, err)
	}
	e.logger.Info("transaction broadcast",
		slog.String("call", call.String()),
		slog.String("tx", signed.Hash().Hex()),
		slog.Uint64("nonce", nonce))
	return signed.Hash(), nil
}

// Receipt reports the inclusion status of hash. Failed receipts are replayed
// at their block to recover the revert reason.
func (e *EVM) Receipt(ctx context.Context, hash common.Hash) (Receipt, error) {
	receipt, err := e.backend.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return Receipt{TxHash: hash, Status: ReceiptPending}, nil
		}
		return Receipt{}, fmt.Errorf("ledger: receipt %s: %w", hash.Hex(), err)
	}
	if receipt == nil {
		return Receipt{TxHash: hash, Status: ReceiptPending}, nil
	}
	out := Receipt{TxHash: hash, Logs: receipt.Logs}
	if receipt.BlockNumber != nil {
		out.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if receipt.Status == gethtypes.ReceiptStatusSuccessful {
		out.Status = ReceiptConfirmed
		return out, nil
	}
	out.Status = ReceiptReverted
	out.Reason = e.replayReason(ctx, hash, receipt.BlockNumber)
	return out, nil
}

func (e *EVM) replayReason(ctx context.Context, hash common.Hash, block *big.Int) string {
	tx, _, err := e.backend.TransactionByHash(ctx, hash)
	if err != nil || tx == nil {
		return ""
	}
	msg := ethereum.CallMsg{To: tx.To(), Data: tx.Data(), Gas: tx.Gas(), Value: tx.Value()}
	if e.signer != nil {
		msg.From = e.signer.Address()
	}
	if _, err := e.backend.CallContract(ctx, msg, block); err != nil {
		return e.reason(err)
	}
	return ""
}

func (e *EVM) view(ctx context.Context, contract Contract, method string, args ...any) ([]any, error) {
	call := Call{Contract: contract, Method: method, Args: args}
	msg, err := e.message(call)
	if err != nil {
		return nil, err
	}
	raw, err := e.backend.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: call %s: %w", call, err)
	}
	out, err := e.abiFor(contract).Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("ledger: unpack %s: %w", call, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("ledger: %s returned no values", call)
	}
	return out, nil
}

func (e *EVM) message(call Call) (ethereum.CallMsg, error) {
	data, err := e.abiFor(call.Contract).Pack(call.Method, call.Args...)
	if err != nil {
		return ethereum.CallMsg{}, fmt.Errorf("ledger: pack %s: %w", call, err)
	}
	to := e.escrow
	if call.Contract == TokenContract {
		to = e.token
	}
	msg := ethereum.CallMsg{To: &to, Data: data}
	if e.signer != nil {
		msg.From = e.signer.Address()
	}
	return msg, nil
}

func (e *EVM) abiFor(contract Contract) *abi.ABI {
	if contract == TokenContract {
		return &e.tokenABI
	}
	return &e.escrowABI
}

func (e *EVM) revert(action, tx string, err error) error {
	reason := e.reason(err)
	if reason == "" {
		return fmt.Errorf("ledger: %s: %w", action, err)
	}
	return &errs.RevertError{Action: action, TxHash: tx, Reason: reason}
}

// reason decodes revert data carried by an RPC error: Error(string) first,
// then custom errors declared by either contract.
func (e *EVM) reason(err error) string {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		if strings.Contains(err.Error(), "execution reverted") {
			return strings.TrimSpace(strings.TrimPrefix(err.Error(), "execution reverted:"))
		}
		return ""
	}
	hexData, ok := dataErr.ErrorData().(string)
	if !ok {
		return dataErr.Error()
	}
	data, decodeErr := hexutil.Decode(hexData)
	if decodeErr != nil || len(data) < 4 {
		return dataErr.Error()
	}
	if msg, unpackErr := abi.UnpackRevert(data); unpackErr == nil {
		return msg
	}
	var selector [4]byte
	copy(selector[:], data[:4])
	for _, def := range []*abi.ABI{&e.escrowABI, &e.tokenABI} {
		if custom, lookupErr := def.ErrorByID(selector); lookupErr == nil {
			return custom.Name
		}
	}
	return dataErr.Error()
}
