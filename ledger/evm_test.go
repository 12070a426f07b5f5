package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"valyra/errs"
)

var (
	testEscrow = common.HexToAddress("0x00000000000000000000000000000000000e5c20")
	testToken  = common.HexToAddress("0x0000000000000000000000000000000000001d72")
	testChain  = big.NewInt(84532)
)

type keySigner struct{ key *ecdsa.PrivateKey }

func (s keySigner) Address() common.Address { return gethcrypto.PubkeyToAddress(s.key.PublicKey) }

func (s keySigner) SignTx(_ context.Context, tx *gethtypes.Transaction, chainID *big.Int) (*gethtypes.Transaction, error) {
	return gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(chainID), s.key)
}

type rpcDataError struct {
	msg  string
	data any
}

func (e rpcDataError) Error() string  { return e.msg }
func (e rpcDataError) ErrorData() any { return e.data }

type fakeBackend struct {
	mu       sync.Mutex
	results  map[string][]byte
	callErr  error
	estimate uint64
	sent     []*gethtypes.Transaction
	receipts map[common.Hash]*gethtypes.Receipt
	txs      map[common.Hash]*gethtypes.Transaction
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		results:  map[string][]byte{},
		estimate: 100_000,
		receipts: map[common.Hash]*gethtypes.Receipt{},
		txs:      map[common.Hash]*gethtypes.Transaction{},
	}
}

func (b *fakeBackend) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.callErr != nil {
		return nil, b.callErr
	}
	return b.results[hexutil.Encode(msg.Data[:4])], nil
}

func (b *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	if b.callErr != nil {
		return 0, b.callErr
	}
	return b.estimate, nil
}

func (b *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) { return 7, nil }

func (b *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) { return big.NewInt(1_000), nil }

func (b *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*gethtypes.Header, error) {
	return &gethtypes.Header{Number: big.NewInt(10), BaseFee: big.NewInt(5_000)}, nil
}

func (b *fakeBackend) SendTransaction(_ context.Context, tx *gethtypes.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, tx)
	b.txs[tx.Hash()] = tx
	return nil
}

func (b *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r, ok := b.receipts[hash]; ok {
		return r, nil
	}
	return nil, ethereum.NotFound
}

func (b *fakeBackend) TransactionByHash(_ context.Context, hash common.Hash) (*gethtypes.Transaction, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.txs[hash], false, nil
}

func (b *fakeBackend) setResult(t *testing.T, contract Contract, method string, values ...any) {
	t.Helper()
	escrowDef, tokenDef, err := loadABIs()
	require.NoError(t, err)
	def := escrowDef
	if contract == TokenContract {
		def = tokenDef
	}
	m := def.Methods[method]
	packed, err := m.Outputs.Pack(values...)
	require.NoError(t, err)
	b.mu.Lock()
	b.results[hexutil.Encode(m.ID)] = packed
	b.mu.Unlock()
}

func newTestEVM(t *testing.T, backend Backend) (*EVM, keySigner) {
	t.Helper()
	key, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	signer := keySigner{key: key}
	evm, err := NewEVM(backend, signer, testChain, testEscrow, testToken)
	require.NoError(t, err)
	return evm, signer
}

func revertData(t *testing.T, reason string) string {
	t.Helper()
	stringType, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	packed, err := abi.Arguments{{Type: stringType}}.Pack(reason)
	require.NoError(t, err)
	selector := gethcrypto.Keccak256([]byte("Error(string)"))[:4]
	return hexutil.Encode(append(selector, packed...))
}

func TestEVMReadsEscrowTuple(t *testing.T) {
	backend := newFakeBackend()
	evm, _ := newTestEVM(t, backend)
	buyer := common.HexToAddress("0x00000000000000000000000000000000000000b1")
	backend.setResult(t, EscrowContract, "getEscrow", escrowTuple{
		Id:               big.NewInt(3),
		ListingId:        big.NewInt(9),
		Buyer:            buyer,
		Seller:           common.HexToAddress("0x00000000000000000000000000000000000000a1"),
		Amount:           big.NewInt(100),
		PlatformFee:      big.NewInt(2),
		SellerPayout:     big.NewInt(98),
		DepositedAt:      big.NewInt(1_700_000_000),
		HandoverDeadline: big.NewInt(1_700_086_400),
		VerifyDeadline:   big.NewInt(0),
		CredentialHash:   [32]byte{},
		State:            uint8(StateFunded),
		EncryptionMethod: uint8(EncryptionECIESWallet),
	})

	escrow, err := evm.Escrow(context.Background(), big.NewInt(3))
	require.NoError(t, err)
	require.Equal(t, StateFunded, escrow.State)
	require.Equal(t, buyer, escrow.Buyer)
	require.False(t, escrow.HasCredentialHash())
	require.Equal(t, time.Unix(1_700_000_000, 0).UTC(), escrow.DepositedAt)
	require.True(t, escrow.VerifyDeadline.IsZero())
}

func TestEVMReadsOfferAndAllowance(t *testing.T) {
	backend := newFakeBackend()
	evm, signer := newTestEVM(t, backend)
	backend.setResult(t, EscrowContract, "hasActiveOffer", true)
	backend.setResult(t, TokenContract, "allowance", big.NewInt(42))
	backend.setResult(t, EscrowContract, "getOffer", offerTuple{
		OfferId:       big.NewInt(5),
		ListingId:     big.NewInt(9),
		Buyer:         signer.Address(),
		OfferPrice:    big.NewInt(100),
		DepositAmount: big.NewInt(5),
		Status:        uint8(OfferAccepted),
		EscrowId:      big.NewInt(11),
	})

	active, err := evm.HasActiveOffer(context.Background(), big.NewInt(9), signer.Address())
	require.NoError(t, err)
	require.True(t, active)

	allowance, err := evm.Allowance(context.Background(), signer.Address(), testEscrow)
	require.NoError(t, err)
	require.Equal(t, int64(42), allowance.Int64())

	offer, err := evm.Offer(context.Background(), big.NewInt(5))
	require.NoError(t, err)
	require.Equal(t, "ACCEPTED", offer.Status.RecordStatus())
	require.Equal(t, int64(11), offer.EscrowID.Int64())
}

func TestEVMSubmitSignsDynamicFeeTx(t *testing.T) {
	backend := newFakeBackend()
	evm, signer := newTestEVM(t, backend)

	hash, err := evm.Submit(context.Background(), Approve(testEscrow, big.NewInt(100)))
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)
	tx := backend.sent[0]
	require.Equal(t, hash, tx.Hash())
	require.Equal(t, uint8(gethtypes.DynamicFeeTxType), tx.Type())
	require.Equal(t, testToken, *tx.To())
	require.Equal(t, uint64(7), tx.Nonce())
	require.Equal(t, uint64(120_000), tx.Gas())
	require.Equal(t, int64(11_000), tx.GasFeeCap().Int64())

	from, err := gethtypes.Sender(gethtypes.LatestSignerForChainID(testChain), tx)
	require.NoError(t, err)
	require.Equal(t, signer.Address(), from)
}

func TestEVMSimulateDecodesRevertReason(t *testing.T) {
	backend := newFakeBackend()
	evm, _ := newTestEVM(t, backend)
	backend.callErr = rpcDataError{msg: "execution reverted", data: revertData(t, "Offer not accepted")}

	err := evm.Simulate(context.Background(), CompleteFunding(big.NewInt(1)))
	require.ErrorIs(t, err, errs.ErrTransactionReverted)
	require.Equal(t, "Offer not accepted", errs.Reason(err))

	_, err = evm.Submit(context.Background(), CompleteFunding(big.NewInt(1)))
	require.ErrorIs(t, err, errs.ErrTransactionReverted)
	require.Empty(t, backend.sent)
}

func TestEVMReceiptStatuses(t *testing.T) {
	backend := newFakeBackend()
	evm, _ := newTestEVM(t, backend)
	ctx := context.Background()

	hash, err := evm.Submit(ctx, ConfirmReceipt(big.NewInt(1)))
	require.NoError(t, err)

	r, err := evm.Receipt(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, ReceiptPending, r.Status)

	backend.receipts[hash] = &gethtypes.Receipt{Status: gethtypes.ReceiptStatusFailed, BlockNumber: big.NewInt(12)}
	backend.callErr = rpcDataError{msg: "execution reverted", data: revertData(t, "Not buyer")}
	r, err = evm.Receipt(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, ReceiptReverted, r.Status)
	require.Equal(t, "Not buyer", r.Reason)
	require.Equal(t, uint64(12), r.BlockNumber)

	revertErr := r.Err("confirmReceipt")
	var typed *errs.RevertError
	require.True(t, errors.As(revertErr, &typed))
	require.Equal(t, hash.Hex(), typed.TxHash)

	backend.receipts[hash] = &gethtypes.Receipt{Status: gethtypes.ReceiptStatusSuccessful, BlockNumber: big.NewInt(12)}
	r, err = evm.Receipt(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, ReceiptConfirmed, r.Status)
	require.NoError(t, r.Err("confirmReceipt"))
}

func TestOfferIDFromLogs(t *testing.T) {
	escrowDef, _, err := loadABIs()
	require.NoError(t, err)
	logs := []*gethtypes.Log{{
		Topics: []common.Hash{
			escrowDef.Events["OfferMade"].ID,
			common.BigToHash(big.NewInt(77)),
			common.BigToHash(big.NewInt(9)),
		},
	}}
	id, ok := OfferIDFromLogs(logs)
	require.True(t, ok)
	require.Equal(t, int64(77), id.Int64())

	_, ok = EscrowIDFromLogs(logs)
	require.False(t, ok)
}
