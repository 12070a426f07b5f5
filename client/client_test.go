package client

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"valyra/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	dir := t.TempDir()
	cfg := &config.Config{
		API: config.APIConfig{BaseURL: srv.URL + "/api/v1", Timeout: config.Duration{Duration: time.Second}},
		Chain: config.ChainConfig{
			RPCURL:              srv.URL,
			ChainID:             config.BaseSepoliaChainID,
			EscrowContract:      "0x1111111111111111111111111111111111111111",
			TokenContract:       "0x2222222222222222222222222222222222222222",
			ReceiptPollInterval: config.Duration{Duration: 10 * time.Millisecond},
			ReceiptMaxErrors:    1,
		},
		Session: config.SessionConfig{Validity: config.Duration{Duration: time.Hour}, StorePath: filepath.Join(dir, "sessions.db")},
		Journal: config.JournalConfig{DSN: fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())},
		Poll:    config.PollConfig{Interval: config.Duration{Duration: time.Second}},
		Sync:    config.SyncConfig{MaxElapsed: config.Duration{Duration: time.Second}},
	}
	return cfg
}

func writeKeystore(t *testing.T, passphrase string) (string, string) {
	t.Helper()
	key, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	address := gethcrypto.PubkeyToAddress(key.PublicKey)
	blob, err := keystore.EncryptKey(&keystore.Key{
		Id:         uuid.New(),
		Address:    address,
		PrivateKey: key,
	}, passphrase, keystore.LightScryptN, keystore.LightScryptP)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))
	return path, address.Hex()
}

func TestOpenReadOnly(t *testing.T) {
	cfg := testConfig(t)
	c, err := Open(context.Background(), cfg, nil, ReadOnly())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	require.Equal(t, "0x0000000000000000000000000000000000000000", c.Account().Hex())
	require.Nil(t, c.Journal)
	require.Nil(t, c.Guard)

	_, err = c.Offers()
	require.ErrorIs(t, err, ErrNoWallet)
	_, err = c.Decryptor()
	require.ErrorIs(t, err, ErrNoWallet)

	fetcher := c.Fetcher()
	require.NotNil(t, fetcher.Records)
	require.NotNil(t, fetcher.Chain)
	require.Len(t, c.FlowOptions(), 2)
}

func TestOpenWithKeystore(t *testing.T) {
	cfg := testConfig(t)
	path, address := writeKeystore(t, "correct horse")
	cfg.Wallet.Keystore = path

	c, err := Open(context.Background(), cfg, nil, WithPassphrase(func() (string, error) { return "correct horse", nil }))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	require.Equal(t, address, c.Account().Hex())
	require.NotNil(t, c.Journal)
	require.NotNil(t, c.Guard)
	require.Len(t, c.FlowOptions(), 4)

	engine, err := c.Offers()
	require.NoError(t, err)
	require.Equal(t, c.Account(), engine.Account())

	_, err = c.Handover(nil)
	require.NoError(t, err)

	poller := c.Poller("42", address)
	_, err = c.Executor(poller)
	require.NoError(t, err)
}

func TestOpenRejectsWrongPassphrase(t *testing.T) {
	cfg := testConfig(t)
	path, _ := writeKeystore(t, "correct horse")
	cfg.Wallet.Keystore = path

	_, err := Open(context.Background(), cfg, nil, WithPassphrase(func() (string, error) { return "battery staple", nil }))
	require.ErrorContains(t, err, "load keystore")
}

func TestOpenRequiresKeystore(t *testing.T) {
	cfg := testConfig(t)
	_, err := Open(context.Background(), cfg, nil)
	require.ErrorContains(t, err, "wallet.keystore required")
}
