// Package vault implements the buyer's read path for handed-over credentials.
// The decryption key is derived from a wallet signature and its public half is
// registered with the API before the sealed bundle is fetched. No plaintext is
// returned unless both layers authenticate.
package vault

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"valyra/errs"
	"valyra/records"
	"valyra/wallet"
)

var (
	// ErrDecryptionFailed covers malformed bundles and failed authentication.
	ErrDecryptionFailed = errors.New("vault: decryption failed")
	// ErrBundleNotFound is returned when the vault holds nothing for the buyer.
	ErrBundleNotFound = errors.New("vault: credential bundle not found")
)

// DerivationMessage is the text signed to derive the buyer's vault key. It
// carries no timestamp so the same wallet always derives the same key.
func DerivationMessage(address string) string {
	return "Valyra vault key v1 for " + strings.ToLower(strings.TrimSpace(address))
}

// DeriveKey turns a wallet signature into a secp256k1 private key.
func DeriveKey(signature []byte) (*ecdsa.PrivateKey, error) {
	if len(signature) == 0 {
		return nil, fmt.Errorf("vault: empty signature")
	}
	key, err := gethcrypto.ToECDSA(gethcrypto.Keccak256(signature))
	if err != nil {
		return nil, fmt.Errorf("vault: derive key: %w", err)
	}
	return key, nil
}

// PublicKeyHex renders the uncompressed public key as 0x-prefixed hex.
func PublicKeyHex(key *ecdsa.PrivateKey) string {
	return "0x" + hex.EncodeToString(gethcrypto.FromECDSAPub(&key.PublicKey))
}

// API is the off-chain surface used by the decryptor. *records.Client
// satisfies it.
type API interface {
	RegisterPublicKey(ctx context.Context, address, escrowID, publicKeyHex string) error
	CredentialBundle(ctx context.Context, address, escrowID string) (*records.Bundle, error)
}

// Decryptor retrieves and opens credential bundles for one buyer.
type Decryptor struct {
	api    API
	signer wallet.MessageSigner
	logger *slog.Logger
}

// NewDecryptor builds a decryptor acting as signer's address.
func NewDecryptor(api API, signer wallet.MessageSigner, logger *slog.Logger) *Decryptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decryptor{api: api, signer: signer, logger: logger}
}

// Key signs the derivation message and returns the buyer's vault key.
func (d *Decryptor) Key(ctx context.Context) (*ecdsa.PrivateKey, error) {
	address := d.signer.Address().Hex()
	sig, err := d.signer.SignMessage(ctx, []byte(DerivationMessage(address)))
	if err != nil {
		return nil, fmt.Errorf("%w: sign vault key message: %v", errs.ErrAuthenticationRequired, err)
	}
	return DeriveKey(sig)
}

// Open registers the buyer's public key for escrowID, fetches the bundle and
// decrypts it.
func (d *Decryptor) Open(ctx context.Context, escrowID string) (records.Credentials, error) {
	address := d.signer.Address().Hex()
	key, err := d.Key(ctx)
	if err != nil {
		return records.Credentials{}, err
	}
	if err := d.api.RegisterPublicKey(ctx, address, escrowID, PublicKeyHex(key)); err != nil {
		if records.StatusOf(err) != http.StatusConflict {
			return records.Credentials{}, fmt.Errorf("vault: register public key: %w", err)
		}
	}
	bundle, err := d.api.CredentialBundle(ctx, address, escrowID)
	if err != nil {
		if records.StatusOf(err) == http.StatusNotFound {
			return records.Credentials{}, fmt.Errorf("%w: escrow %s", ErrBundleNotFound, escrowID)
		}
		return records.Credentials{}, fmt.Errorf("vault: fetch bundle: %w", err)
	}
	creds, err := OpenBundle(key, bundle)
	if err != nil {
		d.logger.Warn("credential bundle rejected",
			slog.String("escrow_id", escrowID),
			slog.String("vault_entry", bundle.VaultEntryID),
			slog.Any("error", err))
		return records.Credentials{}, err
	}
	d.logger.Info("credentials decrypted",
		slog.String("escrow_id", escrowID),
		slog.String("vault_entry", bundle.VaultEntryID),
		slog.Any("credentials", creds))
	return creds, nil
}

// OpenBundle decrypts both layers of bundle: the ephemeral private key sealed
// to the buyer, then the data blob sealed to that ephemeral key.
func OpenBundle(key *ecdsa.PrivateKey, bundle *records.Bundle) (records.Credentials, error) {
	if bundle == nil {
		return records.Credentials{}, fmt.Errorf("%w: empty bundle", ErrDecryptionFailed)
	}
	sealedKey, err := decodeHex(bundle.EncryptedEphemeralPrivateKey)
	if err != nil {
		return records.Credentials{}, fmt.Errorf("%w: ephemeral key encoding: %v", ErrDecryptionFailed, err)
	}
	blob, err := decodeHex(bundle.EncryptedDataBlob)
	if err != nil {
		return records.Credentials{}, fmt.Errorf("%w: data blob encoding: %v", ErrDecryptionFailed, err)
	}
	rawKey, err := Open(key, sealedKey)
	if err != nil {
		return records.Credentials{}, fmt.Errorf("%w: ephemeral key: %v", ErrDecryptionFailed, err)
	}
	ephemeral, err := gethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(string(rawKey)), "0x"))
	if err != nil {
		return records.Credentials{}, fmt.Errorf("%w: ephemeral key: %v", ErrDecryptionFailed, err)
	}
	if want := strings.TrimSpace(bundle.EphemeralPublicKey); want != "" {
		got := hex.EncodeToString(gethcrypto.FromECDSAPub(&ephemeral.PublicKey))
		if !strings.EqualFold(strings.TrimPrefix(want, "0x"), got) {
			return records.Credentials{}, fmt.Errorf("%w: ephemeral key mismatch", ErrDecryptionFailed)
		}
	}
	plaintext, err := Open(ephemeral, blob)
	if err != nil {
		return records.Credentials{}, fmt.Errorf("%w: data blob: %v", ErrDecryptionFailed, err)
	}
	var creds records.Credentials
	if err := json.Unmarshal(plaintext, &creds); err != nil {
		return records.Credentials{}, fmt.Errorf("%w: payload: %v", ErrDecryptionFailed, err)
	}
	return creds, nil
}

// SealBundle builds a bundle for recipient the way the vault does. The CLI
// self-check and tests use it.
func SealBundle(recipient *ecdsa.PublicKey, creds records.Credentials) (*records.Bundle, error) {
	payload, err := json.Marshal(creds)
	if err != nil {
		return nil, err
	}
	ephemeral, err := gethcrypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	blob, err := Seal(&ephemeral.PublicKey, payload)
	if err != nil {
		return nil, err
	}
	sealedKey, err := Seal(recipient, []byte(hex.EncodeToString(gethcrypto.FromECDSA(ephemeral))))
	if err != nil {
		return nil, err
	}
	return &records.Bundle{
		EncryptedDataBlob:            hex.EncodeToString(blob),
		EncryptedEphemeralPrivateKey: hex.EncodeToString(sealedKey),
		EphemeralPublicKey:           hex.EncodeToString(gethcrypto.FromECDSAPub(&ephemeral.PublicKey)),
	}, nil
}

func decodeHex(raw string) ([]byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if trimmed == "" {
		return nil, errMalformed
	}
	return hex.DecodeString(trimmed)
}
