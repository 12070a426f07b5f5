package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"math/big"

	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/hkdf"
)

// Sealed payload layout: ephemeral public key (65, uncompressed) || nonce (16)
// || GCM tag (16) || ciphertext. The shared key is HKDF-SHA256 over the
// ephemeral public key followed by the uncompressed shared point.
const (
	pubKeyLen = 65
	nonceLen  = 16
	tagLen    = 16
	overhead  = pubKeyLen + nonceLen + tagLen
)

var errMalformed = errors.New("vault: malformed ciphertext")

// Seal encrypts plaintext to pub.
func Seal(pub *ecdsa.PublicKey, plaintext []byte) ([]byte, error) {
	return seal(rand.Reader, pub, plaintext)
}

func seal(random io.Reader, pub *ecdsa.PublicKey, plaintext []byte) ([]byte, error) {
	if pub == nil || pub.X == nil || pub.Y == nil {
		return nil, fmt.Errorf("vault: recipient key required")
	}
	ephemeral, err := ecdsa.GenerateKey(gethcrypto.S256(), random)
	if err != nil {
		return nil, fmt.Errorf("vault: ephemeral key: %w", err)
	}
	ephemeralPub := gethcrypto.FromECDSAPub(&ephemeral.PublicKey)
	key, err := sharedKey(ephemeral.D, pub, ephemeralPub)
	if err != nil {
		return nil, err
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceLen)
	if _, err := io.ReadFull(random, nonce); err != nil {
		return nil, fmt.Errorf("vault: nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, plaintext, nil)
	ct, tag := sealed[:len(sealed)-tagLen], sealed[len(sealed)-tagLen:]

	out := make([]byte, 0, overhead+len(ct))
	out = append(out, ephemeralPub...)
	out = append(out, nonce...)
	out = append(out, tag...)
	out = append(out, ct...)
	return out, nil
}

// Open decrypts a payload produced by Seal (or the vault) with priv.
func Open(priv *ecdsa.PrivateKey, payload []byte) ([]byte, error) {
	if priv == nil {
		return nil, fmt.Errorf("vault: private key required")
	}
	if len(payload) < overhead {
		return nil, errMalformed
	}
	ephemeralPub := payload[:pubKeyLen]
	sender, err := gethcrypto.UnmarshalPubkey(ephemeralPub)
	if err != nil {
		return nil, errMalformed
	}
	key, err := sharedKey(priv.D, sender, ephemeralPub)
	if err != nil {
		return nil, err
	}
	aead, err := newAEAD(key)
	if err != nil {
		return nil, err
	}
	nonce := payload[pubKeyLen : pubKeyLen+nonceLen]
	tag := payload[pubKeyLen+nonceLen : overhead]
	ct := payload[overhead:]
	sealed := make([]byte, 0, len(ct)+tagLen)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("vault: authenticate ciphertext: %w", err)
	}
	return plaintext, nil
}

func sharedKey(d *big.Int, peer *ecdsa.PublicKey, ephemeralPub []byte) ([]byte, error) {
	curve := gethcrypto.S256()
	if !curve.IsOnCurve(peer.X, peer.Y) {
		return nil, errMalformed
	}
	x, y := curve.ScalarMult(peer.X, peer.Y, d.Bytes())
	if x == nil || (x.Sign() == 0 && y.Sign() == 0) {
		return nil, errMalformed
	}
	shared := gethcrypto.FromECDSAPub(&ecdsa.PublicKey{Curve: curve, X: x, Y: y})

	master := make([]byte, 0, len(ephemeralPub)+len(shared))
	master = append(master, ephemeralPub...)
	master = append(master, shared...)
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, nil), key); err != nil {
		return nil, fmt.Errorf("vault: derive key: %w", err)
	}
	return key, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceLen)
	if err != nil {
		return nil, fmt.Errorf("vault: gcm: %w", err)
	}
	return aead, nil
}
