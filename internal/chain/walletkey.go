package chain

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/scrypt"
)

// scrypt parameters match go-ethereum's keystore defaults (accounts/keystore
// StandardScryptN/P): strong enough for a lobby wallet key that is touched
// rarely and only ever decrypted out-of-band for recovery, never on the hot
// path (Transfer re-derives the signing key from the HD seed directly).
const (
	scryptN   = 1 << 18
	scryptR   = 8
	scryptP   = 1
	scryptLen = 32
	saltLen   = 16
)

// EncryptPrivateKey encrypts key's raw bytes under passphrase for storage in
// the lobbies.encrypted_key column — a cold-recovery path independent of the
// HD seed, in case WALLET_ENCRYPTION_KEY survives an incident that the seed
// does not (or vice versa).
func EncryptPrivateKey(key *ecdsa.PrivateKey, passphrase string) ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("chain: generating salt: %w", err)
	}
	gcm, err := cipherFor(passphrase, salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("chain: generating nonce: %w", err)
	}

	plain := crypto.FromECDSA(key)
	sealed := gcm.Seal(nil, nonce, plain, nil)

	out := make([]byte, 0, len(salt)+len(nonce)+len(sealed))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

// DecryptPrivateKey reverses EncryptPrivateKey.
func DecryptPrivateKey(data []byte, passphrase string) (*ecdsa.PrivateKey, error) {
	if len(data) < saltLen {
		return nil, fmt.Errorf("chain: encrypted key too short")
	}
	salt, rest := data[:saltLen], data[saltLen:]

	gcm, err := cipherFor(passphrase, salt)
	if err != nil {
		return nil, err
	}
	if len(rest) < gcm.NonceSize() {
		return nil, fmt.Errorf("chain: encrypted key too short")
	}
	nonce, ciphertext := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]

	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: decrypting key: %w", err)
	}
	return crypto.ToECDSA(plain)
}

func cipherFor(passphrase string, salt []byte) (cipher.AEAD, error) {
	derived, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, scryptLen)
	if err != nil {
		return nil, fmt.Errorf("chain: deriving key-encryption key: %w", err)
	}
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("chain: building cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
