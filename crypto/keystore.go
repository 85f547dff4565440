package crypto

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

func addressOf(key *PrivateKey) common.Address {
	return ethcrypto.PubkeyToAddress(key.PrivateKey.PublicKey)
}

// SaveToKeystore encrypts the private key with the passphrase and writes an
// Ethereum v3 keystore file at the given path. The parent directory is
// created with 0700 permissions when missing.
func SaveToKeystore(path string, key *PrivateKey, passphrase string) error {
	if key == nil {
		return errors.New("crypto: nil private key")
	}
	if path == "" {
		return errors.New("crypto: empty keystore path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return err
	}
	stored := &keystore.Key{
		Id:         id,
		Address:    addressOf(key),
		PrivateKey: key.PrivateKey,
	}
	encrypted, err := keystore.EncryptKey(stored, passphrase, keystore.StandardScryptN, keystore.StandardScryptP)
	if err != nil {
		return err
	}
	return os.WriteFile(path, encrypted, 0o600)
}

// LoadFromKeystore decrypts an Ethereum v3 keystore file using the supplied
// passphrase.
func LoadFromKeystore(path, passphrase string) (*PrivateKey, error) {
	if path == "" {
		return nil, errors.New("crypto: empty keystore path")
	}
	keyJSON, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	decrypted, err := keystore.DecryptKey(keyJSON, passphrase)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{PrivateKey: decrypted.PrivateKey}, nil
}
