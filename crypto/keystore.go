package crypto

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/gagliardetto/solana-go"
)

const keystoreVersion = 1

type keystoreFile struct {
	Version   int                 `json:"version"`
	PublicKey string              `json:"publicKey"`
	Crypto    keystore.CryptoJSON `json:"crypto"`
}

// SaveToKeystore encrypts the signer's key with scrypt and AES-128-CTR and
// writes it to path with 0600 permissions. Missing parent directories are
// created with 0700.
func SaveToKeystore(path string, signer *KeypairSigner, passphrase string) error {
	if signer == nil || len(signer.key) == 0 {
		return errors.New("crypto: nil private key")
	}
	if path == "" {
		return errors.New("crypto: empty keystore path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	cj, err := keystore.EncryptDataV3(signer.key, []byte(passphrase), keystore.StandardScryptN, keystore.StandardScryptP)
	if err != nil {
		return fmt.Errorf("crypto: encrypt key: %w", err)
	}
	payload, err := json.Marshal(keystoreFile{
		Version:   keystoreVersion,
		PublicKey: signer.PublicKey().String(),
		Crypto:    cj,
	})
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "keystore-")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	return os.Chmod(path, 0o600)
}

// LoadFromKeystore decrypts a keystore written by SaveToKeystore.
func LoadFromKeystore(path, passphrase string) (*KeypairSigner, error) {
	if path == "" {
		return nil, errors.New("crypto: empty keystore path")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var file keystoreFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("crypto: decode keystore: %w", err)
	}
	if file.Version != keystoreVersion {
		return nil, fmt.Errorf("crypto: unsupported keystore version %d", file.Version)
	}
	raw, err := keystore.DecryptDataV3(file.Crypto, passphrase)
	if err != nil {
		return nil, err
	}
	signer, err := NewKeypairSigner(solana.PrivateKey(raw))
	if err != nil {
		return nil, err
	}
	if file.PublicKey != "" && file.PublicKey != signer.PublicKey().String() {
		return nil, errors.New("crypto: keystore public key mismatch")
	}
	return signer, nil
}
