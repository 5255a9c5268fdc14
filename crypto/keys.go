package crypto

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/gagliardetto/solana-go"
)

// Signer holds the shop's signing key. Implementations must be safe for
// concurrent use.
type Signer interface {
	PublicKey() solana.PublicKey
	Sign(ctx context.Context, payload []byte) (solana.Signature, error)
}

// KeypairSigner signs with an in-memory ed25519 keypair.
type KeypairSigner struct {
	key solana.PrivateKey
}

// NewKeypairSigner wraps an existing private key.
func NewKeypairSigner(key solana.PrivateKey) (*KeypairSigner, error) {
	if len(key) != 64 {
		return nil, errors.New("crypto: private key must be 64 bytes")
	}
	return &KeypairSigner{key: key}, nil
}

// SignerFromBase58 decodes a base58 secret key as exported by most wallets.
func SignerFromBase58(material string) (*KeypairSigner, error) {
	material = strings.TrimSpace(material)
	if material == "" {
		return nil, errors.New("crypto: empty key material")
	}
	if strings.HasPrefix(material, "[") {
		return signerFromJSON([]byte(material))
	}
	key, err := solana.PrivateKeyFromBase58(material)
	if err != nil {
		return nil, fmt.Errorf("crypto: decode base58 key: %w", err)
	}
	return NewKeypairSigner(key)
}

// SignerFromEnv loads key material from the named environment variable.
func SignerFromEnv(varName string) (*KeypairSigner, error) {
	material := strings.TrimSpace(os.Getenv(varName))
	if material == "" {
		return nil, fmt.Errorf("environment variable %s not set", varName)
	}
	return SignerFromBase58(material)
}

// SignerFromFile loads a solana-keygen JSON keypair file.
func SignerFromFile(path string) (*KeypairSigner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("crypto: read keypair: %w", err)
	}
	return signerFromJSON(data)
}

func signerFromJSON(data []byte) (*KeypairSigner, error) {
	var raw []byte
	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return nil, fmt.Errorf("crypto: decode keypair json: %w", err)
	}
	raw = make([]byte, len(ints))
	for i, v := range ints {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("crypto: keypair byte %d out of range", i)
		}
		raw[i] = byte(v)
	}
	return NewKeypairSigner(solana.PrivateKey(raw))
}

// PublicKey returns the signer's account address.
func (s *KeypairSigner) PublicKey() solana.PublicKey {
	if s == nil || len(s.key) == 0 {
		return solana.PublicKey{}
	}
	return s.key.PublicKey()
}

// Sign produces an ed25519 signature over payload.
func (s *KeypairSigner) Sign(ctx context.Context, payload []byte) (solana.Signature, error) {
	if s == nil || len(s.key) == 0 {
		return solana.Signature{}, errors.New("crypto: signer not configured")
	}
	select {
	case <-ctx.Done():
		return solana.Signature{}, ctx.Err()
	default:
	}
	return s.key.Sign(payload)
}

// PrivateKey exposes the raw key for keystore export.
func (s *KeypairSigner) PrivateKey() solana.PrivateKey {
	return s.key
}
