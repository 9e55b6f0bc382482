package txn

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"

	"github.com/wuwei-labs/antegen/pkg/types"
)

// Keypair is a loaded executor identity.
type Keypair struct {
	Private ed25519.PrivateKey
	Pubkey  types.Pubkey
}

// LoadKeypair reads a keypair file in the standard CLI format: a JSON
// array of the 64 secret-key bytes.
func LoadKeypair(path string) (*Keypair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read keypair file: %w", err)
	}
	var raw []byte
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse keypair file %s: %w", path, err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("keypair file %s holds %d bytes, want %d", path, len(raw), ed25519.PrivateKeySize)
	}
	return NewKeypair(ed25519.PrivateKey(raw)), nil
}

// NewKeypair wraps a private key with its derived pubkey.
func NewKeypair(priv ed25519.PrivateKey) *Keypair {
	kp := &Keypair{Private: priv}
	copy(kp.Pubkey[:], priv.Public().(ed25519.PublicKey))
	return kp
}
