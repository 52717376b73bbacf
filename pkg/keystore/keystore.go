// Package keystore persists WireGuard key material. The engine treats it
// as an opaque collaborator: both operations are idempotent and safe
// under concurrent callers, and they are the only side effects of a
// build.
package keystore

import (
	"fmt"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"wg-mesh/pkg/model"
)

// Store is the key persistence contract. GetOrCreateKeypair returns the
// stored pair for a node, creating one on first use; GetOrCreatePSK does
// the same for the unordered node pair.
type Store interface {
	GetOrCreateKeypair(node string) (model.Keypair, error)
	GetOrCreatePSK(a, b string) (string, error)
	Close() error
}

// GenerateKeypair creates a fresh Curve25519 pair.
func GenerateKeypair() (model.Keypair, error) {
	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return model.Keypair{}, fmt.Errorf("generate private key: %w", err)
	}
	return model.Keypair{
		PrivateKey: priv.String(),
		PublicKey:  priv.PublicKey().String(),
	}, nil
}

// GeneratePSK creates a fresh preshared key.
func GeneratePSK() (string, error) {
	k, err := wgtypes.GenerateKey()
	if err != nil {
		return "", fmt.Errorf("generate preshared key: %w", err)
	}
	return k.String(), nil
}

// Open constructs a store for the given backend. Supported backends are
// "file", "sqlite", "mysql" (DSN via environment, see the mysql backend)
// and "consul" when built with the consul tag.
func Open(backend, path string) (Store, error) {
	switch backend {
	case "", "file":
		return OpenFile(path)
	case "sqlite":
		return OpenSQLite(path)
	case "mysql":
		return OpenMySQL()
	case "consul":
		return OpenConsul(path)
	default:
		return nil, fmt.Errorf("unsupported keystore backend: %s", backend)
	}
}
