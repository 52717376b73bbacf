//go:build consul

package consul

import (
	"encoding/json"
	"fmt"
	"time"

	consulapi "github.com/hashicorp/consul/api"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"wg-mesh/pkg/model"
)

// KeyStore is a Consul-KV-backed key store. Check-and-set with index 0
// gives create-once semantics: whichever caller wins the race, everyone
// reads back the same key.
type KeyStore struct {
	cli *consulapi.Client
}

const (
	keyPrefix = "wg-mesh/keys/"
	pskPrefix = "wg-mesh/psks/"
)

type storedKey struct {
	PrivateKey string `json:"private_key"`
	PublicKey  string `json:"public_key"`
	CreatedAt  string `json:"created_at"`
}

type storedPSK struct {
	PSK       string `json:"psk"`
	CreatedAt string `json:"created_at"`
}

func NewKeyStore(addr string) (*KeyStore, error) {
	cfg := consulapi.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	cli, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	return &KeyStore{cli: cli}, nil
}

func (s *KeyStore) GetOrCreateKeypair(node string) (model.Keypair, error) {
	key := keyPrefix + node
	if kp, ok, err := s.loadKey(key); err != nil {
		return model.Keypair{}, err
	} else if ok {
		return kp, nil
	}
	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return model.Keypair{}, fmt.Errorf("generate private key: %w", err)
	}
	stored := storedKey{
		PrivateKey: priv.String(),
		PublicKey:  priv.PublicKey().String(),
		CreatedAt:  time.Now().UTC().Format(time.RFC3339),
	}
	b, err := json.Marshal(stored)
	if err != nil {
		return model.Keypair{}, err
	}
	ok, _, err := s.cli.KV().CAS(&consulapi.KVPair{Key: key, Value: b, ModifyIndex: 0}, nil)
	if err != nil {
		return model.Keypair{}, fmt.Errorf("store keypair for %s: %w", node, err)
	}
	if !ok {
		// lost the race; read the winner
		kp, found, err := s.loadKey(key)
		if err != nil {
			return model.Keypair{}, err
		}
		if !found {
			return model.Keypair{}, fmt.Errorf("keypair for %s vanished after cas conflict", node)
		}
		return kp, nil
	}
	return model.Keypair{PrivateKey: stored.PrivateKey, PublicKey: stored.PublicKey}, nil
}

func (s *KeyStore) GetOrCreatePSK(a, b string) (string, error) {
	key := pskPrefix + model.PairKey(a, b)
	if psk, ok, err := s.loadPSK(key); err != nil {
		return "", err
	} else if ok {
		return psk, nil
	}
	fresh, err := wgtypes.GenerateKey()
	if err != nil {
		return "", fmt.Errorf("generate preshared key: %w", err)
	}
	stored := storedPSK{PSK: fresh.String(), CreatedAt: time.Now().UTC().Format(time.RFC3339)}
	raw, err := json.Marshal(stored)
	if err != nil {
		return "", err
	}
	ok, _, err := s.cli.KV().CAS(&consulapi.KVPair{Key: key, Value: raw, ModifyIndex: 0}, nil)
	if err != nil {
		return "", fmt.Errorf("store psk for %s: %w", key, err)
	}
	if !ok {
		psk, found, err := s.loadPSK(key)
		if err != nil {
			return "", err
		}
		if !found {
			return "", fmt.Errorf("psk %s vanished after cas conflict", key)
		}
		return psk, nil
	}
	return stored.PSK, nil
}

func (s *KeyStore) Close() error { return nil }

func (s *KeyStore) loadKey(key string) (model.Keypair, bool, error) {
	pair, _, err := s.cli.KV().Get(key, nil)
	if err != nil {
		return model.Keypair{}, false, fmt.Errorf("load %s: %w", key, err)
	}
	if pair == nil {
		return model.Keypair{}, false, nil
	}
	var stored storedKey
	if err := json.Unmarshal(pair.Value, &stored); err != nil {
		return model.Keypair{}, false, fmt.Errorf("parse %s: %w", key, err)
	}
	return model.Keypair{PrivateKey: stored.PrivateKey, PublicKey: stored.PublicKey}, true, nil
}

func (s *KeyStore) loadPSK(key string) (string, bool, error) {
	pair, _, err := s.cli.KV().Get(key, nil)
	if err != nil {
		return "", false, fmt.Errorf("load %s: %w", key, err)
	}
	if pair == nil {
		return "", false, nil
	}
	var stored storedPSK
	if err := json.Unmarshal(pair.Value, &stored); err != nil {
		return "", false, fmt.Errorf("parse %s: %w", key, err)
	}
	return stored.PSK, true, nil
}
