package keystore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"wg-mesh/pkg/model"
)

// fileStore keeps all key material in a single JSON document guarded by
// an adjacent .lock file, so concurrent generator runs against the same
// store converge on the same keys.
type fileStore struct {
	path string
}

type storedKey struct {
	PrivateKey string `json:"private_key"`
	PublicKey  string `json:"public_key"`
	CreatedAt  string `json:"created_at"`
}

type storedPSK struct {
	PSK       string `json:"psk"`
	CreatedAt string `json:"created_at"`
}

type fileData struct {
	Keys map[string]storedKey `json:"keys"`
	PSKs map[string]storedPSK `json:"psks"`
}

const lockRetry = 10 * time.Millisecond
const lockTimeout = 5 * time.Second

// OpenFile opens (or prepares to create) a JSON-file keystore at path.
func OpenFile(path string) (Store, error) {
	if path == "" {
		path = "wg_keys.json"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create keystore dir: %w", err)
		}
	}
	return &fileStore{path: path}, nil
}

func (s *fileStore) GetOrCreateKeypair(node string) (model.Keypair, error) {
	var kp model.Keypair
	err := s.withLock(func(data *fileData) (bool, error) {
		if k, ok := data.Keys[node]; ok {
			kp = model.Keypair{PrivateKey: k.PrivateKey, PublicKey: k.PublicKey}
			return false, nil
		}
		fresh, err := GenerateKeypair()
		if err != nil {
			return false, err
		}
		data.Keys[node] = storedKey{
			PrivateKey: fresh.PrivateKey,
			PublicKey:  fresh.PublicKey,
			CreatedAt:  time.Now().UTC().Format(time.RFC3339),
		}
		kp = fresh
		return true, nil
	})
	return kp, err
}

func (s *fileStore) GetOrCreatePSK(a, b string) (string, error) {
	var psk string
	pair := model.PairKey(a, b)
	err := s.withLock(func(data *fileData) (bool, error) {
		if p, ok := data.PSKs[pair]; ok {
			psk = p.PSK
			return false, nil
		}
		fresh, err := GeneratePSK()
		if err != nil {
			return false, err
		}
		data.PSKs[pair] = storedPSK{
			PSK:       fresh,
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		}
		psk = fresh
		return true, nil
	})
	return psk, err
}

func (s *fileStore) Close() error { return nil }

// Delete removes a node's keypair. Used by key management tooling, not
// by the engine.
func (s *fileStore) Delete(node string) error {
	return s.withLock(func(data *fileData) (bool, error) {
		if _, ok := data.Keys[node]; !ok {
			return false, fmt.Errorf("no keypair stored for %s", node)
		}
		delete(data.Keys, node)
		return true, nil
	})
}

// List returns the stored public keys by node name.
func (s *fileStore) List() (map[string]string, error) {
	out := map[string]string{}
	err := s.withLock(func(data *fileData) (bool, error) {
		for name, k := range data.Keys {
			out[name] = k.PublicKey
		}
		return false, nil
	})
	return out, err
}

// withLock runs fn under the exclusive lock file, persisting the data
// when fn reports a mutation. Writes go through a temp file and an
// atomic rename so readers never observe a torn store.
func (s *fileStore) withLock(fn func(*fileData) (bool, error)) error {
	unlock, err := s.acquireLock()
	if err != nil {
		return err
	}
	defer unlock()

	data, err := s.load()
	if err != nil {
		return err
	}
	dirty, err := fn(data)
	if err != nil {
		return err
	}
	if !dirty {
		return nil
	}
	return s.save(data)
}

func (s *fileStore) acquireLock() (func(), error) {
	lockPath := s.path + ".lock"
	deadline := time.Now().Add(lockTimeout)
	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			_ = f.Close()
			return func() { _ = os.Remove(lockPath) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("acquire keystore lock: %w", err)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("keystore lock %s held too long", lockPath)
		}
		time.Sleep(lockRetry)
	}
}

func (s *fileStore) load() (*fileData, error) {
	data := &fileData{Keys: map[string]storedKey{}, PSKs: map[string]storedPSK{}}
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return data, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read keystore: %w", err)
	}
	if len(raw) == 0 {
		return data, nil
	}
	if err := json.Unmarshal(raw, data); err != nil {
		return nil, fmt.Errorf("parse keystore %s: %w", s.path, err)
	}
	if data.Keys == nil {
		data.Keys = map[string]storedKey{}
	}
	if data.PSKs == nil {
		data.PSKs = map[string]storedPSK{}
	}
	return data, nil
}

func (s *fileStore) save(data *fileData) error {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, append(raw, '\n'), 0o600); err != nil {
		return fmt.Errorf("write keystore: %w", err)
	}
	return os.Rename(tmp, s.path)
}
