package keystore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"wg-mesh/pkg/model"
)

// sqliteStore keeps keys in a local SQLite database. Insert-or-ignore
// plus a busy timeout gives get-or-create semantics under concurrent
// callers without explicit locking.
type sqliteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the keystore database at path.
func OpenSQLite(path string) (Store, error) {
	if path == "" {
		path = "wg_keys.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create keystore dir: %w", err)
		}
	}
	dsn := "file:" + path + "?_pragma=busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite keystore: %w", err)
	}
	db.SetMaxOpenConns(1)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite keystore ping: %w", err)
	}
	schema := `CREATE TABLE IF NOT EXISTS node_keys(
		name TEXT PRIMARY KEY, private_key TEXT, public_key TEXT, created_at TEXT);
	CREATE TABLE IF NOT EXISTS pair_psks(
		pair TEXT PRIMARY KEY, psk TEXT, created_at TEXT);`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite keystore schema: %w", err)
	}
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) GetOrCreateKeypair(node string) (model.Keypair, error) {
	fresh, err := GenerateKeypair()
	if err != nil {
		return model.Keypair{}, err
	}
	_, err = s.db.Exec(`INSERT OR IGNORE INTO node_keys(name, private_key, public_key, created_at) VALUES(?,?,?,?)`,
		node, fresh.PrivateKey, fresh.PublicKey, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return model.Keypair{}, fmt.Errorf("store keypair for %s: %w", node, err)
	}
	var kp model.Keypair
	row := s.db.QueryRow(`SELECT private_key, public_key FROM node_keys WHERE name=?`, node)
	if err := row.Scan(&kp.PrivateKey, &kp.PublicKey); err != nil {
		return model.Keypair{}, fmt.Errorf("load keypair for %s: %w", node, err)
	}
	return kp, nil
}

func (s *sqliteStore) GetOrCreatePSK(a, b string) (string, error) {
	pair := model.PairKey(a, b)
	fresh, err := GeneratePSK()
	if err != nil {
		return "", err
	}
	_, err = s.db.Exec(`INSERT OR IGNORE INTO pair_psks(pair, psk, created_at) VALUES(?,?,?)`,
		pair, fresh, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return "", fmt.Errorf("store psk for %s: %w", pair, err)
	}
	var psk string
	if err := s.db.QueryRow(`SELECT psk FROM pair_psks WHERE pair=?`, pair).Scan(&psk); err != nil {
		return "", fmt.Errorf("load psk for %s: %w", pair, err)
	}
	return psk, nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }
