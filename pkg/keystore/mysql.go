package keystore

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"wg-mesh/pkg/model"
)

// NodeKey is one node's persisted keypair row.
type NodeKey struct {
	Name       string `gorm:"primaryKey;size:64"`
	PrivateKey string `gorm:"size:64"`
	PublicKey  string `gorm:"size:64"`
	CreatedAt  time.Time
}

// PairPSK is the preshared key for an unordered node pair.
type PairPSK struct {
	Pair      string `gorm:"primaryKey;size:130"`
	PSK       string `gorm:"size:64"`
	CreatedAt time.Time
}

type mysqlStore struct {
	db *gorm.DB
}

// OpenMySQL connects to MySQL and migrates the key tables.
// Env:
//
//	MYSQL_DSN or MYSQL_HOST, MYSQL_PORT, MYSQL_USER, MYSQL_PASS, MYSQL_DB
func OpenMySQL() (Store, error) {
	_ = loadDotEnv()
	host := getenv("MYSQL_HOST", "127.0.0.1")
	port := getenv("MYSQL_PORT", "3306")
	user := getenv("MYSQL_USER", "root")
	pass := getenv("MYSQL_PASS", "")
	dbname := getenv("MYSQL_DB", "wg_mesh")

	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		dsn = fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local", user, pass, host, port, dbname)
	}
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open mysql keystore: %w", err)
	}
	if err := db.AutoMigrate(&NodeKey{}, &PairPSK{}); err != nil {
		return nil, fmt.Errorf("migrate keystore tables: %w", err)
	}
	return &mysqlStore{db: db}, nil
}

func (s *mysqlStore) GetOrCreateKeypair(node string) (model.Keypair, error) {
	fresh, err := GenerateKeypair()
	if err != nil {
		return model.Keypair{}, err
	}
	row := NodeKey{Name: node, PrivateKey: fresh.PrivateKey, PublicKey: fresh.PublicKey}
	if err := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return model.Keypair{}, fmt.Errorf("store keypair for %s: %w", node, err)
	}
	var stored NodeKey
	if err := s.db.First(&stored, "name = ?", node).Error; err != nil {
		return model.Keypair{}, fmt.Errorf("load keypair for %s: %w", node, err)
	}
	return model.Keypair{PrivateKey: stored.PrivateKey, PublicKey: stored.PublicKey}, nil
}

func (s *mysqlStore) GetOrCreatePSK(a, b string) (string, error) {
	pair := model.PairKey(a, b)
	fresh, err := GeneratePSK()
	if err != nil {
		return "", err
	}
	row := PairPSK{Pair: pair, PSK: fresh}
	if err := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		return "", fmt.Errorf("store psk for %s: %w", pair, err)
	}
	var stored PairPSK
	if err := s.db.First(&stored, "pair = ?", pair).Error; err != nil {
		return "", fmt.Errorf("load psk for %s: %w", pair, err)
	}
	return stored.PSK, nil
}

func (s *mysqlStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func loadDotEnv() error {
	if _, err := os.Stat(".env"); err == nil {
		return godotenv.Load(".env")
	}
	return nil
}
