package database

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

type DB struct {
	*sqlx.DB
}

type Config struct {
	Host     string
	Port     int
	UserName string
	Password string
	DBName   string
	// SSLMode が空の場合はホスト名から決定します
	SSLMode string
}

// DSN はlib/pq形式の接続文字列を返します
func (c Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host,
		c.Port,
		c.UserName,
		c.Password,
		c.DBName,
		c.sslMode(),
	)
}

func (c Config) sslMode() string {
	if c.SSLMode != "" {
		return c.SSLMode
	}
	// localhostのDBの場合はSSLを無効化
	if c.Host == "localhost" || c.Host == "127.0.0.1" {
		return "disable"
	}
	return "require" // 本番環境ではSSLを有効にする
}

func NewDB(cfg Config) (*DB, error) {
	// X-Ray対応のSQLコンテキストを作成
	db, err := xray.SQLContext("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database with X-Ray: %w", err)
	}

	// コネクションプールの設定
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	// 接続テスト
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{sqlx.NewDb(db, "postgres")}, nil
}

// HealthCheck はヘルスチェック用にDB接続を確認します
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, seg := xray.BeginSubsegment(ctx, "DB.Ping")
	if seg != nil {
		defer seg.Close(nil)
	}
	return db.DB.PingContext(ctx)
}
