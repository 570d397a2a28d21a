package repository

import (
	"context"

	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/jmoiron/sqlx"
	"github.com/uma-arai/checkout-notifier/internal/common/database"
	"github.com/uma-arai/checkout-notifier/internal/common/logger"
)

// DB はリポジトリ層で使うX-Ray計装付きのDBです
type DB struct {
	*sqlx.DB
}

// NewDB は接続済みのDBからリポジトリ用のDBを作成します
func NewDB(conn *database.DB) *DB {
	return &DB{conn.DB}
}

// BeginTx starts a new transaction
func (db *DB) BeginTx(ctx context.Context) (*sqlx.Tx, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "DB.BeginTx")
	defer seg.Close(nil)

	return db.DB.BeginTxx(ctx, nil)
}

// SelectContext wraps sqlx.DB.SelectContext with X-Ray tracing
func (db *DB) SelectContext(ctx context.Context, dest any, query string, args ...any) error {
	ctx, seg := xray.BeginSubsegment(ctx, "DB.Select")
	if seg == nil {
		return db.DB.SelectContext(ctx, dest, query, args...)
	}
	defer seg.Close(nil)

	// クエリをメタデータとして追加
	addQueryMetadata(seg, query)

	if err := db.DB.SelectContext(ctx, dest, query, args...); err != nil {
		seg.Close(err)
		return err
	}
	return nil
}

// GetContext wraps sqlx.DB.GetContext with X-Ray tracing
func (db *DB) GetContext(ctx context.Context, dest any, query string, args ...any) error {
	ctx, seg := xray.BeginSubsegment(ctx, "DB.Get")
	if seg == nil {
		return db.DB.GetContext(ctx, dest, query, args...)
	}
	defer seg.Close(nil)

	addQueryMetadata(seg, query)

	if err := db.DB.GetContext(ctx, dest, query, args...); err != nil {
		seg.Close(err)
		return err
	}
	return nil
}

func addQueryMetadata(seg *xray.Segment, query string) {
	if err := seg.AddMetadata("query", query); err != nil {
		logger.GetLogger().WithError(err).Warn("failed to add query metadata")
	}
}
