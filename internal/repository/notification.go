package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/uma-arai/checkout-notifier/internal/model"
)

// uniqueViolation はPostgreSQLの一意制約違反のエラーコードです
const uniqueViolation = "23505"

// NotificationRepository は通知レコードの永続化を担当するインターフェースです
type NotificationRepository interface {
	BeginTx(ctx context.Context) (NotificationTx, error)
	ExistsBetween(ctx context.Context, bookingID int64, typ model.NotificationType, from, to time.Time) (bool, error)
	SentBetween(ctx context.Context, bookingIDs []int64, typ model.NotificationType, from, to time.Time) (map[int64]bool, error)
}

// NotificationTx は通知レコードを確保してから確定するまでのトランザクションです
type NotificationTx interface {
	// Insert は(booking_id, type, sent_on)が未登録の場合のみ挿入します
	// 既に登録済みの場合はfalseを返します
	Insert(ctx context.Context, record *model.NotificationRecord) (bool, error)
	UpdateDelivery(ctx context.Context, id int64, channel string, status model.DeliveryStatus, message string) error
	Commit() error
	Rollback() error
}

// NotificationRepositoryImpl は通知の永続化を担当します
type NotificationRepositoryImpl struct {
	db *DB
}

// NewNotificationRepository は新しいNotificationRepositoryを作成します
func NewNotificationRepository(db *DB) *NotificationRepositoryImpl {
	return &NotificationRepositoryImpl{
		db: db,
	}
}

// BeginTx は新しいトランザクションを開始します
func (r *NotificationRepositoryImpl) BeginTx(ctx context.Context) (NotificationTx, error) {
	tx, err := r.db.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return newNotificationTx(tx), nil
}

// ExistsBetween は[from, to)に作成された通知レコードが存在するかを返します
func (r *NotificationRepositoryImpl) ExistsBetween(ctx context.Context, bookingID int64, typ model.NotificationType, from, to time.Time) (bool, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "NotificationRepository.ExistsBetween")
	defer seg.Close(nil)

	query := `
		SELECT EXISTS (
			SELECT 1
			FROM notifications
			WHERE booking_id = $1
			AND type = $2
			AND created_at >= $3
			AND created_at < $4
		)`

	var exists bool
	if err := r.db.GetContext(ctx, &exists, query, bookingID, typ, from, to); err != nil {
		seg.Close(err)
		return false, fmt.Errorf("failed to check notification: %w", err)
	}

	return exists, nil
}

// SentBetween は複数予約について[from, to)に通知済みかどうかをまとめて返します
func (r *NotificationRepositoryImpl) SentBetween(ctx context.Context, bookingIDs []int64, typ model.NotificationType, from, to time.Time) (map[int64]bool, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "NotificationRepository.SentBetween")
	defer seg.Close(nil)

	sent := make(map[int64]bool, len(bookingIDs))
	if len(bookingIDs) == 0 {
		return sent, nil
	}

	query := `
		SELECT DISTINCT booking_id
		FROM notifications
		WHERE booking_id = ANY($1)
		AND type = $2
		AND created_at >= $3
		AND created_at < $4`

	var ids []int64
	if err := r.db.SelectContext(ctx, &ids, query, pq.Int64Array(bookingIDs), typ, from, to); err != nil {
		seg.Close(err)
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	for _, id := range ids {
		sent[id] = true
	}

	return sent, nil
}

// rowScanner は1行の結果を読み出します。*sqlx.Rowが満たします
type rowScanner interface {
	Scan(dest ...any) error
}

type notificationTx struct {
	tx       *sqlx.Tx
	queryRow func(ctx context.Context, query string, args ...any) rowScanner
}

func newNotificationTx(tx *sqlx.Tx) *notificationTx {
	return &notificationTx{
		tx: tx,
		queryRow: func(ctx context.Context, query string, args ...any) rowScanner {
			return tx.QueryRowxContext(ctx, query, args...)
		},
	}
}

// Insert は通知レコードを確保します
// 同じキーを確保中の別トランザクションがある場合は、その終了まで待機します
func (t *notificationTx) Insert(ctx context.Context, record *model.NotificationRecord) (bool, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "NotificationRepository.Insert")
	defer seg.Close(nil)

	query := `
		INSERT INTO notifications (
			booking_id, guest_id, type, channel, status, message, sent_on, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8
		)
		ON CONFLICT (booking_id, type, sent_on) DO NOTHING
		RETURNING id`

	err := t.queryRow(ctx,
		query,
		record.BookingID,
		record.GuestID,
		record.Type,
		record.Channel,
		record.Status,
		record.Message,
		record.SentOn.Format(time.DateOnly),
		record.CreatedAt,
	).Scan(&record.ID)

	inserted, err := insertResult(err)
	if err != nil {
		seg.Close(err)
		return false, err
	}
	return inserted, nil
}

// insertResult はINSERT ... RETURNINGの結果を判定します
// ON CONFLICTで行が返らない場合と一意制約違反は、確保済みとしてfalseを返します
func insertResult(err error) (bool, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert notification: %w", err)
	}
	return true, nil
}

// UpdateDelivery は確保したレコードに送信結果を書き込みます
func (t *notificationTx) UpdateDelivery(ctx context.Context, id int64, channel string, status model.DeliveryStatus, message string) error {
	ctx, seg := xray.BeginSubsegment(ctx, "NotificationRepository.UpdateDelivery")
	defer seg.Close(nil)

	query := `
		UPDATE notifications
		SET channel = $1, status = $2, message = $3
		WHERE id = $4`

	result, err := t.tx.ExecContext(ctx, query, channel, status, message, id)
	if err != nil {
		seg.Close(err)
		return fmt.Errorf("failed to update notification delivery: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		seg.Close(err)
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		err := fmt.Errorf("notification with id %d not found", id)
		seg.Close(err)
		return err
	}

	return nil
}

func (t *notificationTx) Commit() error {
	return t.tx.Commit()
}

func (t *notificationTx) Rollback() error {
	return t.tx.Rollback()
}
