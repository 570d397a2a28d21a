package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/uma-arai/checkout-notifier/internal/common/logger"
	"github.com/uma-arai/checkout-notifier/internal/model"
	"github.com/uma-arai/checkout-notifier/internal/repository"
)

// Ledger は通知の重複送信を防ぐ台帳です
// 「今日」はlocのタイムゾーンでの暦日として判定します
type Ledger struct {
	repo repository.NotificationRepository
	loc  *time.Location
}

// New は新しいLedgerを作成します
func New(repo repository.NotificationRepository, loc *time.Location) *Ledger {
	if loc == nil {
		loc = time.UTC
	}
	return &Ledger{repo: repo, loc: loc}
}

// DayBounds はnowを含む暦日の[開始, 終了)を返します
func (l *Ledger) DayBounds(now time.Time) (time.Time, time.Time) {
	local := now.In(l.loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, l.loc)
	return start, start.AddDate(0, 0, 1)
}

// HasSentToday は同じ予約・種類の通知が今日既に記録されているかを返します
func (l *Ledger) HasSentToday(ctx context.Context, bookingID int64, typ model.NotificationType, now time.Time) (bool, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "Ledger.HasSentToday")
	defer seg.Close(nil)

	from, to := l.DayBounds(now)
	sent, err := l.repo.ExistsBetween(ctx, bookingID, typ, from, to)
	if err != nil {
		seg.Close(err)
		return false, fmt.Errorf("failed to check ledger for booking %d: %w", bookingID, err)
	}
	return sent, nil
}

// SentToday は複数予約の本日の通知有無をまとめて返します
func (l *Ledger) SentToday(ctx context.Context, bookingIDs []int64, typ model.NotificationType, now time.Time) (map[int64]bool, error) {
	from, to := l.DayBounds(now)
	sent, err := l.repo.SentBetween(ctx, bookingIDs, typ, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to check ledger: %w", err)
	}
	return sent, nil
}

// Claim は本日分の通知レコードを確保します
// 別の実行が確保済みの場合はmodel.ErrAlreadyNotifiedを返します
// 戻り値のClaimは必ずRecordかReleaseで終了させてください
func (l *Ledger) Claim(ctx context.Context, bookingID int64, typ model.NotificationType, guestID int64, now time.Time) (*Claim, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "Ledger.Claim")
	defer seg.Close(nil)

	tx, err := l.repo.BeginTx(ctx)
	if err != nil {
		seg.Close(err)
		return nil, err
	}

	day, _ := l.DayBounds(now)
	record := &model.NotificationRecord{
		BookingID: bookingID,
		GuestID:   guestID,
		Type:      typ,
		Status:    model.DeliveryStatusFailed,
		SentOn:    day,
		CreatedAt: now,
	}

	inserted, err := tx.Insert(ctx, record)
	if err != nil || !inserted {
		if rbErr := tx.Rollback(); rbErr != nil {
			logger.GetLogger().WithError(rbErr).WithField("booking_id", bookingID).Warn("rollback failed")
		}
		if err != nil {
			seg.Close(err)
			return nil, fmt.Errorf("failed to claim notification for booking %d: %w", bookingID, err)
		}
		return nil, model.ErrAlreadyNotified
	}

	return &Claim{tx: tx, record: record}, nil
}

// Claim は確保中の通知レコードです
type Claim struct {
	tx     repository.NotificationTx
	record *model.NotificationRecord
	done   bool
}

// Record は送信結果を書き込んでコミットします
func (c *Claim) Record(ctx context.Context, channel string, status model.DeliveryStatus, message string) error {
	if c.done {
		return fmt.Errorf("claim for booking %d is already finished", c.record.BookingID)
	}
	c.done = true

	if err := c.tx.UpdateDelivery(ctx, c.record.ID, channel, status, message); err != nil {
		if rbErr := c.tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v, original error: %w", rbErr, err)
		}
		return err
	}
	if err := c.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit notification record: %w", err)
	}

	c.record.Channel = channel
	c.record.Status = status
	c.record.Message = message
	return nil
}

// Release は確保を取り消します。記録は残らず、次回の実行で再送対象になります
// 終了済みの場合は何もしません
func (c *Claim) Release() error {
	if c.done {
		return nil
	}
	c.done = true
	return c.tx.Rollback()
}
