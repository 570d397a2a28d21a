package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/lib/pq"
	"github.com/uma-arai/checkout-notifier/internal/model"
)

// BookingRepository は予約の参照を担当するインターフェースです
// 予約データは予約管理側が所有するため、このモジュールからは更新しません
type BookingRepository interface {
	GetStayNotificationCandidates(ctx context.Context, now time.Time) ([]model.Booking, error)
	GetActiveCheckouts(ctx context.Context, since time.Time) ([]model.Booking, error)
	GetByIDs(ctx context.Context, ids []int64) ([]model.Booking, error)
}

// BookingRepositoryImpl はBookingRepositoryの実装です
type BookingRepositoryImpl struct {
	db *DB
}

// NewBookingRepository は新しいBookingRepositoryを作成します
func NewBookingRepository(db *DB) *BookingRepositoryImpl {
	return &BookingRepositoryImpl{db: db}
}

const bookingSelect = `
		SELECT
			b.id,
			b.guest_id,
			b.room_id,
			b.check_in,
			b.check_out,
			b.status,
			g.id AS "guest.id",
			g.name AS "guest.name",
			COALESCE(g.email, '') AS "guest.email",
			COALESCE(g.phone, '') AS "guest.phone",
			r.id AS "room.id",
			r.room_number AS "room.number",
			COALESCE(bl.name, '') AS "room.block_name"
		FROM bookings b
		JOIN guests g ON g.id = b.guest_id
		JOIN rooms r ON r.id = b.room_id
		LEFT JOIN blocks bl ON bl.id = r.block_id`

// GetStayNotificationCandidates はチェックイン中で、滞在の75%地点がnowの前後2時間以内にある予約を取得します
// 滞在期間に上限はありません
func (r *BookingRepositoryImpl) GetStayNotificationCandidates(ctx context.Context, now time.Time) ([]model.Booking, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "BookingRepository.GetStayNotificationCandidates")
	defer seg.Close(nil)

	query := bookingSelect + `
		WHERE b.status = $1
		AND b.check_out >= $2
		AND b.check_in + (b.check_out - b.check_in) * $3::float8 BETWEEN $4 AND $5
		ORDER BY b.check_out ASC`

	bookings := []model.Booking{}
	err := r.db.SelectContext(ctx, &bookings, query,
		model.BookingStatusCheckedIn,
		now,
		model.StayNotificationRatio,
		now.Add(-model.StayNotificationWindow),
		now.Add(model.StayNotificationWindow),
	)
	if err != nil {
		seg.Close(err)
		return nil, fmt.Errorf("failed to query checked-in bookings: %w", err)
	}

	return bookings, nil
}

// GetActiveCheckouts は確定済み・チェックイン中で、チェックアウトがsince以降の予約を取得します
func (r *BookingRepositoryImpl) GetActiveCheckouts(ctx context.Context, since time.Time) ([]model.Booking, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "BookingRepository.GetActiveCheckouts")
	defer seg.Close(nil)

	query := bookingSelect + `
		WHERE b.status = ANY($1)
		AND b.check_out >= $2
		ORDER BY b.check_out ASC`

	statuses := pq.StringArray{string(model.BookingStatusConfirmed), string(model.BookingStatusCheckedIn)}
	bookings := []model.Booking{}
	if err := r.db.SelectContext(ctx, &bookings, query, statuses, since); err != nil {
		seg.Close(err)
		return nil, fmt.Errorf("failed to query active bookings: %w", err)
	}

	return bookings, nil
}

// GetByIDs は指定されたIDの予約を取得します
func (r *BookingRepositoryImpl) GetByIDs(ctx context.Context, ids []int64) ([]model.Booking, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "BookingRepository.GetByIDs")
	defer seg.Close(nil)

	if len(ids) == 0 {
		return []model.Booking{}, nil
	}

	query := bookingSelect + `
		WHERE b.id = ANY($1)
		ORDER BY b.check_out ASC`

	bookings := []model.Booking{}
	if err := r.db.SelectContext(ctx, &bookings, query, pq.Int64Array(ids)); err != nil {
		seg.Close(err)
		return nil, fmt.Errorf("failed to query bookings by id: %w", err)
	}

	return bookings, nil
}
