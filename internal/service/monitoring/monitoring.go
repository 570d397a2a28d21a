package monitoring

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/uma-arai/checkout-notifier/internal/common/logger"
	"github.com/uma-arai/checkout-notifier/internal/model"
	"github.com/uma-arai/checkout-notifier/internal/repository"
	"github.com/uma-arai/checkout-notifier/internal/service/ledger"
	"github.com/xuri/excelize/v2"
)

// Checkout はダッシュボードに表示するチェックアウト予定です
type Checkout struct {
	BookingID      int64                `json:"bookingId"`
	GuestName      string               `json:"guestName"`
	GuestEmail     string               `json:"guestEmail"`
	GuestPhone     string               `json:"guestPhone"`
	Room           string               `json:"room"`
	Status         model.BookingStatus  `json:"status"`
	CheckOut       time.Time            `json:"checkOut"`
	Classification model.Classification `json:"classification"`
	ReminderSent   bool                 `json:"reminderSent"`
}

// Summary は緊急度ごとの件数です
type Summary struct {
	Total    int `json:"total"`
	Critical int `json:"critical"`
	High     int `json:"high"`
	Medium   int `json:"medium"`
	Low      int `json:"low"`
	Overdue  int `json:"overdue"`
}

// Service はチェックアウト予定の一覧を提供します
type Service struct {
	bookingRepo  repository.BookingRepository
	ledger       *ledger.Ledger
	overdueGrace time.Duration
}

// NewService は新しいServiceを作成します
func NewService(bookingRepo repository.BookingRepository, l *ledger.Ledger, overdueGrace time.Duration) *Service {
	return &Service{
		bookingRepo:  bookingRepo,
		ledger:       l,
		overdueGrace: overdueGrace,
	}
}

// Upcoming は確定済み・チェックイン中の予約をチェックアウト順に返します
// チェックアウトからOVERDUE_GRACE以内の超過予約も含みます
func (s *Service) Upcoming(ctx context.Context, now time.Time) ([]Checkout, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "MonitoringService.Upcoming")
	defer seg.Close(nil)

	bookings, err := s.bookingRepo.GetActiveCheckouts(ctx, now.Add(-s.overdueGrace))
	if err != nil {
		seg.Close(err)
		return nil, fmt.Errorf("failed to get active checkouts: %w", err)
	}

	ids := make([]int64, 0, len(bookings))
	for _, b := range bookings {
		ids = append(ids, b.ID)
	}
	sent, err := s.ledger.SentToday(ctx, ids, model.NotificationTypeCheckoutReminder, now)
	if err != nil {
		seg.Close(err)
		return nil, fmt.Errorf("failed to get sent reminders: %w", err)
	}

	items := make([]Checkout, 0, len(bookings))
	for _, b := range bookings {
		items = append(items, Checkout{
			BookingID:      b.ID,
			GuestName:      b.Guest.Name,
			GuestEmail:     b.Guest.Email,
			GuestPhone:     b.Guest.Phone,
			Room:           b.Room.Label(),
			Status:         b.Status,
			CheckOut:       b.CheckOut,
			Classification: model.Classify(now, b.CheckOut),
			ReminderSent:   sent[b.ID],
		})
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CheckOut.Before(items[j].CheckOut)
	})

	logger.GetLogger().WithField("count", len(items)).Debug("upcoming checkouts loaded")
	return items, nil
}

// Summarize は緊急度ごとの件数を集計します
func Summarize(items []Checkout) Summary {
	sum := Summary{Total: len(items)}
	for _, it := range items {
		if it.Classification.Overdue {
			sum.Overdue++
		}
		switch it.Classification.Tier {
		case model.TierCritical:
			sum.Critical++
		case model.TierHigh:
			sum.High++
		case model.TierMedium:
			sum.Medium++
		default:
			sum.Low++
		}
	}
	return sum
}

const exportSheet = "Checkouts"

var exportHeaders = []string{"Booking", "Guest", "Room", "Status", "Checkout", "Urgency", "Time", "Reminder sent"}

// ExportXLSX はチェックアウト予定をxlsx形式で書き出します
func ExportXLSX(w io.Writer, items []Checkout, loc *time.Location) error {
	f := excelize.NewFile()
	defer func() {
		if err := f.Close(); err != nil {
			logger.GetLogger().WithError(err).Warn("failed to close workbook")
		}
	}()

	if err := f.SetSheetName("Sheet1", exportSheet); err != nil {
		return err
	}

	for i, h := range exportHeaders {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(exportSheet, cell, h); err != nil {
			return err
		}
	}

	for i, it := range items {
		row := []any{
			it.BookingID,
			it.GuestName,
			it.Room,
			string(it.Status),
			it.CheckOut.In(loc).Format("2006-01-02 15:04"),
			string(it.Classification.Tier),
			timeText(it.Classification),
			it.ReminderSent,
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(exportSheet, cell, &row); err != nil {
			return err
		}
	}

	return f.Write(w)
}

func timeText(c model.Classification) string {
	if c.Overdue {
		return c.OverdueBy
	}
	return c.Remaining
}
