package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/uma-arai/checkout-notifier/internal/model"
	"github.com/uma-arai/checkout-notifier/internal/repository/repotest"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	// X-Rayのセグメントを設定
	ctx, seg := xray.BeginSegment(context.Background(), t.Name())
	t.Cleanup(func() { seg.Close(nil) })
	return ctx
}

func tokyo(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Fatalf("failed to load location: %v", err)
	}
	return loc
}

func TestDayBounds(t *testing.T) {
	loc := tokyo(t)
	l := New(repotest.NewNotificationRepository(), loc)

	// UTC 2025-03-10 16:00 は東京で 3/11 01:00
	now := time.Date(2025, 3, 10, 16, 0, 0, 0, time.UTC)
	from, to := l.DayBounds(now)

	wantFrom := time.Date(2025, 3, 11, 0, 0, 0, 0, loc)
	if !from.Equal(wantFrom) {
		t.Errorf("DayBounds() from = %v, want %v", from, wantFrom)
	}
	if !to.Equal(wantFrom.Add(24 * time.Hour)) {
		t.Errorf("DayBounds() to = %v, want %v", to, wantFrom.Add(24*time.Hour))
	}
}

func TestHasSentToday(t *testing.T) {
	ctx := testContext(t)
	loc := tokyo(t)
	now := time.Date(2025, 3, 11, 12, 0, 0, 0, loc)

	tests := []struct {
		name      string
		createdAt time.Time
		typ       model.NotificationType
		want      bool
	}{
		{name: "本日作成", createdAt: now.Add(-time.Hour), typ: model.NotificationTypeStay75, want: true},
		{name: "本日0時ちょうど", createdAt: time.Date(2025, 3, 11, 0, 0, 0, 0, loc), typ: model.NotificationTypeStay75, want: true},
		{name: "前日", createdAt: time.Date(2025, 3, 10, 23, 59, 0, 0, loc), typ: model.NotificationTypeStay75, want: false},
		{name: "別の種類", createdAt: now, typ: model.NotificationTypeOverdueAlert, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := repotest.NewNotificationRepository()
			repo.Seed(model.NotificationRecord{
				BookingID: 1,
				Type:      tt.typ,
				Status:    model.DeliveryStatusSent,
				SentOn:    tt.createdAt,
				CreatedAt: tt.createdAt,
			})
			l := New(repo, loc)

			got, err := l.HasSentToday(ctx, 1, model.NotificationTypeStay75, now)
			if err != nil {
				t.Fatalf("HasSentToday() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("HasSentToday() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHasSentToday_Error(t *testing.T) {
	repo := repotest.NewNotificationRepository()
	repo.ExistsErr = errors.New("connection refused")
	l := New(repo, time.UTC)

	if _, err := l.HasSentToday(testContext(t), 1, model.NotificationTypeStay75, time.Now()); err == nil {
		t.Error("HasSentToday() error = nil, want error")
	}
}

func TestClaimRecord(t *testing.T) {
	ctx := testContext(t)
	repo := repotest.NewNotificationRepository()
	l := New(repo, time.UTC)
	now := time.Date(2025, 3, 11, 12, 0, 0, 0, time.UTC)

	claim, err := l.Claim(ctx, 1, model.NotificationTypeStay75, 10, now)
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}

	// コミット前は他から見えない
	if sent, _ := l.HasSentToday(ctx, 1, model.NotificationTypeStay75, now); sent {
		t.Error("record is visible before commit")
	}

	if err := claim.Record(ctx, "email,sms", model.DeliveryStatusSent, "hello"); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	records := repo.Records()
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	if records[0].Status != model.DeliveryStatusSent || records[0].Channel != "email,sms" || records[0].GuestID != 10 {
		t.Errorf("record = %+v", records[0])
	}

	if _, err := l.Claim(ctx, 1, model.NotificationTypeStay75, 10, now.Add(time.Hour)); !errors.Is(err, model.ErrAlreadyNotified) {
		t.Errorf("second Claim() error = %v, want ErrAlreadyNotified", err)
	}

	// 翌日は再度確保できる
	next, err := l.Claim(ctx, 1, model.NotificationTypeStay75, 10, now.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("next day Claim() error = %v", err)
	}
	if err := next.Release(); err != nil {
		t.Errorf("Release() error = %v", err)
	}
}

func TestClaimRelease(t *testing.T) {
	ctx := testContext(t)
	repo := repotest.NewNotificationRepository()
	l := New(repo, time.UTC)
	now := time.Date(2025, 3, 11, 12, 0, 0, 0, time.UTC)

	claim, err := l.Claim(ctx, 1, model.NotificationTypeStay75, 10, now)
	if err != nil {
		t.Fatalf("Claim() error = %v", err)
	}
	if err := claim.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if len(repo.Records()) != 0 {
		t.Error("released claim left a record")
	}
	if err := claim.Record(ctx, "", model.DeliveryStatusFailed, ""); err == nil {
		t.Error("Record() after Release() error = nil, want error")
	}

	again, err := l.Claim(ctx, 1, model.NotificationTypeStay75, 10, now)
	if err != nil {
		t.Fatalf("Claim() after release error = %v", err)
	}
	again.Release()
}

func TestClaim_Concurrent(t *testing.T) {
	ctx := testContext(t)
	repo := repotest.NewNotificationRepository()
	l := New(repo, time.UTC)
	now := time.Date(2025, 3, 11, 12, 0, 0, 0, time.UTC)

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed int
		skipped int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claim, err := l.Claim(ctx, 1, model.NotificationTypeStay75, 10, now)
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, model.ErrAlreadyNotified) {
				skipped++
				return
			}
			if err != nil {
				t.Errorf("Claim() error = %v", err)
				return
			}
			claimed++
			if err := claim.Record(ctx, "sms", model.DeliveryStatusSent, ""); err != nil {
				t.Errorf("Record() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if claimed != 1 || skipped != workers-1 {
		t.Errorf("claimed = %d skipped = %d, want 1 and %d", claimed, skipped, workers-1)
	}
	if len(repo.Records()) != 1 {
		t.Errorf("records = %d, want 1", len(repo.Records()))
	}
}

func TestClaim_InsertError(t *testing.T) {
	repo := repotest.NewNotificationRepository()
	repo.InsertErr = errors.New("disk full")
	l := New(repo, time.UTC)

	_, err := l.Claim(testContext(t), 1, model.NotificationTypeStay75, 10, time.Now())
	if err == nil || errors.Is(err, model.ErrAlreadyNotified) {
		t.Errorf("Claim() error = %v, want insert error", err)
	}
	if repo.Rollbacks != 1 {
		t.Errorf("Rollbacks = %d, want 1", repo.Rollbacks)
	}
}
