package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/uma-arai/checkout-notifier/internal/client"
	"github.com/uma-arai/checkout-notifier/internal/common/config"
	"github.com/uma-arai/checkout-notifier/internal/common/database"
	"github.com/uma-arai/checkout-notifier/internal/common/lock"
	"github.com/uma-arai/checkout-notifier/internal/common/logger"
	"github.com/uma-arai/checkout-notifier/internal/common/utils"
	"github.com/uma-arai/checkout-notifier/internal/model"
	"github.com/uma-arai/checkout-notifier/internal/queue"
	"github.com/uma-arai/checkout-notifier/internal/repository"
	"github.com/uma-arai/checkout-notifier/internal/service/dispatch"
	"github.com/uma-arai/checkout-notifier/internal/service/ledger"
)

// NotificationDispatcher は通知の送信を担当するインターフェースです
type NotificationDispatcher interface {
	Send(ctx context.Context, guest model.Guest, typ model.NotificationType, data dispatch.MessageData) ([]model.ChannelResult, error)
	StaffDigest(guests []model.NotifiedGuest) (string, error)
	SendStaffSMS(ctx context.Context, phone, text string) model.ChannelResult
}

// RunLocker はバッチの多重実行を抑止するロックです
type RunLocker interface {
	Acquire(ctx context.Context) (release func(), held bool)
}

// CheckoutNotificationBatchService はチェックアウト通知バッチ処理を担当します
type CheckoutNotificationBatchService struct {
	bookingRepo repository.BookingRepository
	userRepo    repository.UserRepository
	ledger      *ledger.Ledger
	dispatcher  NotificationDispatcher
	locker      RunLocker
	publisher   queue.ReportPublisher
	sfnClient   SFNClient
	cfg         *config.Config

	closers []func() error
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewCheckoutNotificationBatchService は新しいCheckoutNotificationBatchServiceを作成します
// Redis・RabbitMQは設定されている場合のみ利用し、接続できない場合はそれらなしで動作します
func NewCheckoutNotificationBatchService(cfg *config.Config, db *database.DB, sfnClient SFNClient) (*CheckoutNotificationBatchService, error) {
	log := logger.GetLogger()

	templates, err := dispatch.NewTemplates()
	if err != nil {
		return nil, fmt.Errorf("failed to load templates: %w", err)
	}

	// database.DBをrepository.DBに変換
	repoDb := repository.NewDB(db)

	dispatcher := dispatch.NewDispatcher(
		client.NewEmailClient(cfg.Email),
		client.NewMessagingClient(cfg.Messaging),
		model.ParseChannels(cfg.Notify.Channels),
		dispatch.NewContactResolver(cfg.Notify.PhoneRegion),
		templates,
		cfg.Notify.SendDelay,
	)

	s := &CheckoutNotificationBatchService{
		bookingRepo: repository.NewBookingRepository(repoDb),
		userRepo:    repository.NewUserRepository(repoDb),
		ledger:      ledger.New(repository.NewNotificationRepository(repoDb), cfg.Timezone),
		dispatcher:  dispatcher,
		sfnClient:   sfnClient,
		cfg:         cfg,
		now:         time.Now,
		sleep:       sleepContext,
	}

	if cfg.Redis.Enabled {
		rdb := lock.NewRedisClient(cfg.Redis)
		// TTLは実行タイムアウト+1分
		s.locker = lock.NewRunLock(rdb, lock.CheckoutNotificationsKey, cfg.Notify.RunTimeout+time.Minute, cfg.Redis.LockWait)
		s.closers = append(s.closers, rdb.Close)
	}

	if cfg.RabbitMQ.Enabled {
		mq, err := queue.NewRabbitMqService(cfg.RabbitMQ)
		if err != nil {
			log.WithError(err).Warn("rabbitmq is not available; run reports will not be published")
		} else {
			s.publisher = mq
			s.closers = append(s.closers, mq.Close)
		}
	}

	return s, nil
}

// Close は終了処理を行います。DBは呼び出し元が閉じます
func (s *CheckoutNotificationBatchService) Close() error {
	var errs []error
	for _, c := range s.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Execute はRUN_TIMEOUTの範囲で1回分のバッチを実行します
func (s *CheckoutNotificationBatchService) Execute(ctx context.Context) (*model.RunReport, error) {
	return utils.RunWithTimeoutResult(ctx, s.cfg.Notify.RunTimeout, func(ctx context.Context) (*model.RunReport, error) {
		return s.RunOnce(ctx, s.now())
	})
}

// RunOnce はチェックイン中の予約に75%経過通知を送り、スタッフへダイジェストを送信します
// 予約1件の失敗はレポートに記録して処理を続けます。予約の取得に失敗した場合のみエラーを返します
func (s *CheckoutNotificationBatchService) RunOnce(ctx context.Context, now time.Time) (*model.RunReport, error) {
	// X-Rayセグメントの作成
	ctx, seg := xray.BeginSubsegment(ctx, "CheckoutNotificationBatchService.RunOnce")
	defer seg.Close(nil)

	log := logger.GetLogger()

	if s.locker != nil {
		release, held := s.locker.Acquire(ctx)
		defer release()
		log.WithField("held", held).Debug("run lock")
	}

	// 開始・終了時刻はどちらもs.nowで計測する
	report := model.NewRunReport(uuid.NewString(), s.now())

	bookings, err := s.bookingRepo.GetStayNotificationCandidates(ctx, now)
	if err != nil {
		seg.Close(err)
		return nil, fmt.Errorf("failed to get checked-in bookings: %w", err)
	}

	log.WithFields(logrus.Fields{
		"run_id":   report.RunID,
		"bookings": len(bookings),
	}).Info("starting checkout notification run")

	// セグメントにメタデータを追加
	if seg != nil {
		if err := seg.AddMetadata("booking_count", len(bookings)); err != nil {
			log.WithError(err).Warn("failed to add booking_count metadata")
		}
	}

	for _, b := range bookings {
		report.Processed++
		outcome, err := s.processStayBooking(ctx, b, now, report)
		s.applyOutcome(report, b, outcome, err)
	}

	s.sendStaffDigest(ctx, report)

	report.Finish(s.now())
	s.publish(ctx, report)

	log.WithFields(logrus.Fields{
		"run_id":         report.RunID,
		"processed":      report.Processed,
		"notified":       report.Notified,
		"skipped":        report.Skipped,
		"emails_sent":    report.EmailsSent,
		"sms_sent":       report.SMSSent,
		"staff_notified": report.StaffNotified,
		"errors":         len(report.Errors),
		"duration":       report.FinishedAt.Sub(report.StartedAt).String(),
	}).Info("checkout notification run completed")

	return report, nil
}

// SendReminders はスタッフが選択した予約にリマインダーを送信します
// チェックアウトを過ぎた予約には超過通知、それ以外にはチェックアウトリマインダーを送ります
func (s *CheckoutNotificationBatchService) SendReminders(ctx context.Context, now time.Time, bookingIDs []int64) (*model.RunReport, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "CheckoutNotificationBatchService.SendReminders")
	defer seg.Close(nil)

	report := model.NewRunReport(uuid.NewString(), s.now())

	bookings, err := s.bookingRepo.GetByIDs(ctx, bookingIDs)
	if err != nil {
		seg.Close(err)
		return nil, fmt.Errorf("failed to get bookings: %w", err)
	}

	found := make(map[int64]bool, len(bookings))
	attempted := 0
	for _, b := range bookings {
		found[b.ID] = true
		report.Processed++

		if b.Status != model.BookingStatusConfirmed && b.Status != model.BookingStatusCheckedIn {
			report.Skipped++
			report.AddError("booking %d: status %s is not eligible for reminders", b.ID, b.Status)
			continue
		}

		// 予約ごとにSEND_DELAYの間隔を空ける
		if attempted > 0 {
			if err := s.sleep(ctx, s.cfg.Notify.SendDelay); err != nil {
				report.AddError("reminders interrupted: %v", err)
				break
			}
		}
		attempted++

		typ := model.NotificationTypeCheckoutReminder
		if model.Classify(now, b.CheckOut).Overdue {
			typ = model.NotificationTypeOverdueAlert
		}
		outcome, err := s.safeNotify(ctx, b, typ, now, report)
		s.applyOutcome(report, b, outcome, err)
	}

	for _, id := range bookingIDs {
		if !found[id] {
			report.AddError("booking %d not found", id)
		}
	}

	report.Finish(s.now())
	s.publish(ctx, report)
	return report, nil
}

type notifyOutcome int

const (
	outcomeFailed notifyOutcome = iota
	outcomeSkipped
	outcomeNotified
)

func (s *CheckoutNotificationBatchService) applyOutcome(report *model.RunReport, b model.Booking, outcome notifyOutcome, err error) {
	if err != nil {
		report.AddError("booking %d (%s): %v", b.ID, b.Guest.Name, err)
		logger.LogError(logger.GetLogger(), "CheckoutNotificationBatchService", "applyOutcome", "booking failed", b.ID, err)
		return
	}
	switch outcome {
	case outcomeSkipped:
		report.Skipped++
	case outcomeNotified:
		report.AddNotified(b)
	}
}

// processStayBooking は75%経過通知の対象かを判定して送信します
func (s *CheckoutNotificationBatchService) processStayBooking(ctx context.Context, b model.Booking, now time.Time, report *model.RunReport) (notifyOutcome, error) {
	if err := b.Validate(); err != nil {
		return outcomeFailed, err
	}

	c := model.Classify(now, b.CheckOut)
	fields := logrus.Fields{
		"booking_id":  b.ID,
		"tier":        c.Tier,
		"hours_until": fmt.Sprintf("%.2f", c.HoursUntil),
		"threshold":   b.StayThreshold().Format(time.RFC3339),
	}

	if !b.InStayNotificationWindow(now) {
		logger.GetLogger().WithFields(fields).Debug("outside 75% stay window")
		return outcomeSkipped, nil
	}

	logger.GetLogger().WithFields(fields).Info("booking is within 75% stay window")
	return s.safeNotify(ctx, b, model.NotificationTypeStay75, now, report)
}

// safeNotify はnotifyのpanicをエラーに変換します
func (s *CheckoutNotificationBatchService) safeNotify(ctx context.Context, b model.Booking, typ model.NotificationType, now time.Time, report *model.RunReport) (outcome notifyOutcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			outcome, err = outcomeFailed, utils.PanicToError(r)
		}
	}()
	return s.notify(ctx, b, typ, now, report)
}

// notify は台帳で今日の通知を確保してから送信し、結果を記録します
// 全チャネルが一時的なエラーで失敗した場合は確保を取り消し、次回の実行で再送します
func (s *CheckoutNotificationBatchService) notify(ctx context.Context, b model.Booking, typ model.NotificationType, now time.Time, report *model.RunReport) (notifyOutcome, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "CheckoutNotificationBatchService.notify")
	defer seg.Close(nil)

	log := logger.GetLogger().WithFields(logrus.Fields{
		"booking_id": b.ID,
		"type":       typ,
	})

	if err := b.Validate(); err != nil {
		return outcomeFailed, err
	}

	sent, err := s.ledger.HasSentToday(ctx, b.ID, typ, now)
	if err != nil {
		seg.Close(err)
		return outcomeFailed, err
	}
	if sent {
		log.Info("already notified today")
		return outcomeSkipped, nil
	}

	claim, err := s.ledger.Claim(ctx, b.ID, typ, b.GuestID, now)
	if errors.Is(err, model.ErrAlreadyNotified) {
		log.Info("notification claimed by another run")
		return outcomeSkipped, nil
	}
	if err != nil {
		seg.Close(err)
		return outcomeFailed, err
	}
	defer func() {
		if err := claim.Release(); err != nil {
			log.WithError(err).Warn("failed to release notification claim")
		}
	}()

	data := dispatch.NewMessageData(b, model.Classify(now, b.CheckOut), s.cfg.Timezone)
	results, err := s.dispatcher.Send(ctx, b.Guest, typ, data)
	if err != nil {
		seg.Close(err)
		return outcomeFailed, err
	}
	report.AddChannelResults(b, results)

	delivery := model.Summarize(results)
	if !delivery.Record {
		log.Warn("all channels failed with provider errors; will retry on next run")
		return outcomeFailed, nil
	}

	if err := claim.Record(ctx, delivery.Channels, delivery.Status, failureSummary(results)); err != nil {
		seg.Close(err)
		return outcomeFailed, fmt.Errorf("notification sent but not recorded: %w", err)
	}

	log.WithFields(logrus.Fields{
		"status":   delivery.Status,
		"channels": delivery.Channels,
	}).Info("notification recorded")

	if delivery.Status == model.DeliveryStatusFailed {
		return outcomeFailed, nil
	}
	return outcomeNotified, nil
}

// sendStaffDigest はスタッフ全員へ今回の通知結果をSMSで送信します
// 通知した宿泊者がいない場合も送信します
func (s *CheckoutNotificationBatchService) sendStaffDigest(ctx context.Context, report *model.RunReport) {
	ctx, seg := xray.BeginSubsegment(ctx, "CheckoutNotificationBatchService.sendStaffDigest")
	defer seg.Close(nil)

	staff, err := s.userRepo.GetStaffWithPhone(ctx)
	if err != nil {
		report.AddError("staff digest: %v", err)
		return
	}

	text, err := s.dispatcher.StaffDigest(report.NotifiedGuests)
	if err != nil {
		report.AddError("staff digest: %v", err)
		return
	}

	for _, u := range staff {
		res := s.dispatcher.SendStaffSMS(ctx, u.Phone, text)
		if res.Success {
			report.StaffNotified++
			continue
		}
		report.AddError("staff digest to %s (%d): %s: %s", u.Name, u.ID, res.Failure, res.Message)
	}
}

func (s *CheckoutNotificationBatchService) publish(ctx context.Context, report *model.RunReport) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishRunReport(ctx, report); err != nil {
		logger.LogError(logger.GetLogger(), "CheckoutNotificationBatchService", "publish", "failed to publish run report", report.RunID, err)
	}
}

func failureSummary(results []model.ChannelResult) string {
	var parts []string
	for _, r := range results {
		if !r.Success {
			parts = append(parts, fmt.Sprintf("%s: %s: %s", r.Channel, r.Failure, r.Message))
		}
	}
	return strings.Join(parts, "; ")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
