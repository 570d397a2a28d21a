package api

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/uma-arai/checkout-notifier/internal/common/logger"
	"github.com/uma-arai/checkout-notifier/internal/model"
	"github.com/uma-arai/checkout-notifier/internal/scheduler"
	"github.com/uma-arai/checkout-notifier/internal/service/monitoring"
)

// NotificationRunner はチェックアウト通知の実行を担当するインターフェースです
type NotificationRunner interface {
	Execute(ctx context.Context) (*model.RunReport, error)
	SendReminders(ctx context.Context, now time.Time, bookingIDs []int64) (*model.RunReport, error)
}

// CheckoutMonitor はチェックアウト予定の一覧を提供するインターフェースです
type CheckoutMonitor interface {
	Upcoming(ctx context.Context, now time.Time) ([]monitoring.Checkout, error)
}

// HealthChecker はDBの疎通確認を担当するインターフェースです
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// ScheduleReporter はサーバー内の定期実行の状態を返すインターフェースです
type ScheduleReporter interface {
	Status() scheduler.Status
}

type Handler struct {
	runner    NotificationRunner
	monitor   CheckoutMonitor
	health    HealthChecker
	schedules ScheduleReporter
	loc       *time.Location
	now       func() time.Time
}

func NewHandler(runner NotificationRunner, monitor CheckoutMonitor, health HealthChecker, loc *time.Location) *Handler {
	return &Handler{
		runner:  runner,
		monitor: monitor,
		health:  health,
		loc:     loc,
		now:     time.Now,
	}
}

// WithScheduler は/healthに定期実行の状態を含めます
func (h *Handler) WithScheduler(s ScheduleReporter) *Handler {
	h.schedules = s
	return h
}

type remindersRequest struct {
	BookingIDs []int64 `json:"bookingIds" binding:"required,min=1"`
}

func (h *Handler) timestamp() string {
	return h.now().Format(time.RFC3339)
}

func (h *Handler) Health(c *gin.Context) {
	if err := h.health.HealthCheck(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	body := gin.H{"status": "healthy"}
	if h.schedules != nil {
		body["scheduler"] = h.schedules.Status()
	}
	c.JSON(http.StatusOK, body)
}

// RunNotifications はチェックアウト通知バッチを1回実行します
func (h *Handler) RunNotifications(c *gin.Context) {
	report, err := h.runner.Execute(c.Request.Context())
	if err != nil {
		logger.LogError(logger.GetLogger(), "api", "RunNotifications", "checkout notification run failed", nil, err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":     "Failed to process checkout notifications",
			"details":   err.Error(),
			"timestamp": h.timestamp(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"timestamp": h.timestamp(),
		"results":   report,
	})
}

func (h *Handler) ListCheckouts(c *gin.Context) {
	items, err := h.monitor.Upcoming(c.Request.Context(), h.now())
	if err != nil {
		logger.LogError(logger.GetLogger(), "api", "ListCheckouts", "failed to load checkouts", nil, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load checkouts", "details": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"items":   items,
		"summary": monitoring.Summarize(items),
	})
}

func (h *Handler) ExportCheckouts(c *gin.Context) {
	now := h.now()
	items, err := h.monitor.Upcoming(c.Request.Context(), now)
	if err != nil {
		logger.LogError(logger.GetLogger(), "api", "ExportCheckouts", "failed to load checkouts", nil, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load checkouts", "details": err.Error()})
		return
	}

	var buf bytes.Buffer
	if err := monitoring.ExportXLSX(&buf, items, h.loc); err != nil {
		logger.LogError(logger.GetLogger(), "api", "ExportCheckouts", "failed to write workbook", nil, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to export checkouts", "details": err.Error()})
		return
	}

	filename := fmt.Sprintf("checkouts-%s.xlsx", now.In(h.loc).Format("20060102-1504"))
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))
	c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", buf.Bytes())
}

// SendReminders は選択された予約にリマインダーを送信します
func (h *Handler) SendReminders(c *gin.Context) {
	var req remindersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request", "details": err.Error()})
		return
	}

	fields := logrus.Fields{"bookings": len(req.BookingIDs)}
	if staff, ok := StaffFromContext(c); ok {
		fields["staff"] = staff.Name
		fields["role"] = staff.Role
	}
	logger.GetLogger().WithFields(fields).Info("sending reminders")

	report, err := h.runner.SendReminders(c.Request.Context(), h.now(), req.BookingIDs)
	if err != nil {
		logger.LogError(logger.GetLogger(), "api", "SendReminders", "failed to send reminders", req.BookingIDs, err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":     "Failed to send reminders",
			"details":   err.Error(),
			"timestamp": h.timestamp(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"timestamp": h.timestamp(),
		"results":   report,
	})
}
