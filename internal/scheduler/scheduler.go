package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/sirupsen/logrus"
	"github.com/uma-arai/checkout-notifier/internal/common/logger"
	"github.com/uma-arai/checkout-notifier/internal/common/utils"
	"github.com/uma-arai/checkout-notifier/internal/model"
)

const segmentName = "checkout-notifier-scheduler"

// Runner はチェックアウト通知バッチを1回実行します
type Runner interface {
	Execute(ctx context.Context) (*model.RunReport, error)
}

// Status は定期実行の状態です
type Status struct {
	Running  bool     `json:"running"`
	Interval string   `json:"interval"`
	Runs     int      `json:"runs"`
	Failed   int      `json:"failed"`
	Last     *LastRun `json:"lastRun,omitempty"`
}

// LastRun は直近の実行結果です
type LastRun struct {
	RunID      string    `json:"runId,omitempty"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Notified   int       `json:"notified"`
	Errors     int       `json:"errors"`
	Error      string    `json:"error,omitempty"`
}

// Scheduler はHTTPサーバー内でチェックアウト通知バッチを一定間隔で実行します
type Scheduler struct {
	interval time.Duration
	runner   Runner
	now      func() time.Time

	running atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	statusMu sync.Mutex
	status   Status
}

// New は新しいSchedulerを作成します
func New(interval time.Duration, runner Runner) (*Scheduler, error) {
	if interval <= 0 {
		return nil, errors.New("interval must be > 0")
	}
	if runner == nil {
		return nil, errors.New("runner must not be nil")
	}
	return &Scheduler{
		interval: interval,
		runner:   runner,
		now:      time.Now,
		done:     make(chan struct{}),
		status:   Status{Interval: interval.String()},
	}, nil
}

// Start は定期実行を開始します。開始直後に1回実行します
// 既に実行中の場合はfalseを返します
func (s *Scheduler) Start() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running.Store(true)

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		logger.GetLogger().WithField("interval", s.interval.String()).Info("checkout notification scheduler started")

		s.runOnce(ctx)

		for {
			select {
			case <-ctx.Done():
				logger.GetLogger().Info("checkout notification scheduler stopping")
				return
			case <-ticker.C:
				s.runOnce(ctx)
			}
		}
	}()

	return true
}

// Stop は定期実行を停止し、実行中のバッチの終了を待ちます
func (s *Scheduler) Stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running.Load() {
		return false
	}

	s.cancel()
	<-s.done
	s.running.Store(false)

	logger.GetLogger().Info("checkout notification scheduler stopped")
	return true
}

func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

// Status は定期実行の状態を返します
func (s *Scheduler) Status() Status {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()

	st := s.status
	st.Running = s.running.Load()
	if st.Last != nil {
		last := *st.Last
		st.Last = &last
	}
	return st
}

// runOnce はバッチを1回実行し、レポートをログと状態に反映します
// パニックは回復し、次回の実行を続けます
func (s *Scheduler) runOnce(ctx context.Context) {
	log := logger.GetLogger()

	ctx, seg := xray.BeginSegment(ctx, segmentName)
	started := s.now()

	var (
		report *model.RunReport
		err    error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = utils.PanicToError(r)
			}
		}()
		report, err = s.runner.Execute(ctx)
	}()
	seg.Close(err)

	last := &LastRun{StartedAt: started, FinishedAt: s.now()}
	if err != nil {
		last.Error = err.Error()
		logger.LogError(log, "scheduler", "runOnce", "scheduled checkout notification run failed", nil, err)
	} else if report != nil {
		last.RunID = report.RunID
		last.Notified = report.Notified
		last.Errors = len(report.Errors)

		fields := logrus.Fields{
			"run_id":         report.RunID,
			"processed":      report.Processed,
			"notified":       report.Notified,
			"skipped":        report.Skipped,
			"staff_notified": report.StaffNotified,
			"errors":         len(report.Errors),
			"duration_ms":    last.FinishedAt.Sub(started).Milliseconds(),
		}
		if len(report.Errors) > 0 {
			log.WithFields(fields).Warn("scheduled checkout notification run completed with errors")
		} else {
			log.WithFields(fields).Info("scheduled checkout notification run completed")
		}
	}

	s.statusMu.Lock()
	s.status.Runs++
	if err != nil {
		s.status.Failed++
	}
	s.status.Last = last
	s.statusMu.Unlock()
}
