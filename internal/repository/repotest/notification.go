// Package repotest はテスト用のインメモリリポジトリを提供します
package repotest

import (
	"context"
	"sync"
	"time"

	"github.com/uma-arai/checkout-notifier/internal/model"
	"github.com/uma-arai/checkout-notifier/internal/repository"
)

type notificationKey struct {
	bookingID int64
	typ       model.NotificationType
	day       string
}

// NotificationRepository はnotificationsテーブルの一意インデックスを再現するインメモリ実装です
// 確保中のキーへのInsertは、PostgreSQLと同様に確保したトランザクションの終了まで待機します
type NotificationRepository struct {
	mu        sync.Mutex
	cond      *sync.Cond
	nextID    int64
	committed []model.NotificationRecord
	pending   map[notificationKey]bool

	// 設定されている場合は各メソッドがこのエラーを返します
	ExistsErr error
	BeginErr  error
	InsertErr error
	UpdateErr error

	Inserts   int
	Rollbacks int
}

var _ repository.NotificationRepository = (*NotificationRepository)(nil)

// NewNotificationRepository は空のリポジトリを作成します
func NewNotificationRepository() *NotificationRepository {
	r := &NotificationRepository{pending: map[notificationKey]bool{}}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Seed はコミット済みのレコードを追加します
func (r *NotificationRepository) Seed(records ...model.NotificationRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range records {
		r.nextID++
		rec.ID = r.nextID
		r.committed = append(r.committed, rec)
	}
}

// Records はコミット済みのレコードを返します
func (r *NotificationRepository) Records() []model.NotificationRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.NotificationRecord, len(r.committed))
	copy(out, r.committed)
	return out
}

func (r *NotificationRepository) BeginTx(ctx context.Context) (repository.NotificationTx, error) {
	if r.BeginErr != nil {
		return nil, r.BeginErr
	}
	return &notificationTx{repo: r}, nil
}

func (r *NotificationRepository) ExistsBetween(ctx context.Context, bookingID int64, typ model.NotificationType, from, to time.Time) (bool, error) {
	if r.ExistsErr != nil {
		return false, r.ExistsErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.committed {
		if rec.BookingID == bookingID && rec.Type == typ && inRange(rec.CreatedAt, from, to) {
			return true, nil
		}
	}
	return false, nil
}

func (r *NotificationRepository) SentBetween(ctx context.Context, bookingIDs []int64, typ model.NotificationType, from, to time.Time) (map[int64]bool, error) {
	if r.ExistsErr != nil {
		return nil, r.ExistsErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	sent := map[int64]bool{}
	for _, id := range bookingIDs {
		for _, rec := range r.committed {
			if rec.BookingID == id && rec.Type == typ && inRange(rec.CreatedAt, from, to) {
				sent[id] = true
			}
		}
	}
	return sent, nil
}

func (r *NotificationRepository) hasCommitted(k notificationKey) bool {
	for _, rec := range r.committed {
		if keyOf(&rec) == k {
			return true
		}
	}
	return false
}

func keyOf(rec *model.NotificationRecord) notificationKey {
	return notificationKey{bookingID: rec.BookingID, typ: rec.Type, day: rec.SentOn.Format(time.DateOnly)}
}

func inRange(t, from, to time.Time) bool {
	return !t.Before(from) && t.Before(to)
}

type notificationTx struct {
	repo *NotificationRepository
	rec  *model.NotificationRecord
	key  notificationKey
	held bool
}

func (t *notificationTx) Insert(ctx context.Context, record *model.NotificationRecord) (bool, error) {
	r := t.repo
	if r.InsertErr != nil {
		return false, r.InsertErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	k := keyOf(record)
	for r.pending[k] {
		r.cond.Wait()
	}
	if r.hasCommitted(k) {
		return false, nil
	}
	r.pending[k] = true
	r.nextID++
	r.Inserts++
	record.ID = r.nextID
	t.rec, t.key, t.held = record, k, true
	return true, nil
}

func (t *notificationTx) UpdateDelivery(ctx context.Context, id int64, channel string, status model.DeliveryStatus, message string) error {
	if t.repo.UpdateErr != nil {
		return t.repo.UpdateErr
	}
	t.rec.Channel = channel
	t.rec.Status = status
	t.rec.Message = message
	return nil
}

func (t *notificationTx) Commit() error {
	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.held {
		r.committed = append(r.committed, *t.rec)
		delete(r.pending, t.key)
		t.held = false
		r.cond.Broadcast()
	}
	return nil
}

func (t *notificationTx) Rollback() error {
	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Rollbacks++
	if t.held {
		delete(r.pending, t.key)
		t.held = false
		r.cond.Broadcast()
	}
	return nil
}
