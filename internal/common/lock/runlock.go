package lock

import (
	"context"
	"errors"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/uma-arai/checkout-notifier/internal/common/config"
	"github.com/uma-arai/checkout-notifier/internal/common/logger"
)

// CheckoutNotificationsKey はチェックアウト通知バッチの実行ロックのキーです
const CheckoutNotificationsKey = "lock:checkout-notifications"

// NewRedisClient は設定からRedisクライアントを作成します
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// RunLock はバッチの多重実行を抑止するベストエフォートのロックです
// 取得できない場合も処理は続行します。重複送信の防止は通知台帳の一意制約が保証します
type RunLock struct {
	locker *redislock.Client
	key    string
	ttl    time.Duration
	wait   time.Duration
}

// NewRunLock は新しいRunLockを作成します
// ttlはロックの有効期間、waitは取得を待つ最大時間です
func NewRunLock(rdb redislock.RedisClient, key string, ttl, wait time.Duration) *RunLock {
	return &RunLock{
		locker: redislock.New(rdb),
		key:    key,
		ttl:    ttl,
		wait:   wait,
	}
}

// Acquire はロックを取得します
// 戻り値のreleaseは取得の成否にかかわらず呼び出せます
func (l *RunLock) Acquire(ctx context.Context) (release func(), held bool) {
	noop := func() {}
	if l == nil || l.locker == nil {
		return noop, false
	}
	log := logger.GetLogger().WithField("lock_key", l.key)

	waitCtx, cancel := context.WithTimeout(ctx, l.wait)
	defer cancel()

	lock, err := l.locker.Obtain(waitCtx, l.key, l.ttl, &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(200 * time.Millisecond),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		log.WithField("wait", l.wait.String()).Warn("could not obtain run lock; proceeding without run lock")
		return noop, false
	} else if err != nil {
		log.WithError(err).Warn("error obtaining run lock; proceeding without run lock")
		return noop, false
	}

	return func() {
		// 呼び出し元のctxがキャンセル済みでも解放できるようにする
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			log.WithFields(logrus.Fields{"error": err.Error(), "ttl": l.ttl.String()}).Warn("failed to release run lock")
		}
	}, true
}
