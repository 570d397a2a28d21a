package circuitbreaker

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"github.com/uma-arai/checkout-notifier/internal/common/logger"
)

// CircuitBreaker は外部プロバイダー呼び出し用のサーキットブレーカーを作成します
// 連続3回の失敗でオープンになり、1分後に半開状態で再試行します
func CircuitBreaker(name string) *gobreaker.CircuitBreaker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     1 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.GetLogger().WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state changed")
		},
	}
	return gobreaker.NewCircuitBreaker(settings)
}
