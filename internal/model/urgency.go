package model

import (
	"fmt"
	"time"
)

// Tier はチェックアウトまでの残り時間から決まる緊急度です
type Tier string

const (
	TierCritical Tier = "CRITICAL"
	TierHigh     Tier = "HIGH"
	TierMedium   Tier = "MEDIUM"
	TierLow      Tier = "LOW"
)

// 各緊急度の上限(時間)。境界値はより緊急な側に含めます
const (
	CriticalHours = 2
	HighHours     = 6
	MediumHours   = 12
)

// Rank は緊急度の大小比較用の値を返します。大きいほど緊急です
func (t Tier) Rank() int {
	switch t {
	case TierCritical:
		return 3
	case TierHigh:
		return 2
	case TierMedium:
		return 1
	default:
		return 0
	}
}

// Classification は1件のチェックアウトの分類結果です
type Classification struct {
	Tier       Tier    `json:"tier"`
	HoursUntil float64 `json:"hoursUntil"`
	Overdue    bool    `json:"overdue"`
	Remaining  string  `json:"remaining,omitempty"`
	OverdueBy  string  `json:"overdueBy,omitempty"`
}

// Classify はnowとチェックアウト時刻から緊急度と残り時間の表示を計算します
// 副作用はなく、同じ引数には常に同じ結果を返します
func Classify(now, checkout time.Time) Classification {
	until := checkout.Sub(now)
	hours := until.Hours()

	c := Classification{
		Tier:       TierFor(hours),
		HoursUntil: hours,
	}
	if hours < 0 {
		c.Overdue = true
		c.OverdueBy = FormatDuration(-until) + " overdue"
	} else {
		c.Remaining = FormatDuration(until)
	}
	return c
}

// TierFor は残り時間(時間単位、負の値は超過)から緊急度を返します
func TierFor(hoursUntil float64) Tier {
	switch {
	case hoursUntil <= CriticalHours:
		return TierCritical
	case hoursUntil <= HighHours:
		return TierHigh
	case hoursUntil <= MediumHours:
		return TierMedium
	default:
		return TierLow
	}
}

// FormatDuration は期間を表示用の文字列にします
//   - 1時間未満: "45m"
//   - 24時間未満: "5h 30m"
//   - 24時間以上: "3d 4h"
//
// 分未満は切り捨て、負の値は絶対値で扱います
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	totalMinutes := int64(d / time.Minute)

	switch {
	case totalMinutes < 60:
		return fmt.Sprintf("%dm", totalMinutes)
	case totalMinutes < 24*60:
		return fmt.Sprintf("%dh %dm", totalMinutes/60, totalMinutes%60)
	default:
		days := totalMinutes / (24 * 60)
		hours := (totalMinutes % (24 * 60)) / 60
		return fmt.Sprintf("%dd %dh", days, hours)
	}
}
