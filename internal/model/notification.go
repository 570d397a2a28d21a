package model

import (
	"sort"
	"strings"
	"time"
)

// NotificationType は通知の種類を表します
type NotificationType string

const (
	// NotificationTypeStay75 は滞在期間の75%経過時の通知です
	NotificationTypeStay75 NotificationType = "75%-stay"
	// NotificationTypeCheckoutReminder はスタッフ操作によるチェックアウトリマインダーです
	NotificationTypeCheckoutReminder NotificationType = "checkout-reminder"
	// NotificationTypeOverdueAlert はチェックアウト超過時の通知です
	NotificationTypeOverdueAlert NotificationType = "overdue-alert"
	// NotificationTypeStaffDigest はスタッフ向けのまとめ通知です。台帳には記録しません
	NotificationTypeStaffDigest NotificationType = "staff-digest"
)

// Channel は通知チャネルです
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelVoice    Channel = "voice"
)

// ParseChannels は設定値のチャネル名一覧を変換します。未知の名前は無視します
func ParseChannels(names []string) []Channel {
	var out []Channel
	for _, name := range names {
		switch c := Channel(strings.ToLower(strings.TrimSpace(name))); c {
		case ChannelEmail, ChannelSMS, ChannelWhatsApp, ChannelVoice:
			out = append(out, c)
		}
	}
	return out
}

// FailureKind はチャネル送信失敗の種類です
type FailureKind string

const (
	FailureNone FailureKind = ""
	// FailureChannelUnavailable は宿泊者に連絡先がない場合です
	FailureChannelUnavailable FailureKind = "ChannelUnavailable"
	// FailureDeliveryFailed はプロバイダーが送信を拒否した場合です
	FailureDeliveryFailed FailureKind = "DeliveryFailed"
	// FailureProviderError は通信エラーなど一時的な失敗です
	FailureProviderError FailureKind = "ProviderError"
)

// ChannelResult は1チャネル分の送信結果です
type ChannelResult struct {
	Channel Channel     `json:"channel"`
	Success bool        `json:"success"`
	Failure FailureKind `json:"failure,omitempty"`
	Message string      `json:"message,omitempty"`
}

// DeliveryStatus は通知レコードの送信状態です
type DeliveryStatus string

const (
	DeliveryStatusSent    DeliveryStatus = "sent"
	DeliveryStatusPartial DeliveryStatus = "partial"
	DeliveryStatusFailed  DeliveryStatus = "failed"
)

// NotificationRecord は通知のドメインモデルです
// (booking_id, type, sent_on)で一意になり、コミット後は更新しません
type NotificationRecord struct {
	ID        int64            `db:"id" json:"id"`
	BookingID int64            `db:"booking_id" json:"bookingId"`
	GuestID   int64            `db:"guest_id" json:"guestId"`
	Type      NotificationType `db:"type" json:"type"`
	Channel   string           `db:"channel" json:"channel"`
	Status    DeliveryStatus   `db:"status" json:"status"`
	Message   string           `db:"message" json:"message"`
	SentOn    time.Time        `db:"sent_on" json:"sentOn"`
	CreatedAt time.Time        `db:"created_at" json:"createdAt"`
}

// DeliveryOutcome はチャネル結果をまとめたものです
type DeliveryOutcome struct {
	Status DeliveryStatus
	// Channels は成功したチャネルをカンマ区切りにしたものです
	Channels string
	// Record がfalseの場合は台帳に記録せず、次回の実行で再送します
	Record bool
}

// Summarize はチャネル結果から通知レコードの状態を決めます
// 試行した全チャネルがProviderErrorの場合のみ記録しません
// ChannelUnavailableは試行に数えません
func Summarize(results []ChannelResult) DeliveryOutcome {
	var succeeded []string
	attempted, transient := 0, 0
	for _, r := range results {
		if r.Success {
			attempted++
			succeeded = append(succeeded, string(r.Channel))
			continue
		}
		if r.Failure == FailureChannelUnavailable {
			continue
		}
		attempted++
		if r.Failure == FailureProviderError {
			transient++
		}
	}
	sort.Strings(succeeded)

	out := DeliveryOutcome{Channels: strings.Join(succeeded, ","), Record: true}
	switch {
	case len(results) > 0 && len(succeeded) == len(results):
		out.Status = DeliveryStatusSent
	case len(succeeded) > 0:
		out.Status = DeliveryStatusPartial
	default:
		out.Status = DeliveryStatusFailed
		if attempted > 0 && transient == attempted {
			out.Record = false
		}
	}
	return out
}
