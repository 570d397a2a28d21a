package model

import (
	"fmt"
	"time"
)

// NotifiedGuest はスタッフ向けダイジェストに載せる宿泊者です
type NotifiedGuest struct {
	BookingID int64  `json:"bookingId"`
	GuestName string `json:"guestName"`
	Room      string `json:"room"`
}

// RunReport はバッチ1回分の実行結果です
type RunReport struct {
	RunID          string          `json:"runId"`
	StartedAt      time.Time       `json:"startedAt"`
	FinishedAt     time.Time       `json:"finishedAt"`
	Processed      int             `json:"bookingsProcessed"`
	Notified       int             `json:"bookingsNotified"`
	Skipped        int             `json:"bookingsSkipped"`
	EmailsSent     int             `json:"emailsSent"`
	SMSSent        int             `json:"smsSent"`
	WhatsAppSent   int             `json:"whatsappSent"`
	VoiceCallsSent int             `json:"voiceCallsSent"`
	StaffNotified  int             `json:"staffNotified"`
	NotifiedGuests []NotifiedGuest `json:"notifiedGuests"`
	Errors         []string        `json:"errors"`
}

// NewRunReport は空のレポートを作成します
func NewRunReport(runID string, startedAt time.Time) *RunReport {
	return &RunReport{
		RunID:          runID,
		StartedAt:      startedAt,
		NotifiedGuests: []NotifiedGuest{},
		Errors:         []string{},
	}
}

// AddError はエラーを追記します
func (r *RunReport) AddError(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// AddChannelResults は成功したチャネルを集計し、失敗をエラーとして追記します
func (r *RunReport) AddChannelResults(booking Booking, results []ChannelResult) {
	for _, res := range results {
		if !res.Success {
			r.AddError("booking %d (%s): %s: %s: %s",
				booking.ID, booking.Guest.Name, res.Channel, res.Failure, res.Message)
			continue
		}
		switch res.Channel {
		case ChannelEmail:
			r.EmailsSent++
		case ChannelSMS:
			r.SMSSent++
		case ChannelWhatsApp:
			r.WhatsAppSent++
		case ChannelVoice:
			r.VoiceCallsSent++
		}
	}
}

// AddNotified は通知済みの宿泊者を追加します
func (r *RunReport) AddNotified(booking Booking) {
	r.Notified++
	r.NotifiedGuests = append(r.NotifiedGuests, NotifiedGuest{
		BookingID: booking.ID,
		GuestName: booking.Guest.Name,
		Room:      booking.Room.Label(),
	})
}

// Finish は終了時刻を設定します
func (r *RunReport) Finish(at time.Time) {
	r.FinishedAt = at
}
