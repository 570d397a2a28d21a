package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/sirupsen/logrus"
	"github.com/uma-arai/checkout-notifier/internal/client"
	"github.com/uma-arai/checkout-notifier/internal/common/logger"
	"github.com/uma-arai/checkout-notifier/internal/common/utils"
	"github.com/uma-arai/checkout-notifier/internal/model"
)

// EmailSender はメール送信を担当するインターフェースです
type EmailSender interface {
	SendCustomEmail(ctx context.Context, msg client.EmailMessage) error
}

// MessagingSender はSMS・WhatsApp・音声通話の送信を担当するインターフェースです
type MessagingSender interface {
	SendSMS(ctx context.Context, to, message string) (*client.ProviderResponse, error)
	SendWhatsApp(ctx context.Context, to, message string) (*client.ProviderResponse, error)
	SendVoiceCall(ctx context.Context, to, message string) (*client.ProviderResponse, error)
}

// Dispatcher は有効なチャネルへ順番に通知を送信します
// 1チャネルの失敗やpanicは他のチャネルの送信を妨げません
type Dispatcher struct {
	email     EmailSender
	messaging MessagingSender
	channels  []model.Channel
	contacts  *ContactResolver
	templates *Templates
	delay     time.Duration
	sleep     func(ctx context.Context, d time.Duration) error
}

// NewDispatcher は新しいDispatcherを作成します
func NewDispatcher(email EmailSender, messaging MessagingSender, channels []model.Channel, contacts *ContactResolver, templates *Templates, delay time.Duration) *Dispatcher {
	return &Dispatcher{
		email:     email,
		messaging: messaging,
		channels:  channels,
		contacts:  contacts,
		templates: templates,
		delay:     delay,
		sleep:     sleepContext,
	}
}

// Send は宿泊者へ通知を送信し、チャネルごとの結果を返します
// エラーを返すのはテンプレートの描画に失敗した場合のみで、その場合は何も送信しません
func (d *Dispatcher) Send(ctx context.Context, guest model.Guest, typ model.NotificationType, data MessageData) ([]model.ChannelResult, error) {
	ctx, seg := xray.BeginSubsegment(ctx, "Dispatcher.Send")
	defer seg.Close(nil)

	msg, err := d.templates.Render(typ, data)
	if err != nil {
		seg.Close(err)
		return nil, err
	}

	contacts := d.contacts.Resolve(guest)
	results := make([]model.ChannelResult, 0, len(d.channels))
	attempted := 0
	for _, ch := range d.channels {
		if attempted > 0 && d.available(ch, contacts) {
			if err := d.sleep(ctx, d.delay); err != nil {
				results = append(results, model.ChannelResult{Channel: ch, Failure: model.FailureProviderError, Message: err.Error()})
				continue
			}
		}

		res := d.sendChannel(ctx, ch, contacts, msg)
		if res.Failure != model.FailureChannelUnavailable {
			attempted++
		}
		results = append(results, res)

		logger.GetLogger().WithFields(logrus.Fields{
			"guest_id": guest.ID,
			"type":     typ,
			"channel":  ch,
			"success":  res.Success,
			"failure":  res.Failure,
		}).Info("notification channel processed")
	}

	return results, nil
}

// StaffDigest はスタッフ向けダイジェストの本文を返します
func (d *Dispatcher) StaffDigest(guests []model.NotifiedGuest) (string, error) {
	return d.templates.RenderStaffDigest(guests)
}

// SendStaffSMS はスタッフへSMSを送信します
func (d *Dispatcher) SendStaffSMS(ctx context.Context, phone, text string) model.ChannelResult {
	contacts := Contacts{}
	if normalized, err := d.contacts.NormalizePhone(phone); err == nil {
		contacts.Phone = normalized
	}
	return d.sendChannel(ctx, model.ChannelSMS, contacts, Message{Text: text})
}

func (d *Dispatcher) available(ch model.Channel, c Contacts) bool {
	if ch == model.ChannelEmail {
		return c.HasEmail()
	}
	return c.HasPhone()
}

// sendChannel は1チャネル分を送信します。panicは結果に変換します
func (d *Dispatcher) sendChannel(ctx context.Context, ch model.Channel, c Contacts, msg Message) (res model.ChannelResult) {
	defer func() {
		if r := recover(); r != nil {
			res = model.ChannelResult{
				Channel: ch,
				Failure: model.FailureProviderError,
				Message: utils.PanicToError(r).Error(),
			}
		}
	}()

	if !d.available(ch, c) {
		return model.ChannelResult{Channel: ch, Failure: model.FailureChannelUnavailable, Message: "no usable contact for channel"}
	}

	switch ch {
	case model.ChannelEmail:
		err := d.email.SendCustomEmail(ctx, client.EmailMessage{To: c.Email, Subject: msg.Subject, HTML: msg.HTML})
		return emailResult(err)
	case model.ChannelSMS:
		return messagingResult(ch)(d.messaging.SendSMS(ctx, c.Phone, msg.Text))
	case model.ChannelWhatsApp:
		return messagingResult(ch)(d.messaging.SendWhatsApp(ctx, c.Phone, msg.Text))
	case model.ChannelVoice:
		return messagingResult(ch)(d.messaging.SendVoiceCall(ctx, c.Phone, msg.Text))
	default:
		return model.ChannelResult{Channel: ch, Failure: model.FailureChannelUnavailable, Message: fmt.Sprintf("unknown channel %q", ch)}
	}
}

func emailResult(err error) model.ChannelResult {
	if err == nil {
		return model.ChannelResult{Channel: model.ChannelEmail, Success: true}
	}
	var rejected *client.RejectedError
	if errors.As(err, &rejected) {
		return model.ChannelResult{Channel: model.ChannelEmail, Failure: model.FailureDeliveryFailed, Message: rejected.Error()}
	}
	return model.ChannelResult{Channel: model.ChannelEmail, Failure: model.FailureProviderError, Message: err.Error()}
}

func messagingResult(ch model.Channel) func(*client.ProviderResponse, error) model.ChannelResult {
	return func(resp *client.ProviderResponse, err error) model.ChannelResult {
		switch {
		case err != nil:
			return model.ChannelResult{Channel: ch, Failure: model.FailureProviderError, Message: err.Error()}
		case resp == nil:
			return model.ChannelResult{Channel: ch, Failure: model.FailureProviderError, Message: "empty provider response"}
		case !resp.OK():
			message := resp.Message
			if message == "" {
				message = fmt.Sprintf("status=%s code=%s", resp.Status, resp.Code)
			}
			return model.ChannelResult{Channel: ch, Failure: model.FailureDeliveryFailed, Message: message}
		default:
			return model.ChannelResult{Channel: ch, Success: true, Message: resp.Message}
		}
	}
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
