package dispatch

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"strings"
	"text/template"
	"time"

	"github.com/uma-arai/checkout-notifier/internal/model"
)

// MessageData は通知テンプレートに渡す値です
type MessageData struct {
	GuestName string
	Room      string
	CheckOut  string
	Remaining string
	OverdueBy string
	Tier      model.Tier
}

// NewMessageData は予約と分類結果からテンプレート用の値を作成します
func NewMessageData(b model.Booking, c model.Classification, loc *time.Location) MessageData {
	if loc == nil {
		loc = time.UTC
	}
	return MessageData{
		GuestName: b.Guest.Name,
		Room:      b.Room.Label(),
		CheckOut:  b.CheckOut.In(loc).Format("Mon, Jan 2 15:04"),
		Remaining: c.Remaining,
		OverdueBy: c.OverdueBy,
		Tier:      c.Tier,
	}
}

// Message は描画済みの通知です
type Message struct {
	Subject string
	// Text はSMS・WhatsApp・音声通話で使う本文です
	Text string
	HTML string
}

type messageTemplate struct {
	subject string
	text    *template.Template
	html    *htmltemplate.Template
}

// Templates は通知種類ごとのテンプレートです
type Templates struct {
	byType map[model.NotificationType]messageTemplate
	digest *template.Template
}

const emailLayout = `<!DOCTYPE html>
<html>
<body style="font-family: sans-serif; color: #222;">
<p>Dear {{.GuestName}},</p>
{{template "body" .}}
<p>Room: <strong>{{.Room}}</strong><br>Checkout: <strong>{{.CheckOut}}</strong></p>
<p>If you have any questions, please contact the front desk.</p>
</body>
</html>`

var guestTemplates = map[model.NotificationType]struct {
	subject string
	text    string
	html    string
}{
	model.NotificationTypeStay75: {
		subject: "Your stay is coming to an end",
		text:    "Hi {{.GuestName}}, a friendly reminder that your checkout from room {{.Room}} is on {{.CheckOut}} ({{.Remaining}} left). Contact the front desk if you would like to extend your stay.",
		html:    `<p>We hope you are enjoying your stay. Your checkout is in <strong>{{.Remaining}}</strong>. If you would like to extend your stay, let us know.</p>`,
	},
	model.NotificationTypeCheckoutReminder: {
		subject: "Checkout reminder",
		text:    "Hi {{.GuestName}}, your checkout from room {{.Room}} is scheduled for {{.CheckOut}} ({{.Remaining}} remaining). Please contact us if you need a late checkout.",
		html:    `<p>This is a reminder that your checkout is scheduled in <strong>{{.Remaining}}</strong>. Please contact us if you need a late checkout.</p>`,
	},
	model.NotificationTypeOverdueAlert: {
		subject: "Your checkout is overdue",
		text:    "Hi {{.GuestName}}, your checkout from room {{.Room}} was due at {{.CheckOut}} and is now {{.OverdueBy}}. Please contact the front desk as soon as possible.",
		html:    `<p>Your checkout was due at {{.CheckOut}} and is now <strong>{{.OverdueBy}}</strong>. Please contact the front desk as soon as possible.</p>`,
	},
}

const digestTemplate = `{{if .}}{{len .}} guests notified: {{range $i, $g := .}}{{if $i}}, {{end}}{{$g.GuestName}} ({{$g.Room}}){{end}}{{else}}Checkout monitor: no guests required notification{{end}}`

// NewTemplates はテンプレートを読み込みます
func NewTemplates() (*Templates, error) {
	t := &Templates{byType: map[model.NotificationType]messageTemplate{}}
	for typ, src := range guestTemplates {
		text, err := template.New(string(typ)).Option("missingkey=error").Parse(src.text)
		if err != nil {
			return nil, fmt.Errorf("failed to parse text template %s: %w", typ, err)
		}
		html, err := htmltemplate.New(string(typ)).Parse(emailLayout)
		if err == nil {
			_, err = html.New("body").Parse(src.html)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse html template %s: %w", typ, err)
		}
		t.byType[typ] = messageTemplate{subject: src.subject, text: text, html: html}
	}

	digest, err := template.New(string(model.NotificationTypeStaffDigest)).Parse(digestTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse staff digest template: %w", err)
	}
	t.digest = digest
	return t, nil
}

// Render は通知種類に応じた本文を描画します
func (t *Templates) Render(typ model.NotificationType, data MessageData) (Message, error) {
	tmpl, ok := t.byType[typ]
	if !ok {
		return Message{}, fmt.Errorf("no template for notification type %q", typ)
	}

	var text, html bytes.Buffer
	if err := tmpl.text.Execute(&text, data); err != nil {
		return Message{}, fmt.Errorf("failed to render %s text: %w", typ, err)
	}
	if err := tmpl.html.Execute(&html, data); err != nil {
		return Message{}, fmt.Errorf("failed to render %s html: %w", typ, err)
	}

	return Message{
		Subject: tmpl.subject,
		Text:    strings.TrimSpace(text.String()),
		HTML:    html.String(),
	}, nil
}

// RenderStaffDigest はスタッフ向けダイジェストの本文を描画します
func (t *Templates) RenderStaffDigest(guests []model.NotifiedGuest) (string, error) {
	var buf bytes.Buffer
	if err := t.digest.Execute(&buf, guests); err != nil {
		return "", fmt.Errorf("failed to render staff digest: %w", err)
	}
	return buf.String(), nil
}
