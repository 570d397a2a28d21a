package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/sony/gobreaker"
	"github.com/uma-arai/checkout-notifier/internal/common/config"
	"github.com/uma-arai/checkout-notifier/pkg/circuitbreaker"
)

// RejectedError はプロバイダーが4xxで送信を拒否した場合のエラーです
// 再送しても結果が変わらない失敗として扱います
type RejectedError struct {
	StatusCode int
	Body       string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("rejected with status %d: %s", e.StatusCode, e.Body)
}

// EmailMessage は送信するメールです
type EmailMessage struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	HTML    string `json:"html"`
}

// EmailClient はメール送信プロバイダーのクライアントです
type EmailClient struct {
	baseURL string
	apiKey  string
	from    string
	client  *http.Client
	cb      *gobreaker.CircuitBreaker
}

// NewEmailClient は新しいEmailClientを作成します
func NewEmailClient(cfg config.EmailConfig) *EmailClient {
	return &EmailClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		from:    cfg.From,
		client: xray.Client(&http.Client{
			Timeout: 10 * time.Second,
		}),
		cb: circuitbreaker.CircuitBreaker("email-provider"),
	}
}

type emailRequest struct {
	From string `json:"from"`
	EmailMessage
}

// SendCustomEmail はHTMLメールを送信します
func (c *EmailClient) SendCustomEmail(ctx context.Context, msg EmailMessage) error {
	reqBody, err := json.Marshal(emailRequest{From: c.from, EmailMessage: msg})
	if err != nil {
		return err
	}

	var rejected *RejectedError
	_, err = c.cb.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/emails", bytes.NewReader(reqBody))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, _ := io.ReadAll(resp.Body)
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil, nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			// 4xxはブレーカーの失敗に数えない
			rejected = &RejectedError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
			return nil, nil
		default:
			return nil, fmt.Errorf("unexpected status code: %d body=%q", resp.StatusCode, string(body))
		}
	})
	if err != nil {
		return fmt.Errorf("email provider: %w", err)
	}
	if rejected != nil {
		return rejected
	}
	return nil
}
