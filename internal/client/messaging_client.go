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

// ProviderResponse はメッセージングプロバイダーの応答です
type ProviderResponse struct {
	Status  string       `json:"status"`
	Code    ResponseCode `json:"code"`
	Message string       `json:"message"`
}

// OK はプロバイダーが送信を受け付けたかどうかを返します
func (r ProviderResponse) OK() bool {
	return r.Status == "success" || r.Code == "2000"
}

// ResponseCode は数値・文字列のどちらで返ってきても文字列として扱うコードです
type ResponseCode string

func (c *ResponseCode) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*c = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*c = ResponseCode(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*c = ResponseCode(n.String())
	return nil
}

// MessagingClient はSMS・WhatsApp・音声通話のプロバイダークライアントです
type MessagingClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	cb      *gobreaker.CircuitBreaker
}

// NewMessagingClient は新しいMessagingClientを作成します
func NewMessagingClient(cfg config.ProviderConfig) *MessagingClient {
	return &MessagingClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client: xray.Client(&http.Client{
			Timeout: 10 * time.Second,
		}),
		cb: circuitbreaker.CircuitBreaker("messaging-provider"),
	}
}

type messageRequest struct {
	Recipient string `json:"recipient"`
	Message   string `json:"message"`
}

// SendSMS はSMSを送信します
func (c *MessagingClient) SendSMS(ctx context.Context, to, message string) (*ProviderResponse, error) {
	return c.send(ctx, "/sms", to, message)
}

// SendWhatsApp はWhatsAppメッセージを送信します
func (c *MessagingClient) SendWhatsApp(ctx context.Context, to, message string) (*ProviderResponse, error) {
	return c.send(ctx, "/whatsapp", to, message)
}

// SendVoiceCall は音声通話でメッセージを読み上げます
func (c *MessagingClient) SendVoiceCall(ctx context.Context, to, message string) (*ProviderResponse, error) {
	return c.send(ctx, "/voice", to, message)
}

// send はプロバイダーへメッセージを送信します
// 通信エラーと5xxはエラーを返し、サーキットブレーカーの失敗として数えます
// それ以外の応答はProviderResponseとして返し、成否は呼び出し側で判定します
func (c *MessagingClient) send(ctx context.Context, path, to, message string) (*ProviderResponse, error) {
	reqBody, err := json.Marshal(messageRequest{Recipient: to, Message: message})
	if err != nil {
		return nil, err
	}

	result, err := c.cb.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(reqBody))
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
		if resp.StatusCode >= http.StatusInternalServerError {
			return nil, fmt.Errorf("unexpected status code: %d body=%q", resp.StatusCode, string(body))
		}

		var pr ProviderResponse
		if err := json.Unmarshal(body, &pr); err != nil {
			pr = ProviderResponse{
				Status:  "error",
				Message: fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
			}
		}
		return &pr, nil
	})
	if err != nil {
		return nil, fmt.Errorf("messaging provider %s: %w", path, err)
	}

	return result.(*ProviderResponse), nil
}
