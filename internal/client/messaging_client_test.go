package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/sony/gobreaker"
	"github.com/uma-arai/checkout-notifier/internal/common/config"
)

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, seg := xray.BeginSegment(context.Background(), t.Name())
	t.Cleanup(func() { seg.Close(nil) })
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestMessagingClient_SendSMS_Success(t *testing.T) {
	t.Parallel()

	var (
		gotPath string
		gotAuth string
		gotReq  messageRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &gotReq)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"success","code":"2000","message":"queued"}`))
	}))
	defer srv.Close()

	c := NewMessagingClient(config.ProviderConfig{BaseURL: srv.URL + "/", APIKey: "key-1"})
	resp, err := c.SendSMS(testContext(t), "+819012345678", "hello")
	if err != nil {
		t.Fatalf("SendSMS() error: %v", err)
	}
	if !resp.OK() {
		t.Fatalf("expected OK response, got %+v", resp)
	}
	if gotPath != "/sms" {
		t.Fatalf("expected path /sms, got %q", gotPath)
	}
	if gotAuth != "Bearer key-1" {
		t.Fatalf("expected bearer api key, got %q", gotAuth)
	}
	if gotReq.Recipient != "+819012345678" || gotReq.Message != "hello" {
		t.Fatalf("unexpected request body: %+v", gotReq)
	}
}

func TestMessagingClient_Paths(t *testing.T) {
	t.Parallel()

	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		_, _ = w.Write([]byte(`{"status":"success"}`))
	}))
	defer srv.Close()

	c := NewMessagingClient(config.ProviderConfig{BaseURL: srv.URL})
	ctx := testContext(t)
	if _, err := c.SendWhatsApp(ctx, "+1", "m"); err != nil {
		t.Fatalf("SendWhatsApp() error: %v", err)
	}
	if _, err := c.SendVoiceCall(ctx, "+1", "m"); err != nil {
		t.Fatalf("SendVoiceCall() error: %v", err)
	}
	if len(paths) != 2 || paths[0] != "/whatsapp" || paths[1] != "/voice" {
		t.Fatalf("unexpected paths: %v", paths)
	}
}

func TestProviderResponse_OK(t *testing.T) {
	tests := []struct {
		name string
		body string
		want bool
	}{
		{name: "statusがsuccess", body: `{"status":"success"}`, want: true},
		{name: "codeが文字列の2000", body: `{"status":"queued","code":"2000"}`, want: true},
		{name: "codeが数値の2000", body: `{"code":2000}`, want: true},
		{name: "error", body: `{"status":"error","code":"4001","message":"invalid number"}`, want: false},
		{name: "codeがnull", body: `{"status":"error","code":null}`, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var pr ProviderResponse
			if err := json.Unmarshal([]byte(tt.body), &pr); err != nil {
				t.Fatalf("unmarshal error: %v", err)
			}
			if got := pr.OK(); got != tt.want {
				t.Errorf("OK() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMessagingClient_Rejected_ReturnsResponse(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"status":"error","code":"4001","message":"invalid number"}`))
	}))
	defer srv.Close()

	c := NewMessagingClient(config.ProviderConfig{BaseURL: srv.URL})
	resp, err := c.SendSMS(testContext(t), "+1", "m")
	if err != nil {
		t.Fatalf("SendSMS() error: %v", err)
	}
	if resp.OK() || resp.Message != "invalid number" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestMessagingClient_NonJSONBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("forbidden"))
	}))
	defer srv.Close()

	c := NewMessagingClient(config.ProviderConfig{BaseURL: srv.URL})
	resp, err := c.SendSMS(testContext(t), "+1", "m")
	if err != nil {
		t.Fatalf("SendSMS() error: %v", err)
	}
	if resp.OK() || resp.Message != "status 403: forbidden" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestMessagingClient_ServerError_OpensBreaker(t *testing.T) {
	t.Parallel()

	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewMessagingClient(config.ProviderConfig{BaseURL: srv.URL})
	ctx := testContext(t)
	for i := 0; i < 3; i++ {
		if _, err := c.SendSMS(ctx, "+1", "m"); err == nil {
			t.Fatalf("call %d: expected error", i)
		}
	}

	_, err := c.SendSMS(ctx, "+1", "m")
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected open breaker error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls to provider, got %d", calls)
	}
}
