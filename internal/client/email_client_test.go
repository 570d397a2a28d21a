package client

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/uma-arai/checkout-notifier/internal/common/config"
)

func TestEmailClient_SendCustomEmail(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		status       int
		wantErr      bool
		wantRejected bool
	}{
		{name: "202", status: http.StatusAccepted},
		{name: "200", status: http.StatusOK},
		{name: "422は拒否", status: http.StatusUnprocessableEntity, wantErr: true, wantRejected: true},
		{name: "503はプロバイダーエラー", status: http.StatusServiceUnavailable, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var got emailRequest
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/emails" {
					t.Errorf("expected path /emails, got %q", r.URL.Path)
				}
				b, _ := io.ReadAll(r.Body)
				_ = json.Unmarshal(b, &got)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("bad address"))
			}))
			defer srv.Close()

			c := NewEmailClient(config.EmailConfig{
				ProviderConfig: config.ProviderConfig{BaseURL: srv.URL},
				From:           "front@example.com",
			})
			err := c.SendCustomEmail(testContext(t), EmailMessage{To: "guest@example.com", Subject: "s", HTML: "<p>h</p>"})

			if (err != nil) != tt.wantErr {
				t.Fatalf("SendCustomEmail() error = %v, wantErr %v", err, tt.wantErr)
			}
			var rejected *RejectedError
			if errors.As(err, &rejected) != tt.wantRejected {
				t.Fatalf("SendCustomEmail() error = %v, wantRejected %v", err, tt.wantRejected)
			}
			if got.From != "front@example.com" || got.To != "guest@example.com" || got.HTML != "<p>h</p>" {
				t.Fatalf("unexpected request body: %+v", got)
			}
		})
	}
}
