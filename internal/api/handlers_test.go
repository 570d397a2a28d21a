package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/uma-arai/checkout-notifier/internal/common/config"
	"github.com/uma-arai/checkout-notifier/internal/model"
	"github.com/uma-arai/checkout-notifier/internal/scheduler"
	"github.com/uma-arai/checkout-notifier/internal/service/monitoring"
)

const (
	testCronSecret = "cron-secret"
	testJWTSecret  = "jwt-secret"
)

var testNow = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

// MockRunner はテスト用のバッチ実行モックです
type MockRunner struct {
	report      *model.RunReport
	err         error
	panicValue  any
	calls       int
	reminderIDs []int64
}

func (m *MockRunner) Execute(ctx context.Context) (*model.RunReport, error) {
	m.calls++
	if m.panicValue != nil {
		panic(m.panicValue)
	}
	return m.report, m.err
}

func (m *MockRunner) SendReminders(ctx context.Context, now time.Time, bookingIDs []int64) (*model.RunReport, error) {
	m.calls++
	m.reminderIDs = bookingIDs
	return m.report, m.err
}

// MockMonitor はテスト用のモックです
type MockMonitor struct {
	items []monitoring.Checkout
	err   error
}

func (m *MockMonitor) Upcoming(ctx context.Context, now time.Time) ([]monitoring.Checkout, error) {
	return m.items, m.err
}

// MockHealth はテスト用のモックです
type MockHealth struct {
	err error
}

func (m *MockHealth) HealthCheck(ctx context.Context) error {
	return m.err
}

func newTestRouter(runner *MockRunner, monitor *MockMonitor, health *MockHealth) *gin.Engine {
	h := NewHandler(runner, monitor, health, time.UTC)
	h.now = func() time.Time { return testNow }
	return NewRouter(h, config.ServerConfig{CronSecret: testCronSecret, JWTSecret: testJWTSecret})
}

func staffToken(t *testing.T, role string, secret string, method jwt.SigningMethod) string {
	t.Helper()
	token := jwt.NewWithClaims(method, StaffClaims{
		Name: "Manager",
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func doRequest(r http.Handler, method, path, auth string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode response %q: %v", w.Body.String(), err)
	}
	return body
}

func TestRunNotifications(t *testing.T) {
	report := model.NewRunReport("run-1", testNow)
	report.Processed = 3
	report.Notified = 1

	tests := []struct {
		name       string
		method     string
		auth       string
		runner     *MockRunner
		wantStatus int
		wantCalls  int
		wantKeys   []string
	}{
		{
			name:       "トークンなし",
			method:     http.MethodPost,
			runner:     &MockRunner{report: report},
			wantStatus: http.StatusUnauthorized,
			wantKeys:   []string{"error"},
		},
		{
			name:       "トークン不一致",
			method:     http.MethodPost,
			auth:       "Bearer wrong",
			runner:     &MockRunner{report: report},
			wantStatus: http.StatusUnauthorized,
			wantKeys:   []string{"error"},
		},
		{
			name:       "POST以外",
			method:     http.MethodGet,
			auth:       "Bearer " + testCronSecret,
			runner:     &MockRunner{report: report},
			wantStatus: http.StatusMethodNotAllowed,
			wantKeys:   []string{"error"},
		},
		{
			name:       "正常終了",
			method:     http.MethodPost,
			auth:       "Bearer " + testCronSecret,
			runner:     &MockRunner{report: report},
			wantStatus: http.StatusOK,
			wantCalls:  1,
			wantKeys:   []string{"success", "timestamp", "results"},
		},
		{
			name:       "予約の取得に失敗",
			method:     http.MethodPost,
			auth:       "Bearer " + testCronSecret,
			runner:     &MockRunner{err: errors.New("failed to get checked-in bookings: connection refused")},
			wantStatus: http.StatusInternalServerError,
			wantCalls:  1,
			wantKeys:   []string{"error", "details", "timestamp"},
		},
		{
			name:       "panic",
			method:     http.MethodPost,
			auth:       "Bearer " + testCronSecret,
			runner:     &MockRunner{panicValue: "boom"},
			wantStatus: http.StatusInternalServerError,
			wantCalls:  1,
			wantKeys:   []string{"error", "details", "timestamp"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRouter(tt.runner, &MockMonitor{}, &MockHealth{})

			w := doRequest(r, tt.method, "/api/cron/notifications", tt.auth, nil)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}
			if tt.runner.calls != tt.wantCalls {
				t.Errorf("runner calls = %d, want %d", tt.runner.calls, tt.wantCalls)
			}
			body := decode(t, w)
			for _, key := range tt.wantKeys {
				if _, ok := body[key]; !ok {
					t.Errorf("response has no %q: %v", key, body)
				}
			}
		})
	}
}

func TestRunNotifications_Results(t *testing.T) {
	report := model.NewRunReport("run-1", testNow)
	report.Processed = 3
	report.Notified = 1
	report.EmailsSent = 1
	r := newTestRouter(&MockRunner{report: report}, &MockMonitor{}, &MockHealth{})

	w := doRequest(r, http.MethodPost, "/api/cron/notifications", "Bearer "+testCronSecret, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var body struct {
		Success   bool            `json:"success"`
		Timestamp string          `json:"timestamp"`
		Results   model.RunReport `json:"results"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if !body.Success || body.Timestamp != "2025-03-10T09:00:00Z" {
		t.Errorf("body = %+v", body)
	}
	if body.Results.Processed != 3 || body.Results.Notified != 1 || body.Results.EmailsSent != 1 {
		t.Errorf("results = %+v", body.Results)
	}
}

func TestStaffAuth(t *testing.T) {
	tests := []struct {
		name       string
		auth       string
		wantStatus int
	}{
		{name: "トークンなし", auth: "", wantStatus: http.StatusUnauthorized},
		{name: "Bearerなし", auth: staffToken(t, "manager", testJWTSecret, jwt.SigningMethodHS256), wantStatus: http.StatusUnauthorized},
		{name: "署名不一致", auth: "Bearer " + staffToken(t, "manager", "other", jwt.SigningMethodHS256), wantStatus: http.StatusUnauthorized},
		{name: "HS256以外", auth: "Bearer " + staffToken(t, "manager", testJWTSecret, jwt.SigningMethodHS512), wantStatus: http.StatusUnauthorized},
		{name: "スタッフ以外のロール", auth: "Bearer " + staffToken(t, "guest", testJWTSecret, jwt.SigningMethodHS256), wantStatus: http.StatusUnauthorized},
		{name: "管理者", auth: "Bearer " + staffToken(t, "admin", testJWTSecret, jwt.SigningMethodHS256), wantStatus: http.StatusOK},
		{name: "スタッフ", auth: "Bearer " + staffToken(t, "staff", testJWTSecret, jwt.SigningMethodHS256), wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRouter(&MockRunner{}, &MockMonitor{}, &MockHealth{})
			w := doRequest(r, http.MethodGet, "/api/monitoring/checkouts", tt.auth, nil)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestListCheckouts(t *testing.T) {
	items := []monitoring.Checkout{
		{BookingID: 2, Classification: model.Classify(testNow, testNow.Add(-time.Hour))},
		{BookingID: 1, Classification: model.Classify(testNow, testNow.Add(20*time.Hour))},
	}
	r := newTestRouter(&MockRunner{}, &MockMonitor{items: items}, &MockHealth{})
	auth := "Bearer " + staffToken(t, "manager", testJWTSecret, jwt.SigningMethodHS256)

	w := doRequest(r, http.MethodGet, "/api/monitoring/checkouts", auth, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var body struct {
		Items   []monitoring.Checkout `json:"items"`
		Summary monitoring.Summary    `json:"summary"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if len(body.Items) != 2 || body.Items[0].BookingID != 2 {
		t.Errorf("items = %+v", body.Items)
	}
	want := monitoring.Summary{Total: 2, Critical: 1, Low: 1, Overdue: 1}
	if body.Summary != want {
		t.Errorf("summary = %+v, want %+v", body.Summary, want)
	}
}

func TestListCheckouts_Error(t *testing.T) {
	r := newTestRouter(&MockRunner{}, &MockMonitor{err: errors.New("connection refused")}, &MockHealth{})
	auth := "Bearer " + staffToken(t, "manager", testJWTSecret, jwt.SigningMethodHS256)

	w := doRequest(r, http.MethodGet, "/api/monitoring/checkouts", auth, nil)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestExportCheckouts(t *testing.T) {
	items := []monitoring.Checkout{
		{BookingID: 1, GuestName: "Alice", Classification: model.Classify(testNow, testNow.Add(time.Hour))},
	}
	r := newTestRouter(&MockRunner{}, &MockMonitor{items: items}, &MockHealth{})
	auth := "Bearer " + staffToken(t, "staff", testJWTSecret, jwt.SigningMethodHS256)

	w := doRequest(r, http.MethodGet, "/api/monitoring/checkouts/export", auth, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet") {
		t.Errorf("Content-Type = %q", ct)
	}
	if cd := w.Header().Get("Content-Disposition"); cd != "attachment; filename=checkouts-20250310-0900.xlsx" {
		t.Errorf("Content-Disposition = %q", cd)
	}
	// xlsxはzip形式
	if !bytes.HasPrefix(w.Body.Bytes(), []byte("PK")) {
		t.Error("body is not an xlsx workbook")
	}
}

func TestSendReminders(t *testing.T) {
	auth := "Bearer " + staffToken(t, "manager", testJWTSecret, jwt.SigningMethodHS256)

	tests := []struct {
		name       string
		body       string
		runnerErr  error
		wantStatus int
		wantIDs    []int64
	}{
		{name: "正常", body: `{"bookingIds":[1,2]}`, wantStatus: http.StatusOK, wantIDs: []int64{1, 2}},
		{name: "空の配列", body: `{"bookingIds":[]}`, wantStatus: http.StatusBadRequest},
		{name: "不正なJSON", body: `{"bookingIds":`, wantStatus: http.StatusBadRequest},
		{name: "取得に失敗", body: `{"bookingIds":[1]}`, runnerErr: errors.New("connection refused"), wantStatus: http.StatusInternalServerError, wantIDs: []int64{1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &MockRunner{report: model.NewRunReport("run-1", testNow), err: tt.runnerErr}
			r := newTestRouter(runner, &MockMonitor{}, &MockHealth{})

			w := doRequest(r, http.MethodPost, "/api/monitoring/reminders", auth, []byte(tt.body))
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}
			if len(runner.reminderIDs) != len(tt.wantIDs) {
				t.Errorf("reminder ids = %v, want %v", runner.reminderIDs, tt.wantIDs)
			}
		})
	}
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{name: "正常", wantStatus: http.StatusOK},
		{name: "DB接続エラー", err: errors.New("connection refused"), wantStatus: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRouter(&MockRunner{}, &MockMonitor{}, &MockHealth{err: tt.err})
			w := doRequest(r, http.MethodGet, "/health", "", nil)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

// MockSchedule はテスト用の定期実行状態です
type MockSchedule struct {
	status scheduler.Status
}

func (m *MockSchedule) Status() scheduler.Status {
	return m.status
}

func TestHealth_IncludesSchedulerStatus(t *testing.T) {
	h := NewHandler(&MockRunner{}, &MockMonitor{}, &MockHealth{}, time.UTC).WithScheduler(&MockSchedule{
		status: scheduler.Status{
			Running:  true,
			Interval: "15m0s",
			Runs:     3,
			Failed:   1,
			Last:     &scheduler.LastRun{RunID: "run-3", Notified: 2},
		},
	})
	r := NewRouter(h, config.ServerConfig{CronSecret: testCronSecret, JWTSecret: testJWTSecret})

	w := doRequest(r, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	body := decode(t, w)
	sched, ok := body["scheduler"].(map[string]any)
	if !ok {
		t.Fatalf("scheduler = %v", body["scheduler"])
	}
	if sched["running"] != true || sched["interval"] != "15m0s" || sched["runs"] != float64(3) || sched["failed"] != float64(1) {
		t.Errorf("scheduler = %v", sched)
	}
	last, _ := sched["lastRun"].(map[string]any)
	if last["runId"] != "run-3" || last["notified"] != float64(2) {
		t.Errorf("lastRun = %v", last)
	}
}
