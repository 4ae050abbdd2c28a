package pesapal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/panacare/api/internal/gateway"
)

type fakePesapal struct {
	authCalls   int32
	rejectFirst int32
	handler     http.HandlerFunc
}

func (f *fakePesapal) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/api/Auth/RequestToken" {
		n := atomic.AddInt32(&f.authCalls, 1)
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["consumer_key"] != "key" {
			json.NewEncoder(w).Encode(map[string]interface{}{
				"error": map[string]string{"code": "invalid_consumer_key_or_secret_provided", "message": "Invalid credentials"},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"token": "tok-" + string(rune('0'+n)), "status": "200"})
		return
	}
	if atomic.LoadInt32(&f.rejectFirst) > 0 {
		atomic.AddInt32(&f.rejectFirst, -1)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	f.handler(w, r)
}

func newTestClient(t *testing.T, f *fakePesapal) *Client {
	t.Helper()
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return New(Config{ConsumerKey: "key", ConsumerSecret: "secret", BaseURL: srv.URL, Timeout: 2 * time.Second}, zerolog.Nop())
}

func TestSubmitOrder_Success(t *testing.T) {
	var got map[string]interface{}
	f := &fakePesapal{handler: func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/Transactions/SubmitOrderRequest" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			t.Errorf("expected bearer token, got %q", r.Header.Get("Authorization"))
		}
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]string{
			"order_tracking_id":  "trk-1",
			"merchant_reference": "SUB_0123456789ABCDEF",
			"redirect_url":       "https://pay.example/redirect",
			"status":             "200",
		})
	}}
	c := newTestClient(t, f)

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	resp, err := c.SubmitOrder(context.Background(), gateway.OrderRequest{
		Reference:      "SUB_0123456789ABCDEF",
		Amount:         decimal.RequireFromString("1500"),
		Currency:       "KES",
		Description:    "Basic care",
		CallbackURL:    "https://api.example/cb",
		NotificationID: "ipn-1",
		Recurring:      &gateway.RecurringDetails{Frequency: "MONTHLY", StartDate: start, EndDate: start.AddDate(1, 0, 0)},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.TrackingID != "trk-1" || resp.RedirectURL != "https://pay.example/redirect" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if got["amount"] != 1500.0 {
		t.Errorf("expected numeric amount 1500, got %v", got["amount"])
	}
	if got["id"] != "SUB_0123456789ABCDEF" {
		t.Errorf("expected reference as order id, got %v", got["id"])
	}
	details, _ := got["subscription_details"].(map[string]interface{})
	if details["start_date"] != "01-03-2026" || details["frequency"] != "MONTHLY" {
		t.Errorf("unexpected subscription details: %v", details)
	}
}

func TestSubmitOrder_RejectionPassesMessage(t *testing.T) {
	f := &fakePesapal{handler: func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error":  map[string]string{"error_type": "api_error", "code": "invalid_currency", "message": "Currency is not supported"},
			"status": "500",
		})
	}}
	c := newTestClient(t, f)

	_, err := c.SubmitOrder(context.Background(), gateway.OrderRequest{Reference: "SUB_X", Amount: decimal.NewFromInt(10), Currency: "XYZ"})
	var ge *gateway.Error
	if !errors.As(err, &ge) {
		t.Fatalf("expected gateway.Error, got %v", err)
	}
	if ge.Message != "Currency is not supported" || ge.Temporary {
		t.Errorf("unexpected error: %+v", ge)
	}
}

func TestSubmitOrder_ServerErrorIsTemporary(t *testing.T) {
	f := &fakePesapal{handler: func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}}
	c := newTestClient(t, f)

	_, err := c.SubmitOrder(context.Background(), gateway.OrderRequest{Reference: "SUB_X", Amount: decimal.NewFromInt(10)})
	if !gateway.IsTemporary(err) {
		t.Errorf("expected temporary error, got %v", err)
	}
}

func TestSubmitOrder_MalformedSuccessIsTemporary(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"truncated object", `{"order_tracking_id": "trk-1", "redirect_`},
		{"wrong shape", `{"order_tracking_id": 42}`},
		{"not json", `<html>ok</html>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakePesapal{handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				w.Write([]byte(tt.body))
			}}
			c := newTestClient(t, f)

			_, err := c.SubmitOrder(context.Background(), gateway.OrderRequest{Reference: "SUB_X", Amount: decimal.NewFromInt(10)})
			var ge *gateway.Error
			if !errors.As(err, &ge) {
				t.Fatalf("expected gateway.Error, got %v", err)
			}
			if !ge.Temporary {
				t.Errorf("expected unreadable success response to be temporary, got %+v", ge)
			}
		})
	}
}

func TestSubmitOrder_MalformedClientErrorIsRejection(t *testing.T) {
	f := &fakePesapal{handler: func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": `))
	}}
	c := newTestClient(t, f)

	_, err := c.SubmitOrder(context.Background(), gateway.OrderRequest{Reference: "SUB_X", Amount: decimal.NewFromInt(10)})
	if err == nil || gateway.IsTemporary(err) {
		t.Errorf("expected non-temporary error for a 400, got %v", err)
	}
}

func TestSubmitOrder_TimeoutIsTemporary(t *testing.T) {
	f := &fakePesapal{handler: func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}}
	srv := httptest.NewServer(f)
	defer srv.Close()
	c := New(Config{ConsumerKey: "key", BaseURL: srv.URL, Timeout: 100 * time.Millisecond}, zerolog.Nop())

	_, err := c.SubmitOrder(context.Background(), gateway.OrderRequest{Reference: "SUB_X", Amount: decimal.NewFromInt(10)})
	if !gateway.IsTemporary(err) {
		t.Errorf("expected temporary error on timeout, got %v", err)
	}
}

func TestCall_ReauthenticatesOnce(t *testing.T) {
	f := &fakePesapal{rejectFirst: 1, handler: func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"payment_status_description": "Completed", "status_code": 1})
	}}
	c := newTestClient(t, f)

	st, err := c.QueryStatus(context.Background(), "trk-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if st.Status != gateway.StatusCompleted {
		t.Errorf("expected COMPLETED, got %s", st.Status)
	}
	if n := atomic.LoadInt32(&f.authCalls); n != 2 {
		t.Errorf("expected 2 auth calls, got %d", n)
	}
}

func TestCall_GivesUpAfterSecondUnauthorized(t *testing.T) {
	f := &fakePesapal{rejectFirst: 5, handler: func(w http.ResponseWriter, r *http.Request) {}}
	c := newTestClient(t, f)

	if _, err := c.QueryStatus(context.Background(), "trk-1"); err == nil {
		t.Fatal("expected error after repeated unauthorized responses")
	}
	if n := atomic.LoadInt32(&f.authCalls); n != 2 {
		t.Errorf("expected 2 auth calls, got %d", n)
	}
}

func TestAccessToken_Cached(t *testing.T) {
	f := &fakePesapal{handler: func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"status_code": 2})
	}}
	c := newTestClient(t, f)

	for i := 0; i < 3; i++ {
		if _, err := c.QueryStatus(context.Background(), "trk"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if n := atomic.LoadInt32(&f.authCalls); n != 1 {
		t.Errorf("expected token to be cached, got %d auth calls", n)
	}

	now := time.Now().Add(5 * time.Minute)
	c.now = func() time.Time { return now }
	c.QueryStatus(context.Background(), "trk")
	if n := atomic.LoadInt32(&f.authCalls); n != 2 {
		t.Errorf("expected refresh after expiry, got %d auth calls", n)
	}
}

func TestAuthenticate_BadCredentials(t *testing.T) {
	f := &fakePesapal{handler: func(w http.ResponseWriter, r *http.Request) {}}
	srv := httptest.NewServer(f)
	defer srv.Close()
	c := New(Config{ConsumerKey: "wrong", BaseURL: srv.URL}, zerolog.Nop())

	_, err := c.QueryStatus(context.Background(), "trk")
	var ge *gateway.Error
	if !errors.As(err, &ge) || ge.Message != "Invalid credentials" {
		t.Errorf("expected credential error, got %v", err)
	}
}

func TestNormalizeStatus(t *testing.T) {
	code := func(n int) *int { return &n }
	tests := []struct {
		desc string
		code *int
		want gateway.Status
	}{
		{"Completed", nil, gateway.StatusCompleted},
		{"FAILED", nil, gateway.StatusFailed},
		{"Invalid", nil, gateway.StatusInvalid},
		{"Reversed", nil, gateway.StatusReversed},
		{"", code(1), gateway.StatusCompleted},
		{"", code(3), gateway.StatusReversed},
		{"", nil, gateway.StatusPending},
		{"something new", code(9), gateway.StatusPending},
	}
	for _, tt := range tests {
		if got := normalizeStatus(tt.desc, tt.code); got != tt.want {
			t.Errorf("normalizeStatus(%q) = %s, want %s", tt.desc, got, tt.want)
		}
	}
}

func TestListIPNs(t *testing.T) {
	f := &fakePesapal{handler: func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]interface{}{
			{"url": "https://api.example/ipn", "ipn_id": "ipn-1", "created_date": "2026-01-02T03:04:05.123Z", "ipn_notification_type_description": "GET"},
		})
	}}
	c := newTestClient(t, f)

	ipns, err := c.ListIPNs(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ipns) != 1 || ipns[0].ID != "ipn-1" || ipns[0].NotificationType != "GET" {
		t.Errorf("unexpected ipns: %+v", ipns)
	}
	if ipns[0].CreatedAt.IsZero() {
		t.Error("expected created date to be parsed")
	}
}

func TestRegisterIPN(t *testing.T) {
	var got map[string]string
	f := &fakePesapal{handler: func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]interface{}{"url": got["url"], "ipn_id": "ipn-9", "status": "200"})
	}}
	c := newTestClient(t, f)

	ipn, err := c.RegisterIPN(context.Background(), "https://api.example/ipn", "GET")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ipn.ID != "ipn-9" || ipn.NotificationType != "GET" {
		t.Errorf("unexpected ipn: %+v", ipn)
	}
	if got["ipn_notification_type"] != "GET" {
		t.Errorf("expected notification type in request, got %v", got)
	}
}
