package pesapal

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/panacare/api/internal/gateway"
)

type billingAddress struct {
	EmailAddress string `json:"email_address,omitempty"`
	PhoneNumber  string `json:"phone_number,omitempty"`
	CountryCode  string `json:"country_code,omitempty"`
	FirstName    string `json:"first_name,omitempty"`
	LastName     string `json:"last_name,omitempty"`
}

type subscriptionDetails struct {
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
	Frequency string `json:"frequency"`
}

type orderRequest struct {
	ID                  string               `json:"id"`
	Currency            string               `json:"currency"`
	Amount              json.Number          `json:"amount"`
	Description         string               `json:"description"`
	CallbackURL         string               `json:"callback_url"`
	NotificationID      string               `json:"notification_id"`
	AccountNumber       string               `json:"account_number,omitempty"`
	BillingAddress      billingAddress       `json:"billing_address"`
	SubscriptionDetails *subscriptionDetails `json:"subscription_details,omitempty"`
}

type orderResponse struct {
	OrderTrackingID   string `json:"order_tracking_id"`
	MerchantReference string `json:"merchant_reference"`
	RedirectURL       string `json:"redirect_url"`
}

// Pesapal expects dd-MM-yyyy for recurring schedules.
const scheduleDateLayout = "02-01-2006"

func (c *Client) SubmitOrder(ctx context.Context, req gateway.OrderRequest) (*gateway.OrderResponse, error) {
	body := orderRequest{
		ID:             req.Reference,
		Currency:       req.Currency,
		Amount:         json.Number(req.Amount.StringFixed(2)),
		Description:    truncate(req.Description, 100),
		CallbackURL:    req.CallbackURL,
		NotificationID: req.NotificationID,
		AccountNumber:  req.AccountNumber,
		BillingAddress: billingAddress{
			EmailAddress: req.Billing.Email,
			PhoneNumber:  req.Billing.Phone,
			CountryCode:  req.Billing.CountryCode,
			FirstName:    req.Billing.FirstName,
			LastName:     req.Billing.LastName,
		},
	}
	if r := req.Recurring; r != nil {
		body.SubscriptionDetails = &subscriptionDetails{
			StartDate: r.StartDate.Format(scheduleDateLayout),
			EndDate:   r.EndDate.Format(scheduleDateLayout),
			Frequency: r.Frequency,
		}
	}

	var raw json.RawMessage
	if err := c.call(ctx, "submit_order", http.MethodPost, "/api/Transactions/SubmitOrderRequest", nil, body, &raw); err != nil {
		return nil, err
	}
	var out orderResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &gateway.Error{Op: "submit_order", Temporary: true, Message: "malformed gateway response", Err: err}
	}
	if out.OrderTrackingID == "" {
		return nil, &gateway.Error{Op: "submit_order", Message: "gateway returned no tracking id"}
	}

	c.logger.Info().Str("reference", req.Reference).Str("tracking_id", out.OrderTrackingID).Msg("order submitted")
	return &gateway.OrderResponse{TrackingID: out.OrderTrackingID, RedirectURL: out.RedirectURL, Raw: raw}, nil
}

type statusResponse struct {
	PaymentMethod            string          `json:"payment_method"`
	Amount                   decimal.Decimal `json:"amount"`
	ConfirmationCode         string          `json:"confirmation_code"`
	PaymentStatusDescription string          `json:"payment_status_description"`
	Description              string          `json:"description"`
	StatusCode               *int            `json:"status_code"`
	MerchantReference        string          `json:"merchant_reference"`
	Currency                 string          `json:"currency"`
}

// statusByCode covers responses that omit the description.
var statusByCode = map[int]gateway.Status{
	0: gateway.StatusInvalid,
	1: gateway.StatusCompleted,
	2: gateway.StatusFailed,
	3: gateway.StatusReversed,
}

func (c *Client) QueryStatus(ctx context.Context, trackingID string) (*gateway.TransactionStatus, error) {
	var raw json.RawMessage
	q := map[string]string{"orderTrackingId": trackingID}
	if err := c.call(ctx, "query_status", http.MethodGet, "/api/Transactions/GetTransactionStatus", q, nil, &raw); err != nil {
		return nil, err
	}
	var out statusResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &gateway.Error{Op: "query_status", Message: "malformed gateway response", Err: err}
	}

	return &gateway.TransactionStatus{
		TrackingID:       trackingID,
		Reference:        out.MerchantReference,
		Status:           normalizeStatus(out.PaymentStatusDescription, out.StatusCode),
		Amount:           out.Amount,
		Currency:         out.Currency,
		PaymentMethod:    out.PaymentMethod,
		ConfirmationCode: out.ConfirmationCode,
		Description:      out.Description,
		Raw:              raw,
	}, nil
}

func normalizeStatus(desc string, code *int) gateway.Status {
	switch s := gateway.Status(strings.ToUpper(strings.TrimSpace(desc))); s {
	case gateway.StatusCompleted, gateway.StatusFailed, gateway.StatusInvalid, gateway.StatusReversed, gateway.StatusPending:
		return s
	}
	if code != nil {
		if s, ok := statusByCode[*code]; ok {
			return s
		}
	}
	return gateway.StatusPending
}

type ipnResponse struct {
	URL                 string `json:"url"`
	CreatedDate         string `json:"created_date"`
	IPNID               string `json:"ipn_id"`
	NotificationType    *int   `json:"notification_type"`
	IPNNotificationType string `json:"ipn_notification_type_description"`
}

func (r ipnResponse) toIPN() gateway.IPN {
	ipn := gateway.IPN{ID: r.IPNID, URL: r.URL, NotificationType: r.IPNNotificationType}
	if ipn.NotificationType == "" && r.NotificationType != nil {
		ipn.NotificationType = "GET"
		if *r.NotificationType == 1 {
			ipn.NotificationType = "POST"
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, r.CreatedDate); err == nil {
		ipn.CreatedAt = t
	}
	return ipn
}

func (c *Client) RegisterIPN(ctx context.Context, url, method string) (*gateway.IPN, error) {
	body := map[string]string{"url": url, "ipn_notification_type": method}
	var out ipnResponse
	if err := c.call(ctx, "register_ipn", http.MethodPost, "/api/URLSetup/RegisterIPN", nil, body, &out); err != nil {
		return nil, err
	}
	ipn := out.toIPN()
	if ipn.NotificationType == "" {
		ipn.NotificationType = method
	}
	return &ipn, nil
}

func (c *Client) ListIPNs(ctx context.Context) ([]gateway.IPN, error) {
	var out []ipnResponse
	if err := c.call(ctx, "list_ipns", http.MethodGet, "/api/URLSetup/GetIpnList", nil, nil, &out); err != nil {
		return nil, err
	}
	ipns := make([]gateway.IPN, 0, len(out))
	for _, r := range out {
		ipns = append(ipns, r.toIPN())
	}
	return ipns, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
