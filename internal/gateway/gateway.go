// Package gateway defines the payment gateway contract used by the billing
// lifecycle. Implementations live in subpackages.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the gateway's view of a transaction.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusInvalid   Status = "INVALID"
	StatusReversed  Status = "REVERSED"
)

// Notification types sent with an IPN.
const (
	NotificationChange    = "IPNCHANGE"
	NotificationCallback  = "CALLBACKURL"
	NotificationRecurring = "RECURRING"
)

type BillingAddress struct {
	Email       string
	Phone       string
	FirstName   string
	LastName    string
	CountryCode string
}

// RecurringDetails asks the gateway to charge the account on a schedule.
type RecurringDetails struct {
	Frequency string
	StartDate time.Time
	EndDate   time.Time
}

type OrderRequest struct {
	Reference      string
	Amount         decimal.Decimal
	Currency       string
	Description    string
	CallbackURL    string
	NotificationID string
	AccountNumber  string
	Billing        BillingAddress
	Recurring      *RecurringDetails
}

type OrderResponse struct {
	TrackingID  string
	RedirectURL string
	Raw         json.RawMessage
}

type TransactionStatus struct {
	TrackingID       string
	Reference        string
	Status           Status
	Amount           decimal.Decimal
	Currency         string
	PaymentMethod    string
	ConfirmationCode string
	Description      string
	Raw              json.RawMessage
}

// IPN is a registered instant payment notification endpoint.
type IPN struct {
	ID               string    `json:"ipn_id"`
	URL              string    `json:"url"`
	NotificationType string    `json:"notification_type"`
	CreatedAt        time.Time `json:"created_at"`
}

// Client is a payment gateway.
type Client interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error)
	QueryStatus(ctx context.Context, trackingID string) (*TransactionStatus, error)
	RegisterIPN(ctx context.Context, url, method string) (*IPN, error)
	ListIPNs(ctx context.Context) ([]IPN, error)
}

// Error is returned by gateway clients. Temporary errors (timeouts, network
// failures, 5xx) say nothing about the transaction's outcome.
type Error struct {
	Op        string
	Code      string
	Message   string
	Temporary bool
	Err       error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "gateway error"
}

func (e *Error) Unwrap() error { return e.Err }

// IsTemporary reports whether err is a gateway error that may succeed on retry.
func IsTemporary(err error) bool {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Temporary
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// FrequencyForDuration maps a plan length to a recurring frequency, or ""
// when the plan length has no gateway equivalent.
func FrequencyForDuration(days int) string {
	switch {
	case days == 1:
		return "DAILY"
	case days == 7:
		return "WEEKLY"
	case days >= 28 && days <= 31:
		return "MONTHLY"
	case days == 365 || days == 366:
		return "YEARLY"
	}
	return ""
}
