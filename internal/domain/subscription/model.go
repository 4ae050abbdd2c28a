package subscription

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Subscription statuses.
const (
	StatusPending   = "pending"
	StatusActive    = "active"
	StatusExpired   = "expired"
	StatusCancelled = "cancelled"
	// StatusScheduled is accepted on stored rows but never produced here.
	StatusScheduled = "scheduled"
)

// Payment statuses.
const (
	PaymentPending    = "pending"
	PaymentProcessing = "processing"
	PaymentCompleted  = "completed"
	PaymentFailed     = "failed"
	PaymentCancelled  = "cancelled"
	PaymentRefunded   = "refunded"
)

// Payment kinds say what a completed payment settles.
const (
	KindSubscription = "subscription"
	KindUpgrade      = "upgrade"
	KindRenewal      = "renewal"
	KindRecurring    = "recurring"
)

const paymentMethodPesapal = "pesapal"

var validSubscriptionStatuses = map[string]bool{
	StatusPending: true, StatusActive: true, StatusExpired: true,
	StatusCancelled: true, StatusScheduled: true,
}

// paymentTransitions lists the allowed next states. failed -> processing is
// the re-submission edge used by ProcessPayment; cancelled -> completed
// records a gateway charge that landed after a local cancel.
var paymentTransitions = map[string]map[string]bool{
	PaymentPending:    {PaymentProcessing: true, PaymentFailed: true, PaymentCancelled: true, PaymentCompleted: true},
	PaymentProcessing: {PaymentCompleted: true, PaymentFailed: true, PaymentCancelled: true},
	PaymentFailed:     {PaymentProcessing: true, PaymentCancelled: true},
	PaymentCompleted:  {PaymentRefunded: true},
	PaymentCancelled:  {PaymentCompleted: true},
	PaymentRefunded:   {},
}

// payableFrom lists, per payment kind, the subscription statuses in which the
// payment may still be submitted to the gateway.
var payableFrom = map[string]map[string]bool{
	KindSubscription: {StatusPending: true},
	KindUpgrade:      {StatusActive: true},
	KindRenewal:      {StatusActive: true, StatusExpired: true},
}

// Package is a purchasable care plan.
type Package struct {
	ID                uuid.UUID       `json:"id"`
	Name              string          `json:"name"`
	Description       string          `json:"description"`
	Price             decimal.Decimal `json:"price"`
	Currency          string          `json:"currency"`
	DurationDays      int             `json:"duration_days"`
	ConsultationLimit int             `json:"consultation_limit"`
	Features          []string        `json:"features"`
	IsActive          bool            `json:"is_active"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

type Subscription struct {
	ID                uuid.UUID `json:"id"`
	PatientID         uuid.UUID `json:"patient_id"`
	PackageID         uuid.UUID `json:"package_id"`
	Status            string    `json:"status"`
	StartDate         time.Time `json:"start_date"`
	EndDate           time.Time `json:"end_date"`
	ConsultationsUsed int       `json:"consultations_used"`
	CancelReason      *string   `json:"cancel_reason,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// RemainingDays counts whole days from today until the end date, never negative.
func (s *Subscription) RemainingDays(today time.Time) int {
	d := int(s.EndDate.Sub(dateOf(today)).Hours() / 24)
	if d < 0 {
		return 0
	}
	return d
}

type Payment struct {
	ID                   uuid.UUID       `json:"id"`
	SubscriptionID       uuid.UUID       `json:"subscription_id"`
	Reference            string          `json:"reference"`
	Kind                 string          `json:"kind"`
	TargetPackageID      *uuid.UUID      `json:"target_package_id,omitempty"`
	Status               string          `json:"status"`
	Amount               decimal.Decimal `json:"amount"`
	Currency             string          `json:"currency"`
	PaymentMethod        string          `json:"payment_method"`
	GatewayTransactionID *string         `json:"gateway_transaction_id,omitempty"`
	GatewayResponse      json.RawMessage `json:"-"`
	RedirectURL          *string         `json:"redirect_url,omitempty"`
	ErrorMessage         *string         `json:"error_message,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// CanTransition reports whether the payment may move to status.
func (p *Payment) CanTransition(to string) bool {
	return paymentTransitions[p.Status][to]
}

// TrackingID returns the gateway tracking id, or "".
func (p *Payment) TrackingID() string {
	if p.GatewayTransactionID == nil {
		return ""
	}
	return *p.GatewayTransactionID
}

// Usage summarises consultation and time consumption for a subscription.
type Usage struct {
	SubscriptionID         uuid.UUID `json:"subscription_id"`
	ConsultationsUsed      int       `json:"consultations_used"`
	ConsultationLimit      int       `json:"consultation_limit"`
	ConsultationsRemaining int       `json:"consultations_remaining"`
	DaysUsed               int       `json:"days_used"`
	TotalDays              int       `json:"total_days"`
	DaysRemaining          int       `json:"days_remaining"`
	UsagePercentage        float64   `json:"usage_percentage"`
}

// dateOf truncates t to a UTC calendar date.
func dateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func strPtr(s string) *string { return &s }
