package subscription

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/panacare/api/internal/platform/notification"
)

type PackageRepository interface {
	Create(ctx context.Context, p *Package) error
	Update(ctx context.Context, p *Package) error
	GetByID(ctx context.Context, id uuid.UUID) (*Package, error)
	List(ctx context.Context, activeOnly bool) ([]*Package, error)
}

type SubscriptionRepository interface {
	Create(ctx context.Context, s *Subscription) error
	GetByID(ctx context.Context, id uuid.UUID) (*Subscription, error)
	// GetForUpdate locks the row until the surrounding transaction ends.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Subscription, error)
	Update(ctx context.Context, s *Subscription) error
	// LockPatient serialises lifecycle changes for one patient within a transaction.
	LockPatient(ctx context.Context, patientID uuid.UUID) error
	GetActiveByPatient(ctx context.Context, patientID uuid.UUID) (*Subscription, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Subscription, int, error)
	ListByPatientAndStatus(ctx context.Context, patientID uuid.UUID, status string) ([]*Subscription, error)
	// ExpireEnded marks active subscriptions whose end date is before today as
	// expired and returns them.
	ExpireEnded(ctx context.Context, today time.Time) ([]*Subscription, error)
	ListEndingBetween(ctx context.Context, from, to time.Time) ([]*Subscription, error)
}

type PaymentRepository interface {
	Create(ctx context.Context, p *Payment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Payment, error)
	GetByReference(ctx context.Context, reference string) (*Payment, error)
	GetByTrackingID(ctx context.Context, trackingID string) (*Payment, error)
	Update(ctx context.Context, p *Payment) error
	ListBySubscription(ctx context.Context, subscriptionID uuid.UUID) ([]*Payment, error)
	// ListOpenBySubscription returns pending, processing and failed payments.
	ListOpenBySubscription(ctx context.Context, subscriptionID uuid.UUID) ([]*Payment, error)
	// ListAwaitingGateway returns open payments that carry a tracking id, least
	// recently updated first.
	ListAwaitingGateway(ctx context.Context, limit int) ([]*Payment, error)
}

// PatientDirectory resolves contact details for notifications and billing.
type PatientDirectory interface {
	Contact(ctx context.Context, patientID uuid.UUID) (notification.Recipient, error)
}

// Transactor runs fn in a single database transaction.
type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Notifier delivers templated messages. Delivery failures are not reported.
type Notifier interface {
	Notify(ctx context.Context, to notification.Recipient, templateID string, data map[string]string)
}
