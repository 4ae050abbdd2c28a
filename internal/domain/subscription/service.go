package subscription

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/panacare/api/internal/gateway"
	"github.com/panacare/api/internal/platform/notification"
)

// ErrValidation wraps field-level input problems.
var ErrValidation = errors.New("validation failed")

type Config struct {
	Currency       string
	CallbackURL    string
	NotificationID string
}

// Service owns the subscription and payment state machines.
type Service struct {
	packages  PackageRepository
	subs      SubscriptionRepository
	payments  PaymentRepository
	tx        Transactor
	gateway   gateway.Client
	notifier  Notifier
	directory PatientDirectory
	cfg       Config
	logger    zerolog.Logger
	now       func() time.Time
}

func NewService(packages PackageRepository, subs SubscriptionRepository, payments PaymentRepository,
	tx Transactor, gw gateway.Client, cfg Config, logger zerolog.Logger) *Service {
	if cfg.Currency == "" {
		cfg.Currency = "KES"
	}
	return &Service{
		packages: packages,
		subs:     subs,
		payments: payments,
		tx:       tx,
		gateway:  gw,
		cfg:      cfg,
		logger:   logger.With().Str("component", "subscription").Logger(),
		now:      time.Now,
	}
}

// SetNotifier enables patient notifications.
func (s *Service) SetNotifier(n Notifier) { s.notifier = n }

// SetDirectory enables contact lookups for notifications and billing details.
func (s *Service) SetDirectory(d PatientDirectory) { s.directory = d }

func (s *Service) today() time.Time { return dateOf(s.now()) }

// -- Packages --

func validatePackage(p *Package) error {
	if strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	if p.Price.IsNegative() {
		return fmt.Errorf("%w: price must not be negative", ErrValidation)
	}
	if p.DurationDays <= 0 {
		return fmt.Errorf("%w: duration_days must be positive", ErrValidation)
	}
	if p.ConsultationLimit < 0 {
		return fmt.Errorf("%w: consultation_limit must not be negative", ErrValidation)
	}
	return nil
}

func (s *Service) CreatePackage(ctx context.Context, p *Package) error {
	if p.Currency == "" {
		p.Currency = s.cfg.Currency
	}
	if err := validatePackage(p); err != nil {
		return err
	}
	return s.packages.Create(ctx, p)
}

func (s *Service) UpdatePackage(ctx context.Context, p *Package) error {
	if p.Currency == "" {
		p.Currency = s.cfg.Currency
	}
	if err := validatePackage(p); err != nil {
		return err
	}
	return s.packages.Update(ctx, p)
}

func (s *Service) GetPackage(ctx context.Context, id uuid.UUID) (*Package, error) {
	return s.packages.GetByID(ctx, id)
}

func (s *Service) ListPackages(ctx context.Context, activeOnly bool) ([]*Package, error) {
	return s.packages.List(ctx, activeOnly)
}

// -- Queries --

func (s *Service) GetSubscription(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	return s.subs.GetByID(ctx, id)
}

func (s *Service) ListSubscriptionsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Subscription, int, error) {
	return s.subs.ListByPatient(ctx, patientID, limit, offset)
}

func (s *Service) ListPayments(ctx context.Context, subscriptionID uuid.UUID) ([]*Payment, error) {
	if _, err := s.subs.GetByID(ctx, subscriptionID); err != nil {
		return nil, err
	}
	return s.payments.ListBySubscription(ctx, subscriptionID)
}

func (s *Service) GetPayment(ctx context.Context, id uuid.UUID) (*Payment, error) {
	return s.payments.GetByID(ctx, id)
}

// -- Subscribe --

// Checkout is the result of an operation that starts a gateway payment.
type Checkout struct {
	Subscription *Subscription `json:"subscription"`
	Payment      *Payment      `json:"payment"`
	RedirectURL  string        `json:"redirect_url,omitempty"`
}

func (c *Checkout) attach(p *Payment) {
	if p == nil {
		return
	}
	c.Payment = p
	if p.RedirectURL != nil {
		c.RedirectURL = *p.RedirectURL
	}
}

// Subscribe creates a pending subscription and its first payment, then
// submits the payment. When submission fails the created records are
// returned together with the error.
func (s *Service) Subscribe(ctx context.Context, patientID, packageID uuid.UUID) (*Checkout, error) {
	pkg, err := s.packages.GetByID(ctx, packageID)
	if err != nil {
		return nil, err
	}
	if !pkg.IsActive {
		return nil, ErrPackageInactive
	}

	today := s.today()
	sub := &Subscription{
		PatientID: patientID,
		PackageID: pkg.ID,
		Status:    StatusPending,
		StartDate: today,
		EndDate:   today.AddDate(0, 0, pkg.DurationDays),
	}
	pay := s.newPayment(KindSubscription, pkg.Price, pkg.Currency)

	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := s.subs.LockPatient(ctx, patientID); err != nil {
			return err
		}
		if err := s.ensureNoActive(ctx, patientID, uuid.Nil); err != nil {
			return err
		}
		if err := s.supersedePending(ctx, patientID); err != nil {
			return err
		}
		if err := s.subs.Create(ctx, sub); err != nil {
			return fmt.Errorf("create subscription: %w", err)
		}
		pay.SubscriptionID = sub.ID
		if err := s.payments.Create(ctx, pay); err != nil {
			return fmt.Errorf("create payment: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("subscription_id", sub.ID.String()).
		Str("patient_id", patientID.String()).
		Str("reference", pay.Reference).
		Msg("subscription created")

	out := &Checkout{Subscription: sub, Payment: pay}
	processed, err := s.ProcessPayment(ctx, pay.ID)
	out.attach(processed)
	return out, err
}

// ensureNoActive fails when the patient holds an active subscription other than except.
func (s *Service) ensureNoActive(ctx context.Context, patientID, except uuid.UUID) error {
	active, err := s.subs.GetActiveByPatient(ctx, patientID)
	switch {
	case errors.Is(err, ErrNotFound):
		return nil
	case err != nil:
		return err
	case active.ID == except:
		return nil
	}
	return ErrDuplicateActiveSubscription
}

// supersedePending cancels the patient's unpaid subscriptions so that at most
// one pending checkout can ever activate.
func (s *Service) supersedePending(ctx context.Context, patientID uuid.UUID) error {
	pending, err := s.subs.ListByPatientAndStatus(ctx, patientID, StatusPending)
	if err != nil {
		return err
	}
	for _, old := range pending {
		locked, err := s.subs.GetForUpdate(ctx, old.ID)
		if err != nil {
			return err
		}
		if locked.Status != StatusPending {
			continue
		}
		locked.Status = StatusCancelled
		locked.CancelReason = strPtr("superseded")
		if err := s.subs.Update(ctx, locked); err != nil {
			return err
		}
		if err := s.cancelOpenPayments(ctx, locked.ID); err != nil {
			return err
		}
	}
	return nil
}

// cancelOpenPayments cancels the subscription's unsettled payments. With
// kinds given, only payments of those kinds are cancelled.
func (s *Service) cancelOpenPayments(ctx context.Context, subscriptionID uuid.UUID, kinds ...string) error {
	open, err := s.payments.ListOpenBySubscription(ctx, subscriptionID)
	if err != nil {
		return err
	}
	for _, p := range open {
		if len(kinds) > 0 && !slices.Contains(kinds, p.Kind) {
			continue
		}
		p.Status = PaymentCancelled
		if err := s.payments.Update(ctx, p); err != nil {
			return fmt.Errorf("cancel payment %s: %w", p.Reference, err)
		}
	}
	return nil
}

func (s *Service) newPayment(kind string, amount decimal.Decimal, currency string) *Payment {
	if currency == "" {
		currency = s.cfg.Currency
	}
	return &Payment{
		Reference:     newReference(kind),
		Kind:          kind,
		Status:        PaymentPending,
		Amount:        amount,
		Currency:      currency,
		PaymentMethod: paymentMethodPesapal,
	}
}

// -- Process payment --

// ProcessPayment submits a pending or failed payment to the gateway. The
// gateway is called outside any transaction; the result is applied under the
// subscription row lock. A temporary gateway failure leaves the payment
// unchanged and returns a retryable GatewayError.
func (s *Service) ProcessPayment(ctx context.Context, paymentID uuid.UUID) (*Payment, error) {
	pay, err := s.payments.GetByID(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if pay.Status != PaymentPending && pay.Status != PaymentFailed {
		return pay, &TransitionError{Entity: "payment", From: pay.Status, Action: "process"}
	}
	sub, err := s.subs.GetByID(ctx, pay.SubscriptionID)
	if err != nil {
		return pay, err
	}
	if err := checkPayable(pay, sub); err != nil {
		return pay, err
	}
	pkgID := sub.PackageID
	if pay.TargetPackageID != nil {
		pkgID = *pay.TargetPackageID
	}
	pkg, err := s.packages.GetByID(ctx, pkgID)
	if err != nil {
		return pay, err
	}

	resp, gwErr := s.gateway.SubmitOrder(ctx, s.orderRequest(ctx, pay, sub, pkg))
	if gwErr != nil && gateway.IsTemporary(gwErr) {
		s.logger.Warn().Err(gwErr).Str("reference", pay.Reference).Msg("gateway unavailable, payment left unchanged")
		return pay, &GatewayError{Op: "submit_order", Retryable: true, Err: gwErr}
	}

	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		locked, err := s.subs.GetForUpdate(ctx, pay.SubscriptionID)
		if err != nil {
			return err
		}
		cur, err := s.payments.GetByID(ctx, paymentID)
		if err != nil {
			return err
		}
		pay = cur
		if cur.Status != PaymentPending && cur.Status != PaymentFailed {
			return &TransitionError{Entity: "payment", From: cur.Status, Action: "process"}
		}
		if err := checkPayable(cur, locked); err != nil {
			return err
		}
		if gwErr != nil {
			cur.Status = PaymentFailed
			cur.ErrorMessage = strPtr(gwErr.Error())
		} else {
			cur.Status = PaymentProcessing
			cur.GatewayTransactionID = strPtr(resp.TrackingID)
			cur.RedirectURL = strPtr(resp.RedirectURL)
			cur.GatewayResponse = resp.Raw
			cur.ErrorMessage = nil
		}
		return s.payments.Update(ctx, cur)
	})
	if err != nil {
		if gwErr == nil && errors.Is(err, ErrInvalidTransition) {
			s.logger.Warn().Err(err).
				Str("reference", pay.Reference).
				Str("tracking_id", resp.TrackingID).
				Msg("order submitted for a payment that is no longer payable")
		}
		return pay, err
	}

	if gwErr != nil {
		s.logger.Warn().Err(gwErr).Str("reference", pay.Reference).Msg("gateway rejected payment")
		s.notify(ctx, sub.PatientID, notification.TemplatePaymentFailed, map[string]string{
			"reference": pay.Reference,
		})
		return pay, &GatewayError{Op: "submit_order", Err: gwErr}
	}

	s.logger.Info().
		Str("reference", pay.Reference).
		Str("tracking_id", resp.TrackingID).
		Msg("payment submitted")
	return pay, nil
}

// checkPayable rejects a payment whose subscription no longer accepts it,
// such as the first payment of a cancelled subscription.
func checkPayable(pay *Payment, sub *Subscription) error {
	if !payableFrom[pay.Kind][sub.Status] {
		return &TransitionError{Entity: "subscription", From: sub.Status, Action: "take " + pay.Kind + " payment for"}
	}
	return nil
}

func (s *Service) orderRequest(ctx context.Context, pay *Payment, sub *Subscription, pkg *Package) gateway.OrderRequest {
	var desc string
	switch pay.Kind {
	case KindUpgrade:
		desc = "Upgrade to " + pkg.Name
	case KindRenewal:
		desc = "Renewal of " + pkg.Name
	default:
		desc = "Subscription to " + pkg.Name
	}
	req := gateway.OrderRequest{
		Reference:      pay.Reference,
		Amount:         pay.Amount,
		Currency:       pay.Currency,
		Description:    desc,
		CallbackURL:    s.cfg.CallbackURL,
		NotificationID: s.cfg.NotificationID,
		AccountNumber:  sub.ID.String(),
	}
	if to, ok := s.contact(ctx, sub.PatientID); ok {
		first, last, _ := strings.Cut(strings.TrimSpace(to.Name), " ")
		req.Billing = gateway.BillingAddress{
			Email:     to.Email,
			Phone:     to.Phone,
			FirstName: first,
			LastName:  last,
		}
	}
	if pay.Kind == KindSubscription {
		if freq := gateway.FrequencyForDuration(pkg.DurationDays); freq != "" {
			req.Recurring = &gateway.RecurringDetails{
				Frequency: freq,
				StartDate: sub.EndDate,
				EndDate:   sub.EndDate.AddDate(1, 0, 0),
			}
		}
	}
	return req
}

// -- Upgrade / downgrade --

// PlanChange reports the outcome of an upgrade or downgrade. Applied is true
// when the package was swapped immediately.
type PlanChange struct {
	Subscription   *Subscription   `json:"subscription"`
	Payment        *Payment        `json:"payment,omitempty"`
	ProratedAmount decimal.Decimal `json:"prorated_amount"`
	Applied        bool            `json:"applied"`
	RedirectURL    string          `json:"redirect_url,omitempty"`
}

func (s *Service) Upgrade(ctx context.Context, subscriptionID, packageID uuid.UUID) (*PlanChange, error) {
	return s.changePlan(ctx, subscriptionID, packageID, true)
}

func (s *Service) Downgrade(ctx context.Context, subscriptionID, packageID uuid.UUID) (*PlanChange, error) {
	return s.changePlan(ctx, subscriptionID, packageID, false)
}

func (s *Service) changePlan(ctx context.Context, subscriptionID, packageID uuid.UUID, upgrade bool) (*PlanChange, error) {
	action := "downgrade"
	if upgrade {
		action = "upgrade"
	}
	target, err := s.packages.GetByID(ctx, packageID)
	if err != nil {
		return nil, err
	}
	if !target.IsActive {
		return nil, ErrPackageInactive
	}

	var out *PlanChange
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		sub, err := s.subs.GetForUpdate(ctx, subscriptionID)
		if err != nil {
			return err
		}
		if sub.Status != StatusActive {
			return &TransitionError{Entity: "subscription", From: sub.Status, Action: action}
		}
		current, err := s.packages.GetByID(ctx, sub.PackageID)
		if err != nil {
			return err
		}
		if current.ID == target.ID {
			return fmt.Errorf("%w: subscription is already on %s", ErrInvalidPackageChange, target.Name)
		}
		if upgrade && !target.Price.GreaterThan(current.Price) {
			return fmt.Errorf("%w: upgrade requires a higher-priced package", ErrInvalidPackageChange)
		}
		if !upgrade && !target.Price.LessThan(current.Price) {
			return fmt.Errorf("%w: downgrade requires a lower-priced package", ErrInvalidPackageChange)
		}

		amount := Prorate(current.Price, target.Price, sub.RemainingDays(s.now()), current.DurationDays)
		out = &PlanChange{Subscription: sub, ProratedAmount: amount}
		// A newer plan change replaces any upgrade still awaiting payment.
		if err := s.cancelOpenPayments(ctx, sub.ID, KindUpgrade); err != nil {
			return err
		}
		if amount.IsPositive() {
			pay := s.newPayment(KindUpgrade, amount, target.Currency)
			pay.SubscriptionID = sub.ID
			pay.TargetPackageID = &target.ID
			if err := s.payments.Create(ctx, pay); err != nil {
				return fmt.Errorf("create payment: %w", err)
			}
			out.Payment = pay
			return nil
		}

		sub.PackageID = target.ID
		if err := s.subs.Update(ctx, sub); err != nil {
			return err
		}
		out.Applied = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("subscription_id", subscriptionID.String()).
		Str("package_id", target.ID.String()).
		Str("action", action).
		Str("prorated_amount", out.ProratedAmount.StringFixed(2)).
		Bool("applied", out.Applied).
		Msg("plan change requested")

	if out.Applied {
		s.notify(ctx, out.Subscription.PatientID, notification.TemplatePlanChanged, map[string]string{
			"package_name": target.Name,
			"end_date":     formatDate(out.Subscription.EndDate),
		})
		return out, nil
	}

	pay, err := s.ProcessPayment(ctx, out.Payment.ID)
	if pay != nil {
		out.Payment = pay
		if pay.RedirectURL != nil {
			out.RedirectURL = *pay.RedirectURL
		}
	}
	return out, err
}

// -- Renew --

// Renew starts a full-price renewal payment for an active or expired
// subscription. The period is extended when the payment completes.
func (s *Service) Renew(ctx context.Context, subscriptionID uuid.UUID) (*Checkout, error) {
	head, err := s.subs.GetByID(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}

	out := &Checkout{}
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		if err := s.subs.LockPatient(ctx, head.PatientID); err != nil {
			return err
		}
		sub, err := s.subs.GetForUpdate(ctx, subscriptionID)
		if err != nil {
			return err
		}
		if sub.Status != StatusActive && sub.Status != StatusExpired {
			return &TransitionError{Entity: "subscription", From: sub.Status, Action: "renew"}
		}
		if sub.Status == StatusExpired {
			if err := s.ensureNoActive(ctx, sub.PatientID, sub.ID); err != nil {
				return err
			}
		}
		pkg, err := s.packages.GetByID(ctx, sub.PackageID)
		if err != nil {
			return err
		}
		if err := s.cancelOpenPayments(ctx, sub.ID, KindRenewal); err != nil {
			return err
		}
		pay := s.newPayment(KindRenewal, pkg.Price, pkg.Currency)
		pay.SubscriptionID = sub.ID
		if err := s.payments.Create(ctx, pay); err != nil {
			return fmt.Errorf("create payment: %w", err)
		}
		out.Subscription = sub
		out.Payment = pay
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("subscription_id", subscriptionID.String()).
		Str("reference", out.Payment.Reference).
		Msg("renewal requested")

	processed, err := s.ProcessPayment(ctx, out.Payment.ID)
	out.attach(processed)
	return out, err
}

// -- Cancel --

// Cancel ends a pending or active subscription immediately. Open payments are
// cancelled; completed payments are left for manual refund.
func (s *Service) Cancel(ctx context.Context, subscriptionID uuid.UUID, reason string) (*Subscription, error) {
	var sub *Subscription
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		var err error
		sub, err = s.subs.GetForUpdate(ctx, subscriptionID)
		if err != nil {
			return err
		}
		if sub.Status != StatusPending && sub.Status != StatusActive {
			return &TransitionError{Entity: "subscription", From: sub.Status, Action: "cancel"}
		}
		sub.Status = StatusCancelled
		if reason = strings.TrimSpace(reason); reason != "" {
			sub.CancelReason = &reason
		}
		if err := s.subs.Update(ctx, sub); err != nil {
			return err
		}
		return s.cancelOpenPayments(ctx, sub.ID)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("subscription_id", sub.ID.String()).Msg("subscription cancelled")
	s.notifyWithPackage(ctx, sub, notification.TemplateSubscriptionCancelled, nil)
	return sub, nil
}

// -- Usage --

func (s *Service) Usage(ctx context.Context, subscriptionID uuid.UUID) (*Usage, error) {
	sub, err := s.subs.GetByID(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	pkg, err := s.packages.GetByID(ctx, sub.PackageID)
	if err != nil {
		return nil, err
	}

	today := s.today()
	total := int(sub.EndDate.Sub(sub.StartDate).Hours() / 24)
	used := int(today.Sub(sub.StartDate).Hours() / 24)
	if used < 0 {
		used = 0
	}
	if used > total {
		used = total
	}

	u := &Usage{
		SubscriptionID:         sub.ID,
		ConsultationsUsed:      sub.ConsultationsUsed,
		ConsultationLimit:      pkg.ConsultationLimit,
		ConsultationsRemaining: pkg.ConsultationLimit - sub.ConsultationsUsed,
		DaysUsed:               used,
		TotalDays:              total,
		DaysRemaining:          sub.RemainingDays(today),
	}
	if pkg.ConsultationLimit > 0 {
		pct := float64(sub.ConsultationsUsed) / float64(pkg.ConsultationLimit) * 100
		u.UsagePercentage = math.Round(pct*100) / 100
	}
	return u, nil
}

// RecordConsultation counts one consultation against an active subscription.
// The quota is soft: exceeding it is reported, not rejected.
func (s *Service) RecordConsultation(ctx context.Context, subscriptionID uuid.UUID) (*Usage, bool, error) {
	err := s.tx.WithTx(ctx, func(ctx context.Context) error {
		sub, err := s.subs.GetForUpdate(ctx, subscriptionID)
		if err != nil {
			return err
		}
		if sub.Status != StatusActive {
			return &TransitionError{Entity: "subscription", From: sub.Status, Action: "record consultation on"}
		}
		sub.ConsultationsUsed++
		return s.subs.Update(ctx, sub)
	})
	if err != nil {
		return nil, false, err
	}
	u, err := s.Usage(ctx, subscriptionID)
	if err != nil {
		return nil, false, err
	}
	return u, u.ConsultationLimit > 0 && u.ConsultationsUsed > u.ConsultationLimit, nil
}

func formatDate(t time.Time) string { return t.Format("2006-01-02") }
