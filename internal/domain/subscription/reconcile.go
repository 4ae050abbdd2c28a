package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/panacare/api/internal/gateway"
	"github.com/panacare/api/internal/platform/notification"
)

// ReconcileResult reports what a gateway notification changed.
type ReconcileResult struct {
	Payment       *Payment       `json:"payment"`
	GatewayStatus gateway.Status `json:"gateway_status"`
	Changed       bool           `json:"changed"`
}

// HandleGatewayCallback reconciles the payment a customer was redirected back
// for. The identifier may be the tracking id or the merchant reference.
func (s *Service) HandleGatewayCallback(ctx context.Context, trackingIDOrReference string) (*ReconcileResult, error) {
	id := strings.TrimSpace(trackingIDOrReference)
	if id == "" {
		return nil, fmt.Errorf("%w: tracking id or reference is required", ErrValidation)
	}
	pay, err := s.payments.GetByTrackingID(ctx, id)
	if errors.Is(err, ErrNotFound) {
		pay, err = s.payments.GetByReference(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	if pay.TrackingID() == "" {
		return nil, &TransitionError{Entity: "payment", From: pay.Status, Action: "reconcile unsubmitted"}
	}
	return s.reconcile(ctx, pay, pay.TrackingID())
}

// HandleIPN reconciles an instant payment notification. The notification body
// is never trusted: the outcome always comes from a gateway status query.
func (s *Service) HandleIPN(ctx context.Context, trackingID, merchantReference, notificationType string) (*ReconcileResult, error) {
	trackingID = strings.TrimSpace(trackingID)
	if trackingID == "" {
		return nil, fmt.Errorf("%w: tracking id is required", ErrValidation)
	}
	if strings.EqualFold(notificationType, gateway.NotificationRecurring) {
		return s.handleRecurring(ctx, trackingID, merchantReference)
	}

	pay, err := s.payments.GetByTrackingID(ctx, trackingID)
	if errors.Is(err, ErrNotFound) && merchantReference != "" {
		pay, err = s.payments.GetByReference(ctx, merchantReference)
	}
	if err != nil {
		return nil, err
	}
	return s.reconcile(ctx, pay, trackingID)
}

func (s *Service) queryStatus(ctx context.Context, trackingID string) (*gateway.TransactionStatus, error) {
	st, err := s.gateway.QueryStatus(ctx, trackingID)
	if err != nil {
		return nil, &GatewayError{Op: "query_status", Retryable: gateway.IsTemporary(err), Err: err}
	}
	return st, nil
}

func (s *Service) reconcile(ctx context.Context, pay *Payment, trackingID string) (*ReconcileResult, error) {
	st, err := s.queryStatus(ctx, trackingID)
	if err != nil {
		return nil, err
	}
	// Recurring charges carry the merchant reference of the order that set
	// up the schedule, not their own.
	if pay.Kind != KindRecurring && st.Reference != "" && st.Reference != pay.Reference {
		return nil, fmt.Errorf("%w: gateway reports %s for payment %s", ErrReferenceMismatch, st.Reference, pay.Reference)
	}

	res := &ReconcileResult{GatewayStatus: st.Status}
	var notices []notice
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		sub, err := s.subs.GetForUpdate(ctx, pay.SubscriptionID)
		if err != nil {
			return err
		}
		cur, err := s.payments.GetByID(ctx, pay.ID)
		if err != nil {
			return err
		}
		res.Payment = cur

		adopted := false
		if cur.GatewayTransactionID == nil {
			cur.GatewayTransactionID = strPtr(trackingID)
			adopted = true
		}
		changed, n, err := s.applyStatus(ctx, sub, cur, st)
		if err != nil {
			return err
		}
		notices = n
		res.Changed = changed
		if !changed && !adopted {
			return nil
		}
		return s.payments.Update(ctx, cur)
	})
	if err != nil {
		return nil, err
	}

	if res.Changed {
		s.logger.Info().
			Str("reference", res.Payment.Reference).
			Str("gateway_status", string(st.Status)).
			Str("payment_status", res.Payment.Status).
			Msg("payment reconciled")
	}
	s.flush(ctx, notices)
	return res, nil
}

// applyStatus moves pay according to the gateway's answer and applies the
// payment's purpose to sub. The caller holds the subscription row lock.
func (s *Service) applyStatus(ctx context.Context, sub *Subscription, pay *Payment, st *gateway.TransactionStatus) (bool, []notice, error) {
	switch st.Status {
	case gateway.StatusCompleted:
		if pay.Status == PaymentCompleted || !pay.CanTransition(PaymentCompleted) {
			return false, nil, nil
		}
		wasCancelled := pay.Status == PaymentCancelled
		pay.Status = PaymentCompleted
		pay.GatewayResponse = st.Raw
		pay.ErrorMessage = nil
		if wasCancelled {
			s.logger.Warn().
				Str("reference", pay.Reference).
				Msg("charge completed after payment was cancelled; refund manually")
			return true, nil, nil
		}
		notices, err := s.applyPurpose(ctx, sub, pay)
		return true, notices, err

	case gateway.StatusFailed, gateway.StatusInvalid:
		if pay.Status != PaymentPending && pay.Status != PaymentProcessing {
			return false, nil, nil
		}
		pay.Status = PaymentFailed
		pay.GatewayResponse = st.Raw
		msg := st.Description
		if msg == "" {
			msg = "gateway reported " + string(st.Status)
		}
		pay.ErrorMessage = strPtr(msg)
		return true, []notice{{sub: sub, template: notification.TemplatePaymentFailed, data: map[string]string{
			"reference": pay.Reference,
		}}}, nil

	case gateway.StatusReversed:
		if pay.Status != PaymentCompleted {
			return false, nil, nil
		}
		pay.Status = PaymentRefunded
		pay.GatewayResponse = st.Raw
		s.logger.Warn().Str("reference", pay.Reference).Msg("gateway reversed a completed payment")
		return true, nil, nil
	}
	return false, nil, nil
}

// applyPurpose applies what a completed payment paid for.
func (s *Service) applyPurpose(ctx context.Context, sub *Subscription, pay *Payment) ([]notice, error) {
	today := s.today()
	log := s.logger.With().Str("reference", pay.Reference).Str("subscription_id", sub.ID.String()).Logger()

	switch pay.Kind {
	case KindSubscription:
		if sub.Status != StatusPending {
			log.Info().Str("status", sub.Status).Msg("payment completed for subscription that is no longer pending")
			return nil, nil
		}
		if ok, err := s.mayActivate(ctx, sub); !ok || err != nil {
			return nil, err
		}
		if sub.StartDate.Before(today) {
			days := int(sub.EndDate.Sub(sub.StartDate).Hours() / 24)
			sub.StartDate = today
			sub.EndDate = today.AddDate(0, 0, days)
		}
		sub.Status = StatusActive
		if err := s.subs.Update(ctx, sub); err != nil {
			return nil, err
		}
		return []notice{{sub: sub, template: notification.TemplateSubscriptionActivated, data: map[string]string{
			"amount":   pay.Amount.StringFixed(2),
			"currency": pay.Currency,
		}}}, nil

	case KindUpgrade:
		if sub.Status != StatusActive || pay.TargetPackageID == nil {
			log.Info().Str("status", sub.Status).Msg("upgrade payment completed for inactive subscription")
			return nil, nil
		}
		sub.PackageID = *pay.TargetPackageID
		if err := s.subs.Update(ctx, sub); err != nil {
			return nil, err
		}
		return []notice{{sub: sub, template: notification.TemplatePlanChanged}}, nil

	case KindRenewal, KindRecurring:
		pkg, err := s.packages.GetByID(ctx, sub.PackageID)
		if err != nil {
			return nil, err
		}
		return s.extend(ctx, sub, laterOf(today, sub.EndDate).AddDate(0, 0, pkg.DurationDays))
	}
	return nil, nil
}

// extend moves an active or expired subscription's end date to end. An
// expired subscription starts a new period today.
func (s *Service) extend(ctx context.Context, sub *Subscription, end time.Time) ([]notice, error) {
	switch sub.Status {
	case StatusActive:
	case StatusExpired:
		if ok, err := s.mayActivate(ctx, sub); !ok || err != nil {
			return nil, err
		}
		sub.Status = StatusActive
		sub.StartDate = s.today()
		sub.ConsultationsUsed = 0
	default:
		s.logger.Info().
			Str("subscription_id", sub.ID.String()).
			Str("status", sub.Status).
			Msg("paid period not applied to inactive subscription")
		return nil, nil
	}
	sub.EndDate = end
	if err := s.subs.Update(ctx, sub); err != nil {
		return nil, err
	}
	return []notice{{sub: sub, template: notification.TemplateSubscriptionRenewed}}, nil
}

// mayActivate reports whether sub can become the patient's active
// subscription. A conflict is logged; the payment stays completed.
func (s *Service) mayActivate(ctx context.Context, sub *Subscription) (bool, error) {
	err := s.ensureNoActive(ctx, sub.PatientID, sub.ID)
	if errors.Is(err, ErrDuplicateActiveSubscription) {
		s.logger.Warn().
			Str("subscription_id", sub.ID.String()).
			Str("patient_id", sub.PatientID.String()).
			Msg("patient already has an active subscription; payment recorded without activation")
		return false, nil
	}
	return err == nil, err
}

// handleRecurring records a charge the gateway made on its own schedule.
func (s *Service) handleRecurring(ctx context.Context, trackingID, merchantReference string) (*ReconcileResult, error) {
	existing, err := s.payments.GetByTrackingID(ctx, trackingID)
	if err == nil {
		return s.reconcile(ctx, existing, trackingID)
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	original, err := s.payments.GetByReference(ctx, merchantReference)
	if err != nil {
		return nil, err
	}
	st, err := s.queryStatus(ctx, trackingID)
	if err != nil {
		return nil, err
	}
	if st.Reference != "" && st.Reference != original.Reference {
		return nil, fmt.Errorf("%w: gateway reports %s for payment %s", ErrReferenceMismatch, st.Reference, original.Reference)
	}

	res := &ReconcileResult{GatewayStatus: st.Status}
	var notices []notice
	err = s.tx.WithTx(ctx, func(ctx context.Context) error {
		sub, err := s.subs.GetForUpdate(ctx, original.SubscriptionID)
		if err != nil {
			return err
		}
		// A concurrent delivery of the same notification may have won the lock.
		if dup, err := s.payments.GetByTrackingID(ctx, trackingID); err == nil {
			res.Payment = dup
			return nil
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}

		pkg, err := s.packages.GetByID(ctx, sub.PackageID)
		if err != nil {
			return err
		}
		pay := s.newPayment(KindRecurring, pkg.Price, pkg.Currency)
		pay.SubscriptionID = sub.ID
		pay.GatewayTransactionID = strPtr(trackingID)
		pay.GatewayResponse = st.Raw
		switch st.Status {
		case gateway.StatusCompleted:
			pay.Status = PaymentCompleted
		case gateway.StatusFailed, gateway.StatusInvalid:
			pay.Status = PaymentFailed
			pay.ErrorMessage = strPtr("gateway reported " + string(st.Status))
		case gateway.StatusReversed:
			pay.Status = PaymentRefunded
		default:
			pay.Status = PaymentProcessing
		}
		if err := s.payments.Create(ctx, pay); err != nil {
			return fmt.Errorf("create recurring payment: %w", err)
		}
		res.Payment = pay
		res.Changed = true

		if pay.Status == PaymentCompleted {
			notices, err = s.applyPurpose(ctx, sub, pay)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	if res.Changed {
		s.logger.Info().
			Str("reference", res.Payment.Reference).
			Str("tracking_id", trackingID).
			Str("payment_status", res.Payment.Status).
			Msg("recurring charge recorded")
	}
	s.flush(ctx, notices)
	return res, nil
}
