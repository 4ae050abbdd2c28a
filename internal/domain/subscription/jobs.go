package subscription

import (
	"context"
	"strconv"

	"github.com/panacare/api/internal/platform/notification"
)

// SweepExpirations expires every active subscription whose end date has
// passed and notifies each patient.
func (s *Service) SweepExpirations(ctx context.Context) (int, error) {
	expired, err := s.subs.ExpireEnded(ctx, s.today())
	if err != nil {
		return 0, err
	}
	for _, sub := range expired {
		s.notifyWithPackage(ctx, sub, notification.TemplateSubscriptionExpired, nil)
	}
	s.logger.Info().Int("count", len(expired)).Msg("expiration sweep complete")
	return len(expired), nil
}

// SendRenewalReminders notifies patients whose active subscription ends
// within daysAhead days.
func (s *Service) SendRenewalReminders(ctx context.Context, daysAhead int) (int, error) {
	today := s.today()
	ending, err := s.subs.ListEndingBetween(ctx, today, today.AddDate(0, 0, daysAhead))
	if err != nil {
		return 0, err
	}
	for _, sub := range ending {
		s.notifyWithPackage(ctx, sub, notification.TemplateRenewalReminder, map[string]string{
			"days_remaining": strconv.Itoa(sub.RemainingDays(today)),
		})
	}
	s.logger.Info().Int("count", len(ending)).Int("days_ahead", daysAhead).Msg("renewal reminders sent")
	return len(ending), nil
}

// SyncResult summarises a payment sync run.
type SyncResult struct {
	Checked int `json:"checked"`
	Updated int `json:"updated"`
	Failed  int `json:"failed"`
}

// SyncPayments polls the gateway for open payments and reconciles them the
// same way an IPN would. It covers notifications the gateway never delivered.
func (s *Service) SyncPayments(ctx context.Context, limit int) (*SyncResult, error) {
	if limit <= 0 {
		limit = 100
	}
	open, err := s.payments.ListAwaitingGateway(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := &SyncResult{}
	for _, p := range open {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		out.Checked++
		res, err := s.reconcile(ctx, p, p.TrackingID())
		if err != nil {
			out.Failed++
			s.logger.Warn().Err(err).Str("reference", p.Reference).Msg("payment sync failed")
			continue
		}
		if res.Changed {
			out.Updated++
		}
	}
	s.logger.Info().
		Int("checked", out.Checked).
		Int("updated", out.Updated).
		Int("failed", out.Failed).
		Msg("payment sync complete")
	return out, nil
}
