package subscription

import (
	"context"

	"github.com/google/uuid"

	"github.com/panacare/api/internal/platform/notification"
)

// notice is a notification queued inside a transaction and sent after commit.
type notice struct {
	sub      *Subscription
	template string
	data     map[string]string
}

func (s *Service) contact(ctx context.Context, patientID uuid.UUID) (notification.Recipient, bool) {
	if s.directory == nil {
		return notification.Recipient{}, false
	}
	to, err := s.directory.Contact(ctx, patientID)
	if err != nil {
		s.logger.Warn().Err(err).Str("patient_id", patientID.String()).Msg("patient contact lookup failed")
		return notification.Recipient{}, false
	}
	return to, true
}

func (s *Service) notify(ctx context.Context, patientID uuid.UUID, templateID string, data map[string]string) {
	if s.notifier == nil {
		return
	}
	to, ok := s.contact(ctx, patientID)
	if !ok {
		return
	}
	if data == nil {
		data = map[string]string{}
	}
	if _, set := data["patient_name"]; !set {
		data["patient_name"] = to.Name
	}
	s.notifier.Notify(ctx, to, templateID, data)
}

// notifyWithPackage adds the package name and end date to data.
func (s *Service) notifyWithPackage(ctx context.Context, sub *Subscription, templateID string, data map[string]string) {
	if s.notifier == nil {
		return
	}
	if data == nil {
		data = map[string]string{}
	}
	data["end_date"] = formatDate(sub.EndDate)
	if pkg, err := s.packages.GetByID(ctx, sub.PackageID); err == nil {
		data["package_name"] = pkg.Name
	}
	s.notify(ctx, sub.PatientID, templateID, data)
}

func (s *Service) flush(ctx context.Context, notices []notice) {
	for _, n := range notices {
		s.notifyWithPackage(ctx, n.sub, n.template, n.data)
	}
}
