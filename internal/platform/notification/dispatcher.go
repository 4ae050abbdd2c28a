package notification

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Recipient is a resolved notification target.
type Recipient struct {
	PatientID uuid.UUID
	Email     string
	Name      string
	Phone     string
}

// Dispatcher sends templated emails in the background. Delivery failures are
// logged and never reach the caller.
type Dispatcher struct {
	sender    EmailSender
	templates *TemplateEngine
	logger    zerolog.Logger
	timeout   time.Duration
	wg        sync.WaitGroup
}

func NewDispatcher(sender EmailSender, templates *TemplateEngine, logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		sender:    sender,
		templates: templates,
		logger:    logger.With().Str("component", "notification").Logger(),
		timeout:   15 * time.Second,
	}
}

// Notify renders templateID and sends it asynchronously. The caller's context
// only contributes its values; delivery outlives the request.
func (d *Dispatcher) Notify(ctx context.Context, to Recipient, templateID string, data map[string]string) {
	log := d.logger.With().Str("template", templateID).Str("patient_id", to.PatientID.String()).Logger()
	if to.Email == "" {
		log.Warn().Msg("recipient has no email address")
		return
	}

	if data == nil {
		data = map[string]string{}
	}
	if _, ok := data["patient_name"]; !ok {
		data["patient_name"] = to.Name
	}
	subject, body, err := d.templates.Render(templateID, data)
	if err != nil {
		log.Error().Err(err).Msg("render notification")
		return
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()
		if err := d.sender.SendEmail(sendCtx, to, subject, body); err != nil {
			log.Error().Err(err).Msg("send notification")
			return
		}
		log.Debug().Msg("notification sent")
	}()
}

// Wait blocks until in-flight notifications finish.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
