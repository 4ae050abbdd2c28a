// Package notification delivers patient-facing emails for billing events.
package notification

import (
	"fmt"
	"strings"
	"sync"
)

// Template IDs used by the billing lifecycle.
const (
	TemplateSubscriptionActivated = "subscription-activated"
	TemplatePaymentFailed         = "payment-failed"
	TemplateSubscriptionExpired   = "subscription-expired"
	TemplateRenewalReminder       = "renewal-reminder"
	TemplateSubscriptionRenewed   = "subscription-renewed"
	TemplateSubscriptionCancelled = "subscription-cancelled"
	TemplatePlanChanged           = "plan-changed"
)

type Template struct {
	ID      string
	Subject string
	Body    string
}

// TemplateEngine renders {{key}} placeholders. Unknown keys are left as-is.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]Template
}

func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{templates: make(map[string]Template)}
	for _, t := range builtIn {
		e.templates[t.ID] = t
	}
	return e
}

var builtIn = []Template{
	{
		ID:      TemplateSubscriptionActivated,
		Subject: "Your {{package_name}} plan is active",
		Body:    "Dear {{patient_name}}, your payment of {{amount}} {{currency}} was received and your {{package_name}} plan is active until {{end_date}}.",
	},
	{
		ID:      TemplatePaymentFailed,
		Subject: "Payment unsuccessful",
		Body:    "Dear {{patient_name}}, we could not complete your payment {{reference}}. You can retry the payment from your account.",
	},
	{
		ID:      TemplateSubscriptionExpired,
		Subject: "Your {{package_name}} plan has expired",
		Body:    "Dear {{patient_name}}, your {{package_name}} plan ended on {{end_date}}. Renew to keep access to consultations.",
	},
	{
		ID:      TemplateRenewalReminder,
		Subject: "Your {{package_name}} plan ends in {{days_remaining}} days",
		Body:    "Dear {{patient_name}}, your {{package_name}} plan ends on {{end_date}}. Renew now to avoid interruption.",
	},
	{
		ID:      TemplateSubscriptionRenewed,
		Subject: "Your {{package_name}} plan was renewed",
		Body:    "Dear {{patient_name}}, your {{package_name}} plan now runs until {{end_date}}.",
	},
	{
		ID:      TemplateSubscriptionCancelled,
		Subject: "Your {{package_name}} plan was cancelled",
		Body:    "Dear {{patient_name}}, your {{package_name}} plan has been cancelled.",
	},
	{
		ID:      TemplatePlanChanged,
		Subject: "Your plan changed to {{package_name}}",
		Body:    "Dear {{patient_name}}, your subscription now uses the {{package_name}} plan until {{end_date}}.",
	},
}

// Register adds or replaces a template.
func (e *TemplateEngine) Register(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = t
}

func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject, body = t.Subject, t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}
