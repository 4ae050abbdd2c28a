package subscription

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/panacare/api/internal/gateway"
	"github.com/panacare/api/internal/platform/notification"
)

func TestSweepExpirations(t *testing.T) {
	f := newFixture()
	pkg := f.addPackage("Basic", "1500", 30)
	ended := f.addSubscription(uuid.New(), pkg.ID, StatusActive, day(2025, 2, 7), day(2025, 3, 9))
	endsToday := f.addSubscription(uuid.New(), pkg.ID, StatusActive, day(2025, 2, 8), day(2025, 3, 10))
	pending := f.addSubscription(uuid.New(), pkg.ID, StatusPending, day(2025, 1, 1), day(2025, 1, 31))

	n, err := f.svc.SweepExpirations(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 expired, got %d", n)
	}
	if f.sub(ended.ID).Status != StatusExpired {
		t.Error("expected ended subscription expired")
	}
	if f.sub(endsToday.ID).Status != StatusActive {
		t.Error("expected subscription ending today to stay active")
	}
	if f.sub(pending.ID).Status != StatusPending {
		t.Error("expected pending subscription untouched")
	}
	if got := f.notifier.templates(); len(got) != 1 || got[0] != notification.TemplateSubscriptionExpired {
		t.Errorf("expected one expiry notice, got %v", got)
	}
}

func TestSendRenewalReminders(t *testing.T) {
	f := newFixture()
	pkg := f.addPackage("Basic", "1500", 30)
	f.addSubscription(uuid.New(), pkg.ID, StatusActive, day(2025, 2, 13), day(2025, 3, 15))
	f.addSubscription(uuid.New(), pkg.ID, StatusActive, day(2025, 3, 1), day(2025, 3, 31))

	n, err := f.svc.SendRenewalReminders(context.Background(), 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 reminder, got %d", n)
	}
	if len(f.notifier.sent) != 1 || f.notifier.sent[0].data["days_remaining"] != "5" {
		t.Errorf("expected reminder with 5 days remaining, got %+v", f.notifier.sent)
	}
}

func TestSyncPayments(t *testing.T) {
	f := newFixture()
	pkg := f.addPackage("Basic", "1500", 30)
	_, paid := f.subscribe(t, uuid.New(), pkg)
	_, waiting := f.subscribe(t, uuid.New(), pkg)
	_, broken := f.subscribe(t, uuid.New(), pkg)
	f.gw.setStatus(paid, gateway.StatusCompleted)
	f.gw.statuses[broken.TrackingID()] = &gateway.TransactionStatus{
		TrackingID: broken.TrackingID(), Reference: "SUB_MISMATCH", Status: gateway.StatusCompleted,
	}

	res, err := f.svc.SyncPayments(context.Background(), 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Checked != 3 || res.Updated != 1 || res.Failed != 1 {
		t.Errorf("expected 3 checked, 1 updated, 1 failed, got %+v", res)
	}
	if f.payment(paid.ID).Status != PaymentCompleted {
		t.Error("expected paid payment completed")
	}
	if f.payment(waiting.ID).Status != PaymentProcessing {
		t.Error("expected waiting payment still processing")
	}
}
