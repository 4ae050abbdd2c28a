package subscription

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/panacare/api/internal/gateway"
	"github.com/panacare/api/internal/platform/notification"
)

// -- Package repo --

type mockPackageRepo struct {
	store map[uuid.UUID]*Package
}

func newMockPackageRepo() *mockPackageRepo {
	return &mockPackageRepo{store: make(map[uuid.UUID]*Package)}
}

func (m *mockPackageRepo) Create(_ context.Context, p *Package) error {
	p.ID = uuid.New()
	p.CreatedAt = time.Now()
	c := *p
	m.store[p.ID] = &c
	return nil
}

func (m *mockPackageRepo) Update(_ context.Context, p *Package) error {
	if _, ok := m.store[p.ID]; !ok {
		return ErrNotFound
	}
	c := *p
	m.store[p.ID] = &c
	return nil
}

func (m *mockPackageRepo) GetByID(_ context.Context, id uuid.UUID) (*Package, error) {
	p, ok := m.store[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *p
	return &c, nil
}

func (m *mockPackageRepo) List(_ context.Context, activeOnly bool) ([]*Package, error) {
	var out []*Package
	for _, p := range m.store {
		if activeOnly && !p.IsActive {
			continue
		}
		c := *p
		out = append(out, &c)
	}
	return out, nil
}

// -- Subscription repo --

type mockSubRepo struct {
	store  map[uuid.UUID]*Subscription
	locked []uuid.UUID
}

func newMockSubRepo() *mockSubRepo {
	return &mockSubRepo{store: make(map[uuid.UUID]*Subscription)}
}

func (m *mockSubRepo) Create(_ context.Context, s *Subscription) error {
	s.ID = uuid.New()
	s.CreatedAt = time.Now()
	c := *s
	m.store[s.ID] = &c
	return nil
}

func (m *mockSubRepo) GetByID(_ context.Context, id uuid.UUID) (*Subscription, error) {
	s, ok := m.store[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *s
	return &c, nil
}

func (m *mockSubRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	m.locked = append(m.locked, id)
	return m.GetByID(ctx, id)
}

func (m *mockSubRepo) Update(_ context.Context, s *Subscription) error {
	if _, ok := m.store[s.ID]; !ok {
		return ErrNotFound
	}
	c := *s
	m.store[s.ID] = &c
	return nil
}

func (m *mockSubRepo) LockPatient(context.Context, uuid.UUID) error { return nil }

func (m *mockSubRepo) GetActiveByPatient(_ context.Context, patientID uuid.UUID) (*Subscription, error) {
	for _, s := range m.store {
		if s.PatientID == patientID && s.Status == StatusActive {
			c := *s
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockSubRepo) ListByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*Subscription, int, error) {
	var out []*Subscription
	for _, s := range m.store {
		if s.PatientID == patientID {
			c := *s
			out = append(out, &c)
		}
	}
	total := len(out)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return out[offset:end], total, nil
}

func (m *mockSubRepo) ListByPatientAndStatus(_ context.Context, patientID uuid.UUID, status string) ([]*Subscription, error) {
	var out []*Subscription
	for _, s := range m.store {
		if s.PatientID == patientID && s.Status == status {
			c := *s
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *mockSubRepo) ExpireEnded(_ context.Context, today time.Time) ([]*Subscription, error) {
	var out []*Subscription
	for _, s := range m.store {
		if s.Status == StatusActive && s.EndDate.Before(today) {
			s.Status = StatusExpired
			c := *s
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *mockSubRepo) ListEndingBetween(_ context.Context, from, to time.Time) ([]*Subscription, error) {
	var out []*Subscription
	for _, s := range m.store {
		if s.Status == StatusActive && !s.EndDate.Before(from) && !s.EndDate.After(to) {
			c := *s
			out = append(out, &c)
		}
	}
	return out, nil
}

// -- Payment repo --

type mockPaymentRepo struct {
	store map[uuid.UUID]*Payment
	seq   int
}

func newMockPaymentRepo() *mockPaymentRepo {
	return &mockPaymentRepo{store: make(map[uuid.UUID]*Payment)}
}

func (m *mockPaymentRepo) Create(_ context.Context, p *Payment) error {
	p.ID = uuid.New()
	m.seq++
	p.CreatedAt = time.Unix(int64(m.seq), 0)
	c := *p
	m.store[p.ID] = &c
	return nil
}

func (m *mockPaymentRepo) GetByID(_ context.Context, id uuid.UUID) (*Payment, error) {
	p, ok := m.store[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *p
	return &c, nil
}

func (m *mockPaymentRepo) GetByReference(_ context.Context, ref string) (*Payment, error) {
	for _, p := range m.store {
		if p.Reference == ref {
			c := *p
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockPaymentRepo) GetByTrackingID(_ context.Context, trackingID string) (*Payment, error) {
	for _, p := range m.store {
		if p.TrackingID() == trackingID {
			c := *p
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockPaymentRepo) Update(_ context.Context, p *Payment) error {
	if _, ok := m.store[p.ID]; !ok {
		return ErrNotFound
	}
	c := *p
	m.store[p.ID] = &c
	return nil
}

func (m *mockPaymentRepo) sorted(keep func(*Payment) bool) []*Payment {
	var out []*Payment
	for _, p := range m.store {
		if keep(p) {
			c := *p
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *mockPaymentRepo) ListBySubscription(_ context.Context, subID uuid.UUID) ([]*Payment, error) {
	return m.sorted(func(p *Payment) bool { return p.SubscriptionID == subID }), nil
}

func (m *mockPaymentRepo) ListOpenBySubscription(_ context.Context, subID uuid.UUID) ([]*Payment, error) {
	return m.sorted(func(p *Payment) bool {
		return p.SubscriptionID == subID &&
			(p.Status == PaymentPending || p.Status == PaymentProcessing || p.Status == PaymentFailed)
	}), nil
}

func (m *mockPaymentRepo) ListAwaitingGateway(_ context.Context, limit int) ([]*Payment, error) {
	out := m.sorted(func(p *Payment) bool {
		return (p.Status == PaymentPending || p.Status == PaymentProcessing) && p.TrackingID() != ""
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockPaymentRepo) bySubscription(subID uuid.UUID) []*Payment {
	items, _ := m.ListBySubscription(context.Background(), subID)
	return items
}

// -- Collaborators --

type mockTransactor struct {
	calls int
}

func (m *mockTransactor) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	m.calls++
	return fn(ctx)
}

type mockGateway struct {
	mu        sync.Mutex
	submitErr error
	submitted []gateway.OrderRequest
	statuses  map[string]*gateway.TransactionStatus
	queryErr  error
	queries   int
}

func newMockGateway() *mockGateway {
	return &mockGateway{statuses: make(map[string]*gateway.TransactionStatus)}
}

func (m *mockGateway) SubmitOrder(_ context.Context, req gateway.OrderRequest) (*gateway.OrderResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitted = append(m.submitted, req)
	if m.submitErr != nil {
		return nil, m.submitErr
	}
	return &gateway.OrderResponse{
		TrackingID:  "trk-" + req.Reference,
		RedirectURL: "https://pay.example/" + req.Reference,
		Raw:         []byte(`{"status":"200"}`),
	}, nil
}

func (m *mockGateway) QueryStatus(_ context.Context, trackingID string) (*gateway.TransactionStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries++
	if m.queryErr != nil {
		return nil, m.queryErr
	}
	st, ok := m.statuses[trackingID]
	if !ok {
		return &gateway.TransactionStatus{TrackingID: trackingID, Status: gateway.StatusPending}, nil
	}
	return st, nil
}

func (m *mockGateway) RegisterIPN(context.Context, string, string) (*gateway.IPN, error) {
	return &gateway.IPN{ID: "ipn-1"}, nil
}

func (m *mockGateway) ListIPNs(context.Context) ([]gateway.IPN, error) { return nil, nil }

// setStatus makes the gateway report status for the payment's tracking id.
func (m *mockGateway) setStatus(p *Payment, status gateway.Status) {
	m.statuses[p.TrackingID()] = &gateway.TransactionStatus{
		TrackingID: p.TrackingID(),
		Reference:  p.Reference,
		Status:     status,
		Amount:     p.Amount,
		Raw:        []byte(`{"payment_status_description":"` + string(status) + `"}`),
	}
}

type sentNotice struct {
	to       notification.Recipient
	template string
	data     map[string]string
}

type mockNotifier struct {
	sent []sentNotice
}

func (m *mockNotifier) Notify(_ context.Context, to notification.Recipient, templateID string, data map[string]string) {
	m.sent = append(m.sent, sentNotice{to: to, template: templateID, data: data})
}

func (m *mockNotifier) templates() []string {
	var out []string
	for _, s := range m.sent {
		out = append(out, s.template)
	}
	return out
}

type mockDirectory struct{}

func (mockDirectory) Contact(_ context.Context, id uuid.UUID) (notification.Recipient, error) {
	return notification.Recipient{PatientID: id, Email: "patient@example.com", Name: "Amina Otieno", Phone: "+254700000000"}, nil
}

// -- Fixture --

var fixedNow = time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)

type fixture struct {
	svc      *Service
	packages *mockPackageRepo
	subs     *mockSubRepo
	payments *mockPaymentRepo
	gw       *mockGateway
	notifier *mockNotifier
	tx       *mockTransactor
}

func newFixture() *fixture {
	f := &fixture{
		packages: newMockPackageRepo(),
		subs:     newMockSubRepo(),
		payments: newMockPaymentRepo(),
		gw:       newMockGateway(),
		notifier: &mockNotifier{},
		tx:       &mockTransactor{},
	}
	f.svc = NewService(f.packages, f.subs, f.payments, f.tx, f.gw, Config{
		Currency:       "KES",
		CallbackURL:    "https://api.example.com/api/v1/pesapal/callback",
		NotificationID: "ipn-1",
	}, zerolog.Nop())
	f.svc.SetNotifier(f.notifier)
	f.svc.SetDirectory(mockDirectory{})
	f.svc.now = func() time.Time { return fixedNow }
	return f
}

func (f *fixture) addPackage(name string, price string, days int) *Package {
	p := &Package{
		Name:              name,
		Price:             decimal.RequireFromString(price),
		Currency:          "KES",
		DurationDays:      days,
		ConsultationLimit: 4,
		IsActive:          true,
	}
	_ = f.packages.Create(context.Background(), p)
	return p
}

// addSubscription stores a subscription directly, bypassing the lifecycle.
func (f *fixture) addSubscription(patientID, packageID uuid.UUID, status string, start, end time.Time) *Subscription {
	s := &Subscription{PatientID: patientID, PackageID: packageID, Status: status, StartDate: start, EndDate: end}
	_ = f.subs.Create(context.Background(), s)
	return s
}

func (f *fixture) sub(id uuid.UUID) *Subscription {
	s, _ := f.subs.GetByID(context.Background(), id)
	return s
}

func (f *fixture) payment(id uuid.UUID) *Payment {
	p, _ := f.payments.GetByID(context.Background(), id)
	return p
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
