package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/panacare/api/internal/platform/db"
	"github.com/panacare/api/internal/platform/notification"
)

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// -- Package --

type packageRepoPG struct {
	pool *pgxpool.Pool
}

func NewPackageRepoPG(pool *pgxpool.Pool) PackageRepository {
	return &packageRepoPG{pool: pool}
}

const pkgCols = `id, name, description, price, currency, duration_days,
	consultation_limit, features, is_active, created_at, updated_at`

func scanPackage(row pgx.Row) (*Package, error) {
	var p Package
	var features []byte
	err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Price, &p.Currency, &p.DurationDays,
		&p.ConsultationLimit, &features, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(features) > 0 {
		if err := json.Unmarshal(features, &p.Features); err != nil {
			return nil, fmt.Errorf("decode package features: %w", err)
		}
	}
	return &p, nil
}

func (r *packageRepoPG) Create(ctx context.Context, p *Package) error {
	p.ID = uuid.New()
	features, err := json.Marshal(p.Features)
	if err != nil {
		return err
	}
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO package (id, name, description, price, currency, duration_days,
			consultation_limit, features, is_active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING created_at, updated_at`,
		p.ID, p.Name, p.Description, p.Price, p.Currency, p.DurationDays,
		p.ConsultationLimit, features, p.IsActive,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
}

func (r *packageRepoPG) Update(ctx context.Context, p *Package) error {
	features, err := json.Marshal(p.Features)
	if err != nil {
		return err
	}
	tag, err := db.Conn(ctx, r.pool).Exec(ctx, `
		UPDATE package SET name=$2, description=$3, price=$4, currency=$5, duration_days=$6,
			consultation_limit=$7, features=$8, is_active=$9, updated_at=NOW()
		WHERE id = $1`,
		p.ID, p.Name, p.Description, p.Price, p.Currency, p.DurationDays,
		p.ConsultationLimit, features, p.IsActive,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *packageRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Package, error) {
	p, err := scanPackage(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+pkgCols+` FROM package WHERE id = $1`, id))
	return p, notFound(err)
}

func (r *packageRepoPG) List(ctx context.Context, activeOnly bool) ([]*Package, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT `+pkgCols+` FROM package
		WHERE ($1 = false OR is_active)
		ORDER BY price, name`, activeOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Package
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

// -- Subscription --

type subscriptionRepoPG struct {
	pool *pgxpool.Pool
}

func NewSubscriptionRepoPG(pool *pgxpool.Pool) SubscriptionRepository {
	return &subscriptionRepoPG{pool: pool}
}

const subCols = `id, patient_id, package_id, status, start_date, end_date,
	consultations_used, cancel_reason, created_at, updated_at`

func scanSubscription(row pgx.Row) (*Subscription, error) {
	var s Subscription
	err := row.Scan(&s.ID, &s.PatientID, &s.PackageID, &s.Status, &s.StartDate, &s.EndDate,
		&s.ConsultationsUsed, &s.CancelReason, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.StartDate = dateOf(s.StartDate)
	s.EndDate = dateOf(s.EndDate)
	return &s, nil
}

func collectSubscriptions(rows pgx.Rows) ([]*Subscription, error) {
	defer rows.Close()
	var items []*Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

func (r *subscriptionRepoPG) Create(ctx context.Context, s *Subscription) error {
	s.ID = uuid.New()
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO subscription (id, patient_id, package_id, status, start_date, end_date,
			consultations_used, cancel_reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at, updated_at`,
		s.ID, s.PatientID, s.PackageID, s.Status, s.StartDate, s.EndDate,
		s.ConsultationsUsed, s.CancelReason,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
}

func (r *subscriptionRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	s, err := scanSubscription(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+subCols+` FROM subscription WHERE id = $1`, id))
	return s, notFound(err)
}

func (r *subscriptionRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	s, err := scanSubscription(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+subCols+` FROM subscription WHERE id = $1 FOR UPDATE`, id))
	return s, notFound(err)
}

func (r *subscriptionRepoPG) Update(ctx context.Context, s *Subscription) error {
	return notFound(db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE subscription SET package_id=$2, status=$3, start_date=$4, end_date=$5,
			consultations_used=$6, cancel_reason=$7, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		s.ID, s.PackageID, s.Status, s.StartDate, s.EndDate, s.ConsultationsUsed, s.CancelReason,
	).Scan(&s.UpdatedAt))
}

func (r *subscriptionRepoPG) LockPatient(ctx context.Context, patientID uuid.UUID) error {
	if db.TxFromContext(ctx) == nil {
		return errors.New("LockPatient requires a transaction")
	}
	_, err := db.Conn(ctx, r.pool).Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtext($1))`, patientID.String())
	return err
}

func (r *subscriptionRepoPG) GetActiveByPatient(ctx context.Context, patientID uuid.UUID) (*Subscription, error) {
	s, err := scanSubscription(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+subCols+` FROM subscription WHERE patient_id = $1 AND status = 'active'`, patientID))
	return s, notFound(err)
}

func (r *subscriptionRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Subscription, int, error) {
	var total int
	if err := db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT COUNT(*) FROM subscription WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT `+subCols+` FROM subscription WHERE patient_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	items, err := collectSubscriptions(rows)
	return items, total, err
}

func (r *subscriptionRepoPG) ListByPatientAndStatus(ctx context.Context, patientID uuid.UUID, status string) ([]*Subscription, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT `+subCols+` FROM subscription WHERE patient_id = $1 AND status = $2
		ORDER BY created_at`, patientID, status)
	if err != nil {
		return nil, err
	}
	return collectSubscriptions(rows)
}

func (r *subscriptionRepoPG) ExpireEnded(ctx context.Context, today time.Time) ([]*Subscription, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		UPDATE subscription SET status = 'expired', updated_at = NOW()
		WHERE status = 'active' AND end_date < $1
		RETURNING `+subCols, today)
	if err != nil {
		return nil, err
	}
	return collectSubscriptions(rows)
}

func (r *subscriptionRepoPG) ListEndingBetween(ctx context.Context, from, to time.Time) ([]*Subscription, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT `+subCols+` FROM subscription
		WHERE status = 'active' AND end_date >= $1 AND end_date <= $2
		ORDER BY end_date`, from, to)
	if err != nil {
		return nil, err
	}
	return collectSubscriptions(rows)
}

// -- Payment --

type paymentRepoPG struct {
	pool *pgxpool.Pool
}

func NewPaymentRepoPG(pool *pgxpool.Pool) PaymentRepository {
	return &paymentRepoPG{pool: pool}
}

const payCols = `id, subscription_id, reference, kind, target_package_id, status, amount,
	currency, payment_method, gateway_transaction_id, gateway_response, redirect_url,
	error_message, created_at, updated_at`

func scanPayment(row pgx.Row) (*Payment, error) {
	var p Payment
	var raw []byte
	err := row.Scan(&p.ID, &p.SubscriptionID, &p.Reference, &p.Kind, &p.TargetPackageID, &p.Status,
		&p.Amount, &p.Currency, &p.PaymentMethod, &p.GatewayTransactionID, &raw, &p.RedirectURL,
		&p.ErrorMessage, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(raw) > 0 {
		p.GatewayResponse = json.RawMessage(raw)
	}
	return &p, nil
}

func collectPayments(rows pgx.Rows) ([]*Payment, error) {
	defer rows.Close()
	var items []*Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

// rawOrNull keeps an absent gateway response as SQL NULL.
func rawOrNull(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func (r *paymentRepoPG) Create(ctx context.Context, p *Payment) error {
	p.ID = uuid.New()
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO payment (id, subscription_id, reference, kind, target_package_id, status,
			amount, currency, payment_method, gateway_transaction_id, gateway_response,
			redirect_url, error_message)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING created_at, updated_at`,
		p.ID, p.SubscriptionID, p.Reference, p.Kind, p.TargetPackageID, p.Status,
		p.Amount, p.Currency, p.PaymentMethod, p.GatewayTransactionID, rawOrNull(p.GatewayResponse),
		p.RedirectURL, p.ErrorMessage,
	).Scan(&p.CreatedAt, &p.UpdatedAt)
}

func (r *paymentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Payment, error) {
	p, err := scanPayment(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+payCols+` FROM payment WHERE id = $1`, id))
	return p, notFound(err)
}

func (r *paymentRepoPG) GetByReference(ctx context.Context, reference string) (*Payment, error) {
	p, err := scanPayment(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+payCols+` FROM payment WHERE reference = $1`, reference))
	return p, notFound(err)
}

func (r *paymentRepoPG) GetByTrackingID(ctx context.Context, trackingID string) (*Payment, error) {
	p, err := scanPayment(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+payCols+` FROM payment WHERE gateway_transaction_id = $1`, trackingID))
	return p, notFound(err)
}

func (r *paymentRepoPG) Update(ctx context.Context, p *Payment) error {
	return notFound(db.Conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE payment SET status=$2, gateway_transaction_id=$3, gateway_response=$4,
			redirect_url=$5, error_message=$6, updated_at=NOW()
		WHERE id = $1
		RETURNING updated_at`,
		p.ID, p.Status, p.GatewayTransactionID, rawOrNull(p.GatewayResponse),
		p.RedirectURL, p.ErrorMessage,
	).Scan(&p.UpdatedAt))
}

func (r *paymentRepoPG) ListBySubscription(ctx context.Context, subscriptionID uuid.UUID) ([]*Payment, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT `+payCols+` FROM payment WHERE subscription_id = $1
		ORDER BY created_at DESC`, subscriptionID)
	if err != nil {
		return nil, err
	}
	return collectPayments(rows)
}

func (r *paymentRepoPG) ListOpenBySubscription(ctx context.Context, subscriptionID uuid.UUID) ([]*Payment, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT `+payCols+` FROM payment
		WHERE subscription_id = $1 AND status IN ('pending', 'processing', 'failed')
		ORDER BY created_at`, subscriptionID)
	if err != nil {
		return nil, err
	}
	return collectPayments(rows)
}

func (r *paymentRepoPG) ListAwaitingGateway(ctx context.Context, limit int) ([]*Payment, error) {
	rows, err := db.Conn(ctx, r.pool).Query(ctx, `
		SELECT `+payCols+` FROM payment
		WHERE status IN ('pending', 'processing') AND gateway_transaction_id IS NOT NULL
		ORDER BY updated_at
		LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	return collectPayments(rows)
}

// -- Patient directory --

type patientDirectoryPG struct {
	pool *pgxpool.Pool
}

func NewPatientDirectoryPG(pool *pgxpool.Pool) PatientDirectory {
	return &patientDirectoryPG{pool: pool}
}

func (d *patientDirectoryPG) Contact(ctx context.Context, patientID uuid.UUID) (notification.Recipient, error) {
	to := notification.Recipient{PatientID: patientID}
	var phone *string
	err := db.Conn(ctx, d.pool).QueryRow(ctx,
		`SELECT email, full_name, phone FROM patient WHERE id = $1`, patientID,
	).Scan(&to.Email, &to.Name, &phone)
	if err != nil {
		return to, notFound(err)
	}
	if phone != nil {
		to.Phone = *phone
	}
	return to, nil
}
