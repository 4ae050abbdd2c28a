package cdss

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/panacare/api/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

const recordCols = `id, patient_id, chp_id, input, bmi, bmi_category, blood_pressure_status,
	blood_sugar_status, heart_rate_status, risk_factors, risk_level, recommendations,
	analysis, created_at`

func scanRecord(row pgx.Row) (*Record, error) {
	var r Record
	var input, factors, recs []byte
	err := row.Scan(&r.ID, &r.PatientID, &r.CHPID, &input, &r.BMI, &r.BMICategory,
		&r.BloodPressureStatus, &r.BloodSugarStatus, &r.HeartRateStatus, &factors,
		&r.RiskLevel, &recs, &r.Analysis, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(input, &r.Input); err != nil {
		return nil, fmt.Errorf("decode assessment input: %w", err)
	}
	if err := json.Unmarshal(factors, &r.RiskFactors); err != nil {
		return nil, fmt.Errorf("decode risk factors: %w", err)
	}
	if err := json.Unmarshal(recs, &r.Recommendations); err != nil {
		return nil, fmt.Errorf("decode recommendations: %w", err)
	}
	return &r, nil
}

func (r *repoPG) Create(ctx context.Context, rec *Record) error {
	rec.ID = uuid.New()
	input, err := json.Marshal(rec.Input)
	if err != nil {
		return err
	}
	factors, err := json.Marshal(rec.RiskFactors)
	if err != nil {
		return err
	}
	recs, err := json.Marshal(rec.Recommendations)
	if err != nil {
		return err
	}
	return db.Conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO clinical_decision (id, patient_id, chp_id, input, bmi, bmi_category,
			blood_pressure_status, blood_sugar_status, heart_rate_status, risk_factors,
			risk_level, recommendations, analysis)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING created_at`,
		rec.ID, rec.PatientID, rec.CHPID, input, rec.BMI, rec.BMICategory,
		rec.BloodPressureStatus, rec.BloodSugarStatus, rec.HeartRateStatus, factors,
		rec.RiskLevel, recs, rec.Analysis,
	).Scan(&rec.CreatedAt)
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Record, error) {
	rec, err := scanRecord(db.Conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+recordCols+` FROM clinical_decision WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Record, int, error) {
	conn := db.Conn(ctx, r.pool)
	var total int
	if err := conn.QueryRow(ctx,
		`SELECT COUNT(*) FROM clinical_decision WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := conn.Query(ctx, `SELECT `+recordCols+` FROM clinical_decision
		WHERE patient_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`,
		patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, rec)
	}
	return out, total, rows.Err()
}
