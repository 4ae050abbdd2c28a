package cdss

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var ErrNotFound = errors.New("clinical decision record not found")

type Service struct {
	repo   Repository
	logger zerolog.Logger
}

func NewService(repo Repository, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		logger: logger.With().Str("component", "cdss").Logger(),
	}
}

// Assess scores the input and stores the result for the patient. chpID is set
// when a community health provider records the assessment on their behalf.
func (s *Service) Assess(ctx context.Context, patientID uuid.UUID, chpID *uuid.UUID, in Input) (*Record, error) {
	in.normalize()
	a, err := Score(in)
	if err != nil {
		return nil, err
	}
	rec := &Record{
		PatientID:  patientID,
		CHPID:      chpID,
		Input:      in,
		Assessment: a,
	}
	if err := s.repo.Create(ctx, rec); err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("record_id", rec.ID.String()).
		Str("patient_id", patientID.String()).
		Str("risk_level", a.RiskLevel).
		Int("risk_factors", len(a.RiskFactors)).
		Msg("clinical assessment recorded")
	return rec, nil
}

func (s *Service) GetRecord(ctx context.Context, id uuid.UUID) (*Record, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListHistory(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Record, int, error) {
	return s.repo.ListByPatient(ctx, patientID, limit, offset)
}
