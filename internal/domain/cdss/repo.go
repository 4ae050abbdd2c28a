package cdss

import (
	"context"

	"github.com/google/uuid"
)

// Repository stores assessments. There is no update or delete.
type Repository interface {
	Create(ctx context.Context, r *Record) error
	GetByID(ctx context.Context, id uuid.UUID) (*Record, error)
	// ListByPatient returns records newest first together with the total count.
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Record, int, error)
}
