package integration

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/panacare/api/internal/domain/cdss"
)

func TestClinicalDecisionRepo(t *testing.T) {
	pool := newSchema(t)
	ctx := context.Background()
	repo := cdss.NewRepoPG(pool)
	patient := createPatient(t, pool, "Faith Achieng")

	age, weight, height := 52, 91.0, 1.68
	gender := "female"
	in := cdss.Input{Age: &age, Gender: &gender, Weight: &weight, Height: &height, Smokes: true}
	a, err := cdss.Score(in)
	if err != nil {
		t.Fatalf("Score: %v", err)
	}

	var ids []uuid.UUID
	for i := 0; i < 2; i++ {
		rec := &cdss.Record{PatientID: patient, Input: in, Assessment: a}
		if err := repo.Create(ctx, rec); err != nil {
			t.Fatalf("Create: %v", err)
		}
		ids = append(ids, rec.ID)
	}

	t.Run("GetByID", func(t *testing.T) {
		got, err := repo.GetByID(ctx, ids[0])
		if err != nil {
			t.Fatalf("GetByID: %v", err)
		}
		if got.RiskLevel != a.RiskLevel {
			t.Errorf("expected risk level %s, got %s", a.RiskLevel, got.RiskLevel)
		}
		if got.Age == nil || *got.Age != 52 {
			t.Errorf("expected stored input age 52, got %v", got.Age)
		}
		if len(got.Recommendations) != len(a.Recommendations) {
			t.Errorf("expected %d recommendations, got %d", len(a.Recommendations), len(got.Recommendations))
		}
		if got.CHPID != nil {
			t.Errorf("expected no chp, got %v", got.CHPID)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		if _, err := repo.GetByID(ctx, uuid.New()); !errors.Is(err, cdss.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ListByPatient", func(t *testing.T) {
		items, total, err := repo.ListByPatient(ctx, patient, 10, 0)
		if err != nil {
			t.Fatalf("ListByPatient: %v", err)
		}
		if total != 2 || len(items) != 2 {
			t.Fatalf("expected 2 records, got total=%d len=%d", total, len(items))
		}
		if items[0].CreatedAt.Before(items[1].CreatedAt) {
			t.Error("expected newest record first")
		}
	})
}
