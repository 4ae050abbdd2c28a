package auth

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

const (
	RolePatient = "patient"
	RoleDoctor  = "doctor"
	RoleCHP     = "chp"
	RoleAdmin   = "admin"
)

var validRoles = map[string]bool{
	RolePatient: true, RoleDoctor: true, RoleCHP: true, RoleAdmin: true,
}

var (
	ErrUnauthenticated = errors.New("no authenticated principal")
	// ErrNotPatient means the caller holds a role other than patient.
	ErrNotPatient = errors.New("caller is not a patient")
	// ErrProfileMissing means a patient token carries no patient profile id.
	ErrProfileMissing = errors.New("patient profile missing")
	ErrNotCHP         = errors.New("caller is not a community health provider")
)

// Principal is the authenticated caller.
type Principal struct {
	UserID    string
	Role      string
	PatientID *uuid.UUID
	CHPID     *uuid.UUID
}

func PrincipalFromContext(ctx context.Context) (Principal, error) {
	p, ok := ctx.Value(principalKey).(Principal)
	if !ok {
		return Principal{}, ErrUnauthenticated
	}
	return p, nil
}

// PatientIDFromContext returns the caller's patient profile id.
func PatientIDFromContext(ctx context.Context) (uuid.UUID, error) {
	p, err := PrincipalFromContext(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	if p.Role != RolePatient {
		return uuid.Nil, ErrNotPatient
	}
	if p.PatientID == nil {
		return uuid.Nil, ErrProfileMissing
	}
	return *p.PatientID, nil
}

// CHPIDFromContext returns the caller's community health provider id.
func CHPIDFromContext(ctx context.Context) (uuid.UUID, error) {
	p, err := PrincipalFromContext(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	if p.Role != RoleCHP {
		return uuid.Nil, ErrNotCHP
	}
	if p.CHPID == nil {
		return uuid.Nil, ErrProfileMissing
	}
	return *p.CHPID, nil
}

// IsStaff reports whether the caller may act on any patient's records.
func (p Principal) IsStaff() bool {
	return p.Role == RoleAdmin || p.Role == RoleDoctor
}

// CanAccessPatient reports whether p may read or act on patientID's data.
// Community health providers act on behalf of the patients they visit.
func (p Principal) CanAccessPatient(patientID uuid.UUID) bool {
	switch p.Role {
	case RoleAdmin, RoleDoctor, RoleCHP:
		return true
	case RolePatient:
		return p.PatientID != nil && *p.PatientID == patientID
	}
	return false
}
