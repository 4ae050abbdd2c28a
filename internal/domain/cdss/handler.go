package cdss

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/panacare/api/internal/platform/auth"
	"github.com/panacare/api/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	assess := api.Group("", auth.RequireRole(auth.RolePatient, auth.RoleCHP))
	assess.POST("/clinical-decisions", h.Assess)

	read := api.Group("", auth.RequireRole(auth.RolePatient, auth.RoleDoctor, auth.RoleCHP))
	read.GET("/clinical-decisions/history", h.History)
	read.GET("/clinical-decisions/:id", h.Get)

	staff := api.Group("", auth.RequireRole(auth.RoleDoctor, auth.RoleCHP))
	staff.GET("/patients/:patient_id/clinical-decisions", h.PatientHistory)
}

type assessRequest struct {
	Input
	// PatientID names the assessed patient when a CHP or admin submits.
	PatientID *uuid.UUID `json:"patient_id"`
}

func httpError(err error) error {
	var missing *MissingRequiredField
	switch {
	case errors.As(err, &missing):
		return echo.NewHTTPError(http.StatusBadRequest, missing.Error())
	case errors.Is(err, ErrInvalidInput):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, auth.ErrNotPatient), errors.Is(err, auth.ErrProfileMissing):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, auth.ErrUnauthenticated):
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
}

// Assess scores a questionnaire. Validation happens in the scorer so a
// missing field is reported by name.
func (h *Handler) Assess(c echo.Context) error {
	var req assessRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	p, err := auth.PrincipalFromContext(ctx)
	if err != nil {
		return httpError(err)
	}

	var patientID uuid.UUID
	var chpID *uuid.UUID
	switch p.Role {
	case auth.RolePatient:
		if patientID, err = auth.PatientIDFromContext(ctx); err != nil {
			return httpError(err)
		}
	case auth.RoleCHP:
		id, err := auth.CHPIDFromContext(ctx)
		if err != nil {
			return echo.NewHTTPError(http.StatusForbidden, err.Error())
		}
		chpID = &id
		fallthrough
	default:
		if req.PatientID == nil {
			return echo.NewHTTPError(http.StatusBadRequest, "patient_id is required")
		}
		patientID = *req.PatientID
	}

	rec, err := h.svc.Assess(ctx, patientID, chpID, req.Input)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, rec)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	p, err := auth.PrincipalFromContext(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	rec, err := h.svc.GetRecord(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	if !p.CanAccessPatient(rec.PatientID) {
		return echo.NewHTTPError(http.StatusNotFound, ErrNotFound.Error())
	}
	return c.JSON(http.StatusOK, rec)
}

// History lists the calling patient's own assessments.
func (h *Handler) History(c echo.Context) error {
	patientID, err := auth.PatientIDFromContext(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return h.list(c, patientID)
}

func (h *Handler) PatientHistory(c echo.Context) error {
	patientID, err := uuid.Parse(c.Param("patient_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
	}
	return h.list(c, patientID)
}

func (h *Handler) list(c echo.Context, patientID uuid.UUID) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListHistory(c.Request().Context(), patientID, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*Record{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}
