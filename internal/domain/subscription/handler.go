package subscription

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/shopspring/decimal"

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
	// Catalog – any authenticated role
	anyRole := api.Group("", auth.RequireRole(auth.RolePatient, auth.RoleDoctor, auth.RoleCHP))
	anyRole.GET("/packages", h.ListPackages)
	anyRole.GET("/packages/:id", h.GetPackage)

	// Subscription reads – owner or staff
	anyRole.GET("/subscriptions", h.ListSubscriptions)
	anyRole.GET("/subscriptions/:id", h.GetSubscription)
	anyRole.GET("/subscriptions/:id/usage", h.GetUsage)
	anyRole.GET("/subscriptions/:id/payments", h.ListPayments)
	anyRole.GET("/payments/:id", h.GetPayment)

	// Lifecycle actions – the patient (admin passes every role check)
	patient := api.Group("", auth.RequireRole(auth.RolePatient))
	patient.POST("/subscriptions", h.Subscribe)
	patient.POST("/subscriptions/:id/upgrade", h.Upgrade)
	patient.POST("/subscriptions/:id/downgrade", h.Downgrade)
	patient.POST("/subscriptions/:id/renew", h.Renew)
	patient.POST("/subscriptions/:id/cancel", h.Cancel)
	patient.POST("/payments/:id/process", h.ProcessPayment)

	clinical := api.Group("", auth.RequireRole(auth.RoleDoctor))
	clinical.POST("/subscriptions/:id/consultations", h.RecordConsultation)

	admin := api.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.POST("/packages", h.CreatePackage)
	admin.PUT("/packages/:id", h.UpdatePackage)
	admin.POST("/admin/subscriptions/sweep", h.SweepExpirations)
	admin.POST("/admin/subscriptions/reminders", h.SendRenewalReminders)
	admin.POST("/admin/payments/sync", h.SyncPayments)
}

// -- Requests --

type packageRequest struct {
	Name              string          `json:"name" validate:"required,max=255"`
	Description       string          `json:"description"`
	Price             decimal.Decimal `json:"price"`
	Currency          string          `json:"currency" validate:"omitempty,len=3"`
	DurationDays      int             `json:"duration_days" validate:"required,gt=0"`
	ConsultationLimit int             `json:"consultation_limit" validate:"gte=0"`
	Features          []string        `json:"features"`
	IsActive          *bool           `json:"is_active"`
}

func (r *packageRequest) apply(p *Package) {
	p.Name = r.Name
	p.Description = r.Description
	p.Price = r.Price
	p.Currency = r.Currency
	p.DurationDays = r.DurationDays
	p.ConsultationLimit = r.ConsultationLimit
	p.Features = r.Features
	p.IsActive = r.IsActive == nil || *r.IsActive
}

type subscribeRequest struct {
	PackageID uuid.UUID `json:"package_id" validate:"required"`
	// PatientID is only honoured for admin callers.
	PatientID *uuid.UUID `json:"patient_id"`
}

type changePlanRequest struct {
	PackageID uuid.UUID `json:"package_id" validate:"required"`
}

type cancelRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

func bindAndValidate(c echo.Context, req interface{}) error {
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.Validate(req)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// httpError maps service errors onto HTTP statuses.
func httpError(err error) error {
	var ge *GatewayError
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.As(err, &ge):
		if ge.Retryable {
			return echo.NewHTTPError(http.StatusServiceUnavailable, ge.Error())
		}
		return echo.NewHTTPError(http.StatusBadGateway, ge.Error())
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrDuplicateActiveSubscription):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidPackageChange), errors.Is(err, ErrPackageInactive),
		errors.Is(err, ErrValidation), errors.Is(err, ErrReferenceMismatch):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrNotPatient):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, auth.ErrProfileMissing):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, auth.ErrUnauthenticated):
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error").SetInternal(err)
}

// gatewayResponse reports a gateway failure together with the records that
// were created before it, so the client can retry the payment.
func gatewayResponse(c echo.Context, err error, body map[string]interface{}) error {
	var ge *GatewayError
	if !errors.As(err, &ge) {
		return httpError(err)
	}
	status := http.StatusBadGateway
	if ge.Retryable {
		status = http.StatusServiceUnavailable
	}
	body["message"] = ge.Error()
	body["retryable"] = ge.Retryable
	return c.JSON(status, body)
}

// loadOwned fetches a subscription the caller may see.
func (h *Handler) loadOwned(c echo.Context) (*Subscription, error) {
	id, err := parseID(c)
	if err != nil {
		return nil, err
	}
	p, err := auth.PrincipalFromContext(c.Request().Context())
	if err != nil {
		return nil, httpError(err)
	}
	sub, err := h.svc.GetSubscription(c.Request().Context(), id)
	if err != nil {
		return nil, httpError(err)
	}
	if !p.CanAccessPatient(sub.PatientID) {
		return nil, echo.NewHTTPError(http.StatusNotFound, ErrNotFound.Error())
	}
	return sub, nil
}

// -- Packages --

func (h *Handler) ListPackages(c echo.Context) error {
	activeOnly := true
	if p, err := auth.PrincipalFromContext(c.Request().Context()); err == nil && p.Role == auth.RoleAdmin {
		activeOnly = c.QueryParam("include_inactive") != "true"
	}
	items, err := h.svc.ListPackages(c.Request().Context(), activeOnly)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*Package{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) GetPackage(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	pkg, err := h.svc.GetPackage(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pkg)
}

func (h *Handler) CreatePackage(c echo.Context) error {
	var req packageRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	var pkg Package
	req.apply(&pkg)
	if err := h.svc.CreatePackage(c.Request().Context(), &pkg); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, pkg)
}

func (h *Handler) UpdatePackage(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req packageRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	pkg, err := h.svc.GetPackage(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	req.apply(pkg)
	if err := h.svc.UpdatePackage(c.Request().Context(), pkg); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pkg)
}

// -- Subscriptions --

func (h *Handler) Subscribe(c echo.Context) error {
	var req subscribeRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	ctx := c.Request().Context()
	p, err := auth.PrincipalFromContext(ctx)
	if err != nil {
		return httpError(err)
	}

	var patientID uuid.UUID
	if p.Role == auth.RoleAdmin {
		if req.PatientID == nil {
			return echo.NewHTTPError(http.StatusBadRequest, "patient_id is required")
		}
		patientID = *req.PatientID
	} else {
		if patientID, err = auth.PatientIDFromContext(ctx); err != nil {
			return httpError(err)
		}
	}

	out, err := h.svc.Subscribe(ctx, patientID, req.PackageID)
	if err != nil {
		if out != nil {
			return gatewayResponse(c, err, map[string]interface{}{
				"subscription": out.Subscription,
				"payment":      out.Payment,
			})
		}
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, out)
}

func (h *Handler) ListSubscriptions(c echo.Context) error {
	ctx := c.Request().Context()
	p, err := auth.PrincipalFromContext(ctx)
	if err != nil {
		return httpError(err)
	}

	var patientID uuid.UUID
	if p.Role == auth.RolePatient {
		if patientID, err = auth.PatientIDFromContext(ctx); err != nil {
			return httpError(err)
		}
	} else {
		patientID, err = uuid.Parse(c.QueryParam("patient_id"))
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "patient_id query parameter is required")
		}
	}

	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListSubscriptionsByPatient(ctx, patientID, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*Subscription{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetSubscription(c echo.Context) error {
	sub, err := h.loadOwned(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sub)
}

func (h *Handler) GetUsage(c echo.Context) error {
	sub, err := h.loadOwned(c)
	if err != nil {
		return err
	}
	u, err := h.svc.Usage(c.Request().Context(), sub.ID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, u)
}

func (h *Handler) ListPayments(c echo.Context) error {
	sub, err := h.loadOwned(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListPayments(c.Request().Context(), sub.ID)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*Payment{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) Upgrade(c echo.Context) error {
	return h.changePlan(c, true)
}

func (h *Handler) Downgrade(c echo.Context) error {
	return h.changePlan(c, false)
}

func (h *Handler) changePlan(c echo.Context, upgrade bool) error {
	sub, err := h.loadOwned(c)
	if err != nil {
		return err
	}
	var req changePlanRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}

	change := h.svc.Downgrade
	if upgrade {
		change = h.svc.Upgrade
	}
	out, err := change(c.Request().Context(), sub.ID, req.PackageID)
	if err != nil {
		if out != nil {
			return gatewayResponse(c, err, map[string]interface{}{
				"subscription":    out.Subscription,
				"payment":         out.Payment,
				"prorated_amount": out.ProratedAmount,
			})
		}
		return httpError(err)
	}
	status := http.StatusOK
	if !out.Applied {
		status = http.StatusAccepted
	}
	return c.JSON(status, out)
}

func (h *Handler) Renew(c echo.Context) error {
	sub, err := h.loadOwned(c)
	if err != nil {
		return err
	}
	out, err := h.svc.Renew(c.Request().Context(), sub.ID)
	if err != nil {
		if out != nil {
			return gatewayResponse(c, err, map[string]interface{}{
				"subscription": out.Subscription,
				"payment":      out.Payment,
			})
		}
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, out)
}

func (h *Handler) Cancel(c echo.Context) error {
	sub, err := h.loadOwned(c)
	if err != nil {
		return err
	}
	var req cancelRequest
	if c.Request().ContentLength > 0 {
		if err := bindAndValidate(c, &req); err != nil {
			return err
		}
	}
	cancelled, err := h.svc.Cancel(c.Request().Context(), sub.ID, req.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cancelled)
}

func (h *Handler) RecordConsultation(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	usage, over, err := h.svc.RecordConsultation(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"usage":      usage,
		"over_quota": over,
	})
}

// -- Payments --

func (h *Handler) loadOwnedPayment(c echo.Context) (*Payment, error) {
	id, err := parseID(c)
	if err != nil {
		return nil, err
	}
	ctx := c.Request().Context()
	p, err := auth.PrincipalFromContext(ctx)
	if err != nil {
		return nil, httpError(err)
	}
	pay, err := h.svc.GetPayment(ctx, id)
	if err != nil {
		return nil, httpError(err)
	}
	sub, err := h.svc.GetSubscription(ctx, pay.SubscriptionID)
	if err != nil {
		return nil, httpError(err)
	}
	if !p.CanAccessPatient(sub.PatientID) {
		return nil, echo.NewHTTPError(http.StatusNotFound, ErrNotFound.Error())
	}
	return pay, nil
}

func (h *Handler) GetPayment(c echo.Context) error {
	pay, err := h.loadOwnedPayment(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pay)
}

func (h *Handler) ProcessPayment(c echo.Context) error {
	pay, err := h.loadOwnedPayment(c)
	if err != nil {
		return err
	}
	processed, err := h.svc.ProcessPayment(c.Request().Context(), pay.ID)
	if err != nil {
		var ge *GatewayError
		if errors.As(err, &ge) {
			return gatewayResponse(c, err, map[string]interface{}{"payment": processed})
		}
		return httpError(err)
	}
	return c.JSON(http.StatusOK, processed)
}

// -- Admin --

func (h *Handler) SweepExpirations(c echo.Context) error {
	n, err := h.svc.SweepExpirations(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]int{"expired": n})
}

func (h *Handler) SendRenewalReminders(c echo.Context) error {
	days := 7
	if v := c.QueryParam("days_ahead"); v != "" {
		d, err := strconv.Atoi(v)
		if err != nil || d < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "days_ahead must be a positive integer")
		}
		days = d
	}
	n, err := h.svc.SendRenewalReminders(c.Request().Context(), days)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]int{"reminded": n})
}

func (h *Handler) SyncPayments(c echo.Context) error {
	limit := 100
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	res, err := h.svc.SyncPayments(c.Request().Context(), limit)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}
