package subscription

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// WebhookHandler serves the unauthenticated gateway endpoints. Both only use
// the identifiers they receive; outcomes are read back from the gateway.
type WebhookHandler struct {
	svc *Service
}

func NewWebhookHandler(svc *Service) *WebhookHandler {
	return &WebhookHandler{svc: svc}
}

func (h *WebhookHandler) RegisterRoutes(api *echo.Group) {
	api.GET("/pesapal/ipn", h.IPN)
	api.POST("/pesapal/ipn", h.IPN)
	api.GET("/pesapal/callback", h.Callback)
}

type ipnAck struct {
	NotificationType string `json:"orderNotificationType"`
	TrackingID       string `json:"orderTrackingId"`
	MerchantRef      string `json:"orderMerchantReference"`
	Status           int    `json:"status"`
}

// ipnParams reads the notification from the query string, falling back to a
// JSON body for POST deliveries.
func ipnParams(c echo.Context) ipnAck {
	ack := ipnAck{
		NotificationType: c.QueryParam("OrderNotificationType"),
		TrackingID:       c.QueryParam("OrderTrackingId"),
		MerchantRef:      c.QueryParam("OrderMerchantReference"),
	}
	if ack.TrackingID == "" && c.Request().Method == http.MethodPost {
		var body struct {
			NotificationType string `json:"OrderNotificationType"`
			TrackingID       string `json:"OrderTrackingId"`
			MerchantRef      string `json:"OrderMerchantReference"`
		}
		if err := c.Bind(&body); err == nil {
			ack.NotificationType = body.NotificationType
			ack.TrackingID = body.TrackingID
			ack.MerchantRef = body.MerchantRef
		}
	}
	return ack
}

// IPN acknowledges with status 200 once the payment is reconciled and 500
// otherwise, which makes the gateway deliver the notification again.
func (h *WebhookHandler) IPN(c echo.Context) error {
	ack := ipnParams(c)
	if ack.TrackingID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "OrderTrackingId is required")
	}

	_, err := h.svc.HandleIPN(c.Request().Context(), ack.TrackingID, ack.MerchantRef, ack.NotificationType)
	if err != nil {
		h.svc.logger.Error().Err(err).
			Str("tracking_id", ack.TrackingID).
			Str("reference", ack.MerchantRef).
			Msg("ipn reconciliation failed")
		ack.Status = http.StatusInternalServerError
		return c.JSON(http.StatusOK, ack)
	}
	ack.Status = http.StatusOK
	return c.JSON(http.StatusOK, ack)
}

// Callback runs when the customer is redirected back from the payment page.
func (h *WebhookHandler) Callback(c echo.Context) error {
	id := c.QueryParam("OrderTrackingId")
	if id == "" {
		id = c.QueryParam("OrderMerchantReference")
	}
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "OrderTrackingId is required")
	}
	res, err := h.svc.HandleGatewayCallback(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"reference":      res.Payment.Reference,
		"status":         res.Payment.Status,
		"gateway_status": res.GatewayStatus,
	})
}
