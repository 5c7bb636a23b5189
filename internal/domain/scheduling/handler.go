package scheduling

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/medibook/medibook/internal/platform/auth"
	"github.com/medibook/medibook/pkg/pagination"
)

// CheckoutEventParser verifies a payment provider webhook and extracts the
// reference of a completed checkout. ok is false for other event types.
type CheckoutEventParser interface {
	ParseCompletedCheckout(payload []byte, signature string) (reference string, ok bool, err error)
}

type Handler struct {
	svc      *Service
	webhooks CheckoutEventParser
}

// NewHandler wires the HTTP surface. webhooks may be nil when the provider
// does not push events.
func NewHandler(svc *Service, webhooks CheckoutEventParser) *Handler {
	return &Handler{svc: svc, webhooks: webhooks}
}

// RegisterRoutes mounts the caller-facing routes. The group must already run
// an authentication middleware that sets the caller.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	authed := api.Group("", auth.RequireCaller())

	appts := authed.Group("/appointments")
	appts.POST("/checkout", h.StartCheckout, auth.RequireRole(auth.RolePatient))
	appts.POST("/confirm", h.ConfirmBooking, auth.RequireRole(auth.RolePatient))
	appts.POST("", h.BookAsDoctor, auth.RequireRole(auth.RoleDoctor))
	appts.PUT("/:id/reschedule", h.Reschedule)
	appts.POST("/:id/cancel", h.Cancel, auth.RequireRole(auth.RolePatient))
	appts.GET("", h.ListAppointments)
	appts.GET("/:id", h.GetAppointment)

	authed.GET("/notifications", h.ListNotifications)
	authed.GET("/doctors/:id/slots", h.AvailableSlots)
}

// RegisterWebhooks mounts provider callbacks, which authenticate by
// signature rather than by caller.
func (h *Handler) RegisterWebhooks(g *echo.Group) {
	if h.webhooks == nil {
		return
	}
	g.POST("/webhooks/stripe", h.StripeWebhook)
}

// httpError renders a workflow error as {reason, message}.
func httpError(err error) error {
	var e *Error
	if !errors.As(err, &e) {
		return echo.NewHTTPError(http.StatusInternalServerError, map[string]interface{}{
			"reason":    "InternalError",
			"message":   "internal error",
			"retryable": false,
		}).SetInternal(err)
	}
	return echo.NewHTTPError(statusFor(e.Kind), map[string]interface{}{
		"reason":    e.Reason,
		"message":   e.Message,
		"retryable": e.Retryable(),
	}).SetInternal(err)
}

func statusFor(k Kind) int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindPolicyViolation:
		return http.StatusUnprocessableEntity
	case KindSlotConflict:
		return http.StatusConflict
	case KindExternal:
		return http.StatusBadGateway
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthorized:
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

func currentCaller(c echo.Context) (auth.Caller, error) {
	caller, ok := auth.CallerFromContext(c.Request().Context())
	if !ok {
		return auth.Caller{}, echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
	}
	return caller, nil
}

func bindJSON(c echo.Context, v interface{}) error {
	if err := c.Bind(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, map[string]string{
			"reason":  string(ReasonInvalidRequest),
			"message": "malformed request body",
		})
	}
	return nil
}

// -- Booking Handlers --

func (h *Handler) StartCheckout(c echo.Context) error {
	caller, err := currentCaller(c)
	if err != nil {
		return err
	}
	var req CheckoutRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	res, err := h.svc.StartCheckout(c.Request().Context(), caller, req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, res)
}

type confirmRequest struct {
	SessionReference string `json:"session_reference"`
}

func (h *Handler) ConfirmBooking(c echo.Context) error {
	caller, err := currentCaller(c)
	if err != nil {
		return err
	}
	var req confirmRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	b, err := h.svc.ConfirmBooking(c.Request().Context(), caller, req.SessionReference)
	if err != nil {
		return httpError(err)
	}
	status := http.StatusCreated
	if b.Replayed {
		status = http.StatusOK
	}
	return c.JSON(status, b)
}

func (h *Handler) BookAsDoctor(c echo.Context) error {
	caller, err := currentCaller(c)
	if err != nil {
		return err
	}
	var req DoctorBookingRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	a, err := h.svc.BookAsDoctor(c.Request().Context(), caller, req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) Reschedule(c echo.Context) error {
	caller, err := currentCaller(c)
	if err != nil {
		return err
	}
	var req RescheduleRequest
	if err := bindJSON(c, &req); err != nil {
		return err
	}
	a, err := h.svc.Reschedule(c.Request().Context(), caller, c.Param("id"), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) Cancel(c echo.Context) error {
	caller, err := currentCaller(c)
	if err != nil {
		return err
	}
	res, err := h.svc.Cancel(c.Request().Context(), caller, c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

// -- Read Handlers --

func (h *Handler) GetAppointment(c echo.Context) error {
	caller, err := currentCaller(c)
	if err != nil {
		return err
	}
	a, err := h.svc.GetAppointment(c.Request().Context(), caller, c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) ListAppointments(c echo.Context) error {
	caller, err := currentCaller(c)
	if err != nil {
		return err
	}
	var status Status
	if v := c.QueryParam("status"); v != "" {
		if status, err = ParseStatus(v); err != nil {
			return httpError(invalid(err.Error()))
		}
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListAppointments(c.Request().Context(), caller, status, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*Appointment{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg).WithLinks(c.Request().URL))
}

func (h *Handler) ListNotifications(c echo.Context) error {
	caller, err := currentCaller(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListNotifications(c.Request().Context(), caller, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*Notification{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg).WithLinks(c.Request().URL))
}

func (h *Handler) AvailableSlots(c echo.Context) error {
	date := c.QueryParam("date")
	if date == "" {
		return httpError(invalid("date is required"))
	}
	minutes := 30
	if v := c.QueryParam("duration"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return httpError(invalid("duration must be a positive number of minutes"))
		}
		minutes = n
	}
	slots, err := h.svc.AvailableSlots(c.Request().Context(), c.Param("id"), date, time.Duration(minutes)*time.Minute)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"doctor_id": c.Param("id"),
		"date":      date,
		"duration":  minutes,
		"slots":     slots,
	})
}

// -- Webhooks --

const maxWebhookBody = 64 << 10

func (h *Handler) StripeWebhook(c echo.Context) error {
	payload, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}
	ref, ok, err := h.webhooks.ParseCompletedCheckout(payload, c.Request().Header.Get("Stripe-Signature"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid webhook signature")
	}
	if !ok {
		return c.NoContent(http.StatusOK)
	}

	b, err := h.svc.ConfirmFromGateway(c.Request().Context(), ref)
	if err != nil {
		// Only dependency failures are worth a redelivery; anything else
		// is acknowledged so the provider stops retrying.
		var e *Error
		if errors.As(err, &e) && e.Kind != KindExternal {
			return c.JSON(http.StatusOK, map[string]interface{}{"received": true, "reason": e.Reason})
		}
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"received":       true,
		"appointment_id": b.Appointment.ID,
		"replayed":       b.Replayed,
	})
}
