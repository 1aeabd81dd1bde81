package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/vladislavdragonenkov/jms/internal/domain"
	"github.com/vladislavdragonenkov/jms/internal/service/reservation"
)

func (h *handlers) createReservation(c *gin.Context) {
	var req createReservationRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.reservations.Create(c.Request.Context(), reservation.CreateInput{
		UserID:          actorFrom(c).UserID,
		ProductID:       req.ProductID,
		PaymentMethodID: req.PaymentMethodID,
		CustomerID:      req.CustomerID,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, createReservationResponse{
		Reservation:  toReservationResponse(result.Reservation),
		ClientSecret: result.ClientSecret,
	})
}

func (h *handlers) confirmReservation(c *gin.Context) {
	var req confirmReservationRequest
	if !bindJSON(c, &req) {
		return
	}

	res, err := h.reservations.Confirm(c.Request.Context(), reservation.ConfirmInput{
		ReservationID:   c.Param("id"),
		UserID:          actorFrom(c).UserID,
		PaymentMethodID: req.PaymentMethodID,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toReservationResponse(res))
}

func (h *handlers) cancelReservation(c *gin.Context) {
	var req cancelReservationRequest
	// Тело у DELETE необязательно.
	if c.Request.ContentLength != 0 && !bindJSON(c, &req) {
		return
	}

	res, err := h.reservations.Cancel(c.Request.Context(), reservation.CancelInput{
		ReservationID: c.Param("id"),
		UserID:        actorFrom(c).UserID,
		Reason:        req.Reason,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toReservationResponse(res))
}

func (h *handlers) getReservation(c *gin.Context) {
	res, err := h.reservations.Get(c.Request.Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toReservationResponse(res))
}

func (h *handlers) listMyReservations(c *gin.Context) {
	filter, err := parseFilter(c)
	if err != nil {
		respondError(c, err)
		return
	}
	page, err := h.reservations.ListByUser(c.Request.Context(), actorFrom(c).UserID, filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toPageResponse(page))
}

func (h *handlers) listShopReservations(c *gin.Context) {
	filter, err := parseFilter(c)
	if err != nil {
		respondError(c, err)
		return
	}
	page, err := h.reservations.ListByShop(c.Request.Context(), actorFrom(c), c.Param("shopId"), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toPageResponse(page))
}

func (h *handlers) updateReservationStatus(c *gin.Context) {
	var req updateStatusRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.Status == "" {
		respondError(c, fmt.Errorf("%w: status", domain.ErrMissingFields))
		return
	}

	res, err := h.reservations.UpdateStatus(c.Request.Context(), actorFrom(c), c.Param("id"), reservation.UpdateStatusInput{
		Status: domain.ReservationStatus(strings.ToUpper(req.Status)),
		Notes:  req.Notes,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toReservationResponse(res))
}

func (h *handlers) reservationTimeline(c *gin.Context) {
	events, err := h.reservations.Timeline(c.Request.Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	out := make([]timelineEventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, timelineEventResponse{
			Type:     e.Type,
			Status:   string(e.Status),
			Reason:   e.Reason,
			Occurred: e.Occurred,
		})
	}
	c.JSON(http.StatusOK, gin.H{"events": out})
}

// parseFilter читает status/page/limit из query.
func parseFilter(c *gin.Context) (domain.ReservationFilter, error) {
	filter := domain.ReservationFilter{
		Status: domain.ReservationStatus(strings.ToUpper(c.Query("status"))),
	}
	var errs []error
	params := []struct {
		name string
		dst  *int
	}{{"page", &filter.Page}, {"limit", &filter.Limit}}
	for _, p := range params {
		raw := c.Query(p.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			errs = append(errs, fmt.Errorf("%s must be a non-negative integer", p.name))
			continue
		}
		*p.dst = n
	}
	if err := domain.NewValidationError(errs); err != nil {
		return domain.ReservationFilter{}, err
	}
	return filter, nil
}

func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorBody("bad_request", "invalid JSON body: "+err.Error()))
		return false
	}
	return true
}
