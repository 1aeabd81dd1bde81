// Package httpapi: HTTP-транспорт поверх сервисов резервов, webhook и медиа.
package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/jms/internal/domain"
	"github.com/vladislavdragonenkov/jms/internal/service/media"
	"github.com/vladislavdragonenkov/jms/internal/service/reservation"
	"github.com/vladislavdragonenkov/jms/internal/service/webhook"
)

const (
	headerUserID = "X-User-ID"
	headerRole   = "X-User-Role"
	headerShopID = "X-Shop-ID"

	actorKey = "actor"
)

// ReservationService описывает операции резервов, которые вызывает HTTP-слой.
type ReservationService interface {
	Create(ctx context.Context, in reservation.CreateInput) (reservation.CreateResult, error)
	Confirm(ctx context.Context, in reservation.ConfirmInput) (domain.Reservation, error)
	Cancel(ctx context.Context, in reservation.CancelInput) (domain.Reservation, error)
	Get(ctx context.Context, actor domain.Actor, id string) (domain.Reservation, error)
	ListByUser(ctx context.Context, userID string, filter domain.ReservationFilter) (domain.ReservationPage, error)
	ListByShop(ctx context.Context, actor domain.Actor, shopID string, filter domain.ReservationFilter) (domain.ReservationPage, error)
	UpdateStatus(ctx context.Context, actor domain.Actor, id string, in reservation.UpdateStatusInput) (domain.Reservation, error)
	Timeline(ctx context.Context, actor domain.Actor, id string) ([]domain.TimelineEvent, error)
}

// WebhookHandler обрабатывает проверенное событие платёжного провайдера.
type WebhookHandler interface {
	Handle(ctx context.Context, event domain.PaymentEvent) (webhook.Result, error)
}

// MediaUploader сохраняет вложение.
type MediaUploader interface {
	Upload(ctx context.Context, req media.UploadRequest) (media.UploadResult, error)
}

// MediaReader отдаёт вложения и принимает отметки о доставке.
type MediaReader interface {
	Open(ctx context.Context, actor domain.Actor, id string) (domain.MediaMessage, domain.Object, error)
	OpenThumbnail(ctx context.Context, actor domain.Actor, id string) (domain.MediaMessage, domain.Object, error)
	MarkDelivered(ctx context.Context, actor domain.Actor, id string) (domain.MediaMessage, error)
	MarkRead(ctx context.Context, actor domain.Actor, id string) (domain.MediaMessage, error)
}

// Deps содержит зависимости роутера. Nil-компоненты не регистрируют свои маршруты.
type Deps struct {
	Reservations ReservationService
	Webhooks     WebhookHandler
	Verifier     domain.WebhookVerifier
	Uploader     MediaUploader
	Media        MediaReader
	Logger       *log.Entry
}

type handlers struct {
	reservations ReservationService
	webhooks     WebhookHandler
	verifier     domain.WebhookVerifier
	uploader     MediaUploader
	media        MediaReader
	logger       *log.Entry
}

// NewRouter собирает gin-роутер API.
func NewRouter(deps Deps) *gin.Engine {
	logger := deps.Logger
	if logger == nil {
		logger = log.WithField("component", "http")
	}
	h := &handlers{
		reservations: deps.Reservations,
		webhooks:     deps.Webhooks,
		verifier:     deps.Verifier,
		uploader:     deps.Uploader,
		media:        deps.Media,
		logger:       logger,
	}

	router := gin.New()
	router.Use(requestLogger(logger), gin.Recovery())

	v1 := router.Group("/api/v1")

	if h.webhooks != nil && h.verifier != nil {
		v1.POST("/webhooks/payments", h.handlePaymentWebhook)
	}

	authed := v1.Group("", principal())
	if h.reservations != nil {
		authed.POST("/reservations", h.createReservation)
		authed.GET("/reservations", h.listMyReservations)
		authed.GET("/reservations/:id", h.getReservation)
		authed.POST("/reservations/:id/confirm", h.confirmReservation)
		authed.DELETE("/reservations/:id", h.cancelReservation)
		authed.PATCH("/reservations/:id/status", h.updateReservationStatus)
		authed.GET("/reservations/:id/timeline", h.reservationTimeline)
		authed.GET("/shops/:shopId/reservations", h.listShopReservations)
	}
	if h.uploader != nil {
		authed.POST("/media", h.uploadMedia)
	}
	if h.media != nil {
		authed.GET("/media/:id", h.streamMedia)
		authed.GET("/media/:id/thumbnail", h.streamThumbnail)
		authed.POST("/media/:id/status", h.updateMediaStatus)
	}

	return router
}

// requestLogger пишет строку лога на каждый запрос.
func requestLogger(logger *log.Entry) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := logger.WithFields(log.Fields{
			"method":    c.Request.Method,
			"path":      c.FullPath(),
			"status":    c.Writer.Status(),
			"latency":   time.Since(start).String(),
			"client_ip": c.ClientIP(),
		})
		if userID := c.GetHeader(headerUserID); userID != "" {
			entry = entry.WithField("user_id", userID)
		}
		if len(c.Errors) > 0 {
			entry.WithError(c.Errors.Last()).Warn("http request failed")
			return
		}
		entry.Debug("http request")
	}
}

// principal достаёт действующее лицо из заголовков gateway.
func principal() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader(headerUserID))
		if userID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody("unauthenticated", headerUserID+" header is required"))
			return
		}

		role := domain.Role(strings.TrimSpace(c.GetHeader(headerRole)))
		switch role {
		case "":
			role = domain.RoleCustomer
		case domain.RoleCustomer, domain.RoleShopOwner, domain.RoleAdmin:
		default:
			c.AbortWithStatusJSON(http.StatusBadRequest, errorBody("bad_request", "unknown role "+string(role)))
			return
		}

		c.Set(actorKey, domain.Actor{
			UserID: userID,
			Role:   role,
			ShopID: strings.TrimSpace(c.GetHeader(headerShopID)),
		})
		c.Next()
	}
}

func actorFrom(c *gin.Context) domain.Actor {
	if v, ok := c.Get(actorKey); ok {
		if actor, ok := v.(domain.Actor); ok {
			return actor
		}
	}
	return domain.Actor{}
}
