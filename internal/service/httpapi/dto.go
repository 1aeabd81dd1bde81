package httpapi

import (
	"time"

	"github.com/vladislavdragonenkov/jms/internal/domain"
)

type createReservationRequest struct {
	ProductID       string `json:"product_id"`
	PaymentMethodID string `json:"payment_method_id"`
	CustomerID      string `json:"customer_id"`
}

type confirmReservationRequest struct {
	PaymentMethodID string `json:"payment_method_id"`
}

type cancelReservationRequest struct {
	Reason string `json:"reason"`
}

type updateStatusRequest struct {
	Status string `json:"status"`
	Notes  string `json:"notes"`
}

type mediaStatusRequest struct {
	Status string `json:"status"`
}

type reservationResponse struct {
	ID                string            `json:"id"`
	UserID            string            `json:"user_id"`
	ProductID         string            `json:"product_id"`
	ShopID            string            `json:"shop_id"`
	Status            string            `json:"status"`
	ReservationAmount domain.Money      `json:"reservation_amount"`
	RemainingAmount   domain.Money      `json:"remaining_amount"`
	TotalAmount       domain.Money      `json:"total_amount"`
	ReservationDate   time.Time         `json:"reservation_date"`
	ExpiryDate        time.Time         `json:"expiry_date"`
	PaymentReference  string            `json:"payment_reference,omitempty"`
	ConfirmationDate  *time.Time        `json:"confirmation_date,omitempty"`
	CancelationDate   *time.Time        `json:"cancelation_date,omitempty"`
	CancelationReason string            `json:"cancelation_reason,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

func toReservationResponse(r domain.Reservation) reservationResponse {
	return reservationResponse{
		ID:                r.ID,
		UserID:            r.UserID,
		ProductID:         r.ProductID,
		ShopID:            r.ShopID,
		Status:            string(r.Status),
		ReservationAmount: r.ReservationAmount,
		RemainingAmount:   r.RemainingAmount,
		TotalAmount:       r.TotalAmount,
		ReservationDate:   r.ReservationDate,
		ExpiryDate:        r.ExpiryDate,
		PaymentReference:  r.ExternalPaymentReference,
		ConfirmationDate:  r.ConfirmationDate,
		CancelationDate:   r.CancelationDate,
		CancelationReason: r.CancelationReason,
		Metadata:          r.Metadata,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

type createReservationResponse struct {
	Reservation  reservationResponse `json:"reservation"`
	ClientSecret string              `json:"client_secret,omitempty"`
}

type reservationPageResponse struct {
	Items []reservationResponse `json:"items"`
	Total int                   `json:"total"`
	Page  int                   `json:"page"`
	Limit int                   `json:"limit"`
}

func toPageResponse(p domain.ReservationPage) reservationPageResponse {
	items := make([]reservationResponse, 0, len(p.Items))
	for _, r := range p.Items {
		items = append(items, toReservationResponse(r))
	}
	return reservationPageResponse{Items: items, Total: p.Total, Page: p.Page, Limit: p.Limit}
}

type timelineEventResponse struct {
	Type     string    `json:"type"`
	Status   string    `json:"status,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Occurred time.Time `json:"occurred"`
}

type mediaResponse struct {
	ID             string     `json:"id"`
	SenderID       string     `json:"sender_id"`
	ReceiverID     string     `json:"receiver_id"`
	ConversationID string     `json:"conversation_id,omitempty"`
	Type           string     `json:"type"`
	Status         string     `json:"status"`
	FileName       string     `json:"file_name,omitempty"`
	FileSize       int64      `json:"file_size"`
	MimeType       string     `json:"mime_type"`
	Width          int        `json:"width,omitempty"`
	Height         int        `json:"height,omitempty"`
	DurationMillis int64      `json:"duration_ms,omitempty"`
	URL            string     `json:"url,omitempty"`
	ThumbnailURL   string     `json:"thumbnail_url,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

func toMediaResponse(m domain.MediaMessage) mediaResponse {
	return mediaResponse{
		ID:             m.ID,
		SenderID:       m.SenderID,
		ReceiverID:     m.ReceiverID,
		ConversationID: m.ConversationID,
		Type:           string(m.Type),
		Status:         string(m.Status),
		FileName:       m.Metadata.FileName,
		FileSize:       m.Metadata.FileSize,
		MimeType:       m.Metadata.MimeType,
		Width:          m.Metadata.Width,
		Height:         m.Metadata.Height,
		DurationMillis: m.Metadata.Duration.Milliseconds(),
		ExpiresAt:      m.ExpiresAt,
		CreatedAt:      m.CreatedAt,
	}
}
