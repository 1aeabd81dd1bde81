package domain

import (
	"fmt"
	"time"
)

// MediaType: вид вложения в чате.
type MediaType string

const (
	MediaTypeImage MediaType = "image"
	MediaTypeAudio MediaType = "audio"
	MediaTypeVideo MediaType = "video"
	MediaTypeText  MediaType = "text"
)

// MediaStatus: статус доставки медиа-сообщения.
type MediaStatus string

const (
	MediaStatusPending   MediaStatus = "pending"
	MediaStatusUploaded  MediaStatus = "uploaded"
	MediaStatusDelivered MediaStatus = "delivered"
	MediaStatusRead      MediaStatus = "read"
	MediaStatusFailed    MediaStatus = "failed"
)

// MediaPolicy задаёт ограничения на загрузку одного типа.
type MediaPolicy struct {
	MaxBytes     int64
	AllowedMIMEs []string
}

const mib = 1 << 20

var mediaPolicies = map[MediaType]MediaPolicy{
	MediaTypeImage: {
		MaxBytes:     10 * mib,
		AllowedMIMEs: []string{"image/jpeg", "image/png", "image/webp", "image/gif"},
	},
	MediaTypeAudio: {
		MaxBytes:     20 * mib,
		AllowedMIMEs: []string{"audio/mpeg", "audio/mp4", "audio/x-m4a", "audio/aac", "audio/ogg", "audio/wav", "audio/webm"},
	},
	MediaTypeVideo: {
		MaxBytes:     50 * mib,
		AllowedMIMEs: []string{"video/mp4", "video/webm", "video/quicktime"},
	},
}

// PolicyFor возвращает ограничения для типа; text не загружается как файл.
func PolicyFor(t MediaType) (MediaPolicy, bool) {
	p, ok := mediaPolicies[t]
	return p, ok
}

// Allows проверяет MIME по allow-list.
func (p MediaPolicy) Allows(mime string) bool {
	for _, allowed := range p.AllowedMIMEs {
		if allowed == mime {
			return true
		}
	}
	return false
}

// MediaMetadata описывает обработанный файл.
type MediaMetadata struct {
	FileName     string
	FileSize     int64
	MimeType     string
	OriginalSize int64
	Width        int
	Height       int
	Duration     time.Duration
	Bitrate      int
	ThumbnailKey string
	Compression  string
}

// MediaMessage описывает вложение в переписке покупателя и магазина.
type MediaMessage struct {
	ID             string
	SenderID       string
	ReceiverID     string
	ConversationID string
	Type           MediaType
	// Content: ключ объекта в хранилище.
	Content       string
	Metadata      MediaMetadata
	Status        MediaStatus
	FailureReason string
	ExpiresAt     *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// IsExpired: у сообщения есть срок жизни и он прошёл.
func (m *MediaMessage) IsExpired(now time.Time) bool {
	return m.ExpiresAt != nil && now.After(*m.ExpiresAt)
}

// CanAccess: только участники переписки.
func (m *MediaMessage) CanAccess(userID string) bool {
	return userID != "" && (userID == m.SenderID || userID == m.ReceiverID)
}

// MarkUploaded фиксирует успешную запись в хранилище.
func (m *MediaMessage) MarkUploaded(now time.Time) error {
	if m.Status != MediaStatusPending {
		return m.stateError(MediaStatusUploaded)
	}
	m.Status = MediaStatusUploaded
	m.UpdatedAt = now.UTC()
	return nil
}

// MarkDelivered: uploaded → delivered; повторная доставка не ошибка.
func (m *MediaMessage) MarkDelivered(now time.Time) error {
	switch m.Status {
	case MediaStatusDelivered, MediaStatusRead:
		return nil
	case MediaStatusUploaded:
		m.Status = MediaStatusDelivered
		m.UpdatedAt = now.UTC()
		return nil
	default:
		return m.stateError(MediaStatusDelivered)
	}
}

// MarkRead: uploaded|delivered → read.
func (m *MediaMessage) MarkRead(now time.Time) error {
	switch m.Status {
	case MediaStatusRead:
		return nil
	case MediaStatusUploaded, MediaStatusDelivered:
		m.Status = MediaStatusRead
		m.UpdatedAt = now.UTC()
		return nil
	default:
		return m.stateError(MediaStatusRead)
	}
}

// MarkFailed сохраняет причину ошибки обработки.
func (m *MediaMessage) MarkFailed(now time.Time, reason string) {
	m.Status = MediaStatusFailed
	m.FailureReason = reason
	m.UpdatedAt = now.UTC()
}

func (m *MediaMessage) stateError(to MediaStatus) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidMediaState, m.Status, to)
}
