package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/jms/internal/clock"
	"github.com/vladislavdragonenkov/jms/internal/domain"
	"github.com/vladislavdragonenkov/jms/internal/metrics"
)

const defaultMessageTTL = 30 * 24 * time.Hour

// UploadRequest описывает файл, отправленный в переписке.
type UploadRequest struct {
	SenderID       string
	ReceiverID     string
	ConversationID string
	Type           domain.MediaType
	FileName       string
	Body           io.Reader
	// Size: заявленный размер (из multipart); -1 если неизвестен.
	Size int64
}

// UploadResult содержит сохранённое сообщение и публичные пути.
type UploadResult struct {
	Message      domain.MediaMessage
	URL          string
	ThumbnailURL string
}

// Uploader реализует конвейер загрузки медиа: проверка, обработка, запись, метаданные.
type Uploader struct {
	repo      domain.MediaRepository
	store     domain.ObjectStore
	publisher domain.EventPublisher

	transcoder Transcoder
	thumbnails ThumbnailExtractor
	clock      clock.Clock
	metrics    *metrics.Metrics
	logger     *log.Entry
	ttl        time.Duration
	baseURL    string
}

// UploaderOption настраивает Uploader.
type UploaderOption func(*Uploader)

func WithTranscoder(t Transcoder) UploaderOption {
	return func(u *Uploader) {
		if t != nil {
			u.transcoder = t
		}
	}
}

// WithThumbnailExtractor включает превью для видео.
func WithThumbnailExtractor(e ThumbnailExtractor) UploaderOption {
	return func(u *Uploader) { u.thumbnails = e }
}

func WithClock(c clock.Clock) UploaderOption {
	return func(u *Uploader) {
		if c != nil {
			u.clock = c
		}
	}
}

func WithMetrics(m *metrics.Metrics) UploaderOption {
	return func(u *Uploader) { u.metrics = m }
}

func WithLogger(logger *log.Entry) UploaderOption {
	return func(u *Uploader) {
		if logger != nil {
			u.logger = logger
		}
	}
}

// WithMessageTTL задаёт срок жизни вложения; 0, бессрочно.
func WithMessageTTL(ttl time.Duration) UploaderOption {
	return func(u *Uploader) { u.ttl = ttl }
}

// WithBaseURL задаёт префикс публичных ссылок.
func WithBaseURL(base string) UploaderOption {
	return func(u *Uploader) { u.baseURL = strings.TrimRight(base, "/") }
}

func NewUploader(repo domain.MediaRepository, store domain.ObjectStore, publisher domain.EventPublisher, opts ...UploaderOption) *Uploader {
	u := &Uploader{
		repo:       repo,
		store:      store,
		publisher:  publisher,
		transcoder: PassthroughTranscoder{},
		clock:      clock.NewSystem(),
		logger:     log.WithField("component", "media-uploader"),
		ttl:        defaultMessageTTL,
		baseURL:    "/api/v1/media",
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Upload проверяет и обрабатывает файл, пишет его в хранилище и сохраняет сообщение.
// Прошедший проверку запрос сразу сохраняется как pending; сбой обработки или записи
// переводит его в failed с причиной. Записанные объекты при сбое удаляются.
func (u *Uploader) Upload(ctx context.Context, req UploadRequest) (result UploadResult, err error) {
	var stored int64
	defer func() { u.metrics.RecordMediaUpload(string(req.Type), stored, err) }()

	if err := validateRequest(req); err != nil {
		return UploadResult{}, err
	}
	policy, ok := domain.PolicyFor(req.Type)
	if !ok {
		return UploadResult{}, fmt.Errorf("%w: %s is not uploadable", domain.ErrInvalidFileType, req.Type)
	}
	if req.Size > policy.MaxBytes {
		return UploadResult{}, fmt.Errorf("%w: %d bytes, limit %d", domain.ErrFileTooLarge, req.Size, policy.MaxBytes)
	}

	data, err := io.ReadAll(io.LimitReader(req.Body, policy.MaxBytes+1))
	if err != nil {
		return UploadResult{}, fmt.Errorf("%w: read body: %v", domain.ErrMediaUploadFailed, err)
	}
	if int64(len(data)) > policy.MaxBytes {
		return UploadResult{}, fmt.Errorf("%w: limit %d bytes", domain.ErrFileTooLarge, policy.MaxBytes)
	}
	if len(data) == 0 {
		return UploadResult{}, fmt.Errorf("%w: empty file", domain.ErrInvalidFileType)
	}

	detected := mimetype.Detect(data)
	contentType, ok := allowedType(policy, detected)
	if !ok {
		return UploadResult{}, fmt.Errorf("%w: %s", domain.ErrInvalidFileType, detected.String())
	}

	now := u.clock.Now().UTC()
	msg := domain.MediaMessage{
		ID:             uuid.NewString(),
		SenderID:       req.SenderID,
		ReceiverID:     req.ReceiverID,
		ConversationID: req.ConversationID,
		Type:           req.Type,
		Metadata: domain.MediaMetadata{
			FileName:     req.FileName,
			MimeType:     contentType,
			OriginalSize: int64(len(data)),
		},
		Status:    domain.MediaStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if u.ttl > 0 {
		expires := now.Add(u.ttl)
		msg.ExpiresAt = &expires
	}
	if err := u.repo.Create(ctx, msg); err != nil {
		return UploadResult{}, fmt.Errorf("%w: save metadata: %v", domain.ErrMediaUploadFailed, err)
	}
	logger := u.logger.WithFields(log.Fields{"media_id": msg.ID, "type": req.Type, "sender_id": req.SenderID})

	var written []string
	defer func() {
		if err == nil {
			return
		}
		if len(written) > 0 {
			u.cleanup(ctx, logger, written)
		}
		u.markFailed(ctx, logger, msg, err)
	}()

	processed, err := u.process(ctx, req.Type, data, contentType)
	if err != nil {
		if IsClientError(err) {
			return UploadResult{}, err
		}
		return UploadResult{}, fmt.Errorf("%w: %v", domain.ErrMediaUploadFailed, err)
	}
	if processed.Extension == "" {
		processed.Extension = detected.Extension()
	}

	key := fmt.Sprintf("%s/%s/%s%s", req.Type, now.Format("2006/01/02"), msg.ID, processed.Extension)
	if err := u.store.Put(ctx, key, processed.ContentType, bytes.NewReader(processed.Data), int64(len(processed.Data))); err != nil {
		return UploadResult{}, fmt.Errorf("%w: %v", domain.ErrMediaUploadFailed, err)
	}
	written = append(written, key)

	thumbKey := ""
	if len(processed.Thumbnail) > 0 {
		thumbKey = fmt.Sprintf("thumbnails/%s/%s.jpg", now.Format("2006/01/02"), msg.ID)
		if err := u.store.Put(ctx, thumbKey, "image/jpeg", bytes.NewReader(processed.Thumbnail), int64(len(processed.Thumbnail))); err != nil {
			return UploadResult{}, fmt.Errorf("%w: thumbnail: %v", domain.ErrMediaUploadFailed, err)
		}
		written = append(written, thumbKey)
	}

	uploaded := msg
	uploaded.Content = key
	uploaded.Metadata = domain.MediaMetadata{
		FileName:     req.FileName,
		FileSize:     int64(len(processed.Data)),
		MimeType:     processed.ContentType,
		OriginalSize: int64(len(data)),
		Width:        processed.Width,
		Height:       processed.Height,
		Duration:     processed.Duration,
		Bitrate:      processed.Bitrate,
		ThumbnailKey: thumbKey,
		Compression:  processed.Compression,
	}
	if err := uploaded.MarkUploaded(u.clock.Now()); err != nil {
		return UploadResult{}, fmt.Errorf("%w: %v", domain.ErrMediaUploadFailed, err)
	}
	if err := u.repo.Save(ctx, uploaded); err != nil {
		return UploadResult{}, fmt.Errorf("%w: save metadata: %v", domain.ErrMediaUploadFailed, err)
	}

	stored = uploaded.Metadata.FileSize
	logger.WithFields(log.Fields{
		"size":          stored,
		"original_size": len(data),
		"content_type":  processed.ContentType,
	}).Info("media uploaded")
	if u.publisher != nil {
		u.publisher.Publish(ctx, domain.NewMediaEvent(domain.EventMediaUploaded, uploaded, uploaded.UpdatedAt))
	}

	result = UploadResult{Message: uploaded, URL: u.baseURL + "/" + uploaded.ID}
	if thumbKey != "" {
		result.ThumbnailURL = u.baseURL + "/" + uploaded.ID + "/thumbnail"
	}
	return result, nil
}

// markFailed сохраняет причину сбоя; ошибка записи только логируется.
func (u *Uploader) markFailed(ctx context.Context, logger *log.Entry, msg domain.MediaMessage, cause error) {
	msg.MarkFailed(u.clock.Now(), cause.Error())
	if err := u.repo.Save(context.WithoutCancel(ctx), msg); err != nil {
		logger.WithError(err).Warn("failed to persist media failure")
		return
	}
	logger.WithError(cause).Warn("media upload failed")
}

func (u *Uploader) process(ctx context.Context, t domain.MediaType, data []byte, contentType string) (Processed, error) {
	if t == domain.MediaTypeImage {
		return processImage(data, contentType)
	}

	out, err := u.transcoder.Transcode(ctx, data, contentType, bitrateCap(t))
	if err != nil {
		return Processed{}, fmt.Errorf("transcode: %w", err)
	}
	if t == domain.MediaTypeVideo && u.thumbnails != nil {
		thumb, err := u.thumbnails.Extract(ctx, out.Data, out.ContentType)
		if err != nil {
			return Processed{}, fmt.Errorf("extract thumbnail: %w", err)
		}
		out.Thumbnail = thumb
	}
	return out, nil
}

// cleanup удаляет частично записанные объекты; ошибки только логируются.
func (u *Uploader) cleanup(ctx context.Context, logger *log.Entry, keys []string) {
	ctx = context.WithoutCancel(ctx)
	for _, key := range keys {
		if err := u.store.Delete(ctx, key); err != nil {
			logger.WithError(err).WithField("key", key).Warn("failed to clean up partial upload")
		}
	}
}

func validateRequest(req UploadRequest) error {
	var missing []string
	if req.SenderID == "" {
		missing = append(missing, "sender_id")
	}
	if req.ReceiverID == "" {
		missing = append(missing, "receiver_id")
	}
	if req.Type == "" {
		missing = append(missing, "type")
	}
	if req.Body == nil {
		missing = append(missing, "file")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrMissingFields, strings.Join(missing, ", "))
	}
	return nil
}

// allowedType сверяет обнаруженный MIME (и его родителей) с allow-list типа.
func allowedType(policy domain.MediaPolicy, detected *mimetype.MIME) (string, bool) {
	for m := detected; m != nil; m = m.Parent() {
		for _, allowed := range policy.AllowedMIMEs {
			if m.Is(allowed) {
				return allowed, true
			}
		}
	}
	return "", false
}

// IsClientError сообщает, что ошибка вызвана запросом, а не сбоем конвейера.
func IsClientError(err error) bool {
	return errors.Is(err, domain.ErrInvalidFileType) ||
		errors.Is(err, domain.ErrFileTooLarge) ||
		errors.Is(err, domain.ErrMissingFields)
}
