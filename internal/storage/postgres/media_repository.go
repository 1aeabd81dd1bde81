package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/jms/internal/domain"
)

const mediaColumns = `
	id, sender_id, receiver_id, conversation_id, type, content, metadata,
	status, failure_reason, expires_at, created_at, updated_at`

// mediaMetadataRow: JSON-представление MediaMetadata в колонке metadata.
type mediaMetadataRow struct {
	FileName     string `json:"file_name"`
	FileSize     int64  `json:"file_size"`
	MimeType     string `json:"mime_type"`
	OriginalSize int64  `json:"original_size,omitempty"`
	Width        int    `json:"width,omitempty"`
	Height       int    `json:"height,omitempty"`
	DurationMS   int64  `json:"duration_ms,omitempty"`
	Bitrate      int    `json:"bitrate,omitempty"`
	ThumbnailKey string `json:"thumbnail_key,omitempty"`
	Compression  string `json:"compression,omitempty"`
}

type mediaRepository struct {
	db *sql.DB
}

// NewMediaRepository создаёт PostgreSQL-реализацию MediaRepository.
func NewMediaRepository(store *Store) domain.MediaRepository {
	return &mediaRepository{db: store.DB()}
}

func (r *mediaRepository) Create(ctx context.Context, m domain.MediaMessage) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	metadata, err := encodeMediaMetadata(m.Metadata)
	if err != nil {
		return err
	}

	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO media_messages (`+mediaColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`,
		m.ID, m.SenderID, m.ReceiverID, m.ConversationID, string(m.Type), m.Content, metadata,
		string(m.Status), m.FailureReason, m.ExpiresAt, m.CreatedAt, m.UpdatedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: duplicate media id %s", domain.ErrMediaUploadFailed, m.ID)
		}
		return fmt.Errorf("insert media message: %w", err)
	}
	return nil
}

func (r *mediaRepository) Get(ctx context.Context, id string) (domain.MediaMessage, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	m, err := scanMedia(r.db.QueryRowContext(ctx, `SELECT `+mediaColumns+` FROM media_messages WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.MediaMessage{}, domain.ErrMediaNotFound
		}
		return domain.MediaMessage{}, fmt.Errorf("select media message: %w", err)
	}
	return m, nil
}

func (r *mediaRepository) Save(ctx context.Context, m domain.MediaMessage) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	metadata, err := encodeMediaMetadata(m.Metadata)
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE media_messages
		SET content = $1,
		    metadata = $2,
		    status = $3,
		    failure_reason = $4,
		    expires_at = $5,
		    updated_at = $6
		WHERE id = $7
	`, m.Content, metadata, string(m.Status), m.FailureReason, m.ExpiresAt, m.UpdatedAt, m.ID)
	if err != nil {
		return fmt.Errorf("update media message: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrMediaNotFound
	}
	return nil
}

func (r *mediaRepository) ListExpired(ctx context.Context, now time.Time, after domain.MediaCursor, limit int) ([]domain.MediaMessage, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT `+mediaColumns+`
		FROM media_messages
		WHERE expires_at IS NOT NULL
		  AND expires_at < $1
		  AND (expires_at, id) > ($2, $3)
		ORDER BY expires_at ASC, id ASC
		LIMIT $4
	`, now, after.ExpiresAt, after.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired media: %w", err)
	}
	defer rows.Close()

	result := make([]domain.MediaMessage, 0)
	for rows.Next() {
		m, err := scanMedia(rows)
		if err != nil {
			return nil, fmt.Errorf("scan media row: %w", err)
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate media rows: %w", err)
	}
	return result, nil
}

func (r *mediaRepository) Delete(ctx context.Context, id string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `DELETE FROM media_messages WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete media message: %w", err)
	}
	return nil
}

func scanMedia(row rowScanner) (domain.MediaMessage, error) {
	var (
		m                 domain.MediaMessage
		mediaType, status string
		metadata          []byte
		expiresAt         sql.NullTime
	)
	if err := row.Scan(
		&m.ID, &m.SenderID, &m.ReceiverID, &m.ConversationID, &mediaType, &m.Content, &metadata,
		&status, &m.FailureReason, &expiresAt, &m.CreatedAt, &m.UpdatedAt,
	); err != nil {
		return domain.MediaMessage{}, err
	}

	m.Type = domain.MediaType(mediaType)
	m.Status = domain.MediaStatus(status)
	if expiresAt.Valid {
		ts := expiresAt.Time.UTC()
		m.ExpiresAt = &ts
	}

	var md mediaMetadataRow
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &md); err != nil {
			return domain.MediaMessage{}, fmt.Errorf("decode media metadata: %w", err)
		}
	}
	m.Metadata = domain.MediaMetadata{
		FileName:     md.FileName,
		FileSize:     md.FileSize,
		MimeType:     md.MimeType,
		OriginalSize: md.OriginalSize,
		Width:        md.Width,
		Height:       md.Height,
		Duration:     time.Duration(md.DurationMS) * time.Millisecond,
		Bitrate:      md.Bitrate,
		ThumbnailKey: md.ThumbnailKey,
		Compression:  md.Compression,
	}
	return m, nil
}

func encodeMediaMetadata(md domain.MediaMetadata) ([]byte, error) {
	raw, err := json.Marshal(mediaMetadataRow{
		FileName:     md.FileName,
		FileSize:     md.FileSize,
		MimeType:     md.MimeType,
		OriginalSize: md.OriginalSize,
		Width:        md.Width,
		Height:       md.Height,
		DurationMS:   md.Duration.Milliseconds(),
		Bitrate:      md.Bitrate,
		ThumbnailKey: md.ThumbnailKey,
		Compression:  md.Compression,
	})
	if err != nil {
		return nil, fmt.Errorf("encode media metadata: %w", err)
	}
	return raw, nil
}

var _ domain.MediaRepository = (*mediaRepository)(nil)
