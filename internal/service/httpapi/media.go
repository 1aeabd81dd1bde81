package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/vladislavdragonenkov/jms/internal/domain"
	"github.com/vladislavdragonenkov/jms/internal/service/media"
)

const (
	// maxUploadRequest: самый большой лимит типа (видео) плюс запас на multipart-обвязку.
	maxUploadRequest = 50<<20 + 1<<20
	multipartMemory  = 8 << 20

	thumbnailCacheControl = "public, max-age=31536000, immutable"
	mediaCacheControl     = "private, max-age=3600"
)

func (h *handlers) uploadMedia(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUploadRequest)
	if err := c.Request.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(c, fmt.Errorf("%w: request exceeds %d bytes", domain.ErrFileTooLarge, tooLarge.Limit))
			return
		}
		c.AbortWithStatusJSON(http.StatusBadRequest, errorBody("bad_request", "invalid multipart form: "+err.Error()))
		return
	}

	header, err := c.FormFile("file")
	if err != nil {
		respondError(c, fmt.Errorf("%w: file", domain.ErrMissingFields))
		return
	}
	file, err := header.Open()
	if err != nil {
		respondError(c, fmt.Errorf("%w: open upload: %v", domain.ErrMediaUploadFailed, err))
		return
	}
	defer file.Close()

	result, err := h.uploader.Upload(c.Request.Context(), media.UploadRequest{
		SenderID:       actorFrom(c).UserID,
		ReceiverID:     c.PostForm("receiver_id"),
		ConversationID: c.PostForm("conversation_id"),
		Type:           domain.MediaType(strings.ToLower(c.PostForm("type"))),
		FileName:       header.Filename,
		Body:           file,
		Size:           header.Size,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	out := toMediaResponse(result.Message)
	out.URL, out.ThumbnailURL = result.URL, result.ThumbnailURL
	c.JSON(http.StatusCreated, out)
}

func (h *handlers) streamMedia(c *gin.Context) {
	msg, obj, err := h.media.Open(c.Request.Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	defer obj.Close()

	c.Header("Cache-Control", mediaCacheControl)
	serveObject(c, obj, msg.Metadata.MimeType, msg.Metadata.FileName)
}

func (h *handlers) streamThumbnail(c *gin.Context) {
	_, obj, err := h.media.OpenThumbnail(c.Request.Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	defer obj.Close()

	c.Header("Cache-Control", thumbnailCacheControl)
	serveObject(c, obj, "image/jpeg", "")
}

func (h *handlers) updateMediaStatus(c *gin.Context) {
	var req mediaStatusRequest
	if !bindJSON(c, &req) {
		return
	}

	var (
		msg domain.MediaMessage
		err error
	)
	switch domain.MediaStatus(strings.ToLower(req.Status)) {
	case domain.MediaStatusDelivered:
		msg, err = h.media.MarkDelivered(c.Request.Context(), actorFrom(c), c.Param("id"))
	case domain.MediaStatusRead:
		msg, err = h.media.MarkRead(c.Request.Context(), actorFrom(c), c.Param("id"))
	default:
		err = domain.NewValidationError([]error{fmt.Errorf("status must be delivered or read, got %q", req.Status)})
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toMediaResponse(msg))
}

// serveObject отдаёт объект через http.ServeContent: Range, If-Modified-Since, HEAD.
func serveObject(c *gin.Context, obj domain.Object, contentType, fileName string) {
	if contentType == "" {
		contentType = obj.ContentType()
	}
	if contentType != "" {
		c.Header("Content-Type", contentType)
	}
	c.Header("Accept-Ranges", "bytes")
	c.Header("X-Content-Type-Options", "nosniff")
	if fileName != "" {
		c.Header("Content-Disposition", "inline; filename="+strconv.Quote(fileName))
	}
	http.ServeContent(c.Writer, c.Request, fileName, obj.ModTime(), obj)
}
