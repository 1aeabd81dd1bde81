package media

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif" // декодер gif для image.Decode
	"image/jpeg"
	"image/png"
	"time"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // регистрирует декодер webp для image.Decode

	"github.com/vladislavdragonenkov/jms/internal/domain"
)

const (
	maxImageDimension = 1920
	// maxImagePixels ограничивает буфер декодера: размер файла его не ограничивает.
	maxImagePixels = 40_000_000
	thumbnailSize     = 320
	jpegQuality       = 85
	thumbnailQuality  = 75

	audioBitrateCap = 128_000
	videoBitrateCap = 2_500_000
)

// Processed содержит результат обработки файла перед записью в хранилище.
type Processed struct {
	Data        []byte
	ContentType string
	Extension   string
	Width       int
	Height      int
	Duration    time.Duration
	Bitrate     int
	Compression string
	Thumbnail   []byte
}

// Transcoder перекодирует аудио/видео с ограничением битрейта.
type Transcoder interface {
	Transcode(ctx context.Context, data []byte, contentType string, maxBitrate int) (Processed, error)
}

// ThumbnailExtractor достаёт кадр-превью из видео (JPEG).
type ThumbnailExtractor interface {
	Extract(ctx context.Context, data []byte, contentType string) ([]byte, error)
}

// PassthroughTranscoder сохраняет файл как есть. Используется, пока не подключён внешний кодек.
type PassthroughTranscoder struct{}

func (PassthroughTranscoder) Transcode(_ context.Context, data []byte, contentType string, maxBitrate int) (Processed, error) {
	return Processed{
		Data:        data,
		ContentType: contentType,
		Bitrate:     maxBitrate,
		Compression: "passthrough",
	}, nil
}

// processImage уменьшает изображение до maxImageDimension и строит превью.
// GIF хранится без перекодирования, чтобы не потерять анимацию.
func processImage(data []byte, contentType string) (Processed, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Processed{}, fmt.Errorf("decode image config: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || int64(cfg.Width)*int64(cfg.Height) > maxImagePixels {
		return Processed{}, fmt.Errorf("%w: %dx%d exceeds %d pixels", domain.ErrFileTooLarge, cfg.Width, cfg.Height, maxImagePixels)
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return Processed{}, fmt.Errorf("decode image: %w", err)
	}
	bounds := img.Bounds()

	thumb, err := encodeJPEG(scaleToFit(img, thumbnailSize, draw.ApproxBiLinear), thumbnailQuality)
	if err != nil {
		return Processed{}, fmt.Errorf("encode thumbnail: %w", err)
	}

	if format == "gif" {
		return Processed{
			Data:        data,
			ContentType: contentType,
			Extension:   ".gif",
			Width:       cfg.Width,
			Height:      cfg.Height,
			Compression: "original",
			Thumbnail:   thumb,
		}, nil
	}

	scaled := scaleToFit(img, maxImageDimension, draw.CatmullRom)
	out := Processed{
		Width:     scaled.Bounds().Dx(),
		Height:    scaled.Bounds().Dy(),
		Thumbnail: thumb,
	}

	// PNG остаётся PNG (прозрачность), остальное перекодируется в JPEG.
	if format == "png" {
		var buf bytes.Buffer
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		if err := enc.Encode(&buf, scaled); err != nil {
			return Processed{}, fmt.Errorf("encode png: %w", err)
		}
		out.Data, out.ContentType, out.Extension, out.Compression = buf.Bytes(), "image/png", ".png", "png best-compression"
	} else {
		encoded, err := encodeJPEG(scaled, jpegQuality)
		if err != nil {
			return Processed{}, fmt.Errorf("encode jpeg: %w", err)
		}
		out.Data, out.ContentType, out.Extension, out.Compression = encoded, "image/jpeg", ".jpg", fmt.Sprintf("jpeg q=%d", jpegQuality)
	}

	if bounds.Dx() != out.Width {
		out.Compression += fmt.Sprintf(", resized from %dx%d", bounds.Dx(), bounds.Dy())
	}
	return out, nil
}

// scaleToFit вписывает изображение в квадрат limit×limit с сохранением пропорций.
func scaleToFit(src image.Image, limit int, scaler draw.Scaler) image.Image {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= limit && h <= limit {
		return src
	}

	if w >= h {
		h = max(1, h*limit/w)
		w = limit
	} else {
		w = max(1, w*limit/h)
		h = limit
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	scaler.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
	return dst
}

func encodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func bitrateCap(t domain.MediaType) int {
	if t == domain.MediaTypeVideo {
		return videoBitrateCap
	}
	return audioBitrateCap
}
