package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/bird-detector/internal/logging"
	"github.com/example/bird-detector/internal/prediction"
	"github.com/example/bird-detector/internal/repository"
	"github.com/example/bird-detector/internal/usecase"
)

// DefaultMaxUploadSize matches the Custom Vision prediction image limit.
const DefaultMaxUploadSize = 4 << 20

// RelayRoute is the function route of the relay.
const RelayRoute = "/api/CustomVision"

const (
	msgEmptyImage     = "The provided image file is empty."
	msgMissingInput   = "Please provide an image file or a URL."
	msgDownloadFailed = "Failed to download image from the provided URL."
	msgTooLarge       = "The provided image file is too large."
)

// Relay is the contract the HTTP layer needs from the use case.
type Relay interface {
	Predict(ctx context.Context, requestID string, src prediction.Source) (*usecase.Result, error)
	GetResult(ctx context.Context, requestID string) (*repository.PredictionLog, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

// Options configures RegisterRoutes.
type Options struct {
	MaxUploadSize  int64
	Auth           gin.HandlerFunc
	MetricsHandler http.Handler
	Logger         *zap.Logger
}

// urlField is the exact, case-sensitive JSON property holding the image URL.
const urlField = "Url"

// multipartOverhead allows for boundaries and part headers around the file.
const multipartOverhead = 64 << 10

// errUploadTooLarge reports a file part larger than the upload limit.
var errUploadTooLarge = errors.New("uploaded file exceeds size limit")

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, relay Relay, opts Options) {
	if opts.MaxUploadSize <= 0 {
		opts.MaxUploadSize = DefaultMaxUploadSize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Auth == nil {
		opts.Auth = func(c *gin.Context) { c.Next() }
	}
	logger := opts.Logger.Named("handlers")

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if opts.MetricsHandler != nil {
		router.GET("/metrics", gin.WrapH(opts.MetricsHandler))
	}

	api := router.Group(RelayRoute, opts.Auth)

	predict := func(c *gin.Context) {
		requestID := RequestID(c)
		opLogger := logging.WithOperation(logger, "handlers.predict", requestID)
		opLogger.Info("HTTP trigger function processed a request")

		src, err := resolveSource(c, opts.MaxUploadSize)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.Is(err, errUploadTooLarge) || errors.As(err, &tooLarge) {
				opLogger.Warn("upload exceeds size limit", zap.Int64("limit", opts.MaxUploadSize))
				c.String(http.StatusRequestEntityTooLarge, msgTooLarge)
				return
			}
			// An unreadable body carries no usable source and resolves to MissingInput.
			opLogger.Warn("malformed request body treated as missing input", zap.Error(err))
		}
		if src.Kind == prediction.SourceUpload {
			opLogger.Info("received image upload", zap.String("filename", src.Filename), zap.Int("bytes", len(src.Image)))
		}

		result, err := relay.Predict(c.Request.Context(), requestID, src)
		if err != nil {
			writeRelayError(c, err)
			return
		}
		if result.Cached {
			c.Header("X-Cache", "HIT")
		}
		if len(result.Predictions) == 0 {
			c.Status(http.StatusNoContent)
			return
		}
		c.Data(http.StatusOK, "application/json; charset=utf-8", result.Predictions)
	}
	api.GET("", predict)
	api.POST("", predict)

	api.GET("/results/:id", func(c *gin.Context) {
		log, err := relay.GetResult(c.Request.Context(), c.Param("id"))
		switch {
		case errors.Is(err, usecase.ErrLogDisabled):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		case errors.Is(err, repository.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
			return
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load result"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"request_id":      log.RequestID,
			"source_kind":     log.SourceKind,
			"source_url":      log.SourceURL,
			"image_sha256":    log.ImageSHA256,
			"image_size":      log.ImageSize,
			"upstream_status": log.UpstreamStatus,
			"outcome":         log.Outcome,
			"cached":          log.Cached,
			"latency_ms":      log.LatencyMs,
			"created_at":      log.CreatedAt,
		})
	})

	api.GET("/metrics", func(c *gin.Context) {
		summary, err := relay.GetMetricsSummary(c.Request.Context())
		switch {
		case errors.Is(err, usecase.ErrLogDisabled):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to aggregate metrics"})
			return
		}
		c.JSON(http.StatusOK, summary)
	})
}

// resolveSource picks the first file part of a multipart body, otherwise the
// Url field of a JSON body. An unusable body yields an empty Source.
func resolveSource(c *gin.Context, maxUpload int64) (prediction.Source, error) {
	if c.Request.Body == nil || c.Request.Body == http.NoBody {
		return prediction.Source{}, nil
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxUpload+multipartOverhead)

	if c.ContentType() == gin.MIMEMultipartPOSTForm {
		return firstFilePart(c.Request, maxUpload)
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return prediction.Source{}, err
	}
	if rawURL := urlFromJSON(body); rawURL != "" {
		return prediction.Source{Kind: prediction.SourceURL, URL: rawURL}, nil
	}
	return prediction.Source{}, nil
}

// urlFromJSON returns the string value of the top-level Url property, or ""
// when the body is not a JSON object or the property is absent or not a string.
func urlFromJSON(body []byte) string {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return ""
	}
	raw, ok := fields[urlField]
	if !ok {
		return ""
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return ""
	}
	return value
}

func firstFilePart(r *http.Request, maxUpload int64) (prediction.Source, error) {
	reader, err := r.MultipartReader()
	if err != nil {
		return prediction.Source{}, err
	}
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			return prediction.Source{}, nil
		}
		if err != nil {
			return prediction.Source{}, err
		}
		if part.FileName() == "" {
			_ = drain(part)
			continue
		}
		data, err := io.ReadAll(io.LimitReader(part, maxUpload+1))
		part.Close()
		if err != nil {
			return prediction.Source{}, err
		}
		if int64(len(data)) > maxUpload {
			return prediction.Source{}, errUploadTooLarge
		}
		return prediction.Source{Kind: prediction.SourceUpload, Image: data, Filename: part.FileName()}, nil
	}
}

func drain(part *multipart.Part) error {
	defer part.Close()
	_, err := io.Copy(io.Discard, part)
	return err
}

func writeRelayError(c *gin.Context, err error) {
	var upstream *prediction.UpstreamError
	switch {
	case errors.Is(err, prediction.ErrEmptyInput):
		c.String(http.StatusBadRequest, msgEmptyImage)
	case errors.Is(err, prediction.ErrMissingInput):
		c.String(http.StatusBadRequest, msgMissingInput)
	case errors.Is(err, prediction.ErrFetchFailed):
		c.String(http.StatusBadRequest, msgDownloadFailed)
	case errors.As(err, &upstream):
		c.Status(upstream.Status)
	default:
		c.Status(http.StatusInternalServerError)
	}
}
