// Package customvision calls the Azure Custom Vision object detection
// prediction API.
package customvision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/example/bird-detector/internal/config"
	"github.com/example/bird-detector/internal/logging"
	"github.com/example/bird-detector/internal/prediction"
)

const (
	keyHeader   = "Prediction-Key"
	contentType = "application/octet-stream"
	maxBodySize = 8 << 20
)

// Client posts image bytes to the configured prediction iteration.
type Client struct {
	httpClient *http.Client
	url        string
	key        string
	logger     *zap.Logger
}

// NewClient binds the shared outbound HTTP client to one project iteration.
func NewClient(httpClient *http.Client, cfg config.CustomVisionConfig, logger *zap.Logger) *Client {
	predictionURL := ""
	if cfg.Endpoint != "" {
		predictionURL = cfg.PredictionURL()
	}
	return &Client{
		httpClient: httpClient,
		url:        predictionURL,
		key:        cfg.Key,
		logger:     logger.Named("customvision"),
	}
}

// Predict submits image and returns the JSON prediction payload unchanged.
// An empty success body yields a nil payload.
// A non-success upstream status yields *prediction.UpstreamError; any other
// failure wraps prediction.ErrInternal.
func (c *Client) Predict(ctx context.Context, requestID string, image []byte) (json.RawMessage, error) {
	opLogger := logging.WithOperation(c.logger, "customvision.predict", requestID)

	if c.url == "" {
		return nil, c.internal(opLogger, requestID, errors.New("prediction endpoint is not configured"))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(image))
	if err != nil {
		return nil, c.internal(opLogger, requestID, err)
	}
	// Set per request: the shared client carries no default headers.
	req.Header.Set(keyHeader, c.key)
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.internal(opLogger, requestID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		upstream := &prediction.UpstreamError{Status: resp.StatusCode, Reason: http.StatusText(resp.StatusCode)}
		opLogger.Error("prediction failed", zap.Int("status", resp.StatusCode), zap.String("reason", upstream.Reason))
		return nil, logging.NewOperationError("customvision.predict", requestID, upstream)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize+1))
	if err != nil {
		return nil, c.internal(opLogger, requestID, err)
	}
	if len(body) > maxBodySize {
		return nil, c.internal(opLogger, requestID, fmt.Errorf("prediction response exceeds %d bytes", maxBodySize))
	}
	if len(body) == 0 {
		opLogger.Info("prediction succeeded without content", zap.Int("status", resp.StatusCode))
		return nil, nil
	}
	if !json.Valid(body) {
		return nil, c.internal(opLogger, requestID, errors.New("prediction response is not valid JSON"))
	}

	opLogger.Info("predictions received", zap.ByteString("predictions", body))
	return json.RawMessage(body), nil
}

func (c *Client) internal(opLogger *zap.Logger, requestID string, err error) error {
	wrapped := logging.NewOperationError("customvision.predict", requestID, fmt.Errorf("%w: %v", prediction.ErrInternal, err))
	opLogger.Error("error occurred while processing the image", zap.Error(wrapped))
	return wrapped
}
