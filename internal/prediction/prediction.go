// Package prediction holds the contracts shared by the relay steps: the
// image source variants, the upstream client interface and the error
// taxonomy that the HTTP layer translates into status codes.
package prediction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// SourceKind identifies where the image bytes came from.
type SourceKind string

const (
	SourceUpload SourceKind = "upload"
	SourceURL    SourceKind = "url"
)

// Source is the resolved image input of one relay call. Exactly one of
// Image (upload) or URL (remote) is meaningful, selected by Kind.
type Source struct {
	Kind     SourceKind
	Image    []byte
	URL      string
	Filename string
}

// Client submits image bytes to a prediction service.
type Client interface {
	Predict(ctx context.Context, requestID string, image []byte) (json.RawMessage, error)
}

// Fetcher downloads image bytes from a caller supplied URL.
type Fetcher interface {
	Fetch(ctx context.Context, requestID, rawURL string) ([]byte, error)
}

var (
	// ErrEmptyInput is returned when the uploaded file has zero length.
	ErrEmptyInput = errors.New("the provided image file is empty")
	// ErrMissingInput is returned when neither a file nor a URL was supplied.
	ErrMissingInput = errors.New("no image file or URL provided")
	// ErrFetchFailed is returned when the remote image could not be downloaded.
	ErrFetchFailed = errors.New("failed to download image")
	// ErrInternal covers failures building or sending the prediction request.
	ErrInternal = errors.New("prediction request failed")
)

// UpstreamError reports a non-success status from the prediction service.
type UpstreamError struct {
	Status int
	Reason string
}

func (e *UpstreamError) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = http.StatusText(e.Status)
	}
	return fmt.Sprintf("prediction rejected with status %d (%s)", e.Status, reason)
}
