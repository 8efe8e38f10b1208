package imagefetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/example/bird-detector/internal/logging"
	"github.com/example/bird-detector/internal/prediction"
)

// UserAgent is sent on downloads; some image hosts reject Go's default client identifier.
const UserAgent = "Mozilla/5.0 (compatible; AzureFunction/1.0)"

// Fetcher downloads images over the shared outbound HTTP client.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
	logger   *zap.Logger
}

// NewFetcher creates a downloader. maxBytes <= 0 disables the size cap.
func NewFetcher(client *http.Client, maxBytes int64, logger *zap.Logger) *Fetcher {
	return &Fetcher{client: client, maxBytes: maxBytes, logger: logger.Named("imagefetch")}
}

// Fetch returns the body of rawURL. Every failure wraps prediction.ErrFetchFailed.
func (f *Fetcher) Fetch(ctx context.Context, requestID, rawURL string) ([]byte, error) {
	opLogger := logging.WithOperation(f.logger, "imagefetch.download", requestID)

	data, err := f.download(ctx, rawURL)
	if err != nil {
		wrapped := logging.NewOperationError("imagefetch.download", requestID, fmt.Errorf("%w: %v", prediction.ErrFetchFailed, err))
		opLogger.Error("error downloading image from URL", zap.Error(wrapped), zap.String("url", rawURL))
		return nil, wrapped
	}
	opLogger.Debug("image downloaded", zap.String("url", rawURL), zap.Int("bytes", len(data)))
	return data, nil
}

func (f *Fetcher) download(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	body := io.Reader(resp.Body)
	if f.maxBytes > 0 {
		body = io.LimitReader(resp.Body, f.maxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	if f.maxBytes > 0 && int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("image exceeds %d bytes", f.maxBytes)
	}
	return data, nil
}
