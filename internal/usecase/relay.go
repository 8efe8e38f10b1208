package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/bird-detector/internal/logging"
	"github.com/example/bird-detector/internal/prediction"
	"github.com/example/bird-detector/internal/repository"
)

// Outcome labels used for logs and metrics.
const (
	OutcomeSuccess          = "success"
	OutcomeEmptyInput       = "empty_input"
	OutcomeMissingInput     = "missing_input"
	OutcomeFetchFailed      = "fetch_failed"
	OutcomeUpstreamRejected = "upstream_rejected"
	OutcomeInternalError    = "internal_error"
)

// PredictionRepository defines the persistence operations needed by the use case.
type PredictionRepository interface {
	SaveLog(ctx context.Context, log *repository.PredictionLog) error
	FindByRequestID(ctx context.Context, requestID string) (*repository.PredictionLog, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// Recorder receives per-call observations.
type Recorder interface {
	ObservePrediction(outcome string, upstreamStatus int, latency time.Duration)
	ObserveCache(hit bool)
}

type nopRecorder struct{}

func (nopRecorder) ObservePrediction(string, int, time.Duration) {}
func (nopRecorder) ObserveCache(bool)                            {}

// Result is the successful outcome of one relay call.
type Result struct {
	Predictions json.RawMessage
	Cached      bool
}

// Options wires the optional collaborators of the relay.
type Options struct {
	Cache     Cache
	CacheTTL  time.Duration
	ProjectID string
	ModelName string
	Repo      PredictionRepository
	Recorder  Recorder
}

// RelayUseCase resolves image bytes and relays them to the prediction service.
type RelayUseCase struct {
	fetcher        prediction.Fetcher
	predictor      prediction.Client
	cache          Cache
	cacheTTL       time.Duration
	projectID      string
	modelName      string
	repo           PredictionRepository
	recorder       Recorder
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewRelayUseCase constructs a new use case instance. Cache and Repo may be nil.
func NewRelayUseCase(fetcher prediction.Fetcher, predictor prediction.Client, opts Options, logger *zap.Logger) *RelayUseCase {
	recorder := opts.Recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &RelayUseCase{
		fetcher:        fetcher,
		predictor:      predictor,
		cache:          opts.Cache,
		cacheTTL:       opts.CacheTTL,
		projectID:      opts.ProjectID,
		modelName:      opts.ModelName,
		repo:           opts.Repo,
		recorder:       recorder,
		logger:         logger.Named("relay_usecase"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// Predict runs one relay call: resolve the image, consult the cache, forward
// to the prediction service and record the outcome. Errors belong to the
// prediction package taxonomy.
func (uc *RelayUseCase) Predict(ctx context.Context, requestID string, src prediction.Source) (*Result, error) {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	start := time.Now()
	opLogger := logging.WithOperation(uc.logger, "usecase.predict", requestID)

	entry := &repository.PredictionLog{
		RequestID:  requestID,
		SourceKind: string(src.Kind),
		SourceURL:  src.URL,
	}

	result, err := uc.relay(ctx, requestID, src, entry, opLogger)

	outcome := OutcomeOf(err)
	entry.Outcome = outcome
	entry.LatencyMs = time.Since(start).Milliseconds()
	entry.CreatedAt = time.Now().UTC()
	uc.recorder.ObservePrediction(outcome, entry.UpstreamStatus, time.Since(start))
	uc.saveLog(ctx, entry, opLogger)

	if err != nil {
		opLogger.Warn("prediction relay failed",
			zap.String("outcome", outcome),
			zap.String("failed_operation", logging.OperationOf(err)),
			zap.Error(err))
		return nil, err
	}
	return result, nil
}

func (uc *RelayUseCase) relay(ctx context.Context, requestID string, src prediction.Source, entry *repository.PredictionLog, opLogger *zap.Logger) (*Result, error) {
	var image []byte
	switch src.Kind {
	case prediction.SourceUpload:
		if len(src.Image) == 0 {
			return nil, prediction.ErrEmptyInput
		}
		image = src.Image
	case prediction.SourceURL:
		if src.URL == "" {
			return nil, prediction.ErrMissingInput
		}
		data, err := uc.fetcher.Fetch(ctx, requestID, src.URL)
		if err != nil {
			return nil, err
		}
		image = data
	default:
		return nil, prediction.ErrMissingInput
	}

	sum := sha256.Sum256(image)
	entry.ImageSHA256 = hex.EncodeToString(sum[:])
	entry.ImageSize = len(image)

	cacheKey := ""
	if uc.cache != nil {
		cacheKey = PredictionCacheKey(uc.projectID, uc.modelName, image)
		if cached, ok := uc.lookupCache(ctx, requestID, cacheKey); ok {
			entry.UpstreamStatus = http.StatusOK
			entry.Cached = true
			opLogger.Info("serving cached prediction")
			return &Result{Predictions: cached, Cached: true}, nil
		}
	}

	predictions, err := uc.predictor.Predict(ctx, requestID, image)
	if err != nil {
		var upstream *prediction.UpstreamError
		if errors.As(err, &upstream) {
			entry.UpstreamStatus = upstream.Status
		}
		return nil, err
	}
	entry.UpstreamStatus = http.StatusOK

	if cacheKey != "" && len(predictions) > 0 {
		if err := uc.withCacheRetry(ctx, requestID, "cache.set.prediction", func() error {
			return uc.cache.Set(ctx, cacheKey, string(predictions), uc.cacheTTL)
		}); err != nil {
			opLogger.Warn("failed to cache prediction", zap.Error(err))
		}
	}

	return &Result{Predictions: predictions}, nil
}

func (uc *RelayUseCase) lookupCache(ctx context.Context, requestID, cacheKey string) (json.RawMessage, bool) {
	var value string
	err := uc.withCacheRetry(ctx, requestID, "cache.get.prediction", func() error {
		v, err := uc.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		value = v
		return nil
	})
	switch {
	case err == nil && json.Valid([]byte(value)):
		uc.recorder.ObserveCache(true)
		return json.RawMessage(value), true
	case err == nil:
		logging.WithOperation(uc.logger, "cache.get.prediction", requestID).Warn("discarding malformed cached prediction")
	case !errors.Is(err, redis.Nil):
		logging.WithOperation(uc.logger, "cache.get.prediction", requestID).Warn("failed to read cache", zap.Error(err))
	}
	uc.recorder.ObserveCache(false)
	return nil, false
}

func (uc *RelayUseCase) saveLog(ctx context.Context, entry *repository.PredictionLog, opLogger *zap.Logger) {
	if uc.repo == nil {
		return
	}
	if err := uc.repo.SaveLog(ctx, entry); err != nil {
		opLogger.Error("failed to persist prediction log", zap.Error(err))
	}
}

// OutcomeOf classifies a relay error into an outcome label.
func OutcomeOf(err error) string {
	var upstream *prediction.UpstreamError
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, prediction.ErrEmptyInput):
		return OutcomeEmptyInput
	case errors.Is(err, prediction.ErrMissingInput):
		return OutcomeMissingInput
	case errors.Is(err, prediction.ErrFetchFailed):
		return OutcomeFetchFailed
	case errors.As(err, &upstream):
		return OutcomeUpstreamRejected
	default:
		return OutcomeInternalError
	}
}

func (uc *RelayUseCase) withCacheRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		return logging.NewOperationError(operation, requestID, fn())
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}
		if errors.Is(err, redis.Nil) {
			return err
		}

		if !isTransientError(err) || attempt == uc.retryAttempts-1 {
			opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
