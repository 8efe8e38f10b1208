package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/example/bird-detector/internal/logging"
	"github.com/example/bird-detector/internal/prediction"
	"github.com/example/bird-detector/internal/repository"
)

type stubRepository struct {
	savedLogs []*repository.PredictionLog
	saveErr   error
	findLog   *repository.PredictionLog
	findErr   error
	agg       *repository.MetricsAggregation
}

func (s *stubRepository) SaveLog(ctx context.Context, log *repository.PredictionLog) error {
	s.savedLogs = append(s.savedLogs, log)
	return s.saveErr
}

func (s *stubRepository) FindByRequestID(ctx context.Context, requestID string) (*repository.PredictionLog, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	if s.findLog != nil {
		return s.findLog, nil
	}
	return nil, repository.ErrNotFound
}

func (s *stubRepository) AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error) {
	if s.agg == nil {
		return &repository.MetricsAggregation{}, nil
	}
	return s.agg, nil
}

type stubCache struct {
	setErrs   []error
	getErrs   []error
	getValues []string
	setKeys   []string
	setValues []interface{}
	getKeys   []string
}

func (s *stubCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	s.setKeys = append(s.setKeys, key)
	s.setValues = append(s.setValues, value)
	if len(s.setErrs) == 0 {
		return nil
	}
	err := s.setErrs[0]
	s.setErrs = s.setErrs[1:]
	return err
}

func (s *stubCache) Get(ctx context.Context, key string) (string, error) {
	s.getKeys = append(s.getKeys, key)
	var value string
	if len(s.getValues) > 0 {
		value = s.getValues[0]
		s.getValues = s.getValues[1:]
	}
	var err error
	if len(s.getErrs) > 0 {
		err = s.getErrs[0]
		s.getErrs = s.getErrs[1:]
	}
	return value, err
}

type stubPredictor struct {
	body   json.RawMessage
	err    error
	images [][]byte
}

func (s *stubPredictor) Predict(ctx context.Context, requestID string, image []byte) (json.RawMessage, error) {
	s.images = append(s.images, image)
	if s.err != nil {
		return nil, s.err
	}
	return s.body, nil
}

type stubFetcher struct {
	data []byte
	err  error
	urls []string
}

func (s *stubFetcher) Fetch(ctx context.Context, requestID, rawURL string) ([]byte, error) {
	s.urls = append(s.urls, rawURL)
	return s.data, s.err
}

type stubRecorder struct {
	outcomes []string
	hits     []bool
}

func (s *stubRecorder) ObservePrediction(outcome string, upstreamStatus int, latency time.Duration) {
	s.outcomes = append(s.outcomes, outcome)
}

func (s *stubRecorder) ObserveCache(hit bool) { s.hits = append(s.hits, hit) }

type transientRedisError struct{}

func (transientRedisError) Error() string   { return "redis transient" }
func (transientRedisError) Timeout() bool   { return true }
func (transientRedisError) Temporary() bool { return true }

func TestPredictRejectsEmptyUpload(t *testing.T) {
	repo := &stubRepository{}
	predictor := &stubPredictor{}
	uc := NewRelayUseCase(&stubFetcher{}, predictor, Options{Repo: repo}, zap.NewNop())

	_, err := uc.Predict(context.Background(), "req-1", prediction.Source{Kind: prediction.SourceUpload})
	if !errors.Is(err, prediction.ErrEmptyInput) {
		t.Fatalf("expected ErrEmptyInput, got %v", err)
	}
	if len(predictor.images) != 0 {
		t.Fatal("prediction service must not be called for empty input")
	}
	if len(repo.savedLogs) != 1 || repo.savedLogs[0].Outcome != OutcomeEmptyInput {
		t.Fatalf("expected empty_input log, got %+v", repo.savedLogs)
	}
}

func TestPredictRejectsMissingSource(t *testing.T) {
	uc := NewRelayUseCase(&stubFetcher{}, &stubPredictor{}, Options{}, zap.NewNop())

	_, err := uc.Predict(context.Background(), "req-2", prediction.Source{})
	if !errors.Is(err, prediction.ErrMissingInput) {
		t.Fatalf("expected ErrMissingInput, got %v", err)
	}
}

func TestPredictForwardsFetchedBytes(t *testing.T) {
	fetched := []byte("sparrow-bytes")
	fetcher := &stubFetcher{data: fetched}
	predictor := &stubPredictor{body: json.RawMessage(`{"predictions":[]}`)}
	recorder := &stubRecorder{}
	uc := NewRelayUseCase(fetcher, predictor, Options{Recorder: recorder}, zap.NewNop())

	result, err := uc.Predict(context.Background(), "req-3", prediction.Source{Kind: prediction.SourceURL, URL: "https://birds.example/sparrow.jpg"})
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if string(result.Predictions) != `{"predictions":[]}` {
		t.Fatalf("unexpected predictions: %s", result.Predictions)
	}
	if len(predictor.images) != 1 || string(predictor.images[0]) != string(fetched) {
		t.Fatalf("expected fetched bytes to be forwarded, got %q", predictor.images)
	}
	if len(recorder.outcomes) != 1 || recorder.outcomes[0] != OutcomeSuccess {
		t.Fatalf("unexpected outcomes: %v", recorder.outcomes)
	}
}

func TestPredictReturnsFetchFailure(t *testing.T) {
	fetcher := &stubFetcher{err: prediction.ErrFetchFailed}
	predictor := &stubPredictor{}
	uc := NewRelayUseCase(fetcher, predictor, Options{}, zap.NewNop())

	_, err := uc.Predict(context.Background(), "req-4", prediction.Source{Kind: prediction.SourceURL, URL: "http://127.0.0.1:1/x"})
	if OutcomeOf(err) != OutcomeFetchFailed {
		t.Fatalf("expected fetch_failed, got %v", err)
	}
	if len(predictor.images) != 0 {
		t.Fatal("prediction service must not be called when the download fails")
	}
}

func TestPredictLogsFailedOperation(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	predictor := &stubPredictor{err: logging.NewOperationError("customvision.predict", "req-10", prediction.ErrInternal)}
	uc := NewRelayUseCase(&stubFetcher{}, predictor, Options{}, zap.New(core))

	if _, err := uc.Predict(context.Background(), "req-10", prediction.Source{Kind: prediction.SourceUpload, Image: []byte("img")}); err == nil {
		t.Fatal("expected error, got nil")
	}

	entries := logs.FilterMessage("prediction relay failed").All()
	if len(entries) != 1 {
		t.Fatalf("expected one failure log, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["failed_operation"] != "customvision.predict" {
		t.Fatalf("unexpected failed_operation: %v", fields["failed_operation"])
	}
	if fields["outcome"] != OutcomeInternalError {
		t.Fatalf("unexpected outcome: %v", fields["outcome"])
	}
}

func TestPredictRecordsUpstreamStatus(t *testing.T) {
	repo := &stubRepository{}
	predictor := &stubPredictor{err: &prediction.UpstreamError{Status: http.StatusForbidden}}
	uc := NewRelayUseCase(&stubFetcher{}, predictor, Options{Repo: repo}, zap.NewNop())

	_, err := uc.Predict(context.Background(), "req-5", prediction.Source{Kind: prediction.SourceUpload, Image: []byte("img")})
	var upstream *prediction.UpstreamError
	if !errors.As(err, &upstream) || upstream.Status != http.StatusForbidden {
		t.Fatalf("expected 403 UpstreamError, got %v", err)
	}
	if repo.savedLogs[0].UpstreamStatus != http.StatusForbidden {
		t.Fatalf("unexpected logged status: %d", repo.savedLogs[0].UpstreamStatus)
	}
	if repo.savedLogs[0].Outcome != OutcomeUpstreamRejected {
		t.Fatalf("unexpected outcome: %s", repo.savedLogs[0].Outcome)
	}
}

func TestPredictServesCacheHit(t *testing.T) {
	cache := &stubCache{getValues: []string{`{"predictions":[{"tagName":"robin"}]}`}}
	predictor := &stubPredictor{}
	uc := NewRelayUseCase(&stubFetcher{}, predictor, Options{Cache: cache, ProjectID: "p", ModelName: "m"}, zap.NewNop())

	result, err := uc.Predict(context.Background(), "req-6", prediction.Source{Kind: prediction.SourceUpload, Image: []byte("img")})
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if !result.Cached {
		t.Fatal("expected cached result")
	}
	if len(predictor.images) != 0 {
		t.Fatal("prediction service must not be called on a cache hit")
	}
	if cache.getKeys[0] != PredictionCacheKey("p", "m", []byte("img")) {
		t.Fatalf("unexpected cache key: %s", cache.getKeys[0])
	}
}

func TestPredictRetriesTransientCacheWrite(t *testing.T) {
	cache := &stubCache{
		getErrs: []error{redis.Nil},
		setErrs: []error{transientRedisError{}},
	}
	predictor := &stubPredictor{body: json.RawMessage(`{"predictions":[]}`)}
	uc := NewRelayUseCase(&stubFetcher{}, predictor, Options{Cache: cache, CacheTTL: time.Minute}, zap.NewNop())
	uc.initialBackoff = time.Millisecond

	if _, err := uc.Predict(context.Background(), "req-7", prediction.Source{Kind: prediction.SourceUpload, Image: []byte("img")}); err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if len(cache.setKeys) != 2 {
		t.Fatalf("expected 2 cache set calls, got %d", len(cache.setKeys))
	}
	if cache.setKeys[0] != cache.setKeys[1] {
		t.Fatalf("expected retry to target same key, got %s and %s", cache.setKeys[0], cache.setKeys[1])
	}
	if len(cache.getKeys) != 1 {
		t.Fatalf("cache miss must not be retried, got %d gets", len(cache.getKeys))
	}
}

func TestPredictIgnoresCacheFailures(t *testing.T) {
	cache := &stubCache{
		getErrs: []error{errors.New("connection refused")},
		setErrs: []error{errors.New("connection refused")},
	}
	predictor := &stubPredictor{body: json.RawMessage(`{}`)}
	uc := NewRelayUseCase(&stubFetcher{}, predictor, Options{Cache: cache}, zap.NewNop())

	if _, err := uc.Predict(context.Background(), "req-8", prediction.Source{Kind: prediction.SourceUpload, Image: []byte("img")}); err != nil {
		t.Fatalf("cache failures must not fail the relay, got %v", err)
	}
	if len(predictor.images) != 1 {
		t.Fatal("expected prediction service to be called")
	}
}

func TestPredictDoesNotCacheEmptyPrediction(t *testing.T) {
	cache := &stubCache{getErrs: []error{redis.Nil}}
	predictor := &stubPredictor{}
	uc := NewRelayUseCase(&stubFetcher{}, predictor, Options{Cache: cache, CacheTTL: time.Minute}, zap.NewNop())

	result, err := uc.Predict(context.Background(), "req-9", prediction.Source{Kind: prediction.SourceUpload, Image: []byte("img")})
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if len(result.Predictions) != 0 {
		t.Fatalf("expected empty predictions, got %s", result.Predictions)
	}
	if len(cache.setKeys) != 0 {
		t.Fatalf("empty prediction must not be cached, got %d sets", len(cache.setKeys))
	}
}

func TestPredictIgnoresLogFailures(t *testing.T) {
	repo := &stubRepository{saveErr: errors.New("db down")}
	predictor := &stubPredictor{body: json.RawMessage(`{}`)}
	uc := NewRelayUseCase(&stubFetcher{}, predictor, Options{Repo: repo}, zap.NewNop())

	if _, err := uc.Predict(context.Background(), "", prediction.Source{Kind: prediction.SourceUpload, Image: []byte("img")}); err != nil {
		t.Fatalf("log failures must not fail the relay, got %v", err)
	}
	if repo.savedLogs[0].RequestID == "" {
		t.Fatal("expected a generated request id")
	}
}

func TestGetMetricsSummaryComputesSuccessRate(t *testing.T) {
	repo := &stubRepository{agg: &repository.MetricsAggregation{TotalCount: 4, SuccessCount: 3, AverageLatencyMs: 120}}
	uc := NewRelayUseCase(&stubFetcher{}, &stubPredictor{}, Options{Repo: repo}, zap.NewNop())

	summary, err := uc.GetMetricsSummary(context.Background())
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if summary.SuccessRate != 0.75 {
		t.Fatalf("unexpected success rate: %f", summary.SuccessRate)
	}
}

func TestLogQueriesRequireRepository(t *testing.T) {
	uc := NewRelayUseCase(&stubFetcher{}, &stubPredictor{}, Options{}, zap.NewNop())

	if _, err := uc.GetResult(context.Background(), "req"); !errors.Is(err, ErrLogDisabled) {
		t.Fatalf("expected ErrLogDisabled, got %v", err)
	}
	if _, err := uc.GetMetricsSummary(context.Background()); !errors.Is(err, ErrLogDisabled) {
		t.Fatalf("expected ErrLogDisabled, got %v", err)
	}
}
