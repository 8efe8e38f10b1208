package customvision

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/example/bird-detector/internal/config"
	"github.com/example/bird-detector/internal/prediction"
)

func testConfig(endpoint, key string) config.CustomVisionConfig {
	return config.CustomVisionConfig{
		Endpoint:  endpoint,
		Key:       key,
		ProjectID: "proj-1",
		ModelName: "birds",
	}
}

func TestPredictForwardsImage(t *testing.T) {
	image := []byte{0x89, 'P', 'N', 'G', 0x00, 0x01}
	var (
		gotPath, gotKey, gotType string
		gotBody                  []byte
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("Prediction-Key")
		gotType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"predictions":[]}`))
	}))
	defer server.Close()

	client := NewClient(server.Client(), testConfig(server.URL, "key-1"), zap.NewNop())
	body, err := client.Predict(context.Background(), "req-1", image)
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if string(body) != `{"predictions":[]}` {
		t.Fatalf("unexpected body: %s", body)
	}
	if gotPath != "/customvision/v3.0/Prediction/proj-1/detect/iterations/birds/image" {
		t.Fatalf("unexpected path: %s", gotPath)
	}
	if gotKey != "key-1" {
		t.Fatalf("unexpected key: %s", gotKey)
	}
	if gotType != "application/octet-stream" {
		t.Fatalf("unexpected content type: %s", gotType)
	}
	if !bytes.Equal(gotBody, image) {
		t.Fatalf("image not forwarded byte-for-byte: %v", gotBody)
	}
}

func TestPredictPropagatesUpstreamStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"code":"Unauthorized"}`, http.StatusForbidden)
	}))
	defer server.Close()

	client := NewClient(server.Client(), testConfig(server.URL, "bad"), zap.NewNop())
	_, err := client.Predict(context.Background(), "req-2", []byte("img"))

	var upstream *prediction.UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if upstream.Status != http.StatusForbidden {
		t.Fatalf("unexpected status: %d", upstream.Status)
	}
}

func TestPredictRejectsInvalidJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>"))
	}))
	defer server.Close()

	client := NewClient(server.Client(), testConfig(server.URL, "k"), zap.NewNop())
	if _, err := client.Predict(context.Background(), "req-3", []byte("img")); !errors.Is(err, prediction.ErrInternal) {
		t.Fatalf("expected ErrInternal, got %v", err)
	}
}

func TestPredictAcceptsEmptySuccessBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client := NewClient(server.Client(), testConfig(server.URL, "k"), zap.NewNop())
	body, err := client.Predict(context.Background(), "req-5", []byte("img"))
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}
	if len(body) != 0 {
		t.Fatalf("expected empty payload, got %s", body)
	}
}

func TestPredictRejectsOversizedResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload := `"` + strings.Repeat("a", maxBodySize) + `"`
		_, _ = w.Write([]byte(payload))
	}))
	defer server.Close()

	client := NewClient(server.Client(), testConfig(server.URL, "k"), zap.NewNop())
	_, err := client.Predict(context.Background(), "req-6", []byte("img"))
	if !errors.Is(err, prediction.ErrInternal) {
		t.Fatalf("expected ErrInternal, got %v", err)
	}
	if !strings.Contains(err.Error(), "exceeds") {
		t.Fatalf("expected size error, got %v", err)
	}
}

func TestPredictWithoutEndpointIsInternalError(t *testing.T) {
	client := NewClient(http.DefaultClient, config.CustomVisionConfig{}, zap.NewNop())
	if _, err := client.Predict(context.Background(), "req-4", []byte("img")); !errors.Is(err, prediction.ErrInternal) {
		t.Fatalf("expected ErrInternal, got %v", err)
	}
}

func TestConcurrentClientsKeepTheirOwnKeys(t *testing.T) {
	var (
		mu       sync.Mutex
		mismatch []string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if want := strings.TrimPrefix(string(body), "image-for-"); r.Header.Get("Prediction-Key") != want {
			mu.Lock()
			mismatch = append(mismatch, want)
			mu.Unlock()
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer server.Close()

	shared := server.Client()
	alpha := NewClient(shared, testConfig(server.URL, "alpha"), zap.NewNop())
	beta := NewClient(shared, testConfig(server.URL, "beta"), zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = alpha.Predict(context.Background(), "a", []byte("image-for-alpha"))
		}()
		go func() {
			defer wg.Done()
			_, _ = beta.Predict(context.Background(), "b", []byte("image-for-beta"))
		}()
	}
	wg.Wait()

	if len(mismatch) != 0 {
		t.Fatalf("requests carried the wrong key: %v", mismatch)
	}
}
