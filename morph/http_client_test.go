package morph

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchLandmarksFromAPI(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Accept"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(sampleExportJSON))
	}))
	defer server.Close()

	s, err := FetchLandmarksFromAPI(server.URL)
	require.NoError(t, err)
	assert.Equal(t, "skull-a", s.Name)
	assert.Len(t, s.Landmarks, 3)
}

func TestFetchLandmarksEmptyURL(t *testing.T) {
	_, err := FetchLandmarksFromAPI("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "API URL is empty")
}

func TestFetchLandmarksRetriesTransientFailure(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(sampleExportJSON))
	}))
	defer server.Close()

	s, err := FetchLandmarksFromAPI(server.URL,
		WithMaxRetries(3),
		WithBaseBackoff(time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, "skull-a", s.Name)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchLandmarksExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := FetchLandmarksFromAPI(server.URL,
		WithMaxRetries(2),
		WithBaseBackoff(time.Millisecond))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "all 2 attempts failed")
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetchLandmarksParseErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = w.Write([]byte("definitely not json"))
	}))
	defer server.Close()

	_, err := FetchLandmarksFromAPI(server.URL,
		WithMaxRetries(3),
		WithBaseBackoff(time.Millisecond))
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "malformed payloads are permanent failures")
}

func TestFetchLandmarksWithHTTPClient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(sampleExportJSON))
	}))
	defer server.Close()

	custom := &http.Client{Timeout: 5 * time.Second}
	s, err := FetchLandmarksFromAPI(server.URL, WithHTTPClient(custom))
	require.NoError(t, err)
	assert.Equal(t, "skull-a", s.Name)
}
