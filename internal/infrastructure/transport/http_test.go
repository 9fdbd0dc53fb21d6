package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"TechThermometer/internal/domain"
)

func TestFetchSendsParamsAndHeaders(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "20", r.URL.Query().Get("per_page"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "techthermometer-test", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"id":1}]`))
	}))
	defer server.Close()

	tr := NewHTTPTransport(server.Client(), 0)
	resp, err := tr.Fetch(context.Background(), domain.FetchRequest{
		URL:     server.URL + "/wp-json/wp/v2/posts",
		Params:  map[string]string{"per_page": "20"},
		Headers: map[string]string{"Authorization": "Bearer secret", "User-Agent": "techthermometer-test"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "application/json", resp.Headers["Content-Type"])
	assert.Equal(t, `[{"id":1}]`, string(resp.Body))
	assert.Equal(t, int64(10), resp.SizeBytes)
}

func TestFetchReturnsNon2xxAsResponse(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	resp, err := NewHTTPTransport(server.Client(), 0).Fetch(context.Background(), domain.FetchRequest{URL: server.URL})
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.Status)
}

func TestFetchTimeoutIsTransient(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := NewHTTPTransport(server.Client(), 0).Fetch(ctx, domain.FetchRequest{URL: server.URL})
	var transient *domain.TransientTransportError
	require.True(t, errors.As(err, &transient))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFetchBodyLimit(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("0123456789"))
	}))
	defer server.Close()

	_, err := NewHTTPTransport(server.Client(), 4).Fetch(context.Background(), domain.FetchRequest{URL: server.URL})
	require.Error(t, err)
}
