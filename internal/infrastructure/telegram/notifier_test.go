package telegram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishAlert(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bottoken/sendMessage", r.URL.Path)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "42", r.PostForm.Get("chat_id"))
		assert.Equal(t, "site_a failed", r.PostForm.Get("text"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.NoError(t, NewNotifier(srv.URL, "token", "42").PublishAlert(context.Background(), "site_a failed"))
}

func TestPublishAlertErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	err := NewNotifier(srv.URL, "token", "42").PublishAlert(context.Background(), "x")
	assert.ErrorContains(t, err, "403")

	err = NewNotifier("", "", "42").PublishAlert(context.Background(), "x")
	assert.ErrorContains(t, err, "misconfigured")
}
