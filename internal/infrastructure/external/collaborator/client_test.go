package collaborator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/progress-engine/pkg/retry"
)

func TestCertificateClientIssue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/certificates", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "certificate:s1:p1", r.Header.Get("Idempotency-Key"))

		var req certificateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "s1", req.StudentID)
		_, _ = w.Write([]byte(`{"certificate_id":"cert-1"}`))
	}))
	defer srv.Close()

	cfg := DefaultClientConfig(srv.URL)
	cfg.APIKey = "secret"
	id, err := NewCertificateClient(cfg).Issue(context.Background(), "s1", "p1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, "cert-1", id)
}

func TestClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"url":"https://example.org/p/w1"}`))
	}))
	defer srv.Close()

	url, err := NewPublisherClient(DefaultClientConfig(srv.URL)).Publish(context.Background(), "w1", json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Equal(t, "https://example.org/p/w1", url)
	assert.Equal(t, int32(2), calls.Load())
}

func TestClientClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "unknown recipient", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	err := NewNotificationClient(DefaultClientConfig(srv.URL)).Send(context.Background(), "path_completed", "s1", json.RawMessage(`{}`))
	require.Error(t, err)
	assert.True(t, retry.IsPermanent(err))
	assert.Equal(t, int32(1), calls.Load())

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnprocessableEntity, se.Code)
}

func TestLocalCollaboratorsAreDeterministic(t *testing.T) {
	ctx := context.Background()
	a, err := LocalIssuer{}.Issue(ctx, "s1", "p1", time.Now())
	require.NoError(t, err)
	b, err := LocalIssuer{}.Issue(ctx, "s1", "p1", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, a, b)

	url, err := LocalPublisher{BaseURL: "https://x.test/"}.Publish(ctx, "w1", nil)
	require.NoError(t, err)
	assert.Equal(t, "https://x.test/published/w1", url)

	assert.NoError(t, NewLogSink(nil).Send(ctx, "k", "s1", json.RawMessage(`{}`)))
}
