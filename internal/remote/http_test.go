package remote

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goflare.io/depot/internal/models"
)

type request struct {
	Method      string
	Path        string
	Body        string
	ContentType string
	Idempotency string
}

func newServer(t *testing.T, status int) (*httptest.Server, func() []request) {
	t.Helper()
	var (
		mu   sync.Mutex
		seen []request
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		seen = append(seen, request{
			Method:      r.Method,
			Path:        r.URL.Path,
			Body:        string(body),
			ContentType: r.Header.Get("Content-Type"),
			Idempotency: r.Header.Get("Idempotency-Key"),
		})
		mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte("rejected by upstream\n"))
	}))
	t.Cleanup(srv.Close)
	return srv, func() []request {
		mu.Lock()
		defer mu.Unlock()
		return append([]request(nil), seen...)
	}
}

func TestApplyMapsOperations(t *testing.T) {
	srv, requests := newServer(t, http.StatusNoContent)
	h, err := NewHTTP(HTTPConfig{BaseURL: srv.URL + "/api/v1"})
	require.NoError(t, err)

	ctx := context.Background()
	for _, op := range []models.Operation{models.OperationCreate, models.OperationUpdate, models.OperationDelete} {
		require.NoError(t, h.Apply(ctx, models.QueueEntry{
			ID:         "queue-" + string(op),
			Operation:  op,
			Collection: "tools",
			Payload:    []byte(`{"sku":"TL-100"}`),
		}))
	}

	got := requests()
	require.Len(t, got, 3)
	assert.Equal(t, []string{http.MethodPost, http.MethodPut, http.MethodDelete},
		[]string{got[0].Method, got[1].Method, got[2].Method})
	for _, r := range got {
		assert.Equal(t, "/api/v1/tools", r.Path)
		assert.Equal(t, `{"sku":"TL-100"}`, r.Body)
		assert.Equal(t, "application/json", r.ContentType)
	}
	assert.Equal(t, "queue-create", got[0].Idempotency)
}

func TestApplyNon2xxIsError(t *testing.T) {
	srv, _ := newServer(t, http.StatusServiceUnavailable)
	h, err := NewHTTP(HTTPConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	err = h.Apply(context.Background(), models.QueueEntry{ID: "q1", Operation: models.OperationUpdate, Collection: "tools"})
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.Code)
	assert.Equal(t, "rejected by upstream", statusErr.Body)
}

func TestApplyUnknownOperation(t *testing.T) {
	srv, requests := newServer(t, http.StatusOK)
	h, err := NewHTTP(HTTPConfig{BaseURL: srv.URL})
	require.NoError(t, err)

	err = h.Apply(context.Background(), models.QueueEntry{ID: "q1", Operation: "upsert", Collection: "tools"})
	require.ErrorIs(t, err, models.ErrInvalidOperation)
	assert.Empty(t, requests())
}

func TestNewHTTPValidatesBaseURL(t *testing.T) {
	_, err := NewHTTP(HTTPConfig{})
	require.ErrorIs(t, err, ErrBaseURLRequired)

	_, err = NewHTTP(HTTPConfig{BaseURL: "ftp://example.com"})
	require.Error(t, err)
}
