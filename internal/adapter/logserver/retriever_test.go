package logserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetLogs_PassesResponseThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/logs", r.URL.Path)
		assert.Equal(t, "from=1", r.URL.RawQuery)
		assert.True(t, strings.HasPrefix(r.UserAgent(), "configserver/"), r.UserAgent())
		w.Header().Set("Content-Type", "application/x-ndjson")
		_, _ = w.Write([]byte(`{"msg":"hello"}`))
	}))
	defer srv.Close()

	resp, err := NewRetriever(time.Second).GetLogs(context.Background(), srv.URL+"/logs?from=1")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "application/x-ndjson", resp.ContentType)
	assert.Equal(t, `{"msg":"hello"}`, string(resp.Body))
}

func TestGetLogs_ClientErrorIsAnAnswer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad query", http.StatusBadRequest)
	}))
	defer srv.Close()

	r := newRetriever(srv.Client(), time.Minute)
	for range 10 {
		resp, err := r.GetLogs(context.Background(), srv.URL+"/logs")
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.Status)
	}
	assert.Equal(t, circuitbreaker.ClosedState, r.cb.State())
}

func TestGetLogs_OpensBreakerOnServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	r := newRetriever(srv.Client(), time.Minute)
	for range 5 {
		_, err := r.GetLogs(context.Background(), srv.URL+"/logs")
		require.NoError(t, err)
	}

	_, err := r.GetLogs(context.Background(), srv.URL+"/logs")
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)
	assert.Equal(t, int32(5), calls.Load())
}
