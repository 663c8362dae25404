// Package logserver fetches application logs from the log server running on
// an application's hosts.
package logserver

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/pscheid92/configserver/internal/domain"
	"github.com/pscheid92/configserver/internal/platform/version"
)

// maxBodyBytes caps a single log response.
const maxBodyBytes = 16 << 20

// Retriever is an HTTP domain.LogRetriever. Connection failures and 5xx
// answers trip a circuit breaker so a dead log server fails fast.
type Retriever struct {
	client *http.Client
	cb     circuitbreaker.CircuitBreaker[any]
}

var _ domain.LogRetriever = (*Retriever)(nil)

func NewRetriever(timeout time.Duration) *Retriever {
	return newRetriever(&http.Client{Timeout: timeout}, 30*time.Second)
}

func newRetriever(client *http.Client, delay time.Duration) *Retriever {
	cb := circuitbreaker.NewBuilder[any]().
		WithFailureThreshold(5).
		WithDelay(delay).
		WithSuccessThreshold(1).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			slog.Warn("Circuit breaker state changed",
				"component", "log-server",
				"from", e.OldState.String(),
				"to", e.NewState.String(),
			)
		}).
		Build()
	return &Retriever{client: client, cb: cb}
}

// GetLogs returns the log server's answer as is, including error statuses.
func (r *Retriever) GetLogs(ctx context.Context, url string) (*domain.LogResponse, error) {
	if !r.cb.TryAcquirePermit() {
		return nil, fmt.Errorf("log server circuit breaker open: %w", circuitbreaker.ErrOpen)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		r.cb.RecordSuccess()
		return nil, fmt.Errorf("invalid log server url: %w", err)
	}
	req.Header.Set("User-Agent", version.UserAgent())
	resp, err := r.client.Do(req)
	if err != nil {
		r.cb.RecordError(err)
		return nil, fmt.Errorf("failed to fetch logs from %s: %w", req.URL.Host, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		r.cb.RecordError(err)
		return nil, fmt.Errorf("failed to read logs from %s: %w", req.URL.Host, err)
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		r.cb.RecordError(fmt.Errorf("log server returned %d", resp.StatusCode))
	} else {
		r.cb.RecordSuccess()
	}
	return &domain.LogResponse{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}
