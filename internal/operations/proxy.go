package operations

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ProxyConfig bounds the proxy's transport behaviour.
type ProxyConfig struct {
	// RequestTimeout applies per HTTP attempt.
	RequestTimeout time.Duration
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries uint64
	// InitialBackoff seeds the exponential backoff between attempts.
	InitialBackoff time.Duration
	// StaleCeiling is the maximum age of the last-known-good snapshot
	// before transport failures stop being masked (default 5x cache TTL).
	StaleCeiling time.Duration
}

// DefaultProxyConfig returns the proxy defaults.
func DefaultProxyConfig() ProxyConfig {
	return ProxyConfig{
		RequestTimeout: 3 * time.Second,
		MaxRetries:     2,
		InitialBackoff: 100 * time.Millisecond,
		StaleCeiling:   5 * time.Second,
	}
}

// Proxy implements the read/cancel contract of the Service against a peer
// process exposing the same HTTP surface. Transient transport failures are
// retried with exponential backoff; once retries are exhausted the proxy
// serves its last-known-good snapshot annotated as stale, unless that
// snapshot is older than the staleness ceiling, in which case the caller
// gets a remote-unreachable error and marks the operation failed.
type Proxy struct {
	baseURL string
	client  *http.Client
	cfg     ProxyConfig
	logger  *slog.Logger

	// lastGood keeps the last successful snapshot per remote operation.
	// One proxy serves every remote operation of its peer, so the slots
	// must not bleed into each other.
	mu       sync.RWMutex
	lastGood map[string]staleSnapshot
}

// staleSnapshot is a last-known-good operation snapshot with its fetch
// time, used to mask transient peer failures.
type staleSnapshot struct {
	op *Operation
	at time.Time
}

// NewProxy creates a proxy against the peer at baseURL.
func NewProxy(baseURL string, cfg ProxyConfig, logger *slog.Logger) *Proxy {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultProxyConfig().RequestTimeout
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultProxyConfig().InitialBackoff
	}
	if cfg.StaleCeiling <= 0 {
		cfg.StaleCeiling = DefaultProxyConfig().StaleCeiling
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Proxy{
		baseURL:  baseURL,
		client:   &http.Client{Timeout: cfg.RequestTimeout},
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "operation_proxy"), slog.String("peer", baseURL)),
		lastGood: make(map[string]staleSnapshot),
	}
}

// BaseURL returns the peer address this proxy talks to.
func (p *Proxy) BaseURL() string {
	return p.baseURL
}

// Start calls a domain start endpoint on the peer and returns the remote
// operation id.
func (p *Proxy) Start(ctx context.Context, path string, req StartRequest) (string, error) {
	var out StartPayload
	if err := p.doJSON(ctx, http.MethodPost, path, req, &out); err != nil {
		return "", fmt.Errorf("remote start failed: %w", err)
	}
	if out.OperationID == "" {
		return "", fmt.Errorf("remote start returned no operation id")
	}
	return out.OperationID, nil
}

// GetOperation fetches the remote operation snapshot.
func (p *Proxy) GetOperation(ctx context.Context, remoteID string) (*Operation, error) {
	var payload OperationPayload
	err := p.doJSON(ctx, http.MethodGet, "/api/operations/"+url.PathEscape(remoteID), nil, &payload)
	if err == nil {
		op := payload.ToOperation()
		p.mu.Lock()
		p.lastGood[remoteID] = staleSnapshot{op: op.Clone(), at: time.Now()}
		p.mu.Unlock()
		return op, nil
	}

	if isNotFound(err) {
		return nil, NotFoundError(remoteID)
	}

	// Retries exhausted: mask the failure with this operation's cached
	// snapshot while it is younger than the staleness ceiling.
	p.mu.RLock()
	snap, ok := p.lastGood[remoteID]
	p.mu.RUnlock()

	if age := time.Since(snap.at); ok && age < p.cfg.StaleCeiling {
		p.logger.WarnContext(ctx, "serving stale operation snapshot",
			slog.String("remote_id", remoteID),
			slog.Duration("age", age),
			slog.String("error", err.Error()))
		stale := snap.op.Clone()
		stale.Stale = true
		return stale, nil
	}

	return nil, NewRemoteUnreachableError(remoteID, err)
}

// Metrics fetches remote metric entries strictly after cursor.
func (p *Proxy) Metrics(ctx context.Context, remoteID string, cursor uint64) ([]MetricEntry, uint64, error) {
	path := fmt.Sprintf("/api/operations/%s/metrics?cursor=%s",
		url.PathEscape(remoteID), strconv.FormatUint(cursor, 10))

	var payload MetricsPayload
	if err := p.doJSON(ctx, http.MethodGet, path, nil, &payload); err != nil {
		if isNotFound(err) {
			return nil, cursor, NotFoundError(remoteID)
		}
		return nil, cursor, fmt.Errorf("remote metrics fetch failed: %w", err)
	}
	return payload.Metrics, payload.NewCursor, nil
}

// Cancel requests cancellation of the remote operation.
func (p *Proxy) Cancel(ctx context.Context, remoteID, reason string) error {
	path := "/api/operations/" + url.PathEscape(remoteID)
	if reason != "" {
		path += "?reason=" + url.QueryEscape(reason)
	}

	var out CancelPayload
	if err := p.doJSON(ctx, http.MethodDelete, path, nil, &out); err != nil {
		if isNotFound(err) {
			return NotFoundError(remoteID)
		}
		return fmt.Errorf("remote cancel failed: %w", err)
	}
	return nil
}

// httpStatusError marks responses that must not be retried.
type httpStatusError struct {
	status int
	body   string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("remote returned %d: %s", e.status, e.body)
}

func isNotFound(err error) bool {
	se, ok := err.(*httpStatusError)
	return ok && se.status == http.StatusNotFound
}

// doJSON performs one request with bounded retry. Network errors and 5xx
// responses are retried; 4xx responses are permanent.
func (p *Proxy) doJSON(ctx context.Context, method, path string, in, out interface{}) error {
	var body []byte
	if in != nil {
		var err error
		body, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
	}

	attempt := func() error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
		if err != nil {
			return backoff.Permanent(err)
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")

		resp, err := p.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return &httpStatusError{status: resp.StatusCode, body: string(data)}
		}
		if resp.StatusCode >= 400 {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return backoff.Permanent(&httpStatusError{status: resp.StatusCode, body: string(data)})
		}

		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return backoff.Permanent(fmt.Errorf("decode response: %w", err))
			}
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.cfg.InitialBackoff
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, p.cfg.MaxRetries), ctx)

	return backoff.Retry(attempt, policy)
}
