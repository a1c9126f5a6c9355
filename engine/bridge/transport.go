package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/ponsauto/pons/engine/domain"
	"github.com/ponsauto/pons/pkg/resilience"
)

// Auth decorates an outbound request with channel credentials.
type Auth func(*http.Request)

// BearerAuth sends token in the Authorization header.
func BearerAuth(token string) Auth {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

// HeaderAuth sends value in the named header.
func HeaderAuth(name, value string) Auth {
	return func(r *http.Request) { r.Header.Set(name, value) }
}

// QueryAuth sends value as a query parameter.
func QueryAuth(param, value string) Auth {
	return func(r *http.Request) {
		q := r.URL.Query()
		q.Set(param, value)
		r.URL.RawQuery = q.Encode()
	}
}

// StatusError is a response outside the channel's success codes.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// Retryable reports whether err is transient: a transport failure, a
// timeout, an open circuit, local throttling, HTTP 429 or a 5xx.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	if errors.Is(err, resilience.ErrCircuitOpen) || errors.Is(err, resilience.ErrRateLimited) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var ue *url.Error
	return errors.As(err, &ue)
}

// transport is the HTTP plumbing shared by the REST channel adapters.
type transport struct {
	channel domain.Channel
	cfg     Config
	auth    Auth
	limiter *resilience.Limiter
	breaker *resilience.Breaker
}

func newTransport(ch domain.Channel, cfg Config, auth Auth) *transport {
	bo := resilience.DefaultBreakerOpts
	bo.Name = "channel:" + string(ch)
	if m := cfg.Metrics; m != nil {
		bo.OnStateChange = func(name string, _, to resilience.State) { m.SetBreakerState(name, int(to)) }
	}
	return &transport{
		channel: ch,
		cfg:     cfg,
		auth:    auth,
		limiter: resilience.NewLimiter(resilience.LimiterOpts{Rate: cfg.RatePerSec, Burst: cfg.Burst}),
		breaker: resilience.NewBreaker(bo),
	}
}

// call sends body as JSON and decodes a JSON object response. Only transient
// failures count against the circuit breaker.
func (t *transport) call(ctx context.Context, op, method, path string, body any, okCodes ...int) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	start := time.Now()
	var out map[string]any
	var callErr error
	err := t.limiter.CallWait(ctx, func(ctx context.Context) error {
		return t.breaker.Call(ctx, func(ctx context.Context) error {
			out, callErr = t.roundTrip(ctx, method, path, body, okCodes)
			if Retryable(callErr) {
				return callErr
			}
			return nil
		})
	})
	if err == nil {
		err = callErr
	}
	t.cfg.Metrics.RecordChannel(string(t.channel), op, err == nil, time.Since(start))
	return out, err
}

func (t *transport) roundTrip(ctx context.Context, method, path string, body any, okCodes []int) (map[string]any, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, t.cfg.BaseURL+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if t.auth != nil {
		t.auth(req)
	}

	resp, err := t.cfg.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if !slices.Contains(okCodes, resp.StatusCode) {
		return nil, &StatusError{Code: resp.StatusCode, Body: snippet(raw)}
	}
	out := map[string]any{}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
	}
	return out, nil
}

func snippet(b []byte) string {
	const limit = 200
	s := string(bytes.TrimSpace(b))
	if len(s) > limit {
		s = s[:limit]
	}
	return s
}

// result converts a call outcome into a ChannelResult.
func (t *transport) result(resp map[string]any, err error, idKey, urlKey string) domain.ChannelResult {
	now := t.cfg.Now().UTC()
	if err != nil {
		return domain.Failed(err.Error(), Retryable(err), now)
	}
	id, _ := domain.AsString(resp[idKey])
	u, _ := domain.AsString(resp[urlKey])
	return domain.Succeeded(id, u, now)
}
