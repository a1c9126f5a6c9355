package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/ponsauto/pons/pkg/metrics"
	"github.com/ponsauto/pons/pkg/resilience"
)

// MaxFeedBytes caps the size of a fetched feed.
const MaxFeedBytes = 64 << 20

// ErrFeedTooLarge is returned for a feed body over the fetcher's size limit.
var ErrFeedTooLarge = errors.New("feed too large")

// StatusError is a non-2xx feed response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string { return fmt.Sprintf("unexpected status %d", e.Code) }

// transient reports whether a failed GET counts against the source's breaker.
// Client errors and oversized feeds are the dealer's problem, not an outage.
func transient(err error) bool {
	if err == nil || errors.Is(err, ErrFeedTooLarge) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == http.StatusTooManyRequests || se.Code >= 500
	}
	return true
}

// Fetcher downloads feeds over HTTP. Each source gets its own rate limiter
// and circuit breaker so one failing dealer cannot starve the others.
type Fetcher struct {
	client   *http.Client
	metrics  *metrics.Registry
	maxBytes int64
	rate     resilience.LimiterOpts
	breaker  resilience.BreakerOpts

	mu       sync.Mutex
	limiters map[string]*resilience.Limiter
	breakers map[string]*resilience.Breaker
}

// FetcherOpts configures a Fetcher. Zero values pick defaults.
type FetcherOpts struct {
	Client  *http.Client
	Metrics *metrics.Registry
	Rate    resilience.LimiterOpts
	Breaker resilience.BreakerOpts

	// MaxBytes caps a feed body. Zero means MaxFeedBytes.
	MaxBytes int64
}

// NewFetcher creates a Fetcher.
func NewFetcher(opts FetcherOpts) *Fetcher {
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = MaxFeedBytes
	}
	if opts.Breaker.FailThreshold == 0 {
		opts.Breaker = resilience.DefaultBreakerOpts
	}
	return &Fetcher{
		client:   opts.Client,
		metrics:  opts.Metrics,
		maxBytes: opts.MaxBytes,
		rate:     opts.Rate,
		breaker:  opts.Breaker,
		limiters: make(map[string]*resilience.Limiter),
		breakers: make(map[string]*resilience.Breaker),
	}
}

func (f *Fetcher) guards(name string) (*resilience.Limiter, *resilience.Breaker) {
	f.mu.Lock()
	defer f.mu.Unlock()
	lim, ok := f.limiters[name]
	if !ok {
		lim = resilience.NewLimiter(f.rate)
		f.limiters[name] = lim
	}
	br, ok := f.breakers[name]
	if !ok {
		opts := f.breaker
		opts.Name = "feed:" + name
		if opts.OnStateChange == nil && f.metrics != nil {
			opts.OnStateChange = func(n string, _, to resilience.State) {
				f.metrics.SetBreakerState(n, int(to))
			}
		}
		br = resilience.NewBreaker(opts)
		f.breakers[name] = br
	}
	return lim, br
}

// Fetch performs one bounded GET of src.URL and returns the body decoded to
// UTF-8.
func (f *Fetcher) Fetch(ctx context.Context, src Source) ([]byte, error) {
	if src.URL == "" {
		return nil, fmt.Errorf("feed: %s: no url: %w", src.Name, ErrInvalidSource)
	}
	timeout := src.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	lim, br := f.guards(src.Name)
	start := time.Now()
	var body []byte
	var getErr error
	err := lim.CallWait(ctx, func(ctx context.Context) error {
		return br.Call(ctx, func(ctx context.Context) error {
			body, getErr = f.get(ctx, src)
			if transient(getErr) {
				return getErr
			}
			return nil
		})
	})
	if err == nil {
		err = getErr
	}
	f.metrics.RecordFetch(src.Name, time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("feed: fetch %s: %w", src.Name, err)
	}
	return Decode(src.Format, src.Encoding, body)
}

func (f *Fetcher) get(ctx context.Context, src Source) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range src.Headers {
		req.Header.Set(k, v)
	}
	if src.Token != "" {
		req.Header.Set("Authorization", "Bearer "+src.Token)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{Code: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > f.maxBytes {
		return nil, fmt.Errorf("%w: over %d bytes", ErrFeedTooLarge, f.maxBytes)
	}
	return body, nil
}
