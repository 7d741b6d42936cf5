package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/trustnet/unlx/pkg/utils"
)

// ErrUnavailable marks a transient fetch failure: the endpoint could not be
// reached, timed out, answered with a server error, or its breaker is open.
// Callers must treat it as "try again next pass", never as bad content.
var ErrUnavailable = errors.New("source unavailable")

// Unavailable wraps err so errors.Is(err, ErrUnavailable) holds.
func Unavailable(err error) error {
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}

// Client is an HTTP fetcher for remote validator lists. It bounds every
// request with a timeout and keeps a per-endpoint circuit breaker so a dead
// endpoint is skipped cheaply instead of burning a full timeout each pass.
type Client struct {
	client   *http.Client
	maxBytes int64

	mu       sync.Mutex
	failures map[string]int
	opened   map[string]time.Time

	breakerThreshold int
	breakerCooldown  time.Duration
}

// Opts is the set of options for a new Client.
type Opts struct {
	Timeout         time.Duration
	MaxBytes        int64
	BreakerFailures int
	BreakerCooldown time.Duration
	HTTPClient      *http.Client
}

// New creates a fetch client with the given options.
func New(o Opts) *Client {
	if o.Timeout <= 0 {
		o.Timeout = 15 * time.Second
	}
	if o.MaxBytes <= 0 {
		o.MaxBytes = 1 << 20
	}
	if o.BreakerFailures <= 0 {
		o.BreakerFailures = 3
	}
	if o.BreakerCooldown <= 0 {
		o.BreakerCooldown = time.Minute
	}

	client := o.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: o.Timeout}
	} else if client.Timeout == 0 {
		client.Timeout = o.Timeout
	}

	return &Client{
		client:           client,
		maxBytes:         o.MaxBytes,
		failures:         map[string]int{},
		opened:           map[string]time.Time{},
		breakerThreshold: o.BreakerFailures,
		breakerCooldown:  o.BreakerCooldown,
	}
}

// isOpen returns true while the endpoint's breaker is in the OPEN state.
func (c *Client) isOpen(ep string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.opened[ep]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(c.opened, ep)
		c.failures[ep] = 0
		return false
	}
	return true
}

// noteFailure marks an endpoint as failed and opens the breaker past the threshold.
func (c *Client) noteFailure(ep string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[ep]++
	if c.failures[ep] >= c.breakerThreshold {
		c.opened[ep] = time.Now().Add(c.breakerCooldown)
	}
}

func (c *Client) noteSuccess(ep string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[ep] = 0
	delete(c.opened, ep)
}

// Get fetches the raw body from url. Network errors, timeouts, non-2xx
// statuses and an open breaker all come back wrapped in ErrUnavailable;
// what the bytes mean is the caller's problem.
func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	if c.isOpen(url) {
		return nil, Unavailable(fmt.Errorf("breaker open for %s", url))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json, text/plain")

	resp, err := c.client.Do(req)
	if err != nil {
		c.noteFailure(url)
		return nil, Unavailable(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if resp.StatusCode >= 500 {
			c.noteFailure(url)
		}
		_ = utils.DrainAndClose(resp.Body)
		return nil, Unavailable(fmt.Errorf("http %d from %s", resp.StatusCode, url))
	}

	body, readErr := io.ReadAll(io.LimitReader(resp.Body, c.maxBytes))
	if cerr := utils.DrainAndClose(resp.Body); cerr != nil && readErr == nil {
		readErr = cerr
	}
	if readErr != nil {
		c.noteFailure(url)
		return nil, Unavailable(readErr)
	}

	c.noteSuccess(url)
	return body, nil
}
