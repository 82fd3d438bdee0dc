package scanner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/ryanmoran/dhscan/internal/sarif"
	"golang.org/x/time/rate"
)

const (
	// HeaderCodeSentExternally tells the service that the archive must not leave the machine.
	HeaderCodeSentExternally = "X-Code-Sent-To-External-Server"

	// DefaultPollInterval is how often WaitReady probes the service.
	DefaultPollInterval = time.Second

	maxErrorBody = 512
)

var (
	ErrNotReady         = errors.New("scanner service is not ready")
	ErrUnexpectedStatus = errors.New("unexpected status code from scanner")
)

type limiter interface {
	Wait(context.Context) error
}

// Stats describes a completed scan request.
type Stats struct {
	BytesSent int64
	Duration  time.Duration
	Report    []byte
}

type Client struct {
	url     string
	http    *http.Client
	limiter limiter
	logger  zerolog.Logger
}

type Option func(*Client)

// WithHTTPClient replaces the HTTP client used for all requests.
func WithHTTPClient(c *http.Client) Option {
	return func(client *Client) {
		client.http = c
	}
}

// WithPollInterval sets how often WaitReady probes the service.
func WithPollInterval(interval time.Duration) Option {
	return func(client *Client) {
		client.limiter = rate.NewLimiter(rate.Every(interval), 1)
	}
}

// WithLogger sets the logger used for request diagnostics.
func WithLogger(logger zerolog.Logger) Option {
	return func(client *Client) {
		client.logger = logger
	}
}

// NewClient returns a client for the scanner service at url.
func NewClient(url string, options ...Option) *Client {
	client := &Client{
		url:     url,
		http:    http.DefaultClient,
		limiter: rate.NewLimiter(rate.Every(DefaultPollInterval), 1),
		logger:  zerolog.Nop(),
	}

	for _, option := range options {
		option(client)
	}

	return client
}

// URL returns the endpoint the client sends archives to.
func (c *Client) URL() string {
	return c.url
}

// WaitReady polls the service until it answers an HTTP request with any status, or until the
// timeout elapses. Connection errors while the service is starting are expected and retried.
func (c *Client) WaitReady(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var lastErr error
	for attempt := 1; ; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			if lastErr == nil {
				lastErr = err
			}
			return fmt.Errorf("%w at %s after %s: %w\nCheck that the scanner container started (try 'docker ps -a')", ErrNotReady, c.url, timeout, lastErr)
		}

		request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
		if err != nil {
			return fmt.Errorf("failed to create readiness request for %q: %w", c.url, err)
		}

		response, err := c.http.Do(request)
		if err != nil {
			c.logger.Debug().Err(err).Int("attempt", attempt).Str("url", c.url).Msg("scanner not ready")
			lastErr = err
			continue
		}
		_, _ = io.Copy(io.Discard, response.Body)
		response.Body.Close()

		c.logger.Debug().Int("attempt", attempt).Int("status", response.StatusCode).Msg("scanner is ready")
		return nil
	}
}

// Scan sends archive to the service and decodes the SARIF report it answers with. The archive is
// streamed; it is read exactly once and never buffered in full. The request is not retried.
func (c *Client) Scan(ctx context.Context, archive io.Reader) (sarif.Log, Stats, error) {
	counter := &countingReader{reader: archive}

	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, counter)
	if err != nil {
		return sarif.Log{}, Stats{}, fmt.Errorf("failed to create scan request for %q: %w", c.url, err)
	}
	request.Header.Set(HeaderCodeSentExternally, "false")
	request.Header.Set("Content-Type", "application/octet-stream")

	start := time.Now()
	response, err := c.http.Do(request)
	if err != nil {
		return sarif.Log{}, Stats{}, fmt.Errorf("failed to send archive to scanner at %q: %w", c.url, err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return sarif.Log{}, Stats{}, fmt.Errorf("failed to read scanner response: %w", err)
	}

	stats := Stats{
		BytesSent: counter.count.Load(),
		Duration:  time.Since(start),
		Report:    body,
	}

	c.logger.Debug().
		Int("status", response.StatusCode).
		Int64("bytes_sent", stats.BytesSent).
		Int("bytes_received", len(body)).
		Dur("duration", stats.Duration).
		Msg("scan request finished")

	if response.StatusCode < 200 || response.StatusCode > 299 {
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return sarif.Log{}, stats, fmt.Errorf("%w: %d: %s", ErrUnexpectedStatus, response.StatusCode, bytes.TrimSpace(body))
	}

	log, err := sarif.Decode(bytes.NewReader(body))
	if err != nil {
		return sarif.Log{}, stats, fmt.Errorf("failed to decode scanner response: %w", err)
	}

	return log, stats, nil
}

type countingReader struct {
	reader io.Reader
	count  atomic.Int64
}

func (r *countingReader) Read(p []byte) (int, error) {
	n, err := r.reader.Read(p)
	r.count.Add(int64(n))
	return n, err
}
