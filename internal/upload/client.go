// Package upload sends compressed payloads to the collector.
package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vincentbai/clarity-agent/internal/compress"
	"github.com/vincentbai/clarity-agent/internal/models"
)

var ErrTotalLimit = errors.New("total upload limit reached")

// StatusError is returned for a non-2xx response.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("collector responded %d: %s", e.Status, e.Body)
}

// Options configures a Client.
type Options struct {
	URL     string
	Headers map[string]string
	// TotalLimit caps the cumulative compressed bytes sent. Zero means no cap.
	TotalLimit int
	Retry      RetryPolicy
	HTTPClient *http.Client
	// OnError is called from the upload goroutine after the last attempt fails.
	OnError func(status int, message string)
	Logger  *zap.Logger
}

// Client uploads payloads asynchronously. Upload never blocks.
type Client struct {
	opts Options
	log  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	sent int
}

func NewClient(opts Options) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{opts: opts, log: log, ctx: ctx, cancel: cancel}
}

// Upload queues one payload for sending.
func (c *Client) Upload(compressed []byte, raw models.Payload) {
	if err := c.reserve(len(compressed)); err != nil {
		c.log.Warn("Dropping payload",
			zap.Int("sequence", raw.Envelope.Sequence),
			zap.Int("bytes", len(compressed)),
			zap.Error(err))
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.Send(c.ctx, compressed, raw.Envelope); err != nil {
			c.report(err)
		}
	}()
}

func (c *Client) reserve(n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.opts.TotalLimit > 0 && c.sent+n > c.opts.TotalLimit {
		return fmt.Errorf("%w: %d of %d bytes sent", ErrTotalLimit, c.sent, c.opts.TotalLimit)
	}
	c.sent += n
	return nil
}

// Sent is the number of compressed bytes accepted for upload so far.
func (c *Client) Sent() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent
}

// Send posts a payload synchronously, retrying transient failures.
func (c *Client) Send(ctx context.Context, compressed []byte, envelope models.Envelope) error {
	var lastErr error
	for attempt := 1; ; attempt++ {
		status, err := c.post(ctx, compressed)
		if err == nil {
			c.log.Debug("Uploaded payload",
				zap.String("page_id", envelope.PageID),
				zap.Int("sequence", envelope.Sequence),
				zap.Int("attempt", attempt))
			return nil
		}
		lastErr = err
		if !c.opts.Retry.ShouldRetry(attempt, status) {
			break
		}
		delay := c.opts.Retry.NextDelay(attempt)
		c.log.Warn("Upload failed, retrying",
			zap.Int("sequence", envelope.Sequence),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

func (c *Client) post(ctx context.Context, compressed []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.URL, bytes.NewReader(compressed))
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	for k, v := range c.opts.Headers {
		req.Header.Set(k, v)
	}
	if compress.IsGzip(compressed) {
		req.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to send payload: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return resp.StatusCode, nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return resp.StatusCode, &StatusError{Status: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
}

func (c *Client) report(err error) {
	c.log.Error("Failed to upload payload", zap.Error(err))
	if c.opts.OnError == nil || errors.Is(err, context.Canceled) {
		return
	}
	status := 0
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		status = statusErr.Status
	}
	c.opts.OnError(status, err.Error())
}

// Wait blocks until every queued upload has finished.
func (c *Client) Wait() {
	c.wg.Wait()
}

// Close abandons pending retries and waits for in-flight uploads.
func (c *Client) Close() {
	c.cancel()
	c.wg.Wait()
}
