package modelcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ProgressFunc receives the downloaded fraction in [0, 1].
type ProgressFunc func(fraction float64)

// ErrEmptyBody is returned when a successful response carries no bytes.
// It is retried like a transport failure.
var ErrEmptyBody = errors.New("empty response body")

// StatusError reports a non-success HTTP response.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("download %s: HTTP %d", e.URL, e.Code)
}

// Options tunes downloads. Zero values select defaults.
type Options struct {
	Attempts        int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Client          *http.Client
}

// Result is a fetched asset and where it came from.
type Result struct {
	Data      []byte
	FromCache bool
}

// Cache is a content-keyed blob cache with network fallback. The store is an
// optimization only: read and write failures degrade to the network path.
type Cache struct {
	store           Store
	client          *http.Client
	log             *slog.Logger
	attempts        uint
	initialInterval time.Duration
	maxInterval     time.Duration

	lookups    metric.Int64Counter
	downloaded metric.Int64Counter
}

func New(store Store, opts Options, logger *slog.Logger) *Cache {
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 500 * time.Millisecond
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = 10 * time.Second
	}
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	c := &Cache{
		store:           store,
		client:          opts.Client,
		log:             logger.With(slog.String("component", "model-cache")),
		attempts:        uint(opts.Attempts),
		initialInterval: opts.InitialInterval,
		maxInterval:     opts.MaxInterval,
	}
	meter := otel.Meter("github.com/loqalabs/loqa-transcribe/modelcache")
	var err error
	if c.lookups, err = meter.Int64Counter("loqa.models.lookups", metric.WithDescription("Model cache lookups by outcome")); err != nil {
		c.log.Warn("failed to create lookup counter", slogError(err))
	}
	if c.downloaded, err = meter.Int64Counter("loqa.models.downloaded_bytes", metric.WithUnit("By")); err != nil {
		c.log.Warn("failed to create download counter", slogError(err))
	}
	return c
}

// Get returns the bytes for name, from the store when present and non-empty,
// otherwise from url.
func (c *Cache) Get(ctx context.Context, name, url string, onProgress ProgressFunc) ([]byte, error) {
	res, err := c.Fetch(ctx, name, url, onProgress)
	if err != nil {
		return nil, err
	}
	return res.Data, nil
}

// Fetch is Get that also reports whether the store served the request.
func (c *Cache) Fetch(ctx context.Context, name, url string, onProgress ProgressFunc) (Result, error) {
	if data, ok := c.lookup(ctx, name); ok {
		c.count(ctx, "hit")
		c.log.Debug("asset served from cache", slog.String("name", name), slog.Int("bytes", len(data)))
		return Result{Data: data, FromCache: true}, nil
	}
	c.count(ctx, "miss")

	data, err := c.download(ctx, name, url, onProgress)
	if err != nil {
		return Result{}, err
	}
	if len(data) == 0 {
		return Result{}, fmt.Errorf("download %s: %w", name, ErrEmptyBody)
	}
	if err := c.store.Put(ctx, name, data); err != nil {
		c.log.Warn("failed to persist asset", slog.String("name", name), slogError(err))
	} else {
		c.log.Info("asset cached", slog.String("name", name), slog.Int("bytes", len(data)))
	}
	return Result{Data: data}, nil
}

func (c *Cache) lookup(ctx context.Context, name string) ([]byte, bool) {
	data, found, err := c.store.Get(ctx, name)
	if err != nil {
		c.log.Warn("cache read failed, falling back to network", slog.String("name", name), slogError(err))
		return nil, false
	}
	// a zero-length entry is what an interrupted write leaves behind
	if !found || len(data) == 0 {
		return nil, false
	}
	return data, true
}

func (c *Cache) download(ctx context.Context, name, url string, onProgress ProgressFunc) ([]byte, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialInterval
	b.MaxInterval = c.maxInterval

	op := func() ([]byte, error) {
		data, err := c.fetchOnce(ctx, url, onProgress)
		var se *StatusError
		if errors.As(err, &se) && se.Code >= 400 && se.Code < 500 {
			return nil, backoff.Permanent(err)
		}
		return data, err
	}
	notify := func(err error, next time.Duration) {
		c.log.Warn("asset download failed, retrying",
			slog.String("name", name),
			slog.Duration("backoff", next),
			slogError(err))
	}

	c.log.Info("downloading asset", slog.String("name", name), slog.String("url", url))
	data, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.attempts),
		backoff.WithNotify(notify))
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", name, err)
	}
	if c.downloaded != nil {
		c.downloaded.Add(ctx, int64(len(data)), metric.WithAttributes(attribute.String("asset", name)))
	}
	return data, nil
}

func (c *Cache) fetchOnce(ctx context.Context, url string, onProgress ProgressFunc) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{URL: url, Code: resp.StatusCode}
	}

	total := resp.ContentLength
	var buf bytes.Buffer
	if total > 0 {
		buf.Grow(int(total))
	}
	chunk := make([]byte, 256*1024)
	var received int64
	for {
		n, err := resp.Body.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			received += int64(n)
			if onProgress != nil && total > 0 {
				onProgress(float64(received) / float64(total))
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
	}
	if buf.Len() == 0 {
		return nil, fmt.Errorf("download %s: %w", url, ErrEmptyBody)
	}
	return buf.Bytes(), nil
}

func (c *Cache) count(ctx context.Context, outcome string) {
	if c.lookups != nil {
		c.lookups.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

// Close closes the underlying store.
func (c *Cache) Close() error {
	if c == nil || c.store == nil {
		return nil
	}
	return c.store.Close()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
