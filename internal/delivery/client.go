package delivery

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"courier/internal/payload"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"golang.org/x/time/rate"
)

const maxResponseBody = 64 << 10

// Result is the outcome of one POST to a webhook.
type Result struct {
	Success     bool
	StatusCode  int
	RawResponse string
	Kind        Kind
	RetryAfter  time.Duration
}

// Err returns the failure as an *Error, or nil on success.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	return &Error{Kind: r.Kind, StatusCode: r.StatusCode, Body: r.RawResponse}
}

type Options struct {
	Timeout time.Duration
	// Rate and Burst bound requests per webhook host. Rate <= 0 disables limiting.
	Rate  float64
	Burst int
}

// Client posts formatted payloads to webhook URLs.
type Client struct {
	HTTP *http.Client
	FS   afero.Fs

	rate  rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewClient(fs afero.Fs, opt Options) *Client {
	if opt.Timeout <= 0 {
		opt.Timeout = 30 * time.Second
	}
	if opt.Burst <= 0 {
		opt.Burst = 1
	}
	c := &Client{
		HTTP:     &http.Client{Timeout: opt.Timeout},
		FS:       fs,
		rate:     rate.Inf,
		burst:    opt.Burst,
		limiters: make(map[string]*rate.Limiter),
	}
	if opt.Rate > 0 {
		c.rate = rate.Limit(opt.Rate)
	}
	return c
}

// Send posts msg to endpoint, as multipart when files is non-empty. HTTP-level
// failures come back in the Result with a nil error; the error is only set
// (as an *Error of KindTransport) when no response was obtained.
func (c *Client) Send(ctx context.Context, endpoint string, msg payload.Message, files []payload.File) (Result, error) {
	body, err := payload.Format(msg, files, c.FS)
	if err != nil {
		return Result{Kind: KindTransport}, &Error{Kind: KindTransport, Err: err}
	}

	if err := c.limiter(endpoint).Wait(ctx); err != nil {
		return Result{Kind: KindTransport}, &Error{Kind: KindTransport, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body.Data))
	if err != nil {
		return Result{Kind: KindTransport}, &Error{Kind: KindTransport, Err: err}
	}
	req.Header.Set("Content-Type", body.ContentType)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		logrus.WithError(err).WithField("files", len(files)).Warn("[DELIVERY] Request failed")
		return Result{Kind: KindTransport}, &Error{Kind: KindTransport, Err: err}
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	res := Result{
		StatusCode:  resp.StatusCode,
		RawResponse: string(raw),
		Kind:        Classify(resp.StatusCode),
	}
	res.Success = res.Kind == ""
	if res.Kind == KindRateLimited {
		res.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	}

	logrus.WithFields(logrus.Fields{
		"status": resp.StatusCode,
		"kind":   res.Kind,
		"files":  len(files),
	}).Debug("[DELIVERY] Webhook responded")
	return res, nil
}

func (c *Client) limiter(endpoint string) *rate.Limiter {
	key := endpoint
	if u, err := url.Parse(endpoint); err == nil && u.Host != "" {
		key = u.Host
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.limiters[key]
	if !ok {
		l = rate.NewLimiter(c.rate, c.burst)
		c.limiters[key] = l
	}
	return l
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
