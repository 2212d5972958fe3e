package netclient

import (
	"net/http"
	"time"
)

// FetchOption adjusts a single Fetch, DownloadBuffer, or DownloadToFile call.
type FetchOption func(*fetchOptions)

type fetchOptions struct {
	timeout      time.Duration
	retries      int
	rateLimitKey string
	method       string
	header       http.Header
	body         []byte
	progress     func(written, total int64)
}

func (c *Client) options(opts []FetchOption) fetchOptions {
	o := fetchOptions{
		timeout: c.timeout,
		retries: c.retries,
		method:  http.MethodGet,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.timeout <= 0 {
		o.timeout = c.timeout
	}
	if o.retries < 0 {
		o.retries = 0
	}
	return o
}

// WithTimeout bounds each attempt. Defaults to the client Timeout.
func WithTimeout(d time.Duration) FetchOption {
	return func(o *fetchOptions) { o.timeout = d }
}

// WithRetries sets how many additional attempts follow a failed one. Defaults to
// the client Retries.
func WithRetries(n int) FetchOption {
	return func(o *fetchOptions) { o.retries = n }
}

// WithRateLimitKey makes every attempt wait on the limiter registered for key.
// Unregistered keys are not limited.
func WithRateLimitKey(key string) FetchOption {
	return func(o *fetchOptions) { o.rateLimitKey = key }
}

// WithMethod sets the HTTP method. Defaults to GET.
func WithMethod(method string) FetchOption {
	return func(o *fetchOptions) { o.method = method }
}

// WithHeader adds a request header.
func WithHeader(key, value string) FetchOption {
	return func(o *fetchOptions) {
		if o.header == nil {
			o.header = make(http.Header)
		}
		o.header.Add(key, value)
	}
}

// WithBody sets the request body. It is replayed on every attempt.
func WithBody(body []byte) FetchOption {
	return func(o *fetchOptions) { o.body = body }
}

// WithProgress reports bytes written during DownloadToFile. total is -1 when
// the server did not announce a length.
func WithProgress(fn func(written, total int64)) FetchOption {
	return func(o *fetchOptions) { o.progress = fn }
}
