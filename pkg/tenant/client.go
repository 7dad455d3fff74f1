// Package tenant is a REST client for the tenant servers tests run against.
// Every endpoint has a typed response; non-2xx responses surface as *APIError.
package tenant

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/replicatedhq/testcontent/pkg/version"
)

const (
	DefaultTimeout  = 120 * time.Second
	DefaultRetryMax = 3
)

// APIError is the envelope of a non-2xx response.
type APIError struct {
	Method string
	Path   string
	Status int
	Header http.Header
	Body   []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, strings.TrimSpace(string(e.Body)))
}

// IsUnauthorized reports whether err is an HTTP 401 from the tenant.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized
}

// IsNotFound reports whether err is an HTTP 404 from the tenant.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

type Options struct {
	// BaseURL is the API root, e.g. https://10.0.0.1 or https://api-x.example.com/xsoar.
	BaseURL string
	APIKey  string
	// AuthID is sent as x-xdr-auth-id on SaaS tenants.
	AuthID   string
	Timeout  time.Duration
	RetryMax int
	// RetryWaitMin bounds the backoff between retries.
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
}

// Client talks to one tenant. Renew replaces the underlying HTTP session.
type Client struct {
	opts Options

	mtx  sync.RWMutex
	http *retryablehttp.Client
}

func NewClient(opts Options) *Client {
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.RetryMax == 0 {
		opts.RetryMax = DefaultRetryMax
	}
	if opts.RetryWaitMin == 0 {
		opts.RetryWaitMin = time.Second
	}
	if opts.RetryWaitMax == 0 {
		opts.RetryWaitMax = 10 * time.Second
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	c := &Client{opts: opts}
	c.Renew()
	return c
}

// BaseURL returns the API root of the tenant.
func (c *Client) BaseURL() string {
	return c.opts.BaseURL
}

// APIKey returns the key the client authenticates with.
func (c *Client) APIKey() string {
	return c.opts.APIKey
}

// AuthID returns the SaaS auth id, if any.
func (c *Client) AuthID() string {
	return c.opts.AuthID
}

// Renew closes idle connections and builds a new HTTP session.
func (c *Client) Renew() {
	rc := retryablehttp.NewClient()
	rc.Logger = nil
	rc.RetryMax = c.opts.RetryMax
	rc.RetryWaitMin = c.opts.RetryWaitMin
	rc.RetryWaitMax = c.opts.RetryWaitMax
	rc.CheckRetry = checkRetry
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	rc.HTTPClient.Timeout = c.opts.Timeout
	if t, ok := rc.HTTPClient.Transport.(*http.Transport); ok {
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} // tenants use self-signed certificates
	}

	c.mtx.Lock()
	old := c.http
	c.http = rc
	c.mtx.Unlock()

	if old != nil {
		old.HTTPClient.CloseIdleConnections()
	}
}

// checkRetry retries transport errors, including read timeouts, and gateway
// errors. Other statuses are returned to the caller as is.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	switch resp.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true, nil
	}
	return false, nil
}

// Do sends a request with a JSON body and decodes a JSON response into out.
// in and out may be nil.
func (c *Client) Do(ctx context.Context, method, path string, in, out interface{}) error {
	var body []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return errors.Wrap(err, "marshal request")
		}
		body = b
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.opts.BaseURL+path, body)
	if err != nil {
		return errors.Wrap(err, "new request")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.opts.APIKey)
	req.Header.Set("User-Agent", version.UserAgent())
	if c.opts.AuthID != "" {
		req.Header.Set("x-xdr-auth-id", c.opts.AuthID)
	}

	c.mtx.RLock()
	hc := c.http
	c.mtx.RUnlock()

	resp, err := hc.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrapf(err, "read %s %s response", method, path)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{
			Method: method,
			Path:   path,
			Status: resp.StatusCode,
			Header: resp.Header,
			Body:   respBody,
		}
	}
	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return errors.Wrapf(err, "decode %s %s response", method, path)
	}
	return nil
}
