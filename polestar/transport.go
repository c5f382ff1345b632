package polestar

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	retry "github.com/appleboy/go-httpretry"
)

// Transport sends one HTTP request and returns the raw response.
// Implementations must not follow redirects and must return every status code
// to the caller; only network-level failures are errors.
type Transport interface {
	RoundTrip(ctx context.Context, req *Request) (*Response, error)
}

// Request is a transport-level HTTP request.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte

	// Idempotent marks non-GET requests that are safe to retry (token refresh).
	Idempotent bool
}

func (r *Request) retryable() bool {
	return r.Method == http.MethodGet || r.Method == http.MethodHead || r.Idempotent
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// IsRedirect reports whether the response is a 3xx.
func (r *Response) IsRedirect() bool {
	return r.StatusCode >= 300 && r.StatusCode < 400
}

// Cookies parses the Set-Cookie headers of the response.
func (r *Response) Cookies() []*http.Cookie {
	return (&http.Response{Header: r.Header}).Cookies()
}

// Location returns the Location header resolved against base.
// An empty string means the header is absent or unparsable.
func (r *Response) Location(base string) string {
	loc := r.Header.Get("Location")
	if loc == "" {
		return ""
	}
	ref, err := url.Parse(loc)
	if err != nil {
		return ""
	}
	b, err := url.Parse(base)
	if err != nil {
		return ref.String()
	}
	return b.ResolveReference(ref).String()
}

// HTTPTransport is the default Transport. Idempotent requests go through a
// retrying client; everything else is sent exactly once.
type HTTPTransport struct {
	retrying *retry.Client
	single   *retry.Client
	timeout  time.Duration
}

// Retry policy for idempotent requests. The backoff stays well inside
// DefaultRequestTimeout so the last response still reaches the caller.
const (
	retryAttempts     = 3
	retryInitialDelay = time.Second
	retryMaxDelay     = 5 * time.Second
)

// NewHTTPTransport builds an HTTPTransport whose requests time out after timeout
// (zero disables the per-request timeout). opts adjust the retrying client.
func NewHTTPTransport(timeout time.Duration, opts ...retry.Option) (*HTTPTransport, error) {
	baseHTTPClient := &http.Client{
		Transport: replayBody{next: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		}},
		// The login flow reads intermediate Location headers itself.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	// The library logs full URLs (authorize query included) through slog.
	retrying, err := retry.NewBackgroundClient(append([]retry.Option{
		retry.WithHTTPClient(baseHTTPClient),
		retry.WithMaxRetries(retryAttempts),
		retry.WithInitialRetryDelay(retryInitialDelay),
		retry.WithMaxRetryDelay(retryMaxDelay),
		retry.WithNoLogging(),
	}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create retry client: %w", err)
	}

	single, err := retry.NewClient(
		retry.WithHTTPClient(baseHTTPClient),
		retry.WithMaxRetries(0),
		retry.WithRetryableChecker(func(error, *http.Response) bool { return false }),
		retry.WithNoLogging(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create single-shot client: %w", err)
	}

	return &HTTPTransport{
		retrying: retrying,
		single:   single,
		timeout:  timeout,
	}, nil
}

// RoundTrip implements Transport.
func (t *HTTPTransport) RoundTrip(ctx context.Context, r *Request) (*Response, error) {
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}

	var body io.Reader
	if r.Body != nil {
		body = bytes.NewReader(r.Body)
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if r.Header != nil {
		req.Header = r.Header.Clone()
	}

	client := t.single
	if r.retryable() {
		client = t.retrying
	}

	resp, err := client.DoWithContext(ctx, req)
	if err != nil {
		// Retries exhausted on a 5xx or 429: the last response is still a response.
		var retryErr *retry.RetryError
		if resp == nil || !errors.As(err, &retryErr) || retryErr.LastErr != nil {
			if resp != nil {
				resp.Body.Close()
			}
			// *url.Error repeats the full URL, query included.
			var urlErr *url.Error
			if errors.As(err, &urlErr) {
				err = urlErr.Err
			}
			return nil, &TransportError{Method: r.Method, URL: redactURL(r.URL), Err: err}
		}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{
			Method: r.Method,
			URL:    redactURL(r.URL),
			Err:    fmt.Errorf("failed to read response: %w", err),
		}
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}, nil
}

// replayBody sends a fresh copy of the request body on every attempt. The
// retry client clones requests without rewinding the body.
type replayBody struct {
	next http.RoundTripper
}

func (t replayBody) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.GetBody == nil {
		return t.next.RoundTrip(req)
	}
	body, err := req.GetBody()
	if err != nil {
		return nil, fmt.Errorf("failed to rewind request body: %w", err)
	}
	req = req.Clone(req.Context())
	req.Body = body
	return t.next.RoundTrip(req)
}

// roundTripperFunc lets a Transport back an *http.Client.
type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

// httpClientFor adapts t to an *http.Client, for libraries that need one
// (the oauth2 code exchange). Redirects are not followed.
func httpClientFor(t Transport) *http.Client {
	return &http.Client{
		Transport: roundTripperFunc(func(req *http.Request) (*http.Response, error) {
			var body []byte
			if req.Body != nil {
				var err error
				body, err = io.ReadAll(req.Body)
				req.Body.Close()
				if err != nil {
					return nil, fmt.Errorf("failed to read request body: %w", err)
				}
			}

			resp, err := t.RoundTrip(req.Context(), &Request{
				Method: req.Method,
				URL:    req.URL.String(),
				Header: req.Header,
				Body:   body,
			})
			if err != nil {
				return nil, err
			}

			return &http.Response{
				Status:        fmt.Sprintf("%d %s", resp.StatusCode, http.StatusText(resp.StatusCode)),
				StatusCode:    resp.StatusCode,
				Proto:         "HTTP/1.1",
				ProtoMajor:    1,
				ProtoMinor:    1,
				Header:        resp.Header,
				Body:          io.NopCloser(bytes.NewReader(resp.Body)),
				ContentLength: int64(len(resp.Body)),
				Request:       req,
			}, nil
		}),
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// redactURL drops the query string, which may carry state or PKCE values.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}
