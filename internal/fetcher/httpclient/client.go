// Package httpclient implements the fetcher port on net/http with bounded
// connect and read timeouts and a fresh cookie jar per fetch.
package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"github.com/JakeFAU/metadata-inventory/internal/config"
	"github.com/JakeFAU/metadata-inventory/internal/fetcher"
	"github.com/JakeFAU/metadata-inventory/internal/metadata"
	"github.com/JakeFAU/metadata-inventory/internal/metrics"
)

// Client fetches pages over HTTP. Redirects are followed; the page records
// the final URL, flattened response headers, and the cookies accumulated
// along the redirect chain.
type Client struct {
	base      http.Client
	userAgent string
}

// New builds a client from the fetch configuration. The connect timeout
// bounds dialing and the TLS handshake, the read timeout the whole exchange.
func New(cfg config.FetchConfig) *Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout: cfg.ConnectTimeout(),
		}).DialContext,
		TLSHandshakeTimeout: cfg.ConnectTimeout(),
	}
	return &Client{
		base: http.Client{
			Transport: transport,
			Timeout:   cfg.ReadTimeout(),
		},
		userAgent: cfg.UserAgent,
	}
}

// Fetch retrieves the URL. Failures come back as fetcher.RetryableError or
// fetcher.PermanentError so the worker can pick the right outcome.
func (c *Client) Fetch(ctx context.Context, rawURL string) (metadata.Page, error) {
	start := time.Now()
	page, err := c.fetch(ctx, rawURL)
	metrics.ObserveFetch(resultLabel(err), time.Since(start))
	return page, err
}

func (c *Client) fetch(ctx context.Context, rawURL string) (metadata.Page, error) {
	// A jar per fetch keeps cookie state from bleeding across URLs.
	jar, err := cookiejar.New(nil)
	if err != nil {
		return metadata.Page{}, fmt.Errorf("cookie jar: %w", err)
	}
	client := c.base
	client.Jar = jar

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return metadata.Page{}, &fetcher.PermanentError{Msg: fmt.Sprintf("invalid url %s", rawURL), Err: err}
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return metadata.Page{}, classifyTransportError(rawURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return metadata.Page{}, classifyTransportError(rawURL, err)
	}

	finalURL := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode >= 500:
		return metadata.Page{}, &fetcher.RetryableError{Msg: fmt.Sprintf("http status %d", resp.StatusCode)}
	default:
		return metadata.Page{}, &fetcher.PermanentError{Msg: fmt.Sprintf("http status %d", resp.StatusCode)}
	}

	return metadata.Page{
		StatusCode: resp.StatusCode,
		Headers:    flattenHeaders(resp.Header),
		Cookies:    collectCookies(jar, resp),
		PageSource: string(body),
		FinalURL:   finalURL,
	}, nil
}

func classifyTransportError(rawURL string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &fetcher.RetryableError{Msg: fmt.Sprintf("timeout while fetching %s", rawURL), Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &fetcher.RetryableError{Msg: fmt.Sprintf("timeout while fetching %s", rawURL), Err: err}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &fetcher.RetryableError{Msg: fmt.Sprintf("dns lookup failed for %s", rawURL), Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &fetcher.RetryableError{Msg: fmt.Sprintf("connection failed for %s", rawURL), Err: err}
	}
	return &fetcher.PermanentError{Msg: err.Error(), Err: err}
}

func resultLabel(err error) string {
	if err == nil {
		return "success"
	}
	var retryable *fetcher.RetryableError
	if errors.As(err, &retryable) {
		return "retryable"
	}
	return "permanent"
}

// flattenHeaders joins repeated header values the way they would appear on
// the wire in a combined field.
func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		out[name] = strings.Join(values, ", ")
	}
	return out
}

func collectCookies(jar http.CookieJar, resp *http.Response) map[string]string {
	out := make(map[string]string)
	if resp.Request != nil && resp.Request.URL != nil {
		for _, c := range jar.Cookies(resp.Request.URL) {
			out[c.Name] = c.Value
		}
	}
	for _, c := range resp.Cookies() {
		out[c.Name] = c.Value
	}
	return out
}
