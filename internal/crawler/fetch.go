package crawler

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"sjsage522/mallcrawler/helpers"
	"sjsage522/mallcrawler/pkg/errors"
)

// Fetcher issues a single HTTP GET and classifies the outcome. It never retries.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) FetchResult
}

// FetchRequest describes one GET.
type FetchRequest struct {
	URL       string
	TargetID  string
	UserAgent string
	Headers   map[string]string
	// Encoding forces a charset label such as "euc-kr".
	Encoding string
}

// FetcherOptions controls HTTP fetching behaviour.
type FetcherOptions struct {
	Timeout      time.Duration
	MaxBodyBytes int64
	ProxyURL     string
	// Transport replaces the default transport, mostly for tests.
	Transport http.RoundTripper
	Metrics   *Metrics
}

// HTTPFetcher implements Fetcher with one shared connection pool.
type HTTPFetcher struct {
	client       *http.Client
	maxBodyBytes int64
	metrics      *Metrics
}

// NewHTTPFetcher constructs an HTTP fetcher using the provided options.
func NewHTTPFetcher(opts FetcherOptions) (*HTTPFetcher, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 5 * 1024 * 1024
	}

	transport := opts.Transport
	if transport == nil {
		t := &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   4,
			IdleConnTimeout:       90 * time.Second,
			ExpectContinueTimeout: time.Second,
		}
		if strings.TrimSpace(opts.ProxyURL) != "" {
			proxyURL, err := url.Parse(opts.ProxyURL)
			if err != nil {
				return nil, errors.NewConfiguration("invalid proxy url", err)
			}
			t.Proxy = http.ProxyURL(proxyURL)
		}
		transport = t
	}

	return &HTTPFetcher{
		client:       &http.Client{Timeout: opts.Timeout, Transport: transport},
		maxBodyBytes: opts.MaxBodyBytes,
		metrics:      opts.Metrics,
	}, nil
}

// Client exposes the underlying client for robots.txt fetches.
func (f *HTTPFetcher) Client() *http.Client {
	return f.client
}

// Fetch downloads req.URL and converts the body to UTF-8.
func (f *HTTPFetcher) Fetch(ctx context.Context, req FetchRequest) FetchResult {
	start := time.Now()
	res := f.fetch(ctx, req)
	f.metrics.ObserveRequest(req.TargetID, res.Outcome, time.Since(start))
	return res
}

func (f *HTTPFetcher) fetch(ctx context.Context, req FetchRequest) FetchResult {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return failed(errors.NewParsing(req.TargetID, "invalid url "+req.URL, err))
	}
	helpers.ApplyBrowserHeaders(httpReq, req.UserAgent, req.Headers)

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return failed(errors.NewTransport(req.TargetID, "request failed", err))
	}
	defer resp.Body.Close()

	finalURL := req.URL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
		res := failed(errors.NewHTTPStatus(req.TargetID, resp.StatusCode))
		res.Status = resp.StatusCode
		res.FinalURL = finalURL
		res.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return res
	}

	body, err := f.readBody(ctx, req.TargetID, resp)
	if err != nil {
		res := failed(err)
		res.Status = resp.StatusCode
		res.FinalURL = finalURL
		return res
	}

	utf8Body, err := helpers.ToUTF8(body, resp.Header.Get("Content-Type"), req.Encoding)
	if err != nil {
		res := failed(errors.NewParsing(req.TargetID, "charset conversion failed", err))
		res.Status = resp.StatusCode
		res.FinalURL = finalURL
		return res
	}

	return FetchResult{
		Outcome:  OutcomeSuccess,
		Body:     utf8Body,
		Status:   resp.StatusCode,
		FinalURL: finalURL,
	}
}

func (f *HTTPFetcher) readBody(ctx context.Context, targetID string, resp *http.Response) ([]byte, error) {
	reader, err := helpers.DecodeContentEncoding(resp.Body, resp.Header.Get("Content-Encoding"))
	if err != nil {
		return nil, errors.NewTruncatedBody(targetID, err)
	}
	if c, ok := reader.(io.Closer); ok {
		defer c.Close()
	}

	body, err := io.ReadAll(io.LimitReader(reader, f.maxBodyBytes+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, errors.NewTransport(targetID, "body read interrupted", ctx.Err())
		}
		return nil, errors.NewTruncatedBody(targetID, err)
	}
	if int64(len(body)) > f.maxBodyBytes {
		e := errors.NewParsing(targetID, fmt.Sprintf("response body exceeds limit of %d bytes", f.maxBodyBytes), nil)
		e.Reason = "body_too_large"
		return nil, e
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.NewTruncatedBody(targetID, io.ErrUnexpectedEOF)
	}
	return body, nil
}

func failed(err error) FetchResult {
	outcome := OutcomeFatal
	if errors.Classify(err) == errors.Retryable {
		outcome = OutcomeRetryable
	}
	return FetchResult{
		Outcome: outcome,
		Reason:  errors.Reason(err),
		Err:     err,
	}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}
