// Package transport performs the raw HTTP requests behind each snapshot.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"TechThermometer/internal/domain"
	"TechThermometer/internal/ports"
)

// DefaultMaxBodyBytes caps how much of a response is kept in a snapshot.
const DefaultMaxBodyBytes = 10 << 20

// HTTPTransport implements ports.Transport over net/http. Deadlines come from
// the request context, set per attempt by the collector.
type HTTPTransport struct {
	client       *http.Client
	maxBodyBytes int64
}

var _ ports.Transport = (*HTTPTransport)(nil)

// NewHTTPTransport creates the transport. A nil client gets a default one.
func NewHTTPTransport(client *http.Client, maxBodyBytes int64) *HTTPTransport {
	if client == nil {
		client = &http.Client{}
	}
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	return &HTTPTransport{client: client, maxBodyBytes: maxBodyBytes}
}

// Fetch performs the request. A non-2xx status is returned as a response,
// not an error; network failures come back as *domain.TransientTransportError.
func (t *HTTPTransport) Fetch(ctx context.Context, fr domain.FetchRequest) (domain.FetchResponse, error) {
	target, err := url.Parse(fr.URL)
	if err != nil {
		return domain.FetchResponse{}, fmt.Errorf("parse url %q: %w", fr.URL, err)
	}
	if len(fr.Params) > 0 {
		q := target.Query()
		for k, v := range fr.Params {
			q.Set(k, v)
		}
		target.RawQuery = q.Encode()
	}

	method := fr.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), nil)
	if err != nil {
		return domain.FetchResponse{}, fmt.Errorf("new request: %w", err)
	}
	for k, v := range fr.Headers {
		req.Header.Set(k, v)
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json, application/rss+xml, application/atom+xml, */*;q=0.5")
	}

	started := time.Now()
	resp, err := t.client.Do(req)
	if err != nil {
		return domain.FetchResponse{Elapsed: time.Since(started)}, &domain.TransientTransportError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, t.maxBodyBytes+1))
	elapsed := time.Since(started)
	out := domain.FetchResponse{
		Status:  resp.StatusCode,
		Headers: flattenHeaders(resp.Header),
		Elapsed: elapsed,
	}
	if err != nil {
		return out, &domain.TransientTransportError{Status: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}
	if int64(len(body)) > t.maxBodyBytes {
		return out, &domain.TransientTransportError{
			Status: resp.StatusCode,
			Err:    errors.New("response body exceeds size limit"),
		}
	}
	out.Body = body
	out.SizeBytes = int64(len(body))
	return out, nil
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[http.CanonicalHeaderKey(k)] = v[0]
		}
	}
	return out
}
