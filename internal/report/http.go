package report

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"
)

// HTTPTransport delivers outbound queue payloads to the controller
// over HTTP(S). Its constructor shape — a plain New plus functional
// options for overriding defaults — keeps construction simple while
// leaving room for TLS/client customization.
type HTTPTransport struct {
	url    string
	client *http.Client
}

// HTTPOptionFunc configures an HTTPTransport.
type HTTPOptionFunc func(*HTTPTransport)

// WithHTTPClient overrides the default *http.Client, e.g. to set a
// custom TLS configuration.
func WithHTTPClient(c *http.Client) HTTPOptionFunc {
	return func(t *HTTPTransport) { t.client = c }
}

// NewHTTPTransport returns an HTTPTransport posting to url.
func NewHTTPTransport(url string, options ...HTTPOptionFunc) *HTTPTransport {
	t := &HTTPTransport{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range options {
		o(t)
	}
	return t
}

// Send implements Transport. messageType labels the envelope via a
// request header rather than being folded into the JSON array body.
func (t *HTTPTransport) Send(ctx context.Context, messageType string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("report: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Connguard-Message-Type", messageType)

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("report: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("report: controller returned status %d", resp.StatusCode)
	}

	return nil
}
