package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultRequestTimeout bounds one delivery attempt.
const DefaultRequestTimeout = 30 * time.Second

// Sender posts signed webhook bodies to the configured endpoint.
type Sender struct {
	client *http.Client
	url    string
	key    []byte
}

// NewSender creates a Sender. key is the HMAC signing key; an empty key
// sends unsigned requests.
func NewSender(url string, key []byte, client *http.Client) *Sender {
	if client == nil {
		client = &http.Client{Timeout: DefaultRequestTimeout}
	}
	return &Sender{client: client, url: url, key: key}
}

// URL returns the configured endpoint.
func (s *Sender) URL() string { return s.url }

// Send posts one body and returns the HTTP status. A zero status with a
// non-nil error means the request never produced a response.
func (s *Sender) Send(ctx context.Context, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "captrail-webhook/1.0")
	if len(s.key) > 0 {
		req.Header.Set(SignatureHeader, Sign(body, s.key))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("post webhook: %w", err)
	}
	// Drain so the connection can be reused.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()

	return resp.StatusCode, nil
}
