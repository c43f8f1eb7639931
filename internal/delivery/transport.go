package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
)

// Transport sends one encoded batch and returns the server's reply.
// Synchronous from the worker's point of view; the caller bounds it with a
// per-send timeout context. A returned error means the bytes may or may not
// have been applied - the queue treats it as unknown outcome and retries
// the same ids.
type Transport interface {
	Send(ctx context.Context, body []byte) (status int, response []byte, err error)
}

// HTTPTransport posts batches to a fixed endpoint. The simple default
// collaborator; hosts embedding the SDK may supply their own Transport.
type HTTPTransport struct {
	URL    string
	Client *http.Client
}

// NewHTTPTransport creates a transport posting to url with the default
// http client.
func NewHTTPTransport(url string) *HTTPTransport {
	return &HTTPTransport{URL: url, Client: http.DefaultClient}
}

func (t *HTTPTransport) Send(ctx context.Context, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("build batch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.Client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("send batch: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read batch response: %w", err)
	}
	return resp.StatusCode, data, nil
}
