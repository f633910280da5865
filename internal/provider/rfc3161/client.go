// Package rfc3161 implements the HTTP transport of RFC 3161 section 3.4.
package rfc3161

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/credlink/stampd/internal/provider"
)

const (
	contentTypeQuery = "application/timestamp-query"
	contentTypeReply = "application/timestamp-reply"

	// maxResponseSize bounds reply bodies; real tokens are a few KB
	maxResponseSize = 1 << 20
)

// Client posts timestamp queries over HTTP. Vendor quirks (basic auth,
// extra headers, base64 body wrapping) come from the provider entry so the
// controller stays vendor-agnostic.
type Client struct {
	httpClient *http.Client
}

// NewClient creates an RFC 3161 HTTP adapter. Per-call deadlines come from
// the context; the client timeout is only a safety net.
func NewClient(timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Send posts one DER-encoded TimeStampReq and returns the raw reply body.
func (c *Client) Send(ctx context.Context, der []byte, p *provider.Provider) ([]byte, error) {
	body := der
	if p.Base64 {
		body = []byte(base64.StdEncoding.EncodeToString(der))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentTypeQuery)
	req.Header.Set("Accept", contentTypeReply)
	if p.Base64 {
		req.Header.Set("Content-Transfer-Encoding", "base64")
	}
	if p.Username != "" {
		req.SetBasicAuth(p.Username, p.Password)
	}
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", p.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))
		return nil, fmt.Errorf("provider %s returned status %d", p.ID, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("provider %s: failed to read response: %w", p.ID, err)
	}

	if p.Base64 {
		decoded, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(raw)))
		if err != nil {
			// Received but undecodable: hand it to the validator as data
			return raw, nil
		}
		return decoded, nil
	}
	return raw, nil
}
