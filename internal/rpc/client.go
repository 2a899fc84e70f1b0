// Package rpc is the thin HTTP adapter layer every outbound call in this
// agent goes through: ExternalTriggers (C3), the peer protocol calls owned
// by AreaResilience and LightDiscovery, and the self-notification calls
// AreaResilience issues against its own ControlAPI. It deliberately knows
// nothing about the domain; it only builds requests, applies a timeout, and
// decodes JSON bodies, mirroring the teacher's net/rest.go restClient.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/edgefog/agentd/internal/agentstate"
)

// Client issues JSON-over-HTTP requests with a per-call timeout.
type Client struct {
	http *http.Client
}

// New returns a Client with no default timeout; every call supplies its own
// via ctx, per spec.md §5 ("No global deadline; each RPC carries its own").
func New() *Client {
	return &Client{http: &http.Client{}}
}

// Result captures everything a caller needs to classify a reply: the HTTP
// status code and the raw body, so callers can decode domain-specific
// shapes (and sentinel fields like backupPriority) themselves.
type Result struct {
	StatusCode int
	Body       []byte
}

// GetJSON issues a GET request with the given timeout, bounded by ctx.
func (c *Client) GetJSON(ctx context.Context, url string, timeout time.Duration) (Result, error) {
	return c.do(ctx, http.MethodGet, url, nil, timeout)
}

// PostJSON issues a POST request with a JSON-encoded body.
func (c *Client) PostJSON(ctx context.Context, url string, payload interface{}, timeout time.Duration) (Result, error) {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return Result{}, &agentstate.ProtocolError{Op: "encode request", Detail: err.Error()}
		}
		body = bytes.NewReader(buf)
	}
	return c.do(ctx, http.MethodPost, url, body, timeout)
}

func (c *Client) do(ctx context.Context, method, url string, body io.Reader, timeout time.Duration) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return Result{}, &agentstate.TransportError{Op: fmt.Sprintf("%s %s", method, url), Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, &agentstate.TransportError{Op: fmt.Sprintf("%s %s", method, url), Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, &agentstate.TransportError{Op: fmt.Sprintf("%s %s", method, url), Err: err}
	}
	return Result{StatusCode: resp.StatusCode, Body: data}, nil
}

// DecodeJSON unmarshals a Result's body into v, wrapping decode failures as
// a ProtocolError.
func DecodeJSON(r Result, v interface{}) error {
	if len(r.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return &agentstate.ProtocolError{Op: "decode response", Detail: err.Error()}
	}
	return nil
}
