package aria2

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tinoosan/folio/internal/resilient"
)

const maxBody = 4 << 20

type rpcReq struct {
	Jsonrpc string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	ID      string        `json:"id"`
	Params  []interface{} `json:"params,omitempty"`
}

type rpcResp struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is an error object returned by aria2.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string { return fmt.Sprintf("aria2 rpc error %d: %s", e.Code, e.Message) }

// call performs one JSON-RPC request. aria2 answers errors with HTTP 400 and
// an error object, so the body is decoded before the status is checked.
// RPC errors are never retried.
func (c *Client) call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	body, err := json.Marshal(rpcReq{Jsonrpc: "2.0", Method: method, ID: "folio", Params: append(c.tokenParam(), params...)})
	if err != nil {
		return nil, resilient.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL.String(), bytes.NewReader(body))
	if err != nil {
		return nil, resilient.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, err
	}

	var rr rpcResp
	decodeErr := json.Unmarshal(b, &rr)
	if decodeErr == nil && rr.Error != nil {
		return nil, resilient.Permanent(rr.Error)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if len(b) > 512 {
			b = b[:512]
		}
		return nil, &resilient.StatusError{Code: resp.StatusCode, Body: string(b)}
	}
	if decodeErr != nil {
		return nil, resilient.Permanent(fmt.Errorf("aria2 rpc decode: %w", decodeErr))
	}
	return rr.Result, nil
}

// aria2 expects "token:<secret>" as the first param when a secret is set.
func (c *Client) tokenParam() []interface{} {
	if c.secret != "" {
		return []interface{}{"token:" + c.secret}
	}
	return nil
}

// isNotFound detects aria2 reporting an unknown or inactive GID.
func isNotFound(err error) bool {
	var re *RPCError
	if !errors.As(err, &re) {
		return false
	}
	return strings.Contains(strings.ToLower(re.Message), "not found")
}
