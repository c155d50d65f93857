package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/roach88/stakehold/internal/ledger"
	"github.com/roach88/stakehold/internal/session"
)

// Client is a ledger.Ledger backed by a remote JSON-RPC endpoint.
type Client struct {
	endpoint   string
	httpClient *http.Client
	nextID     atomic.Int64
}

var _ ledger.Ledger = (*Client)(nil)

// NewClient creates a client for the server at baseURL (without /rpc).
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		endpoint:   strings.TrimRight(baseURL, "/") + "/rpc",
		httpClient: &http.Client{Timeout: timeout},
	}
}

// SubmitCommit implements ledger.Ledger.
func (c *Client) SubmitCommit(ctx context.Context, commit ledger.Commit) (string, error) {
	var res txResult
	if err := c.call(ctx, MethodSubmitCommit, commit, &res); err != nil {
		return "", err
	}
	return res.TxRef, nil
}

// SubmitSettle implements ledger.Ledger.
func (c *Client) SubmitSettle(ctx context.Context, s ledger.Settle) (string, error) {
	var res txResult
	if err := c.call(ctx, MethodSubmitSettle, s, &res); err != nil {
		return "", err
	}
	return res.TxRef, nil
}

// FindObjectsByOwnerAndLabel implements ledger.Ledger.
func (c *Client) FindObjectsByOwnerAndLabel(ctx context.Context, owner, label string) ([]string, error) {
	var res findResult
	if err := c.call(ctx, MethodFindObjects, findParams{Owner: owner, Label: label}, &res); err != nil {
		return nil, err
	}
	if res.ObjectRefs == nil {
		res.ObjectRefs = []string{}
	}
	return res.ObjectRefs, nil
}

func (c *Client) call(ctx context.Context, method string, params, result any) error {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal %s params: %w", method, err)
	}
	body, err := json.Marshal(Request{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  rawParams,
	})
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s response: %w", method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: status %d: %s", method, resp.StatusCode, string(data))
	}

	var out Response
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("decode %s response: %w", method, err)
	}
	if out.Error != nil {
		if out.Error.Code == CodeRejected {
			return session.NewError(session.CodeRejectedByLedger, "%s", out.Error.Message)
		}
		return fmt.Errorf("%s: rpc error %d: %w", method, out.Error.Code, out.Error)
	}
	if err := json.Unmarshal(out.Result, result); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}
