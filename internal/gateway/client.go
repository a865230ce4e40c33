// Package gateway adapts the matching engine's account-action API to the
// liquidation executor port.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/atmx/risk-engine/internal/liquidation"
)

// IdempotencyHeader carries the action ID on every mutating call.
const IdempotencyHeader = "Idempotency-Key"

// ErrStatus is wrapped by errors for non-2xx responses.
var ErrStatus = errors.New("gateway: unexpected status")

// Client is the REST client for the matching engine.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a client for baseURL, e.g. "http://matching-engine:8080".
// token, if set, is sent as a bearer token.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type twapRequest struct {
	ActionID string `json:"action_id"`
	Reason   string `json:"reason"`
}

// CancelOpenOrders cancels every resting order of userID.
func (c *Client) CancelOpenOrders(ctx context.Context, userID, actionID string) (liquidation.ActionReport, error) {
	path := fmt.Sprintf("/v1/accounts/%s/cancel-all", url.PathEscape(userID))
	rep, err := c.doAction(ctx, http.MethodPost, path, actionID, nil)
	if err != nil {
		return rep, fmt.Errorf("gateway: cancel orders %s: %w", userID, err)
	}
	return rep, nil
}

// ExecuteTWAP starts (or, for a known actionID, reports) a TWAP unwind of
// userID's book.
func (c *Client) ExecuteTWAP(ctx context.Context, userID, actionID string) (liquidation.ActionReport, error) {
	path := fmt.Sprintf("/v1/accounts/%s/twap", url.PathEscape(userID))
	rep, err := c.doAction(ctx, http.MethodPost, path, actionID, twapRequest{ActionID: actionID, Reason: "maintenance_breach"})
	if err != nil {
		return rep, fmt.Errorf("gateway: twap %s: %w", userID, err)
	}
	return rep, nil
}

// ActionStatus reports a previously issued action. An action the engine has
// never seen is ActionUnknown, not an error.
func (c *Client) ActionStatus(ctx context.Context, actionID string) (liquidation.ActionReport, error) {
	path := "/v1/actions/" + url.PathEscape(actionID)
	rep, err := c.doAction(ctx, http.MethodGet, path, "", nil)
	if errors.Is(err, errNotFound) {
		return liquidation.ActionReport{ActionID: actionID, State: liquidation.ActionUnknown}, nil
	}
	if err != nil {
		return rep, fmt.Errorf("gateway: action status %s: %w", actionID, err)
	}
	return rep, nil
}

var errNotFound = errors.New("not found")

func (c *Client) doAction(ctx context.Context, method, path, actionID string, reqBody any) (liquidation.ActionReport, error) {
	var bodyReader io.Reader
	if reqBody != nil {
		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			return liquidation.ActionReport{}, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return liquidation.ActionReport{}, fmt.Errorf("create request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if actionID != "" {
		req.Header.Set(IdempotencyHeader, actionID)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return liquidation.ActionReport{}, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return liquidation.ActionReport{}, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return liquidation.ActionReport{}, errNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return liquidation.ActionReport{}, fmt.Errorf("%w %d: %s", ErrStatus, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var rep liquidation.ActionReport
	if err := json.Unmarshal(respBody, &rep); err != nil {
		return liquidation.ActionReport{}, fmt.Errorf("decode action report: %w", err)
	}
	if rep.ActionID == "" {
		rep.ActionID = actionID
	}
	if rep.State == "" {
		return rep, fmt.Errorf("decode action report: missing state")
	}
	return rep, nil
}
