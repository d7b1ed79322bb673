package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Config holds the configuration for connecting to escrowd.
type Config struct {
	APIURL      string // Base URL, e.g. "http://localhost:8080"
	AdminSecret string // Sent as X-Admin-Secret
	OperatorID  string // Recorded as the acting admin in the audit log
}

// Client is a pure HTTP client for the escrowd operator API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new client for escrowd.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError is a non-2xx response. Body keeps the raw response since some
// conflicts (a ledger mismatch, a broken audit chain) carry the details.
type APIError struct {
	Status  int
	Code    string
	Message string
	Body    json.RawMessage
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API error (%d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("API error (%d): %s", e.Status, string(e.Body))
}

// doRequest makes an HTTP request to escrowd and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("X-Actor-Type", "admin")
	req.Header.Set("X-Admin-Secret", c.cfg.AdminSecret)
	if c.cfg.OperatorID != "" {
		req.Header.Set("X-Actor-ID", c.cfg.OperatorID)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode, Body: respBody}
		var parsed struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(respBody, &parsed) == nil {
			apiErr.Code = parsed.Error
			apiErr.Message = parsed.Message
		}
		return nil, apiErr
	}

	return json.RawMessage(respBody), nil
}

// GetAccount returns one escrow account with its milestones.
func (c *Client) GetAccount(ctx context.Context, accountID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/escrow/accounts/"+url.PathEscape(accountID), nil, nil)
}

// ListTransactions returns the ledger transactions of an account.
func (c *Client) ListTransactions(ctx context.Context, accountID string) (json.RawMessage, error) {
	path := "/v1/escrow/accounts/" + url.PathEscape(accountID) + "/transactions"
	return c.doRequest(ctx, http.MethodGet, path, nil, nil)
}

// ListDisputes lists disputes, optionally filtered by account and status.
func (c *Client) ListDisputes(ctx context.Context, accountID, status string) (json.RawMessage, error) {
	q := url.Values{}
	if accountID != "" {
		q.Set("accountId", accountID)
	}
	if status != "" {
		q.Set("status", status)
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/disputes", q, nil)
}

// ResolveDispute applies a resolution to a dispute in mediation.
func (c *Client) ResolveDispute(ctx context.Context, disputeID, resolution, amount, notes string) (json.RawMessage, error) {
	body := map[string]string{
		"resolution": resolution,
		"amount":     amount,
		"notes":      notes,
	}
	path := "/v1/disputes/" + url.PathEscape(disputeID) + "/resolve"
	return c.doRequest(ctx, http.MethodPost, path, nil, body)
}

// FreezeAccount blocks all money movement on an account.
func (c *Client) FreezeAccount(ctx context.Context, accountID, reason string) (json.RawMessage, error) {
	path := "/v1/admin/escrow/accounts/" + url.PathEscape(accountID) + "/freeze"
	return c.doRequest(ctx, http.MethodPost, path, nil, map[string]string{"reason": reason})
}

// UnfreezeAccount lifts a freeze.
func (c *Client) UnfreezeAccount(ctx context.Context, accountID string) (json.RawMessage, error) {
	path := "/v1/admin/escrow/accounts/" + url.PathEscape(accountID) + "/unfreeze"
	return c.doRequest(ctx, http.MethodPost, path, nil, nil)
}

// ReconcileAccount replays one account's ledger against its stored balance.
func (c *Client) ReconcileAccount(ctx context.Context, accountID string) (json.RawMessage, error) {
	path := "/v1/admin/escrow/accounts/" + url.PathEscape(accountID) + "/reconcile"
	return c.doRequest(ctx, http.MethodPost, path, nil, nil)
}

// RunReconciliation reconciles every account and verifies the audit chain.
func (c *Client) RunReconciliation(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/admin/reconcile", nil, nil)
}

// VerifyAuditChain walks the hash chain of the audit log.
func (c *Client) VerifyAuditChain(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/admin/audit/verify", nil, nil)
}

// ListFraudAlerts lists fraud alerts, optionally by account and status.
func (c *Client) ListFraudAlerts(ctx context.Context, accountID, status string) (json.RawMessage, error) {
	q := url.Values{}
	if accountID != "" {
		q.Set("accountId", accountID)
	}
	if status != "" {
		q.Set("status", status)
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/admin/fraud/alerts", q, nil)
}

// ListFraudCases lists fraud cases, optionally by status.
func (c *Client) ListFraudCases(ctx context.Context, status string) (json.RawMessage, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/admin/fraud/cases", q, nil)
}

// MarkFalsePositive flags a fraud alert as a false positive.
func (c *Client) MarkFalsePositive(ctx context.Context, alertID string) (json.RawMessage, error) {
	path := "/v1/admin/fraud/alerts/" + url.PathEscape(alertID) + "/false-positive"
	return c.doRequest(ctx, http.MethodPost, path, nil, nil)
}
