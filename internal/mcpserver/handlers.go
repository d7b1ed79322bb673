package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleGetAccount shows one escrow account.
func (h *Handlers) HandleGetAccount(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("account_id", "")
	if id == "" {
		return mcp.NewToolResultError("account_id is required"), nil
	}

	raw, err := h.client.GetAccount(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get account: %v", err)), nil
	}

	text, err := formatAccount(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse account: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListTransactions lists an account's ledger.
func (h *Handlers) HandleListTransactions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("account_id", "")
	if id == "" {
		return mcp.NewToolResultError("account_id is required"), nil
	}

	raw, err := h.client.ListTransactions(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list transactions: %v", err)), nil
	}

	text, err := formatTransactions(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse transactions: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListDisputes lists disputes.
func (h *Handlers) HandleListDisputes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListDisputes(ctx, req.GetString("account_id", ""), req.GetString("status", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list disputes: %v", err)), nil
	}

	disputes, err := listField(raw, "disputes")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse disputes: %v", err)), nil
	}
	if len(disputes) == 0 {
		return mcp.NewToolResultText("No disputes found."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d dispute(s):\n\n", len(disputes))
	for i, d := range disputes {
		fmt.Fprintf(&sb, "%d. %s [%s] on account %s\n", i+1,
			getString(d, "id"), getString(d, "status"), getString(d, "accountId"))
		if ms := getString(d, "milestoneId"); ms != "" {
			fmt.Fprintf(&sb, "   Milestone: %s\n", ms)
		}
		fmt.Fprintf(&sb, "   Raised by %s: %s\n", getString(d, "raisedBy"), getString(d, "reason"))
		if r := getString(d, "resolution"); r != "" {
			fmt.Fprintf(&sb, "   Resolution: %s (%s)\n", r, getString(d, "resolutionAmount"))
		}
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleResolveDispute resolves a dispute and moves the money.
func (h *Handlers) HandleResolveDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("dispute_id", "")
	if id == "" {
		return mcp.NewToolResultError("dispute_id is required"), nil
	}
	resolution := req.GetString("resolution", "")
	if resolution == "" {
		return mcp.NewToolResultError("resolution is required"), nil
	}
	amount := req.GetString("amount", "")
	if resolution == "partial_refund" && amount == "" {
		return mcp.NewToolResultError("amount is required for partial_refund"), nil
	}

	raw, err := h.client.ResolveDispute(ctx, id, resolution, amount, req.GetString("notes", ""))
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusBadGateway {
		// The dispute is closed but the payment rail has not moved the money yet.
		return mcp.NewToolResultText(fmt.Sprintf(
			"Dispute %s resolved as %s, but the payment rail failed: %s\n"+
				"The transaction will be retried; check list_escrow_transactions.",
			id, resolution, apiErr.Message)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to resolve dispute: %v", err)), nil
	}

	d, err := objectField(raw, "dispute")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse dispute: %v", err)), nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Dispute %s resolved as %s.\n", getString(d, "id"), getString(d, "resolution"))
	if tx := getString(d, "transactionId"); tx != "" {
		fmt.Fprintf(&sb, "Transaction: %s\n", tx)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleFreezeAccount freezes an account.
func (h *Handlers) HandleFreezeAccount(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("account_id", "")
	if id == "" {
		return mcp.NewToolResultError("account_id is required"), nil
	}
	reason := req.GetString("reason", "")
	if reason == "" {
		return mcp.NewToolResultError("reason is required"), nil
	}

	if _, err := h.client.FreezeAccount(ctx, id, reason); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to freeze account: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Account %s frozen.\nReason: %s", id, reason)), nil
}

// HandleUnfreezeAccount lifts a freeze.
func (h *Handlers) HandleUnfreezeAccount(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("account_id", "")
	if id == "" {
		return mcp.NewToolResultError("account_id is required"), nil
	}

	raw, err := h.client.UnfreezeAccount(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to unfreeze account: %v", err)), nil
	}
	acct, err := objectField(raw, "account")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse account: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Account %s unfrozen. Status: %s",
		id, getString(acct, "status"))), nil
}

// HandleReconcileAccount reconciles one account.
func (h *Handlers) HandleReconcileAccount(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("account_id", "")
	if id == "" {
		return mcp.NewToolResultError("account_id is required"), nil
	}

	raw, err := h.client.ReconcileAccount(ctx, id)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict {
		res, perr := objectField(apiErr.Body, "reconciliation")
		if perr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Ledger mismatch on %s: %s", id, apiErr.Message)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf(
			"LEDGER MISMATCH on account %s\n"+
				"  Stored available:   %s\n"+
				"  Replayed available: %s\n"+
				"The account has been frozen and the on-call operator paged.",
			id, getString(res, "stored"), getString(res, "replayed"))), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to reconcile account: %v", err)), nil
	}

	res, err := objectField(raw, "reconciliation")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse reconciliation: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Account %s reconciles. Available: %s",
		id, getString(res, "stored"))), nil
}

// HandleRunReconciliation reconciles every account.
func (h *Handlers) HandleRunReconciliation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.RunReconciliation(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Reconciliation failed: %v", err)), nil
	}

	var resp struct {
		Healthy bool `json:"healthy"`
		Report  struct {
			Accounts   int                 `json:"accounts"`
			Errors     int                 `json:"errors"`
			Mismatches []map[string]string `json:"mismatches"`
			Audit      *struct {
				Valid    bool   `json:"valid"`
				Checked  int64  `json:"checked"`
				BrokenAt int64  `json:"brokenAt"`
				Reason   string `json:"reason"`
			} `json:"audit"`
		} `json:"report"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse report: %v", err)), nil
	}

	var sb strings.Builder
	if resp.Healthy {
		sb.WriteString("Reconciliation: HEALTHY\n")
	} else {
		sb.WriteString("Reconciliation: PROBLEMS FOUND\n")
	}
	fmt.Fprintf(&sb, "  Accounts checked: %d\n", resp.Report.Accounts)
	fmt.Fprintf(&sb, "  Errors: %d\n", resp.Report.Errors)
	fmt.Fprintf(&sb, "  Mismatches: %d\n", len(resp.Report.Mismatches))
	for _, m := range resp.Report.Mismatches {
		fmt.Fprintf(&sb, "    %s stored %s, replayed %s\n", m["accountId"], m["stored"], m["replayed"])
	}
	if a := resp.Report.Audit; a != nil {
		if a.Valid {
			fmt.Fprintf(&sb, "  Audit chain: valid (%d entries)\n", a.Checked)
		} else {
			fmt.Fprintf(&sb, "  Audit chain: BROKEN at seq %d (%s)\n", a.BrokenAt, a.Reason)
		}
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleVerifyAuditChain verifies the audit log.
func (h *Handlers) HandleVerifyAuditChain(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.VerifyAuditChain(ctx)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict {
		raw, err = apiErr.Body, nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to verify audit chain: %v", err)), nil
	}

	res, err := objectField(raw, "audit")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse audit result: %v", err)), nil
	}
	checked, _ := getFloat(res, "checked")
	if valid, _ := res["valid"].(bool); valid {
		return mcp.NewToolResultText(fmt.Sprintf("Audit chain valid: %.0f entries verified.", checked)), nil
	}
	brokenAt, _ := getFloat(res, "brokenAt")
	return mcp.NewToolResultText(fmt.Sprintf(
		"AUDIT CHAIN BROKEN at seq %.0f after %.0f entries.\nReason: %s",
		brokenAt, checked, getString(res, "reason"))), nil
}

// HandleListFraudAlerts lists fraud alerts.
func (h *Handlers) HandleListFraudAlerts(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListFraudAlerts(ctx, req.GetString("account_id", ""), req.GetString("status", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list fraud alerts: %v", err)), nil
	}

	alerts, err := listField(raw, "alerts")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse alerts: %v", err)), nil
	}
	if len(alerts) == 0 {
		return mcp.NewToolResultText("No fraud alerts found."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d alert(s):\n\n", len(alerts))
	for i, a := range alerts {
		score, _ := getFloat(a, "riskScore")
		fmt.Fprintf(&sb, "%d. %s [%s/%s] user %s\n", i+1,
			getString(a, "id"), getString(a, "severity"), getString(a, "status"), getString(a, "userId"))
		fmt.Fprintf(&sb, "   Risk: %.2f | Action: %s\n", score, getString(a, "actionTaken"))
		if acct := getString(a, "accountId"); acct != "" {
			fmt.Fprintf(&sb, "   Account: %s\n", acct)
		}
		if fp, _ := a["falsePositive"].(bool); fp {
			sb.WriteString("   Marked false positive\n")
		}
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleListFraudCases lists fraud cases.
func (h *Handlers) HandleListFraudCases(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListFraudCases(ctx, req.GetString("status", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list fraud cases: %v", err)), nil
	}

	cases, err := listField(raw, "cases")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse cases: %v", err)), nil
	}
	if len(cases) == 0 {
		return mcp.NewToolResultText("No fraud cases found."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d case(s):\n\n", len(cases))
	for i, c := range cases {
		score, _ := getFloat(c, "fraudScore")
		alerts, _ := c["alertIds"].([]any)
		fmt.Fprintf(&sb, "%d. %s [%s] user %s\n", i+1, getString(c, "id"), getString(c, "status"), getString(c, "userId"))
		fmt.Fprintf(&sb, "   Fraud score: %.0f/100 | Alerts: %d\n", score, len(alerts))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleMarkFalsePositive flags an alert.
func (h *Handlers) HandleMarkFalsePositive(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("alert_id", "")
	if id == "" {
		return mcp.NewToolResultError("alert_id is required"), nil
	}

	if _, err := h.client.MarkFalsePositive(ctx, id); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to mark false positive: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Alert %s marked as a false positive.\n"+
			"Any freeze on the account stays in place until you unfreeze it.", id)), nil
}

// --- Formatting helpers ---

func formatAccount(raw json.RawMessage) (string, error) {
	acct, err := objectField(raw, "account")
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Escrow account %s (project %s)\n", getString(acct, "id"), getString(acct, "projectId"))
	fmt.Fprintf(&sb, "  Status: %s\n", getString(acct, "status"))
	fmt.Fprintf(&sb, "  Client: %s | Freelancer: %s\n", getString(acct, "clientId"), getString(acct, "freelancerId"))
	fmt.Fprintf(&sb, "  Total: %s %s | Fee: %s | Held: %s\n",
		getString(acct, "totalAmount"), strings.ToUpper(getString(acct, "currency")),
		getString(acct, "platformFee"), getString(acct, "availableAmount"))
	if score, ok := getFloat(acct, "riskScore"); ok {
		fmt.Fprintf(&sb, "  Risk score: %.2f\n", score)
	}
	if frozen, _ := acct["frozen"].(bool); frozen {
		fmt.Fprintf(&sb, "  FROZEN: %s\n", getString(acct, "frozenReason"))
	}
	if n, ok := getFloat(acct, "openDisputes"); ok && n > 0 {
		fmt.Fprintf(&sb, "  Open disputes: %.0f\n", n)
	}

	milestones, _ := acct["milestones"].([]any)
	if len(milestones) > 0 {
		sb.WriteString("  Milestones:\n")
	}
	for _, item := range milestones {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		index, _ := getFloat(m, "orderIndex")
		fmt.Fprintf(&sb, "    %.0f. %s: %s [%s] (%s)\n", index+1,
			getString(m, "title"), getString(m, "amount"), getString(m, "status"), getString(m, "id"))
	}
	return sb.String(), nil
}

func formatTransactions(raw json.RawMessage) (string, error) {
	txs, err := listField(raw, "transactions")
	if err != nil {
		return "", err
	}
	if len(txs) == 0 {
		return "No transactions.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d transaction(s):\n", len(txs))
	for _, tx := range txs {
		fmt.Fprintf(&sb, "  %s %-16s %10s  %s", getString(tx, "id"), getString(tx, "type"),
			getString(tx, "amount"), getString(tx, "status"))
		if ms := getString(tx, "milestoneId"); ms != "" {
			fmt.Fprintf(&sb, "  milestone %s", ms)
		}
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

// objectField decodes {"<key>": {...}}.
func objectField(raw json.RawMessage, key string) (map[string]any, error) {
	var resp map[string]json.RawMessage
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(resp[key], &out); err != nil || out == nil {
		return nil, fmt.Errorf("no %q in response: %s", key, string(raw))
	}
	return out, nil
}

// listField decodes {"<key>": [...]}, or a bare array.
func listField(raw json.RawMessage, key string) ([]map[string]any, error) {
	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(raw, &wrapper); err == nil {
		var items []map[string]any
		if err := json.Unmarshal(wrapper[key], &items); err == nil {
			return items, nil
		}
	}
	var items []map[string]any
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("unexpected %s response format", key)
	}
	return items, nil
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}
