package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	client := NewClient(Config{
		APIURL:      ts.URL,
		AdminSecret: "admin-secret",
		OperatorID:  "ops_1",
	})
	return NewHandlers(client), ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ============================================================
// Client tests
// ============================================================

func TestClient_DoRequest_OperatorHeaders(t *testing.T) {
	var got http.Header
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, AdminSecret: "s3cret", OperatorID: "ops_7"})
	_, err := client.VerifyAuditChain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "admin", got.Get("X-Actor-Type"))
	assert.Equal(t, "s3cret", got.Get("X-Admin-Secret"))
	assert.Equal(t, "ops_7", got.Get("X-Actor-ID"))
}

func TestClient_DoRequest_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusForbidden, map[string]any{
			"error":   "forbidden",
			"message": "Admin secret required",
		})
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, AdminSecret: "bad"})
	_, err := client.GetAccount(context.Background(), "esc_1")
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
	assert.Equal(t, "forbidden", apiErr.Code)
	assert.Contains(t, err.Error(), "403")
	assert.Contains(t, err.Error(), "Admin secret required")
}

func TestClient_DoRequest_HTTPError_NonJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream timeout"))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL})
	_, err := client.RunReconciliation(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream timeout")
}

func TestClient_DoRequest_ConnectionRefused(t *testing.T) {
	client := NewClient(Config{APIURL: "http://127.0.0.1:1"})
	_, err := client.GetAccount(context.Background(), "esc_1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

func TestClient_DoRequest_CancelledContext(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := client.GetAccount(ctx, "esc_1")
	require.Error(t, err)
}

func TestClient_ListDisputes_QueryParams(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/disputes", r.URL.Path)
		assert.Equal(t, "esc_1", r.URL.Query().Get("accountId"))
		assert.Equal(t, "mediation", r.URL.Query().Get("status"))
		_, _ = w.Write([]byte(`{"disputes":[]}`))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL})
	_, err := client.ListDisputes(context.Background(), "esc_1", "mediation")
	require.NoError(t, err)
}

func TestClient_ListFraudCases_EmptyStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.URL.RawQuery)
		_, _ = w.Write([]byte(`{"cases":[]}`))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL})
	_, err := client.ListFraudCases(context.Background(), "")
	require.NoError(t, err)
}

func TestClient_ResolveDispute_RequestBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/disputes/dsp_1/resolve", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, _ := io.ReadAll(r.Body)
		var m map[string]string
		_ = json.Unmarshal(body, &m)
		assert.Equal(t, "partial_refund", m["resolution"])
		assert.Equal(t, "200.00", m["amount"])
		assert.Equal(t, "split", m["notes"])
		_, _ = w.Write([]byte(`{"dispute":{}}`))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL})
	_, err := client.ResolveDispute(context.Background(), "dsp_1", "partial_refund", "200.00", "split")
	require.NoError(t, err)
}

func TestClient_PathEscapesIDs(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/admin/escrow/accounts/a%2Fb/freeze", r.URL.EscapedPath())
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL})
	_, err := client.FreezeAccount(context.Background(), "a/b", "test")
	require.NoError(t, err)
}

// ============================================================
// Handler tests
// ============================================================

func TestHandleGetAccount(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/escrow/accounts/esc_1", r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{"account": map[string]any{
			"id":              "esc_1",
			"projectId":       "proj_1",
			"clientId":        "client_1",
			"freelancerId":    "free_1",
			"currency":        "usd",
			"status":          "active",
			"totalAmount":     "1000",
			"platformFee":     "50",
			"availableAmount": "600",
			"riskScore":       0.25,
			"frozen":          true,
			"frozenReason":    "velocity",
			"openDisputes":    1,
			"milestones": []map[string]any{
				{"id": "ms_1", "orderIndex": 0, "title": "Design", "amount": "400", "status": "released"},
				{"id": "ms_2", "orderIndex": 1, "title": "Build", "amount": "600", "status": "disputed"},
			},
		}})
	}))
	defer cleanup()

	result, err := h.HandleGetAccount(context.Background(), makeRequest(map[string]any{"account_id": "esc_1"}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	text := resultText(t, result)
	assert.Contains(t, text, "Escrow account esc_1 (project proj_1)")
	assert.Contains(t, text, "Total: 1000 USD | Fee: 50 | Held: 600")
	assert.Contains(t, text, "Risk score: 0.25")
	assert.Contains(t, text, "FROZEN: velocity")
	assert.Contains(t, text, "Open disputes: 1")
	assert.Contains(t, text, "1. Design: 400 [released] (ms_1)")
	assert.Contains(t, text, "2. Build: 600 [disputed] (ms_2)")
}

func TestHandleGetAccount_MissingID(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("should not call the API")
	}))
	defer cleanup()

	result, err := h.HandleGetAccount(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "account_id is required")
}

func TestHandleGetAccount_NotFound(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not_found", "message": "escrow account not found"})
	}))
	defer cleanup()

	result, err := h.HandleGetAccount(context.Background(), makeRequest(map[string]any{"account_id": "esc_x"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "escrow account not found")
}

func TestHandleListTransactions(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"transactions": []map[string]any{
			{"id": "tx_1", "type": "deposit", "amount": "1000", "status": "completed"},
			{"id": "tx_2", "type": "milestone_release", "amount": "400", "status": "completed", "milestoneId": "ms_1"},
		}})
	}))
	defer cleanup()

	result, err := h.HandleListTransactions(context.Background(), makeRequest(map[string]any{"account_id": "esc_1"}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "2 transaction(s)")
	assert.Contains(t, text, "tx_2 milestone_release")
	assert.Contains(t, text, "milestone ms_1")
}

func TestHandleListTransactions_Empty(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"transactions":[]}`))
	}))
	defer cleanup()

	result, err := h.HandleListTransactions(context.Background(), makeRequest(map[string]any{"account_id": "esc_1"}))
	require.NoError(t, err)
	assert.Equal(t, "No transactions.", resultText(t, result))
}

func TestHandleListDisputes(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "mediation", r.URL.Query().Get("status"))
		writeJSON(w, http.StatusOK, map[string]any{"count": 1, "disputes": []map[string]any{{
			"id":          "dsp_1",
			"accountId":   "esc_1",
			"milestoneId": "ms_2",
			"raisedBy":    "client_1",
			"reason":      "work not delivered",
			"status":      "mediation",
		}}})
	}))
	defer cleanup()

	result, err := h.HandleListDisputes(context.Background(), makeRequest(map[string]any{"status": "mediation"}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Found 1 dispute(s)")
	assert.Contains(t, text, "dsp_1 [mediation] on account esc_1")
	assert.Contains(t, text, "Raised by client_1: work not delivered")
}

func TestHandleListDisputes_Empty(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"disputes":[],"count":0}`))
	}))
	defer cleanup()

	result, err := h.HandleListDisputes(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "No disputes found.", resultText(t, result))
}

func TestHandleResolveDispute(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"dispute": map[string]any{
			"id":            "dsp_1",
			"status":        "resolved",
			"resolution":    "client_favor",
			"transactionId": "tx_9",
		}})
	}))
	defer cleanup()

	result, err := h.HandleResolveDispute(context.Background(), makeRequest(map[string]any{
		"dispute_id": "dsp_1",
		"resolution": "client_favor",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "Dispute dsp_1 resolved as client_favor")
	assert.Contains(t, text, "Transaction: tx_9")
}

func TestHandleResolveDispute_PartialRefundNeedsAmount(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("should not call the API")
	}))
	defer cleanup()

	result, err := h.HandleResolveDispute(context.Background(), makeRequest(map[string]any{
		"dispute_id": "dsp_1",
		"resolution": "partial_refund",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "amount is required")
}

func TestHandleResolveDispute_RailFailure(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": "rail_error", "message": "stripe unavailable"})
	}))
	defer cleanup()

	result, err := h.HandleResolveDispute(context.Background(), makeRequest(map[string]any{
		"dispute_id": "dsp_1",
		"resolution": "freelancer_favor",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "payment rail failed: stripe unavailable")
}

func TestHandleFreezeAccount(t *testing.T) {
	var reason string
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		reason = body["reason"]
		_, _ = w.Write([]byte(`{"account":{"id":"esc_1","frozen":true}}`))
	}))
	defer cleanup()

	result, err := h.HandleFreezeAccount(context.Background(), makeRequest(map[string]any{
		"account_id": "esc_1",
		"reason":     "chargeback pattern",
	}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	assert.Equal(t, "chargeback pattern", reason)
	assert.Contains(t, resultText(t, result), "Account esc_1 frozen.")
}

func TestHandleFreezeAccount_RequiresReason(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("should not call the API")
	}))
	defer cleanup()

	result, err := h.HandleFreezeAccount(context.Background(), makeRequest(map[string]any{"account_id": "esc_1"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleUnfreezeAccount(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/admin/escrow/accounts/esc_1/unfreeze", r.URL.Path)
		_, _ = w.Write([]byte(`{"account":{"id":"esc_1","status":"active","frozen":false}}`))
	}))
	defer cleanup()

	result, err := h.HandleUnfreezeAccount(context.Background(), makeRequest(map[string]any{"account_id": "esc_1"}))
	require.NoError(t, err)
	assert.Equal(t, "Account esc_1 unfrozen. Status: active", resultText(t, result))
}

func TestHandleReconcileAccount_Match(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"reconciliation":{"accountId":"esc_1","match":true,"stored":"600","replayed":"600"}}`))
	}))
	defer cleanup()

	result, err := h.HandleReconcileAccount(context.Background(), makeRequest(map[string]any{"account_id": "esc_1"}))
	require.NoError(t, err)
	assert.Equal(t, "Account esc_1 reconciles. Available: 600", resultText(t, result))
}

func TestHandleReconcileAccount_Mismatch(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":   "ledger_mismatch",
			"message": "stored balance does not match ledger",
			"reconciliation": map[string]any{
				"accountId": "esc_1", "match": false, "stored": "600", "replayed": "550",
			},
		})
	}))
	defer cleanup()

	result, err := h.HandleReconcileAccount(context.Background(), makeRequest(map[string]any{"account_id": "esc_1"}))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "LEDGER MISMATCH on account esc_1")
	assert.Contains(t, text, "Stored available:   600")
	assert.Contains(t, text, "Replayed available: 550")
}

func TestHandleRunReconciliation(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		writeJSON(w, http.StatusOK, map[string]any{
			"healthy": false,
			"report": map[string]any{
				"accounts": 3,
				"errors":   0,
				"mismatches": []map[string]any{
					{"accountId": "esc_2", "stored": "100", "replayed": "90"},
				},
				"audit": map[string]any{"valid": true, "checked": 42},
			},
		})
	}))
	defer cleanup()

	result, err := h.HandleRunReconciliation(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "PROBLEMS FOUND")
	assert.Contains(t, text, "Accounts checked: 3")
	assert.Contains(t, text, "esc_2 stored 100, replayed 90")
	assert.Contains(t, text, "Audit chain: valid (42 entries)")
}

func TestHandleVerifyAuditChain_Valid(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"audit":{"valid":true,"checked":12}}`))
	}))
	defer cleanup()

	result, err := h.HandleVerifyAuditChain(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "Audit chain valid: 12 entries verified.", resultText(t, result))
}

func TestHandleVerifyAuditChain_Broken(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"audit": map[string]any{"valid": false, "checked": 7, "brokenAt": 7, "reason": "hash mismatch"},
		})
	}))
	defer cleanup()

	result, err := h.HandleVerifyAuditChain(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.False(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "AUDIT CHAIN BROKEN at seq 7")
	assert.Contains(t, text, "hash mismatch")
}

func TestHandleListFraudAlerts(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "esc_1", r.URL.Query().Get("accountId"))
		writeJSON(w, http.StatusOK, map[string]any{"count": 1, "alerts": []map[string]any{{
			"id":            "fa_1",
			"userId":        "client_1",
			"accountId":     "esc_1",
			"riskScore":     0.9,
			"severity":      "critical",
			"status":        "active",
			"actionTaken":   "freeze",
			"falsePositive": true,
		}}})
	}))
	defer cleanup()

	result, err := h.HandleListFraudAlerts(context.Background(), makeRequest(map[string]any{"account_id": "esc_1"}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "fa_1 [critical/active] user client_1")
	assert.Contains(t, text, "Risk: 0.90 | Action: freeze")
	assert.Contains(t, text, "Marked false positive")
}

func TestHandleListFraudCases(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"count": 1, "cases": []map[string]any{{
			"id":         "fc_1",
			"userId":     "client_1",
			"fraudScore": 85,
			"alertIds":   []string{"fa_1", "fa_2"},
			"status":     "open",
		}}})
	}))
	defer cleanup()

	result, err := h.HandleListFraudCases(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "fc_1 [open] user client_1")
	assert.Contains(t, text, "Fraud score: 85/100 | Alerts: 2")
}

func TestHandleMarkFalsePositive(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/admin/fraud/alerts/fa_1/false-positive", r.URL.Path)
		_, _ = w.Write([]byte(`{"alert":{"id":"fa_1","falsePositive":true}}`))
	}))
	defer cleanup()

	result, err := h.HandleMarkFalsePositive(context.Background(), makeRequest(map[string]any{"alert_id": "fa_1"}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Alert fa_1 marked as a false positive.")
	assert.Contains(t, text, "stays in place")
}

func TestNewMCPServer(t *testing.T) {
	s := NewMCPServer(Config{APIURL: "http://localhost:8080", AdminSecret: "x"})
	require.NotNil(t, s)
}

func TestHandlers_NeverReturnGoError(t *testing.T) {
	h := NewHandlers(NewClient(Config{APIURL: "http://127.0.0.1:1"}))
	ctx := context.Background()
	args := makeRequest(map[string]any{
		"account_id": "esc_1",
		"dispute_id": "dsp_1",
		"alert_id":   "fa_1",
		"resolution": "client_favor",
		"reason":     "test",
	})

	handlers := map[string]func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error){
		"get_escrow_account":       h.HandleGetAccount,
		"list_escrow_transactions": h.HandleListTransactions,
		"list_disputes":            h.HandleListDisputes,
		"resolve_dispute":          h.HandleResolveDispute,
		"freeze_account":           h.HandleFreezeAccount,
		"unfreeze_account":         h.HandleUnfreezeAccount,
		"reconcile_account":        h.HandleReconcileAccount,
		"run_reconciliation":       h.HandleRunReconciliation,
		"verify_audit_chain":       h.HandleVerifyAuditChain,
		"list_fraud_alerts":        h.HandleListFraudAlerts,
		"list_fraud_cases":         h.HandleListFraudCases,
		"mark_false_positive":      h.HandleMarkFalsePositive,
	}
	for name, fn := range handlers {
		t.Run(name, func(t *testing.T) {
			result, err := fn(ctx, args)
			require.NoError(t, err)
			assert.True(t, result.IsError)
		})
	}
}
