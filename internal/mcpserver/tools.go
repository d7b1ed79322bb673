package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the escrowd operator MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetAccount = mcp.NewTool("get_escrow_account",
	mcp.WithDescription(
		"Look up a WorkWise escrow account. Shows the funded total, the amount still held, "+
			"the status of each milestone, the fraud risk score, and whether the account is frozen."),
	mcp.WithString("account_id",
		mcp.Required(),
		mcp.Description("The escrow account ID (e.g. 'esc_...')")),
)

var ToolListTransactions = mcp.NewTool("list_escrow_transactions",
	mcp.WithDescription(
		"List the ledger transactions of an escrow account: deposits, milestone releases, "+
			"refunds, fees and insurance payouts, with their payment rail status."),
	mcp.WithString("account_id",
		mcp.Required(),
		mcp.Description("The escrow account ID")),
)

var ToolListDisputes = mcp.NewTool("list_disputes",
	mcp.WithDescription(
		"List disputes raised on escrow accounts. Use the status filter to find disputes "+
			"waiting for mediation."),
	mcp.WithString("account_id",
		mcp.Description("Only disputes on this escrow account")),
	mcp.WithString("status",
		mcp.Description("Filter by dispute status"),
		mcp.Enum("open", "investigating", "mediation", "escalated", "resolved")),
)

var ToolResolveDispute = mcp.NewTool("resolve_dispute",
	mcp.WithDescription(
		"Resolve a dispute that is in mediation or escalated. This moves money: "+
			"client_favor and full_refund refund the client, freelancer_favor releases to the freelancer, "+
			"partial_refund refunds the given amount and releases the rest, no_action leaves the funds held."),
	mcp.WithString("dispute_id",
		mcp.Required(),
		mcp.Description("The dispute ID (e.g. 'dsp_...')")),
	mcp.WithString("resolution",
		mcp.Required(),
		mcp.Description("Outcome of the dispute"),
		mcp.Enum("client_favor", "freelancer_favor", "partial_refund", "full_refund", "no_action")),
	mcp.WithString("amount",
		mcp.Description("Refund amount for partial_refund (e.g. '200.00')")),
	mcp.WithString("notes",
		mcp.Description("Mediator notes recorded with the resolution")),
)

var ToolFreezeAccount = mcp.NewTool("freeze_account",
	mcp.WithDescription(
		"Freeze an escrow account. No money can move until it is unfrozen. "+
			"Use this when fraud is suspected."),
	mcp.WithString("account_id",
		mcp.Required(),
		mcp.Description("The escrow account ID")),
	mcp.WithString("reason",
		mcp.Required(),
		mcp.Description("Why the account is being frozen")),
)

var ToolUnfreezeAccount = mcp.NewTool("unfreeze_account",
	mcp.WithDescription("Lift the freeze on an escrow account."),
	mcp.WithString("account_id",
		mcp.Required(),
		mcp.Description("The escrow account ID")),
)

var ToolReconcileAccount = mcp.NewTool("reconcile_account",
	mcp.WithDescription(
		"Replay the ledger of one escrow account and compare it with the stored balance. "+
			"A mismatch freezes the account and pages the on-call operator."),
	mcp.WithString("account_id",
		mcp.Required(),
		mcp.Description("The escrow account ID")),
)

var ToolRunReconciliation = mcp.NewTool("run_reconciliation",
	mcp.WithDescription(
		"Reconcile every escrow account and verify the audit log hash chain. "+
			"Reports ledger mismatches and errors."),
)

var ToolVerifyAuditChain = mcp.NewTool("verify_audit_chain",
	mcp.WithDescription(
		"Verify the tamper-evident audit log. Reports the first entry whose hash does not match."),
)

var ToolListFraudAlerts = mcp.NewTool("list_fraud_alerts",
	mcp.WithDescription(
		"List fraud alerts raised by the rule engine, with risk score, severity and the action taken."),
	mcp.WithString("account_id",
		mcp.Description("Only alerts on this escrow account")),
	mcp.WithString("status",
		mcp.Description("Filter by alert status"),
		mcp.Enum("active", "acknowledged", "resolved")),
)

var ToolListFraudCases = mcp.NewTool("list_fraud_cases",
	mcp.WithDescription("List fraud investigation cases with their aggregate fraud score (0-100)."),
	mcp.WithString("status",
		mcp.Description("Filter by case status"),
		mcp.Enum("open", "investigating", "confirmed", "false_positive", "resolved")),
)

var ToolMarkFalsePositive = mcp.NewTool("mark_false_positive",
	mcp.WithDescription(
		"Mark a fraud alert as a false positive. This does not unfreeze the account; "+
			"use unfreeze_account separately once you are sure."),
	mcp.WithString("alert_id",
		mcp.Required(),
		mcp.Description("The fraud alert ID")),
)
