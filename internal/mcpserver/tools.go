package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the escrowd MCP server. Every tool is a read; the
// server holds no keys and cannot move funds.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetEscrow = mcp.NewTool("get_escrow",
	mcp.WithDescription(
		"Look up one escrow by id. Shows the parties, amount, current state, "+
			"snapshotted fees, proof reference, dispute id and the full transition history."),
	mcp.WithReadOnlyHintAnnotation(true),
	mcp.WithNumber("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow id (a positive integer)")),
)

var ToolListPartyEscrows = mcp.NewTool("list_party_escrows",
	mcp.WithDescription(
		"List the escrows in which an address is the holder or the provider, newest first."),
	mcp.WithReadOnlyHintAnnotation(true),
	mcp.WithString("address",
		mcp.Required(),
		mcp.Description("The party's address (e.g. '0x1234...')")),
	mcp.WithNumber("offset",
		mcp.Description("Number of escrows to skip (default 0)")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of escrows to return (default 20, max 200)")),
)

var ToolEstimateCosts = mcp.NewTool("estimate_costs",
	mcp.WithDescription(
		"Quote the settlement fee, the dispute fee and any cross-network delivery fee for "+
			"escrow terms before anyone signs them. Returns what the provider would receive net of fees."),
	mcp.WithReadOnlyHintAnnotation(true),
	mcp.WithString("holder",
		mcp.Required(),
		mcp.Description("Address that deposits the funds")),
	mcp.WithString("provider",
		mcp.Required(),
		mcp.Description("Address that delivers and gets paid")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Escrow amount in decimal units (e.g. '12.5')")),
	mcp.WithNumber("dst_network_id",
		mcp.Description("Destination network id for cross-network payout; omit or 0 for local payout")),
	mcp.WithString("dst_recipient",
		mcp.Description("Payout address on the destination network")),
	mcp.WithString("adapter_params",
		mcp.Description("Hex-encoded bridge adapter parameters")),
	mcp.WithNumber("funded_timeout",
		mcp.Description("Seconds the provider has to submit proof (default 86400)")),
	mcp.WithNumber("proof_timeout",
		mcp.Description("Seconds the holder has to complete after proof (default 86400)")),
)

var ToolGetDispute = mcp.NewTool("get_dispute",
	mcp.WithDescription(
		"Look up one dispute at the arbitration authority: the escrow it concerns, who opened it, "+
			"the recorded fee, evidence, and the ruling once resolved."),
	mcp.WithReadOnlyHintAnnotation(true),
	mcp.WithNumber("dispute_id",
		mcp.Required(),
		mcp.Description("The dispute id (a positive integer)")),
)

var ToolListActiveDisputes = mcp.NewTool("list_active_disputes",
	mcp.WithDescription(
		"List disputes still waiting for a ruling."),
	mcp.WithReadOnlyHintAnnotation(true),
	mcp.WithNumber("offset",
		mcp.Description("Number of disputes to skip (default 0)")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of disputes to return (default 20, max 200)")),
)

var ToolGetReputation = mcp.NewTool("get_reputation",
	mcp.WithDescription(
		"Get the reputation score and band for a wallet, built from its completed escrows "+
			"and dispute outcomes."),
	mcp.WithReadOnlyHintAnnotation(true),
	mcp.WithString("address",
		mcp.Required(),
		mcp.Description("The wallet address (e.g. '0x1234...')")),
)
