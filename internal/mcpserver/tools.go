package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the marketplace MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolCreateOrder = mcp.NewTool("create_order",
	mcp.WithDescription(
		"Buy a product. Reserves stock, locks the order total from your balance "+
			"and deposits it into escrow on the settlement network. "+
			"If the network is unreachable the deposit is queued and retried automatically."),
	mcp.WithNumber("product_id",
		mcp.Required(),
		mcp.Description("ID of the product to buy")),
	mcp.WithNumber("quantity",
		mcp.Required(),
		mcp.Description("Number of units (at least 1)")),
	mcp.WithString("wallet_address",
		mcp.Description("Wallet that funds the escrow (0x...). Defaults to your linked wallet.")),
	mcp.WithString("shipping_address",
		mcp.Description("Delivery address for the order")),
)

var ToolGetOrder = mcp.NewTool("get_order",
	mcp.WithDescription(
		"Get one order with its status, escrow deposit call and line items. "+
			"Only the buyer or the seller of the order can read it."),
	mcp.WithNumber("order_id",
		mcp.Required(),
		mcp.Description("The order ID")),
)

var ToolListOrders = mcp.NewTool("list_orders",
	mcp.WithDescription(
		"List your orders, newest first. Use role 'seller' to see orders for products you sell."),
	mcp.WithString("role",
		mcp.Description("'buyer' (default) or 'seller'"),
		mcp.Enum("buyer", "seller")),
	mcp.WithString("cursor",
		mcp.Description("Cursor from a previous page to continue listing")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of orders to return (default 20)")),
)

var ToolConfirmOrder = mcp.NewTool("confirm_order",
	mcp.WithDescription(
		"Confirm an order as buyer or seller. When both parties have confirmed, "+
			"the escrow is released to the seller and the order completes."),
	mcp.WithNumber("order_id",
		mcp.Required(),
		mcp.Description("The order ID")),
	mcp.WithString("role",
		mcp.Required(),
		mcp.Description("Which party you confirm as"),
		mcp.Enum("buyer", "seller")),
	mcp.WithBoolean("green_approved",
		mcp.Description("Buyer only: approve the green delivery bonus")),
)

var ToolCancelOrder = mcp.NewTool("cancel_order",
	mcp.WithDescription(
		"Cancel an order that is not completed. Locked funds return to the buyer "+
			"and an escrow refund is sent to the settlement network."),
	mcp.WithNumber("order_id",
		mcp.Required(),
		mcp.Description("The order ID")),
)

var ToolCheckBalance = mcp.NewTool("check_balance",
	mcp.WithDescription(
		"Check your marketplace balance. Shows available funds and funds locked in open orders."),
)

var ToolListSettlementCalls = mcp.NewTool("list_settlement_calls",
	mcp.WithDescription(
		"Operator only. List escrow calls sent to the settlement network, "+
			"including queued calls waiting for retry and failed calls."),
	mcp.WithString("status",
		mcp.Description("Filter by status"),
		mcp.Enum("pending", "processing", "success", "queued", "failed", "cancelled")),
	mcp.WithNumber("order_id",
		mcp.Description("Only calls for this order")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of calls to return (default 50)")),
)

var ToolRetrySettlementCall = mcp.NewTool("retry_settlement_call",
	mcp.WithDescription(
		"Operator only. Replay a queued settlement call now instead of waiting for the retry worker."),
	mcp.WithString("call_id",
		mcp.Required(),
		mcp.Description("The settlement call ID")),
)

var ToolVerifyCallTx = mcp.NewTool("verify_call_tx",
	mcp.WithDescription(
		"Operator only. Check that a settlement call's transaction was mined successfully on chain."),
	mcp.WithString("call_id",
		mcp.Required(),
		mcp.Description("The settlement call ID")),
	mcp.WithString("tx_hash",
		mcp.Required(),
		mcp.Description("Transaction hash (0x followed by 64 hex characters)")),
)

var ToolListAlerts = mcp.NewTool("list_alerts",
	mcp.WithDescription(
		"Operator only. List settlement alerts such as exhausted retries, rejected calls "+
			"and balance mismatches, newest first."),
	mcp.WithString("severity",
		mcp.Description("Filter by severity"),
		mcp.Enum("info", "warning", "critical")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of alerts to return (default 100)")),
)
