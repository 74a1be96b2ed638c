package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
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

// HandleCreateOrder places an order.
func (h *Handlers) HandleCreateOrder(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	productID := int64(req.GetInt("product_id", 0))
	if productID <= 0 {
		return mcp.NewToolResultError("product_id is required"), nil
	}
	quantity := int64(req.GetInt("quantity", 0))
	if quantity <= 0 {
		return mcp.NewToolResultError("quantity must be at least 1"), nil
	}

	raw, err := h.client.CreateOrder(ctx, productID, quantity,
		req.GetString("wallet_address", ""), req.GetString("shipping_address", ""))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Order failed: %v", err)), nil
	}

	o, err := parseOrder(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse order: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Order %d created.\n", o.ID)
	sb.WriteString(formatOrder(o))
	var accepted struct {
		Status string `json:"status"`
	}
	if json.Unmarshal(raw, &accepted) == nil && accepted.Status == "pending_settlement" {
		sb.WriteString("\nThe escrow deposit is queued and will be retried automatically.")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetOrder returns one order.
func (h *Handlers) HandleGetOrder(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orderID := int64(req.GetInt("order_id", 0))
	if orderID <= 0 {
		return mcp.NewToolResultError("order_id is required"), nil
	}

	raw, err := h.client.GetOrder(ctx, orderID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get order: %v", err)), nil
	}

	o, err := parseOrder(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse order: %v", err)), nil
	}
	return mcp.NewToolResultText(formatOrder(o)), nil
}

// HandleListOrders lists the caller's orders.
func (h *Handlers) HandleListOrders(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	role := req.GetString("role", "buyer")
	if role != "buyer" && role != "seller" {
		return mcp.NewToolResultError("role must be buyer or seller"), nil
	}

	raw, err := h.client.ListOrders(ctx, role, req.GetString("cursor", ""), req.GetInt("limit", 20))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list orders: %v", err)), nil
	}

	text, err := formatOrderList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse orders: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleConfirmOrder confirms an order as one party.
func (h *Handlers) HandleConfirmOrder(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orderID := int64(req.GetInt("order_id", 0))
	if orderID <= 0 {
		return mcp.NewToolResultError("order_id is required"), nil
	}
	role := req.GetString("role", "")
	if role != "buyer" && role != "seller" {
		return mcp.NewToolResultError("role must be buyer or seller"), nil
	}

	raw, err := h.client.ConfirmOrder(ctx, orderID, role, req.GetBool("green_approved", false))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Confirm failed: %v", err)), nil
	}

	o, err := parseOrder(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse order: %v", err)), nil
	}

	var sb strings.Builder
	if o.Status == "completed" {
		fmt.Fprintf(&sb, "Order %d completed. Escrow released to the seller.\n", o.ID)
	} else {
		fmt.Fprintf(&sb, "Order %d confirmed as %s. Waiting for the other party.\n", o.ID, role)
	}
	sb.WriteString(formatOrder(o))
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleCancelOrder cancels an order.
func (h *Handlers) HandleCancelOrder(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orderID := int64(req.GetInt("order_id", 0))
	if orderID <= 0 {
		return mcp.NewToolResultError("order_id is required"), nil
	}

	if _, err := h.client.CancelOrder(ctx, orderID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Cancel failed: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Order %d cancelled.\n"+
			"Locked funds were returned to the buyer's available balance.",
		orderID)), nil
}

// HandleCheckBalance returns the caller's balance.
func (h *Handlers) HandleCheckBalance(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetBalance(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check balance: %v", err)), nil
	}

	text, err := formatBalance(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse balance: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListSettlementCalls lists settlement calls.
func (h *Handlers) HandleListSettlementCalls(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListCalls(ctx,
		req.GetString("status", ""),
		int64(req.GetInt("order_id", 0)),
		req.GetInt("limit", 50))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list settlement calls: %v", err)), nil
	}

	text, err := formatCallList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse settlement calls: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleRetrySettlementCall replays a queued call.
func (h *Handlers) HandleRetrySettlementCall(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	callID := req.GetString("call_id", "")
	if callID == "" {
		return mcp.NewToolResultError("call_id is required"), nil
	}

	raw, err := h.client.RetryCall(ctx, callID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Retry failed: %v", err)), nil
	}

	call, err := parseCall(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse call: %v", err)), nil
	}

	var sb strings.Builder
	switch call.Status {
	case "success":
		fmt.Fprintf(&sb, "Call %s succeeded.\n", call.ID)
	case "queued":
		fmt.Fprintf(&sb, "Call %s is still unreachable and stays queued.\n", call.ID)
	default:
		fmt.Fprintf(&sb, "Call %s is now %s.\n", call.ID, call.Status)
	}
	sb.WriteString(formatCall(call))
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleVerifyCallTx verifies a call's transaction on chain.
func (h *Handlers) HandleVerifyCallTx(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	callID := req.GetString("call_id", "")
	if callID == "" {
		return mcp.NewToolResultError("call_id is required"), nil
	}
	txHash := req.GetString("tx_hash", "")
	if txHash == "" {
		return mcp.NewToolResultError("tx_hash is required"), nil
	}

	raw, err := h.client.VerifyCall(ctx, callID, txHash)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Verification failed: %v", err)), nil
	}

	call, err := parseCall(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse call: %v", err)), nil
	}

	var sb strings.Builder
	if call.Verified {
		fmt.Fprintf(&sb, "Transaction %s is confirmed on chain.\n", txHash)
	} else {
		fmt.Fprintf(&sb, "Transaction %s could not be confirmed.\n", txHash)
	}
	sb.WriteString(formatCall(call))
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleListAlerts lists settlement alerts.
func (h *Handlers) HandleListAlerts(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListAlerts(ctx, req.GetString("severity", ""), req.GetInt("limit", 100))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list alerts: %v", err)), nil
	}

	text, err := formatAlertList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse alerts: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// --- Formatting helpers ---

type callInfo struct {
	ID         string `json:"id"`
	Method     string `json:"method"`
	Status     string `json:"status"`
	Attempts   int    `json:"attempts"`
	Retries    int    `json:"retries"`
	MaxRetries int    `json:"maxRetries"`
	LastError  string `json:"lastError"`
	OrderID    int64  `json:"orderId"`
	TxHash     string `json:"txHash"`
	Verified   bool   `json:"verified"`
}

type orderInfo struct {
	ID            int64     `json:"id"`
	BuyerID       int64     `json:"buyerId"`
	SellerID      int64     `json:"sellerId"`
	TotalAmount   int64     `json:"totalAmount"`
	BaseAmount    string    `json:"baseAmount"`
	Status        string    `json:"status"`
	IsGreen       bool      `json:"isGreen"`
	DepositCallID string    `json:"depositCallId"`
	ReleaseCallID string    `json:"releaseCallId"`
	Settlement    *callInfo `json:"settlement"`
	Lines         []struct {
		ProductID int64 `json:"productId"`
		Quantity  int64 `json:"quantity"`
		UnitPrice int64 `json:"unitPrice"`
	} `json:"lines"`
}

// parseOrder accepts {"order": {...}} or a bare order object.
func parseOrder(raw json.RawMessage) (*orderInfo, error) {
	var wrapper struct {
		Order *orderInfo `json:"order"`
	}
	if err := json.Unmarshal(raw, &wrapper); err == nil && wrapper.Order != nil {
		return wrapper.Order, nil
	}
	var o orderInfo
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, err
	}
	if o.ID == 0 {
		return nil, fmt.Errorf("no order in response: %s", string(raw))
	}
	return &o, nil
}

func formatOrder(o *orderInfo) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Order #%d\n", o.ID)
	fmt.Fprintf(&sb, "  Status: %s\n", o.Status)
	fmt.Fprintf(&sb, "  Total: %d (%s base units)\n", o.TotalAmount, o.BaseAmount)
	fmt.Fprintf(&sb, "  Buyer: %d | Seller: %d\n", o.BuyerID, o.SellerID)
	if o.IsGreen {
		sb.WriteString("  Green delivery: yes\n")
	}
	for _, l := range o.Lines {
		fmt.Fprintf(&sb, "  Line: product %d x%d @ %d\n", l.ProductID, l.Quantity, l.UnitPrice)
	}
	if o.Settlement != nil {
		fmt.Fprintf(&sb, "  Escrow deposit: %s (%s)\n", o.Settlement.Status, o.Settlement.ID)
	} else if o.DepositCallID != "" {
		fmt.Fprintf(&sb, "  Escrow deposit: %s\n", o.DepositCallID)
	}
	if o.ReleaseCallID != "" {
		fmt.Fprintf(&sb, "  Escrow release: %s\n", o.ReleaseCallID)
	}
	return sb.String()
}

func formatOrderList(raw json.RawMessage) (string, error) {
	var resp struct {
		Orders     []*orderInfo `json:"orders"`
		NextCursor string       `json:"nextCursor"`
		HasMore    bool         `json:"hasMore"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected orders response format")
	}
	if len(resp.Orders) == 0 {
		return "No orders found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d order(s):\n\n", len(resp.Orders))
	for i, o := range resp.Orders {
		fmt.Fprintf(&sb, "%d. Order #%d | %s | total %d\n", i+1, o.ID, o.Status, o.TotalAmount)
	}
	if resp.HasMore && resp.NextCursor != "" {
		fmt.Fprintf(&sb, "\nMore orders available. Next cursor: %s", resp.NextCursor)
	}
	return sb.String(), nil
}

// parseCall accepts {"call": {...}} or a bare call object.
func parseCall(raw json.RawMessage) (*callInfo, error) {
	var wrapper struct {
		Call *callInfo `json:"call"`
	}
	if err := json.Unmarshal(raw, &wrapper); err == nil && wrapper.Call != nil {
		return wrapper.Call, nil
	}
	var c callInfo
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, err
	}
	if c.ID == "" {
		return nil, fmt.Errorf("no call in response: %s", string(raw))
	}
	return &c, nil
}

func formatCall(c *callInfo) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "  %s %s: %s", c.ID, c.Method, c.Status)
	if c.OrderID > 0 {
		fmt.Fprintf(&sb, " (order %d)", c.OrderID)
	}
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "    Attempts: %d | Retries: %d/%d\n", c.Attempts, c.Retries, c.MaxRetries)
	if c.TxHash != "" {
		fmt.Fprintf(&sb, "    Tx: %s", c.TxHash)
		if c.Verified {
			sb.WriteString(" (verified)")
		}
		sb.WriteString("\n")
	}
	if c.LastError != "" {
		fmt.Fprintf(&sb, "    Last error: %s\n", c.LastError)
	}
	return sb.String()
}

func formatCallList(raw json.RawMessage) (string, error) {
	var resp struct {
		Calls []*callInfo `json:"calls"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected calls response format")
	}
	if len(resp.Calls) == 0 {
		return "No settlement calls found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d settlement call(s):\n\n", len(resp.Calls))
	for _, c := range resp.Calls {
		sb.WriteString(formatCall(c))
	}
	return sb.String(), nil
}

func formatAlertList(raw json.RawMessage) (string, error) {
	var resp struct {
		Alerts []map[string]any `json:"alerts"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("unexpected alerts response format")
	}
	if len(resp.Alerts) == 0 {
		return "No alerts.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d alert(s):\n\n", len(resp.Alerts))
	for i, a := range resp.Alerts {
		fmt.Fprintf(&sb, "%d. [%s] %s\n", i+1, strings.ToUpper(getString(a, "severity")), getString(a, "message"))
		if callID := getString(a, "callId"); callID != "" {
			fmt.Fprintf(&sb, "   Call: %s\n", callID)
		}
	}
	return sb.String(), nil
}

func formatBalance(raw json.RawMessage) (string, error) {
	var resp map[string]any
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	// Balance might be at top level or nested under "balance"
	bal := resp
	if b, ok := resp["balance"].(map[string]any); ok {
		bal = b
	}

	var sb strings.Builder
	sb.WriteString("Balance:\n")
	fmt.Fprintf(&sb, "  Available: %s\n", getString(bal, "available"))
	if v := getString(bal, "locked"); v != "" && v != "0" {
		fmt.Fprintf(&sb, "  Locked:    %s\n", v)
	}
	return sb.String(), nil
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return strconv.FormatFloat(f, 'f', -1, 64)
			}
		}
	}
	return ""
}
