package mcpserver

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/escrowd/internal/agreement"
	"github.com/mbd888/escrowd/internal/arbitration"
	"github.com/mbd888/escrowd/internal/escrow"
	"github.com/mbd888/escrowd/internal/units"
)

// defaultTimeout is the window, in seconds, used for estimates that omit
// either timeout.
const defaultTimeout = 24 * 3600

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleGetEscrow shows one escrow record.
func (h *Handlers) HandleGetEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := requireID(req, "escrow_id")
	if errResult != nil {
		return errResult, nil
	}
	rec, err := h.client.GetEscrow(ctx, id)
	if err != nil {
		if IsNotFound(err) {
			return mcp.NewToolResultError(fmt.Sprintf("Escrow %d does not exist.", id)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get escrow: %v", err)), nil
	}
	return mcp.NewToolResultText(formatEscrow(rec)), nil
}

// HandleListPartyEscrows lists a party's escrows.
func (h *Handlers) HandleListPartyEscrows(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	party, errResult := requireAddress(req, "address")
	if errResult != nil {
		return errResult, nil
	}
	page, err := h.client.ListEscrows(ctx, party, req.GetInt("offset", 0), req.GetInt("limit", 20))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list escrows: %v", err)), nil
	}
	if len(page.Items) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("No escrows found for %s.", party.Hex())), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d escrow(s) for %s:\n\n", len(page.Items), party.Hex())
	for i, rec := range page.Items {
		role := "provider"
		if rec.Agreement.Holder == party {
			role = "holder"
		}
		fmt.Fprintf(&sb, "%d. Escrow %d: %s, %s (%s)\n", page.Offset+i+1, rec.ID, units.Format(rec.Agreement.Amount), rec.State, role)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleEstimateCosts quotes fees for unsigned terms.
func (h *Handlers) HandleEstimateCosts(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	holder, errResult := requireAddress(req, "holder")
	if errResult != nil {
		return errResult, nil
	}
	provider, errResult := requireAddress(req, "provider")
	if errResult != nil {
		return errResult, nil
	}
	amount, ok := units.Parse(req.GetString("amount", ""))
	if !ok || amount.Sign() == 0 {
		return mcp.NewToolResultError("amount must be a positive decimal (e.g. '12.5')"), nil
	}

	now := time.Now().Unix()
	funded := now + int64(req.GetInt("funded_timeout", defaultTimeout))
	a := agreement.Agreement{
		Holder:        holder,
		Provider:      provider,
		Amount:        amount,
		FundedTimeout: funded,
		ProofTimeout:  funded + int64(req.GetInt("proof_timeout", defaultTimeout)),
		Nonce:         big.NewInt(0),
		Deadline:      now + 3600,
		DstNetworkID:  uint32(req.GetInt("dst_network_id", 0)),
	}
	if r := req.GetString("dst_recipient", ""); r != "" {
		if !common.IsHexAddress(r) {
			return mcp.NewToolResultError("dst_recipient must be a valid address"), nil
		}
		a.DstRecipient = common.HexToAddress(r)
	}
	if p := req.GetString("adapter_params", ""); p != "" {
		b, err := hexutil.Decode(p)
		if err != nil {
			return mcp.NewToolResultError("adapter_params must be 0x-prefixed hex"), nil
		}
		a.AdapterParams = b
	}

	est, err := h.client.EstimateCosts(ctx, a)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to estimate costs: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Cost estimate for %s:\n", units.Format(est.Amount))
	fmt.Fprintf(&sb, "  Settlement fee: %s\n", units.Format(est.SettlementFee))
	fmt.Fprintf(&sb, "  Dispute fee:    %s (paid only by a party that opens a dispute)\n", units.Format(est.DisputeFee))
	if est.CrossNetwork {
		fmt.Fprintf(&sb, "  Bridge fee:     %s native + %s auxiliary\n", units.Format(est.BridgeNativeFee), units.Format(est.BridgeAuxFee))
	}
	fmt.Fprintf(&sb, "  Total deducted: %s\n", units.Format(est.TotalDeductions))
	fmt.Fprintf(&sb, "  Provider nets:  %s\n", units.Format(est.NetRecipientAmount))
	if est.Policy != "" {
		fmt.Fprintf(&sb, "  Fee policy:     %s\n", est.Policy)
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetDispute shows one dispute.
func (h *Handlers) HandleGetDispute(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, errResult := requireID(req, "dispute_id")
	if errResult != nil {
		return errResult, nil
	}
	d, err := h.client.GetDispute(ctx, id)
	if err != nil {
		if IsNotFound(err) {
			return mcp.NewToolResultError(fmt.Sprintf("Dispute %d does not exist.", id)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get dispute: %v", err)), nil
	}
	return mcp.NewToolResultText(formatDispute(d)), nil
}

// HandleListActiveDisputes lists disputes awaiting a ruling.
func (h *Handlers) HandleListActiveDisputes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	page, err := h.client.ListActiveDisputes(ctx, req.GetInt("offset", 0), req.GetInt("limit", 20))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list disputes: %v", err)), nil
	}
	if len(page.Items) == 0 {
		return mcp.NewToolResultText("No active disputes."), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d active dispute(s), showing %d:\n\n", page.Total, len(page.Items))
	for i, d := range page.Items {
		fmt.Fprintf(&sb, "%d. Dispute %d on escrow %d: %s at stake, opened by %s %s\n",
			i+1, d.ID, d.EscrowID, units.Format(d.Amount), d.Disputer.Hex(), ago(d.OpenedAt))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleGetReputation shows a wallet's score.
func (h *Handlers) HandleGetReputation(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	wallet, errResult := requireAddress(req, "address")
	if errResult != nil {
		return errResult, nil
	}
	s, err := h.client.GetReputation(ctx, wallet)
	if err != nil {
		if IsNotFound(err) {
			return mcp.NewToolResultText(fmt.Sprintf("%s has no escrow history yet.", wallet.Hex())), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get reputation: %v", err)), nil
	}

	var sb strings.Builder
	sb.WriteString("Reputation:\n")
	fmt.Fprintf(&sb, "  Address: %s\n", wallet.Hex())
	fmt.Fprintf(&sb, "  Score: %.1f (%s)\n", s.Score, s.Band)
	fmt.Fprintf(&sb, "  Completed escrows: %d\n", s.CompletedEscrows)
	fmt.Fprintf(&sb, "  Disputes: %d (won %d, lost %d)\n", s.DisputedEscrows, s.DisputesWon, s.DisputesLost)
	if s.TotalVolume != nil {
		fmt.Fprintf(&sb, "  Volume: %s\n", units.Format(s.TotalVolume))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// --- Formatting helpers ---

func formatEscrow(rec *escrow.Record) string {
	a := rec.Agreement
	var sb strings.Builder
	fmt.Fprintf(&sb, "Escrow %d: %s\n", rec.ID, rec.State)
	fmt.Fprintf(&sb, "  Holder:   %s\n", a.Holder.Hex())
	fmt.Fprintf(&sb, "  Provider: %s\n", a.Provider.Hex())
	fmt.Fprintf(&sb, "  Amount:   %s\n", units.Format(a.Amount))
	fmt.Fprintf(&sb, "  Fees:     settlement %s, dispute %s\n", units.Format(rec.Fees.SettlementFee), units.Format(rec.Fees.DisputeFee))
	if a.DstNetworkID != 0 {
		fmt.Fprintf(&sb, "  Payout:   network %d to %s\n", a.DstNetworkID, a.DstRecipient.Hex())
	}
	if rec.ProofRef != "" {
		fmt.Fprintf(&sb, "  Proof:    %s\n", rec.ProofRef)
	}
	if rec.DisputeID != 0 {
		fmt.Fprintf(&sb, "  Dispute:  %d opened by %s\n", rec.DisputeID, rec.Disputer.Hex())
	}
	if rec.Outcome != "" {
		fmt.Fprintf(&sb, "  Outcome:  %s\n", rec.Outcome)
	}
	if len(rec.History) > 0 {
		sb.WriteString("\nHistory:\n")
		for _, t := range rec.History {
			from := string(t.From)
			if from == "" {
				from = "-"
			}
			fmt.Fprintf(&sb, "  %s  %s -> %s by %s", t.At.UTC().Format(time.RFC3339), from, t.To, t.Actor.Hex())
			if t.Reason != "" {
				fmt.Fprintf(&sb, " (%s)", t.Reason)
			}
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

func formatDispute(d *arbitration.Dispute) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Dispute %d: %s\n", d.ID, d.Status)
	fmt.Fprintf(&sb, "  Escrow:   %d on ledger %s\n", d.EscrowID, d.Ledger.Hex())
	fmt.Fprintf(&sb, "  Holder:   %s\n", d.Holder.Hex())
	fmt.Fprintf(&sb, "  Provider: %s\n", d.Provider.Hex())
	fmt.Fprintf(&sb, "  Amount:   %s\n", units.Format(d.Amount))
	fmt.Fprintf(&sb, "  Disputer: %s (fee %s)\n", d.Disputer.Hex(), units.Format(d.Fee))
	if d.Evidence != "" {
		fmt.Fprintf(&sb, "  Evidence: %s\n", d.Evidence)
	}
	if d.Resolved() {
		fmt.Fprintf(&sb, "  Ruling:   %s by %s\n", d.Ruling, d.ResolvedBy.Hex())
		if d.Resolution != "" {
			fmt.Fprintf(&sb, "  Reason:   %s\n", d.Resolution)
		}
		if !d.FeeSettled {
			sb.WriteString("  Fee settlement is pending.\n")
		}
	}
	return sb.String()
}

func ago(t time.Time) string {
	d := time.Since(t).Round(time.Minute)
	if d < time.Minute {
		return "just now"
	}
	return d.String() + " ago"
}

func requireID(req mcp.CallToolRequest, name string) (uint64, *mcp.CallToolResult) {
	id := req.GetInt(name, 0)
	if id <= 0 {
		return 0, mcp.NewToolResultError(name + " must be a positive integer")
	}
	return uint64(id), nil
}

func requireAddress(req mcp.CallToolRequest, name string) (common.Address, *mcp.CallToolResult) {
	v := req.GetString(name, "")
	if !common.IsHexAddress(v) {
		return common.Address{}, mcp.NewToolResultError(name + " must be a valid address (0x + 40 hex chars)")
	}
	return common.HexToAddress(v), nil
}
