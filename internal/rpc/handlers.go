// Package rpc - Swap method handlers.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/unite-defi/resolver/internal/swap"
)

// registerHandlers registers all JSON-RPC method handlers.
func (s *Server) registerHandlers() {
	s.register("swap_create", s.handleCreate)
	s.register("swap_createPartial", s.handleCreatePartial)
	s.register("swap_execute", s.handleExecute)
	s.register("swap_executePartial", s.handleExecutePartial)
	s.register("swap_cancel", s.handleCancel)
	s.register("swap_get", s.handleGet)
	s.register("swap_list", s.handleList)
	s.register("swap_receipts", s.handleReceipts)
	s.register("swap_balance", s.handleBalance)
}

// createParams mirrors swap.CreateRequest with string amounts, so callers
// are never exposed to JSON number precision limits.
type createParams struct {
	SrcChain         string `json:"src_chain"`
	DstChain         string `json:"dst_chain"`
	SrcToken         string `json:"src_token"`
	DstToken         string `json:"dst_token"`
	SrcAmount        string `json:"src_amount"`
	DstAmount        string `json:"dst_amount"`
	Maker            string `json:"maker"`
	MakerDstAddress  string `json:"maker_dst_address,omitempty"`
	SafetyDepositSrc string `json:"safety_deposit_src,omitempty"`
	SafetyDepositDst string `json:"safety_deposit_dst,omitempty"`

	// PartCount is only read by swap_createPartial.
	PartCount int `json:"part_count,omitempty"`
}

func (p *createParams) toRequest() (*swap.CreateRequest, error) {
	srcAmount, ok := new(big.Int).SetString(p.SrcAmount, 10)
	if !ok {
		return nil, fmt.Errorf("malformed src_amount: %q", p.SrcAmount)
	}
	dstAmount, ok := new(big.Int).SetString(p.DstAmount, 10)
	if !ok {
		return nil, fmt.Errorf("malformed dst_amount: %q", p.DstAmount)
	}

	req := &swap.CreateRequest{
		SrcChain:        p.SrcChain,
		DstChain:        p.DstChain,
		SrcToken:        p.SrcToken,
		DstToken:        p.DstToken,
		SrcAmount:       srcAmount,
		DstAmount:       dstAmount,
		Maker:           p.Maker,
		MakerDstAddress: p.MakerDstAddress,
	}
	if p.SafetyDepositSrc != "" {
		v, ok := new(big.Int).SetString(p.SafetyDepositSrc, 10)
		if !ok {
			return nil, fmt.Errorf("malformed safety_deposit_src: %q", p.SafetyDepositSrc)
		}
		req.SafetyDepositSrc = v
	}
	if p.SafetyDepositDst != "" {
		v, ok := new(big.Int).SetString(p.SafetyDepositDst, 10)
		if !ok {
			return nil, fmt.Errorf("malformed safety_deposit_dst: %q", p.SafetyDepositDst)
		}
		req.SafetyDepositDst = v
	}
	return req, nil
}

func (s *Server) handleCreate(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p createParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	req, err := p.toRequest()
	if err != nil {
		return nil, err
	}
	state, err := s.orchestrator.CreateSwap(ctx, req)
	if err != nil {
		return nil, err
	}
	return publicState(state), nil
}

func (s *Server) handleCreatePartial(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p createParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	req, err := p.toRequest()
	if err != nil {
		return nil, err
	}
	state, err := s.orchestrator.CreatePartialSwap(ctx, req, p.PartCount)
	if err != nil {
		return nil, err
	}
	return publicState(state), nil
}

type orderIDParams struct {
	OrderID string `json:"order_id"`
	PartIDs []int  `json:"part_ids,omitempty"`
}

func (s *Server) handleExecute(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p orderIDParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	result, err := s.orchestrator.ExecuteSwap(ctx, p.OrderID)
	if err != nil {
		return nil, err
	}
	return publicResult(result), nil
}

func (s *Server) handleExecutePartial(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p orderIDParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	result, err := s.orchestrator.ExecutePartialSwap(ctx, p.OrderID, p.PartIDs)
	if err != nil {
		return nil, err
	}
	return publicResult(result), nil
}

func (s *Server) handleCancel(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p orderIDParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	result, err := s.orchestrator.CancelSwap(ctx, p.OrderID)
	if err != nil {
		return nil, err
	}
	return publicResult(result), nil
}

func (s *Server) handleGet(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p orderIDParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	state, err := s.orchestrator.Get(p.OrderID)
	if err != nil {
		return nil, err
	}
	return publicState(state), nil
}

func (s *Server) handleList(ctx context.Context, params json.RawMessage) (interface{}, error) {
	states, err := s.orchestrator.List()
	if err != nil {
		return nil, err
	}
	out := make([]interface{}, 0, len(states))
	for _, state := range states {
		out = append(out, publicState(state))
	}
	return map[string]interface{}{"swaps": out, "count": len(out)}, nil
}

func (s *Server) handleReceipts(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p orderIDParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	return s.orchestrator.Receipts(p.OrderID)
}

type balanceParams struct {
	Chain   string `json:"chain"`
	Address string `json:"address"`
	Token   string `json:"token"`
}

func (s *Server) handleBalance(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var p balanceParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	bal, err := s.orchestrator.GetBalance(ctx, p.Chain, p.Address, p.Token)
	if err != nil {
		return nil, err
	}
	return map[string]string{"balance": bal.String()}, nil
}

// publicPart is a Part with the secret withheld until the part has been
// claimed (revealing it earlier would let anyone drain the src escrow).
type publicPart struct {
	PartID     int    `json:"part_id"`
	SrcAmount  string `json:"src_amount"`
	DstAmount  string `json:"dst_amount"`
	SecretHash string `json:"secret_hash"`
	Secret     string `json:"secret,omitempty"`
	Withdrawn  bool   `json:"withdrawn"`
	Cancelled  bool   `json:"cancelled"`
}

// publicState strips unrevealed secrets from a swap state before it
// leaves the process.
func publicState(state *swap.State) map[string]interface{} {
	order := state.Order

	out := map[string]interface{}{
		"order_id":    order.OrderID,
		"maker":       order.Maker,
		"src_chain":   order.SrcChain,
		"dst_chain":   order.DstChain,
		"src_token":   order.SrcToken,
		"dst_token":   order.DstToken,
		"src_amount":  order.SrcAmount.String(),
		"dst_amount":  order.DstAmount.String(),
		"secret_hash": order.SecretHash.String(),
		"timelock":    order.Timelock,
		"status":      state.Status,
		"created_at":  state.CreatedAt,
		"updated_at":  state.UpdatedAt,
	}
	if state.Status == swap.StatusCompleted {
		// The secret is public on-chain once claimed.
		out["secret"] = "0x" + fmt.Sprintf("%x", order.Secret.Bytes())
	}
	if state.SrcEscrow != nil {
		out["src_escrow"] = state.SrcEscrow
	}
	if state.DstEscrow != nil {
		out["dst_escrow"] = state.DstEscrow
	}
	if state.FailureReason != "" {
		out["failure_reason"] = state.FailureReason
	}

	if order.IsPartial() {
		parts := make([]publicPart, 0, len(order.Parts))
		for _, p := range order.Parts {
			pp := publicPart{
				PartID:     p.PartID,
				SrcAmount:  p.SrcAmount.String(),
				DstAmount:  p.DstAmount.String(),
				SecretHash: p.SecretHash.String(),
				Withdrawn:  p.Withdrawn,
				Cancelled:  p.Cancelled,
			}
			if p.Withdrawn {
				pp.Secret = "0x" + fmt.Sprintf("%x", p.Secret.Bytes())
			}
			parts = append(parts, pp)
		}
		out["partial_fills"] = parts
		out["filled_amount"] = swap.FilledAmount(order).String()
	}
	return out
}

// publicResult renders a Result: success flag, error kind, detail, and
// the last persisted state so the caller can resume or investigate.
func publicResult(result *swap.Result) map[string]interface{} {
	out := map[string]interface{}{
		"order_id": result.OrderID,
		"success":  result.Success,
	}
	if result.ErrorKind != "" {
		out["error_kind"] = result.ErrorKind
	}
	if result.Detail != "" {
		out["detail"] = result.Detail
	}
	if result.State != nil {
		out["state"] = publicState(result.State)
	}
	return out
}
