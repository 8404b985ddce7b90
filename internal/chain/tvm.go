// Package chain - TVM adapter for the TON HTLC contract.
//
// The node exposes a toncenter-style JSON-RPC surface: runGetMethod for
// contract views and sendBocReturnHash for submission. Operations are
// ed25519-signed external messages addressed to the HTLC contract; the
// escrow is keyed by a query id derived from (order id, side).
package chain

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/unite-defi/resolver/internal/config"
	"github.com/unite-defi/resolver/pkg/logging"
)

// TVM HTLC message opcodes.
const (
	tvmOpCreateEscrow uint32 = 0x1
	tvmOpClaim        uint32 = 0x2
	tvmOpRefund       uint32 = 0x3
)

type tvmSigner struct {
	key     ed25519.PrivateKey
	address string
}

func newTVMSigner(secret string) (*tvmSigner, error) {
	seed, err := hex.DecodeString(strings.TrimPrefix(secret, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse signer seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signer seed must be %d bytes", ed25519.SeedSize)
	}
	key := ed25519.NewKeyFromSeed(seed)

	// Raw workchain-0 address derived from the public key hash.
	pub := key.Public().(ed25519.PublicKey)
	digest := sha256.Sum256(pub)
	return &tvmSigner{
		key:     key,
		address: "0:" + hex.EncodeToString(digest[:]),
	}, nil
}

// TVMAdapter drives the HTLC contract on a TON-style chain.
type TVMAdapter struct {
	chainID      string
	entry        *config.ChainEntry
	rpc          *jsonrpcClient
	contractAddr string

	primary   *tvmSigner
	secondary *tvmSigner

	log *logging.Logger
}

// NewTVMAdapter parses both signing keys and prepares the RPC client.
func NewTVMAdapter(entry *config.ChainEntry) (*TVMAdapter, error) {
	primary, err := newTVMSigner(entry.SignerSecretPrimary)
	if err != nil {
		return nil, fmt.Errorf("primary signer: %w", err)
	}
	secondary := primary
	if entry.SignerSecretSecondary != "" {
		secondary, err = newTVMSigner(entry.SignerSecretSecondary)
		if err != nil {
			return nil, fmt.Errorf("secondary signer: %w", err)
		}
	}

	return &TVMAdapter{
		chainID:      entry.ChainID,
		entry:        entry,
		rpc:          newJSONRPCClient(entry.RPCURL),
		contractAddr: entry.ContractAddress,
		primary:      primary,
		secondary:    secondary,
		log:          logging.GetDefault().Component("tvm/" + entry.ChainID),
	}, nil
}

// ChainID returns the chain identifier.
func (a *TVMAdapter) ChainID() string {
	return a.chainID
}

// Supported reports whether the adapter is usable.
func (a *TVMAdapter) Supported() bool {
	return true
}

// ResolverAddress returns the taker-side signer's address.
func (a *TVMAdapter) ResolverAddress() string {
	return a.secondary.address
}

func (a *TVMAdapter) signerFor(side Side) *tvmSigner {
	if side == SideSrc {
		return a.primary
	}
	return a.secondary
}

// tvmQueryID derives the 64-bit escrow query id for (orderID, side).
func tvmQueryID(orderID string, side Side) uint64 {
	digest := sha256.Sum256([]byte(orderID + "/" + string(side)))
	return binary.BigEndian.Uint64(digest[:8])
}

// Lock submits a create_escrow message for one side.
func (a *TVMAdapter) Lock(ctx context.Context, params LockParams) (*EscrowRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, RPCTimeout)
	defer cancel()

	if existing, err := a.GetEscrowByOrderID(ctx, params.OrderID, params.Side); err == nil && existing != nil {
		a.log.Debug("lock already on chain", "order_id", params.OrderID, "side", params.Side)
		return existing, nil
	}

	queryID := tvmQueryID(params.OrderID, params.Side)
	body := a.messageBody(tvmOpCreateEscrow, queryID,
		params.SecretHash[:],
		[]byte(params.Receiver),
		params.Amount.Bytes(),
		u64Bytes(params.CancelAfter),
	)

	txHash, err := a.sendSigned(ctx, a.signerFor(params.Side), body)
	if err != nil {
		if IsIndeterminate(err) {
			return nil, NewError(KindReceiptIndeterminate, a.chainID, "lock", "submission outcome unknown", err)
		}
		return nil, a.classify("lock", err)
	}

	// Confirm the escrow landed; external messages carry no receipt.
	var rec *EscrowRecord
	err = waitFor(ctx, RPCTimeout/10, 10, func(ctx context.Context) (bool, error) {
		found, err := a.GetEscrowByOrderID(ctx, params.OrderID, params.Side)
		if err != nil {
			return false, err
		}
		rec = found
		return found != nil, nil
	})
	if err != nil || rec == nil {
		return nil, NewError(KindReceiptIndeterminate, a.chainID, "lock", "escrow not observed after send", err)
	}

	rec.TxHash = txHash
	rec.ExplorerURL = a.entry.ExplorerURL(txHash)
	a.log.Info("escrow locked", "order_id", params.OrderID, "side", params.Side, "tx", txHash)
	return rec, nil
}

// Claim submits the pre-image for an escrow.
func (a *TVMAdapter) Claim(ctx context.Context, escrow *EscrowRecord, secretHash [32]byte, secret [32]byte) (*TxReceipt, error) {
	if sha256.Sum256(secret[:]) != secretHash {
		return nil, NewError(KindInvalidSecret, a.chainID, "claim", "secret does not hash to committed value", nil)
	}

	ctx, cancel := context.WithTimeout(ctx, RPCTimeout)
	defer cancel()

	queryID, err := tvmEscrowQueryID(escrow.Address)
	if err != nil {
		return nil, NewError(KindValidation, a.chainID, "claim", err.Error(), nil)
	}

	signer := a.secondary
	if escrow.Side == SideDst {
		signer = a.primary
	}

	txHash, err := a.sendSigned(ctx, signer, a.messageBody(tvmOpClaim, queryID, secret[:]))
	if err != nil {
		return nil, a.classify("claim", err)
	}

	blockTime, err := a.BlockTimestamp(ctx)
	if err != nil {
		return nil, a.classify("claim", err)
	}

	a.log.Info("escrow claimed", "side", escrow.Side, "tx", txHash)
	return &TxReceipt{TxHash: txHash, ExplorerURL: a.entry.ExplorerURL(txHash), BlockTime: blockTime}, nil
}

// Refund reclaims an escrow after its cancellation deadline.
func (a *TVMAdapter) Refund(ctx context.Context, escrow *EscrowRecord) (*TxReceipt, error) {
	ctx, cancel := context.WithTimeout(ctx, RPCTimeout)
	defer cancel()

	queryID, err := tvmEscrowQueryID(escrow.Address)
	if err != nil {
		return nil, NewError(KindValidation, a.chainID, "refund", err.Error(), nil)
	}

	state, err := a.escrowState(ctx, queryID)
	if err != nil {
		return nil, a.classify("refund", err)
	}
	if state == nil {
		return nil, NewError(KindIntegrityViolation, a.chainID, "refund", "recorded escrow does not exist on chain", nil)
	}

	now, err := a.BlockTimestamp(ctx)
	if err != nil {
		return nil, a.classify("refund", err)
	}
	deadline := state.createdAt + state.cancelAfter
	if now < deadline {
		return nil, NewError(KindTimelockNotExpired, a.chainID, "refund",
			fmt.Sprintf("deadline at %d, chain time %d", deadline, now), nil)
	}

	txHash, err := a.sendSigned(ctx, a.signerFor(escrow.Side), a.messageBody(tvmOpRefund, queryID))
	if err != nil {
		return nil, a.classify("refund", err)
	}

	a.log.Info("escrow refunded", "side", escrow.Side, "tx", txHash)
	return &TxReceipt{TxHash: txHash, ExplorerURL: a.entry.ExplorerURL(txHash), BlockTime: now}, nil
}

// GetEscrowByOrderID resolves the escrow for (orderID, side), or nil.
func (a *TVMAdapter) GetEscrowByOrderID(ctx context.Context, orderID string, side Side) (*EscrowRecord, error) {
	queryID := tvmQueryID(orderID, side)
	state, err := a.escrowState(ctx, queryID)
	if err != nil {
		return nil, a.classify("get_escrow", err)
	}
	if state == nil {
		return nil, nil
	}

	return &EscrowRecord{
		Side:       side,
		Address:    fmt.Sprintf("%s:%d", a.contractAddr, queryID),
		DeployTime: state.createdAt,
		Status:     state.status,
	}, nil
}

// Balance returns the native balance of an address in nanotons.
func (a *TVMAdapter) Balance(ctx context.Context, address, token string) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, RPCTimeout)
	defer cancel()

	if !config.IsNativeToken(a.chainID, token) {
		return nil, NewError(KindValidation, a.chainID, "balance", "jetton balances not supported", nil)
	}

	var result struct {
		Balance string `json:"balance"`
	}
	if err := a.rpc.call(ctx, "getAddressInformation", []interface{}{map[string]interface{}{"address": address}}, &result); err != nil {
		return nil, a.classify("balance", err)
	}

	bal, ok := new(big.Int).SetString(result.Balance, 10)
	if !ok {
		return nil, NewError(KindChainUnavailable, a.chainID, "balance", "malformed balance "+result.Balance, nil)
	}
	return bal, nil
}

// BlockTimestamp returns the latest masterchain block time.
func (a *TVMAdapter) BlockTimestamp(ctx context.Context) (uint64, error) {
	var info struct {
		Last struct {
			Seqno     uint64 `json:"seqno"`
			Workchain int32  `json:"workchain"`
			Shard     string `json:"shard"`
			UTime     uint64 `json:"utime"`
		} `json:"last"`
	}
	if err := a.rpc.call(ctx, "getMasterchainInfo", nil, &info); err != nil {
		return 0, a.classify("block_timestamp", err)
	}
	if info.Last.UTime != 0 {
		return info.Last.UTime, nil
	}

	var header struct {
		GenUTime uint64 `json:"gen_utime"`
	}
	err := a.rpc.call(ctx, "getBlockHeader", []interface{}{map[string]interface{}{
		"workchain": info.Last.Workchain,
		"shard":     info.Last.Shard,
		"seqno":     info.Last.Seqno,
	}}, &header)
	if err != nil {
		return 0, a.classify("block_timestamp", err)
	}
	return header.GenUTime, nil
}

// =============================================================================
// Internal helpers
// =============================================================================

// messageBody packs an opcode, query id and raw arguments into the signed
// payload the contract expects.
func (a *TVMAdapter) messageBody(op uint32, queryID uint64, args ...[]byte) []byte {
	body := make([]byte, 12)
	binary.BigEndian.PutUint32(body[0:4], op)
	binary.BigEndian.PutUint64(body[4:12], queryID)
	for _, arg := range args {
		var lenPrefix [2]byte
		binary.BigEndian.PutUint16(lenPrefix[:], uint16(len(arg)))
		body = append(body, lenPrefix[:]...)
		body = append(body, arg...)
	}
	return body
}

// sendSigned wraps the body in a signed external message and submits it.
func (a *TVMAdapter) sendSigned(ctx context.Context, signer *tvmSigner, body []byte) (string, error) {
	sig := ed25519.Sign(signer.key, body)
	pub := signer.key.Public().(ed25519.PublicKey)

	// signature || public key || body
	msg := make([]byte, 0, len(sig)+len(pub)+len(body))
	msg = append(msg, sig...)
	msg = append(msg, pub...)
	msg = append(msg, body...)

	var result struct {
		Hash string `json:"hash"`
	}
	err := a.rpc.call(ctx, "sendBocReturnHash", []interface{}{map[string]interface{}{
		"boc": base64.StdEncoding.EncodeToString(msg),
	}}, &result)
	if err != nil {
		return "", err
	}
	return result.Hash, nil
}

type tvmEscrowState struct {
	createdAt   uint64
	cancelAfter uint64
	status      EscrowStatus
}

// escrowState runs the contract's get_escrow view.
func (a *TVMAdapter) escrowState(ctx context.Context, queryID uint64) (*tvmEscrowState, error) {
	var result struct {
		ExitCode int        `json:"exit_code"`
		Stack    [][]string `json:"stack"` // [type, value] pairs
	}
	err := a.rpc.call(ctx, "runGetMethod", []interface{}{map[string]interface{}{
		"address": a.contractAddr,
		"method":  "get_escrow",
		"stack":   [][]string{{"num", fmt.Sprintf("%d", queryID)}},
	}}, &result)
	if err != nil {
		return nil, err
	}
	if result.ExitCode != 0 || len(result.Stack) < 3 {
		// Missing escrow exits non-zero.
		return nil, nil
	}

	state := &tvmEscrowState{
		createdAt:   stackNum(result.Stack[0]),
		cancelAfter: stackNum(result.Stack[1]),
	}
	switch stackNum(result.Stack[2]) {
	case 1:
		state.status = EscrowLocked
	case 2:
		state.status = EscrowClaimed
	case 3:
		state.status = EscrowRefunded
	default:
		state.status = EscrowPending
	}
	return state, nil
}

// stackNum decodes one hex-encoded numeric stack entry.
func stackNum(entry []string) uint64 {
	if len(entry) != 2 || entry[0] != "num" {
		return 0
	}
	v, ok := new(big.Int).SetString(strings.TrimPrefix(entry[1], "0x"), 16)
	if !ok {
		return 0
	}
	return v.Uint64()
}

// tvmEscrowQueryID recovers the query id from an "addr:id" locator.
func tvmEscrowQueryID(address string) (uint64, error) {
	idx := strings.LastIndex(address, ":")
	if idx < 0 {
		return 0, fmt.Errorf("malformed escrow address: %q", address)
	}
	v, ok := new(big.Int).SetString(address[idx+1:], 10)
	if !ok {
		return 0, fmt.Errorf("malformed escrow query id in address: %q", address)
	}
	return v.Uint64(), nil
}

func u64Bytes(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

// classify maps wire failures to the taxonomy.
func (a *TVMAdapter) classify(op string, err error) error {
	var ce *Error
	if errors.As(err, &ce) {
		return err
	}

	var rpcErr *jsonrpcError
	if errors.As(err, &rpcErr) {
		msg := strings.ToLower(rpcErr.Message)
		switch {
		case strings.Contains(msg, "not enough") || strings.Contains(msg, "insufficient"):
			return NewError(KindInsufficientFunds, a.chainID, op, rpcErr.Message, err)
		case strings.Contains(msg, "timelock"):
			return NewError(KindTimelockNotExpired, a.chainID, op, rpcErr.Message, err)
		default:
			return NewError(KindContractReverted, a.chainID, op, rpcErr.Message, err)
		}
	}
	return classifyRPCError(a.chainID, op, err)
}
