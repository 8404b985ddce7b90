// Package chain - Move adapter for Sui-style object chains.
//
// The HTLC package exposes create_escrow / claim / refund entry functions;
// the escrow is a shared object created by the lock call, and the secret
// travels as a vector<u8>. There is no Go SDK for this chain in use here,
// so the adapter drives the node's JSON-RPC surface directly.
package chain

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/unite-defi/resolver/internal/config"
	"github.com/unite-defi/resolver/pkg/logging"
)

// moveSigner holds one ed25519 keypair and its derived address.
type moveSigner struct {
	key     ed25519.PrivateKey
	address string
}

func newMoveSigner(secret string) (*moveSigner, error) {
	seed, err := hex.DecodeString(strings.TrimPrefix(secret, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse signer seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signer seed must be %d bytes", ed25519.SeedSize)
	}
	key := ed25519.NewKeyFromSeed(seed)

	// Address is the hash of the scheme-tagged public key.
	pub := key.Public().(ed25519.PublicKey)
	tagged := append([]byte{0x00}, pub...)
	digest := sha256.Sum256(tagged)
	return &moveSigner{
		key:     key,
		address: "0x" + hex.EncodeToString(digest[:]),
	}, nil
}

// MoveAdapter drives the HTLC Move package on a Sui-style chain.
type MoveAdapter struct {
	chainID   string
	entry     *config.ChainEntry
	rpc       *jsonrpcClient
	packageID string

	primary   *moveSigner
	secondary *moveSigner

	log *logging.Logger
}

// NewMoveAdapter parses both signing keys and prepares the RPC client.
func NewMoveAdapter(entry *config.ChainEntry) (*MoveAdapter, error) {
	primary, err := newMoveSigner(entry.SignerSecretPrimary)
	if err != nil {
		return nil, fmt.Errorf("primary signer: %w", err)
	}
	secondary := primary
	if entry.SignerSecretSecondary != "" {
		secondary, err = newMoveSigner(entry.SignerSecretSecondary)
		if err != nil {
			return nil, fmt.Errorf("secondary signer: %w", err)
		}
	}

	return &MoveAdapter{
		chainID:   entry.ChainID,
		entry:     entry,
		rpc:       newJSONRPCClient(entry.RPCURL),
		packageID: entry.ContractAddress,
		primary:   primary,
		secondary: secondary,
		log:       logging.GetDefault().Component("move/" + entry.ChainID),
	}, nil
}

// ChainID returns the chain identifier.
func (a *MoveAdapter) ChainID() string {
	return a.chainID
}

// Supported reports whether the adapter is usable.
func (a *MoveAdapter) Supported() bool {
	return true
}

// ResolverAddress returns the taker-side signer's address.
func (a *MoveAdapter) ResolverAddress() string {
	return a.secondary.address
}

func (a *MoveAdapter) signerFor(side Side) *moveSigner {
	if side == SideSrc {
		return a.primary
	}
	return a.secondary
}

// moveCall builds, signs and executes one Move call, returning the
// execution result.
func (a *MoveAdapter) moveCall(ctx context.Context, signer *moveSigner, function string, args []interface{}) (*moveExecResult, error) {
	var build struct {
		TxBytes string `json:"txBytes"`
	}
	err := a.rpc.call(ctx, "unsafe_moveCall", []interface{}{
		signer.address,
		a.packageID,
		"htlc",
		function,
		[]interface{}{}, // type arguments resolved by the package
		args,
		nil,          // gas object, node-selected
		"1000000000", // gas budget
	}, &build)
	if err != nil {
		return nil, err
	}

	txBytes, err := base64.StdEncoding.DecodeString(build.TxBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to decode tx bytes: %w", err)
	}
	sig := ed25519.Sign(signer.key, txBytes)

	var result moveExecResult
	err = a.rpc.call(ctx, "sui_executeTransactionBlock", []interface{}{
		build.TxBytes,
		[]string{base64.StdEncoding.EncodeToString(sig)},
		map[string]interface{}{"showEffects": true, "showEvents": true},
		"WaitForLocalExecution",
	}, &result)
	if err != nil {
		return nil, err
	}
	if result.Effects.Status.Status != "success" {
		return nil, &jsonrpcError{Code: -1, Message: result.Effects.Status.Error}
	}
	return &result, nil
}

type moveExecResult struct {
	Digest      string `json:"digest"`
	TimestampMs string `json:"timestampMs"`
	Effects     struct {
		Status struct {
			Status string `json:"status"`
			Error  string `json:"error"`
		} `json:"status"`
		Created []struct {
			Reference struct {
				ObjectID string `json:"objectId"`
			} `json:"reference"`
		} `json:"created"`
	} `json:"effects"`
	Events []moveEvent `json:"events"`
}

type moveEvent struct {
	Type       string `json:"type"`
	ParsedJSON struct {
		EscrowID  string `json:"escrow_id"`
		OrderKey  string `json:"order_key"`
		CreatedAt string `json:"created_at"`
		State     string `json:"state"`
	} `json:"parsedJson"`
}

// Lock creates the shared escrow object for one side.
func (a *MoveAdapter) Lock(ctx context.Context, params LockParams) (*EscrowRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, RPCTimeout)
	defer cancel()

	if existing, err := a.GetEscrowByOrderID(ctx, params.OrderID, params.Side); err == nil && existing != nil {
		a.log.Debug("lock already on chain", "order_id", params.OrderID, "side", params.Side)
		return existing, nil
	}

	signer := a.signerFor(params.Side)

	// Hash bytes travel as a vector<u8>.
	args := []interface{}{
		moveOrderKey(params.OrderID, params.Side),
		params.Receiver,
		moveToken(a.chainID, params.Token),
		params.Amount.String(),
		hexVector(params.SecretHash[:]),
		fmt.Sprintf("%d", params.CancelAfter),
	}

	result, err := a.moveCall(ctx, signer, "create_escrow", args)
	if err != nil {
		return nil, a.classify("lock", err)
	}

	objectID := a.escrowObjectID(result)
	if objectID == "" {
		// Never fabricate an id; reconcile through the event index.
		if rec, err := a.GetEscrowByOrderID(ctx, params.OrderID, params.Side); err == nil && rec != nil {
			return rec, nil
		}
		return nil, NewError(KindReceiptIndeterminate, a.chainID, "lock", "escrow object not reported", nil)
	}

	deployTime := parseMsTimestamp(result.TimestampMs)
	a.log.Info("escrow locked", "order_id", params.OrderID, "side", params.Side, "object", objectID)

	return &EscrowRecord{
		Side:        params.Side,
		Address:     objectID,
		DeployTime:  deployTime,
		TxHash:      result.Digest,
		ExplorerURL: a.entry.ExplorerURL(result.Digest),
		Status:      EscrowLocked,
	}, nil
}

// Claim identifies the escrow by object id and passes the secret as a
// vector<u8>.
func (a *MoveAdapter) Claim(ctx context.Context, escrow *EscrowRecord, secretHash [32]byte, secret [32]byte) (*TxReceipt, error) {
	if sha256.Sum256(secret[:]) != secretHash {
		return nil, NewError(KindInvalidSecret, a.chainID, "claim", "secret does not hash to committed value", nil)
	}

	ctx, cancel := context.WithTimeout(ctx, RPCTimeout)
	defer cancel()

	signer := a.secondary
	if escrow.Side == SideDst {
		signer = a.primary
	}

	result, err := a.moveCall(ctx, signer, "claim", []interface{}{escrow.Address, hexVector(secret[:])})
	if err != nil {
		return nil, a.classify("claim", err)
	}

	a.log.Info("escrow claimed", "side", escrow.Side, "tx", result.Digest)
	return &TxReceipt{
		TxHash:      result.Digest,
		ExplorerURL: a.entry.ExplorerURL(result.Digest),
		BlockTime:   parseMsTimestamp(result.TimestampMs),
	}, nil
}

// Refund returns the escrowed coins after the cancellation deadline.
func (a *MoveAdapter) Refund(ctx context.Context, escrow *EscrowRecord) (*TxReceipt, error) {
	ctx, cancel := context.WithTimeout(ctx, RPCTimeout)
	defer cancel()

	fields, err := a.escrowFields(ctx, escrow.Address)
	if err != nil {
		return nil, a.classify("refund", err)
	}
	now, err := a.BlockTimestamp(ctx)
	if err != nil {
		return nil, a.classify("refund", err)
	}
	deadline := fields.createdAt + fields.cancelAfter
	if now < deadline {
		return nil, NewError(KindTimelockNotExpired, a.chainID, "refund",
			fmt.Sprintf("deadline at %d, chain time %d", deadline, now), nil)
	}

	result, err := a.moveCall(ctx, a.signerFor(escrow.Side), "refund", []interface{}{escrow.Address})
	if err != nil {
		return nil, a.classify("refund", err)
	}

	a.log.Info("escrow refunded", "side", escrow.Side, "tx", result.Digest)
	return &TxReceipt{
		TxHash:      result.Digest,
		ExplorerURL: a.entry.ExplorerURL(result.Digest),
		BlockTime:   parseMsTimestamp(result.TimestampMs),
	}, nil
}

// GetEscrowByOrderID resolves the escrow through the package's event index.
func (a *MoveAdapter) GetEscrowByOrderID(ctx context.Context, orderID string, side Side) (*EscrowRecord, error) {
	var page struct {
		Data []struct {
			moveEvent
			ID struct {
				TxDigest string `json:"txDigest"`
			} `json:"id"`
		} `json:"data"`
	}
	err := a.rpc.call(ctx, "suix_queryEvents", []interface{}{
		map[string]interface{}{
			"MoveEventType": a.packageID + "::htlc::EscrowCreated",
		},
		nil,
		100,
		true, // descending
	}, &page)
	if err != nil {
		return nil, a.classify("get_escrow", err)
	}

	want := moveOrderKey(orderID, side)
	for _, ev := range page.Data {
		if ev.ParsedJSON.OrderKey != want {
			continue
		}
		fields, err := a.escrowFields(ctx, ev.ParsedJSON.EscrowID)
		if err != nil {
			return nil, a.classify("get_escrow", err)
		}
		return &EscrowRecord{
			Side:       side,
			Address:    ev.ParsedJSON.EscrowID,
			DeployTime: fields.createdAt,
			TxHash:     ev.ID.TxDigest,
			Status:     fields.status,
		}, nil
	}
	return nil, nil
}

// Balance returns the coin balance of an address.
func (a *MoveAdapter) Balance(ctx context.Context, address, token string) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, RPCTimeout)
	defer cancel()

	var result struct {
		TotalBalance string `json:"totalBalance"`
	}
	err := a.rpc.call(ctx, "suix_getBalance", []interface{}{
		address,
		moveToken(a.chainID, token),
	}, &result)
	if err != nil {
		return nil, a.classify("balance", err)
	}

	bal, ok := new(big.Int).SetString(result.TotalBalance, 10)
	if !ok {
		return nil, NewError(KindChainUnavailable, a.chainID, "balance", "malformed balance "+result.TotalBalance, nil)
	}
	return bal, nil
}

// BlockTimestamp returns the latest checkpoint timestamp in seconds.
func (a *MoveAdapter) BlockTimestamp(ctx context.Context) (uint64, error) {
	var seq string
	if err := a.rpc.call(ctx, "sui_getLatestCheckpointSequenceNumber", nil, &seq); err != nil {
		return 0, a.classify("block_timestamp", err)
	}

	var checkpoint struct {
		TimestampMs string `json:"timestampMs"`
	}
	if err := a.rpc.call(ctx, "sui_getCheckpoint", []interface{}{seq}, &checkpoint); err != nil {
		return 0, a.classify("block_timestamp", err)
	}
	return parseMsTimestamp(checkpoint.TimestampMs), nil
}

// =============================================================================
// Internal helpers
// =============================================================================

type moveEscrowFields struct {
	createdAt   uint64
	cancelAfter uint64
	status      EscrowStatus
}

// escrowFields reads the shared object's content.
func (a *MoveAdapter) escrowFields(ctx context.Context, objectID string) (*moveEscrowFields, error) {
	var result struct {
		Data struct {
			Content struct {
				Fields struct {
					CreatedAt   string `json:"created_at"`
					CancelAfter string `json:"cancel_after"`
					State       string `json:"state"`
				} `json:"fields"`
			} `json:"content"`
		} `json:"data"`
	}
	err := a.rpc.call(ctx, "sui_getObject", []interface{}{
		objectID,
		map[string]interface{}{"showContent": true},
	}, &result)
	if err != nil {
		return nil, err
	}

	// Object fields carry plain seconds; only transaction timestamps are
	// millisecond-valued.
	f := result.Data.Content.Fields
	return &moveEscrowFields{
		createdAt:   parseDecimal(f.CreatedAt),
		cancelAfter: parseDecimal(f.CancelAfter),
		status:      moveEscrowStatus(f.State),
	}, nil
}

func (a *MoveAdapter) escrowObjectID(result *moveExecResult) string {
	for _, ev := range result.Events {
		if strings.HasSuffix(ev.Type, "::htlc::EscrowCreated") && ev.ParsedJSON.EscrowID != "" {
			return ev.ParsedJSON.EscrowID
		}
	}
	// Fall back to the single created shared object.
	if len(result.Effects.Created) == 1 {
		return result.Effects.Created[0].Reference.ObjectID
	}
	return ""
}

func moveEscrowStatus(state string) EscrowStatus {
	switch state {
	case "1", "active":
		return EscrowLocked
	case "2", "claimed":
		return EscrowClaimed
	case "3", "refunded":
		return EscrowRefunded
	default:
		return EscrowPending
	}
}

// moveOrderKey derives the deterministic lookup key for (orderID, side).
func moveOrderKey(orderID string, side Side) string {
	digest := sha256.Sum256([]byte(orderID + "/" + string(side)))
	return "0x" + hex.EncodeToString(digest[:])
}

// moveToken maps the native sentinel to the chain's native coin type.
func moveToken(chainID, token string) string {
	if config.IsNativeToken(chainID, token) {
		return "0x2::sui::SUI"
	}
	return token
}

// hexVector encodes bytes for a vector<u8> call argument.
func hexVector(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}

// parseMsTimestamp converts a millisecond timestamp string to seconds.
func parseMsTimestamp(s string) uint64 {
	return parseDecimal(s) / 1000
}

func parseDecimal(s string) uint64 {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return 0
	}
	return v.Uint64()
}

// classify maps wire failures to the taxonomy.
func (a *MoveAdapter) classify(op string, err error) error {
	var ce *Error
	if errors.As(err, &ce) {
		return err
	}

	var rpcErr *jsonrpcError
	if errors.As(err, &rpcErr) {
		msg := strings.ToLower(rpcErr.Message)
		switch {
		case strings.Contains(msg, "insufficient"):
			return NewError(KindInsufficientFunds, a.chainID, op, rpcErr.Message, err)
		case strings.Contains(msg, "timelock"):
			return NewError(KindTimelockNotExpired, a.chainID, op, rpcErr.Message, err)
		default:
			return NewError(KindContractReverted, a.chainID, op, rpcErr.Message, err)
		}
	}
	return classifyRPCError(a.chainID, op, err)
}
