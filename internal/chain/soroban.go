// Package chain - Soroban adapter for the Stellar HTLC contract.
//
// Writes go through Horizon (txnbuild envelopes signed with the role's
// keypair); contract reads go through the Soroban RPC endpoint by
// simulating the view invocation and decoding the returned ScVal. All
// contract parameters are XDR-typed.
package chain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"

	"github.com/stellar/go/clients/horizonclient"
	"github.com/stellar/go/keypair"
	"github.com/stellar/go/network"
	"github.com/stellar/go/protocols/horizon"
	"github.com/stellar/go/strkey"
	"github.com/stellar/go/txnbuild"
	"github.com/stellar/go/xdr"

	"github.com/unite-defi/resolver/internal/config"
	"github.com/unite-defi/resolver/pkg/logging"
)

// SorobanAdapter drives the HTLC contract on Stellar.
type SorobanAdapter struct {
	chainID    string
	entry      *config.ChainEntry
	horizon    *horizonclient.Client
	rpc        *jsonrpcClient
	contractID [32]byte
	passphrase string

	primary   *keypair.Full
	secondary *keypair.Full

	log *logging.Logger
}

// SorobanOptions tunes endpoints that are not part of the chain entry.
type SorobanOptions struct {
	// HorizonURL overrides the Horizon endpoint; defaults to the public
	// Horizon instance. The entry's rpc_url is the Soroban RPC endpoint.
	HorizonURL string

	// NetworkPassphrase defaults to the public network.
	NetworkPassphrase string
}

// NewSorobanAdapter parses both signing keypairs and the contract id.
func NewSorobanAdapter(entry *config.ChainEntry, opts SorobanOptions) (*SorobanAdapter, error) {
	primary, err := keypair.ParseFull(entry.SignerSecretPrimary)
	if err != nil {
		return nil, fmt.Errorf("primary signer: %w", err)
	}
	secondary := primary
	if entry.SignerSecretSecondary != "" {
		secondary, err = keypair.ParseFull(entry.SignerSecretSecondary)
		if err != nil {
			return nil, fmt.Errorf("secondary signer: %w", err)
		}
	}

	raw, err := strkey.Decode(strkey.VersionByteContract, entry.ContractAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to decode contract address: %w", err)
	}
	var contractID [32]byte
	copy(contractID[:], raw)

	horizonURL := opts.HorizonURL
	if horizonURL == "" {
		horizonURL = "https://horizon.stellar.org"
	}
	passphrase := opts.NetworkPassphrase
	if passphrase == "" {
		passphrase = network.PublicNetworkPassphrase
	}

	return &SorobanAdapter{
		chainID: entry.ChainID,
		entry:   entry,
		horizon: &horizonclient.Client{
			HorizonURL: horizonURL,
			HTTP:       &http.Client{Timeout: RPCTimeout},
		},
		rpc:        newJSONRPCClient(entry.RPCURL),
		contractID: contractID,
		passphrase: passphrase,
		primary:    primary,
		secondary:  secondary,
		log:        logging.GetDefault().Component("soroban/" + entry.ChainID),
	}, nil
}

// ChainID returns the chain identifier.
func (a *SorobanAdapter) ChainID() string {
	return a.chainID
}

// Supported reports whether the adapter is usable.
func (a *SorobanAdapter) Supported() bool {
	return true
}

// ResolverAddress returns the taker-side signer's account address.
func (a *SorobanAdapter) ResolverAddress() string {
	return a.secondary.Address()
}

func (a *SorobanAdapter) signerFor(side Side) *keypair.Full {
	if side == SideSrc {
		return a.primary
	}
	return a.secondary
}

// Lock invokes create_escrow(secret_hash, timelock, receiver, order_id, amount).
func (a *SorobanAdapter) Lock(ctx context.Context, params LockParams) (*EscrowRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, RPCTimeout)
	defer cancel()

	if existing, err := a.GetEscrowByOrderID(ctx, params.OrderID, params.Side); err == nil && existing != nil {
		a.log.Debug("lock already on chain", "order_id", params.OrderID, "side", params.Side)
		return existing, nil
	}

	receiver, err := scAccount(params.Receiver)
	if err != nil {
		return nil, NewError(KindValidation, a.chainID, "lock", err.Error(), nil)
	}
	amount, err := scU128(params.Amount)
	if err != nil {
		return nil, NewError(KindValidation, a.chainID, "lock", err.Error(), nil)
	}

	args := []xdr.ScVal{
		scBytes(params.SecretHash[:]),
		scU64(params.CancelAfter),
		receiver,
		scBytes(sorobanOrderKey(params.OrderID, params.Side)),
		amount,
	}

	signer := a.signerFor(params.Side)
	resp, err := a.invoke(ctx, signer, "create_escrow", args)
	if err != nil {
		if IsIndeterminate(err) {
			return nil, NewError(KindReceiptIndeterminate, a.chainID, "lock", "submission outcome unknown", err)
		}
		return nil, a.classify("lock", err)
	}

	deployTime, err := a.ledgerCloseTime(resp.ledger)
	if err != nil {
		return nil, a.classify("lock", err)
	}

	a.log.Info("escrow locked", "order_id", params.OrderID, "side", params.Side, "tx", resp.hash)
	return &EscrowRecord{
		Side:        params.Side,
		Address:     a.entry.ContractAddress + ":" + hex.EncodeToString(sorobanOrderKey(params.OrderID, params.Side)),
		DeployTime:  deployTime,
		TxHash:      resp.hash,
		ExplorerURL: a.entry.ExplorerURL(resp.hash),
		Status:      EscrowLocked,
	}, nil
}

// Claim invokes claim(escrow_id, secret).
func (a *SorobanAdapter) Claim(ctx context.Context, escrow *EscrowRecord, secretHash [32]byte, secret [32]byte) (*TxReceipt, error) {
	if sha256.Sum256(secret[:]) != secretHash {
		return nil, NewError(KindInvalidSecret, a.chainID, "claim", "secret does not hash to committed value", nil)
	}

	ctx, cancel := context.WithTimeout(ctx, RPCTimeout)
	defer cancel()

	escrowKey, err := sorobanEscrowKey(escrow.Address)
	if err != nil {
		return nil, NewError(KindValidation, a.chainID, "claim", err.Error(), nil)
	}

	signer := a.secondary
	if escrow.Side == SideDst {
		signer = a.primary
	}

	resp, err := a.invoke(ctx, signer, "claim", []xdr.ScVal{
		scBytes(escrowKey),
		scBytes(secret[:]),
	})
	if err != nil {
		return nil, a.classify("claim", err)
	}

	blockTime, err := a.ledgerCloseTime(resp.ledger)
	if err != nil {
		return nil, a.classify("claim", err)
	}

	a.log.Info("escrow claimed", "side", escrow.Side, "tx", resp.hash)
	return &TxReceipt{TxHash: resp.hash, ExplorerURL: a.entry.ExplorerURL(resp.hash), BlockTime: blockTime}, nil
}

// Refund invokes refund(escrow_id) after the cancellation deadline.
func (a *SorobanAdapter) Refund(ctx context.Context, escrow *EscrowRecord) (*TxReceipt, error) {
	ctx, cancel := context.WithTimeout(ctx, RPCTimeout)
	defer cancel()

	escrowKey, err := sorobanEscrowKey(escrow.Address)
	if err != nil {
		return nil, NewError(KindValidation, a.chainID, "refund", err.Error(), nil)
	}

	state, err := a.escrowState(ctx, escrowKey)
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

	resp, err := a.invoke(ctx, a.signerFor(escrow.Side), "refund", []xdr.ScVal{scBytes(escrowKey)})
	if err != nil {
		return nil, a.classify("refund", err)
	}

	blockTime, err := a.ledgerCloseTime(resp.ledger)
	if err != nil {
		return nil, a.classify("refund", err)
	}

	a.log.Info("escrow refunded", "side", escrow.Side, "tx", resp.hash)
	return &TxReceipt{TxHash: resp.hash, ExplorerURL: a.entry.ExplorerURL(resp.hash), BlockTime: blockTime}, nil
}

// GetEscrowByOrderID resolves the escrow for (orderID, side) via a
// simulated get_escrow view, or nil when none exists.
func (a *SorobanAdapter) GetEscrowByOrderID(ctx context.Context, orderID string, side Side) (*EscrowRecord, error) {
	key := sorobanOrderKey(orderID, side)

	state, err := a.escrowState(ctx, key)
	if err != nil {
		return nil, a.classify("get_escrow", err)
	}
	if state == nil {
		return nil, nil
	}

	return &EscrowRecord{
		Side:       side,
		Address:    a.entry.ContractAddress + ":" + hex.EncodeToString(key),
		DeployTime: state.createdAt,
		Status:     state.status,
	}, nil
}

// Balance returns the native balance of an account in stroops. Only the
// native token is supported: any other token fails with KindValidation and
// no token contract is queried.
func (a *SorobanAdapter) Balance(ctx context.Context, address, token string) (*big.Int, error) {
	if !config.IsNativeToken(a.chainID, token) {
		return nil, NewError(KindValidation, a.chainID, "balance", "token balances not supported on this chain", nil)
	}

	account, err := a.horizon.AccountDetail(horizonclient.AccountRequest{AccountID: address})
	if err != nil {
		return nil, a.classify("balance", err)
	}

	for _, b := range account.Balances {
		if b.Asset.Type == "native" {
			return xlmToStroops(b.Balance)
		}
	}
	return new(big.Int), nil
}

// BlockTimestamp returns the latest ledger close time.
func (a *SorobanAdapter) BlockTimestamp(ctx context.Context) (uint64, error) {
	var result struct {
		Sequence uint32 `json:"sequence"`
	}
	if err := a.rpc.call(ctx, "getLatestLedger", nil, &result); err != nil {
		return 0, a.classify("block_timestamp", err)
	}
	return a.ledgerCloseTime(result.Sequence)
}

// =============================================================================
// Internal helpers
// =============================================================================

type sorobanSubmitResult struct {
	hash   string
	ledger uint32
}

// invoke builds, simulates, signs and submits one contract invocation.
func (a *SorobanAdapter) invoke(ctx context.Context, signer *keypair.Full, function string, args []xdr.ScVal) (*sorobanSubmitResult, error) {
	op, err := a.hostFunctionOp(signer.Address(), function, args)
	if err != nil {
		return nil, err
	}

	account, err := a.horizon.AccountDetail(horizonclient.AccountRequest{AccountID: signer.Address()})
	if err != nil {
		return nil, err
	}

	// Simulation supplies the transaction's resource footprint and fee.
	sim, err := a.simulate(ctx, &account, op)
	if err != nil {
		return nil, err
	}
	if sim.TransactionData != "" {
		var sorobanData xdr.SorobanTransactionData
		if err := xdr.SafeUnmarshalBase64(sim.TransactionData, &sorobanData); err != nil {
			return nil, fmt.Errorf("failed to decode soroban data: %w", err)
		}
		op.Ext = xdr.TransactionExt{V: 1, SorobanData: &sorobanData}
	}

	tx, err := txnbuild.NewTransaction(txnbuild.TransactionParams{
		SourceAccount:        &account,
		IncrementSequenceNum: true,
		Operations:           []txnbuild.Operation{op},
		BaseFee:              txnbuild.MinBaseFee + sim.MinResourceFee,
		Preconditions:        txnbuild.Preconditions{TimeBounds: txnbuild.NewTimeout(300)},
	})
	if err != nil {
		return nil, err
	}

	tx, err = tx.Sign(a.passphrase, signer)
	if err != nil {
		return nil, err
	}

	resp, err := a.horizon.SubmitTransaction(tx)
	if err != nil {
		return nil, err
	}
	return &sorobanSubmitResult{hash: resp.Hash, ledger: uint32(resp.Ledger)}, nil
}

func (a *SorobanAdapter) hostFunctionOp(source, function string, args []xdr.ScVal) (*txnbuild.InvokeHostFunction, error) {
	contractID := xdr.ContractId(a.contractID)
	return &txnbuild.InvokeHostFunction{
		SourceAccount: source,
		HostFunction: xdr.HostFunction{
			Type: xdr.HostFunctionTypeHostFunctionTypeInvokeContract,
			InvokeContract: &xdr.InvokeContractArgs{
				ContractAddress: xdr.ScAddress{
					Type:       xdr.ScAddressTypeScAddressTypeContract,
					ContractId: &contractID,
				},
				FunctionName: xdr.ScSymbol(function),
				Args:         args,
			},
		},
	}, nil
}

type sorobanSimResult struct {
	TransactionData string `json:"transactionData"`
	MinResourceFee  int64  `json:"minResourceFee,string"`
	Results         []struct {
		XDR string `json:"xdr"`
	} `json:"results"`
	Error string `json:"error"`
}

// simulate runs simulateTransaction against the Soroban RPC endpoint.
func (a *SorobanAdapter) simulate(ctx context.Context, account *horizon.Account, op *txnbuild.InvokeHostFunction) (*sorobanSimResult, error) {
	tx, err := txnbuild.NewTransaction(txnbuild.TransactionParams{
		SourceAccount:        account,
		IncrementSequenceNum: false,
		Operations:           []txnbuild.Operation{op},
		BaseFee:              txnbuild.MinBaseFee,
		Preconditions:        txnbuild.Preconditions{TimeBounds: txnbuild.NewTimeout(300)},
	})
	if err != nil {
		return nil, err
	}
	envelope, err := tx.Base64()
	if err != nil {
		return nil, err
	}

	var sim sorobanSimResult
	if err := a.rpc.call(ctx, "simulateTransaction", []interface{}{envelope}, &sim); err != nil {
		return nil, err
	}
	if sim.Error != "" {
		return nil, &jsonrpcError{Code: -1, Message: sim.Error}
	}
	return &sim, nil
}

type sorobanEscrowState struct {
	createdAt   uint64
	cancelAfter uint64
	status      EscrowStatus
}

// escrowState simulates get_escrow(order_key) and decodes the result
// vector: [created_at u64, cancel_after u64, state u32]. A void result
// means no escrow exists.
func (a *SorobanAdapter) escrowState(ctx context.Context, key []byte) (*sorobanEscrowState, error) {
	op, err := a.hostFunctionOp(a.primary.Address(), "get_escrow", []xdr.ScVal{scBytes(key)})
	if err != nil {
		return nil, err
	}
	account, err := a.horizon.AccountDetail(horizonclient.AccountRequest{AccountID: a.primary.Address()})
	if err != nil {
		return nil, err
	}

	sim, err := a.simulate(ctx, &account, op)
	if err != nil {
		return nil, err
	}
	if len(sim.Results) == 0 {
		return nil, nil
	}

	var val xdr.ScVal
	if err := xdr.SafeUnmarshalBase64(sim.Results[0].XDR, &val); err != nil {
		return nil, fmt.Errorf("failed to decode result: %w", err)
	}
	if val.Type == xdr.ScValTypeScvVoid {
		return nil, nil
	}
	if val.Type != xdr.ScValTypeScvVec || val.Vec == nil || *val.Vec == nil || len(**val.Vec) < 3 {
		return nil, fmt.Errorf("unexpected get_escrow result shape")
	}

	vec := **val.Vec
	state := &sorobanEscrowState{
		createdAt:   uint64(mustU64(vec[0])),
		cancelAfter: uint64(mustU64(vec[1])),
	}
	switch mustU32(vec[2]) {
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

func (a *SorobanAdapter) ledgerCloseTime(sequence uint32) (uint64, error) {
	ledger, err := a.horizon.LedgerDetail(sequence)
	if err != nil {
		return 0, a.classify("ledger", err)
	}
	return uint64(ledger.ClosedAt.Unix()), nil
}

// sorobanOrderKey derives the deterministic 32-byte escrow key.
func sorobanOrderKey(orderID string, side Side) []byte {
	digest := sha256.Sum256([]byte(orderID + "/" + string(side)))
	return digest[:]
}

// sorobanEscrowKey recovers the order key from a "C...:hex" locator.
func sorobanEscrowKey(address string) ([]byte, error) {
	parts := strings.SplitN(address, ":", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("malformed escrow address: %q", address)
	}
	key, err := hex.DecodeString(parts[1])
	if err != nil || len(key) != 32 {
		return nil, fmt.Errorf("malformed escrow key in address: %q", address)
	}
	return key, nil
}

// =============================================================================
// XDR value helpers
// =============================================================================

func scBytes(b []byte) xdr.ScVal {
	bytes := xdr.ScBytes(b)
	return xdr.ScVal{Type: xdr.ScValTypeScvBytes, Bytes: &bytes}
}

func scU64(v uint64) xdr.ScVal {
	u := xdr.Uint64(v)
	return xdr.ScVal{Type: xdr.ScValTypeScvU64, U64: &u}
}

func scU128(v *big.Int) (xdr.ScVal, error) {
	if v.Sign() < 0 || v.BitLen() > 128 {
		return xdr.ScVal{}, fmt.Errorf("amount out of u128 range: %s", v)
	}
	lo := new(big.Int).And(v, new(big.Int).SetUint64(^uint64(0)))
	hi := new(big.Int).Rsh(v, 64)
	parts := xdr.UInt128Parts{
		Hi: xdr.Uint64(hi.Uint64()),
		Lo: xdr.Uint64(lo.Uint64()),
	}
	return xdr.ScVal{Type: xdr.ScValTypeScvU128, U128: &parts}, nil
}

func scAccount(address string) (xdr.ScVal, error) {
	accountID := xdr.AccountId{}
	if err := accountID.SetAddress(address); err != nil {
		return xdr.ScVal{}, fmt.Errorf("failed to parse account address: %w", err)
	}
	addr := xdr.ScAddress{
		Type:      xdr.ScAddressTypeScAddressTypeAccount,
		AccountId: &accountID,
	}
	return xdr.ScVal{Type: xdr.ScValTypeScvAddress, Address: &addr}, nil
}

func mustU64(v xdr.ScVal) xdr.Uint64 {
	if v.Type == xdr.ScValTypeScvU64 && v.U64 != nil {
		return *v.U64
	}
	return 0
}

func mustU32(v xdr.ScVal) uint32 {
	if v.Type == xdr.ScValTypeScvU32 && v.U32 != nil {
		return uint32(*v.U32)
	}
	return 0
}

// xlmToStroops converts a Horizon decimal balance to stroops.
func xlmToStroops(balance string) (*big.Int, error) {
	parts := strings.SplitN(balance, ".", 2)
	whole, ok := new(big.Int).SetString(parts[0], 10)
	if !ok {
		return nil, fmt.Errorf("malformed balance: %q", balance)
	}
	out := new(big.Int).Mul(whole, big.NewInt(10_000_000))
	if len(parts) == 2 {
		frac := parts[1]
		for len(frac) < 7 {
			frac += "0"
		}
		fracInt, ok := new(big.Int).SetString(frac[:7], 10)
		if !ok {
			return nil, fmt.Errorf("malformed balance: %q", balance)
		}
		out.Add(out, fracInt)
	}
	return out, nil
}

// classify maps Horizon and Soroban RPC failures to the taxonomy.
func (a *SorobanAdapter) classify(op string, err error) error {
	var ce *Error
	if errors.As(err, &ce) {
		return err
	}

	var hzErr *horizonclient.Error
	if errors.As(err, &hzErr) {
		msg := hzErr.Problem.Title
		if codes, cerr := hzErr.ResultCodes(); cerr == nil && codes != nil {
			msg = codes.TransactionCode
			if strings.Contains(strings.ToLower(msg), "insufficient") {
				return NewError(KindInsufficientFunds, a.chainID, op, msg, err)
			}
		}
		return NewError(KindContractReverted, a.chainID, op, msg, err)
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
