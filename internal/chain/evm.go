// Package chain - EVM adapter over the HTLC escrow contract.
package chain

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/unite-defi/resolver/internal/config"
	"github.com/unite-defi/resolver/pkg/logging"
)

// htlcABIJSON is the escrow contract surface the adapter drives. The
// contract keys escrows by a deterministic order key, so a retried lock
// resolves to the existing escrow instead of creating a second one.
const htlcABIJSON = `[
	{"type":"function","name":"createEscrowNative","stateMutability":"payable","inputs":[
		{"name":"orderKey","type":"bytes32"},
		{"name":"receiver","type":"address"},
		{"name":"secretHash","type":"bytes32"},
		{"name":"cancelAfter","type":"uint256"}],
		"outputs":[{"name":"escrowId","type":"bytes32"}]},
	{"type":"function","name":"createEscrowERC20","stateMutability":"nonpayable","inputs":[
		{"name":"orderKey","type":"bytes32"},
		{"name":"receiver","type":"address"},
		{"name":"token","type":"address"},
		{"name":"amount","type":"uint256"},
		{"name":"secretHash","type":"bytes32"},
		{"name":"cancelAfter","type":"uint256"}],
		"outputs":[{"name":"escrowId","type":"bytes32"}]},
	{"type":"function","name":"claim","stateMutability":"nonpayable","inputs":[
		{"name":"escrowId","type":"bytes32"},
		{"name":"secret","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"refund","stateMutability":"nonpayable","inputs":[
		{"name":"escrowId","type":"bytes32"}],"outputs":[]},
	{"type":"function","name":"getEscrow","stateMutability":"view","inputs":[
		{"name":"escrowId","type":"bytes32"}],
		"outputs":[
		{"name":"sender","type":"address"},
		{"name":"receiver","type":"address"},
		{"name":"token","type":"address"},
		{"name":"amount","type":"uint256"},
		{"name":"secretHash","type":"bytes32"},
		{"name":"createdAt","type":"uint256"},
		{"name":"cancelAfter","type":"uint256"},
		{"name":"state","type":"uint8"}]},
	{"type":"function","name":"escrowByOrderKey","stateMutability":"view","inputs":[
		{"name":"orderKey","type":"bytes32"}],
		"outputs":[{"name":"escrowId","type":"bytes32"}]},
	{"type":"event","name":"EscrowCreated","inputs":[
		{"name":"escrowId","type":"bytes32","indexed":true},
		{"name":"orderKey","type":"bytes32","indexed":true},
		{"name":"sender","type":"address","indexed":false},
		{"name":"receiver","type":"address","indexed":false}],"anonymous":false}
]`

const erc20ABIJSON = `[
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[
		{"name":"owner","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"allowance","stateMutability":"view","inputs":[
		{"name":"owner","type":"address"},
		{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[
		{"name":"spender","type":"address"},
		{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}
]`

// Escrow state values from the contract.
const (
	evmEscrowEmpty uint8 = iota
	evmEscrowActive
	evmEscrowClaimed
	evmEscrowRefunded
)

// evmSigner bundles one key with its per-wallet nonce lock. EVM nonces are
// assigned per account, so sends from the same wallet are serialised.
type evmSigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
	mu      sync.Mutex
}

// EVMAdapter drives the HTLC escrow contract on one EVM chain.
type EVMAdapter struct {
	chainID      string
	entry        *config.ChainEntry
	client       *ethclient.Client
	evmChainID   *big.Int
	contractAddr common.Address

	htlcABI  abi.ABI
	erc20ABI abi.ABI

	primary   *evmSigner // maker-side resolver
	secondary *evmSigner // taker-side resolver

	log *logging.Logger
}

// NewEVMAdapter connects to the chain and parses both signing keys.
func NewEVMAdapter(ctx context.Context, entry *config.ChainEntry) (*EVMAdapter, error) {
	client, err := ethclient.DialContext(ctx, entry.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}

	evmChainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}

	htlcABI, err := abi.JSON(strings.NewReader(htlcABIJSON))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to parse HTLC ABI: %w", err)
	}
	erc20ABI, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}

	primary, err := newEVMSigner(entry.SignerSecretPrimary)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("primary signer: %w", err)
	}
	secondary := primary
	if entry.SignerSecretSecondary != "" {
		secondary, err = newEVMSigner(entry.SignerSecretSecondary)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("secondary signer: %w", err)
		}
	}

	return &EVMAdapter{
		chainID:      entry.ChainID,
		entry:        entry,
		client:       client,
		evmChainID:   evmChainID,
		contractAddr: common.HexToAddress(entry.ContractAddress),
		htlcABI:      htlcABI,
		erc20ABI:     erc20ABI,
		primary:      primary,
		secondary:    secondary,
		log:          logging.GetDefault().Component("evm/" + entry.ChainID),
	}, nil
}

func newEVMSigner(secret string) (*evmSigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(secret, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return &evmSigner{
		key:     key,
		address: crypto.PubkeyToAddress(key.PublicKey),
	}, nil
}

// Close releases the RPC connection.
func (a *EVMAdapter) Close() {
	a.client.Close()
}

// ChainID returns the chain identifier.
func (a *EVMAdapter) ChainID() string {
	return a.chainID
}

// Supported reports whether the adapter is usable.
func (a *EVMAdapter) Supported() bool {
	return true
}

// ResolverAddress returns the taker-side signer's address.
func (a *EVMAdapter) ResolverAddress() string {
	return a.secondary.address.Hex()
}

// signerFor picks the wallet role for a side: the maker-side resolver
// funds src escrows, the taker-side resolver funds dst escrows.
func (a *EVMAdapter) signerFor(side Side) *evmSigner {
	if side == SideSrc {
		return a.primary
	}
	return a.secondary
}

// orderKey derives the deterministic escrow key for (orderID, side).
// Key derivation is an id scheme, not the hashlock; the hashlock itself is
// always sha256.
func orderKey(orderID string, side Side) [32]byte {
	var key [32]byte
	copy(key[:], crypto.Keccak256([]byte(orderID+"/"+string(side))))
	return key
}

// escrowAddress packs the contract address and escrow id into the
// chain-native locator format.
func (a *EVMAdapter) escrowAddress(escrowID [32]byte) string {
	return fmt.Sprintf("%s:0x%x", a.contractAddr.Hex(), escrowID)
}

// parseEscrowAddress recovers the escrow id from a locator.
func parseEscrowAddress(address string) ([32]byte, error) {
	var id [32]byte
	parts := strings.SplitN(address, ":", 2)
	if len(parts) != 2 {
		return id, fmt.Errorf("malformed escrow address: %q", address)
	}
	b := common.FromHex(parts[1])
	if len(b) != 32 {
		return id, fmt.Errorf("malformed escrow id in address: %q", address)
	}
	copy(id[:], b)
	return id, nil
}

// Lock creates the escrow for one side, idempotently by (orderID, side).
func (a *EVMAdapter) Lock(ctx context.Context, params LockParams) (*EscrowRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, RPCTimeout)
	defer cancel()

	// A retried lock resolves to the already-created escrow.
	if existing, err := a.GetEscrowByOrderID(ctx, params.OrderID, params.Side); err == nil && existing != nil {
		a.log.Debug("lock already on chain", "order_id", params.OrderID, "side", params.Side)
		return existing, nil
	}

	signer := a.signerFor(params.Side)
	key := orderKey(params.OrderID, params.Side)
	receiver := common.HexToAddress(params.Receiver)
	cancelAfter := new(big.Int).SetUint64(params.CancelAfter)
	secretHash := params.SecretHash

	native := config.IsNativeToken(a.chainID, params.Token)

	var (
		input []byte
		err   error
		value *big.Int
	)
	if native {
		input, err = a.htlcABI.Pack("createEscrowNative", key, receiver, secretHash, cancelAfter)
		value = new(big.Int).Set(params.Amount)
		if params.SafetyDeposit != nil {
			value.Add(value, params.SafetyDeposit)
		}
	} else {
		token := common.HexToAddress(params.Token)
		if err := a.ensureAllowance(ctx, signer, token, params.Amount); err != nil {
			return nil, err
		}
		input, err = a.htlcABI.Pack("createEscrowERC20", key, receiver, token, params.Amount, secretHash, cancelAfter)
	}
	if err != nil {
		return nil, NewError(KindValidation, a.chainID, "lock", "abi packing failed", err)
	}

	receipt, err := a.sendAndWait(ctx, signer, input, value)
	if err != nil {
		// An ambiguous outcome is reported as indeterminate; the caller
		// reconciles via GetEscrowByOrderID before declaring failure.
		if IsIndeterminate(err) {
			return nil, NewError(KindReceiptIndeterminate, a.chainID, "lock", "receipt not observed", err)
		}
		return nil, a.classify("lock", err)
	}

	escrowID, ok := a.escrowIDFromLogs(receipt)
	if !ok {
		// Log stripped or event missing: never fabricate an id.
		if rec, err := a.GetEscrowByOrderID(ctx, params.OrderID, params.Side); err == nil && rec != nil {
			return rec, nil
		}
		return nil, NewError(KindReceiptIndeterminate, a.chainID, "lock", "EscrowCreated event not found", nil)
	}

	deployTime, err := a.blockTime(ctx, receipt.BlockNumber)
	if err != nil {
		return nil, a.classify("lock", err)
	}

	txHash := receipt.TxHash.Hex()
	a.log.Info("escrow locked", "order_id", params.OrderID, "side", params.Side, "tx", txHash)

	return &EscrowRecord{
		Side:        params.Side,
		Address:     a.escrowAddress(escrowID),
		DeployTime:  deployTime,
		TxHash:      txHash,
		ExplorerURL: a.entry.ExplorerURL(txHash),
		Status:      EscrowLocked,
	}, nil
}

// Claim presents the secret and transfers the escrowed funds.
func (a *EVMAdapter) Claim(ctx context.Context, escrow *EscrowRecord, secretHash [32]byte, secret [32]byte) (*TxReceipt, error) {
	// Local pre-image check before anything touches the wire.
	if sha256.Sum256(secret[:]) != secretHash {
		return nil, NewError(KindInvalidSecret, a.chainID, "claim", "secret does not hash to committed value", nil)
	}

	ctx, cancel := context.WithTimeout(ctx, RPCTimeout)
	defer cancel()

	escrowID, err := parseEscrowAddress(escrow.Address)
	if err != nil {
		return nil, NewError(KindValidation, a.chainID, "claim", err.Error(), nil)
	}

	input, err := a.htlcABI.Pack("claim", escrowID, secret)
	if err != nil {
		return nil, NewError(KindValidation, a.chainID, "claim", "abi packing failed", err)
	}

	// The claimant is the receiver committed at lock time: the resolver
	// claims src escrows, so both roles sign with the taker-side key for
	// src and the maker-side key for dst.
	signer := a.secondary
	if escrow.Side == SideDst {
		signer = a.primary
	}

	receipt, err := a.sendAndWait(ctx, signer, input, nil)
	if err != nil {
		return nil, a.classify("claim", err)
	}

	blockTime, err := a.blockTime(ctx, receipt.BlockNumber)
	if err != nil {
		return nil, a.classify("claim", err)
	}

	txHash := receipt.TxHash.Hex()
	a.log.Info("escrow claimed", "side", escrow.Side, "tx", txHash)
	return &TxReceipt{TxHash: txHash, ExplorerURL: a.entry.ExplorerURL(txHash), BlockTime: blockTime}, nil
}

// Refund returns escrowed funds to the sender after the cancellation
// deadline, measured on the chain's own clock.
func (a *EVMAdapter) Refund(ctx context.Context, escrow *EscrowRecord) (*TxReceipt, error) {
	ctx, cancel := context.WithTimeout(ctx, RPCTimeout)
	defer cancel()

	escrowID, err := parseEscrowAddress(escrow.Address)
	if err != nil {
		return nil, NewError(KindValidation, a.chainID, "refund", err.Error(), nil)
	}

	state, err := a.getEscrowState(ctx, escrowID)
	if err != nil {
		return nil, a.classify("refund", err)
	}

	now, err := a.BlockTimestamp(ctx)
	if err != nil {
		return nil, a.classify("refund", err)
	}
	if now < state.createdAt+state.cancelAfter {
		return nil, NewError(KindTimelockNotExpired, a.chainID, "refund",
			fmt.Sprintf("deadline at %d, chain time %d", state.createdAt+state.cancelAfter, now), nil)
	}

	input, err := a.htlcABI.Pack("refund", escrowID)
	if err != nil {
		return nil, NewError(KindValidation, a.chainID, "refund", "abi packing failed", err)
	}

	receipt, err := a.sendAndWait(ctx, a.signerFor(escrow.Side), input, nil)
	if err != nil {
		return nil, a.classify("refund", err)
	}

	blockTime, err := a.blockTime(ctx, receipt.BlockNumber)
	if err != nil {
		return nil, a.classify("refund", err)
	}

	txHash := receipt.TxHash.Hex()
	a.log.Info("escrow refunded", "side", escrow.Side, "tx", txHash)
	return &TxReceipt{TxHash: txHash, ExplorerURL: a.entry.ExplorerURL(txHash), BlockTime: blockTime}, nil
}

// GetEscrowByOrderID resolves the escrow created for (orderID, side), or
// nil when none exists on-chain.
func (a *EVMAdapter) GetEscrowByOrderID(ctx context.Context, orderID string, side Side) (*EscrowRecord, error) {
	key := orderKey(orderID, side)

	out, err := a.callView(ctx, "escrowByOrderKey", key)
	if err != nil {
		return nil, a.classify("get_escrow", err)
	}
	escrowID := out[0].([32]byte)
	if escrowID == ([32]byte{}) {
		return nil, nil
	}

	state, err := a.getEscrowState(ctx, escrowID)
	if err != nil {
		return nil, a.classify("get_escrow", err)
	}

	return &EscrowRecord{
		Side:       side,
		Address:    a.escrowAddress(escrowID),
		DeployTime: state.createdAt,
		Status:     evmEscrowStatus(state.state),
	}, nil
}

// Balance returns the token balance of an address.
func (a *EVMAdapter) Balance(ctx context.Context, address, token string) (*big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, RPCTimeout)
	defer cancel()

	addr := common.HexToAddress(address)
	if config.IsNativeToken(a.chainID, token) {
		bal, err := a.client.BalanceAt(ctx, addr, nil)
		if err != nil {
			return nil, a.classify("balance", err)
		}
		return bal, nil
	}

	input, err := a.erc20ABI.Pack("balanceOf", addr)
	if err != nil {
		return nil, NewError(KindValidation, a.chainID, "balance", "abi packing failed", err)
	}
	tokenAddr := common.HexToAddress(token)
	raw, err := a.client.CallContract(ctx, ethereum.CallMsg{To: &tokenAddr, Data: input}, nil)
	if err != nil {
		return nil, a.classify("balance", err)
	}
	out, err := a.erc20ABI.Unpack("balanceOf", raw)
	if err != nil {
		return nil, a.classify("balance", err)
	}
	return out[0].(*big.Int), nil
}

// BlockTimestamp returns the latest block timestamp.
func (a *EVMAdapter) BlockTimestamp(ctx context.Context) (uint64, error) {
	header, err := a.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, a.classify("block_timestamp", err)
	}
	return header.Time, nil
}

// =============================================================================
// Internal helpers
// =============================================================================

type evmEscrowState struct {
	sender      common.Address
	receiver    common.Address
	token       common.Address
	amount      *big.Int
	secretHash  [32]byte
	createdAt   uint64
	cancelAfter uint64
	state       uint8
}

func (a *EVMAdapter) getEscrowState(ctx context.Context, escrowID [32]byte) (*evmEscrowState, error) {
	out, err := a.callView(ctx, "getEscrow", escrowID)
	if err != nil {
		return nil, err
	}
	return &evmEscrowState{
		sender:      out[0].(common.Address),
		receiver:    out[1].(common.Address),
		token:       out[2].(common.Address),
		amount:      out[3].(*big.Int),
		secretHash:  out[4].([32]byte),
		createdAt:   out[5].(*big.Int).Uint64(),
		cancelAfter: out[6].(*big.Int).Uint64(),
		state:       out[7].(uint8),
	}, nil
}

func (a *EVMAdapter) callView(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	input, err := a.htlcABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("abi packing failed: %w", err)
	}
	raw, err := a.client.CallContract(ctx, ethereum.CallMsg{To: &a.contractAddr, Data: input}, nil)
	if err != nil {
		return nil, err
	}
	return a.htlcABI.Unpack(method, raw)
}

// ensureAllowance approves the HTLC contract for the token amount when the
// current allowance is short.
func (a *EVMAdapter) ensureAllowance(ctx context.Context, signer *evmSigner, token common.Address, amount *big.Int) error {
	input, err := a.erc20ABI.Pack("allowance", signer.address, a.contractAddr)
	if err != nil {
		return NewError(KindValidation, a.chainID, "lock", "abi packing failed", err)
	}
	raw, err := a.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: input}, nil)
	if err != nil {
		return a.classify("lock", err)
	}
	out, err := a.erc20ABI.Unpack("allowance", raw)
	if err != nil {
		return a.classify("lock", err)
	}
	if out[0].(*big.Int).Cmp(amount) >= 0 {
		return nil
	}

	approve, err := a.erc20ABI.Pack("approve", a.contractAddr, amount)
	if err != nil {
		return NewError(KindValidation, a.chainID, "lock", "abi packing failed", err)
	}
	if _, err := a.sendTo(ctx, signer, token, approve, nil); err != nil {
		return a.classify("lock", err)
	}
	return nil
}

// sendAndWait submits a transaction to the HTLC contract and waits for it
// to be mined. Failed receipts surface as contract reverts.
func (a *EVMAdapter) sendAndWait(ctx context.Context, signer *evmSigner, input []byte, value *big.Int) (*types.Receipt, error) {
	receipt, err := a.sendTo(ctx, signer, a.contractAddr, input, value)
	if err != nil {
		return nil, err
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, NewError(KindContractReverted, a.chainID, "tx", "transaction reverted", nil)
	}
	return receipt, nil
}

func (a *EVMAdapter) sendTo(ctx context.Context, signer *evmSigner, to common.Address, input []byte, value *big.Int) (*types.Receipt, error) {
	// Nonce assignment and send are serialised per wallet.
	signer.mu.Lock()
	tx, err := a.buildAndSend(ctx, signer, to, input, value)
	signer.mu.Unlock()
	if err != nil {
		return nil, err
	}

	receipt, err := bind.WaitMined(ctx, a.client, tx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, NewError(KindTimeout, a.chainID, "tx", "mining deadline exceeded", err)
		}
		return nil, err
	}
	return receipt, nil
}

func (a *EVMAdapter) buildAndSend(ctx context.Context, signer *evmSigner, to common.Address, input []byte, value *big.Int) (*types.Transaction, error) {
	nonce, err := a.client.PendingNonceAt(ctx, signer.address)
	if err != nil {
		return nil, err
	}
	gasPrice, err := a.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, err
	}
	if value == nil {
		value = new(big.Int)
	}

	gas, err := a.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  signer.address,
		To:    &to,
		Value: value,
		Data:  input,
	})
	if err != nil {
		return nil, err
	}

	tx := types.NewTransaction(nonce, to, value, gas, gasPrice, input)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(a.evmChainID), signer.key)
	if err != nil {
		return nil, err
	}
	if err := a.client.SendTransaction(ctx, signed); err != nil {
		return nil, err
	}
	return signed, nil
}

// escrowIDFromLogs extracts the escrow id from the EscrowCreated event.
// The id is the 32-byte value at topic index 1.
func (a *EVMAdapter) escrowIDFromLogs(receipt *types.Receipt) ([32]byte, bool) {
	topic := a.htlcABI.Events["EscrowCreated"].ID
	for _, l := range receipt.Logs {
		if l.Address == a.contractAddr && len(l.Topics) >= 2 && l.Topics[0] == topic {
			return [32]byte(l.Topics[1]), true
		}
	}
	return [32]byte{}, false
}

func (a *EVMAdapter) blockTime(ctx context.Context, blockNumber *big.Int) (uint64, error) {
	header, err := a.client.HeaderByNumber(ctx, blockNumber)
	if err != nil {
		return 0, err
	}
	return header.Time, nil
}

func evmEscrowStatus(state uint8) EscrowStatus {
	switch state {
	case evmEscrowActive:
		return EscrowLocked
	case evmEscrowClaimed:
		return EscrowClaimed
	case evmEscrowRefunded:
		return EscrowRefunded
	default:
		return EscrowPending
	}
}

// classify maps wire-level failures to the taxonomy.
func (a *EVMAdapter) classify(op string, err error) error {
	var ce *Error
	if errors.As(err, &ce) {
		return err
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"):
		return NewError(KindInsufficientFunds, a.chainID, op, "", err)
	case strings.Contains(msg, "execution reverted"):
		return NewError(KindContractReverted, a.chainID, op, revertReason(msg), err)
	case errors.Is(err, context.DeadlineExceeded) || isTimeoutErr(err):
		return NewError(KindTimeout, a.chainID, op, "rpc deadline exceeded", err)
	default:
		return NewError(KindChainUnavailable, a.chainID, op, "", err)
	}
}

func revertReason(msg string) string {
	if i := strings.Index(msg, "execution reverted"); i >= 0 {
		return strings.TrimLeft(msg[i+len("execution reverted"):], ": ")
	}
	return msg
}
