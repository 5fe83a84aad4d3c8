package ledger

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/paylance/escrowd/internal/amount"
)

// ERC20 minimal ABI for transfer and balanceOf
const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

// DefaultGasLimit for ERC20 transfers when estimation fails.
const DefaultGasLimit = uint64(100000)

var (
	ErrInvalidPrivateKey = errors.New("ledger: invalid custody private key")
	ErrRPCConnection     = errors.New("ledger: RPC connection failed")
)

// EthClient abstracts the go-ethereum client for testing.
type EthClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// EVMConfig configures the chain-backed ledger client.
type EVMConfig struct {
	RPCURL     string
	PrivateKey string            // custody key, hex with or without 0x prefix
	ChainID    int64
	Tokens     map[string]string // currency symbol -> ERC20 contract address
}

// EVMOption configures the client.
type EVMOption func(*EVMClient)

// WithEthClient sets a custom chain client (useful for testing).
func WithEthClient(client EthClient) EVMOption {
	return func(c *EVMClient) {
		c.client = client
	}
}

// EVMClient settles escrow transfers as ERC20 token transfers signed by
// the custody key. It satisfies the Client boundary: submission returns
// the tx hash as the opaque TxRef and confirmation is a receipt lookup.
type EVMClient struct {
	client     EthClient
	privateKey *ecdsa.PrivateKey
	custody    common.Address
	chainID    *big.Int
	tokens     map[string]common.Address
	tokenABI   abi.ABI
}

// NewEVMClient creates a chain-backed ledger client.
func NewEVMClient(cfg EVMConfig, opts ...EVMOption) (*EVMClient, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	key := strings.TrimPrefix(cfg.PrivateKey, "0x")
	if len(key) != 64 {
		return nil, fmt.Errorf("%w: must be 64 hex characters", ErrInvalidPrivateKey)
	}
	if cfg.ChainID == 0 {
		return nil, errors.New("ledger: chain ID required")
	}
	if len(cfg.Tokens) == 0 {
		return nil, errors.New("ledger: at least one token contract required")
	}

	privateKey, err := crypto.HexToECDSA(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	publicKey, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: cannot derive public key", ErrInvalidPrivateKey)
	}

	parsedABI, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("ledger: parse ERC20 ABI: %w", err)
	}

	tokens := make(map[string]common.Address, len(cfg.Tokens))
	for symbol, addr := range cfg.Tokens {
		tokens[strings.ToUpper(symbol)] = common.HexToAddress(addr)
	}

	c := &EVMClient{
		privateKey: privateKey,
		custody:    crypto.PubkeyToAddress(*publicKey),
		chainID:    big.NewInt(cfg.ChainID),
		tokens:     tokens,
		tokenABI:   parsedABI,
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.client == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
		}
		c.client = client
	}

	return c, nil
}

// CustodyAccount returns the custody wallet address.
func (c *EVMClient) CustodyAccount() string {
	return c.custody.Hex()
}

func (c *EVMClient) token(currency string) (common.Address, error) {
	addr, ok := c.tokens[strings.ToUpper(currency)]
	if !ok {
		return common.Address{}, fmt.Errorf("%w: %s", ErrUnknownCurrency, currency)
	}
	return addr, nil
}

func (c *EVMClient) SubmitTransfer(ctx context.Context, from, to, amt, currency string) (TxRef, error) {
	if !strings.EqualFold(from, c.custody.Hex()) {
		return "", &TransferError{Op: "submit", Err: fmt.Errorf("%w: custody key cannot sign for %s", ErrRejected, from)}
	}

	contract, err := c.token(currency)
	if err != nil {
		return "", &TransferError{Op: "submit", Err: err}
	}

	units, ok := amount.Parse(amt, currency)
	if !ok || units.Sign() <= 0 {
		return "", &TransferError{Op: "submit", Err: fmt.Errorf("%w: bad amount %q", ErrRejected, amt)}
	}

	data, err := c.tokenABI.Pack("transfer", common.HexToAddress(to), units)
	if err != nil {
		return "", &TransferError{Op: "pack", Err: err}
	}

	nonce, err := c.client.PendingNonceAt(ctx, c.custody)
	if err != nil {
		return "", &TransferError{Op: "nonce", Err: err}
	}

	gasPrice, err := c.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", &TransferError{Op: "gas_price", Err: err}
	}

	gasLimit, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From:  c.custody,
		To:    &contract,
		Value: big.NewInt(0),
		Data:  data,
	})
	if err != nil {
		gasLimit = DefaultGasLimit
	}

	tx := types.NewTransaction(nonce, contract, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.privateKey)
	if err != nil {
		return "", &TransferError{Op: "sign", Err: err}
	}

	if err := c.client.SendTransaction(ctx, signedTx); err != nil {
		return "", &TransferError{Op: "send", TxRef: TxRef(signedTx.Hash().Hex()), Err: fmt.Errorf("%w: %v", ErrRejected, err)}
	}

	return TxRef(signedTx.Hash().Hex()), nil
}

// SubmitSignedTransfer broadcasts a payer-signed raw transaction. The
// signature field carries the hex-encoded RLP bytes produced by the
// payer's wallet for exactly this transfer.
func (c *EVMClient) SubmitSignedTransfer(ctx context.Context, t SignedTransfer) (TxRef, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(t.Signature, "0x"))
	if err != nil {
		return "", &TransferError{Op: "submit_signed", Err: fmt.Errorf("%w: malformed signed transaction", ErrRejected)}
	}

	var tx types.Transaction
	if err := tx.UnmarshalBinary(raw); err != nil {
		return "", &TransferError{Op: "submit_signed", Err: fmt.Errorf("%w: %v", ErrRejected, err)}
	}

	if err := c.client.SendTransaction(ctx, &tx); err != nil {
		return "", &TransferError{Op: "submit_signed", TxRef: TxRef(tx.Hash().Hex()), Err: fmt.Errorf("%w: %v", ErrRejected, err)}
	}

	return TxRef(tx.Hash().Hex()), nil
}

func (c *EVMClient) GetConfirmation(ctx context.Context, ref TxRef) (Confirmation, error) {
	receipt, err := c.client.TransactionReceipt(ctx, common.HexToHash(string(ref)))
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return Confirmation{Status: StatusPending}, nil
		}
		// Treat transient RPC errors as still-pending; the sweep will
		// poll again.
		return Confirmation{Status: StatusPending}, nil
	}

	if receipt.Status == types.ReceiptStatusFailed {
		return Confirmation{Status: StatusFailed, Error: "transaction reverted"}, nil
	}
	return Confirmation{Status: StatusConfirmed}, nil
}

func (c *EVMClient) GetBalance(ctx context.Context, acct, currency string) (string, error) {
	contract, err := c.token(currency)
	if err != nil {
		return "", err
	}

	data, err := c.tokenABI.Pack("balanceOf", common.HexToAddress(acct))
	if err != nil {
		return "", fmt.Errorf("ledger: pack balanceOf: %w", err)
	}

	result, err := c.client.CallContract(ctx, ethereum.CallMsg{
		To:   &contract,
		Data: data,
	}, nil)
	if err != nil {
		return "", fmt.Errorf("ledger: balanceOf call: %w", err)
	}

	return amount.Format(new(big.Int).SetBytes(result), currency), nil
}

// Close releases the underlying RPC connection.
func (c *EVMClient) Close() {
	if c.client != nil {
		c.client.Close()
	}
}

// Compile-time assertion that EVMClient implements Client.
var _ Client = (*EVMClient)(nil)
