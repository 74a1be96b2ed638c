// Package chain reads token balances and transaction receipts from an
// EVM JSON-RPC endpoint. It never signs or sends transactions; writes go
// through the settlement network.
package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

var (
	ErrInvalidAddress = errors.New("chain: invalid address")
	ErrInvalidTxHash  = errors.New("chain: invalid transaction hash")
	ErrRPCConnection  = errors.New("chain: RPC connection failed")
)

// EthClient is the subset of ethclient.Client used here.
type EthClient interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	Close()
}

const erc20ABI = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

// Reader performs read-only chain queries.
type Reader struct {
	client EthClient
	erc20  abi.ABI
}

// Dial connects to rpcURL.
func Dial(ctx context.Context, rpcURL string) (*Reader, error) {
	if rpcURL == "" {
		return nil, fmt.Errorf("%w: RPC URL required", ErrRPCConnection)
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRPCConnection, err)
	}
	return New(client)
}

// New wraps an existing client.
func New(client EthClient) (*Reader, error) {
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}
	return &Reader{client: client, erc20: parsed}, nil
}

// BalanceOf returns the token balance of wallet on contract.
func (r *Reader) BalanceOf(ctx context.Context, contract, wallet string) (*big.Int, error) {
	if !common.IsHexAddress(contract) || !common.IsHexAddress(wallet) {
		return nil, ErrInvalidAddress
	}
	to := common.HexToAddress(contract)
	data, err := r.erc20.Pack("balanceOf", common.HexToAddress(wallet))
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf call: %w", err)
	}

	result, err := r.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to call balanceOf: %w", err)
	}
	out, err := r.erc20.Unpack("balanceOf", result)
	if err != nil {
		return nil, fmt.Errorf("failed to decode balanceOf: %w", err)
	}
	bal, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf result %T", out[0])
	}
	return bal, nil
}

// VerifyTx reports whether txHash was mined successfully, and in which
// block. A transaction that is not (yet) mined returns ok=false and no error.
func (r *Reader) VerifyTx(ctx context.Context, txHash string) (uint64, bool, error) {
	if !isTxHash(txHash) {
		return 0, false, ErrInvalidTxHash
	}
	receipt, err := r.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to get receipt: %w", err)
	}

	var block uint64
	if receipt.BlockNumber != nil {
		block = receipt.BlockNumber.Uint64()
	}
	return block, receipt.Status == types.ReceiptStatusSuccessful, nil
}

// Ping checks that the endpoint answers.
func (r *Reader) Ping(ctx context.Context) error {
	_, err := r.client.BlockNumber(ctx)
	return err
}

// Close closes the client connection.
func (r *Reader) Close() error {
	if r.client != nil {
		r.client.Close()
	}
	return nil
}

func isTxHash(s string) bool {
	s = strings.TrimPrefix(s, "0x")
	if len(s) != 2*common.HashLength {
		return false
	}
	for _, c := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", c) {
			return false
		}
	}
	return true
}
