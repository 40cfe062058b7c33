package ethutil

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// ERC20ABI covers the subset of ERC20 the bridge calls
const ERC20ABI = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"name":"allowance","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"},
	{"constant":false,"inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"},
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"}
]`

// approveGasLimit is enough for any standard ERC20 approve
const approveGasLimit = 100000

var erc20ABI = mustParseABI(ERC20ABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("erc20 abi parse failed: %v", err))
	}
	return parsed
}

// TxBackend is the part of ethclient.Client needed to send a signed transaction
type TxBackend interface {
	ethereum.ContractCaller
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// ERC20Balance returns balanceOf(owner) on token
func ERC20Balance(ctx context.Context, caller ethereum.ContractCaller, token, owner common.Address) (*big.Int, error) {
	return callUint256(ctx, caller, token, "balanceOf", owner)
}

// ERC20Allowance returns allowance(owner, spender) on token
func ERC20Allowance(ctx context.Context, caller ethereum.ContractCaller, token, owner, spender common.Address) (*big.Int, error) {
	return callUint256(ctx, caller, token, "allowance", owner, spender)
}

func callUint256(ctx context.Context, caller ethereum.ContractCaller, token common.Address, method string, args ...interface{}) (*big.Int, error) {
	callData, err := erc20ABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s failed: %w", method, err)
	}
	resp, err := caller.CallContract(ctx, ethereum.CallMsg{To: &token, Data: callData}, nil)
	if err != nil {
		return nil, fmt.Errorf("%s call failed: %w", method, err)
	}
	if len(resp) < 32 {
		return nil, fmt.Errorf("invalid %s resp: %d", method, len(resp))
	}
	return new(big.Int).SetBytes(resp[:32]), nil
}

// ERC20Approve signs and sends approve(spender, amount) from auth.From.
// A nonce set on auth is used as is; otherwise the pending nonce is fetched.
func ERC20Approve(ctx context.Context, backend TxBackend, auth *bind.TransactOpts, token, spender common.Address, amount *big.Int) (*types.Transaction, error) {
	data, err := erc20ABI.Pack("approve", spender, amount)
	if err != nil {
		return nil, fmt.Errorf("failed to encode approve call: %w", err)
	}

	var nonce uint64
	if auth.Nonce != nil {
		nonce = auth.Nonce.Uint64()
	} else if nonce, err = backend.PendingNonceAt(ctx, auth.From); err != nil {
		return nil, fmt.Errorf("failed to get nonce: %w", err)
	}

	gasPrice := auth.GasPrice
	if gasPrice == nil {
		if gasPrice, err = backend.SuggestGasPrice(ctx); err != nil {
			return nil, fmt.Errorf("failed to get gas price: %w", err)
		}
	}
	gasLimit := auth.GasLimit
	if gasLimit == 0 {
		gasLimit = approveGasLimit
	}

	tx := types.NewTransaction(nonce, token, big.NewInt(0), gasLimit, gasPrice, data)
	signedTx, err := auth.Signer(auth.From, tx)
	if err != nil {
		return nil, fmt.Errorf("failed to sign approve transaction: %w", err)
	}
	if err := backend.SendTransaction(ctx, signedTx); err != nil {
		return nil, fmt.Errorf("failed to send approve transaction: %w", err)
	}
	return signedTx, nil
}

// NewTransactor creates keyed transact options for chainID
func NewTransactor(chainID *big.Int, key *ecdsa.PrivateKey) (*bind.TransactOpts, error) {
	if chainID == nil {
		return nil, errors.New("chain id is required")
	}
	if key == nil {
		return nil, errors.New("private key is required")
	}
	return bind.NewKeyedTransactorWithChainID(key, chainID)
}

// ParsePrivateKey parses a hex private key with or without the 0x prefix
func ParsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, errors.New("empty private key")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return key, nil
}

// ToBaseUnits converts a decimal token amount into integer base units.
// Amounts with more precision than decimals, negative amounts, and amounts above 2^256-1 are rejected.
func ToBaseUnits(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("negative amount %s", amount)
	}
	shifted := amount.Shift(decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("amount %s has more than %d decimals", amount, decimals)
	}
	value := shifted.BigInt()
	if _, overflow := uint256.FromBig(value); overflow {
		return nil, fmt.Errorf("amount %s overflows uint256", amount)
	}
	return value, nil
}

// FromBaseUnits converts integer base units back into a decimal amount
func FromBaseUnits(value *big.Int, decimals int32) decimal.Decimal {
	if value == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(value, -decimals)
}

// FormatTokenAmount renders base units for logs, e.g. "1.00 tokens"
func FormatTokenAmount(amount *big.Int, decimals int32) string {
	if amount == nil {
		return "0"
	}
	return FromBaseUnits(amount, decimals).StringFixed(2) + " tokens"
}
