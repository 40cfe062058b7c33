package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/wrapbridge/engine/internal/types"
	"github.com/wrapbridge/engine/pkg/ethutil"
)

// EVMBackend is the subset of ethclient.Client used by EVMClient
type EVMBackend interface {
	ethutil.TxBackend
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// EVMClient talks to the target chain where the wrapped tokens live
type EVMClient struct {
	backend      EVMBackend
	auth         *bind.TransactOpts
	nonces       *NonceManager
	tokens       map[types.Asset]common.Address
	pollInterval time.Duration
	logger       logrus.FieldLogger
}

// EVMOption configures an EVMClient
type EVMOption func(*EVMClient)

// WithSigner lets the client send approvals as auth.From
func WithSigner(auth *bind.TransactOpts) EVMOption {
	return func(c *EVMClient) { c.auth = auth }
}

// WithReceiptPollInterval sets how often WatchConfirmations polls for receipts
func WithReceiptPollInterval(d time.Duration) EVMOption {
	return func(c *EVMClient) { c.pollInterval = d }
}

// DialEVM connects to rpcURL
func DialEVM(ctx context.Context, rpcURL string, tokens map[types.Asset]common.Address, logger logrus.FieldLogger, opts ...EVMOption) (*EVMClient, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", rpcURL, err)
	}
	return NewEVMClient(client, tokens, logger, opts...), nil
}

// NewEVMClient wraps backend; tokens maps each wrapped asset to its ERC20 contract
func NewEVMClient(backend EVMBackend, tokens map[types.Asset]common.Address, logger logrus.FieldLogger, opts ...EVMOption) *EVMClient {
	c := &EVMClient{
		backend:      backend,
		nonces:       NewNonceManager(backend),
		tokens:       tokens,
		pollInterval: 3 * time.Second,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *EVMClient) token(asset types.Asset) (common.Address, error) {
	addr, ok := c.tokens[asset]
	if !ok || addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%w: no token contract configured for %s", types.ErrUnsupportedPair, asset)
	}
	return addr, nil
}

func (c *EVMClient) GetBalance(ctx context.Context, address string, asset types.Asset) (decimal.Decimal, error) {
	token, err := c.token(asset)
	if err != nil {
		return decimal.Zero, err
	}
	holder, err := types.ToEVMAddress(address)
	if err != nil {
		return decimal.Zero, err
	}
	bal, err := ethutil.ERC20Balance(ctx, c.backend, token, holder)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", types.ErrTransientNetwork, err)
	}
	return ethutil.FromBaseUnits(bal, types.AssetDecimals), nil
}

func (c *EVMClient) Allowance(ctx context.Context, owner, spender string, asset types.Asset) (decimal.Decimal, error) {
	token, err := c.token(asset)
	if err != nil {
		return decimal.Zero, err
	}
	ownerAddr, err := types.ToEVMAddress(owner)
	if err != nil {
		return decimal.Zero, err
	}
	spenderAddr, err := types.ToEVMAddress(spender)
	if err != nil {
		return decimal.Zero, err
	}
	allowance, err := ethutil.ERC20Allowance(ctx, c.backend, token, ownerAddr, spenderAddr)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", types.ErrTransientNetwork, err)
	}
	return ethutil.FromBaseUnits(allowance, types.AssetDecimals), nil
}

// SendApproval broadcasts approve(spender, amount) signed by the configured key.
// The key must control owner; otherwise the request is treated as rejected by the wallet.
func (c *EVMClient) SendApproval(ctx context.Context, owner, spender string, asset types.Asset, amount decimal.Decimal) (string, error) {
	if c.auth == nil {
		return "", fmt.Errorf("%w: no signer configured", types.ErrUserRejected)
	}
	ownerAddr, err := types.ToEVMAddress(owner)
	if err != nil {
		return "", err
	}
	if ownerAddr != c.auth.From {
		return "", fmt.Errorf("%w: signer %s cannot approve for %s", types.ErrUserRejected, c.auth.From.Hex(), ownerAddr.Hex())
	}
	token, err := c.token(asset)
	if err != nil {
		return "", err
	}
	spenderAddr, err := types.ToEVMAddress(spender)
	if err != nil {
		return "", err
	}
	value, err := ethutil.ToBaseUnits(amount, types.AssetDecimals)
	if err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrInvalidAmount, err)
	}

	nonce, err := c.nonces.Next(ctx, c.auth.From)
	if err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrChainError, err)
	}
	opts := *c.auth
	opts.Context = ctx
	opts.Nonce = new(big.Int).SetUint64(nonce)

	tx, err := ethutil.ERC20Approve(ctx, c.backend, &opts, token, spenderAddr, value)
	if err != nil {
		c.nonces.Resync(c.auth.From)
		if isUserRejection(err) {
			return "", fmt.Errorf("%w: %v", types.ErrUserRejected, err)
		}
		return "", fmt.Errorf("%w: %v", types.ErrChainError, err)
	}
	c.logger.WithFields(logrus.Fields{
		"asset":   asset,
		"spender": spenderAddr.Hex(),
		"amount":  ethutil.FormatTokenAmount(value, types.AssetDecimals),
		"tx":      tx.Hash().Hex(),
	}).Info("🔐 Approval sent")
	return tx.Hash().Hex(), nil
}

// isUserRejection matches the EIP-1193 "user rejected" errors wallets and signers return
func isUserRejection(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "user rejected") || strings.Contains(msg, "user denied")
}

// WatchConfirmations polls for the receipt of txHash and reports the confirmation depth each time it changes
func (c *EVMClient) WatchConfirmations(ctx context.Context, txHash string, _ types.Asset) (<-chan Confirmation, error) {
	if !strings.HasPrefix(txHash, "0x") || len(txHash) != 66 {
		return nil, fmt.Errorf("%w: malformed tx hash %q", types.ErrValidation, txHash)
	}
	hash := common.HexToHash(txHash)
	out := make(chan Confirmation, 1)

	go func() {
		defer close(out)
		ticker := time.NewTicker(c.pollInterval)
		defer ticker.Stop()

		var last uint64
		for {
			conf, done, err := c.observe(ctx, hash)
			switch {
			case err != nil:
				c.logger.WithError(err).WithField("tx", txHash).Debug("Receipt poll failed")
			case done || conf.Count != last:
				last = conf.Count
				select {
				case out <- conf:
				case <-ctx.Done():
					return
				}
				if done {
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return out, nil
}

// observe returns the current confirmation; done is set when the stream should end
func (c *EVMClient) observe(ctx context.Context, hash common.Hash) (Confirmation, bool, error) {
	receipt, err := c.backend.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return Confirmation{}, false, nil
	}
	if err != nil {
		return Confirmation{}, false, err
	}
	height := receipt.BlockNumber.Uint64()
	if receipt.Status == ethtypes.ReceiptStatusFailed {
		return Confirmation{BlockHeight: height, Err: fmt.Errorf("transaction %s reverted", hash.Hex())}, true, nil
	}
	head, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return Confirmation{}, false, err
	}
	var count uint64
	if head >= height {
		count = head - height + 1
	}
	return Confirmation{Count: count, BlockHeight: height}, false, nil
}

var _ Client = (*EVMClient)(nil)
