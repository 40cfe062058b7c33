package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/wrapbridge/engine/internal/config"
	"github.com/wrapbridge/engine/internal/types"
)

// NodeRPC is the subset of rpcclient.Client used against bitcoind-compatible nodes
// (bitcoind, zcashd and bitcoin cash nodes share these calls)
type NodeRPC interface {
	RawRequest(method string, params []json.RawMessage) (json.RawMessage, error)
	GetRawTransactionVerbose(txHash *chainhash.Hash) (*btcjson.TxRawResult, error)
	GetBlockCount() (int64, error)
}

// UTXOClient reads deposits and confirmations from a native chain node
type UTXOClient struct {
	family       types.Asset
	rpc          NodeRPC
	pollInterval time.Duration
	logger       logrus.FieldLogger
}

// DialUTXO connects to the node configured for family
func DialUTXO(family config.FamilyConfig, logger logrus.FieldLogger) (*UTXOClient, error) {
	if family.RPCHost == "" {
		return nil, fmt.Errorf("no RPC host configured for %s", family.Native)
	}
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         family.RPCHost,
		User:         family.RPCUser,
		Pass:         family.RPCPass,
		HTTPPostMode: true,
		DisableTLS:   true,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s rpc client: %w", family.Native, err)
	}
	return NewUTXOClient(family.Native, client, family.PollInterval, logger), nil
}

// NewUTXOClient wraps rpc for the given native asset family
func NewUTXOClient(family types.Asset, rpc NodeRPC, pollInterval time.Duration, logger logrus.FieldLogger) *UTXOClient {
	return &UTXOClient{
		family:       family.Family(),
		rpc:          rpc,
		pollInterval: pollInterval,
		logger:       logger.WithField("family", family.Family()),
	}
}

type unspentOutput struct {
	TxID          string          `json:"txid"`
	Amount        decimal.Decimal `json:"amount"`
	Confirmations int64           `json:"confirmations"`
}

// GetBalance sums the unspent outputs paying address, including unconfirmed ones.
// The node must be watching the address (gateway deposit addresses are imported by the gateway).
func (c *UTXOClient) GetBalance(_ context.Context, address string, asset types.Asset) (decimal.Decimal, error) {
	if asset.Family() != c.family || asset.IsWrapped() {
		return decimal.Zero, fmt.Errorf("%w: %s node cannot read %s", types.ErrUnsupportedPair, c.family, asset)
	}
	params, err := marshalParams(0, 9999999, []string{address})
	if err != nil {
		return decimal.Zero, err
	}
	raw, err := c.rpc.RawRequest("listunspent", params)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: listunspent: %v", types.ErrTransientNetwork, err)
	}
	var outputs []unspentOutput
	if err := json.Unmarshal(raw, &outputs); err != nil {
		return decimal.Zero, fmt.Errorf("failed to decode listunspent: %w", err)
	}
	total := decimal.Zero
	for _, out := range outputs {
		total = total.Add(out.Amount)
	}
	return total, nil
}

func (c *UTXOClient) Allowance(context.Context, string, string, types.Asset) (decimal.Decimal, error) {
	return decimal.Zero, fmt.Errorf("%w: native %s has no allowance", types.ErrUnsupportedPair, c.family)
}

func (c *UTXOClient) SendApproval(context.Context, string, string, types.Asset, decimal.Decimal) (string, error) {
	return "", fmt.Errorf("%w: native %s has no allowance", types.ErrUnsupportedPair, c.family)
}

// WatchConfirmations polls getrawtransaction and reports the depth whenever it changes.
// A transaction that drops out of the chain after being seen is reported with Err.
func (c *UTXOClient) WatchConfirmations(ctx context.Context, txHash string, _ types.Asset) (<-chan Confirmation, error) {
	hash, err := chainhash.NewHashFromStr(txHash)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed tx hash %q: %v", types.ErrValidation, txHash, err)
	}
	out := make(chan Confirmation, 1)

	go func() {
		defer close(out)
		ticker := time.NewTicker(c.pollInterval)
		defer ticker.Stop()

		var last uint64
		seen := false
		for {
			conf, err := c.observe(hash)
			switch {
			case err != nil:
				c.logger.WithError(err).WithField("tx", txHash).Debug("Confirmation poll failed")
			case seen && conf.Count == 0:
				select {
				case out <- Confirmation{Err: fmt.Errorf("transaction %s left the chain", txHash)}:
				case <-ctx.Done():
				}
				return
			case conf.Count != last:
				seen = true
				last = conf.Count
				select {
				case out <- conf:
				case <-ctx.Done():
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

func (c *UTXOClient) observe(hash *chainhash.Hash) (Confirmation, error) {
	tx, err := c.rpc.GetRawTransactionVerbose(hash)
	if err != nil {
		return Confirmation{}, err
	}
	if tx.Confirmations == 0 {
		return Confirmation{}, nil
	}
	tip, err := c.rpc.GetBlockCount()
	if err != nil {
		return Confirmation{}, err
	}
	var height uint64
	if uint64(tip)+1 >= tx.Confirmations {
		height = uint64(tip) + 1 - tx.Confirmations
	}
	return Confirmation{Count: tx.Confirmations, BlockHeight: height}, nil
}

func marshalParams(params ...interface{}) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(params))
	for _, p := range params {
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("failed to encode rpc param: %w", err)
		}
		out = append(out, raw)
	}
	return out, nil
}

var _ Client = (*UTXOClient)(nil)
