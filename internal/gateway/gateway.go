// Package gateway is the client for the mint/release gateway that issues deposit
// addresses, accepts submissions and reports their progress.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/rpc"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/wrapbridge/engine/internal/types"
)

// State reported by the gateway for a submission
type State string

const (
	StatePending    State = "pending"
	StateAccepted   State = "accepted"
	StateConfirming State = "confirming"
	StateCompleted  State = "completed"
	StateRejected   State = "rejected"
)

// StatusReport is one status answer for a gateway ref
type StatusReport struct {
	State         State  `json:"state"`
	Confirmations uint64 `json:"confirmations,omitempty"`
	BlockHeight   uint64 `json:"blockHeight,omitempty"`
	// TxHash is the settlement transaction whose confirmations are watched
	TxHash string `json:"txHash,omitempty"`
	Reason string `json:"reason,omitempty"`
	// NextToken is passed back on the next Status call to resume from this point
	NextToken string `json:"nextToken,omitempty"`
}

// Service is what the orchestrator and monitor need from the gateway
type Service interface {
	DepositAddress(ctx context.Context, tx types.Transaction) (string, error)
	// Submit hands a funded transaction to the gateway and returns its ref
	Submit(ctx context.Context, tx types.Transaction) (string, error)
	Status(ctx context.Context, ref, token string) (StatusReport, error)
	EstimateNetworkFee(ctx context.Context, asset types.Asset, direction types.Direction) (decimal.Decimal, error)
}

// TxRequest is the wire form of a transaction sent to the gateway
type TxRequest struct {
	ID              string          `json:"id"`
	Direction       types.Direction `json:"direction"`
	Owner           string          `json:"owner"`
	SourceAsset     types.Asset     `json:"sourceAsset"`
	DestAsset       types.Asset     `json:"destAsset"`
	Amount          string          `json:"amount"`
	AmountAfterFees string          `json:"amountAfterFees,omitempty"`
	DestAddress     string          `json:"destAddress"`
	DepositAddress  string          `json:"depositAddress,omitempty"`
}

// SubmitResult is the gateway's answer to a submission
type SubmitResult struct {
	Ref      string `json:"ref"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// FeeRequest asks for the current network fee of one leg
type FeeRequest struct {
	Asset     types.Asset     `json:"asset"`
	Direction types.Direction `json:"direction"`
}

func newTxRequest(tx types.Transaction) TxRequest {
	req := TxRequest{
		ID:             tx.ID,
		Direction:      tx.Direction,
		Owner:          tx.Owner,
		SourceAsset:    tx.SourceAsset,
		DestAsset:      tx.DestAsset,
		Amount:         tx.Amount.String(),
		DestAddress:    tx.DestAddress,
		DepositAddress: tx.DepositAddress,
	}
	if tx.Fees != nil {
		req.AmountAfterFees = tx.Fees.AmountAfterFees.String()
	}
	return req
}

// Client talks JSON-RPC to the gateway under the "gateway" namespace
type Client struct {
	rpc     *rpc.Client
	timeout time.Duration
	logger  logrus.FieldLogger
}

// Dial connects to the gateway at url (http, ws or ipc)
func Dial(ctx context.Context, url string, logger logrus.FieldLogger) (*Client, error) {
	c, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial gateway %s: %w", url, err)
	}
	return NewClient(c, logger), nil
}

// NewClient wraps an established rpc client
func NewClient(c *rpc.Client, logger logrus.FieldLogger) *Client {
	return &Client{rpc: c, timeout: 30 * time.Second, logger: logger}
}

// Close releases the connection
func (c *Client) Close() {
	c.rpc.Close()
}

func (c *Client) call(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return c.rpc.CallContext(ctx, result, method, args...)
}

// classify separates answers from the gateway (rejections) from failures to reach it
func classify(method string, err error) error {
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return fmt.Errorf("%w: %s: %v", types.ErrGatewayRejected, method, err)
	}
	return fmt.Errorf("%w: %s: %v", types.ErrTransientNetwork, method, err)
}

func (c *Client) DepositAddress(ctx context.Context, tx types.Transaction) (string, error) {
	var addr string
	if err := c.call(ctx, &addr, "gateway_depositAddress", newTxRequest(tx)); err != nil {
		return "", classify("depositAddress", err)
	}
	if addr == "" {
		return "", fmt.Errorf("%w: empty deposit address for %s", types.ErrGatewayRejected, tx.ID)
	}
	return addr, nil
}

func (c *Client) Submit(ctx context.Context, tx types.Transaction) (string, error) {
	var result SubmitResult
	if err := c.call(ctx, &result, "gateway_submitTx", newTxRequest(tx)); err != nil {
		return "", classify("submitTx", err)
	}
	if !result.Accepted {
		return "", fmt.Errorf("%w: %s", types.ErrGatewayRejected, result.Reason)
	}
	if result.Ref == "" {
		return "", fmt.Errorf("%w: accepted without a ref", types.ErrGatewayRejected)
	}
	c.logger.WithFields(logrus.Fields{"tx": tx.ID, "ref": result.Ref}).Info("📤 Submitted to gateway")
	return result.Ref, nil
}

func (c *Client) Status(ctx context.Context, ref, token string) (StatusReport, error) {
	var report StatusReport
	if err := c.call(ctx, &report, "gateway_queryTx", ref, token); err != nil {
		// a failed status read never decides the outcome, so it is always retryable
		return StatusReport{}, fmt.Errorf("%w: queryTx: %v", types.ErrTransientNetwork, err)
	}
	switch report.State {
	case StatePending, StateAccepted, StateConfirming, StateCompleted, StateRejected:
	default:
		return StatusReport{}, fmt.Errorf("%w: unknown gateway state %q", types.ErrValidation, report.State)
	}
	return report, nil
}

func (c *Client) EstimateNetworkFee(ctx context.Context, asset types.Asset, direction types.Direction) (decimal.Decimal, error) {
	var fee decimal.Decimal
	if err := c.call(ctx, &fee, "gateway_estimateFees", FeeRequest{Asset: asset, Direction: direction}); err != nil {
		return decimal.Zero, classify("estimateFees", err)
	}
	return fee, nil
}

var _ Service = (*Client)(nil)
