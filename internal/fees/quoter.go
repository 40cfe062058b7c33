package fees

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/wrapbridge/engine/internal/config"
	"github.com/wrapbridge/engine/internal/metrics"
	"github.com/wrapbridge/engine/internal/types"
)

var bpsDivisor = decimal.NewFromInt(10000)

// NetworkFeeEstimator supplies a live network fee, typically the gateway's current estimate
type NetworkFeeEstimator interface {
	EstimateNetworkFee(ctx context.Context, asset types.Asset, direction types.Direction) (decimal.Decimal, error)
}

// Quoter computes protocol and network fees for a proposed conversion.
// It has no side effects; freezing the result into a Transaction is the caller's job.
type Quoter struct {
	estimator NetworkFeeEstimator
	families  func(types.Asset) (config.FamilyConfig, error)
	logger    logrus.FieldLogger
}

// Option configures a Quoter
type Option func(*Quoter)

// WithEstimator makes the quoter prefer a live network fee over the static schedule
func WithEstimator(e NetworkFeeEstimator) Option {
	return func(q *Quoter) { q.estimator = e }
}

// WithFamilies overrides the fee schedule lookup
func WithFamilies(lookup func(types.Asset) (config.FamilyConfig, error)) Option {
	return func(q *Quoter) { q.families = lookup }
}

// NewQuoter creates a quoter backed by config.Networks
func NewQuoter(logger logrus.FieldLogger, opts ...Option) *Quoter {
	q := &Quoter{
		families: config.GetFamilyConfig,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Quote returns the fees for converting amount of source into dest
func (q *Quoter) Quote(ctx context.Context, source, dest types.Asset, amount decimal.Decimal) (types.Fees, error) {
	fees, err := q.quote(ctx, source, dest, amount)
	metrics.QuotesTotal.WithLabelValues(string(source), quoteResult(err)).Inc()
	return fees, err
}

// MinimumAmount returns the dust threshold for an asset; valid amounts must be strictly greater
func (q *Quoter) MinimumAmount(asset types.Asset) (decimal.Decimal, error) {
	family, err := q.families(asset)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", types.ErrUnsupportedPair, err)
	}
	return family.DustThreshold, nil
}

func (q *Quoter) quote(ctx context.Context, source, dest types.Asset, amount decimal.Decimal) (types.Fees, error) {
	direction := types.DirectionFor(source)
	if err := types.ValidatePair(direction, source, dest); err != nil {
		return types.Fees{}, err
	}
	family, err := q.families(source)
	if err != nil {
		return types.Fees{}, fmt.Errorf("%w: %v", types.ErrQuoteUnavailable, err)
	}

	if !amount.IsPositive() {
		return types.Fees{}, fmt.Errorf("%w: amount must be positive, got %s", types.ErrInvalidAmount, amount)
	}
	if !amount.Equal(amount.Truncate(types.AssetDecimals)) {
		return types.Fees{}, fmt.Errorf("%w: %s has more than %d decimals", types.ErrInvalidAmount, amount, types.AssetDecimals)
	}
	if amount.LessThanOrEqual(family.DustThreshold) {
		return types.Fees{}, fmt.Errorf("%w: %s %s is at or below the minimum of %s", types.ErrInvalidAmount, amount, source, family.DustThreshold)
	}

	bps, networkFee := family.MintFeeBps, family.MintNetworkFee
	if direction == types.FromTarget {
		bps, networkFee = family.ReleaseFeeBps, family.ReleaseNetworkFee
	}

	if q.estimator != nil {
		live, err := q.estimator.EstimateNetworkFee(ctx, source, direction)
		if err != nil {
			return types.Fees{}, fmt.Errorf("%w: network fee estimate for %s: %v", types.ErrQuoteUnavailable, source, err)
		}
		if live.IsNegative() {
			return types.Fees{}, fmt.Errorf("%w: negative network fee estimate %s", types.ErrQuoteUnavailable, live)
		}
		networkFee = live.RoundCeil(types.AssetDecimals)
	}

	protocolFee := amount.Mul(decimal.NewFromInt(bps)).Div(bpsDivisor).RoundCeil(types.AssetDecimals)
	after := amount.Sub(protocolFee).Sub(networkFee)
	if after.IsNegative() {
		return types.Fees{}, fmt.Errorf("%w: fees of %s exceed %s %s", types.ErrInvalidAmount, protocolFee.Add(networkFee), amount, source)
	}

	fees := types.Fees{
		ProtocolFee:     protocolFee,
		NetworkFee:      networkFee,
		AmountAfterFees: after,
		ExchangeRate:    decimal.NewFromInt(1),
	}
	q.logger.WithFields(logrus.Fields{
		"source":   source,
		"dest":     dest,
		"amount":   amount.String(),
		"protocol": protocolFee.String(),
		"network":  networkFee.String(),
	}).Debug("💱 Quoted conversion")
	return fees, nil
}

func quoteResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, types.ErrValidation):
		return "invalid"
	default:
		return "unavailable"
	}
}
