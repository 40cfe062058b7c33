package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wrapbridge/engine/internal/types"
)

// FamilyConfig is the per-asset-family configuration shared by a native asset and its wrapped counterpart
type FamilyConfig struct {
	Native  types.Asset
	Wrapped types.Asset

	// Fee schedule
	DustThreshold     decimal.Decimal // amounts at or below this are rejected
	MintFeeBps        int64
	ReleaseFeeBps     int64
	MintNetworkFee    decimal.Decimal
	ReleaseNetworkFee decimal.Decimal

	// Contracts on the target chain
	TokenAddress   string // wrapped ERC20
	AdapterAddress string // spender that burns on release

	// Monitor-specific configuration
	PollInterval          time.Duration
	RequiredConfirmations uint64
	ConfirmTimeout        time.Duration

	// Native chain node (bitcoind-compatible JSON-RPC)
	RPCHost string
	RPCUser string
	RPCPass string
}

// getEnvWithDefault gets an environment variable with a default fallback
func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvUint64 gets an environment variable as uint64 with a default fallback
func getEnvUint64(key string, defaultValue uint64) uint64 {
	if value := os.Getenv(key); value != "" {
		var result uint64
		if _, err := fmt.Sscanf(value, "%d", &result); err == nil {
			return result
		}
	}
	return defaultValue
}

// getEnvInt64 gets an environment variable as int64 with a default fallback
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		var result int64
		if _, err := fmt.Sscanf(value, "%d", &result); err == nil {
			return result
		}
	}
	return defaultValue
}

// getEnvDecimal gets an environment variable as a decimal with a default fallback
func getEnvDecimal(key, defaultValue string) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if parsed, err := decimal.NewFromString(value); err == nil {
			return parsed
		}
	}
	return decimal.RequireFromString(defaultValue)
}

// getEnvDuration gets an environment variable as a duration with a default fallback
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func newFamily(native, wrapped types.Asset, poll time.Duration, confirmations uint64, mintNetworkFee, releaseNetworkFee string) FamilyConfig {
	p := string(native) + "_"
	return FamilyConfig{
		Native:                native,
		Wrapped:               wrapped,
		DustThreshold:         getEnvDecimal(p+"DUST_THRESHOLD", getEnvWithDefault("DUST_THRESHOLD", "0.00010001")),
		MintFeeBps:            getEnvInt64(p+"MINT_FEE_BPS", 10),
		ReleaseFeeBps:         getEnvInt64(p+"RELEASE_FEE_BPS", 10),
		MintNetworkFee:        getEnvDecimal(p+"MINT_NETWORK_FEE", mintNetworkFee),
		ReleaseNetworkFee:     getEnvDecimal(p+"RELEASE_NETWORK_FEE", releaseNetworkFee),
		TokenAddress:          getEnvWithDefault(p+"TOKEN_ADDRESS", ""),
		AdapterAddress:        getEnvWithDefault(p+"ADAPTER_ADDRESS", ""),
		PollInterval:          getEnvDuration(p+"POLL_INTERVAL", getEnvDuration("POLL_INTERVAL", poll)),
		RequiredConfirmations: getEnvUint64(p+"CONFIRMATIONS", confirmations),
		ConfirmTimeout:        getEnvDuration(p+"CONFIRM_TIMEOUT", getEnvDuration("CONFIRM_TIMEOUT", 6*time.Hour)),
		RPCHost:               getEnvWithDefault(p+"RPC_HOST", ""),
		RPCUser:               getEnvWithDefault(p+"RPC_USER", ""),
		RPCPass:               getEnvWithDefault(p+"RPC_PASS", ""),
	}
}

// Networks contains the configuration for every asset family, keyed by native asset
var Networks = map[types.Asset]FamilyConfig{}

// InitializeNetworks (re)builds Networks from the environment; call it after .env is loaded
func InitializeNetworks() {
	Networks = map[types.Asset]FamilyConfig{
		types.AssetBTC: newFamily(types.AssetBTC, types.AssetWBTC, 10*time.Second, 6, "0.00001", "0.00001"),
		types.AssetZEC: newFamily(types.AssetZEC, types.AssetWZEC, 5*time.Second, 24, "0.00001", "0.00001"),
		types.AssetBCH: newFamily(types.AssetBCH, types.AssetWBCH, 10*time.Second, 15, "0.00001", "0.00001"),
	}
}

func init() {
	InitializeNetworks()
}

// GetFamilyConfig returns the configuration for the family an asset belongs to
func GetFamilyConfig(asset types.Asset) (FamilyConfig, error) {
	if cfg, exists := Networks[asset.Family()]; exists {
		return cfg, nil
	}
	return FamilyConfig{}, fmt.Errorf("network not found for asset: %s", asset)
}

// ValidateNetworks checks every family's fee schedule; run it after InitializeNetworks
func ValidateNetworks() error {
	for _, family := range Networks {
		if err := family.ValidateFeeSchedule(); err != nil {
			return err
		}
	}
	return nil
}

// GetAdapterAddress returns the spender contract approvals must target for a wrapped asset
func GetAdapterAddress(asset types.Asset) (string, error) {
	cfg, err := GetFamilyConfig(asset)
	if err != nil {
		return "", err
	}
	if cfg.AdapterAddress == "" {
		return "", fmt.Errorf("no adapter configured for %s (set %s_ADAPTER_ADDRESS)", asset, strings.ToUpper(string(cfg.Native)))
	}
	return cfg.AdapterAddress, nil
}

// ValidateFeeSchedule checks that no amount above the dust threshold can end up with negative amountAfterFees
func (f FamilyConfig) ValidateFeeSchedule() error {
	for _, leg := range []struct {
		bps int64
		fee decimal.Decimal
	}{{f.MintFeeBps, f.MintNetworkFee}, {f.ReleaseFeeBps, f.ReleaseNetworkFee}} {
		if leg.bps < 0 || leg.bps >= 10000 || leg.fee.IsNegative() {
			return fmt.Errorf("%s: invalid fee schedule", f.Native)
		}
		// smallest accepted amount is one satoshi above the threshold
		smallest := f.DustThreshold.Add(decimal.New(1, -types.AssetDecimals))
		protocol := smallest.Mul(decimal.NewFromInt(leg.bps)).Div(decimal.NewFromInt(10000)).RoundCeil(types.AssetDecimals)
		if smallest.Sub(protocol).Sub(leg.fee).IsNegative() {
			return fmt.Errorf("%s: dust threshold %s is below the fees it must cover", f.Native, f.DustThreshold)
		}
	}
	return nil
}
