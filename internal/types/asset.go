package types

import (
	"fmt"
	"strings"
)

// Asset identifies a native asset or its wrapped ERC20 counterpart
type Asset string

const (
	AssetBTC  Asset = "BTC"
	AssetZEC  Asset = "ZEC"
	AssetBCH  Asset = "BCH"
	AssetWBTC Asset = "WBTC"
	AssetWZEC Asset = "WZEC"
	AssetWBCH Asset = "WBCH"
)

// AssetDecimals is the precision shared by every supported asset (satoshi-level).
const AssetDecimals int32 = 8

var counterparts = map[Asset]Asset{
	AssetBTC:  AssetWBTC,
	AssetZEC:  AssetWZEC,
	AssetBCH:  AssetWBCH,
	AssetWBTC: AssetBTC,
	AssetWZEC: AssetZEC,
	AssetWBCH: AssetBCH,
}

// Assets lists every supported asset, natives first
var Assets = []Asset{AssetBTC, AssetZEC, AssetBCH, AssetWBTC, AssetWZEC, AssetWBCH}

// ParseAsset accepts the canonical symbol or the wBTC/renBTC style spellings
func ParseAsset(s string) (Asset, error) {
	upper := strings.ToUpper(strings.TrimSpace(s))
	if strings.HasPrefix(upper, "REN") {
		upper = "W" + strings.TrimPrefix(upper, "REN")
	}
	a := Asset(upper)
	if _, ok := counterparts[a]; !ok {
		return "", fmt.Errorf("%w: unknown asset %q", ErrUnsupportedPair, s)
	}
	return a, nil
}

// IsValid reports whether the asset is supported
func (a Asset) IsValid() bool {
	_, ok := counterparts[a]
	return ok
}

// IsWrapped reports whether the asset lives on the target (smart-contract) chain
func (a Asset) IsWrapped() bool {
	return a == AssetWBTC || a == AssetWZEC || a == AssetWBCH
}

// Family returns the native asset backing a
func (a Asset) Family() Asset {
	if a.IsWrapped() {
		return counterparts[a]
	}
	return a
}

// Counterpart returns the other side of the peg
func (a Asset) Counterpart() Asset { return counterparts[a] }

// Direction of a conversion
type Direction string

const (
	// ToTarget mints the wrapped asset from a native deposit
	ToTarget Direction = "deposit"
	// FromTarget burns the wrapped asset and releases the native one
	FromTarget Direction = "withdraw"
)

// ValidatePair checks that source and dest form a peg in the given direction
func ValidatePair(direction Direction, source, dest Asset) error {
	if !source.IsValid() || !dest.IsValid() {
		return fmt.Errorf("%w: %s -> %s", ErrUnsupportedPair, source, dest)
	}
	if source.Counterpart() != dest {
		return fmt.Errorf("%w: %s is not the counterpart of %s", ErrUnsupportedPair, dest, source)
	}
	switch direction {
	case ToTarget:
		if source.IsWrapped() {
			return fmt.Errorf("%w: mint must start from a native asset, got %s", ErrUnsupportedPair, source)
		}
	case FromTarget:
		if !source.IsWrapped() {
			return fmt.Errorf("%w: release must start from a wrapped asset, got %s", ErrUnsupportedPair, source)
		}
	default:
		return fmt.Errorf("%w: unknown direction %q", ErrValidation, direction)
	}
	return nil
}

// DirectionFor infers the direction from the source asset
func DirectionFor(source Asset) Direction {
	if source.IsWrapped() {
		return FromTarget
	}
	return ToTarget
}
