package types

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
)

// Network selects mainnet or testnet address formats
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
)

// ParseNetwork parses a network name, defaulting to mainnet when empty
func ParseNetwork(s string) (Network, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "mainnet", "main":
		return Mainnet, nil
	case "testnet", "test":
		return Testnet, nil
	}
	return "", fmt.Errorf("unknown network %q", s)
}

// ChainParams returns the btcd chain parameters for BTC-style legacy addresses
func (n Network) ChainParams() *chaincfg.Params {
	if n == Testnet {
		return &chaincfg.TestNet3Params
	}
	return &chaincfg.MainNetParams
}

// zcash transparent address prefixes (two version bytes)
var zcashPrefixes = map[Network][][2]byte{
	Mainnet: {{0x1c, 0xb8}, {0x1c, 0xbd}}, // t1, t3
	Testnet: {{0x1d, 0x25}, {0x1c, 0xba}}, // tm, t2
}

// ValidateAddress checks that address is a well-formed receiving address for asset on network
func ValidateAddress(asset Asset, address string, network Network) error {
	address = strings.TrimSpace(address)
	if address == "" {
		return fmt.Errorf("%w: empty address", ErrInvalidAddress)
	}

	var err error
	switch asset {
	case AssetWBTC, AssetWZEC, AssetWBCH:
		err = validateEVMAddress(address)
	case AssetBTC:
		err = validateBitcoinAddress(address, network, true)
	case AssetBCH:
		// cashaddr is not supported, only the legacy base58 format
		err = validateBitcoinAddress(address, network, false)
	case AssetZEC:
		err = validateZcashAddress(address, network)
	default:
		return fmt.Errorf("%w: unsupported asset %s", ErrInvalidAddress, asset)
	}
	if err != nil {
		return fmt.Errorf("%w: %s address %q: %v", ErrInvalidAddress, asset, address, err)
	}
	return nil
}

func validateEVMAddress(address string) error {
	if !strings.HasPrefix(address, "0x") && !strings.HasPrefix(address, "0X") {
		return fmt.Errorf("missing 0x prefix")
	}
	if !common.IsHexAddress(address) {
		return fmt.Errorf("not a 20-byte hex address")
	}
	if common.HexToAddress(address) == (common.Address{}) {
		return fmt.Errorf("zero address")
	}
	return nil
}

func validateBitcoinAddress(address string, network Network, allowSegwit bool) error {
	params := network.ChainParams()
	decoded, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return err
	}
	if !decoded.IsForNet(params) {
		return fmt.Errorf("address is for another network")
	}
	switch decoded.(type) {
	case *btcutil.AddressPubKeyHash, *btcutil.AddressScriptHash:
		return nil
	case *btcutil.AddressWitnessPubKeyHash, *btcutil.AddressWitnessScriptHash, *btcutil.AddressTaproot:
		if allowSegwit {
			return nil
		}
		return fmt.Errorf("segwit addresses are not supported")
	}
	return fmt.Errorf("unsupported address type %T", decoded)
}

func validateZcashAddress(address string, network Network) error {
	payload, version, err := base58.CheckDecode(address)
	if err != nil {
		return err
	}
	// CheckDecode splits off the first version byte only
	if len(payload) != 21 {
		return fmt.Errorf("unexpected payload length %d", len(payload))
	}
	for _, prefix := range zcashPrefixes[network] {
		if version == prefix[0] && payload[0] == prefix[1] {
			return nil
		}
	}
	return fmt.Errorf("not a transparent address for %s", network)
}

// ToEVMAddress converts a string address to common.Address for allowance and balance calls
func ToEVMAddress(address string) (common.Address, error) {
	if err := validateEVMAddress(address); err != nil {
		return common.Address{}, fmt.Errorf("%w: %q: %v", ErrInvalidAddress, address, err)
	}
	return common.HexToAddress(address), nil
}

// NormalizeOwner returns the checksummed form of an EVM owner address and leaves other formats untouched
func NormalizeOwner(owner string) string {
	owner = strings.TrimSpace(owner)
	if common.IsHexAddress(owner) {
		return common.HexToAddress(owner).Hex()
	}
	return owner
}
