package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateAddress(t *testing.T) {
	tests := []struct {
		name    string
		asset   Asset
		address string
		network Network
		valid   bool
	}{
		{"evm checksummed", AssetWBTC, "0x1234567890123456789012345678901234567890", Mainnet, true},
		{"evm lowercase", AssetWZEC, "0xabcdefabcdefabcdefabcdefabcdefabcdefabcd", Mainnet, true},
		{"evm missing prefix", AssetWBTC, "1234567890123456789012345678901234567890", Mainnet, false},
		{"evm too short", AssetWBTC, "0x123", Mainnet, false},
		{"evm invalid hex", AssetWBCH, "0xGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGG", Mainnet, false},
		{"evm zero address", AssetWBTC, "0x0000000000000000000000000000000000000000", Mainnet, false},
		{"btc p2pkh", AssetBTC, "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", Mainnet, true},
		{"btc p2sh", AssetBTC, "3J98t1WpEZ73CNmQviecrnyiWrnqRhWNLy", Mainnet, true},
		{"btc bech32", AssetBTC, "bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq", Mainnet, true},
		{"btc testnet address on mainnet", AssetBTC, "mipcBbFg9gMiCh81Kj8tqqdgoZub1ZJRfn", Mainnet, false},
		{"btc testnet", AssetBTC, "mipcBbFg9gMiCh81Kj8tqqdgoZub1ZJRfn", Testnet, true},
		{"btc bad checksum", AssetBTC, "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNb", Mainnet, false},
		{"btc evm address", AssetBTC, "0x1234567890123456789012345678901234567890", Mainnet, false},
		{"bch legacy", AssetBCH, "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", Mainnet, true},
		{"bch rejects segwit", AssetBCH, "bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq", Mainnet, false},
		{"zec t1", AssetZEC, "t1Hxw6JqWMnhDK5jRCieg5bFHM2qt7UtQvu", Mainnet, true},
		{"zec t3", AssetZEC, "t3Jex1rKwuh1bQFRrKpKGWDcDVZ8bbQuNrB", Mainnet, true},
		{"zec tm on mainnet", AssetZEC, "tm9ogR9KukTCiTKvrsSxQwFv2x1vhZTydav", Mainnet, false},
		{"zec tm on testnet", AssetZEC, "tm9ogR9KukTCiTKvrsSxQwFv2x1vhZTydav", Testnet, true},
		{"zec btc address", AssetZEC, "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", Mainnet, false},
		{"empty", AssetBTC, "  ", Mainnet, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAddress(tt.asset, tt.address, tt.network)
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidAddress)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestParseNetwork(t *testing.T) {
	n, err := ParseNetwork("")
	require.NoError(t, err)
	assert.Equal(t, Mainnet, n)

	n, err = ParseNetwork("TESTNET")
	require.NoError(t, err)
	assert.Equal(t, Testnet, n)

	_, err = ParseNetwork("regtest")
	assert.Error(t, err)
}

func TestNormalizeOwner(t *testing.T) {
	lower := NormalizeOwner("0xabcdefabcdefabcdefabcdefabcdefabcdefabcd")
	upper := NormalizeOwner("0xABCDEFABCDEFABCDEFABCDEFABCDEFABCDEFABCD")
	assert.Equal(t, lower, upper)
	assert.Equal(t, "0x1234567890123456789012345678901234567890", NormalizeOwner("0x1234567890123456789012345678901234567890"))
	assert.Equal(t, "not-an-evm-owner", NormalizeOwner(" not-an-evm-owner "))
}

func TestToEVMAddress(t *testing.T) {
	addr, err := ToEVMAddress("0x1234567890123456789012345678901234567890")
	require.NoError(t, err)
	assert.Equal(t, "0x1234567890123456789012345678901234567890", addr.Hex())

	_, err = ToEVMAddress("1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa")
	assert.ErrorIs(t, err, ErrInvalidAddress)
}
