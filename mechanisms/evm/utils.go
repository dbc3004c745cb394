package evm

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// GetNetworkConfig returns the configuration for a network name
func GetNetworkConfig(network string) (*NetworkConfig, error) {
	if config, ok := NetworkConfigs[network]; ok {
		return &config, nil
	}
	return nil, fmt.Errorf("unsupported network: %s", network)
}

// IsValidNetwork reports whether the network has a configuration
func IsValidNetwork(network string) bool {
	_, ok := NetworkConfigs[network]
	return ok
}

// SupportedNetworks returns configured network names in stable order
func SupportedNetworks() []string {
	networks := make([]string, 0, len(NetworkConfigs))
	for network := range NetworkConfigs {
		networks = append(networks, network)
	}
	sort.Strings(networks)
	return networks
}

// GetAssetInfo returns the asset for a network. An empty asset selects the
// network default; any other value must match the default asset's address.
func GetAssetInfo(network string, asset string) (*AssetInfo, error) {
	config, err := GetNetworkConfig(network)
	if err != nil {
		return nil, err
	}
	if asset == "" || strings.EqualFold(asset, config.DefaultAsset.Address) {
		return &config.DefaultAsset, nil
	}
	return nil, fmt.Errorf("unsupported asset %s on %s", asset, network)
}

// IsValidAddress reports whether s is a 0x-prefixed 20-byte hex address
func IsValidAddress(s string) bool {
	return strings.HasPrefix(s, "0x") && common.IsHexAddress(s)
}

// NormalizeAddress returns the EIP-55 checksummed form of an address
func NormalizeAddress(s string) string {
	return common.HexToAddress(s).Hex()
}

// ToAtomicUnits scales a decimal token amount to the asset's smallest unit.
// Amounts with more precision than the asset supports are rejected.
func ToAtomicUnits(amount decimal.Decimal, decimals int) (*big.Int, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("negative amount: %s", amount)
	}
	scaled := amount.Shift(int32(decimals))
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("amount %s exceeds %d decimal places", amount, decimals)
	}
	return scaled.BigInt(), nil
}

// ParseAmount parses a decimal string into atomic units
func ParseAmount(amount string, decimals int) (*big.Int, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(amount))
	if err != nil {
		return nil, fmt.Errorf("invalid amount %q: %w", amount, err)
	}
	return ToAtomicUnits(d, decimals)
}

// FromAtomicUnits converts atomic units back to a decimal token amount
func FromAtomicUnits(amount *big.Int, decimals int) decimal.Decimal {
	return decimal.NewFromBigInt(amount, -int32(decimals))
}

// FormatAmount renders atomic units with the asset's decimals
func FormatAmount(amount *big.Int, decimals int) string {
	return FromAtomicUnits(amount, decimals).StringFixed(int32(decimals))
}

// HexToBytes decodes a hex string with or without a 0x prefix
func HexToBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if len(s)%2 == 1 {
		s = "0" + s
	}
	return hex.DecodeString(s)
}

// BytesToHex encodes bytes as a 0x-prefixed hex string
func BytesToHex(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}

// CreateNonce returns a random 32-byte nonce as hex
func CreateNonce() (string, error) {
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	return BytesToHex(nonce), nil
}

// CreateValidityWindow returns validAfter/validBefore unix timestamps around now.
// validAfter is backdated slightly to tolerate clock skew between payer and chain.
func CreateValidityWindow(now time.Time, duration time.Duration) (*big.Int, *big.Int) {
	validAfter := big.NewInt(now.Add(-10 * time.Minute).Unix())
	validBefore := big.NewInt(now.Add(duration).Unix())
	return validAfter, validBefore
}

// ExplorerTxURL returns the block explorer link for a transaction
func ExplorerTxURL(network string, txHash string) string {
	config, err := GetNetworkConfig(network)
	if err != nil || txHash == "" {
		return ""
	}
	return config.ExplorerURL + "/tx/" + txHash
}
