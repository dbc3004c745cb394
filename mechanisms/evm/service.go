package evm

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	tipengine "github.com/tink-protocol/tipengine"
)

// ExactEvmService builds exact-scheme requirements and prepares payloads for EVM networks
type ExactEvmService struct{}

// NewExactEvmService creates a new ExactEvmService
func NewExactEvmService() *ExactEvmService {
	return &ExactEvmService{}
}

var _ tipengine.SchemeNetworkService = (*ExactEvmService)(nil)

// Scheme returns the scheme identifier
func (s *ExactEvmService) Scheme() string {
	return SchemeExact
}

// ChainID returns the chain id for a network
func (s *ExactEvmService) ChainID(network tipengine.Network) (*big.Int, error) {
	config, err := GetNetworkConfig(string(network))
	if err != nil {
		return nil, err
	}
	return new(big.Int).Set(config.ChainID), nil
}

// BuildRequirements prices amount in the network's USDC and fills the EIP-712
// domain hints the payer needs to sign
func (s *ExactEvmService) BuildRequirements(network tipengine.Network, amount decimal.Decimal, payTo string) (tipengine.PaymentRequirements, error) {
	config, err := GetNetworkConfig(string(network))
	if err != nil {
		return tipengine.PaymentRequirements{}, err
	}
	if !IsValidAddress(payTo) {
		return tipengine.PaymentRequirements{}, fmt.Errorf("invalid payTo address: %s", payTo)
	}
	if !amount.IsPositive() {
		return tipengine.PaymentRequirements{}, fmt.Errorf("amount must be positive: %s", amount)
	}

	asset := config.DefaultAsset
	atomic, err := ToAtomicUnits(amount, asset.Decimals)
	if err != nil {
		return tipengine.PaymentRequirements{}, err
	}

	return tipengine.PaymentRequirements{
		Scheme:            SchemeExact,
		Network:           network,
		MaxAmountRequired: atomic.String(),
		PayTo:             NormalizeAddress(payTo),
		Asset:             asset.Address,
		Extra: map[string]interface{}{
			"name":    asset.Name,
			"version": asset.Version,
			"chainId": config.ChainID.Int64(),
		},
	}, nil
}

// NormalizePayload returns a copy of payload whose signature uses a {27,28} recovery id
func (s *ExactEvmService) NormalizePayload(payload tipengine.PaymentPayload) (tipengine.PaymentPayload, error) {
	chainID, err := s.ChainID(payload.Network)
	if err != nil {
		return payload, err
	}

	evmPayload, err := PayloadFromMap(payload.Payload)
	if err != nil {
		return payload, err
	}
	if evmPayload.Signature == "" {
		return payload, fmt.Errorf("missing signature")
	}

	normalized, err := NormalizeSignatureHex(evmPayload.Signature, chainID)
	if err != nil {
		return payload, err
	}
	evmPayload.Signature = normalized

	out := payload
	out.Payload = evmPayload.ToMap()
	return out, nil
}

// ExplorerTxURL links a transaction on the network's block explorer
func (s *ExactEvmService) ExplorerTxURL(network tipengine.Network, txHash string) string {
	return ExplorerTxURL(string(network), txHash)
}

// ParsePrice parses a display price ("$1.50", "1.50 USDC", "1.5") into a decimal amount
func (s *ExactEvmService) ParsePrice(price string) (decimal.Decimal, error) {
	p := strings.TrimSpace(price)
	p = strings.TrimPrefix(p, "$")
	p = strings.TrimSuffix(p, " USDC")
	p = strings.TrimSuffix(p, " USD")
	p = strings.TrimSpace(p)

	amount, err := decimal.NewFromString(p)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid price format: %s", price)
	}
	return amount, nil
}

// DisplayAmount formats atomic units of a network's asset as a decimal string
func (s *ExactEvmService) DisplayAmount(network tipengine.Network, atomic string) (string, error) {
	config, err := GetNetworkConfig(string(network))
	if err != nil {
		return "", err
	}
	amount, ok := new(big.Int).SetString(atomic, 10)
	if !ok {
		return "", fmt.Errorf("invalid amount: %s", atomic)
	}
	return FormatAmount(amount, config.DefaultAsset.Decimals), nil
}
