package evm

import (
	"math/big"
)

const (
	// Scheme identifier
	SchemeExact = "exact"

	// X402Version is the protocol version carried in requirements and payloads
	X402Version = 1

	// Default token decimals for USDC
	DefaultDecimals = 6

	// EIP-3009 function names
	FunctionTransferWithAuthorization = "transferWithAuthorization"
	FunctionAuthorizationState        = "authorizationState"
	FunctionBalanceOf                 = "balanceOf"

	// Transaction status
	TxStatusSuccess = 1
	TxStatusFailed  = 0

	// ValidBeforeBuffer is the margin (seconds) required before validBefore to account for block time
	ValidBeforeBuffer = 6

	// Network names
	NetworkAvalanche     = "avalanche"
	NetworkAvalancheFuji = "avalanche-fuji"

	// Verify/settle failure reasons
	ErrUnsupportedVersion    = "unsupported_x402_version"
	ErrInvalidScheme         = "invalid_scheme"
	ErrNetworkMismatch       = "network_mismatch"
	ErrUnsupportedNetwork    = "unsupported_network"
	ErrInvalidPayload        = "invalid_exact_evm_payload"
	ErrMissingSignature      = "missing_signature"
	ErrInvalidSignature      = "invalid_exact_evm_payload_signature"
	ErrRecipientMismatch     = "invalid_exact_evm_payload_recipient_mismatch"
	ErrInsufficientAmount    = "invalid_exact_evm_payload_authorization_value"
	ErrAuthorizationExpired  = "invalid_exact_evm_payload_authorization_valid_before"
	ErrAuthorizationTooEarly = "invalid_exact_evm_payload_authorization_valid_after"
	ErrNonceAlreadyUsed      = "invalid_exact_evm_payload_authorization_nonce"
	ErrInsufficientFunds     = "insufficient_funds"
	ErrTransactionFailed     = "invalid_transaction_state"
)

var (
	// Network chain IDs
	ChainIDAvalanche     = big.NewInt(43114)
	ChainIDAvalancheFuji = big.NewInt(43113)

	// Network configurations
	NetworkConfigs = map[string]NetworkConfig{
		NetworkAvalanche: {
			ChainID:     ChainIDAvalanche,
			ExplorerURL: "https://snowtrace.io",
			DefaultAsset: AssetInfo{
				Address:  "0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E", // USDC on Avalanche C-Chain
				Name:     "USD Coin",
				Version:  "2",
				Decimals: DefaultDecimals,
			},
		},
		NetworkAvalancheFuji: {
			ChainID:     ChainIDAvalancheFuji,
			ExplorerURL: "https://testnet.snowtrace.io",
			DefaultAsset: AssetInfo{
				Address:  "0x5425890298aed601595a70AB815c96711a31Bc65", // USDC on Fuji
				Name:     "USD Coin",
				Version:  "2",
				Decimals: DefaultDecimals,
			},
		},
	}

	TransferWithAuthorizationABI = []byte(`[
		{
			"inputs": [
				{"name": "from", "type": "address"},
				{"name": "to", "type": "address"},
				{"name": "value", "type": "uint256"},
				{"name": "validAfter", "type": "uint256"},
				{"name": "validBefore", "type": "uint256"},
				{"name": "nonce", "type": "bytes32"},
				{"name": "v", "type": "uint8"},
				{"name": "r", "type": "bytes32"},
				{"name": "s", "type": "bytes32"}
			],
			"name": "transferWithAuthorization",
			"outputs": [],
			"stateMutability": "nonpayable",
			"type": "function"
		},
		{
			"inputs": [
				{"name": "authorizer", "type": "address"},
				{"name": "nonce", "type": "bytes32"}
			],
			"name": "authorizationState",
			"outputs": [{"name": "", "type": "bool"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)

	ERC20BalanceOfABI = []byte(`[
		{
			"inputs": [{"name": "account", "type": "address"}],
			"name": "balanceOf",
			"outputs": [{"name": "", "type": "uint256"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`)
)

// eip712DomainFields is the domain layout used by USDC
var eip712DomainFields = []TypedDataField{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

// GetEIP3009Types returns the EIP-712 types for TransferWithAuthorization
func GetEIP3009Types() map[string][]TypedDataField {
	return map[string][]TypedDataField{
		"EIP712Domain": eip712DomainFields,
		"TransferWithAuthorization": {
			{Name: "from", Type: "address"},
			{Name: "to", Type: "address"},
			{Name: "value", Type: "uint256"},
			{Name: "validAfter", Type: "uint256"},
			{Name: "validBefore", Type: "uint256"},
			{Name: "nonce", Type: "bytes32"},
		},
	}
}
