// Package evm implements the exact payment scheme on EVM networks using
// EIP-3009 TransferWithAuthorization over USDC.
//
// ExactEvmService builds requirements and normalizes payer signatures for the
// engine, ExactEvmFacilitator verifies and settles payloads in process, and
// ExactEvmClient signs payloads for a payer.
package evm
