// Package evm provides key-backed signers for the exact EVM scheme.
package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	tipevm "github.com/tink-protocol/tipengine/mechanisms/evm"
)

// ClientSigner implements tipevm.ClientEvmSigner using an ECDSA private key
type ClientSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

var _ tipevm.ClientEvmSigner = (*ClientSigner)(nil)

// NewClientSignerFromPrivateKey creates a client signer from a hex-encoded private key.
//
// Example:
//
//	signer, err := evm.NewClientSignerFromPrivateKey("0x1234...")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	payload, err := tipevm.NewExactEvmClient(signer).CreatePaymentPayload(ctx, requirements)
func NewClientSignerFromPrivateKey(privateKeyHex string) (*ClientSigner, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return NewClientSigner(privateKey), nil
}

// NewClientSigner wraps an existing key
func NewClientSigner(privateKey *ecdsa.PrivateKey) *ClientSigner {
	return &ClientSigner{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}
}

// Address returns the Ethereum address of the signer
func (s *ClientSigner) Address() string {
	return s.address.Hex()
}

// SignTypedData signs EIP-712 typed data and returns r || s || v with v in {27,28}
func (s *ClientSigner) SignTypedData(
	ctx context.Context,
	domain tipevm.TypedDataDomain,
	types map[string][]tipevm.TypedDataField,
	primaryType string,
	message map[string]interface{},
) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	digest, err := tipevm.HashTypedData(domain, types, primaryType, message)
	if err != nil {
		return nil, err
	}

	signature, err := crypto.Sign(digest, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}

	// Recovery id 0/1 -> 27/28
	signature[64] += 27
	return signature, nil
}
