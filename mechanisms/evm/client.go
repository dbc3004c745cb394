package evm

import (
	"context"
	"fmt"
	"math/big"
	"time"

	tipengine "github.com/tink-protocol/tipengine"
)

// ExactEvmClient signs exact-scheme payment payloads on behalf of a payer
type ExactEvmClient struct {
	signer ClientEvmSigner
	now    func() time.Time
}

// NewExactEvmClient creates a new ExactEvmClient
func NewExactEvmClient(signer ClientEvmSigner) *ExactEvmClient {
	return &ExactEvmClient{
		signer: signer,
		now:    time.Now,
	}
}

// Scheme returns the scheme identifier
func (c *ExactEvmClient) Scheme() string {
	return SchemeExact
}

// CreatePaymentPayload signs a TransferWithAuthorization for the full
// requirement amount, valid until the requirement's timeout elapses
func (c *ExactEvmClient) CreatePaymentPayload(ctx context.Context, requirements tipengine.PaymentRequirements) (tipengine.PaymentPayload, error) {
	network := string(requirements.Network)
	config, err := GetNetworkConfig(network)
	if err != nil {
		return tipengine.PaymentPayload{}, err
	}
	assetInfo, err := GetAssetInfo(network, requirements.Asset)
	if err != nil {
		return tipengine.PaymentPayload{}, err
	}

	value, ok := new(big.Int).SetString(requirements.MaxAmountRequired, 10)
	if !ok {
		return tipengine.PaymentPayload{}, fmt.Errorf("invalid amount: %s", requirements.MaxAmountRequired)
	}

	nonce, err := CreateNonce()
	if err != nil {
		return tipengine.PaymentPayload{}, err
	}

	timeout := time.Duration(requirements.MaxTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = time.Hour
	}
	validAfter, validBefore := CreateValidityWindow(c.now(), timeout)

	tokenName, tokenVersion := assetInfo.Name, assetInfo.Version
	if name, ok := requirements.Extra["name"].(string); ok && name != "" {
		tokenName = name
	}
	if version, ok := requirements.Extra["version"].(string); ok && version != "" {
		tokenVersion = version
	}

	authorization := ExactEIP3009Authorization{
		From:        NormalizeAddress(c.signer.Address()),
		To:          NormalizeAddress(requirements.PayTo),
		Value:       value.String(),
		ValidAfter:  validAfter.String(),
		ValidBefore: validBefore.String(),
		Nonce:       nonce,
	}

	message, err := EIP3009Message(authorization)
	if err != nil {
		return tipengine.PaymentPayload{}, err
	}
	domain := EIP3009Domain(config.ChainID, assetInfo.Address, tokenName, tokenVersion)

	signature, err := c.signer.SignTypedData(ctx, domain, GetEIP3009Types(), "TransferWithAuthorization", message)
	if err != nil {
		return tipengine.PaymentPayload{}, fmt.Errorf("failed to sign authorization: %w", err)
	}

	evmPayload := &ExactEIP3009Payload{
		Signature:     BytesToHex(signature),
		Authorization: authorization,
	}
	return tipengine.PaymentPayload{
		X402Version: X402Version,
		Scheme:      SchemeExact,
		Network:     requirements.Network,
		Payload:     evmPayload.ToMap(),
	}, nil
}
