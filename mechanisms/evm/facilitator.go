package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	tipengine "github.com/tink-protocol/tipengine"
)

// ExactEvmFacilitator verifies and settles exact-scheme payments in process.
// It satisfies tipengine.FacilitatorClient so an engine can settle without a
// remote facilitator.
type ExactEvmFacilitator struct {
	signer   FacilitatorEvmSigner
	networks []string
	now      func() time.Time
}

// FacilitatorOption configures an ExactEvmFacilitator
type FacilitatorOption func(*ExactEvmFacilitator)

// WithNetworks restricts the networks the facilitator accepts
func WithNetworks(networks ...string) FacilitatorOption {
	return func(f *ExactEvmFacilitator) {
		f.networks = networks
	}
}

// WithFacilitatorClock overrides the time source used for validity windows
func WithFacilitatorClock(now func() time.Time) FacilitatorOption {
	return func(f *ExactEvmFacilitator) {
		f.now = now
	}
}

// NewExactEvmFacilitator creates a new ExactEvmFacilitator
func NewExactEvmFacilitator(signer FacilitatorEvmSigner, opts ...FacilitatorOption) *ExactEvmFacilitator {
	f := &ExactEvmFacilitator{
		signer:   signer,
		networks: SupportedNetworks(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

var _ tipengine.FacilitatorClient = (*ExactEvmFacilitator)(nil)

// Scheme returns the scheme identifier
func (f *ExactEvmFacilitator) Scheme() string {
	return SchemeExact
}

func (f *ExactEvmFacilitator) handles(network string) bool {
	for _, n := range f.networks {
		if n == network {
			return true
		}
	}
	return false
}

func invalid(reason string, payer string) *tipengine.VerifyResponse {
	return &tipengine.VerifyResponse{IsValid: false, InvalidReason: reason, Payer: payer}
}

// Verify checks a payload against requirements without submitting anything
func (f *ExactEvmFacilitator) Verify(ctx context.Context, payload tipengine.PaymentPayload, requirements tipengine.PaymentRequirements) (*tipengine.VerifyResponse, error) {
	if payload.X402Version != X402Version {
		return invalid(ErrUnsupportedVersion, ""), nil
	}
	if payload.Scheme != SchemeExact || requirements.Scheme != SchemeExact {
		return invalid(ErrInvalidScheme, ""), nil
	}
	if payload.Network != requirements.Network {
		return invalid(ErrNetworkMismatch, ""), nil
	}

	network := string(requirements.Network)
	if !f.handles(network) {
		return invalid(ErrUnsupportedNetwork, ""), nil
	}
	config, err := GetNetworkConfig(network)
	if err != nil {
		return invalid(ErrUnsupportedNetwork, ""), nil
	}
	assetInfo, err := GetAssetInfo(network, requirements.Asset)
	if err != nil {
		return invalid(ErrUnsupportedNetwork, ""), nil
	}

	evmPayload, err := PayloadFromMap(payload.Payload)
	if err != nil {
		return invalid(ErrInvalidPayload, ""), nil
	}
	auth := evmPayload.Authorization
	payer := auth.From
	if !IsValidAddress(auth.From) || !IsValidAddress(auth.To) {
		return invalid(ErrInvalidPayload, payer), nil
	}
	if evmPayload.Signature == "" {
		return invalid(ErrMissingSignature, payer), nil
	}

	signature, err := HexToBytes(evmPayload.Signature)
	if err != nil {
		return invalid(ErrInvalidSignature, payer), nil
	}
	signature, err = NormalizeSignature(signature, config.ChainID)
	if err != nil {
		return invalid(ErrInvalidSignature, payer), nil
	}

	if !strings.EqualFold(auth.To, requirements.PayTo) {
		return invalid(ErrRecipientMismatch, payer), nil
	}

	value, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok {
		return invalid(ErrInvalidPayload, payer), nil
	}
	required, ok := new(big.Int).SetString(requirements.MaxAmountRequired, 10)
	if !ok {
		return nil, fmt.Errorf("invalid required amount: %s", requirements.MaxAmountRequired)
	}
	if value.Cmp(required) < 0 {
		return invalid(ErrInsufficientAmount, payer), nil
	}

	validAfter, ok1 := new(big.Int).SetString(auth.ValidAfter, 10)
	validBefore, ok2 := new(big.Int).SetString(auth.ValidBefore, 10)
	if !ok1 || !ok2 {
		return invalid(ErrInvalidPayload, payer), nil
	}
	now := f.now().Unix()
	if validBefore.Cmp(big.NewInt(now+ValidBeforeBuffer)) < 0 {
		return invalid(ErrAuthorizationExpired, payer), nil
	}
	if validAfter.Cmp(big.NewInt(now)) > 0 {
		return invalid(ErrAuthorizationTooEarly, payer), nil
	}

	tokenName, tokenVersion := assetInfo.Name, assetInfo.Version
	if name, ok := requirements.Extra["name"].(string); ok && name != "" {
		tokenName = name
	}
	if version, ok := requirements.Extra["version"].(string); ok && version != "" {
		tokenVersion = version
	}

	digest, err := HashEIP3009Authorization(auth, config.ChainID, assetInfo.Address, tokenName, tokenVersion)
	if err != nil {
		return invalid(ErrInvalidPayload, payer), nil
	}
	signer, err := RecoverSigner(digest, signature, config.ChainID)
	if err != nil || signer != common.HexToAddress(auth.From) {
		return invalid(ErrInvalidSignature, payer), nil
	}

	used, err := f.nonceUsed(ctx, auth.From, auth.Nonce, assetInfo.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to check nonce: %w", err)
	}
	if used {
		return invalid(ErrNonceAlreadyUsed, payer), nil
	}

	balance, err := f.signer.GetBalance(ctx, auth.From, assetInfo.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	if balance.Cmp(value) < 0 {
		return invalid(ErrInsufficientFunds, payer), nil
	}

	return &tipengine.VerifyResponse{IsValid: true, Payer: NormalizeAddress(payer)}, nil
}

// Settle verifies the payload again and submits transferWithAuthorization
func (f *ExactEvmFacilitator) Settle(ctx context.Context, payload tipengine.PaymentPayload, requirements tipengine.PaymentRequirements) (*tipengine.SettleResponse, error) {
	verified, err := f.Verify(ctx, payload, requirements)
	if err != nil {
		return nil, err
	}
	if !verified.IsValid {
		return &tipengine.SettleResponse{
			Success:     false,
			ErrorReason: verified.InvalidReason,
			Payer:       verified.Payer,
			Network:     payload.Network,
		}, nil
	}

	evmPayload, err := PayloadFromMap(payload.Payload)
	if err != nil {
		return nil, err
	}
	assetInfo, err := GetAssetInfo(string(requirements.Network), requirements.Asset)
	if err != nil {
		return nil, err
	}
	config, err := GetNetworkConfig(string(requirements.Network))
	if err != nil {
		return nil, err
	}

	signature, err := HexToBytes(evmPayload.Signature)
	if err != nil {
		return nil, err
	}
	signature, err = NormalizeSignature(signature, config.ChainID)
	if err != nil {
		return nil, err
	}

	auth := evmPayload.Authorization
	value, _ := new(big.Int).SetString(auth.Value, 10)
	validAfter, _ := new(big.Int).SetString(auth.ValidAfter, 10)
	validBefore, _ := new(big.Int).SetString(auth.ValidBefore, 10)
	nonce, err := nonceBytes32(auth.Nonce)
	if err != nil {
		return nil, err
	}

	var r, s [32]byte
	copy(r[:], signature[0:32])
	copy(s[:], signature[32:64])

	txHash, err := f.signer.WriteContract(
		ctx,
		assetInfo.Address,
		TransferWithAuthorizationABI,
		FunctionTransferWithAuthorization,
		common.HexToAddress(auth.From),
		common.HexToAddress(auth.To),
		value,
		validAfter,
		validBefore,
		nonce,
		signature[64],
		r,
		s,
	)
	if err != nil {
		return &tipengine.SettleResponse{
			Success:     false,
			ErrorReason: fmt.Sprintf("%s: %v", ErrTransactionFailed, err),
			Payer:       verified.Payer,
			Network:     payload.Network,
		}, nil
	}

	receipt, err := f.signer.WaitForTransactionReceipt(ctx, txHash)
	if err != nil {
		return &tipengine.SettleResponse{
			Success:     false,
			ErrorReason: fmt.Sprintf("%s: %v", ErrTransactionFailed, err),
			Payer:       verified.Payer,
			Transaction: txHash,
			Network:     payload.Network,
		}, nil
	}
	if receipt.Status != TxStatusSuccess {
		return &tipengine.SettleResponse{
			Success:     false,
			ErrorReason: ErrTransactionFailed,
			Payer:       verified.Payer,
			Transaction: txHash,
			Network:     payload.Network,
		}, nil
	}

	return &tipengine.SettleResponse{
		Success:     true,
		Payer:       verified.Payer,
		Transaction: txHash,
		Network:     payload.Network,
	}, nil
}

// GetSupported advertises one kind per configured network
func (f *ExactEvmFacilitator) GetSupported(ctx context.Context) (tipengine.SupportedResponse, error) {
	resp := tipengine.SupportedResponse{Kinds: make([]tipengine.SupportedKind, 0, len(f.networks))}
	for _, network := range f.networks {
		config, err := GetNetworkConfig(network)
		if err != nil {
			continue
		}
		resp.Kinds = append(resp.Kinds, tipengine.SupportedKind{
			X402Version: X402Version,
			Scheme:      SchemeExact,
			Network:     tipengine.Network(network),
			Extra: map[string]interface{}{
				"asset":   config.DefaultAsset.Address,
				"chainId": config.ChainID.Int64(),
				"name":    config.DefaultAsset.Name,
				"version": config.DefaultAsset.Version,
			},
		})
	}
	return resp, nil
}

// nonceUsed asks the token contract whether an authorization nonce was consumed
func (f *ExactEvmFacilitator) nonceUsed(ctx context.Context, from, nonce, tokenAddress string) (bool, error) {
	n, err := nonceBytes32(nonce)
	if err != nil {
		return false, err
	}

	result, err := f.signer.ReadContract(
		ctx,
		tokenAddress,
		TransferWithAuthorizationABI,
		FunctionAuthorizationState,
		common.HexToAddress(from),
		n,
	)
	if err != nil {
		return false, err
	}

	used, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("unexpected result type from authorizationState: %T", result)
	}
	return used, nil
}

func nonceBytes32(nonce string) ([32]byte, error) {
	var out [32]byte
	b, err := HexToBytes(nonce)
	if err != nil {
		return out, fmt.Errorf("invalid nonce: %w", err)
	}
	if len(b) != 32 {
		return out, fmt.Errorf("invalid nonce: expected 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}
