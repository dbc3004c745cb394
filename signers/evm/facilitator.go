package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	tipevm "github.com/tink-protocol/tipengine/mechanisms/evm"
)

const (
	defaultGasLimit     = 300000
	receiptPollInterval = time.Second
	receiptTimeout      = 30 * time.Second
)

// FacilitatorSigner submits settlements through a JSON-RPC node
type FacilitatorSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	client     *ethclient.Client
	chainID    *big.Int
	logger     *zap.Logger
}

var _ tipevm.FacilitatorEvmSigner = (*FacilitatorSigner)(nil)

// NewFacilitatorSigner dials rpcURL and loads the submitting key
func NewFacilitatorSigner(ctx context.Context, privateKeyHex string, rpcURL string, logger *zap.Logger) (*FacilitatorSigner, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RPC: %w", err)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	address := crypto.PubkeyToAddress(privateKey.PublicKey)
	logger.Info("facilitator signer connected",
		zap.String("address", address.Hex()),
		zap.String("chain_id", chainID.String()))

	return &FacilitatorSigner{
		privateKey: privateKey,
		address:    address,
		client:     client,
		chainID:    chainID,
		logger:     logger,
	}, nil
}

// Close releases the RPC connection
func (s *FacilitatorSigner) Close() {
	s.client.Close()
}

func (s *FacilitatorSigner) GetAddresses() []string {
	return []string{s.address.Hex()}
}

func (s *FacilitatorSigner) GetChainID(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(s.chainID), nil
}

// ReadContract performs an eth_call and returns the first output
func (s *FacilitatorSigner) ReadContract(ctx context.Context, contractAddress string, abiJSON []byte, method string, args ...interface{}) (interface{}, error) {
	contractABI, err := abi.JSON(strings.NewReader(string(abiJSON)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ABI: %w", err)
	}

	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack method call: %w", err)
	}

	to := common.HexToAddress(contractAddress)
	result, err := s.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		s.logger.Warn("contract call failed",
			zap.String("method", method), zap.String("contract", contractAddress), zap.Error(err))
		return nil, fmt.Errorf("failed to call contract: %w", err)
	}

	if len(result) == 0 {
		switch method {
		case tipevm.FunctionAuthorizationState:
			return false, nil
		case tipevm.FunctionBalanceOf:
			return big.NewInt(0), nil
		}
		return nil, fmt.Errorf("empty result from %s", method)
	}

	output, err := contractABI.Methods[method].Outputs.Unpack(result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack result: %w", err)
	}
	if len(output) == 0 {
		return nil, nil
	}
	return output[0], nil
}

// WriteContract signs and broadcasts a contract call, returning its hash
func (s *FacilitatorSigner) WriteContract(ctx context.Context, contractAddress string, abiJSON []byte, method string, args ...interface{}) (string, error) {
	contractABI, err := abi.JSON(strings.NewReader(string(abiJSON)))
	if err != nil {
		return "", fmt.Errorf("failed to parse ABI: %w", err)
	}

	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return "", fmt.Errorf("failed to pack method call: %w", err)
	}

	nonce, err := s.client.PendingNonceAt(ctx, s.address)
	if err != nil {
		return "", fmt.Errorf("failed to get nonce: %w", err)
	}
	gasPrice, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get gas price: %w", err)
	}

	to := common.HexToAddress(contractAddress)
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    big.NewInt(0),
		Gas:      defaultGasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})

	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(s.chainID), s.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}
	if err := s.client.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}

	s.logger.Info("transaction submitted",
		zap.String("method", method),
		zap.String("tx_hash", signedTx.Hash().Hex()),
		zap.Uint64("nonce", nonce))
	return signedTx.Hash().Hex(), nil
}

// WaitForTransactionReceipt polls until the transaction is mined or the timeout passes
func (s *FacilitatorSigner) WaitForTransactionReceipt(ctx context.Context, txHash string) (*tipevm.TransactionReceipt, error) {
	ctx, cancel := context.WithTimeout(ctx, receiptTimeout)
	defer cancel()

	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := s.client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return &tipevm.TransactionReceipt{
				Status:      receipt.Status,
				BlockNumber: receipt.BlockNumber.Uint64(),
				TxHash:      receipt.TxHash.Hex(),
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("transaction receipt for %s not found: %w", txHash, ctx.Err())
		case <-ticker.C:
		}
	}
}

// GetBalance returns the token balance of address, or the native balance for a zero token
func (s *FacilitatorSigner) GetBalance(ctx context.Context, address string, tokenAddress string) (*big.Int, error) {
	owner := common.HexToAddress(address)
	if tokenAddress == "" || common.HexToAddress(tokenAddress) == (common.Address{}) {
		balance, err := s.client.BalanceAt(ctx, owner, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to get balance: %w", err)
		}
		return balance, nil
	}

	result, err := s.ReadContract(ctx, tokenAddress, tipevm.ERC20BalanceOfABI, tipevm.FunctionBalanceOf, owner)
	if err != nil {
		return nil, err
	}
	balance, ok := result.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balance type: %T", result)
	}
	return balance, nil
}
