package evm

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	tipevm "github.com/tink-protocol/tipengine/mechanisms/evm"
)

// SimulatedSigner stands in for a chain: every transfer succeeds with a random
// hash and consumed authorization nonces are remembered. Used for demos and tests.
type SimulatedSigner struct {
	address common.Address
	chainID *big.Int

	mu       sync.Mutex
	used     map[string]bool
	balances map[common.Address]*big.Int
	txs      []string

	// WriteErr, when set, fails every submission
	WriteErr error
}

var _ tipevm.FacilitatorEvmSigner = (*SimulatedSigner)(nil)

// DefaultSimulatedBalance is the token balance reported for unknown addresses (1M USDC)
var DefaultSimulatedBalance = big.NewInt(1_000_000_000_000)

// NewSimulatedSigner creates a simulated chain for chainID
func NewSimulatedSigner(address string, chainID *big.Int) *SimulatedSigner {
	return &SimulatedSigner{
		address:  common.HexToAddress(address),
		chainID:  chainID,
		used:     make(map[string]bool),
		balances: make(map[common.Address]*big.Int),
	}
}

// SetBalance overrides the reported token balance of an address
func (s *SimulatedSigner) SetBalance(address string, balance *big.Int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[common.HexToAddress(address)] = balance
}

// Submitted returns the hashes of all successful submissions
func (s *SimulatedSigner) Submitted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.txs...)
}

func (s *SimulatedSigner) GetAddresses() []string {
	return []string{s.address.Hex()}
}

func (s *SimulatedSigner) GetChainID(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(s.chainID), nil
}

func nonceKey(from common.Address, nonce [32]byte) string {
	return strings.ToLower(from.Hex()) + ":" + common.Bytes2Hex(nonce[:])
}

func (s *SimulatedSigner) ReadContract(ctx context.Context, address string, abi []byte, functionName string, args ...interface{}) (interface{}, error) {
	switch functionName {
	case tipevm.FunctionAuthorizationState:
		if len(args) != 2 {
			return nil, fmt.Errorf("authorizationState expects 2 args, got %d", len(args))
		}
		from, ok1 := args[0].(common.Address)
		nonce, ok2 := args[1].([32]byte)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("authorizationState: unexpected arg types %T, %T", args[0], args[1])
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.used[nonceKey(from, nonce)], nil
	case tipevm.FunctionBalanceOf:
		owner, ok := args[0].(common.Address)
		if !ok {
			return nil, fmt.Errorf("balanceOf: unexpected arg type %T", args[0])
		}
		return s.GetBalance(ctx, owner.Hex(), address)
	}
	return nil, fmt.Errorf("unsupported read %s", functionName)
}

func (s *SimulatedSigner) WriteContract(ctx context.Context, address string, abi []byte, functionName string, args ...interface{}) (string, error) {
	if s.WriteErr != nil {
		return "", s.WriteErr
	}
	if functionName != tipevm.FunctionTransferWithAuthorization {
		return "", fmt.Errorf("unsupported write %s", functionName)
	}
	if len(args) < 6 {
		return "", fmt.Errorf("transferWithAuthorization expects 9 args, got %d", len(args))
	}
	from, ok1 := args[0].(common.Address)
	nonce, ok2 := args[5].([32]byte)
	if !ok1 || !ok2 {
		return "", fmt.Errorf("transferWithAuthorization: unexpected arg types")
	}

	hash := make([]byte, 32)
	if _, err := rand.Read(hash); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := nonceKey(from, nonce)
	if s.used[key] {
		return "", fmt.Errorf("authorization is used or canceled")
	}
	s.used[key] = true
	txHash := common.BytesToHash(hash).Hex()
	s.txs = append(s.txs, txHash)
	return txHash, nil
}

func (s *SimulatedSigner) WaitForTransactionReceipt(ctx context.Context, txHash string) (*tipevm.TransactionReceipt, error) {
	return &tipevm.TransactionReceipt{
		Status:      tipevm.TxStatusSuccess,
		BlockNumber: 1,
		TxHash:      txHash,
	}, nil
}

func (s *SimulatedSigner) GetBalance(ctx context.Context, address string, tokenAddress string) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.balances[common.HexToAddress(address)]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int).Set(DefaultSimulatedBalance), nil
}
