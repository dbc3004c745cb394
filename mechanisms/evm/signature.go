package evm

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	// SignatureLength is the length of a canonical r || s || v ECDSA signature
	SignatureLength = 65

	// maxRecoveryIDBytes bounds the width of an EIP-155 v suffix
	maxRecoveryIDBytes = 8
)

var (
	ErrSignatureLength   = errors.New("invalid signature length")
	ErrInvalidRecoveryID = errors.New("invalid signature recovery id")
)

var (
	big2  = big.NewInt(2)
	big35 = big.NewInt(35)
)

// NormalizeSignature rewrites the recovery id of an r || s || v signature into
// the legacy {27,28} encoding expected by ecrecover and EIP-3009 token contracts.
//
// Accepted encodings of v (big-endian, one or more trailing bytes):
//
//	0, 1                     y-parity
//	27, 28                   legacy (returned unchanged)
//	chainID*2 + 35 + parity  EIP-155 replay-protected
//
// The result is always 65 bytes. r and s are copied as-is and the input slice
// is never modified.
func NormalizeSignature(sig []byte, chainID *big.Int) ([]byte, error) {
	if len(sig) < SignatureLength || len(sig) > 64+maxRecoveryIDBytes {
		return nil, fmt.Errorf("%w: got %d bytes", ErrSignatureLength, len(sig))
	}

	v := new(big.Int).SetBytes(sig[64:])
	parity, err := recoveryParity(v, chainID)
	if err != nil {
		return nil, err
	}

	out := make([]byte, SignatureLength)
	copy(out, sig[:64])
	out[64] = 27 + parity
	return out, nil
}

// NormalizeSignatureHex is NormalizeSignature over 0x-prefixed hex
func NormalizeSignatureHex(sigHex string, chainID *big.Int) (string, error) {
	sig, err := HexToBytes(sigHex)
	if err != nil {
		return "", fmt.Errorf("invalid signature hex: %w", err)
	}
	normalized, err := NormalizeSignature(sig, chainID)
	if err != nil {
		return "", err
	}
	return BytesToHex(normalized), nil
}

func recoveryParity(v *big.Int, chainID *big.Int) (byte, error) {
	if v.IsUint64() {
		switch v.Uint64() {
		case 0, 1:
			return byte(v.Uint64()), nil
		case 27, 28:
			return byte(v.Uint64() - 27), nil
		}
	}

	if v.Cmp(big35) < 0 {
		return 0, fmt.Errorf("%w: v=%s", ErrInvalidRecoveryID, v)
	}

	// v = chainID*2 + 35 + yParity; a v signed for another chain is rejected
	p := new(big.Int).Sub(v, big35)
	if chainID == nil {
		p.Mod(p, big2)
		return byte(p.Uint64()), nil
	}
	p.Sub(p, new(big.Int).Mul(chainID, big2))
	if p.Sign() < 0 || p.Cmp(big2) >= 0 {
		return 0, fmt.Errorf("%w: v=%s for chain %s", ErrInvalidRecoveryID, v, chainID)
	}
	return byte(p.Uint64()), nil
}

// RecoverSigner returns the address that produced sig over a 32-byte digest.
// sig may use any encoding NormalizeSignature accepts.
func RecoverSigner(digest []byte, sig []byte, chainID *big.Int) (common.Address, error) {
	normalized, err := NormalizeSignature(sig, chainID)
	if err != nil {
		return common.Address{}, err
	}
	// go-ethereum expects the raw 0/1 recovery id
	normalized[64] -= 27

	pubKey, err := crypto.SigToPub(digest, normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*pubKey), nil
}
