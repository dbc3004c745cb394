package evm

import (
	"bytes"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sigWithV(v *big.Int) []byte {
	sig := make([]byte, 64, 64+8)
	for i := range sig {
		sig[i] = byte(i + 1)
	}
	vb := v.Bytes()
	if len(vb) == 0 {
		vb = []byte{0}
	}
	return append(sig, vb...)
}

func TestNormalizeSignature(t *testing.T) {
	tests := []struct {
		name    string
		v       int64
		chainID int64
		want    byte
	}{
		{"parity 0", 0, 43113, 27},
		{"parity 1", 1, 43113, 28},
		{"legacy 27", 27, 43113, 27},
		{"legacy 28", 28, 43113, 28},
		{"eip155 mainnet even", 37, 1, 27},
		{"eip155 mainnet odd", 38, 1, 28},
		{"eip155 bsc even", 147, 56, 27},
		{"eip155 bsc odd", 148, 56, 28},
		{"eip155 fuji even", 43113*2 + 35, 43113, 27},
		{"eip155 fuji odd", 43113*2 + 36, 43113, 28},
		{"eip155 avalanche odd", 43114*2 + 36, 43114, 28},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := sigWithV(big.NewInt(tt.v))
			out, err := NormalizeSignature(in, big.NewInt(tt.chainID))
			require.NoError(t, err)
			require.Len(t, out, SignatureLength)
			assert.Equal(t, tt.want, out[64])
			assert.Equal(t, in[:64], out[:64], "r and s must be untouched")
		})
	}
}

func TestNormalizeSignatureRejects(t *testing.T) {
	chainID := big.NewInt(43113)

	for _, v := range []int64{2, 3, 26, 29, 30, 34} {
		_, err := NormalizeSignature(sigWithV(big.NewInt(v)), chainID)
		assert.ErrorIs(t, err, ErrInvalidRecoveryID, "v=%d", v)
	}

	// EIP-155 values signed for another chain
	for _, v := range []int64{35, 37, 38, 147, 43114*2 + 35, 43114*2 + 36, 43113*2 + 37} {
		_, err := NormalizeSignature(sigWithV(big.NewInt(v)), chainID)
		assert.ErrorIs(t, err, ErrInvalidRecoveryID, "v=%d", v)
	}

	_, err := NormalizeSignature(make([]byte, 64), chainID)
	assert.ErrorIs(t, err, ErrSignatureLength)

	_, err = NormalizeSignature(make([]byte, 73), chainID)
	assert.ErrorIs(t, err, ErrSignatureLength)
}

func TestNormalizeSignatureIdempotentAndPure(t *testing.T) {
	chainID := big.NewInt(43113)
	for _, v := range []int64{0, 1, 27, 28, 86261, 86262} {
		in := sigWithV(big.NewInt(v))
		orig := bytes.Clone(in)

		once, err := NormalizeSignature(in, chainID)
		require.NoError(t, err)
		twice, err := NormalizeSignature(once, chainID)
		require.NoError(t, err)

		assert.Equal(t, once, twice, "v=%d", v)
		assert.Equal(t, orig, in, "input must not be modified")
	}
}

func TestNormalizeSignatureHex(t *testing.T) {
	in := BytesToHex(sigWithV(big.NewInt(1)))
	out, err := NormalizeSignatureHex(in, big.NewInt(1))
	require.NoError(t, err)
	assert.Len(t, out, 2+130)
	assert.Equal(t, "1c", out[len(out)-2:])

	_, err = NormalizeSignatureHex("0xzz", big.NewInt(1))
	assert.Error(t, err)
}

func TestRecoverSigner(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	want := crypto.PubkeyToAddress(key.PublicKey)

	chainID := big.NewInt(43113)
	digest := crypto.Keccak256([]byte("tip"))
	raw, err := crypto.Sign(digest, key)
	require.NoError(t, err)
	parity := int64(raw[64])

	encodings := map[string]*big.Int{
		"raw":    big.NewInt(parity),
		"legacy": big.NewInt(parity + 27),
		"eip155": new(big.Int).Add(new(big.Int).Mul(chainID, big.NewInt(2)), big.NewInt(35+parity)),
	}
	for name, v := range encodings {
		t.Run(name, func(t *testing.T) {
			sig := append(bytes.Clone(raw[:64]), v.Bytes()...)
			if v.Sign() == 0 {
				sig = append(sig, 0)
			}
			got, err := RecoverSigner(digest, sig, chainID)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}
