package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeRequirements(t *testing.T) {
	bare := []byte(`{"scheme":"exact","network":"avalanche-fuji","maxAmountRequired":"11500000","payTo":"0xd8dA6BF26964aF9D7eEd9e03E53415D37aA96045"}`)
	wrapped := []byte(`{"x402Version":1,"paymentRequirements":` + string(bare) + `}`)

	for name, raw := range map[string][]byte{"bare": bare, "prepare response": wrapped} {
		t.Run(name, func(t *testing.T) {
			requirements, err := decodeRequirements(raw)
			require.NoError(t, err)
			assert.Equal(t, "exact", requirements.Scheme)
			assert.Equal(t, "11500000", requirements.MaxAmountRequired)
		})
	}

	_, err := decodeRequirements([]byte(`{"network":"avalanche-fuji"}`))
	assert.ErrorContains(t, err, "missing scheme")

	_, err = decodeRequirements([]byte(`nope`))
	assert.Error(t, err)
}
