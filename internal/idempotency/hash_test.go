package idempotency

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashRequestKeyOrderIndependent(t *testing.T) {
	a, err := HashRequest(map[string]interface{}{
		"amount_cents": 10000,
		"currency":     "usd",
		"invoice_id":   "inv_1",
	})
	require.NoError(t, err)

	b, err := HashRequest(map[string]interface{}{
		"invoice_id":   "inv_1",
		"currency":     "usd",
		"amount_cents": 10000,
	})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestHashRequestNestedAndStructs(t *testing.T) {
	type inner struct {
		B string `json:"b"`
		A string `json:"a"`
	}
	type payload struct {
		Amount int64 `json:"amount"`
		Inner  inner `json:"inner"`
	}

	fromStruct, err := HashRequest(payload{Amount: 100, Inner: inner{A: "x", B: "y"}})
	require.NoError(t, err)

	fromMap, err := HashRequest(map[string]interface{}{
		"inner":  map[string]interface{}{"a": "x", "b": "y"},
		"amount": 100,
	})
	require.NoError(t, err)

	assert.Equal(t, fromStruct, fromMap)
}

func TestHashRequestDistinguishesPayloads(t *testing.T) {
	a, err := HashRequest(map[string]interface{}{"amount_cents": 10000})
	require.NoError(t, err)

	b, err := HashRequest(map[string]interface{}{"amount_cents": 10001})
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestHashRequestArraysKeepOrder(t *testing.T) {
	a, err := HashRequest([]string{"x", "y"})
	require.NoError(t, err)

	b, err := HashRequest([]string{"y", "x"})
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestHashRequestNilPayload(t *testing.T) {
	a, err := HashRequest(nil)
	require.NoError(t, err)
	assert.Len(t, a, 64)
}
