package database

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/bsontype"
)

type amountDoc struct {
	Amount   decimal.Decimal  `bson:"amount"`
	Optional *decimal.Decimal `bson:"optional,omitempty"`
}

func TestDecimalCodec_StoresDecimal128(t *testing.T) {
	registry := NewRegistry()

	data, err := bson.MarshalWithRegistry(registry, amountDoc{Amount: decimal.RequireFromString("1234.5678")})
	require.NoError(t, err)

	raw := bson.Raw(data)
	assert.Equal(t, bsontype.Decimal128, raw.Lookup("amount").Type)
	assert.Equal(t, bsontype.Type(0), raw.Lookup("optional").Type)

	var decoded amountDoc
	require.NoError(t, bson.UnmarshalWithRegistry(registry, data, &decoded))
	assert.True(t, decoded.Amount.Equal(decimal.RequireFromString("1234.5678")))
	assert.Nil(t, decoded.Optional)
}

func TestDecimalCodec_DecodesLegacyNumbers(t *testing.T) {
	registry := NewRegistry()

	tests := []struct {
		name     string
		value    interface{}
		expected string
	}{
		{"int32", int32(42), "42"},
		{"int64", int64(7), "7"},
		{"double", 2.5, "2.5"},
		{"string", "10.01", "10.01"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := bson.Marshal(bson.M{"amount": tt.value})
			require.NoError(t, err)

			var decoded amountDoc
			require.NoError(t, bson.UnmarshalWithRegistry(registry, data, &decoded))
			assert.True(t, decoded.Amount.Equal(decimal.RequireFromString(tt.expected)))
		})
	}
}

func TestDecimalCodec_PointerRoundTrip(t *testing.T) {
	registry := NewRegistry()
	value := decimal.NewFromInt(-50)

	data, err := bson.MarshalWithRegistry(registry, amountDoc{Amount: decimal.Zero, Optional: &value})
	require.NoError(t, err)

	var decoded amountDoc
	require.NoError(t, bson.UnmarshalWithRegistry(registry, data, &decoded))
	require.NotNil(t, decoded.Optional)
	assert.True(t, decoded.Optional.Equal(value))
}
