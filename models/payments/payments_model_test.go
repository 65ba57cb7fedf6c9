package payments_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gitlab.com/luminapay/lumina/models/payments"
)

func TestStatusIsTerminal(t *testing.T) {
	t.Parallel()

	assert.False(t, payments.Pending.IsTerminal())
	assert.True(t, payments.Success.IsTerminal())
	assert.True(t, payments.Failed.IsTerminal())
}

func TestPaymentDirection(t *testing.T) {
	t.Parallel()

	credit := payments.Payment{AmountMsat: 1000}
	assert.True(t, credit.IsIn())
	assert.False(t, credit.IsOut())

	debit := payments.Payment{AmountMsat: -1000}
	assert.False(t, debit.IsIn())
	assert.True(t, debit.IsOut())
}

func TestPaymentIsInternal(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name  string
		extra payments.Extra
		want  bool
	}{
		{
			name:  "no extra",
			extra: nil,
			want:  false,
		},
		{
			name:  "internal flag set",
			extra: payments.Extra{"internal": true},
			want:  true,
		},
		{
			name:  "internal flag false",
			extra: payments.Extra{"internal": false},
			want:  false,
		},
		{
			name:  "internal flag has the wrong type",
			extra: payments.Extra{"internal": "yes"},
			want:  false,
		},
	}

	for _, tt := range testCases {
		t.Run(tt.name, func(t *testing.T) {
			payment := payments.Payment{Extra: tt.extra}
			assert.Equal(t, tt.want, payment.IsInternal())
		})
	}
}

func TestPaymentServiceFeeMsat(t *testing.T) {
	t.Parallel()

	// jsonb numbers scan back as float64.
	payment := payments.Payment{Extra: payments.Extra{"service_fee_msat": float64(1500)}}
	assert.Equal(t, int64(1500), payment.ServiceFeeMsat())

	assert.Equal(t, int64(0), payments.Payment{}.ServiceFeeMsat())
	assert.Equal(t, int64(0),
		payments.Payment{Extra: payments.Extra{"service_fee_msat": "1500"}}.ServiceFeeMsat())
}

func TestPaymentIsExpired(t *testing.T) {
	t.Parallel()

	assert.False(t, payments.Payment{}.IsExpired(),
		"no expiry means never expired")

	past := time.Now().Add(-time.Minute)
	assert.True(t, payments.Payment{Expiry: &past}.IsExpired())

	future := time.Now().Add(time.Minute)
	assert.False(t, payments.Payment{Expiry: &future}.IsExpired())
}

func TestExtraScanValue(t *testing.T) {
	t.Parallel()

	t.Run("nil extra stores an empty object", func(t *testing.T) {
		var e payments.Extra
		value, err := e.Value()
		require.NoError(t, err)
		assert.Equal(t, []byte("{}"), value)
	})

	t.Run("round trip", func(t *testing.T) {
		original := payments.Extra{"tag": "tip", "amount": float64(21)}
		value, err := original.Value()
		require.NoError(t, err)

		var scanned payments.Extra
		require.NoError(t, scanned.Scan(value))
		assert.Equal(t, original, scanned)
	})

	t.Run("scanning NULL yields an empty map", func(t *testing.T) {
		var scanned payments.Extra
		require.NoError(t, scanned.Scan(nil))
		assert.NotNil(t, scanned)
		assert.Empty(t, scanned)
	})

	t.Run("scanning a non-byte source fails", func(t *testing.T) {
		var scanned payments.Extra
		require.Error(t, scanned.Scan(42))
	})
}
