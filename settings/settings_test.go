package settings_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gitlab.com/luminapay/lumina/settings"
)

func TestFeeReserveMsat(t *testing.T) {
	t.Parallel()

	s := settings.DefaultSettings()
	s.ReserveFeeMinMsat = 2000
	s.ReserveFeePercent = 1.0

	testCases := []struct {
		name       string
		amountMsat int64
		want       int64
	}{
		{
			name:       "small payment hits the floor",
			amountMsat: 10_000,
			want:       2000,
		},
		{
			name:       "large payment uses the percentage",
			amountMsat: 1_000_000,
			want:       10_000,
		},
		{
			name:       "negative amounts are treated as absolute",
			amountMsat: -1_000_000,
			want:       10_000,
		},
		{
			name:       "zero amount still reserves the floor",
			amountMsat: 0,
			want:       2000,
		},
	}

	for _, tt := range testCases {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.FeeReserveMsat(tt.amountMsat))
		})
	}
}

func TestServiceFeeMsat(t *testing.T) {
	t.Parallel()

	t.Run("no service fee wallet disables the fee", func(t *testing.T) {
		s := settings.DefaultSettings()
		s.ServiceFeePercent = 1.0
		s.ServiceFeeWallet = ""
		assert.Equal(t, int64(0), s.ServiceFeeMsat(1_000_000, false))
	})

	t.Run("percentage of the amount", func(t *testing.T) {
		s := settings.DefaultSettings()
		s.ServiceFeePercent = 0.5
		s.ServiceFeeWallet = "fee-wallet"
		assert.Equal(t, int64(5000), s.ServiceFeeMsat(1_000_000, false))
	})

	t.Run("cap applies", func(t *testing.T) {
		s := settings.DefaultSettings()
		s.ServiceFeePercent = 1.0
		s.ServiceFeeMaxMsat = 1000
		s.ServiceFeeWallet = "fee-wallet"
		assert.Equal(t, int64(1000), s.ServiceFeeMsat(1_000_000, false))
	})

	t.Run("internal payments are exempt by default", func(t *testing.T) {
		s := settings.DefaultSettings()
		s.ServiceFeePercent = 1.0
		s.ServiceFeeWallet = "fee-wallet"
		assert.Equal(t, int64(0), s.ServiceFeeMsat(1_000_000, true))
	})

	t.Run("internal payments pay when the exemption is off", func(t *testing.T) {
		s := settings.DefaultSettings()
		s.ServiceFeePercent = 1.0
		s.ServiceFeeWallet = "fee-wallet"
		s.ServiceFeeIgnoreInternal = false
		assert.Equal(t, int64(10_000), s.ServiceFeeMsat(1_000_000, true))
	})
}

func TestWebhookAllowed(t *testing.T) {
	t.Parallel()

	t.Run("no rules allows everything", func(t *testing.T) {
		s := settings.DefaultSettings()
		assert.True(t, s.WebhookAllowed("http://anything.example.com/hook"))
	})

	t.Run("matching rule allows", func(t *testing.T) {
		s := settings.DefaultSettings()
		s.CallbackURLRules = []string{`^https://hooks\.example\.com/`}
		assert.True(t, s.WebhookAllowed("https://hooks.example.com/payment"))
	})

	t.Run("non-matching URL is rejected", func(t *testing.T) {
		s := settings.DefaultSettings()
		s.CallbackURLRules = []string{`^https://hooks\.example\.com/`}
		assert.False(t, s.WebhookAllowed("https://evil.example.net/steal"))
	})

	t.Run("any rule matching is enough", func(t *testing.T) {
		s := settings.DefaultSettings()
		s.CallbackURLRules = []string{`^https://first\.example\.com/`, `^https://second\.example\.com/`}
		assert.True(t, s.WebhookAllowed("https://second.example.com/hook"))
	})
}

func TestValidate(t *testing.T) {
	t.Parallel()

	t.Run("defaults are valid", func(t *testing.T) {
		require.NoError(t, settings.DefaultSettings().Validate())
	})

	t.Run("negative reserve floor", func(t *testing.T) {
		s := settings.DefaultSettings()
		s.ReserveFeeMinMsat = -1
		require.Error(t, s.Validate())
	})

	t.Run("service fee without a wallet", func(t *testing.T) {
		s := settings.DefaultSettings()
		s.ServiceFeePercent = 1.0
		require.Error(t, s.Validate())
	})

	t.Run("service fee percent out of range", func(t *testing.T) {
		s := settings.DefaultSettings()
		s.ServiceFeePercent = 150
		s.ServiceFeeWallet = "fee-wallet"
		require.Error(t, s.Validate())
	})

	t.Run("bad callback rule", func(t *testing.T) {
		s := settings.DefaultSettings()
		s.CallbackURLRules = []string{`[unclosed`}
		require.Error(t, s.Validate())
	})
}

func TestStoreReplace(t *testing.T) {
	t.Parallel()

	store := settings.NewStore(settings.DefaultSettings())

	next := settings.DefaultSettings()
	next.ReserveFeeMinMsat = 5000
	require.NoError(t, store.Replace(next))
	assert.Equal(t, int64(5000), store.View().ReserveFeeMinMsat)

	bad := settings.DefaultSettings()
	bad.ReserveFeePercent = -1
	require.Error(t, store.Replace(bad))
	assert.Equal(t, int64(5000), store.View().ReserveFeeMinMsat,
		"a rejected replace must not touch the live settings")
}
