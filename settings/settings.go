// Package settings holds the process-wide configuration for the payment
// engine. The live value is replaced atomically on reload, and any code that
// needs a consistent view for the duration of a call snapshots it once at
// entry.
package settings

import (
	"fmt"
	"regexp"
	"sync/atomic"
	"time"
)

// Backend names recognized by the serve action.
const (
	BackendLnd     = "lnd"
	BackendRestHub = "resthub"
	BackendVoid    = "void"
)

// Settings is a flat snapshot of every tunable the payment engine reads.
type Settings struct {
	// BackendWalletClass selects which funding source implementation to
	// instantiate.
	BackendWalletClass string

	// ReserveFeeMinMsat is the floor for the routing fee reserved from the
	// payer's balance on outgoing pays.
	ReserveFeeMinMsat int64
	// ReserveFeePercent is the proportional routing fee reserve.
	ReserveFeePercent float64

	// ServiceFeePercent is the operator's cut of each outgoing payment.
	ServiceFeePercent float64
	// ServiceFeeMaxMsat caps the service fee. 0 means no cap.
	ServiceFeeMaxMsat int64
	// ServiceFeeWallet is the wallet credited with service fees. An empty
	// value disables service fees entirely.
	ServiceFeeWallet string
	// ServiceFeeIgnoreInternal skips the service fee on internal payments.
	ServiceFeeIgnoreInternal bool

	// WalletLimitDailyMaxWithdrawMsat caps the sum of outgoing payments per
	// wallet over a rolling 24 hours. 0 means unlimited.
	WalletLimitDailyMaxWithdrawMsat int64
	// WalletLimitSecsBetweenPayments enforces a minimum delay between two
	// outgoing payments from the same wallet. 0 disables the check.
	WalletLimitSecsBetweenPayments int64

	// CallbackURLRules is a regex allow-list applied to webhook URLs before
	// each request. An empty list allows everything.
	CallbackURLRules []string

	MaxIncomingPaymentAmountSat int64
	MaxOutgoingPaymentAmountSat int64

	// PaymentGracePeriod is how long a pending payment must exist before
	// expired-invoice cleanup may delete it.
	PaymentGracePeriod time.Duration

	// AuditEnabled turns the append-only payment transition log on.
	AuditEnabled bool

	// SweepInterval is how often the reconciler polls pending payments.
	SweepInterval time.Duration
	// SweepMaxAge bounds how far back the periodic sweep looks.
	SweepMaxAge time.Duration
}

// Default values follow the shipped configuration.
const (
	DefaultReserveFeeMinMsat  = 2000
	DefaultReserveFeePercent  = 1.0
	DefaultMaxIncomingSat     = 10_000_000
	DefaultMaxOutgoingSat     = 10_000_000
	DefaultPaymentGracePeriod = 10 * time.Minute
	DefaultSweepInterval      = 30 * time.Second
	DefaultSweepMaxAge        = 24 * time.Hour
)

// DefaultSettings returns a Settings with every default filled in and no
// backend selected.
func DefaultSettings() Settings {
	return Settings{
		ReserveFeeMinMsat:           DefaultReserveFeeMinMsat,
		ReserveFeePercent:           DefaultReserveFeePercent,
		ServiceFeeIgnoreInternal:    true,
		MaxIncomingPaymentAmountSat: DefaultMaxIncomingSat,
		MaxOutgoingPaymentAmountSat: DefaultMaxOutgoingSat,
		PaymentGracePeriod:          DefaultPaymentGracePeriod,
		SweepInterval:               DefaultSweepInterval,
		SweepMaxAge:                 DefaultSweepMaxAge,
	}
}

// Validate checks internal consistency before the settings are put live.
func (s Settings) Validate() error {
	if s.ReserveFeeMinMsat < 0 {
		return fmt.Errorf("reserve fee minimum can't be negative: %d", s.ReserveFeeMinMsat)
	}
	if s.ReserveFeePercent < 0 {
		return fmt.Errorf("reserve fee percent can't be negative: %f", s.ReserveFeePercent)
	}
	if s.ServiceFeePercent < 0 || s.ServiceFeePercent > 100 {
		return fmt.Errorf("service fee percent out of range: %f", s.ServiceFeePercent)
	}
	if s.ServiceFeePercent > 0 && s.ServiceFeeWallet == "" {
		return fmt.Errorf("service fee configured without a service fee wallet")
	}
	for _, rule := range s.CallbackURLRules {
		if _, err := regexp.Compile(rule); err != nil {
			return fmt.Errorf("bad callback URL rule %q: %w", rule, err)
		}
	}
	return nil
}

// FeeReserveMsat computes the routing fee reserve for an outgoing payment of
// the given size.
func (s Settings) FeeReserveMsat(amountMsat int64) int64 {
	if amountMsat < 0 {
		amountMsat = -amountMsat
	}
	reserve := int64(float64(amountMsat) * s.ReserveFeePercent / 100)
	if reserve < s.ReserveFeeMinMsat {
		reserve = s.ReserveFeeMinMsat
	}
	return reserve
}

// ServiceFeeMsat computes the operator's cut for an outgoing payment. Internal
// payments are exempt when ServiceFeeIgnoreInternal is set.
func (s Settings) ServiceFeeMsat(amountMsat int64, internal bool) int64 {
	if s.ServiceFeeWallet == "" || s.ServiceFeePercent <= 0 {
		return 0
	}
	if internal && s.ServiceFeeIgnoreInternal {
		return 0
	}
	if amountMsat < 0 {
		amountMsat = -amountMsat
	}
	fee := int64(float64(amountMsat) * s.ServiceFeePercent / 100)
	if s.ServiceFeeMaxMsat > 0 && fee > s.ServiceFeeMaxMsat {
		fee = s.ServiceFeeMaxMsat
	}
	return fee
}

// WebhookAllowed reports whether the given callback URL passes the configured
// allow-list. No rules means everything is allowed.
func (s Settings) WebhookAllowed(url string) bool {
	if len(s.CallbackURLRules) == 0 {
		return true
	}
	for _, rule := range s.CallbackURLRules {
		re, err := regexp.Compile(rule)
		if err != nil {
			// Validate rejects bad rules before they go live, but a rule
			// slipping through must never open the allow-list.
			continue
		}
		if re.MatchString(url) {
			return true
		}
	}
	return false
}

// Store holds the live Settings and swaps them atomically.
type Store struct {
	v atomic.Value
}

// NewStore returns a Store seeded with the given settings.
func NewStore(s Settings) *Store {
	store := &Store{}
	store.v.Store(s)
	return store
}

// View returns the current snapshot.
func (st *Store) View() Settings {
	return st.v.Load().(Settings)
}

// Replace validates and swaps in new settings.
func (st *Store) Replace(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	st.v.Store(s)
	log.WithField("backend", s.BackendWalletClass).Info("Replaced live settings")
	return nil
}
