// Package payments is the ledger of the server. Every balance change is a
// payment row, and wallet balances are derived sums over these rows. Pending
// rows reserve funds; only the guarded transitions in this package move them
// to a terminal status.
package payments

import (
	"context"
	"encoding/hex"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lightningnetwork/lnd/zpay32"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"gitlab.com/luminapay/lumina/db"
	"gitlab.com/luminapay/lumina/funding"
	"gitlab.com/luminapay/lumina/models/audit"
	"gitlab.com/luminapay/lumina/models/wallets"
	"gitlab.com/luminapay/lumina/settings"
)

// Notifier receives payment lifecycle events. Implemented by the notify
// package; declared here so the ledger doesn't import its listeners.
type Notifier interface {
	PaymentSettled(payment Payment)
	PaymentFailed(payment Payment)
}

// Decode parses a BOLT-11 payment request for the given network
func Decode(bolt11 string, network *chaincfg.Params) (*zpay32.Invoice, error) {
	invoice, err := zpay32.Decode(strings.TrimSpace(bolt11), network)
	if err != nil {
		log.WithError(err).WithField("bolt11", bolt11).Debug("Could not decode payment request")
		return nil, ErrInvalidPaymentRequest
	}
	return invoice, nil
}

// CreateInvoiceOpts are the arguments to CreateInvoice
type CreateInvoiceOpts struct {
	WalletID        string
	AmountMsat      int64
	Memo            string
	DescriptionHash []byte
	ExpirySeconds   int64
	Webhook         string
	Extra           Extra
}

// CreateInvoice asks the funding source for a new invoice and records a
// pending credit for it. The credit does not count towards the wallet
// balance until it settles.
func CreateInvoice(ctx context.Context, d *db.DB, source funding.FundingSource,
	conf settings.Settings, opts CreateInvoiceOpts) (Payment, error) {

	if opts.AmountMsat <= 0 {
		return Payment{}, ErrInvalidAmount
	}
	if opts.AmountMsat > conf.MaxIncomingPaymentAmountSat*1000 {
		return Payment{}, ErrAmountTooLarge
	}
	if opts.ExpirySeconds <= 0 {
		opts.ExpirySeconds = 3600
	}

	resp, err := source.CreateInvoice(ctx, funding.InvoiceParams{
		AmountMsat:      opts.AmountMsat,
		Memo:            opts.Memo,
		DescriptionHash: opts.DescriptionHash,
		ExpirySeconds:   opts.ExpirySeconds,
	})
	if err != nil {
		log.WithError(err).Error("Funding source could not create invoice")
		return Payment{}, ErrBackendUnavailable
	}

	expiry := time.Now().Add(time.Duration(opts.ExpirySeconds) * time.Second)
	payment := Payment{
		CheckingID:  resp.CheckingID,
		PaymentHash: resp.PaymentHash,
		WalletID:    opts.WalletID,
		AmountMsat:  opts.AmountMsat,
		Status:      Pending,
		Bolt11:      &resp.PaymentRequest,
		Memo:        &opts.Memo,
		Expiry:      &expiry,
		Extra:       opts.Extra,
	}
	if opts.Webhook != "" {
		payment.Webhook = &opts.Webhook
	}

	tx := d.MustBegin()
	inserted, err := insert(tx, payment)
	if err != nil {
		_ = tx.Rollback()
		return Payment{}, err
	}
	if err = tx.Commit(); err != nil {
		return Payment{}, errors.Wrap(err, "could not commit invoice")
	}

	log.WithFields(logrus.Fields{
		"walletId":    opts.WalletID,
		"amountMSat":  opts.AmountMsat,
		"paymentHash": resp.PaymentHash,
	}).Info("Created invoice")

	return inserted, nil
}

// PayInvoiceOpts are the arguments to PayInvoice
type PayInvoiceOpts struct {
	WalletID string
	Bolt11   string
	Network  *chaincfg.Params
	// MaxAmountMsat caps the invoice amount the caller is willing to pay.
	// Zero means no caller cap, the configured maximum still applies.
	MaxAmountMsat int64
	Webhook       string
	Extra         Extra
}

// PayInvoice pays a BOLT-11 invoice from the given wallet.
//
// The payment runs in phases. First a pending debit covering amount, fee
// reserve and service fee is committed, so the funds are held before anything
// leaves the server. If the invoice was issued by this server the transfer
// settles internally in that same transaction. Otherwise the funding source
// is asked to pay, and the outcome is applied in a follow-up transaction that
// is detached from the caller's context: once the reservation is committed,
// the caller going away must not stop the ledger from converging.
//
// If the caller's context is cancelled while the backend call is in flight,
// the still-pending debit is returned with a nil error.
func PayInvoice(ctx context.Context, d *db.DB, source funding.FundingSource,
	conf settings.Settings, notifier Notifier, opts PayInvoiceOpts) (Payment, error) {

	invoice, err := Decode(opts.Bolt11, opts.Network)
	if err != nil {
		return Payment{}, err
	}
	if invoice.MilliSat == nil || int64(*invoice.MilliSat) == 0 {
		return Payment{}, ErrAmountlessInvoice
	}
	amountMsat := int64(*invoice.MilliSat)
	if amountMsat > conf.MaxOutgoingPaymentAmountSat*1000 {
		return Payment{}, ErrAmountTooLarge
	}
	if opts.MaxAmountMsat > 0 && amountMsat > opts.MaxAmountMsat {
		return Payment{}, ErrAmountTooLarge
	}
	paymentHash := hex.EncodeToString(invoice.PaymentHash[:])

	tx := d.MustBegin()

	// The payer's row lock is held until commit. Without it two concurrent
	// reservations could both read the balance before either's debit lands
	// and overdraw the wallet.
	if err := wallets.Lock(tx, opts.WalletID); err != nil {
		_ = tx.Rollback()
		return Payment{}, err
	}

	// The internal probe also takes a row lock on the matching invoice, so
	// two concurrent payers of the same internal invoice serialize here.
	target, probeErr := getPendingIncomingByHashForUpdate(tx, paymentHash)
	internal := probeErr == nil
	if probeErr != nil && !errors.Is(probeErr, ErrPaymentNotFound) {
		_ = tx.Rollback()
		return Payment{}, probeErr
	}

	feeReserve := int64(0)
	if !internal {
		feeReserve = conf.FeeReserveMsat(amountMsat)
	}
	serviceFee := conf.ServiceFeeMsat(amountMsat, internal)

	if err := checkSpendLimits(tx, conf, opts.WalletID, amountMsat, feeReserve+serviceFee); err != nil {
		_ = tx.Rollback()
		return Payment{}, err
	}

	checkingID := TempPrefix + uuid.NewString()
	if internal {
		checkingID = InternalPrefix + uuid.NewString()
	}

	memo := ""
	if invoice.Description != nil {
		memo = *invoice.Description
	}
	debit := Payment{
		CheckingID:  checkingID,
		PaymentHash: paymentHash,
		WalletID:    opts.WalletID,
		AmountMsat:  -amountMsat,
		FeeMsat:     feeReserve + serviceFee,
		Status:      Pending,
		Bolt11:      &opts.Bolt11,
		Memo:        &memo,
		Extra:       opts.Extra,
	}
	if debit.Extra == nil {
		debit.Extra = Extra{}
	}
	if serviceFee > 0 {
		debit.Extra[extraServiceFee] = serviceFee
	}
	if internal {
		debit.Extra[extraInternal] = true
	}
	if opts.Webhook != "" {
		debit.Webhook = &opts.Webhook
	}

	debit, err = insert(tx, debit)
	if err != nil {
		_ = tx.Rollback()
		return Payment{}, err
	}

	if internal {
		settled, err := settleInternal(tx, conf, debit, target, serviceFee)
		if err != nil {
			_ = tx.Rollback()
			return Payment{}, err
		}
		if err = tx.Commit(); err != nil {
			return Payment{}, errors.Wrap(err, "could not commit internal payment")
		}
		log.WithFields(logrus.Fields{
			"fromWallet": opts.WalletID,
			"toWallet":   target.WalletID,
			"amountMSat": amountMsat,
		}).Info("Settled internal payment")
		if notifier != nil {
			debit.Status = Success
			debit.FeeMsat = serviceFee
			notifier.PaymentSettled(debit)
			notifier.PaymentSettled(settled)
		}
		debit.Status = Success
		debit.FeeMsat = serviceFee
		return debit, nil
	}

	if err = tx.Commit(); err != nil {
		return Payment{}, errors.Wrap(err, "could not commit payment reservation")
	}

	results := make(chan Payment, 1)
	go func() {
		results <- payExternal(d, source, conf, notifier, debit, invoice, feeReserve)
	}()

	select {
	case final := <-results:
		return final, nil
	case <-ctx.Done():
		log.WithField("paymentHash", paymentHash).
			Warn("Caller gave up waiting for payment, settlement continues in background")
		return debit, nil
	}
}

// payExternal is the backend leg of PayInvoice. It runs on its own deadline
// and applies whatever the funding source reports. An unknown outcome leaves
// the reservation pending for the sweeps to converge.
func payExternal(d *db.DB, source funding.FundingSource, conf settings.Settings,
	notifier Notifier, debit Payment, invoice *zpay32.Invoice, feeLimitMsat int64) Payment {

	payCtx, cancel := context.WithTimeout(context.Background(), funding.PayTimeout)
	defer cancel()

	bolt11 := ""
	if debit.Bolt11 != nil {
		bolt11 = *debit.Bolt11
	}
	resp, err := source.PayInvoice(payCtx, bolt11, feeLimitMsat)
	if err != nil || resp.State == funding.StateUnknown {
		log.WithError(err).WithField("paymentHash", debit.PaymentHash).
			Warn("Payment outcome unknown, leaving reservation pending")
		return debit
	}

	switch resp.State {
	case funding.StateSuccess:
		if resp.CheckingID != "" && resp.CheckingID != debit.CheckingID {
			if err := renameReservation(d, debit, resp.CheckingID); err != nil {
				log.WithError(err).Error("Could not adopt backend checking id")
			} else {
				debit.CheckingID = resp.CheckingID
			}
		}
		if err := Settle(d, conf, notifier, debit, resp.FeeMsat, resp.Preimage); err != nil {
			log.WithError(err).WithField("checkingId", debit.CheckingID).
				Error("Could not settle outgoing payment")
			return debit
		}
		debit.Status = Success
		debit.FeeMsat = resp.FeeMsat + debit.ServiceFeeMsat()
		if resp.Preimage != "" {
			debit.Preimage = &resp.Preimage
		}
	case funding.StateFailed:
		if err := Fail(d, conf, notifier, debit, resp.Error); err != nil {
			log.WithError(err).WithField("checkingId", debit.CheckingID).
				Error("Could not mark payment failed")
			return debit
		}
		debit.Status = Failed
	}
	return debit
}

// settleInternal moves funds between two wallets on this server inside the
// reservation transaction. Both legs settle or neither does.
func settleInternal(tx *sqlx.Tx, conf settings.Settings, debit, credit Payment,
	serviceFeeMsat int64) (Payment, error) {

	count, err := settle(tx, settleParams{
		WalletID:   credit.WalletID,
		CheckingID: credit.CheckingID,
		NewStatus:  Success,
		FeeMsat:    0,
		Actor:      "internal",
		Audit:      conf.AuditEnabled,
	})
	if err != nil {
		return Payment{}, err
	}
	if count == 0 {
		// Lost the race despite the row lock, someone settled it outside
		// this code path. The invoice is spent.
		return Payment{}, ErrInvoiceAlreadyPaid
	}

	count, err = settle(tx, settleParams{
		WalletID:   debit.WalletID,
		CheckingID: debit.CheckingID,
		NewStatus:  Success,
		FeeMsat:    serviceFeeMsat,
		Actor:      "internal",
		Audit:      conf.AuditEnabled,
	})
	if err != nil {
		return Payment{}, err
	}
	if count == 0 {
		return Payment{}, errors.Errorf("freshly inserted debit %s was not pending", debit.CheckingID)
	}

	if err := creditServiceFee(tx, conf, debit.CheckingID, serviceFeeMsat); err != nil {
		return Payment{}, err
	}

	credit.Status = Success
	return credit, nil
}

// checkSpendLimits enforces the per-wallet rate limit, the daily withdrawal
// cap and the balance check, in that order
func checkSpendLimits(tx *sqlx.Tx, conf settings.Settings, walletID string,
	amountMsat, feesMsat int64) error {

	if conf.WalletLimitSecsBetweenPayments > 0 {
		last, err := lastOutgoingAt(tx, walletID)
		if err != nil {
			return err
		}
		if last != nil && time.Since(*last) < time.Duration(conf.WalletLimitSecsBetweenPayments)*time.Second {
			return ErrPaymentRateLimited
		}
	}

	if conf.WalletLimitDailyMaxWithdrawMsat > 0 {
		withdrawn, err := sumWithdrawnLast24h(tx, walletID)
		if err != nil {
			return err
		}
		if withdrawn+amountMsat+feesMsat > conf.WalletLimitDailyMaxWithdrawMsat {
			return ErrDailyLimitExceeded
		}
	}

	covers, err := balanceCovers(tx, walletID, amountMsat+feesMsat)
	if err != nil {
		return err
	}
	if !covers {
		return ErrInsufficientBalance
	}
	return nil
}

// creditServiceFee credits the configured fee wallet. No-op when the fee is
// zero or no fee wallet is set.
func creditServiceFee(tx *sqlx.Tx, conf settings.Settings, relatedCheckingID string,
	feeMsat int64) error {

	if feeMsat <= 0 || conf.ServiceFeeWallet == "" {
		return nil
	}
	memo := "service fee"
	_, err := insert(tx, Payment{
		CheckingID:  ServiceFeePrefix + relatedCheckingID,
		PaymentHash: ServiceFeePrefix + relatedCheckingID,
		WalletID:    conf.ServiceFeeWallet,
		AmountMsat:  feeMsat,
		Status:      Success,
		Memo:        &memo,
		Extra:       Extra{},
	})
	return err
}

// renameReservation swaps a temp checking id for the backend's one in its own
// transaction
func renameReservation(d *db.DB, p Payment, newID string) error {
	tx := d.MustBegin()
	if err := replaceCheckingID(tx, p.WalletID, p.CheckingID, newID); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Settle marks the payment as succeeded. For debits the final fee becomes
// the actual routing fee plus the service fee reserved at creation, and the
// fee wallet is credited in the same transaction. Settling an already
// terminal payment returns ErrAlreadySettled.
func Settle(d *db.DB, conf settings.Settings, notifier Notifier, p Payment,
	routingFeeMsat int64, preimage string) error {

	finalFee := routingFeeMsat
	serviceFee := int64(0)
	if p.IsOut() {
		serviceFee = p.ServiceFeeMsat()
		finalFee += serviceFee
	}
	var preimagePtr *string
	if preimage != "" {
		preimagePtr = &preimage
	}

	tx := d.MustBegin()
	count, err := settle(tx, settleParams{
		WalletID:   p.WalletID,
		CheckingID: p.CheckingID,
		NewStatus:  Success,
		FeeMsat:    finalFee,
		Preimage:   preimagePtr,
		Actor:      "reconciler",
		Audit:      conf.AuditEnabled,
	})
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if count == 0 {
		_ = tx.Rollback()
		return ErrAlreadySettled
	}
	if p.IsOut() {
		if err := creditServiceFee(tx, conf, p.CheckingID, serviceFee); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	if err = tx.Commit(); err != nil {
		return errors.Wrapf(err, "could not commit settlement of %s", p.CheckingID)
	}

	log.WithFields(logrus.Fields{
		"checkingId": p.CheckingID,
		"walletId":   p.WalletID,
		"amountMSat": p.AmountMsat,
		"feeMSat":    finalFee,
	}).Info("Settled payment")

	if notifier != nil {
		p.Status = Success
		p.FeeMsat = finalFee
		p.Preimage = preimagePtr
		notifier.PaymentSettled(p)
	}
	return nil
}

// Fail marks the payment as failed, releasing its reserved funds. Failed
// rows are kept, not deleted.
func Fail(d *db.DB, conf settings.Settings, notifier Notifier, p Payment, reason string) error {
	tx := d.MustBegin()
	count, err := settle(tx, settleParams{
		WalletID:   p.WalletID,
		CheckingID: p.CheckingID,
		NewStatus:  Failed,
		FeeMsat:    0,
		Actor:      "reconciler",
		Audit:      conf.AuditEnabled,
	})
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if count == 0 {
		_ = tx.Rollback()
		return ErrAlreadySettled
	}
	if reason != "" {
		_, err = tx.Exec(
			`UPDATE payments SET extra = extra || jsonb_build_object('failure_reason', $1::text)
			WHERE wallet_id = $2 AND checking_id = $3`,
			reason, p.WalletID, p.CheckingID)
		if err != nil {
			_ = tx.Rollback()
			return errors.Wrap(err, "could not record failure reason")
		}
	}
	if err = tx.Commit(); err != nil {
		return errors.Wrapf(err, "could not commit failure of %s", p.CheckingID)
	}

	log.WithFields(logrus.Fields{
		"checkingId": p.CheckingID,
		"walletId":   p.WalletID,
		"reason":     reason,
	}).Info("Marked payment failed")

	if notifier != nil {
		p.Status = Failed
		p.FeeMsat = 0
		notifier.PaymentFailed(p)
	}
	return nil
}

// CheckStatus asks the funding source about a pending payment and applies
// the answer. Incoming payments are never failed here, expiry cleanup
// handles abandoned invoices.
func CheckStatus(ctx context.Context, d *db.DB, source funding.FundingSource,
	conf settings.Settings, notifier Notifier, p Payment) error {

	if p.Status.IsTerminal() || p.IsInternal() {
		return nil
	}

	if p.IsIn() {
		status, err := source.InvoiceStatus(ctx, p.CheckingID)
		if err != nil {
			return errors.Wrapf(err, "could not check invoice %s", p.CheckingID)
		}
		if status.Paid() {
			err := Settle(d, conf, notifier, p, 0, status.Preimage)
			if errors.Is(err, ErrAlreadySettled) {
				return nil
			}
			return err
		}
		return nil
	}

	// Outgoing rows are looked up by hash so temp reservations whose
	// backend id was never learned still converge.
	status, err := source.PaymentStatus(ctx, p.PaymentHash)
	if err != nil {
		return errors.Wrapf(err, "could not check payment %s", p.PaymentHash)
	}
	switch status.State {
	case funding.StateSuccess:
		err := Settle(d, conf, notifier, p, status.FeeMsat, status.Preimage)
		if errors.Is(err, ErrAlreadySettled) {
			return nil
		}
		return err
	case funding.StateFailed:
		err := Fail(d, conf, notifier, p, "backend reported failure")
		if errors.Is(err, ErrAlreadySettled) {
			return nil
		}
		return err
	}
	return nil
}

// UpdateWalletBalance credits or debits the wallet by the given delta,
// recorded as a synthetic settled adjustment row. Used by the admin API.
func UpdateWalletBalance(d *db.DB, conf settings.Settings, walletID string,
	deltaMsat int64) (Payment, error) {

	if deltaMsat == 0 {
		return Payment{}, ErrInvalidAmount
	}

	tx := d.MustBegin()

	id := AdminPrefix + uuid.NewString()
	memo := "admin balance adjustment"
	adjustment, err := insert(tx, Payment{
		CheckingID:  id,
		PaymentHash: id,
		WalletID:    walletID,
		AmountMsat:  deltaMsat,
		Status:      Success,
		Memo:        &memo,
		Extra:       Extra{extraAdminTopup: true},
	})
	if err != nil {
		_ = tx.Rollback()
		return Payment{}, err
	}

	if conf.AuditEnabled {
		err = audit.Record(tx, audit.Transition{
			CheckingID: id,
			WalletID:   walletID,
			OldStatus:  string(Pending),
			NewStatus:  string(Success),
			Actor:      "admin",
		})
		if err != nil {
			_ = tx.Rollback()
			return Payment{}, err
		}
	}

	if err = tx.Commit(); err != nil {
		return Payment{}, errors.Wrap(err, "could not commit balance adjustment")
	}

	log.WithFields(logrus.Fields{
		"walletId":  walletID,
		"deltaMSat": deltaMsat,
	}).Info("Adjusted wallet balance")

	return adjustment, nil
}
