// Package reconciler keeps the ledger in sync with the funding source. It
// listens on the backend's settlement stream and backs that up with periodic
// sweeps, so a missed stream event only delays a settlement instead of
// losing it.
package reconciler

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"gitlab.com/luminapay/lumina/db"
	"gitlab.com/luminapay/lumina/funding"
	"gitlab.com/luminapay/lumina/models/payments"
	"gitlab.com/luminapay/lumina/settings"
)

// maxStreamBackoff caps the resubscription delay after repeated stream
// failures.
const maxStreamBackoff = 60 * time.Second

// Reconciler drives pending payments to their terminal status
type Reconciler struct {
	database *db.DB
	source   funding.FundingSource
	settings *settings.Store
	notifier payments.Notifier
}

func New(database *db.DB, source funding.FundingSource, store *settings.Store,
	notifier payments.Notifier) *Reconciler {
	return &Reconciler{
		database: database,
		source:   source,
		settings: store,
		notifier: notifier,
	}
}

// Start runs the boot sweep, then launches the settlement stream listener
// and the periodic sweeper. It must run to completion before the HTTP
// surface accepts requests, so no request observes pre-crash state.
func (r *Reconciler) Start(ctx context.Context) error {
	if err := r.bootSweep(ctx); err != nil {
		return errors.Wrap(err, "boot sweep failed")
	}
	go r.streamLoop(ctx)
	go r.sweepLoop(ctx)
	return nil
}

// bootSweep polls every pending row, including temp reservations left by a
// crash mid-payment
func (r *Reconciler) bootSweep(ctx context.Context) error {
	pending, err := payments.ListAllPending(r.database)
	if err != nil {
		return err
	}
	log.WithField("count", len(pending)).Info("Boot sweep over pending payments")

	conf := r.settings.View()
	for _, p := range pending {
		if err := payments.CheckStatus(ctx, r.database, r.source, conf, r.notifier, p); err != nil {
			log.WithError(err).WithField("checkingId", p.CheckingID).
				Warn("Boot sweep could not check payment")
		}
	}
	return nil
}

// streamLoop subscribes to the funding source's paid-invoice stream and
// resubscribes with exponential backoff when it drops
func (r *Reconciler) streamLoop(ctx context.Context) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		stream, err := r.source.PaidInvoices(ctx)
		if err != nil {
			attempt++
			delay := streamBackoff(attempt)
			log.WithError(err).WithFields(logrus.Fields{
				"attempt": attempt,
				"delay":   delay,
			}).Warn("Could not subscribe to settlement stream")
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return
			}
		}

		attempt = 0
		log.Info("Listening on settlement stream")
		for checkingID := range stream {
			r.settleIncoming(ctx, checkingID)
		}
		log.Warn("Settlement stream closed")
	}
}

func streamBackoff(attempt int) time.Duration {
	delay := time.Second
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxStreamBackoff {
			return maxStreamBackoff
		}
	}
	return delay
}

// settleIncoming handles one checking id from the stream. Ids we never
// issued an invoice for are ignored.
func (r *Reconciler) settleIncoming(ctx context.Context, checkingID string) {
	p, err := payments.GetAnyByCheckingID(r.database, checkingID)
	if err != nil {
		if errors.Is(err, payments.ErrPaymentNotFound) {
			log.WithField("checkingId", checkingID).
				Debug("Stream reported settlement for unknown invoice")
			return
		}
		log.WithError(err).WithField("checkingId", checkingID).
			Error("Could not look up streamed settlement")
		return
	}

	// Confirm with the backend instead of trusting the stream blindly,
	// and pick up the preimage while at it.
	err = payments.CheckStatus(ctx, r.database, r.source, r.settings.View(), r.notifier, p)
	if err != nil {
		log.WithError(err).WithField("checkingId", checkingID).
			Warn("Could not apply streamed settlement")
	}
}

// sweepLoop periodically polls recent pending rows, converges stale temp
// reservations and deletes expired invoices
func (r *Reconciler) sweepLoop(ctx context.Context) {
	conf := r.settings.View()
	ticker := time.NewTicker(conf.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (r *Reconciler) sweep(ctx context.Context) {
	conf := r.settings.View()

	pending, err := payments.ListPending(r.database, time.Now().Add(-conf.SweepMaxAge))
	if err != nil {
		log.WithError(err).Error("Sweep could not list pending payments")
		return
	}
	for _, p := range pending {
		if err := payments.CheckStatus(ctx, r.database, r.source, conf, r.notifier, p); err != nil {
			log.WithError(err).WithField("checkingId", p.CheckingID).
				Warn("Sweep could not check payment")
		}
	}

	// Temp reservations are left alone until any in-flight pay attempt has
	// timed out, then polled by hash like everything else.
	stale, err := payments.ListStaleReservations(r.database,
		time.Now().Add(-conf.PaymentGracePeriod))
	if err != nil {
		log.WithError(err).Error("Sweep could not list stale reservations")
		return
	}
	for _, p := range stale {
		if err := payments.CheckStatus(ctx, r.database, r.source, conf, r.notifier, p); err != nil {
			log.WithError(err).WithField("checkingId", p.CheckingID).
				Warn("Sweep could not check reservation")
		}
	}

	if _, err := payments.DeleteExpiredInvoices(r.database, conf.PaymentGracePeriod); err != nil {
		log.WithError(err).Error("Sweep could not delete expired invoices")
	}
}
